package budget

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/metergate/metergate/internal/aggregator"
	"github.com/metergate/metergate/internal/models"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNoPolicy is returned when a tenant has no enabled budget policy
	// for the requested period.
	ErrNoPolicy = errors.New("budget: no policy")
	// ErrBudgetExceeded is returned by the hard-stop check when an enforced
	// budget is consumed past its limit and multiplier.
	ErrBudgetExceeded = errors.New("budget: limit exceeded")
)

// OverLimitThreshold is the implicit ladder rung fired once consumption goes
// strictly over the limit. It sorts after the 100% rung.
const OverLimitThreshold = 101

// AlertIntent describes one threshold crossing that should be fanned out to
// subscribers. Crossings are at-most-once per (tenant, period window, rung).
type AlertIntent struct {
	TenantID       string    `json:"tenant_id"`
	Period         string    `json:"period"`
	PeriodStart    time.Time `json:"period_start"`
	Threshold      int       `json:"threshold"`
	ConsumedMicros int64     `json:"consumed_micros"`
	LimitMicros    int64     `json:"limit_micros"`
	Currency       string    `json:"currency"`
	TriggeredAt    time.Time `json:"triggered_at"`
}

// StateView is the externally visible budget position for one tenant window.
type StateView struct {
	TenantID             string    `json:"tenant_id"`
	Period               string    `json:"period"`
	PeriodStart          time.Time `json:"period_start"`
	LimitMicros          int64     `json:"limit_micros"`
	ConsumedMicros       int64     `json:"consumed_micros"`
	Currency             string    `json:"currency"`
	PercentUsed          float64   `json:"percent_used"`
	Enforce              bool      `json:"enforce"`
	LastCrossedThreshold int       `json:"last_crossed_threshold"`
}

// Ledger evaluates tenant consumption against budget policies and decides
// which threshold alerts are due.
//
// Evaluation is serialized per (tenant, period) with an in-process lock, and
// the LastCrossedThreshold column is advanced with an optimistic guard, so a
// rung fires at most once per window even under concurrent evaluations.
type Ledger struct {
	db         *gorm.DB
	agg        *aggregator.Aggregator
	thresholds []int
	locks      sync.Map
}

// NewLedger constructs a Ledger with the given alert ladder (percent rungs).
func NewLedger(db *gorm.DB, agg *aggregator.Aggregator, thresholds []int) *Ledger {
	ladder := make([]int, 0, len(thresholds))
	for _, t := range thresholds {
		if t > 0 && t <= 100 {
			ladder = append(ladder, t)
		}
	}
	if len(ladder) == 0 {
		ladder = []int{50, 80, 100}
	}
	sort.Ints(ladder)
	return &Ledger{db: db, agg: agg, thresholds: ladder}
}

// UpsertPolicy creates or replaces the budget policy for one (tenant, period).
func (l *Ledger) UpsertPolicy(ctx context.Context, policy *models.BudgetPolicy) error {
	if l == nil || l.db == nil {
		return errors.New("budget: nil ledger")
	}
	if policy == nil || strings.TrimSpace(policy.TenantID) == "" {
		return errors.New("budget: invalid policy")
	}
	if policy.Period != models.PeriodDaily && policy.Period != models.PeriodMonthly {
		return fmt.Errorf("budget: invalid period %q", policy.Period)
	}
	if policy.HardStopMultiplier <= 0 {
		policy.HardStopMultiplier = 1.0
	}
	return l.db.WithContext(ctx).
		Where("tenant_id = ? AND period = ?", policy.TenantID, policy.Period).
		Assign(map[string]interface{}{
			"limit_micros":         policy.LimitMicros,
			"currency":             policy.Currency,
			"enforce":              policy.Enforce,
			"hard_stop_multiplier": policy.HardStopMultiplier,
			"is_enabled":           policy.IsEnabled,
		}).
		FirstOrCreate(policy).Error
}

// Evaluate recomputes the tenant's position for the window containing at and
// returns the threshold alerts that became due since the last evaluation.
//
// A tenant without an enabled policy is a no-op: no state row is written and
// no alerts fire. Rollover happens implicitly because the state row is keyed
// by the window start; a new window begins at zero crossings.
func (l *Ledger) Evaluate(ctx context.Context, tenantID, period string, at time.Time) ([]AlertIntent, error) {
	if l == nil || l.db == nil || l.agg == nil {
		return nil, errors.New("budget: nil ledger")
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, errors.New("budget: empty tenant id")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	mu := l.lockFor(tenantID, period)
	mu.Lock()
	defer mu.Unlock()

	policy, errPolicy := l.policy(ctx, tenantID, period)
	if errPolicy != nil {
		if errors.Is(errPolicy, ErrNoPolicy) {
			return nil, nil
		}
		return nil, errPolicy
	}
	if policy.LimitMicros <= 0 {
		return nil, nil
	}

	start := PeriodStart(period, at)
	consumed, errConsumed := l.agg.ConsumedMicros(ctx, tenantID, granularityFor(period), start)
	if errConsumed != nil {
		return nil, errConsumed
	}

	state, errState := l.loadState(ctx, tenantID, period, start)
	if errState != nil {
		return nil, errState
	}

	highest := l.highestCrossed(consumed, policy.LimitMicros)
	var intents []AlertIntent
	if highest > state.LastCrossedThreshold {
		now := time.Now().UTC()
		for _, rung := range l.ladderWithOver() {
			if rung > state.LastCrossedThreshold && rung <= highest {
				intents = append(intents, AlertIntent{
					TenantID:       tenantID,
					Period:         period,
					PeriodStart:    start,
					Threshold:      rung,
					ConsumedMicros: consumed,
					LimitMicros:    policy.LimitMicros,
					Currency:       policy.Currency,
					TriggeredAt:    now,
				})
			}
		}
	}

	next := state.LastCrossedThreshold
	if highest > next {
		next = highest
	}
	res := l.db.WithContext(ctx).Model(&models.BudgetState{}).
		Where("id = ? AND last_crossed_threshold = ?", state.ID, state.LastCrossedThreshold).
		Updates(map[string]interface{}{
			"consumed_micros":        consumed,
			"last_crossed_threshold": next,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 && len(intents) > 0 {
		// Another instance advanced the rung first; it owns these alerts.
		log.Debugf("budget: lost threshold race for tenant %s period %s", tenantID, period)
		return nil, nil
	}
	return intents, nil
}

// CheckHardStop rejects further metered calls for tenants whose enforced
// budget is consumed past limit*multiplier. Advisory-only policies never
// block anything.
func (l *Ledger) CheckHardStop(ctx context.Context, tenantID string, at time.Time) error {
	if l == nil || l.db == nil || l.agg == nil {
		return nil
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil
	}

	var policies []models.BudgetPolicy
	errFind := l.db.WithContext(ctx).
		Where("tenant_id = ? AND is_enabled = ? AND enforce = ?", tenantID, true, true).
		Find(&policies).Error
	if errFind != nil {
		return errFind
	}

	for _, policy := range policies {
		if policy.LimitMicros <= 0 {
			continue
		}
		start := PeriodStart(policy.Period, at)
		consumed, errConsumed := l.agg.ConsumedMicros(ctx, tenantID, granularityFor(policy.Period), start)
		if errConsumed != nil {
			return errConsumed
		}
		multiplier := policy.HardStopMultiplier
		if multiplier <= 0 {
			multiplier = 1.0
		}
		if float64(consumed) > float64(policy.LimitMicros)*multiplier {
			return fmt.Errorf("%w: tenant %s %s budget consumed %d of %d micros", ErrBudgetExceeded, tenantID, policy.Period, consumed, policy.LimitMicros)
		}
	}
	return nil
}

// State reports the tenant's current position for one period window.
func (l *Ledger) State(ctx context.Context, tenantID, period string, at time.Time) (*StateView, error) {
	if l == nil || l.db == nil || l.agg == nil {
		return nil, errors.New("budget: nil ledger")
	}
	tenantID = strings.TrimSpace(tenantID)

	policy, errPolicy := l.policy(ctx, tenantID, period)
	if errPolicy != nil {
		return nil, errPolicy
	}

	start := PeriodStart(period, at)
	consumed, errConsumed := l.agg.ConsumedMicros(ctx, tenantID, granularityFor(period), start)
	if errConsumed != nil {
		return nil, errConsumed
	}

	lastCrossed := 0
	var state models.BudgetState
	errState := l.db.WithContext(ctx).
		Where("tenant_id = ? AND period = ? AND period_start = ?", tenantID, period, start).
		Take(&state).Error
	if errState == nil {
		lastCrossed = state.LastCrossedThreshold
	} else if !errors.Is(errState, gorm.ErrRecordNotFound) {
		return nil, errState
	}

	percent := 0.0
	if policy.LimitMicros > 0 {
		percent = float64(consumed) / float64(policy.LimitMicros) * 100
	}
	return &StateView{
		TenantID:             tenantID,
		Period:               period,
		PeriodStart:          start,
		LimitMicros:          policy.LimitMicros,
		ConsumedMicros:       consumed,
		Currency:             policy.Currency,
		PercentUsed:          percent,
		Enforce:              policy.Enforce,
		LastCrossedThreshold: lastCrossed,
	}, nil
}

// PeriodStart returns the UTC start of the window containing at.
func PeriodStart(period string, at time.Time) time.Time {
	if period == models.PeriodDaily {
		return aggregator.DayStart(at)
	}
	return aggregator.MonthStart(at)
}

func granularityFor(period string) string {
	if period == models.PeriodDaily {
		return models.BucketDay
	}
	return models.BucketMonth
}

func (l *Ledger) policy(ctx context.Context, tenantID, period string) (*models.BudgetPolicy, error) {
	var policy models.BudgetPolicy
	errFind := l.db.WithContext(ctx).
		Where("tenant_id = ? AND period = ? AND is_enabled = ?", tenantID, period, true).
		Take(&policy).Error
	if errFind != nil {
		if errors.Is(errFind, gorm.ErrRecordNotFound) {
			return nil, ErrNoPolicy
		}
		return nil, errFind
	}
	return &policy, nil
}

// loadState fetches or creates the state row for one window. The unique
// window index makes concurrent creates collapse onto a single row.
func (l *Ledger) loadState(ctx context.Context, tenantID, period string, start time.Time) (*models.BudgetState, error) {
	row := models.BudgetState{
		TenantID:    tenantID,
		Period:      period,
		PeriodStart: start,
	}
	res := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "period"}, {Name: "period_start"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		errFind := l.db.WithContext(ctx).
			Where("tenant_id = ? AND period = ? AND period_start = ?", tenantID, period, start).
			Take(&row).Error
		if errFind != nil {
			return nil, errFind
		}
	}
	return &row, nil
}

// highestCrossed returns the highest ladder rung the consumption reaches.
// Percent rungs are inclusive; the over rung requires strictly more than the
// limit.
func (l *Ledger) highestCrossed(consumed, limit int64) int {
	highest := 0
	for _, rung := range l.thresholds {
		if consumed*100 >= limit*int64(rung) {
			highest = rung
		}
	}
	if consumed > limit {
		highest = OverLimitThreshold
	}
	return highest
}

func (l *Ledger) ladderWithOver() []int {
	out := make([]int, 0, len(l.thresholds)+1)
	out = append(out, l.thresholds...)
	return append(out, OverLimitThreshold)
}

func (l *Ledger) lockFor(tenantID, period string) *sync.Mutex {
	key := tenantID + "|" + period
	if mu, ok := l.locks.Load(key); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := l.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
