package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/metergate/metergate/internal/cost"
	"github.com/metergate/metergate/internal/models"
	"github.com/metergate/metergate/internal/pricing"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Receipt acknowledges one recorded usage event.
type Receipt struct {
	EventID      uint64 `json:"event_id"`
	RequestID    string `json:"request_id"`
	TenantID     string `json:"tenant_id"`
	InputTokens  int64  `json:"input_tokens"`
	OutputTokens int64  `json:"output_tokens"`
	CostMicros   *int64 `json:"cost_micros"`
	Estimated    bool   `json:"estimated"`
	Duplicate    bool   `json:"duplicate"`
}

// VersionSlice is one pricing version's share of an aggregate bucket.
type VersionSlice struct {
	PricingEntryID uint64 `json:"pricing_entry_id"`
	InputTokens    int64  `json:"input_tokens"`
	OutputTokens   int64  `json:"output_tokens"`
	CostMicros     int64  `json:"cost_micros"`
	EventCount     int64  `json:"event_count"`
}

// AggregateView is a summed bucket with its per-pricing-version breakdown.
type AggregateView struct {
	TenantID          string         `json:"tenant_id"`
	Provider          string         `json:"provider"`
	Model             string         `json:"model"`
	BucketGranularity string         `json:"bucket_granularity"`
	BucketStart       time.Time      `json:"bucket_start"`
	TotalInputTokens  int64          `json:"total_input_tokens"`
	TotalOutputTokens int64          `json:"total_output_tokens"`
	CostMicros        int64          `json:"cost_micros"`
	EventCount        int64          `json:"event_count"`
	Breakdown         []VersionSlice `json:"breakdown"`
}

// Query filters for aggregate reads.
type Query struct {
	TenantID    string
	Provider    string
	Model       string
	Granularity string
	From        time.Time
	To          time.Time
}

// Aggregator ingests usage events and answers aggregate queries.
//
// Recording is idempotent on RequestID via a unique index: the duplicate
// insert is a no-op and the original receipt is returned. Replays within the
// whole retention window never double-count.
type Aggregator struct {
	db   *gorm.DB
	calc *cost.Calculator
}

// New constructs an Aggregator.
func New(db *gorm.DB, calc *cost.Calculator) *Aggregator {
	return &Aggregator{db: db, calc: calc}
}

// Record persists one usage event and folds it into the day and month aggregates.
//
// Events arriving without a cost are priced here; if pricing fails because
// the model is unknown, the event is still durably recorded with a nil cost
// and surfaced through ListUnpriced — usage is never dropped because pricing
// was missing.
func (a *Aggregator) Record(ctx context.Context, event *models.UsageEvent) (Receipt, error) {
	if a == nil || a.db == nil {
		return Receipt{}, errors.New("aggregator: nil aggregator")
	}
	if event == nil {
		return Receipt{}, errors.New("aggregator: nil event")
	}
	if event.InputTokens < 0 || event.OutputTokens < 0 {
		return Receipt{}, cost.ErrInvalidTokenCount
	}
	if strings.TrimSpace(event.RequestID) == "" {
		return Receipt{}, errors.New("aggregator: empty request id")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	event.TenantID = strings.TrimSpace(event.TenantID)
	event.Provider = strings.ToLower(strings.TrimSpace(event.Provider))
	event.Model = strings.TrimSpace(event.Model)
	if event.RequestedAt.IsZero() {
		event.RequestedAt = time.Now().UTC()
	} else {
		event.RequestedAt = event.RequestedAt.UTC()
	}

	if event.CostMicros == nil && a.calc != nil {
		breakdown, errPrice := a.calc.Price(event.Provider, event.Model, event.InputTokens, event.OutputTokens, event.RequestedAt)
		switch {
		case errPrice == nil:
			total := breakdown.TotalMicros
			entryID := breakdown.PricingEntryID
			event.CostMicros = &total
			event.PricingEntryID = &entryID
		case errors.Is(errPrice, pricing.ErrUnknownModel):
			log.Warnf("aggregator: no pricing for %s/%s, recording unpriced (request_id=%s)", event.Provider, event.Model, event.RequestID)
			event.ErrorDetail = unpricedDetail(event.Provider, event.Model)
		default:
			return Receipt{}, errPrice
		}
	}

	duplicate := false
	var stored models.UsageEvent
	errTx := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "request_id"}},
			DoNothing: true,
		}).Create(event)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			duplicate = true
			return tx.Where("request_id = ?", event.RequestID).Take(&stored).Error
		}
		stored = *event
		return a.applyToAggregates(tx, event)
	})
	if errTx != nil {
		return Receipt{}, errTx
	}

	return Receipt{
		EventID:      stored.ID,
		RequestID:    stored.RequestID,
		TenantID:     stored.TenantID,
		InputTokens:  stored.InputTokens,
		OutputTokens: stored.OutputTokens,
		CostMicros:   stored.CostMicros,
		Estimated:    stored.Estimated,
		Duplicate:    duplicate,
	}, nil
}

// applyToAggregates upserts the day and month rows for the event's pricing version.
//
// Counter changes are additive SQL expressions, so concurrent events for the
// same bucket commute and readers only ever see pre- or post-increment rows.
func (a *Aggregator) applyToAggregates(tx *gorm.DB, event *models.UsageEvent) error {
	var pricingEntryID uint64
	if event.PricingEntryID != nil {
		pricingEntryID = *event.PricingEntryID
	}
	var costMicros int64
	if event.CostMicros != nil {
		costMicros = *event.CostMicros
	}

	buckets := []struct {
		granularity string
		start       time.Time
	}{
		{models.BucketDay, DayStart(event.RequestedAt)},
		{models.BucketMonth, MonthStart(event.RequestedAt)},
	}

	for _, bucket := range buckets {
		row := models.UsageAggregate{
			TenantID:          event.TenantID,
			Provider:          event.Provider,
			Model:             event.Model,
			BucketGranularity: bucket.granularity,
			BucketStart:       bucket.start,
			PricingEntryID:    pricingEntryID,
			TotalInputTokens:  event.InputTokens,
			TotalOutputTokens: event.OutputTokens,
			CostMicros:        costMicros,
			EventCount:        1,
		}
		res := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "tenant_id"}, {Name: "provider"}, {Name: "model"},
				{Name: "bucket_granularity"}, {Name: "bucket_start"}, {Name: "pricing_entry_id"},
			},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"total_input_tokens":  gorm.Expr("total_input_tokens + ?", event.InputTokens),
				"total_output_tokens": gorm.Expr("total_output_tokens + ?", event.OutputTokens),
				"cost_micros":         gorm.Expr("cost_micros + ?", costMicros),
				"event_count":         gorm.Expr("event_count + ?", 1),
				"updated_at":          time.Now().UTC(),
			}),
		}).Create(&row)
		if res.Error != nil {
			return res.Error
		}
	}
	return nil
}

// Aggregates answers a range query over usage aggregates.
//
// Rows sharing a bucket key but differing in pricing version are summed into
// one view with the per-version split kept as a breakdown, so totals stay
// exact across mid-bucket price changes.
func (a *Aggregator) Aggregates(ctx context.Context, q Query) ([]AggregateView, error) {
	if a == nil || a.db == nil {
		return nil, errors.New("aggregator: nil aggregator")
	}
	if strings.TrimSpace(q.TenantID) == "" {
		return nil, errors.New("aggregator: empty tenant id")
	}
	granularity := q.Granularity
	if granularity == "" {
		granularity = models.BucketDay
	}

	query := a.db.WithContext(ctx).Model(&models.UsageAggregate{}).
		Where("tenant_id = ? AND bucket_granularity = ?", strings.TrimSpace(q.TenantID), granularity)
	if provider := strings.ToLower(strings.TrimSpace(q.Provider)); provider != "" {
		query = query.Where("provider = ?", provider)
	}
	if model := strings.TrimSpace(q.Model); model != "" {
		query = query.Where("model = ?", model)
	}
	if !q.From.IsZero() {
		query = query.Where("bucket_start >= ?", q.From.UTC())
	}
	if !q.To.IsZero() {
		query = query.Where("bucket_start < ?", q.To.UTC())
	}

	var rows []models.UsageAggregate
	if errFind := query.Order("bucket_start ASC, provider ASC, model ASC, pricing_entry_id ASC").Find(&rows).Error; errFind != nil {
		return nil, errFind
	}

	type viewKey struct {
		provider string
		model    string
		start    int64
	}
	grouped := make(map[viewKey]*AggregateView)
	order := make([]viewKey, 0, len(rows))
	for _, row := range rows {
		key := viewKey{provider: row.Provider, model: row.Model, start: row.BucketStart.Unix()}
		view, ok := grouped[key]
		if !ok {
			view = &AggregateView{
				TenantID:          row.TenantID,
				Provider:          row.Provider,
				Model:             row.Model,
				BucketGranularity: row.BucketGranularity,
				BucketStart:       row.BucketStart.UTC(),
			}
			grouped[key] = view
			order = append(order, key)
		}
		view.TotalInputTokens += row.TotalInputTokens
		view.TotalOutputTokens += row.TotalOutputTokens
		view.CostMicros += row.CostMicros
		view.EventCount += row.EventCount
		view.Breakdown = append(view.Breakdown, VersionSlice{
			PricingEntryID: row.PricingEntryID,
			InputTokens:    row.TotalInputTokens,
			OutputTokens:   row.TotalOutputTokens,
			CostMicros:     row.CostMicros,
			EventCount:     row.EventCount,
		})
	}

	views := make([]AggregateView, 0, len(order))
	for _, key := range order {
		views = append(views, *grouped[key])
	}
	sort.Slice(views, func(i, j int) bool {
		if !views[i].BucketStart.Equal(views[j].BucketStart) {
			return views[i].BucketStart.Before(views[j].BucketStart)
		}
		if views[i].Provider != views[j].Provider {
			return views[i].Provider < views[j].Provider
		}
		return views[i].Model < views[j].Model
	})
	return views, nil
}

// ConsumedMicros sums priced usage for one tenant from a period start.
func (a *Aggregator) ConsumedMicros(ctx context.Context, tenantID string, granularity string, bucketStart time.Time) (int64, error) {
	if a == nil || a.db == nil {
		return 0, errors.New("aggregator: nil aggregator")
	}
	var total int64
	errScan := a.db.WithContext(ctx).Model(&models.UsageAggregate{}).
		Where("tenant_id = ? AND bucket_granularity = ? AND bucket_start = ?", strings.TrimSpace(tenantID), granularity, bucketStart.UTC()).
		Select("COALESCE(SUM(cost_micros), 0)").
		Scan(&total).Error
	if errScan != nil {
		return 0, errScan
	}
	return total, nil
}

// ListUnpriced returns events recorded without a cost, oldest first. This is
// the operator queue for missing pricing.
func (a *Aggregator) ListUnpriced(ctx context.Context, limit int) ([]models.UsageEvent, error) {
	if a == nil || a.db == nil {
		return nil, errors.New("aggregator: nil aggregator")
	}
	if limit <= 0 {
		limit = 100
	}
	var rows []models.UsageEvent
	errFind := a.db.WithContext(ctx).
		Where("cost_micros IS NULL").
		Order("requested_at ASC").
		Limit(limit).
		Find(&rows).Error
	if errFind != nil {
		return nil, errFind
	}
	return rows, nil
}

// DayStart truncates a timestamp to its UTC day.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// MonthStart truncates a timestamp to its UTC calendar month.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// unpricedDetail builds the structured detail stored on unpriced events.
func unpricedDetail(provider, model string) datatypes.JSON {
	payload, errMarshal := json.Marshal(map[string]string{
		"reason":   "unknown_model",
		"provider": provider,
		"model":    model,
	})
	if errMarshal != nil {
		return nil
	}
	return datatypes.JSON(payload)
}
