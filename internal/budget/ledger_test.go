package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/metergate/metergate/internal/aggregator"
	"github.com/metergate/metergate/internal/cost"
	"github.com/metergate/metergate/internal/db"
	"github.com/metergate/metergate/internal/models"
	"github.com/metergate/metergate/internal/pricing"
	"gorm.io/gorm"
)

func newTestLedger(t *testing.T) (*Ledger, *aggregator.Aggregator, *gorm.DB) {
	t.Helper()
	conn, errOpen := db.Open(":memory:")
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate db: %v", errMigrate)
	}

	table := pricing.NewTable(conn, models.PricingEntry{InputPriceMicros: 1_000_000, OutputPriceMicros: 2_000_000, Currency: "USD"})
	if errRefresh := table.Refresh(context.Background()); errRefresh != nil {
		t.Fatalf("refresh pricing: %v", errRefresh)
	}
	agg := aggregator.New(conn, cost.NewCalculator(table))
	return NewLedger(conn, agg, []int{50, 80, 100}), agg, conn
}

// recordSpend inserts a pre-priced usage event for the tenant.
func recordSpend(t *testing.T, agg *aggregator.Aggregator, tenantID, requestID string, costMicros int64, at time.Time) {
	t.Helper()
	event := &models.UsageEvent{
		TenantID:    tenantID,
		Provider:    "openai",
		Model:       "gpt-4o",
		RequestID:   requestID,
		CostMicros:  &costMicros,
		RequestedAt: at,
	}
	if _, errRecord := agg.Record(context.Background(), event); errRecord != nil {
		t.Fatalf("record spend: %v", errRecord)
	}
}

func monthlyPolicy(tenantID string, limitMicros int64) *models.BudgetPolicy {
	return &models.BudgetPolicy{
		TenantID:    tenantID,
		Period:      models.PeriodMonthly,
		LimitMicros: limitMicros,
		Currency:    "USD",
		IsEnabled:   true,
	}
}

func TestEvaluateCrossesFiftyPercentOnce(t *testing.T) {
	ledger, agg, _ := newTestLedger(t)
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	// $100 monthly budget.
	if errUpsert := ledger.UpsertPolicy(context.Background(), monthlyPolicy("tenant-1", 100_000_000)); errUpsert != nil {
		t.Fatalf("upsert policy: %v", errUpsert)
	}

	// $40 consumed: below every rung.
	recordSpend(t, agg, "tenant-1", "req-40", 40_000_000, at)
	intents, errEval := ledger.Evaluate(context.Background(), "tenant-1", models.PeriodMonthly, at)
	if errEval != nil {
		t.Fatalf("evaluate: %v", errEval)
	}
	if len(intents) != 0 {
		t.Fatalf("below 50%%: got %d intents", len(intents))
	}

	// +$10 lands exactly on the 50% rung.
	recordSpend(t, agg, "tenant-1", "req-10", 10_000_000, at)
	intents, errEval = ledger.Evaluate(context.Background(), "tenant-1", models.PeriodMonthly, at)
	if errEval != nil {
		t.Fatalf("evaluate: %v", errEval)
	}
	if len(intents) != 1 || intents[0].Threshold != 50 {
		t.Fatalf("50%% crossing: got %+v", intents)
	}

	// Re-evaluating the same position fires nothing.
	intents, errEval = ledger.Evaluate(context.Background(), "tenant-1", models.PeriodMonthly, at)
	if errEval != nil {
		t.Fatalf("evaluate: %v", errEval)
	}
	if len(intents) != 0 {
		t.Fatalf("replayed crossing: got %d intents", len(intents))
	}
}

func TestEvaluateJumpFiresEverySkippedRung(t *testing.T) {
	ledger, agg, _ := newTestLedger(t)
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if errUpsert := ledger.UpsertPolicy(context.Background(), monthlyPolicy("tenant-1", 100_000_000)); errUpsert != nil {
		t.Fatalf("upsert policy: %v", errUpsert)
	}

	// One $105 event jumps straight past 50, 80, 100 and over the limit.
	recordSpend(t, agg, "tenant-1", "req-big", 105_000_000, at)
	intents, errEval := ledger.Evaluate(context.Background(), "tenant-1", models.PeriodMonthly, at)
	if errEval != nil {
		t.Fatalf("evaluate: %v", errEval)
	}
	if len(intents) != 4 {
		t.Fatalf("jump: got %d intents, want 4", len(intents))
	}
	want := []int{50, 80, 100, OverLimitThreshold}
	for i, rung := range want {
		if intents[i].Threshold != rung {
			t.Fatalf("intent %d: got rung %d, want %d", i, intents[i].Threshold, rung)
		}
	}
}

func TestEvaluateWithoutPolicyIsNoOp(t *testing.T) {
	ledger, agg, conn := newTestLedger(t)
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	recordSpend(t, agg, "tenant-free", "req-1", 999_000_000, at)
	intents, errEval := ledger.Evaluate(context.Background(), "tenant-free", models.PeriodMonthly, at)
	if errEval != nil {
		t.Fatalf("evaluate: %v", errEval)
	}
	if intents != nil {
		t.Fatalf("no policy must be a no-op, got %+v", intents)
	}

	var stateCount int64
	if errCount := conn.Model(&models.BudgetState{}).Count(&stateCount).Error; errCount != nil {
		t.Fatalf("count states: %v", errCount)
	}
	if stateCount != 0 {
		t.Fatal("no policy must not create state rows")
	}
}

func TestEvaluateConcurrentFiresAtMostOnce(t *testing.T) {
	ledger, agg, _ := newTestLedger(t)
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if errUpsert := ledger.UpsertPolicy(context.Background(), monthlyPolicy("tenant-1", 100_000_000)); errUpsert != nil {
		t.Fatalf("upsert policy: %v", errUpsert)
	}
	recordSpend(t, agg, "tenant-1", "req-85", 85_000_000, at)

	const workers = 8
	results := make(chan int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			intents, errEval := ledger.Evaluate(context.Background(), "tenant-1", models.PeriodMonthly, at)
			if errEval != nil {
				t.Errorf("evaluate: %v", errEval)
				return
			}
			count := 0
			for _, intent := range intents {
				if intent.Threshold == 80 {
					count++
				}
			}
			results <- count
		}()
	}
	wg.Wait()
	close(results)

	fired := 0
	for count := range results {
		fired += count
	}
	if fired != 1 {
		t.Fatalf("80%% rung fired %d times across workers, want exactly 1", fired)
	}
}

func TestEvaluateRollsOverIntoFreshWindow(t *testing.T) {
	ledger, agg, conn := newTestLedger(t)

	if errUpsert := ledger.UpsertPolicy(context.Background(), monthlyPolicy("tenant-1", 100_000_000)); errUpsert != nil {
		t.Fatalf("upsert policy: %v", errUpsert)
	}

	march := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	recordSpend(t, agg, "tenant-1", "req-march", 60_000_000, march)
	if _, errEval := ledger.Evaluate(context.Background(), "tenant-1", models.PeriodMonthly, march); errEval != nil {
		t.Fatalf("evaluate march: %v", errEval)
	}

	// April starts at zero: the same spend crosses 50% again in the new window.
	april := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	recordSpend(t, agg, "tenant-1", "req-april", 60_000_000, april)
	intents, errEval := ledger.Evaluate(context.Background(), "tenant-1", models.PeriodMonthly, april)
	if errEval != nil {
		t.Fatalf("evaluate april: %v", errEval)
	}
	if len(intents) != 1 || intents[0].Threshold != 50 {
		t.Fatalf("april crossing: got %+v", intents)
	}

	var stateCount int64
	if errCount := conn.Model(&models.BudgetState{}).Where("tenant_id = ?", "tenant-1").Count(&stateCount).Error; errCount != nil {
		t.Fatalf("count states: %v", errCount)
	}
	if stateCount != 2 {
		t.Fatalf("rollover must keep both windows, got %d rows", stateCount)
	}
}

func TestCheckHardStop(t *testing.T) {
	ledger, agg, _ := newTestLedger(t)
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	policy := monthlyPolicy("tenant-1", 100_000_000)
	policy.Enforce = true
	policy.HardStopMultiplier = 1.0
	if errUpsert := ledger.UpsertPolicy(context.Background(), policy); errUpsert != nil {
		t.Fatalf("upsert policy: %v", errUpsert)
	}

	// Exactly at the limit: still allowed.
	recordSpend(t, agg, "tenant-1", "req-limit", 100_000_000, at)
	if errCheck := ledger.CheckHardStop(context.Background(), "tenant-1", at); errCheck != nil {
		t.Fatalf("at limit must pass: %v", errCheck)
	}

	// One more micro tips it over.
	recordSpend(t, agg, "tenant-1", "req-over", 1, at)
	errCheck := ledger.CheckHardStop(context.Background(), "tenant-1", at)
	if !errors.Is(errCheck, ErrBudgetExceeded) {
		t.Fatalf("over limit: got %v, want ErrBudgetExceeded", errCheck)
	}

	// Advisory tenants never block even when far over.
	advisory := monthlyPolicy("tenant-2", 1_000_000)
	if errUpsert := ledger.UpsertPolicy(context.Background(), advisory); errUpsert != nil {
		t.Fatalf("upsert advisory: %v", errUpsert)
	}
	recordSpend(t, agg, "tenant-2", "req-adv", 50_000_000, at)
	if errCheck := ledger.CheckHardStop(context.Background(), "tenant-2", at); errCheck != nil {
		t.Fatalf("advisory policy must not block: %v", errCheck)
	}
}

func TestStateReportsPosition(t *testing.T) {
	ledger, agg, _ := newTestLedger(t)
	at := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	if errUpsert := ledger.UpsertPolicy(context.Background(), monthlyPolicy("tenant-1", 100_000_000)); errUpsert != nil {
		t.Fatalf("upsert policy: %v", errUpsert)
	}
	recordSpend(t, agg, "tenant-1", "req-1", 25_000_000, at)
	if _, errEval := ledger.Evaluate(context.Background(), "tenant-1", models.PeriodMonthly, at); errEval != nil {
		t.Fatalf("evaluate: %v", errEval)
	}

	view, errState := ledger.State(context.Background(), "tenant-1", models.PeriodMonthly, at)
	if errState != nil {
		t.Fatalf("state: %v", errState)
	}
	if view.ConsumedMicros != 25_000_000 || view.LimitMicros != 100_000_000 {
		t.Fatalf("position: %+v", view)
	}
	if fmt.Sprintf("%.0f", view.PercentUsed) != "25" {
		t.Fatalf("percent used: got %f", view.PercentUsed)
	}

	if _, errState := ledger.State(context.Background(), "ghost", models.PeriodMonthly, at); !errors.Is(errState, ErrNoPolicy) {
		t.Fatalf("unknown tenant: got %v, want ErrNoPolicy", errState)
	}
}
