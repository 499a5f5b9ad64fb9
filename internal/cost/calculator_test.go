package cost

import (
	"errors"
	"testing"

	"github.com/metergate/metergate/internal/models"
)

func TestPriceWithExactMillionTokens(t *testing.T) {
	entry := models.PricingEntry{
		ID:                7,
		InputPriceMicros:  2_500_000,  // $2.50 per 1M input tokens
		OutputPriceMicros: 10_000_000, // $10.00 per 1M output tokens
		Currency:          "USD",
	}

	breakdown, errPrice := PriceWith(entry, 1_000_000, 500_000)
	if errPrice != nil {
		t.Fatalf("price: %v", errPrice)
	}
	if breakdown.InputMicros != 2_500_000 {
		t.Fatalf("input micros: got %d", breakdown.InputMicros)
	}
	if breakdown.OutputMicros != 5_000_000 {
		t.Fatalf("output micros: got %d", breakdown.OutputMicros)
	}
	if breakdown.TotalMicros != 7_500_000 {
		t.Fatalf("total micros: got %d", breakdown.TotalMicros)
	}
	if breakdown.PricingEntryID != 7 {
		t.Fatalf("pricing entry id: got %d", breakdown.PricingEntryID)
	}
}

func TestPriceWithRejectsNegativeTokens(t *testing.T) {
	entry := models.PricingEntry{InputPriceMicros: 1, OutputPriceMicros: 1}
	if _, errPrice := PriceWith(entry, -1, 0); !errors.Is(errPrice, ErrInvalidTokenCount) {
		t.Fatalf("expected ErrInvalidTokenCount, got %v", errPrice)
	}
	if _, errPrice := PriceWith(entry, 0, -5); !errors.Is(errPrice, ErrInvalidTokenCount) {
		t.Fatalf("expected ErrInvalidTokenCount, got %v", errPrice)
	}
}

func TestPriceAdditivityWithinOneVersion(t *testing.T) {
	entry := models.PricingEntry{
		InputPriceMicros:  3_170_000,
		OutputPriceMicros: 12_930_000,
		Currency:          "USD",
	}

	events := []struct{ in, out int64 }{
		{123, 456},
		{7_890, 12},
		{1, 999_999},
		{250_000, 250_000},
		{0, 1},
	}

	var sumIn, sumOut, summedTotal int64
	for _, e := range events {
		b, errPrice := PriceWith(entry, e.in, e.out)
		if errPrice != nil {
			t.Fatalf("price event: %v", errPrice)
		}
		sumIn += e.in
		sumOut += e.out
		summedTotal += b.TotalMicros
	}

	bulk, errPrice := PriceWith(entry, sumIn, sumOut)
	if errPrice != nil {
		t.Fatalf("price sum: %v", errPrice)
	}

	// Per-event half-up rounding may drift by at most one micro per event side.
	diff := summedTotal - bulk.TotalMicros
	if diff < 0 {
		diff = -diff
	}
	if diff > int64(len(events))*2 {
		t.Fatalf("additivity drift too large: summed=%d bulk=%d", summedTotal, bulk.TotalMicros)
	}
}

func TestScaleTokensRoundsHalfUpOnce(t *testing.T) {
	// 1 token at $1.00/1M tokens = 1 micro exactly.
	if got := scaleTokens(1, 1_000_000); got != 1 {
		t.Fatalf("scale 1 token: got %d", got)
	}
	// 1 token at $0.50/1M tokens = 0.5 micros, rounds up to 1.
	if got := scaleTokens(1, 500_000); got != 1 {
		t.Fatalf("scale half micro: got %d", got)
	}
	// 1 token at $0.49/1M tokens rounds down to 0... but never negative.
	if got := scaleTokens(1, 490_000); got != 0 {
		t.Fatalf("scale below half: got %d", got)
	}
	// Large counts split into whole and remainder without overflow.
	if got := scaleTokens(2_500_000, 2_000_000); got != 5_000_000 {
		t.Fatalf("scale large: got %d", got)
	}
}
