package cost

import (
	"errors"
	"time"

	"github.com/metergate/metergate/internal/models"
	"github.com/metergate/metergate/internal/pricing"
)

// ErrInvalidTokenCount is returned for negative token counts.
var ErrInvalidTokenCount = errors.New("cost: invalid token count")

// Breakdown is the priced result for one request.
type Breakdown struct {
	InputMicros    int64  `json:"input_micros"`
	OutputMicros   int64  `json:"output_micros"`
	TotalMicros    int64  `json:"total_micros"`
	PricingEntryID uint64 `json:"pricing_entry_id"`
	Currency       string `json:"currency"`
}

// Calculator prices token counts against a pricing table.
//
// All arithmetic is integer micros: prices are micros per 1,000,000 tokens,
// and a side's cost is tokens*price/1e6 with half-up rounding applied once at
// the end of each side. No float accumulation happens anywhere.
type Calculator struct {
	table *pricing.Table
}

// NewCalculator constructs a Calculator.
func NewCalculator(table *pricing.Table) *Calculator {
	return &Calculator{table: table}
}

// Price resolves the pricing entry effective at the given time and prices the counts.
//
// Unknown (provider, model) pairs surface pricing.ErrUnknownModel; callers
// decide between failing and falling back to the configured default rate.
func (c *Calculator) Price(provider, model string, inputTokens, outputTokens int64, at time.Time) (Breakdown, error) {
	if c == nil || c.table == nil {
		return Breakdown{}, errors.New("cost: nil calculator")
	}
	if inputTokens < 0 || outputTokens < 0 {
		return Breakdown{}, ErrInvalidTokenCount
	}
	entry, errLookup := c.table.Lookup(provider, model, at)
	if errLookup != nil {
		return Breakdown{}, errLookup
	}
	return PriceWith(*entry, inputTokens, outputTokens)
}

// PriceFallback prices the counts against the table's configured default rate.
func (c *Calculator) PriceFallback(inputTokens, outputTokens int64) (Breakdown, error) {
	if c == nil || c.table == nil {
		return Breakdown{}, errors.New("cost: nil calculator")
	}
	return PriceWith(c.table.Fallback(), inputTokens, outputTokens)
}

// PriceWith prices token counts against a known pricing entry. Pure and
// deterministic for a given entry.
func PriceWith(entry models.PricingEntry, inputTokens, outputTokens int64) (Breakdown, error) {
	if inputTokens < 0 || outputTokens < 0 {
		return Breakdown{}, ErrInvalidTokenCount
	}

	inputMicros := scaleTokens(inputTokens, entry.InputPriceMicros)
	outputMicros := scaleTokens(outputTokens, entry.OutputPriceMicros)

	return Breakdown{
		InputMicros:    inputMicros,
		OutputMicros:   outputMicros,
		TotalMicros:    inputMicros + outputMicros,
		PricingEntryID: entry.ID,
		Currency:       entry.Currency,
	}, nil
}

// tokensPerPriceUnit is the token denominator for stored prices.
const tokensPerPriceUnit = 1_000_000

// scaleTokens computes tokens*priceMicros/1e6 in integer math, rounding half up.
func scaleTokens(tokens, priceMicros int64) int64 {
	if tokens == 0 || priceMicros == 0 {
		return 0
	}
	whole := tokens / tokensPerPriceUnit
	rem := tokens % tokensPerPriceUnit
	return whole*priceMicros + (rem*priceMicros+tokensPerPriceUnit/2)/tokensPerPriceUnit
}
