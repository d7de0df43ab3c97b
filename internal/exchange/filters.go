package exchange

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// filterTTL bounds how long instrument metadata is trusted
const filterTTL = 300 * time.Second

// SymbolFilters is the per-symbol precision contract: quantities floor to
// StepSize, prices floor to TickSize, and serialized scale never exceeds
// the step's own scale.
type SymbolFilters struct {
	StepSize decimal.Decimal
	TickSize decimal.Decimal
	MinQty   decimal.Decimal
	MinPrice decimal.Decimal
}

// FilterCache caches instrument metadata per wire symbol with a 300 s TTL
type FilterCache struct {
	mu      sync.RWMutex
	entries map[string]filterEntry
}

type filterEntry struct {
	filters   SymbolFilters
	fetchedAt time.Time
}

// NewFilterCache creates an empty filter cache
func NewFilterCache() *FilterCache {
	return &FilterCache{entries: make(map[string]filterEntry)}
}

// Get returns cached filters if present and fresh
func (c *FilterCache) Get(wire string) (SymbolFilters, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[wire]
	if !ok || time.Since(entry.fetchedAt) > filterTTL {
		return SymbolFilters{}, false
	}
	return entry.filters, true
}

// Set stores filters for a wire symbol, last write wins
func (c *FilterCache) Set(wire string, filters SymbolFilters) {
	c.mu.Lock()
	c.entries[wire] = filterEntry{filters: filters, fetchedAt: time.Now()}
	c.mu.Unlock()
}

// FormatQuantity floors a quantity to the step and serializes it with at
// most scale(step) fractional digits and no trailing zeros. A floored
// quantity below the minimum fails with ErrInvalidQuantity; the quantity
// is never inflated.
func FormatQuantity(quantity float64, f SymbolFilters) (string, error) {
	if quantity <= 0 {
		return "", fmt.Errorf("%w: %v", ErrInvalidQuantity, quantity)
	}

	q := decimal.NewFromFloat(quantity)
	floored := floorToStep(q, f.StepSize)

	if floored.IsZero() {
		return "", fmt.Errorf("%w: %v floors to zero at step %s", ErrInvalidQuantity, quantity, f.StepSize)
	}
	if !f.MinQty.IsZero() && floored.LessThan(f.MinQty) {
		return "", fmt.Errorf("%w: %s below minimum %s (step %s)", ErrInvalidQuantity, floored, f.MinQty, f.StepSize)
	}

	return serialize(floored, f.StepSize), nil
}

// FormatPrice floors a price to the tick and serializes it like
// FormatQuantity does for quantities
func FormatPrice(price float64, f SymbolFilters) (string, error) {
	if price <= 0 {
		return "", fmt.Errorf("%w: %v", ErrInvalidPrice, price)
	}

	p := decimal.NewFromFloat(price)
	floored := floorToStep(p, f.TickSize)

	if floored.IsZero() {
		return "", fmt.Errorf("%w: %v floors to zero at tick %s", ErrInvalidPrice, price, f.TickSize)
	}
	if !f.MinPrice.IsZero() && floored.LessThan(f.MinPrice) {
		return "", fmt.Errorf("%w: %s below minimum %s", ErrInvalidPrice, floored, f.MinPrice)
	}

	return serialize(floored, f.TickSize), nil
}

// floorToStep rounds v down to a multiple of step. A zero step leaves the
// value untouched.
func floorToStep(v, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return v
	}
	return v.Div(step).Floor().Mul(step)
}

// serialize renders with the step's scale as the upper bound, trailing
// zeros stripped
func serialize(v, step decimal.Decimal) string {
	scale := stepScale(step)
	return v.Truncate(scale).String()
}

// stepScale is the number of fractional digits the step allows: step
// 0.001 allows 3, step 1 allows 0
func stepScale(step decimal.Decimal) int32 {
	if step.IsZero() {
		return 8
	}
	return -step.Exponent()
}

// StepFromScale converts a decimal-place count into a step: scale 3 means
// step 0.001
func StepFromScale(scale int) decimal.Decimal {
	if scale < 0 {
		return decimal.Zero
	}
	return decimal.New(1, int32(-scale))
}

// ParseStep converts a venue-provided step string like "0.001" into a
// decimal, tolerating empty input
func ParseStep(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
