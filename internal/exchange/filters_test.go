package exchange

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustFilters(step, tick, minQty, minPrice string) SymbolFilters {
	return SymbolFilters{
		StepSize: ParseStep(step),
		TickSize: ParseStep(tick),
		MinQty:   ParseStep(minQty),
		MinPrice: ParseStep(minPrice),
	}
}

func TestFormatQuantityFloorsToStep(t *testing.T) {
	f := mustFilters("0.001", "0.01", "0.001", "")

	got, err := FormatQuantity(1.23456, f)
	require.NoError(t, err)
	assert.Equal(t, "1.234", got)
}

func TestFormatQuantityNeverInflates(t *testing.T) {
	f := mustFilters("0.1", "", "0.1", "")

	got, err := FormatQuantity(0.99999, f)
	require.NoError(t, err)
	assert.Equal(t, "0.9", got)
}

func TestFormatQuantityNoTrailingZeros(t *testing.T) {
	f := mustFilters("0.010", "", "", "")

	got, err := FormatQuantity(2.5, f)
	require.NoError(t, err)
	assert.Equal(t, "2.5", got)
}

func TestFormatQuantityIntegerStep(t *testing.T) {
	f := mustFilters("1", "", "1", "")

	got, err := FormatQuantity(7.99, f)
	require.NoError(t, err)
	assert.Equal(t, "7", got)
}

func TestFormatQuantityBelowMinimum(t *testing.T) {
	f := mustFilters("0.001", "", "0.01", "")

	_, err := FormatQuantity(0.0042, f)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestFormatQuantityFloorsToZero(t *testing.T) {
	f := mustFilters("0.01", "", "", "")

	_, err := FormatQuantity(0.002, f)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestFormatQuantityRejectsNonPositive(t *testing.T) {
	f := mustFilters("0.001", "", "", "")

	_, err := FormatQuantity(0, f)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = FormatQuantity(-1, f)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestFormatPriceFloorsToTick(t *testing.T) {
	f := mustFilters("", "0.5", "", "")

	got, err := FormatPrice(100.74, f)
	require.NoError(t, err)
	assert.Equal(t, "100.5", got)
}

func TestFormatPriceBelowMinimum(t *testing.T) {
	f := mustFilters("", "0.01", "", "1")

	_, err := FormatPrice(0.5, f)
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

func TestFormatQuantityZeroStepPassesThrough(t *testing.T) {
	got, err := FormatQuantity(1.23456789, SymbolFilters{})
	require.NoError(t, err)
	assert.Equal(t, "1.23456789", got)
}

func TestStepFromScale(t *testing.T) {
	assert.True(t, StepFromScale(3).Equal(decimal.RequireFromString("0.001")))
	assert.True(t, StepFromScale(0).Equal(decimal.NewFromInt(1)))
	assert.True(t, StepFromScale(-1).IsZero())
}

func TestFilterCacheRoundTrip(t *testing.T) {
	cache := NewFilterCache()

	_, ok := cache.Get("spot:BTCUSDT")
	assert.False(t, ok)

	want := mustFilters("0.001", "0.01", "0.001", "0.01")
	cache.Set("spot:BTCUSDT", want)

	got, ok := cache.Get("spot:BTCUSDT")
	require.True(t, ok)
	assert.True(t, got.StepSize.Equal(want.StepSize))
	assert.True(t, got.TickSize.Equal(want.TickSize))
}
