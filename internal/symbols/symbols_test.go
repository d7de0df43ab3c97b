package symbols

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		canonical string
		base      string
	}{
		{"slash pair", "BTC/USDT", "BTC/USDT", "BTC"},
		{"glued pair", "BTCUSDT", "BTC/USDT", "BTC"},
		{"settlement suffix", "BTC/USDT:USDT", "BTC/USDT", "BTC"},
		{"bare base", "BTC", "BTC/USDT", "BTC"},
		{"lowercase", "eth/usdt", "ETH/USDT", "ETH"},
		{"whitespace", "  SOLUSDT ", "SOL/USDT", "SOL"},
		{"usd quote", "XAUUSD", "XAU/USD", "XAU"},
		{"btc quote", "ETHBTC", "ETH/BTC", "ETH"},
		{"busd quote", "BNBBUSD", "BNB/BUSD", "BNB"},
		{"empty", "", "", ""},
		{"only settlement", ":USDT", "", ""},
		{"garbage", "BTC$/US DT", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			canonical, base := Normalize(tt.input)
			assert.Equal(t, tt.canonical, canonical)
			assert.Equal(t, tt.base, base)
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{"BTC/USDT", "BTCUSDT", "BTC/USDT:USDT", "BTC", "ETHBTC"}

	for _, in := range inputs {
		first, _ := Normalize(in)
		second, _ := Normalize(first)
		assert.Equal(t, first, second, "normalize should be idempotent for %q", in)
	}
}

func TestProject(t *testing.T) {
	tests := []struct {
		venue      string
		marketType string
		want       string
	}{
		{VenueBinance, MarketSpot, "BTCUSDT"},
		{VenueBybit, MarketSwap, "BTCUSDT"},
		{VenueOKX, MarketSpot, "BTC-USDT"},
		{VenueOKX, MarketSwap, "BTC-USDT-SWAP"},
		{VenueBitget, MarketSpot, "BTCUSDT_SPBL"},
		{VenueBitget, MarketSwap, "BTCUSDT_UMCBL"},
		{VenueGate, MarketSpot, "BTC_USDT"},
		{VenueKuCoin, MarketSpot, "BTC-USDT"},
		{VenueKuCoin, MarketSwap, "XBTUSDTM"},
		{VenueMEXC, MarketSpot, "BTCUSDT"},
		{VenueHuobi, MarketSpot, "btcusdt"},
	}

	for _, tt := range tests {
		t.Run(tt.venue+"_"+tt.marketType, func(t *testing.T) {
			assert.Equal(t, tt.want, Project("BTC/USDT", tt.venue, tt.marketType))
		})
	}

	assert.Equal(t, "", Project("BTC", VenueBinance, MarketSpot))
	assert.Equal(t, "", Project("BTC/USDT", "unknown", MarketSpot))
}

func TestRoundTrip(t *testing.T) {
	canonicals := []string{"BTC/USDT", "ETH/USDT", "SOL/USDC", "DOGE/USDT"}
	venues := []string{
		VenueBinance, VenueBybit, VenueOKX, VenueBitget,
		VenueGate, VenueKuCoin, VenueMEXC, VenueHuobi,
	}

	for _, canonical := range canonicals {
		for _, venue := range venues {
			for _, mt := range []string{MarketSpot, MarketSwap} {
				wire := Project(canonical, venue, mt)
				if wire == "" {
					continue
				}
				got := ParseWire(wire, venue)
				assert.Equal(t, canonical, got,
					"round trip failed for %s on %s/%s (wire %q)", canonical, venue, mt, wire)
			}
		}
	}
}

func TestParseWireMalformed(t *testing.T) {
	assert.Equal(t, "", ParseWire("", VenueGate))
	assert.Equal(t, "", ParseWire("BTCUSDT", "unknown"))
	assert.Equal(t, "", ParseWire("_USDT", VenueGate))
	assert.Equal(t, "", ParseWire("BTC-", VenueOKX))
}

func TestBaseQuote(t *testing.T) {
	assert.Equal(t, "BTC", Base("BTC/USDT"))
	assert.Equal(t, "USDT", Quote("BTC/USDT"))
	assert.Equal(t, "", Base("BTCUSDT"))
	assert.Equal(t, "", Quote(""))
}
