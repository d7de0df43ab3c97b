// Package symbols maps canonical BASE/QUOTE pairs to and from venue wire symbols.
package symbols

import (
	"strings"
)

// Venue identifiers accepted by Project and ParseWire
const (
	VenueBinance = "binance"
	VenueBybit   = "bybit"
	VenueOKX     = "okx"
	VenueBitget  = "bitget"
	VenueGate    = "gate"
	VenueKuCoin  = "kucoin"
	VenueMEXC    = "mexc"
	VenueHuobi   = "huobi"
)

// Market types accepted by Project
const (
	MarketSpot = "spot"
	MarketSwap = "swap"
)

// quotePriority is checked longest-match-first when splitting a glued pair
// like "BTCUSDT". Order matters: USDT before USD so "BTCUSDT" resolves to
// BTC/USDT rather than BTCU/SD-anything.
var quotePriority = []string{"USDT", "BUSD", "USDC", "USD", "BTC", "ETH", "BNB", "EUR", "GBP"}

// Normalize converts any accepted input form into the canonical "BASE/QUOTE"
// pair and returns the base. Accepted forms: "BTC/USDT", "BTCUSDT",
// "BTC/USDT:USDT", bare "BTC". Unresolvable input returns ("", "").
func Normalize(raw string) (string, string) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return "", ""
	}

	// Drop settlement suffix (e.g. BTC/USDT:USDT)
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	if s == "" {
		return "", ""
	}

	if strings.Contains(s, "/") {
		parts := strings.SplitN(s, "/", 2)
		base, quote := parts[0], parts[1]
		if base == "" || quote == "" || !isAlnum(base) || !isAlnum(quote) {
			return "", ""
		}
		return base + "/" + quote, base
	}

	if !isAlnum(s) {
		return "", ""
	}

	// Glued pair: greedy-match the quote suffix against the priority list
	for _, quote := range quotePriority {
		if strings.HasSuffix(s, quote) && len(s) > len(quote) {
			base := s[:len(s)-len(quote)]
			return base + "/" + quote, base
		}
	}

	// Bare base defaults to /USDT
	return s + "/USDT", s
}

// Project converts a canonical pair to the venue's wire symbol. Returns ""
// when the canonical pair or venue is unknown.
func Project(canonical, venue, marketType string) string {
	base, quote, ok := split(canonical)
	if !ok {
		return ""
	}

	switch venue {
	case VenueBinance, VenueBybit, VenueMEXC:
		return base + quote
	case VenueOKX:
		if marketType == MarketSwap {
			return base + "-" + quote + "-SWAP"
		}
		return base + "-" + quote
	case VenueBitget:
		if marketType == MarketSwap {
			return base + quote + "_UMCBL"
		}
		return base + quote + "_SPBL"
	case VenueGate:
		return base + "_" + quote
	case VenueKuCoin:
		if marketType == MarketSwap {
			// KuCoin futures use XBT for bitcoin and an M-suffixed contract
			if base == "BTC" {
				base = "XBT"
			}
			return base + quote + "M"
		}
		return base + "-" + quote
	case VenueHuobi:
		return strings.ToLower(base + quote)
	default:
		return ""
	}
}

// ParseWire converts a venue wire symbol back to the canonical pair.
// Returns "" on unresolvable input.
func ParseWire(wire, venue string) string {
	w := strings.ToUpper(strings.TrimSpace(wire))
	if w == "" {
		return ""
	}

	switch venue {
	case VenueBinance, VenueBybit, VenueMEXC, VenueHuobi:
		canonical, _ := Normalize(w)
		return canonical
	case VenueOKX:
		w = strings.TrimSuffix(w, "-SWAP")
		parts := strings.Split(w, "-")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return ""
		}
		return parts[0] + "/" + parts[1]
	case VenueBitget:
		w = strings.TrimSuffix(w, "_SPBL")
		w = strings.TrimSuffix(w, "_UMCBL")
		canonical, _ := Normalize(w)
		return canonical
	case VenueGate:
		parts := strings.Split(w, "_")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return ""
		}
		return parts[0] + "/" + parts[1]
	case VenueKuCoin:
		if strings.Contains(w, "-") {
			parts := strings.Split(w, "-")
			if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
				return ""
			}
			return parts[0] + "/" + parts[1]
		}
		// Futures contract: strip the M suffix, restore XBT -> BTC
		w = strings.TrimSuffix(w, "M")
		if strings.HasPrefix(w, "XBT") {
			w = "BTC" + w[3:]
		}
		canonical, _ := Normalize(w)
		return canonical
	default:
		return ""
	}
}

// Base returns the base asset of a canonical pair, or "" if malformed
func Base(canonical string) string {
	base, _, ok := split(canonical)
	if !ok {
		return ""
	}
	return base
}

// Quote returns the quote asset of a canonical pair, or "" if malformed
func Quote(canonical string) string {
	_, quote, ok := split(canonical)
	if !ok {
		return ""
	}
	return quote
}

func split(canonical string) (string, string, bool) {
	parts := strings.SplitN(strings.ToUpper(strings.TrimSpace(canonical)), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func isAlnum(s string) bool {
	for _, r := range s {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return len(s) > 0
}
