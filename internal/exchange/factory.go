package exchange

import (
	"fmt"
	"strings"

	"github.com/quantdesk/quantdesk/internal/symbols"
)

// NewClient builds the venue client for a stored credential
func NewClient(cred Credential) (Client, error) {
	switch strings.ToLower(strings.TrimSpace(cred.Exchange)) {
	case symbols.VenueBinance:
		return NewBinanceClient(cred), nil
	case symbols.VenueBybit:
		return NewBybitClient(cred), nil
	case symbols.VenueOKX:
		return NewOKXClient(cred), nil
	case symbols.VenueBitget:
		return NewBitgetClient(cred), nil
	case symbols.VenueGate, "gateio", "gate.io":
		return NewGateClient(cred), nil
	case symbols.VenueKuCoin:
		return NewKuCoinClient(cred), nil
	case symbols.VenueMEXC:
		return NewMEXCClient(cred), nil
	case symbols.VenueHuobi, "htx":
		return NewHuobiClient(cred), nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", cred.Exchange)
	}
}
