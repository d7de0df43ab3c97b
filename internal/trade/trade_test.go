package trade

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/quantdesk/internal/exchange"
)

// anyArgs builds n placeholder matchers so expectations can ignore argument values.
func anyArgs(n int) []interface{} {
	args := make([]interface{}, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

type stubCreds struct {
	cred *exchange.Credential
	err  error
}

func (s *stubCreds) Get(ctx context.Context, id string) (*exchange.Credential, error) {
	return s.cred, s.err
}

type stubClient struct {
	name       string
	ticker     float64
	tickerErr  error
	positions  []exchange.Position
	balance    *exchange.Balance
	holdings   map[string]float64
	orderErr   error
	levErr     error
	levCalls   int
	lastMarket string
	lastSide   string
	lastQty    float64
	lastPrice  float64
	lastClID   string
	placed     int
}

func (s *stubClient) Name() string                   { return s.name }
func (s *stubClient) Ping(ctx context.Context) error { return nil }

func (s *stubClient) GetTicker(ctx context.Context, symbol, marketType string) (float64, error) {
	return s.ticker, s.tickerErr
}

func (s *stubClient) PlaceLimitOrder(ctx context.Context, symbol, side string, quantity, price float64, marketType, clientOrderID string) (*exchange.OrderResult, error) {
	s.placed++
	s.lastMarket, s.lastSide, s.lastQty, s.lastPrice, s.lastClID = marketType, side, quantity, price, clientOrderID
	if s.orderErr != nil {
		return nil, s.orderErr
	}
	return &exchange.OrderResult{
		Venue: s.name, ExchangeOrderID: "ex-1", ClientOrderID: clientOrderID,
		Filled: quantity, AvgPrice: price, Status: exchange.StatusFilled,
	}, nil
}

func (s *stubClient) PlaceMarketOrder(ctx context.Context, symbol, side string, quantity float64, marketType, clientOrderID string) (*exchange.OrderResult, error) {
	s.placed++
	s.lastMarket, s.lastSide, s.lastQty, s.lastClID = marketType, side, quantity, clientOrderID
	if s.orderErr != nil {
		return nil, s.orderErr
	}
	return &exchange.OrderResult{
		Venue: s.name, ExchangeOrderID: "ex-2", ClientOrderID: clientOrderID,
		Filled: quantity, AvgPrice: s.ticker, Status: exchange.StatusFilled,
	}, nil
}

func (s *stubClient) CancelOrder(ctx context.Context, symbol, orderID, marketType string) error {
	return nil
}

func (s *stubClient) GetOrder(ctx context.Context, symbol, orderID, marketType string) (*exchange.OrderResult, error) {
	return nil, exchange.ErrOrderNotFound
}

func (s *stubClient) GetBalance(ctx context.Context, marketType string) (*exchange.Balance, error) {
	return s.balance, nil
}

func (s *stubClient) GetAssetBalance(ctx context.Context, asset string) (float64, error) {
	return s.holdings[asset], nil
}

func (s *stubClient) GetPositions(ctx context.Context, symbol string) ([]exchange.Position, error) {
	return s.positions, nil
}

func (s *stubClient) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	s.levCalls++
	return s.levErr
}

func newTestService(t *testing.T, client *stubClient) (*Service, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	creds := &stubCreds{cred: &exchange.Credential{ID: "c1", Exchange: client.name, APIKey: "k", SecretKey: "s"}}
	factory := func(cred exchange.Credential) (exchange.Client, error) { return client, nil }
	return NewService(creds, NewStore(mock), factory), mock
}

func TestMapSignal(t *testing.T) {
	tests := []struct {
		signal, market, want string
		wantErr              error
	}{
		{"buy", exchange.MarketSpot, exchange.SideBuy, nil},
		{"open_long", exchange.MarketSpot, exchange.SideBuy, nil},
		{"sell", exchange.MarketSpot, exchange.SideSell, nil},
		{"close_long", exchange.MarketSpot, exchange.SideSell, nil},
		{"open_short", exchange.MarketSpot, "", exchange.ErrUnsupportedOperation},
		{"buy", exchange.MarketSwap, exchange.SideBuy, nil},
		{"open_short", exchange.MarketSwap, exchange.SideSell, nil},
		{"close_short", exchange.MarketSwap, exchange.SideBuy, nil},
		{"close_long", exchange.MarketSwap, exchange.SideSell, nil},
		{"hodl", exchange.MarketSwap, "", ErrInvalidSignal},
	}
	for _, tt := range tests {
		side, err := mapSignal(tt.signal, tt.market)
		if tt.wantErr != nil {
			assert.ErrorIs(t, err, tt.wantErr, "%s/%s", tt.signal, tt.market)
			continue
		}
		require.NoError(t, err, "%s/%s", tt.signal, tt.market)
		assert.Equal(t, tt.want, side, "%s/%s", tt.signal, tt.market)
	}
}

func TestPlaceOrderLeverageDerivesMarketType(t *testing.T) {
	client := &stubClient{name: "bybit", ticker: 100}
	svc, mock := newTestService(t, client)
	mock.ExpectExec("INSERT INTO qd_quick_trades").WithArgs(anyArgs(21)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	result, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		CredentialID: "c1", Symbol: "BTC/USDT", Signal: "buy",
		OrderType: "market", AmountUSDT: 1000, Leverage: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, exchange.MarketSpot, result.MarketType)
	assert.Equal(t, 0, client.levCalls, "spot trades never set leverage")

	mock.ExpectExec("INSERT INTO qd_quick_trades").WithArgs(anyArgs(21)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	result, err = svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		CredentialID: "c1", Symbol: "BTC/USDT", Signal: "buy",
		OrderType: "market", AmountUSDT: 1000, Leverage: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, exchange.MarketSwap, result.MarketType)
	assert.Equal(t, 1, client.levCalls)
}

func TestPlaceOrderSizesFromLimitPrice(t *testing.T) {
	client := &stubClient{name: "binance"}
	svc, mock := newTestService(t, client)
	mock.ExpectExec("INSERT INTO qd_quick_trades").WithArgs(anyArgs(21)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	result, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		CredentialID: "c1", Symbol: "ETHUSDT", Signal: "buy",
		OrderType: "limit", AmountUSDT: 1000, Price: 50, Leverage: 1,
	})
	require.NoError(t, err)
	assert.InDelta(t, 20.0, result.Quantity, 1e-9)
	assert.InDelta(t, 50.0, client.lastPrice, 1e-9)
	assert.Equal(t, "ETH/USDT", result.Symbol)
}

func TestPlaceOrderMarketUsesTicker(t *testing.T) {
	client := &stubClient{name: "okx", ticker: 250}
	svc, mock := newTestService(t, client)
	mock.ExpectExec("INSERT INTO qd_quick_trades").WithArgs(anyArgs(21)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	result, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		CredentialID: "c1", Symbol: "SOL/USDT", Signal: "buy",
		OrderType: "market", AmountUSDT: 500, Leverage: 1,
	})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, result.Quantity, 1e-9)
}

func TestPlaceOrderNoPriceAborts(t *testing.T) {
	client := &stubClient{name: "okx", tickerErr: errors.New("down")}
	svc, mock := newTestService(t, client)
	mock.ExpectExec("INSERT INTO qd_quick_trades").WithArgs(anyArgs(21)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	_, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		CredentialID: "c1", Symbol: "SOL/USDT", Signal: "buy",
		OrderType: "market", AmountUSDT: 500, Leverage: 1,
	})
	assert.ErrorIs(t, err, exchange.ErrPriceUnavailable)
	assert.Equal(t, 0, client.placed, "nothing reaches the venue without a price")
	assert.NoError(t, mock.ExpectationsWereMet(), "failed attempts still hit the ledger")
}

func TestPlaceOrderLeverageFailureNonFatal(t *testing.T) {
	client := &stubClient{name: "bybit", ticker: 100, levErr: errors.New("leverage not modified")}
	svc, mock := newTestService(t, client)
	mock.ExpectExec("INSERT INTO qd_quick_trades").WithArgs(anyArgs(21)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	_, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		CredentialID: "c1", Symbol: "BTC/USDT", Signal: "open_long",
		OrderType: "market", AmountUSDT: 100, Leverage: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, client.placed)
}

func TestPlaceOrderVenueFailureWritesFailedLedger(t *testing.T) {
	client := &stubClient{name: "bybit", ticker: 100, orderErr: errors.New("insufficient balance")}
	svc, mock := newTestService(t, client)
	mock.ExpectExec("INSERT INTO qd_quick_trades").WithArgs(anyArgs(21)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	_, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		CredentialID: "c1", Symbol: "BTC/USDT", Signal: "buy",
		OrderType: "market", AmountUSDT: 100, Leverage: 1,
	})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPlaceOrderRejectsBadInput(t *testing.T) {
	client := &stubClient{name: "bybit", ticker: 100}
	svc, _ := newTestService(t, client)

	_, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		CredentialID: "c1", Symbol: "", Signal: "buy", OrderType: "market", AmountUSDT: 100,
	})
	assert.Error(t, err)

	_, err = svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		CredentialID: "c1", Symbol: "BTC", Signal: "buy", OrderType: "stop", AmountUSDT: 100,
	})
	assert.Error(t, err)

	_, err = svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		CredentialID: "c1", Symbol: "BTC", Signal: "buy", OrderType: "market", AmountUSDT: 0,
	})
	assert.Error(t, err)
}

func TestClosePositionLong(t *testing.T) {
	client := &stubClient{
		name:   "bybit",
		ticker: 100,
		positions: []exchange.Position{
			{Symbol: "BTC/USDT", Side: "long", Size: 2, EntryPrice: 90, MarkPrice: 100},
		},
	}
	svc, mock := newTestService(t, client)
	mock.ExpectExec("INSERT INTO qd_quick_trades").WithArgs(anyArgs(21)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	result, err := svc.ClosePosition(context.Background(), ClosePositionRequest{
		CredentialID: "c1", Symbol: "BTC/USDT", MarketType: "swap",
	})
	require.NoError(t, err)
	assert.Equal(t, exchange.SideSell, result.Side)
	assert.InDelta(t, 2.0, result.Quantity, 1e-9)
}

func TestClosePositionPartial(t *testing.T) {
	client := &stubClient{
		name:   "bybit",
		ticker: 100,
		positions: []exchange.Position{
			{Symbol: "BTC/USDT", Side: "short", Size: 10, EntryPrice: 100, MarkPrice: 100},
		},
	}
	svc, mock := newTestService(t, client)
	mock.ExpectExec("INSERT INTO qd_quick_trades").WithArgs(anyArgs(21)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	result, err := svc.ClosePosition(context.Background(), ClosePositionRequest{
		CredentialID: "c1", Symbol: "BTC/USDT", MarketType: "swap", AmountUSDT: 300,
	})
	require.NoError(t, err)
	assert.Equal(t, exchange.SideBuy, result.Side, "closing a short buys back")
	assert.InDelta(t, 3.0, result.Quantity, 1e-9, "requested close is capped by mark price conversion")
}

func TestClosePositionSpotWithoutHoldingRejected(t *testing.T) {
	client := &stubClient{
		name:   "bybit",
		ticker: 100,
		positions: []exchange.Position{
			{Symbol: "ETH/USDT", Side: "short", Size: 3, EntryPrice: 100, MarkPrice: 100},
		},
	}
	svc, _ := newTestService(t, client)

	_, err := svc.ClosePosition(context.Background(), ClosePositionRequest{
		CredentialID: "c1", Symbol: "ETH/USDT", MarketType: "spot", AmountUSDT: 300,
	})
	assert.ErrorIs(t, err, exchange.ErrUnsupportedOperation, "a swap short is not a spot holding")
	assert.Equal(t, 0, client.placed, "no order reaches the venue")
}

func TestClosePositionSpotFullHolding(t *testing.T) {
	client := &stubClient{name: "binance", ticker: 100, holdings: map[string]float64{"ETH": 2}}
	svc, mock := newTestService(t, client)
	mock.ExpectExec("INSERT INTO qd_quick_trades").WithArgs(anyArgs(21)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	result, err := svc.ClosePosition(context.Background(), ClosePositionRequest{
		CredentialID: "c1", Symbol: "ETH/USDT", MarketType: "spot",
	})
	require.NoError(t, err)
	assert.Equal(t, exchange.SideSell, result.Side)
	assert.InDelta(t, 2.0, result.Quantity, 1e-9, "zero amount closes the whole holding")
}

func TestClosePositionSpotPartialCappedByHolding(t *testing.T) {
	client := &stubClient{name: "binance", ticker: 100, holdings: map[string]float64{"ETH": 2}}
	svc, mock := newTestService(t, client)
	mock.ExpectExec("INSERT INTO qd_quick_trades").WithArgs(anyArgs(21)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))

	result, err := svc.ClosePosition(context.Background(), ClosePositionRequest{
		CredentialID: "c1", Symbol: "ETH/USDT", MarketType: "spot", AmountUSDT: 150,
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.5, result.Quantity, 1e-9)

	mock.ExpectExec("INSERT INTO qd_quick_trades").WithArgs(anyArgs(21)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	result, err = svc.ClosePosition(context.Background(), ClosePositionRequest{
		CredentialID: "c1", Symbol: "ETH/USDT", MarketType: "spot", AmountUSDT: 1000,
	})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, result.Quantity, 1e-9, "requested close never exceeds the holding")
}

func TestClosePositionSpotPartialNeedsPrice(t *testing.T) {
	client := &stubClient{
		name: "binance", tickerErr: errors.New("down"),
		holdings: map[string]float64{"ETH": 2},
	}
	svc, _ := newTestService(t, client)

	_, err := svc.ClosePosition(context.Background(), ClosePositionRequest{
		CredentialID: "c1", Symbol: "ETH/USDT", MarketType: "spot", AmountUSDT: 150,
	})
	assert.ErrorIs(t, err, exchange.ErrPriceUnavailable)
	assert.Equal(t, 0, client.placed)
}

func TestClosePositionNotFound(t *testing.T) {
	client := &stubClient{name: "bybit", ticker: 100}
	svc, _ := newTestService(t, client)

	_, err := svc.ClosePosition(context.Background(), ClosePositionRequest{
		CredentialID: "c1", Symbol: "DOGE/USDT", MarketType: "swap",
	})
	assert.ErrorIs(t, err, exchange.ErrPositionNotFound)
}

func TestNewClientOrderID(t *testing.T) {
	id := NewClientOrderID()
	assert.LessOrEqual(t, len(id), 32)
	for _, r := range id {
		ok := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		assert.True(t, ok, "non-alphanumeric rune %q in %s", r, id)
	}
	assert.True(t, strings.HasPrefix(id, "qt"))
	assert.NotEqual(t, id, NewClientOrderID())
}
