package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignHexMatchesReference(t *testing.T) {
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("payload"))
	want := hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, signHex("secret", "payload"))
}

func TestSignBase64MatchesReference(t *testing.T) {
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte("payload"))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, signBase64("secret", "payload"))
}

func TestVenueHTTPErrorTrimsBody(t *testing.T) {
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	err := NewVenueHTTPError("bybit", 500, string(long))
	assert.Len(t, err.Body, maxErrorBody)
	assert.Contains(t, err.Error(), "bybit http 500")
}

func TestMarketOrderBelowStepMakesNoNetworkCall(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := &BybitClient{
		rest:    newRESTClient("bybit", srv.URL),
		apiKey:  "k",
		secret:  "s",
		filters: NewFilterCache(),
	}
	c.filters.Set("spot:BTCUSDT", mustFilters("0.001", "0.01", "0.001", ""))

	_, err := c.PlaceMarketOrder(context.Background(), "BTC/USDT", SideBuy, 0.0001, MarketSpot, "")
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	assert.Equal(t, int64(0), hits.Load(), "precision failures must never reach the venue")
}

func TestPlaceOrderRejectsInvalidSide(t *testing.T) {
	c := &BybitClient{rest: newRESTClient("bybit", "http://unused"), filters: NewFilterCache()}

	_, err := c.PlaceLimitOrder(context.Background(), "BTC/USDT", "hold", 1, 100, MarketSpot, "")
	assert.ErrorIs(t, err, ErrInvalidSide)
}

func TestBybitSignedHeadersAndPrehash(t *testing.T) {
	var gotSign, gotTS, gotKey, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSign = r.Header.Get("X-BAPI-SIGN")
		gotTS = r.Header.Get("X-BAPI-TIMESTAMP")
		gotKey = r.Header.Get("X-BAPI-API-KEY")
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{}}`)
	}))
	defer srv.Close()

	c := &BybitClient{
		rest:    newRESTClient("bybit", srv.URL),
		apiKey:  "api-key",
		secret:  "api-secret",
		filters: NewFilterCache(),
	}
	_, err := c.signedPost(context.Background(), "/v5/order/cancel", map[string]interface{}{"orderId": "42"})
	require.NoError(t, err)

	assert.Equal(t, "api-key", gotKey)
	want := signHex("api-secret", gotTS+"api-key"+bybitRecvWindow+gotBody)
	assert.Equal(t, want, gotSign, "signature must cover the exact body bytes sent")
}

func TestBybitBusinessErrorSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"retCode":10001,"retMsg":"params error","result":{}}`)
	}))
	defer srv.Close()

	c := &BybitClient{rest: newRESTClient("bybit", srv.URL), filters: NewFilterCache()}
	err := c.CancelOrder(context.Background(), "BTC/USDT", "42", MarketSpot)
	require.Error(t, err)

	var business *VenueBusinessError
	require.True(t, asBusiness(err, &business))
	assert.Equal(t, "10001", business.Code)
}

func TestOKXSignatureCoversPathAndBody(t *testing.T) {
	var gotSign, gotTS, gotPath, gotBody, gotPassphrase string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSign = r.Header.Get("OK-ACCESS-SIGN")
		gotTS = r.Header.Get("OK-ACCESS-TIMESTAMP")
		gotPassphrase = r.Header.Get("OK-ACCESS-PASSPHRASE")
		gotPath = r.URL.RequestURI()
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		fmt.Fprint(w, `{"code":"0","msg":"","data":[]}`)
	}))
	defer srv.Close()

	c := &OKXClient{
		rest:       newRESTClient("okx", srv.URL),
		apiKey:     "key",
		secret:     "secret",
		passphrase: "phrase",
		filters:    NewFilterCache(),
	}
	body := `{"instId":"BTC-USDT","ordId":"7"}`
	_, err := c.signed(context.Background(), http.MethodPost, "/api/v5/trade/cancel-order", body)
	require.NoError(t, err)

	assert.Equal(t, "phrase", gotPassphrase)
	want := signBase64("secret", gotTS+http.MethodPost+gotPath+gotBody)
	assert.Equal(t, want, gotSign)
}

func TestBybitGetOrderNormalizes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"list":[{
			"orderId":"abc","orderLinkId":"client-1","orderStatus":"Filled",
			"cumExecQty":"0.5","avgPrice":"60000","cumExecFee":"0.3"}]}}`)
	}))
	defer srv.Close()

	c := &BybitClient{rest: newRESTClient("bybit", srv.URL), filters: NewFilterCache()}
	order, err := c.GetOrder(context.Background(), "BTC/USDT", "abc", MarketSpot)
	require.NoError(t, err)

	assert.Equal(t, StatusFilled, order.Status)
	assert.Equal(t, "abc", order.ExchangeOrderID)
	assert.Equal(t, "client-1", order.ClientOrderID)
	assert.InDelta(t, 0.5, order.Filled, 1e-9)
	assert.InDelta(t, 60000.0, order.AvgPrice, 1e-9)
	assert.InDelta(t, 0.3, order.Fee, 1e-9)
	assert.Equal(t, "USDT", order.FeeCcy)
}

func TestBybitBalanceParsing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"list":[{"coin":[
			{"coin":"BTC","availableToWithdraw":"1","walletBalance":"1"},
			{"coin":"USDT","availableToWithdraw":"1500.5","walletBalance":"2000"}]}]}}`)
	}))
	defer srv.Close()

	c := &BybitClient{rest: newRESTClient("bybit", srv.URL), filters: NewFilterCache()}
	balance, err := c.GetBalance(context.Background(), MarketSpot)
	require.NoError(t, err)

	assert.InDelta(t, 1500.5, balance.Available, 1e-9)
	assert.InDelta(t, 2000.0, balance.Total, 1e-9)
	assert.Equal(t, "USDT", balance.Currency)
}

func TestBybitAssetBalanceParsing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ETH", r.URL.Query().Get("coin"))
		fmt.Fprint(w, `{"retCode":0,"retMsg":"OK","result":{"list":[{"coin":[
			{"coin":"ETH","availableToWithdraw":"2.5","walletBalance":"3"}]}]}}`)
	}))
	defer srv.Close()

	c := &BybitClient{rest: newRESTClient("bybit", srv.URL), filters: NewFilterCache()}
	free, err := c.GetAssetBalance(context.Background(), "ETH")
	require.NoError(t, err)
	assert.InDelta(t, 2.5, free, 1e-9)
}

type pollClient struct {
	BybitClient
	states []string
	calls  int
}

func (p *pollClient) GetOrder(ctx context.Context, symbol, orderID, marketType string) (*OrderResult, error) {
	if p.calls >= len(p.states) {
		return nil, ErrOrderNotFound
	}
	state := p.states[p.calls]
	p.calls++
	return &OrderResult{ExchangeOrderID: orderID, Status: state, Filled: 1}, nil
}

func TestWaitForFillReturnsOnTerminalStatus(t *testing.T) {
	c := &pollClient{states: []string{StatusNew, StatusPartial, StatusFilled}}

	result, err := WaitForFill(context.Background(), c, "BTC/USDT", "1", MarketSpot, 5*time.Second, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, result.Status)
	assert.Equal(t, 3, c.calls)
}

func TestWaitForFillTimeoutReturnsLastState(t *testing.T) {
	c := &pollClient{states: []string{StatusNew, StatusNew, StatusNew, StatusNew, StatusNew}}

	result, err := WaitForFill(context.Background(), c, "BTC/USDT", "1", MarketSpot, 20*time.Millisecond, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusNew, result.Status)
}

func TestWaitForFillNeverObserved(t *testing.T) {
	c := &pollClient{}

	_, err := WaitForFill(context.Background(), c, "BTC/USDT", "1", MarketSpot, 10*time.Millisecond, 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestFactoryDispatch(t *testing.T) {
	venues := map[string]string{
		"binance": "binance",
		"Bybit":   "bybit",
		"OKX":     "okx",
		"bitget":  "bitget",
		"gate.io": "gate",
		"kucoin":  "kucoin",
		"MEXC":    "mexc",
		"htx":     "huobi",
	}
	for input, want := range venues {
		client, err := NewClient(Credential{Exchange: input, APIKey: "k", SecretKey: "s"})
		require.NoError(t, err, input)
		assert.Equal(t, want, client.Name())
	}

	_, err := NewClient(Credential{Exchange: "ftx"})
	assert.Error(t, err)
}

func TestCredentialRepoMissing(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT id, exchange").
		WithArgs("cred-1").
		WillReturnError(fmt.Errorf("no rows in result set"))

	repo := NewCredentialRepo(mock)
	_, err = repo.Get(context.Background(), "cred-1")
	assert.Error(t, err)
}

func TestCredentialRepoGet(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"id", "exchange", "api_key", "secret_key", "passphrase", "testnet"}).
		AddRow("cred-1", "okx", "key", "secret", "phrase", false)
	mock.ExpectQuery("SELECT id, exchange").WithArgs("cred-1").WillReturnRows(rows)

	repo := NewCredentialRepo(mock)
	cred, err := repo.Get(context.Background(), "cred-1")
	require.NoError(t, err)
	assert.Equal(t, "okx", cred.Exchange)
	assert.Equal(t, "phrase", cred.Passphrase)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusNormalization(t *testing.T) {
	assert.Equal(t, StatusFilled, normalizeBinanceStatus("FILLED"))
	assert.Equal(t, StatusCancelled, normalizeBinanceStatus("EXPIRED"))
	assert.Equal(t, StatusPartial, normalizeBybitStatus("PartiallyFilled"))
	assert.Equal(t, StatusNew, normalizeOKXStatus("live"))
	assert.Equal(t, StatusFilled, normalizeBitgetStatus("full_fill"))
	assert.Equal(t, StatusPartial, normalizeGateStatus("open", 0.2))
	assert.Equal(t, StatusNew, normalizeGateStatus("open", 0))
	assert.Equal(t, StatusCancelled, normalizeHuobiStatus("partial-canceled"))
	assert.Equal(t, StatusUnknown, normalizeOKXStatus("weird"))
}
