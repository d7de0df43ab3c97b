package marketdata

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeframeSeconds(t *testing.T) {
	secs, err := TimeframeSeconds("1h")
	require.NoError(t, err)
	assert.EqualValues(t, 3600, secs)

	secs, err = TimeframeSeconds("1D")
	require.NoError(t, err)
	assert.EqualValues(t, 86400, secs)

	_, err = TimeframeSeconds("7m")
	assert.Error(t, err)
}

func TestBarValid(t *testing.T) {
	assert.True(t, Bar{Open: 10, High: 12, Low: 9, Close: 11, Volume: 1}.Valid())
	assert.False(t, Bar{Open: 10, High: 9, Low: 9, Close: 9.5}.Valid(), "high below open")
	assert.False(t, Bar{Open: 10, High: 12, Low: 11, Close: 11}.Valid(), "low above open")
	assert.False(t, Bar{Open: 10, High: 12, Low: 9, Close: 11, Volume: -1}.Valid())
}

type stubSource struct {
	bars []Bar
	tick *Ticker
	err  error
}

func (s *stubSource) GetKline(ctx context.Context, symbol, timeframe string, limit int, before int64) ([]Bar, error) {
	return s.bars, s.err
}

func (s *stubSource) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	return s.tick, s.err
}

func TestFactoryDispatch(t *testing.T) {
	crypto := &stubSource{tick: &Ticker{Symbol: "BTC/USDT", Last: 60000}}
	yahoo := &stubSource{tick: &Ticker{Symbol: "SPY", Last: 500}}
	f := NewFactory(crypto, yahoo)

	tick, err := f.GetTicker(context.Background(), MarketCrypto, "BTC/USDT")
	require.NoError(t, err)
	assert.EqualValues(t, 60000, tick.Last)

	tick, err = f.GetTicker(context.Background(), MarketStock, "SPY")
	require.NoError(t, err)
	assert.EqualValues(t, 500, tick.Last)

	// forex and metals route through the yahoo source
	_, err = f.GetTicker(context.Background(), MarketForex, "EURUSD=X")
	require.NoError(t, err)

	_, err = f.GetTicker(context.Background(), Market("Bonds"), "TLT")
	assert.ErrorContains(t, err, "unsupported market")
}

func TestFactoryPropagatesSourceError(t *testing.T) {
	f := NewFactory(&stubSource{err: errors.New("venue down")}, nil)

	_, err := f.GetKline(context.Background(), MarketCrypto, "BTC/USDT", "1h", 100, 0)
	assert.ErrorContains(t, err, "venue down")
}

func TestFinnhubCompanyNews(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/company-news", r.URL.Path)
		assert.Equal(t, "AAPL", r.URL.Query().Get("symbol"))
		assert.Equal(t, "test-key", r.URL.Query().Get("token"))
		w.Write([]byte(`[
			{"headline":"Apple beats estimates","summary":"Q3","source":"rtrs","url":"http://x","datetime":1718000000},
			{"headline":"","summary":"dropped"}
		]`))
	}))
	defer srv.Close()

	c := NewFinnhubClient(srv.URL, "test-key")
	news, err := c.CompanyNews(context.Background(), "AAPL", 7)
	require.NoError(t, err)
	require.Len(t, news, 1, "items without a headline are dropped")
	assert.Equal(t, "Apple beats estimates", news[0].Title)
	assert.Equal(t, int64(1718000000), news[0].PublishedAt.Unix())
}

func TestFinnhubEconomicCalendar(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/calendar/economic", r.URL.Path)
		w.Write([]byte(`{"economicCalendar":[
			{"event":"CPI YoY","country":"US","time":"2026-08-26 12:30:00","impact":"high","actual":null,"estimate":2.9,"prev":3.0,"unit":"%"},
			{"event":"","time":"2026-08-27 00:00:00"}
		]}`))
	}))
	defer srv.Close()

	c := NewFinnhubClient(srv.URL, "test-key")
	events, err := c.EconomicCalendar(context.Background(),
		time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, events, 1, "unnamed events are dropped")

	ev := events[0]
	assert.Equal(t, "CPI YoY", ev.Event)
	assert.Equal(t, "high", ev.Impact)
	assert.Zero(t, ev.Actual, "null actual stays zero")
	assert.InDelta(t, 2.9, ev.Estimate, 1e-9)
	assert.Equal(t, 12, ev.Time.Hour())
}

func TestFinnhubErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"Invalid API key"}`))
	}))
	defer srv.Close()

	c := NewFinnhubClient(srv.URL, "")
	_, err := c.GeneralNews(context.Background(), "general")
	assert.ErrorContains(t, err, "finnhub status 401")
}
