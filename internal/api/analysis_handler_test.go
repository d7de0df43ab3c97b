package api

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantdesk/quantdesk/internal/analysis"
	"github.com/quantdesk/quantdesk/internal/memory"
)

type stubEngine struct {
	lastReq analysis.Request
	result  *analysis.Result
	err     error
}

func (s *stubEngine) Analyze(ctx context.Context, req analysis.Request) (*analysis.Result, error) {
	s.lastReq = req
	return s.result, s.err
}

type stubMemory struct {
	records      []memory.Record
	total        int
	feedbackID   string
	feedbackVal  string
	feedbackErr  error
	stats        *memory.PerformanceStats
	lastPage     int
	lastPageSize int
}

func (s *stubMemory) GetAllHistory(ctx context.Context, page, pageSize int) ([]memory.Record, int, error) {
	s.lastPage, s.lastPageSize = page, pageSize
	return s.records, s.total, nil
}

func (s *stubMemory) RecordFeedback(ctx context.Context, id, feedback string) error {
	s.feedbackID, s.feedbackVal = id, feedback
	return s.feedbackErr
}

func (s *stubMemory) GetPerformanceStats(ctx context.Context, market, symbol string, days int) (*memory.PerformanceStats, error) {
	return s.stats, nil
}

func TestFastAnalysisSuccess(t *testing.T) {
	engine := &stubEngine{result: &analysis.Result{
		Symbol:     "BTC/USDT",
		Decision:   "BUY",
		Confidence: 72,
	}}
	s := newTestServer(Config{Analysis: engine})

	code, resp := doJSON(t, s, "POST", "/analysis/fast", gin.H{
		"symbol": "BTC", "timeframe": "4h", "language": "en-US",
	})
	require.Equal(t, 200, code)
	require.Equal(t, 1, resp.Code)

	data := dataMap(t, resp)
	assert.Equal(t, "BUY", data["decision"])
	assert.Equal(t, "Crypto", string(engine.lastReq.Market), "market defaults to crypto")
	assert.Equal(t, "4h", engine.lastReq.Timeframe)
}

func TestFastAnalysisRequiresSymbol(t *testing.T) {
	s := newTestServer(Config{Analysis: &stubEngine{}})

	code, resp := doJSON(t, s, "POST", "/analysis/fast", gin.H{"market": "Crypto"})
	require.Equal(t, 200, code)
	assert.Equal(t, 0, resp.Code)
	assert.Contains(t, resp.Msg, "symbol")
}

func TestFastAnalysisBusinessError(t *testing.T) {
	s := newTestServer(Config{Analysis: &stubEngine{err: analysis.ErrInvalidLanguage}})

	code, resp := doJSON(t, s, "POST", "/analysis/fast", gin.H{
		"symbol": "BTC", "language": "fr-FR",
	})
	require.Equal(t, 200, code)
	assert.Equal(t, 0, resp.Code)
	assert.Contains(t, resp.Msg, "language")
}

func TestFeedbackValidation(t *testing.T) {
	mem := &stubMemory{}
	s := newTestServer(Config{Memory: mem})

	code, resp := doJSON(t, s, "POST", "/analysis/feedback", gin.H{
		"memory_id": "abc", "feedback": "amazing",
	})
	require.Equal(t, 200, code)
	assert.Equal(t, 0, resp.Code)
	assert.Contains(t, resp.Msg, "feedback must be one of")

	code, resp = doJSON(t, s, "POST", "/analysis/feedback", gin.H{
		"feedback": "helpful",
	})
	require.Equal(t, 200, code)
	assert.Equal(t, 0, resp.Code)
	assert.Contains(t, resp.Msg, "memory_id")

	code, resp = doJSON(t, s, "POST", "/analysis/feedback", gin.H{
		"memory_id": "abc", "feedback": "helpful",
	})
	require.Equal(t, 200, code)
	assert.Equal(t, 1, resp.Code)
	assert.Equal(t, "abc", mem.feedbackID)
	assert.Equal(t, "helpful", mem.feedbackVal)
}

func TestFeedbackUnknownRecordIs404(t *testing.T) {
	mem := &stubMemory{feedbackErr: errors.New("record not found: abc")}
	s := newTestServer(Config{Memory: mem})

	code, resp := doJSON(t, s, "POST", "/analysis/feedback", gin.H{
		"memory_id": "abc", "feedback": "accurate",
	})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, 0, resp.Code)
}

func TestAnalysisHistoryPagination(t *testing.T) {
	mem := &stubMemory{
		records: []memory.Record{{ID: "r1", Symbol: "BTC/USDT"}},
		total:   41,
	}
	s := newTestServer(Config{Memory: mem})

	code, resp := doJSON(t, s, "GET", "/analysis/history?page=3&page_size=10", nil)
	require.Equal(t, 200, code)
	require.Equal(t, 1, resp.Code)

	assert.Equal(t, 3, mem.lastPage)
	assert.Equal(t, 10, mem.lastPageSize)

	data := dataMap(t, resp)
	assert.EqualValues(t, 41, data["total"])
	assert.EqualValues(t, 3, data["page"])
}

func TestPerformanceStats(t *testing.T) {
	mem := &stubMemory{stats: &memory.PerformanceStats{
		Total: 10, Validated: 8, Correct: 6, AccuracyPct: 75,
	}}
	s := newTestServer(Config{Memory: mem})

	code, resp := doJSON(t, s, "GET", "/analysis/performance?market=Crypto&days=7", nil)
	require.Equal(t, 200, code)
	require.Equal(t, 1, resp.Code)

	data := dataMap(t, resp)
	assert.EqualValues(t, 75, data["accuracy_pct"])
}
