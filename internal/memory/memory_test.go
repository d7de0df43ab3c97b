package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// anyArgs builds n placeholder matchers so expectations can ignore argument values.
func anyArgs(n int) []interface{} {
	args := make([]interface{}, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestDecisionCorrect(t *testing.T) {
	tests := []struct {
		decision  string
		returnPct float64
		want      bool
	}{
		{"BUY", 3.0, true},
		{"BUY", 2.0, false},
		{"BUY", -1.0, false},
		{"SELL", -3.0, true},
		{"SELL", -2.0, false},
		{"SELL", 4.0, false},
		{"HOLD", 0.0, true},
		{"HOLD", 5.0, true},
		{"HOLD", -5.0, true},
		{"HOLD", 5.1, false},
		{"HOLD", -6.0, false},
		{"UNKNOWN", 10.0, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%.1f", tt.decision, tt.returnPct), func(t *testing.T) {
			assert.Equal(t, tt.want, DecisionCorrect(tt.decision, tt.returnPct))
		})
	}
}

func TestSaveGeneratesID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("INSERT INTO qd_analysis_memory").
		WithArgs(anyArgs(16)...).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	store := NewStore(mock)
	rec := &Record{Market: "Crypto", Symbol: "BTC/USDT", Timeframe: "1D",
		Decision: "BUY", Confidence: 70, PriceAtAnalysis: 95000}

	id, err := store.Save(context.Background(), rec, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, rec.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidatePastDecisions(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"id", "market", "symbol", "decision", "price_at_analysis"}).
		AddRow("id-1", "Crypto", "BTC/USDT", "BUY", 100.0).
		AddRow("id-2", "Crypto", "ETH/USDT", "SELL", 100.0).
		AddRow("id-3", "Crypto", "SOL/USDT", "HOLD", 100.0)

	mock.ExpectQuery("SELECT id, market, symbol, decision, price_at_analysis").
		WithArgs(anyArgs(2)...).
		WillReturnRows(rows)
	// BUY with +5% is correct, SELL with +5% is not, HOLD with +5% is
	mock.ExpectExec("UPDATE qd_analysis_memory").
		WithArgs("id-1", pgxmock.AnyArg(), true).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE qd_analysis_memory").
		WithArgs("id-2", pgxmock.AnyArg(), false).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE qd_analysis_memory").
		WithArgs("id-3", pgxmock.AnyArg(), true).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	store := NewStore(mock)
	pricer := func(ctx context.Context, market, symbol string) (float64, error) {
		return 105.0, nil
	}

	validated, err := store.ValidatePastDecisions(context.Background(), 7, pricer)
	require.NoError(t, err)
	assert.Equal(t, 3, validated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestValidatePastDecisionsSkipsUnpriceable(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"id", "market", "symbol", "decision", "price_at_analysis"}).
		AddRow("id-1", "Crypto", "DEAD/USDT", "BUY", 100.0)

	mock.ExpectQuery("SELECT id, market, symbol, decision, price_at_analysis").
		WithArgs(anyArgs(2)...).
		WillReturnRows(rows)

	store := NewStore(mock)
	pricer := func(ctx context.Context, market, symbol string) (float64, error) {
		return 0, fmt.Errorf("delisted")
	}

	validated, err := store.ValidatePastDecisions(context.Background(), 7, pricer)
	require.NoError(t, err)
	assert.Equal(t, 0, validated)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFeedbackNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("UPDATE qd_analysis_memory").
		WithArgs("missing", "good call").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	store := NewStore(mock)
	err = store.RecordFeedback(context.Background(), "missing", "good call")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestGetPerformanceStats(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	avg := 1.8
	row := pgxmock.NewRows([]string{"count", "validated", "correct", "avg", "buy", "sell", "hold"}).
		AddRow(10, 8, 6, &avg, 4, 3, 3)
	mock.ExpectQuery("SELECT").WithArgs(anyArgs(3)...).WillReturnRows(row)

	store := NewStore(mock)
	stats, err := store.GetPerformanceStats(context.Background(), "Crypto", "", 30)
	require.NoError(t, err)

	assert.Equal(t, 10, stats.Total)
	assert.Equal(t, 8, stats.Validated)
	assert.Equal(t, 6, stats.Correct)
	assert.InDelta(t, 75.0, stats.AccuracyPct, 1e-9)
	assert.InDelta(t, 1.8, stats.AvgReturnPct, 1e-9)
}

func TestGetRecentDefaults(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	now := time.Now()
	rows := pgxmock.NewRows([]string{
		"id", "market", "symbol", "timeframe", "decision", "confidence", "summary",
		"analysis", "trading_plan", "reasons", "risks", "scores", "market_snapshot",
		"indicators", "price_at_analysis", "created_at", "validated_at",
		"actual_return_pct", "was_correct", "user_feedback",
	}).AddRow(
		"id-1", "Crypto", "BTC/USDT", "1D", "BUY", 70, "summary",
		nil, nil, nil, nil, nil, nil,
		nil, 95000.0, now, nil,
		nil, nil, nil,
	)
	mock.ExpectQuery("SELECT").WithArgs(anyArgs(4)...).WillReturnRows(rows)

	store := NewStore(mock)
	recs, err := store.GetRecent(context.Background(), "Crypto", "BTC/USDT", 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "BUY", recs[0].Decision)
	assert.Nil(t, recs[0].WasCorrect)
}
