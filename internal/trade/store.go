package trade

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Ledger statuses beyond the venue order statuses
const StatusFailed = "failed"

// PoolInterface is the pool surface the ledger needs
type PoolInterface interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Record is one ledger row in qd_quick_trades. Every attempt writes a
// row; failures carry status failed and the trimmed error message.
type Record struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	CredentialID    string    `json:"credential_id"`
	Exchange        string    `json:"exchange"`
	Symbol          string    `json:"symbol"`
	MarketType      string    `json:"market_type"`
	Side            string    `json:"side"`
	OrderType       string    `json:"order_type"`
	Signal          string    `json:"signal"`
	AmountUSDT      float64   `json:"amount_usdt"`
	Quantity        float64   `json:"quantity"`
	Price           float64   `json:"price,omitempty"`
	AvgPrice        float64   `json:"avg_price,omitempty"`
	Filled          float64   `json:"filled"`
	Fee             float64   `json:"fee,omitempty"`
	FeeCcy          string    `json:"fee_ccy,omitempty"`
	Leverage        int       `json:"leverage"`
	ClientOrderID   string    `json:"client_order_id,omitempty"`
	ExchangeOrderID string    `json:"exchange_order_id,omitempty"`
	Status          string    `json:"status"`
	ErrorMsg        string    `json:"error_msg,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Store persists the quick-trade ledger
type Store struct {
	pool PoolInterface
}

// NewStore creates a ledger store over a pool
func NewStore(pool PoolInterface) *Store {
	return &Store{pool: pool}
}

// Insert writes one ledger row, assigning the id when absent
func (s *Store) Insert(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = "unknown"
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO qd_quick_trades
			(id, user_id, credential_id, exchange, symbol, market_type, side,
			 order_type, signal, amount_usdt, quantity, price, avg_price, filled,
			 fee, fee_ccy, leverage, client_order_id, exchange_order_id, status,
			 error_msg, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,now())`,
		rec.ID, rec.UserID, rec.CredentialID, rec.Exchange, rec.Symbol,
		rec.MarketType, rec.Side, rec.OrderType, rec.Signal, rec.AmountUSDT,
		rec.Quantity, rec.Price, rec.AvgPrice, rec.Filled, rec.Fee, rec.FeeCcy,
		rec.Leverage, rec.ClientOrderID, rec.ExchangeOrderID, rec.Status, rec.ErrorMsg)
	if err != nil {
		return fmt.Errorf("failed to insert trade record: %w", err)
	}
	return nil
}

// History pages a user's trades newest first, returning the total count
func (s *Store) History(ctx context.Context, userID string, page, pageSize int) ([]Record, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM qd_quick_trades WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count trades: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, credential_id, exchange, symbol, market_type, side,
		       order_type, signal, amount_usdt, quantity, price, avg_price, filled,
		       fee, coalesce(fee_ccy, ''), leverage, coalesce(client_order_id, ''),
		       coalesce(exchange_order_id, ''), status, coalesce(error_msg, ''), created_at
		FROM qd_quick_trades
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, userID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.CredentialID, &rec.Exchange,
			&rec.Symbol, &rec.MarketType, &rec.Side, &rec.OrderType, &rec.Signal,
			&rec.AmountUSDT, &rec.Quantity, &rec.Price, &rec.AvgPrice, &rec.Filled,
			&rec.Fee, &rec.FeeCcy, &rec.Leverage, &rec.ClientOrderID,
			&rec.ExchangeOrderID, &rec.Status, &rec.ErrorMsg, &rec.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("failed to scan trade: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("trade iteration failed: %w", err)
	}
	return out, total, nil
}
