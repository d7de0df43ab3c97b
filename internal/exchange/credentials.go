package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PoolInterface is the pool surface the credential repository needs
type PoolInterface interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// CredentialRepo loads stored API credentials
type CredentialRepo struct {
	pool PoolInterface
}

// NewCredentialRepo creates a repository over a pool
func NewCredentialRepo(pool PoolInterface) *CredentialRepo {
	return &CredentialRepo{pool: pool}
}

// Get loads one credential by id. A missing row is ErrMissingCredential.
func (r *CredentialRepo) Get(ctx context.Context, id string) (*Credential, error) {
	var cred Credential
	err := r.pool.QueryRow(ctx, `
		SELECT id, exchange, api_key, secret_key, coalesce(passphrase, ''), testnet
		FROM qd_exchange_credentials
		WHERE id = $1`, id).
		Scan(&cred.ID, &cred.Exchange, &cred.APIKey, &cred.SecretKey, &cred.Passphrase, &cred.Testnet)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrMissingCredential, id)
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if cred.APIKey == "" || cred.SecretKey == "" {
		return nil, fmt.Errorf("%w: %s has empty keys", ErrMissingCredential, id)
	}
	return &cred, nil
}

// ListByUser returns all credentials stored for a user
func (r *CredentialRepo) ListByUser(ctx context.Context, userID string) ([]Credential, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, exchange, api_key, secret_key, coalesce(passphrase, ''), testnet
		FROM qd_exchange_credentials
		WHERE user_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query credentials: %w", err)
	}
	defer rows.Close()

	var out []Credential
	for rows.Next() {
		var cred Credential
		if err := rows.Scan(&cred.ID, &cred.Exchange, &cred.APIKey, &cred.SecretKey, &cred.Passphrase, &cred.Testnet); err != nil {
			return nil, fmt.Errorf("failed to scan credential: %w", err)
		}
		out = append(out, cred)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("credential iteration failed: %w", err)
	}
	return out, nil
}
