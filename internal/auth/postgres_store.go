package auth

import (
	"context"
	"database/sql"
	"errors"

	"github.com/mbd888/escrowd/internal/address"
)

// PostgresStore persists API keys in PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed auth store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const keyColumns = `id, hash, address, name, created_at, last_used, expires_at, revoked`

// Create stores a new API key
func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, address, name, created_at, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, key.ID, key.Hash, key.Address, key.Name, key.CreatedAt, key.ExpiresAt, key.Revoked)
	return err
}

// GetByHash retrieves a live API key by its hash
func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	key, err := scanKey(p.db.QueryRowContext(ctx, `
		SELECT `+keyColumns+`
		FROM api_keys WHERE hash = $1
		  AND revoked = FALSE
		  AND (expires_at IS NULL OR expires_at > NOW())
	`, hash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	return key, err
}

// GetByAddress retrieves all API keys bound to an address
func (p *PostgresStore) GetByAddress(ctx context.Context, addr address.Address) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+keyColumns+`
		FROM api_keys WHERE address = $1 ORDER BY created_at DESC
	`, addr)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var keys []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Update records last use and revocation. Revocation never flips back.
func (p *PostgresStore) Update(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE api_keys
		SET last_used = GREATEST(last_used, $1), revoked = revoked OR $2
		WHERE id = $3
	`, key.LastUsed, key.Revoked, key.ID)
	return err
}

// Delete removes an API key
func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*APIKey, error) {
	key := &APIKey{}
	var lastUsed, expiresAt sql.NullTime
	if err := row.Scan(
		&key.ID, &key.Hash, &key.Address, &key.Name,
		&key.CreatedAt, &lastUsed, &expiresAt, &key.Revoked,
	); err != nil {
		return nil, err
	}
	if lastUsed.Valid {
		key.LastUsed = lastUsed.Time
	}
	if expiresAt.Valid {
		key.ExpiresAt = &expiresAt.Time
	}
	return key, nil
}

var _ Store = (*PostgresStore)(nil)
