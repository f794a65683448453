package adapter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/quotecache/quotecache/internal/market"
)

// PostgresStore is the durable key-value store behind the cache. One row per
// key, payload replaced wholesale on every store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the connection pool and verifies reachability.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// Retrieve returns the payload stored under key, or found=false when absent.
// Connectivity failures surface as ErrPersistenceUnavailable so the resolver
// can degrade to a miss.
func (p *PostgresStore) Retrieve(ctx context.Context, key string) (json.RawMessage, bool, error) {
	const q = `SELECT payload FROM quote_snapshots WHERE key = $1`

	var payload []byte
	err := p.db.QueryRowContext(ctx, q, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", market.ErrPersistenceUnavailable, err)
	}
	return payload, true, nil
}

// Store upserts the payload under key.
func (p *PostgresStore) Store(ctx context.Context, key string, payload json.RawMessage) error {
	const q = `
		INSERT INTO quote_snapshots (key, payload, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET payload = EXCLUDED.payload, updated_at = NOW()
	`
	if _, err := p.db.ExecContext(ctx, q, key, []byte(payload)); err != nil {
		return fmt.Errorf("%w: %v", market.ErrPersistenceUnavailable, err)
	}
	return nil
}

// Health pings the database with a short timeout.
func (p *PostgresStore) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.db.PingContext(ctx)
}

// Close shuts the pool down.
func (p *PostgresStore) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}
