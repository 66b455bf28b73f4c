package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrCacheMiss is returned when a key is absent or past its expiry
	ErrCacheMiss = errors.New("cache key not found")
)

// CacheRepository handles the durable key/value table used for rate-limit
// stamps, daily engagement flags and recovery bookkeeping. Entries survive
// restarts, which is the point; expiry is enforced on read.
type CacheRepository struct {
	db *pgxpool.Pool
}

// NewCacheRepository creates a new cache repository instance
func NewCacheRepository(db *DB) *CacheRepository {
	return &CacheRepository{
		db: db.pool,
	}
}

// Get retrieves the value for a key. Expired entries are treated as absent.
// Returns ErrCacheMiss when the key is not live.
func (r *CacheRepository) Get(ctx context.Context, key string) (string, error) {
	query := `SELECT value FROM cache WHERE key = $1 AND expires_at > now()`

	var value string
	err := r.db.QueryRow(ctx, query, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrCacheMiss
		}
		return "", fmt.Errorf("failed to get cache key %s: %w", key, err)
	}

	return value, nil
}

// Set stores a value under a key with a relative time-to-live, replacing
// any previous entry.
func (r *CacheRepository) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.SetUntil(ctx, key, value, time.Now().UTC().Add(ttl))
}

// SetUntil stores a value under a key with an absolute expiry, replacing
// any previous entry. Day-scoped keys expire at the next UTC midnight.
func (r *CacheRepository) SetUntil(ctx context.Context, key string, value string, expiresAt time.Time) error {
	query := `INSERT INTO cache (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at`

	_, err := r.db.Exec(ctx, query, key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to set cache key %s: %w", key, err)
	}

	return nil
}

// Delete removes the given keys. Missing keys are not an error.
func (r *CacheRepository) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	_, err := r.db.Exec(ctx, `DELETE FROM cache WHERE key = ANY($1)`, keys)
	if err != nil {
		return fmt.Errorf("failed to delete cache keys: %w", err)
	}

	return nil
}

// PurgeExpired deletes entries past their expiry, returning the number of
// rows removed. Reads already ignore them; this just keeps the table small.
func (r *CacheRepository) PurgeExpired(ctx context.Context) (int64, error) {
	commandTag, err := r.db.Exec(ctx, `DELETE FROM cache WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired cache entries: %w", err)
	}

	return commandTag.RowsAffected(), nil
}
