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
	// ErrZapAlreadyProcessed is returned when a zap receipt is already
	// completed, or another worker holds a fresh processing claim on it
	ErrZapAlreadyProcessed = errors.New("zap event already processed")
	// ErrZapNotFound is returned when a zap event id has no row
	ErrZapNotFound = errors.New("zap event not found")
)

// ZapRepository handles all database operations for processed zap receipts.
// The claim protocol makes receipt handling idempotent across live delivery,
// recovery replay, and concurrent workers.
type ZapRepository struct {
	db *pgxpool.Pool
}

// NewZapRepository creates a new zap repository instance
func NewZapRepository(db *DB) *ZapRepository {
	return &ZapRepository{
		db: db.pool,
	}
}

// Claim atomically records the receipt as processing. A single statement
// decides ownership: it succeeds when the id is new, previously failed, or
// stuck in processing longer than stuckAfter. It returns
// ErrZapAlreadyProcessed when the receipt is completed or freshly claimed
// by someone else.
func (r *ZapRepository) Claim(ctx context.Context, zap *ProcessedZap, stuckAfter time.Duration) error {
	query := `INSERT INTO processed_zap_events (
		zap_event_id,
		pubkey,
		original_event_id,
		amount,
		processed_at,
		status
		)
		VALUES ($1, $2, $3, $4, now(), $5)
		ON CONFLICT (zap_event_id) DO UPDATE SET
			pubkey = EXCLUDED.pubkey,
			original_event_id = EXCLUDED.original_event_id,
			amount = EXCLUDED.amount,
			processed_at = now(),
			status = EXCLUDED.status
		WHERE processed_zap_events.status = $6
			OR (processed_zap_events.status = $5 AND processed_zap_events.processed_at < $7)
		RETURNING zap_event_id`

	staleCutoff := time.Now().UTC().Add(-stuckAfter)

	var claimed string
	err := r.db.QueryRow(
		ctx,
		query,
		zap.ZapEventID,
		zap.PubKey,
		zap.OriginalEventID,
		zap.Amount,
		ZapProcessing.String(),
		ZapFailed.String(),
		staleCutoff,
	).Scan(&claimed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrZapAlreadyProcessed
		}
		return fmt.Errorf("failed to claim zap event %s: %w", zap.ZapEventID, err)
	}

	return nil
}

// MarkCompleted transitions a claimed receipt to its terminal success state.
// Returns ErrZapNotFound if the event id has no row.
func (r *ZapRepository) MarkCompleted(ctx context.Context, zapEventID string) error {
	return r.setStatus(ctx, zapEventID, ZapCompleted)
}

// MarkFailed transitions a claimed receipt to failed so a later delivery
// may retry it. Returns ErrZapNotFound if the event id has no row.
func (r *ZapRepository) MarkFailed(ctx context.Context, zapEventID string) error {
	return r.setStatus(ctx, zapEventID, ZapFailed)
}

func (r *ZapRepository) setStatus(ctx context.Context, zapEventID string, status ZapStatus) error {
	query := `UPDATE processed_zap_events
		SET status = $2, processed_at = now()
		WHERE zap_event_id = $1`

	commandTag, err := r.db.Exec(ctx, query, zapEventID, status.String())
	if err != nil {
		return fmt.Errorf("failed to mark zap event %s %s: %w", zapEventID, status, err)
	}

	if commandTag.RowsAffected() == 0 {
		return ErrZapNotFound
	}

	return nil
}

// Get retrieves a processed zap row by its receipt event id.
// Returns ErrZapNotFound if the event id has no row.
func (r *ZapRepository) Get(ctx context.Context, zapEventID string) (*ProcessedZap, error) {
	query := `SELECT zap_event_id, pubkey, original_event_id, amount, processed_at, status
		FROM processed_zap_events
		WHERE zap_event_id = $1`

	var (
		zap    ProcessedZap
		status string
	)
	err := r.db.QueryRow(ctx, query, zapEventID).Scan(
		&zap.ZapEventID,
		&zap.PubKey,
		&zap.OriginalEventID,
		&zap.Amount,
		&zap.ProcessedAt,
		&status,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrZapNotFound
		}
		return nil, fmt.Errorf("failed to get zap event %s: %w", zapEventID, err)
	}

	zap.Status = ParseZapStatus(status)

	return &zap, nil
}

// PurgeOlderThan deletes receipt rows whose last transition is older than
// the given age, returning the number of rows removed. The dedup window only
// has to outlive the recovery lookback.
func (r *ZapRepository) PurgeOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-age)

	commandTag, err := r.db.Exec(ctx,
		`DELETE FROM processed_zap_events WHERE processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge processed zap events: %w", err)
	}

	return commandTag.RowsAffected(), nil
}
