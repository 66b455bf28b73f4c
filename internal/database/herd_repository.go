package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrMemberNotFound is returned when a herd member is not in the database
	ErrMemberNotFound = errors.New("herd member not found")
)

// HerdRepository handles all database operations for the cyber_herd table.
// Admission and headbutt mutations go through the Querier variants so they
// run inside the caller's transaction; plain reads use the pool.
type HerdRepository struct {
	db *pgxpool.Pool
}

// NewHerdRepository creates a new herd repository instance
func NewHerdRepository(db *DB) *HerdRepository {
	return &HerdRepository{
		db: db.pool,
	}
}

const herdColumns = `pubkey, display_name, lud16, nprofile, picture, relays,
		event_id, note, kinds, amount, payouts, is_active, notified, created_at, updated_at`

func scanMember(row pgx.Row) (*HerdMember, error) {
	var m HerdMember
	err := row.Scan(
		&m.PubKey,
		&m.DisplayName,
		&m.Lud16,
		&m.Nprofile,
		&m.Picture,
		&m.Relays,
		&m.EventID,
		&m.Note,
		&m.Kinds,
		&m.Amount,
		&m.Payouts,
		&m.IsActive,
		&m.Notified,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Get retrieves a member by pubkey outside any transaction.
// Returns ErrMemberNotFound if the pubkey has no row.
func (r *HerdRepository) Get(ctx context.Context, pubkey string) (*HerdMember, error) {
	query := fmt.Sprintf(`SELECT %s FROM cyber_herd WHERE pubkey = $1`, herdColumns)

	m, err := scanMember(r.db.QueryRow(ctx, query, pubkey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMemberNotFound
		}
		return nil, fmt.Errorf("failed to get herd member %s: %w", pubkey, err)
	}

	return m, nil
}

// GetForUpdate retrieves a member inside the caller's transaction with a
// row lock, so concurrent admissions of the same pubkey serialize.
// Returns ErrMemberNotFound if the pubkey has no row.
func (r *HerdRepository) GetForUpdate(ctx context.Context, q Querier, pubkey string) (*HerdMember, error) {
	query := fmt.Sprintf(`SELECT %s FROM cyber_herd WHERE pubkey = $1 FOR UPDATE`, herdColumns)

	m, err := scanMember(q.QueryRow(ctx, query, pubkey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMemberNotFound
		}
		return nil, fmt.Errorf("failed to lock herd member %s: %w", pubkey, err)
	}

	return m, nil
}

// CountActive returns the number of active members as seen by the caller's
// transaction. The capacity invariant is enforced against this count.
func (r *HerdRepository) CountActive(ctx context.Context, q Querier) (int, error) {
	var count int
	err := q.QueryRow(ctx, `SELECT COUNT(*) FROM cyber_herd WHERE is_active`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active members: %w", err)
	}
	return count, nil
}

// LowestActive returns the active member with the smallest amount,
// pubkey ascending as tie-breaker, locked for update (the headbutt victim).
// Returns ErrMemberNotFound when no member is active.
func (r *HerdRepository) LowestActive(ctx context.Context, q Querier) (*HerdMember, error) {
	query := fmt.Sprintf(`SELECT %s FROM cyber_herd
		WHERE is_active
		ORDER BY amount ASC, pubkey ASC
		LIMIT 1
		FOR UPDATE`, herdColumns)

	m, err := scanMember(q.QueryRow(ctx, query))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMemberNotFound
		}
		return nil, fmt.Errorf("failed to find lowest active member: %w", err)
	}

	return m, nil
}

// Upsert writes the full member row inside the caller's transaction.
// The engine owns the accumulation policy; this write is unconditional.
func (r *HerdRepository) Upsert(ctx context.Context, q Querier, m *HerdMember) error {
	query := `INSERT INTO cyber_herd (
		pubkey,
		display_name,
		lud16,
		nprofile,
		picture,
		relays,
		event_id,
		note,
		kinds,
		amount,
		payouts,
		is_active,
		notified
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (pubkey) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			lud16 = EXCLUDED.lud16,
			nprofile = EXCLUDED.nprofile,
			picture = EXCLUDED.picture,
			relays = EXCLUDED.relays,
			event_id = EXCLUDED.event_id,
			note = EXCLUDED.note,
			kinds = EXCLUDED.kinds,
			amount = EXCLUDED.amount,
			payouts = EXCLUDED.payouts,
			is_active = EXCLUDED.is_active,
			notified = EXCLUDED.notified,
			updated_at = now()`

	_, err := q.Exec(
		ctx,
		query,
		m.PubKey,
		m.DisplayName,
		m.Lud16,
		m.Nprofile,
		m.Picture,
		m.Relays,
		m.EventID,
		m.Note,
		m.Kinds,
		m.Amount,
		m.Payouts,
		m.IsActive,
		m.Notified,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert herd member %s: %w", m.PubKey, err)
	}

	return nil
}

// Deactivate flips a member inactive and zeroes amount and payouts
// (losing a headbutt resets the former holder's standing for the day).
// Returns ErrMemberNotFound if the pubkey has no row.
func (r *HerdRepository) Deactivate(ctx context.Context, q Querier, pubkey string) error {
	query := `UPDATE cyber_herd
		SET is_active = FALSE,
			amount = 0,
			payouts = 0,
			updated_at = now()
		WHERE pubkey = $1`

	commandTag, err := q.Exec(ctx, query, pubkey)
	if err != nil {
		return fmt.Errorf("failed to deactivate herd member %s: %w", pubkey, err)
	}

	if commandTag.RowsAffected() == 0 {
		return ErrMemberNotFound
	}

	return nil
}

// ListActive retrieves all active members ordered by payouts descending
// (pubkey ascending as tie-breaker), the order the split distribution uses.
// Returns an empty slice when the herd is empty.
func (r *HerdRepository) ListActive(ctx context.Context) ([]*HerdMember, error) {
	query := fmt.Sprintf(`SELECT %s FROM cyber_herd
		WHERE is_active
		ORDER BY payouts DESC, amount DESC, pubkey ASC`, herdColumns)

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list active members: %w", err)
	}
	defer rows.Close()

	var members []*HerdMember
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan herd member row: %w", err)
		}
		members = append(members, m)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return members, nil
}

// AllPubkeys returns the pubkeys of every herd row, active or not.
// Recovery snapshots these before replaying receipts.
func (r *HerdRepository) AllPubkeys(ctx context.Context) (map[string]struct{}, error) {
	rows, err := r.db.Query(ctx, `SELECT pubkey FROM cyber_herd`)
	if err != nil {
		return nil, fmt.Errorf("failed to list herd pubkeys: %w", err)
	}
	defer rows.Close()

	pubkeys := make(map[string]struct{})
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			return nil, fmt.Errorf("failed to scan pubkey row: %w", err)
		}
		pubkeys[pk] = struct{}{}
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return pubkeys, nil
}

// SetNotified records the opaque id of the last notification sent for a
// member (the welcome note). Missing rows are not an error here; the member
// may have been displaced between notification and write.
func (r *HerdRepository) SetNotified(ctx context.Context, pubkey string, notified string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE cyber_herd SET notified = $2, updated_at = now() WHERE pubkey = $1`,
		pubkey, notified)
	if err != nil {
		return fmt.Errorf("failed to set notified for %s: %w", pubkey, err)
	}
	return nil
}

// DeleteAll removes every herd row. The daily reset policy deletes rows
// rather than deactivating them; re-entries after midnight start clean.
func (r *HerdRepository) DeleteAll(ctx context.Context) (int64, error) {
	commandTag, err := r.db.Exec(ctx, `DELETE FROM cyber_herd`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete herd members: %w", err)
	}
	return commandTag.RowsAffected(), nil
}
