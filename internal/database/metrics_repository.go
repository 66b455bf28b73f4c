package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// MetricsRepository handles the single-row payment counters table.
// Counters are monotonic for the lifetime of the row; session_start marks
// the last daily reset.
type MetricsRepository struct {
	db *pgxpool.Pool
}

// NewMetricsRepository creates a new metrics repository instance
func NewMetricsRepository(db *DB) *MetricsRepository {
	return &MetricsRepository{
		db: db.pool,
	}
}

// Get retrieves the current counters. The row is seeded by the migrations,
// so a missing row is a real error.
func (r *MetricsRepository) Get(ctx context.Context) (*PaymentMetrics, error) {
	query := `SELECT total_payments, cyberherd_payments_detected, regular_payments_processed,
		feeder_triggers, failed_payments, session_start
		FROM payment_metrics
		WHERE id = 1`

	var m PaymentMetrics
	err := r.db.QueryRow(ctx, query).Scan(
		&m.TotalPayments,
		&m.CyberHerdPaymentsDetected,
		&m.RegularPaymentsProcessed,
		&m.FeederTriggers,
		&m.FailedPayments,
		&m.SessionStart,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get payment metrics: %w", err)
	}

	return &m, nil
}

// IncrTotalPayments counts every payment event that reached classification.
func (r *MetricsRepository) IncrTotalPayments(ctx context.Context) error {
	return r.incr(ctx, "total_payments")
}

// IncrCyberHerdDetected counts payments recognized as herd-tagged zap receipts.
func (r *MetricsRepository) IncrCyberHerdDetected(ctx context.Context) error {
	return r.incr(ctx, "cyberherd_payments_detected")
}

// IncrRegularProcessed counts payments handled by the generic path.
func (r *MetricsRepository) IncrRegularProcessed(ctx context.Context) error {
	return r.incr(ctx, "regular_payments_processed")
}

// IncrFeederTriggers counts feeder activations that actually went out.
func (r *MetricsRepository) IncrFeederTriggers(ctx context.Context) error {
	return r.incr(ctx, "feeder_triggers")
}

// IncrFailedPayments counts payout attempts that ended in failure.
func (r *MetricsRepository) IncrFailedPayments(ctx context.Context) error {
	return r.incr(ctx, "failed_payments")
}

func (r *MetricsRepository) incr(ctx context.Context, column string) error {
	// column names come from the fixed callers above, never from input
	query := fmt.Sprintf(`UPDATE payment_metrics SET %s = %s + 1 WHERE id = 1`, column, column)

	_, err := r.db.Exec(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to increment %s: %w", column, err)
	}

	return nil
}

// ResetSession stamps the beginning of a new accounting session without
// touching the counters.
func (r *MetricsRepository) ResetSession(ctx context.Context) error {
	_, err := r.db.Exec(ctx, `UPDATE payment_metrics SET session_start = now() WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("failed to reset metrics session: %w", err)
	}

	return nil
}
