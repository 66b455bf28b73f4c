//go:build integration

package database

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// SetupTestDB creates a connection to the test database and runs migrations
// The test database (cyberherd_test) is automatically created by docker-compose
func SetupTestDB(t *testing.T) *DB {
	t.Helper()

	cfg := Config{
		Host:            "localhost",
		Port:            "5432",
		User:            "postgres",
		Password:        "postgres",
		DB:              "cyberherd_test",
		SslMode:         "disable",
		MaxConns:        5,
		MinConns:        1,
		MaxConnLifetime: 5,
		MaxConnIdleTime: 1,
	}

	db, err := NewDB(cfg)
	require.NoError(t, err, "Failed to connect to test database")

	// Set migration path relative to project root
	// Get current file's directory (internal/database)
	_, filename, _, _ := runtime.Caller(0)
	dir := filepath.Dir(filename)
	projectRoot := filepath.Join(dir, "../..") // Go up to project root
	migrationsPath := filepath.Join(projectRoot, "migrations")
	db.migrationPath = "file://" + migrationsPath

	// Run migrations to ensure schema is up to date
	err = db.RunMigrations()
	require.NoError(t, err, "Failed to run migrations on test database")

	return db
}

// CleanupTestDB truncates all tables to ensure clean state between tests
func CleanupTestDB(t *testing.T, db *DB) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tables := []string{"cyber_herd", "processed_zap_events", "cache"}
	for _, table := range tables {
		query := fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)
		_, err := db.pool.Exec(ctx, query)
		require.NoError(t, err, "Failed to truncate table %s", table)
	}

	// payment_metrics keeps its seed row; reset the counters instead
	_, err := db.pool.Exec(ctx, `UPDATE payment_metrics
		SET total_payments = 0,
			cyberherd_payments_detected = 0,
			regular_payments_processed = 0,
			feeder_triggers = 0,
			failed_payments = 0,
			session_start = now()
		WHERE id = 1`)
	require.NoError(t, err, "Failed to reset payment_metrics")
}
