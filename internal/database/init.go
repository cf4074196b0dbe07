package database

import (
	"context"
	"fmt"

	"github.com/yourusername/freqsearch/internal/config"
	"github.com/yourusername/freqsearch/internal/database/migrations"
)

// Initialize creates a database connection pool and applies embedded migrations
func Initialize(ctx context.Context, cfg *config.Config) (*DB, error) {
	// Create connection pool
	db, err := NewDB(ctx, &cfg.Database)
	if err != nil {
		return nil, err
	}

	// Apply schema migrations
	if err := migrations.RunPostgresMigrations(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Verify the job table is reachable before the scheduler starts polling it
	var count int
	if err := db.pool.QueryRow(ctx, "SELECT COUNT(*) FROM backtest_jobs").Scan(&count); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to verify backtest_jobs table: %w", err)
	}

	return db, nil
}
