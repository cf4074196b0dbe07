package repository

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/yourusername/freqsearch/internal/database"
	"github.com/yourusername/freqsearch/internal/database/migrations"
	"github.com/yourusername/freqsearch/internal/models"
)

// setupTestDB starts a PostgreSQL container, applies the embedded
// migrations, and returns a cleanup function that must be called after
// the test completes.
func setupTestDB(t *testing.T) (*database.DB, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("integration test - requires docker")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("freqsearch_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err, "failed to create pool")

	db := database.NewDBFromPool(pool)
	require.NoError(t, migrations.RunPostgresMigrations(ctx, db), "failed to run migrations")

	cleanup := func() {
		db.Close()
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	}

	return db, cleanup
}

// testBacktestConfig returns a valid config for seeding jobs.
func testBacktestConfig() models.BacktestConfig {
	return models.BacktestConfig{
		Exchange:       "binance",
		Pairs:          []string{"BTC/USDT", "ETH/USDT"},
		Timeframe:      "5m",
		TimerangeStart: "20240101",
		TimerangeEnd:   "20240301",
		DryRunWallet:   1000,
		MaxOpenTrades:  3,
		StakeAmount:    models.StakeUnlimited,
	}
}
