package testutil

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func SetupTestDB() (*pgxpool.Pool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "sharex"),
		getEnv("POSTGRES_PASSWORD", "sharex"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "sharex_test"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return pool, nil
}

// CleanupTestData removes trading rows for the given instrument, plus the
// balances of the given owners. Order matters because of foreign keys.
func CleanupTestData(ctx context.Context, pool *pgxpool.Pool, instrument string, owners ...string) error {
	queries := []struct {
		sql  string
		args []any
	}{
		{"DELETE FROM price_ticks WHERE instrument = $1", []any{instrument}},
		{"DELETE FROM trades WHERE instrument = $1", []any{instrument}},
		{"DELETE FROM orders WHERE instrument = $1", []any{instrument}},
		{"DELETE FROM holdings WHERE instrument = $1", []any{instrument}},
		{"DELETE FROM instruments WHERE symbol = $1", []any{instrument}},
	}
	for _, owner := range owners {
		queries = append(queries, struct {
			sql  string
			args []any
		}{"DELETE FROM balances WHERE owner_id = $1", []any{owner}})
	}

	for _, q := range queries {
		if _, err := pool.Exec(ctx, q.sql, q.args...); err != nil {
			return fmt.Errorf("cleanup %q: %w", q.sql, err)
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
