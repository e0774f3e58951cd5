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
		getEnv("POSTGRES_USER", "folio"),
		getEnv("POSTGRES_PASSWORD", "folio"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "folio"),
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

// CleanupTestData removes accounts whose names start with prefix, along with
// everything they own, and rates recorded by test sources.
func CleanupTestData(ctx context.Context, pool *pgxpool.Pool, prefix string) error {
	if _, err := pool.Exec(ctx, "DELETE FROM accounts WHERE name LIKE $1 || '%'", prefix); err != nil {
		return fmt.Errorf("cleanup accounts: %w", err)
	}
	if _, err := pool.Exec(ctx, "DELETE FROM exchange_rates WHERE source LIKE 'test%'"); err != nil {
		return fmt.Errorf("cleanup exchange rates: %w", err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
