package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/sharex/sharex/libs/auth"
	"github.com/sharex/sharex/services/trading/internal/storage"
)

var (
	dsn       string
	timeout   time.Duration
	tokenTTL  time.Duration
	ownerFlag string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "seed",
		Short: "Prepare a trading database for local use",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			env := getEnv("SHAREX_ENV", "dev")
			if env != "dev" && env != "test" {
				return fmt.Errorf("refusing to run: SHAREX_ENV must be 'dev' or 'test' (got '%s')", env)
			}
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", defaultDSN(), "postgres connection string")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the trading schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
				if err := storage.Migrate(ctx, pool); err != nil {
					return err
				}
				fmt.Println("✓ Schema applied")
				return nil
			})
		},
	}

	dataCmd := &cobra.Command{
		Use:   "data",
		Short: "Apply the schema and load demo instruments, balances and holdings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(cmd.Context(), func(ctx context.Context, pool *pgxpool.Pool) error {
				if err := storage.Migrate(ctx, pool); err != nil {
					return err
				}
				if err := seedDemo(ctx, storage.NewPostgres(pool, nil), time.Now().UTC()); err != nil {
					return err
				}
				printSummary()
				return nil
			})
		},
	}

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Print a bearer token for a demo owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := getEnv("SHAREX_JWT_SECRET", getEnv("JWT_SECRET", ""))
			if secret == "" {
				return fmt.Errorf("SHAREX_JWT_SECRET is required")
			}
			owner, err := uuid.Parse(ownerFlag)
			if err != nil {
				return fmt.Errorf("invalid --owner: %w", err)
			}
			tok, err := auth.SignToken(owner, []byte(secret), tokenTTL, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&ownerFlag, "owner", demoOwnerID.String(), "owner id to sign for")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")

	rootCmd.AddCommand(migrateCmd, dataCmd, tokenCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func withPool(parent context.Context, fn func(context.Context, *pgxpool.Pool) error) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect db: %w", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping db: %w", err)
	}
	return fn(ctx, pool)
}

func defaultDSN() string {
	if v := os.Getenv("SHAREX_DATABASE_URL"); v != "" {
		return v
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("POSTGRES_USER", "sharex"),
		getEnv("POSTGRES_PASSWORD", "sharex"),
		getEnv("POSTGRES_HOST", "localhost"),
		getEnv("POSTGRES_PORT", "5432"),
		getEnv("POSTGRES_DB", "sharex"),
		getEnv("POSTGRES_SSLMODE", "disable"),
	)
}

func printSummary() {
	fmt.Println("✓ Instruments seeded")
	fmt.Println("✓ Balances seeded")
	fmt.Println("✓ Holdings seeded")
	fmt.Println("\n=== Seed Complete ===")
	fmt.Println("\nDemo owners:")
	fmt.Printf("  demo:   %s\n", demoOwnerID)
	fmt.Printf("  trader: %s\n", traderOwnerID)
	fmt.Println("\nRun `seed token --owner <id>` for a bearer token.")
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
