package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/matheusmosca/variant-reservations/internal/config"
	"github.com/matheusmosca/variant-reservations/internal/inventory"
	"github.com/matheusmosca/variant-reservations/internal/logging"
	"github.com/matheusmosca/variant-reservations/internal/storage/postgres"
)

func main() {
	seedFile := flag.String("seed", "", "JSON file with variants to upsert after migrating")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.MustNewLogger("migrate", cfg.Env, cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := run(ctx, cfg.DatabaseURL, *seedFile, logger); err != nil {
		logger.Fatal("migration_failed", zap.Error(err))
	}
	logger.Info("migration_done")
}

func run(ctx context.Context, dsn, seedFile string, logger *zap.Logger) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	for i := 0; i < 30; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		logger.Info("database_waiting", zap.Int("attempt", i+1), zap.Error(err))
		time.Sleep(time.Second)
	}
	if err != nil {
		return fmt.Errorf("database not reachable: %w", err)
	}

	if _, err := db.ExecContext(ctx, postgres.Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	logger.Info("schema_applied")

	if seedFile == "" {
		return nil
	}
	variants, err := inventory.LoadSeedFile(seedFile)
	if err != nil {
		return err
	}
	return seed(ctx, db, variants, logger)
}

// seed upserts variants in one transaction with the same statement the service uses.
func seed(ctx context.Context, db *sql.DB, variants []inventory.ProductVariant, logger *zap.Logger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, postgres.UpsertVariantSQL)
	if err != nil {
		return fmt.Errorf("prepare seed: %w", err)
	}
	defer stmt.Close()

	for _, v := range variants {
		if _, err := stmt.ExecContext(ctx, postgres.UpsertVariantArgs(v)...); err != nil {
			return fmt.Errorf("seed variant %s: %w", v.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logger.Info("variants_seeded", zap.Int("count", len(variants)))
	return nil
}
