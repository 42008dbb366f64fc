package startup

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/msgcore/internal/logger"
)

// RunMigrations применяет *.sql из files по имени файла. Применённые версии записываются
// в schema_migrations; каждая миграция выполняется в своей транзакции.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool, files fs.FS) error {
	defer logger.DeferLogDuration("startup.RunMigrations", time.Now())()
	if _, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	applied := 0
	for _, name := range names {
		data, err := fs.ReadFile(files, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		done := false
		err = pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
			// Блокировка не даёт двум экземплярам применять миграции одновременно.
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(7240311)`); err != nil {
				return err
			}
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = $1)`, name).Scan(&exists); err != nil {
				return err
			}
			if exists {
				done = true
				return nil
			}
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, name)
			return err
		})
		if err != nil {
			return fmt.Errorf("run migration %s: %w", name, err)
		}
		if !done {
			applied++
			logger.Infof("migration %s applied", name)
		}
	}
	logger.Infof("migrations up to date (%d applied now)", applied)
	return nil
}
