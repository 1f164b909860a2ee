package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

// OpenPostgres connects through a pgx pool. The schema is managed by
// cmd/migrate.
func OpenPostgres(ctx context.Context, dsn string, logger *zap.SugaredLogger) (*Repository, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	repo := newRepository(db, DialectPostgres, logger)
	repo.closers = append(repo.closers, func() error {
		pool.Close()
		return nil
	})
	logger.Infow("Connected to postgres", "host", poolCfg.ConnConfig.Host, "database", poolCfg.ConnConfig.Database)
	return repo, nil
}
