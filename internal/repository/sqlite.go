package repository

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// OpenSQLite opens (or creates) the database at path and applies the
// embedded migrations. Use ":memory:" for a throwaway store.
func OpenSQLite(ctx context.Context, path string, logger *zap.SugaredLogger) (*Repository, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %q: %w", path, err)
	}
	// single writer; also keeps one connection alive for :memory:
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := migrateUp(ctx, db, DialectSQLite); err != nil {
		db.Close()
		return nil, err
	}

	logger.Infow("Opened sqlite store", "path", path)
	return newRepository(db, DialectSQLite, logger), nil
}

func sqliteDSN(path string) string {
	if path == ":memory:" {
		return "file::memory:?_pragma=foreign_keys(1)"
	}
	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}
