package repository

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/opensource-finance/tiercalc/internal/domain"
	_ "modernc.org/sqlite"
)

// memoryPath opens a private in-memory database, used by tests and the
// one-shot CLI commands.
const memoryPath = ":memory:"

// openSQLite opens a SQLite database with modernc.org/sqlite, a pure Go
// driver that needs no CGO.
func openSQLite(cfg domain.RepositoryConfig) (*sqlx.DB, error) {
	path := cfg.SQLitePath
	if path == "" {
		path = "./tiercalc.db"
	}

	if path != memoryPath {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// Every pooled connection to :memory: would see its own empty database.
	if path == memoryPath {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	return db, nil
}
