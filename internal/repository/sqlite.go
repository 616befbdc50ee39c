package repository

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// SingleWriterDB implements Single Writer Principle for SQLite.
// Only one writer can access the database at a time.
type SingleWriterDB struct {
	db     *sql.DB
	logger *zap.Logger
	mu     sync.Mutex // Mutex to ensure single writer
}

// NewSingleWriterDB creates a new database connection with single writer principle
func NewSingleWriterDB(path string, logger *zap.Logger) (*SingleWriterDB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // Single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	swdb := &SingleWriterDB{
		db:     db,
		logger: logger,
	}

	// Initialize schema
	if err := swdb.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return swdb, nil
}

// initSchema creates the database schema
func (swdb *SingleWriterDB) initSchema() error {
	schema := `
	-- Users table: every buyer who ever contacted the bot, for broadcast
	CREATE TABLE IF NOT EXISTS users (
		user_id INTEGER PRIMARY KEY,
		created_at TEXT NOT NULL
	);

	-- Reservations table: durable claims pending payment, reloaded at startup
	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		item_id TEXT UNIQUE NOT NULL,
		kind TEXT NOT NULL,
		buyer_id INTEGER NOT NULL,
		invoice_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		created_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		CHECK(kind IN ('session', 'script'))
	);

	-- Settings table: runtime-configurable durable values
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Indexes for performance
	CREATE INDEX IF NOT EXISTS idx_reservations_item_id ON reservations(item_id);
	CREATE INDEX IF NOT EXISTS idx_reservations_buyer_id ON reservations(buyer_id);
	`

	if _, err := swdb.db.Exec(schema); err != nil {
		return fmt.Errorf("exec schema: %w", err)
	}

	swdb.logger.Info("Database schema initialized")
	return nil
}

// Ping checks the database connection
func (swdb *SingleWriterDB) Ping() error {
	return swdb.db.Ping()
}

// Close closes the underlying connection
func (swdb *SingleWriterDB) Close() error {
	return swdb.db.Close()
}
