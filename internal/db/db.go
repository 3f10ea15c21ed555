package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicate    = errors.New("duplicate record")
	ErrDatabaseInit = errors.New("database initialization failed")
	ErrBackupFailed = errors.New("database backup failed")
)

// DB represents the database connection.
type DB struct {
	conn *sql.DB
	path string
}

// New creates a new database connection and initializes the schema.
func New(dbPath string) (*DB, error) {
	// Ensure the directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("%w: failed to create directory: %w", ErrDatabaseInit, err)
	}

	// Open the database
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open database: %w", ErrDatabaseInit, err)
	}

	// Configure connection pool limits to prevent resource exhaustion
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(0)
	conn.SetConnMaxIdleTime(0)

	// Configure SQLite for optimal performance and security
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA secure_delete=ON",
		"PRAGMA synchronous=NORMAL",
	}

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: failed to set pragma: %w", ErrDatabaseInit, err)
		}
	}

	db := &DB{conn: conn, path: dbPath}

	// Run migrations
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	// Set file permissions (0600 for security)
	if err := os.Chmod(dbPath, 0600); err != nil {
		// File might not exist yet in WAL mode
		_ = err
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Conn returns the underlying database connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Path returns the on-disk path of the database file.
func (db *DB) Path() string {
	return db.path
}

// BackupTo writes a consistent image of the live database to destPath.
// VACUUM INTO produces a complete standalone copy even while the
// database is open in WAL mode.
func (db *DB) BackupTo(destPath string) error {
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("%w: destination already exists: %s", ErrBackupFailed, destPath)
	}
	if _, err := db.conn.Exec(`VACUUM INTO ?`, destPath); err != nil {
		return fmt.Errorf("%w: %w", ErrBackupFailed, err)
	}
	return nil
}

// migrate creates the database schema.
func (db *DB) migrate() error {
	migrations := []string{
		// Users table. main_calendar_id is the remote id of the user's
		// aggregate calendar; main_account_id names the credential that
		// grants access to it.
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT UNIQUE NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			main_account_id INTEGER,
			main_calendar_id TEXT NOT NULL DEFAULT '',
			feed_token TEXT UNIQUE,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Connected remote accounts. credentials holds the encrypted
		// access/refresh token pair; token_expiry is kept in the clear
		// so the refresh job can query without decrypting.
		`CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			email TEXT NOT NULL,
			credentials BLOB NOT NULL,
			token_expiry DATETIME,
			status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_id, email),
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_user_id ON accounts(user_id)`,

		// Attached external calendars, kind client or personal.
		`CREATE TABLE IF NOT EXISTS calendar_attachments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			account_id INTEGER NOT NULL,
			calendar_id TEXT NOT NULL,
			kind TEXT NOT NULL CHECK(kind IN ('client', 'personal')),
			display_name TEXT NOT NULL DEFAULT '',
			color_id TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			disconnected_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_id, account_id, calendar_id),
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
			FOREIGN KEY (account_id) REFERENCES accounts(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_user_id ON calendar_attachments(user_id)`,

		// Per-attachment incremental sync state, exactly one row each.
		`CREATE TABLE IF NOT EXISTS calendar_sync_states (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			attachment_id INTEGER UNIQUE NOT NULL,
			sync_token TEXT,
			last_full_sync DATETIME,
			last_incremental_sync DATETIME,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (attachment_id) REFERENCES calendar_attachments(id) ON DELETE CASCADE
		)`,

		// Main-calendar sync state, exactly one row per user.
		`CREATE TABLE IF NOT EXISTS main_sync_states (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER UNIQUE NOT NULL,
			sync_token TEXT,
			last_full_sync DATETIME,
			last_incremental_sync DATETIME,
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,

		// Event mappings: one row per managed logical event.
		// origin_calendar is the remote calendar id, stored as '' for
		// main-origin rows so the unique key holds (SQLite treats NULLs
		// as distinct in UNIQUE constraints).
		`CREATE TABLE IF NOT EXISTS event_mappings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			origin_kind TEXT NOT NULL CHECK(origin_kind IN ('client', 'main', 'personal')),
			origin_attachment_id INTEGER,
			origin_calendar TEXT NOT NULL DEFAULT '',
			origin_event_id TEXT NOT NULL,
			origin_recurring_event_id TEXT,
			main_event_id TEXT NOT NULL,
			event_start DATETIME,
			event_end DATETIME,
			is_all_day INTEGER NOT NULL DEFAULT 0,
			is_recurring INTEGER NOT NULL DEFAULT 0,
			user_can_edit INTEGER NOT NULL DEFAULT 0,
			deleted_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_id, origin_calendar, origin_event_id),
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE,
			FOREIGN KEY (origin_attachment_id) REFERENCES calendar_attachments(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_mappings_user_id ON event_mappings(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_mappings_origin_attachment ON event_mappings(origin_attachment_id)`,
		`CREATE INDEX IF NOT EXISTS idx_mappings_main_event ON event_mappings(user_id, main_event_id)`,

		// Busy blocks: the authoritative index of remote busy artifacts.
		// A row exists iff the remote event was created or observed.
		`CREATE TABLE IF NOT EXISTS busy_blocks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			mapping_id INTEGER NOT NULL,
			attachment_id INTEGER NOT NULL,
			busy_block_event_id TEXT NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(mapping_id, attachment_id),
			FOREIGN KEY (mapping_id) REFERENCES event_mappings(id) ON DELETE CASCADE,
			FOREIGN KEY (attachment_id) REFERENCES calendar_attachments(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_busy_blocks_attachment ON busy_blocks(attachment_id)`,

		// Push notification channels. attachment_id is 0 for the main
		// calendar channel so the unique key holds.
		`CREATE TABLE IF NOT EXISTS webhook_channels (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			kind TEXT NOT NULL CHECK(kind IN ('main', 'attachment')),
			attachment_id INTEGER NOT NULL DEFAULT 0,
			channel_id TEXT UNIQUE NOT NULL,
			resource_id TEXT NOT NULL,
			token TEXT NOT NULL,
			expiration DATETIME NOT NULL,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(user_id, kind, attachment_id),
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,

		// Per-job mutexes; a lock older than the reclaim timeout is
		// considered abandoned.
		`CREATE TABLE IF NOT EXISTS job_locks (
			name TEXT PRIMARY KEY,
			locked_at DATETIME NOT NULL,
			locked_by TEXT NOT NULL
		)`,

		// Queued outbound alerts.
		`CREATE TABLE IF NOT EXISTS alerts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER,
			recipient TEXT NOT NULL,
			subject TEXT NOT NULL,
			body TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at DATETIME,
			last_error TEXT,
			sent_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_alerts_sent_at ON alerts(sent_at)`,

		// Runtime-togglable settings (sync_paused, restore_incomplete).
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Per-run sync outcomes. attachment_id 0 means the user's main
		// calendar.
		`CREATE TABLE IF NOT EXISTS sync_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			attachment_id INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			message TEXT,
			events_processed INTEGER NOT NULL DEFAULT 0,
			events_created INTEGER NOT NULL DEFAULT 0,
			events_updated INTEGER NOT NULL DEFAULT 0,
			events_deleted INTEGER NOT NULL DEFAULT 0,
			events_failed INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_logs_user_id ON sync_logs(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_logs_created_at ON sync_logs(created_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := db.conn.Exec(migration); err != nil {
			// Ignore "duplicate column" errors for ALTER TABLE migrations
			if !isDuplicateColumnError(err) {
				return fmt.Errorf("%w: migration failed: %w", ErrDatabaseInit, err)
			}
		}
	}

	return nil
}

// isDuplicateColumnError checks if the error is due to a duplicate column in ALTER TABLE.
func isDuplicateColumnError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "duplicate column") || strings.Contains(errStr, "already exists")
}

// isUniqueViolation checks if the error is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Ping checks the database connection.
func (db *DB) Ping() error {
	return db.conn.Ping()
}
