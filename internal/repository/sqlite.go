package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/busybox42/relayd/internal/mapping"
)

// SQLite implements the Repository interface for SQLite databases
type SQLite struct {
	sqlRepository
	dbPath string
}

// NewSQLite creates a new SQLite repository
func NewSQLite(config Config) *SQLite {
	if config.Database == "" {
		config.Database = "relayd.db"
	}

	s := &SQLite{
		dbPath: config.Database,
	}
	s.config = config
	s.typ = "sqlite"
	s.dialect = sqliteDialect{}
	s.logger = slog.Default().With(
		"component", "sqlite-repository",
		"database", s.dbPath,
	)
	return s
}

// Connect establishes a connection to the SQLite database
func (s *SQLite) Connect() error {
	if s.connected {
		return nil
	}

	dir := filepath.Dir(s.dbPath)
	if dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory for SQLite database: %w", err)
		}
	}

	var err error
	s.db, err = sql.Open("sqlite3", s.dbPath+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// SQLite supports only one writer at a time
	s.db.SetMaxOpenConns(1)
	s.db.SetMaxIdleConns(1)
	s.db.SetConnMaxLifetime(30 * time.Minute)

	if err := s.db.Ping(); err != nil {
		s.db.Close()
		return fmt.Errorf("failed to ping SQLite database: %w", err)
	}

	if err := s.initSchema(); err != nil {
		s.db.Close()
		return fmt.Errorf("failed to initialize database schema: %w", err)
	}

	s.connected = true
	s.logger.Info("SQLite repository connected")
	return nil
}

type sqliteDialect struct{}

func (sqliteDialect) rebind(query string) string { return query }

func (sqliteDialect) insertEndpoint(ctx context.Context, db *sql.DB, ep *mapping.Endpoint, now int64) (int64, error) {
	result, err := db.ExecContext(ctx, `
		INSERT INTO endpoints (title, access, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, ep.Title, string(ep.Access), ep.Active, now, now)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (sqliteDialect) insertRule(ctx context.Context, db *sql.DB, sourceID, destID int64, mode mapping.Mode, now int64) (int64, bool, error) {
	result, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO rules (source_id, dest_id, mode, enabled, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
	`, sourceID, destID, string(mode), now, now)
	if err != nil {
		return 0, false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if affected == 0 {
		return 0, false, nil
	}
	id, err := result.LastInsertId()
	return id, true, err
}

func (sqliteDialect) insertRecord(ctx context.Context, db *sql.DB, rec *DeliveryRecord, delivered string, now int64) (int64, bool, error) {
	result, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO delivery_log
			(source_endpoint_id, source_message_id, fingerprint, status, attempts, delivered, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, '', ?, ?)
	`, rec.SourceEndpointID, rec.SourceMessageID, rec.Fingerprint,
		string(rec.Status), rec.Attempts, delivered, now, now)
	if err != nil {
		return 0, false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, false, err
	}
	if affected == 0 {
		return 0, false, nil
	}
	id, err := result.LastInsertId()
	return id, true, err
}

func (sqliteDialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS endpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			title TEXT NOT NULL,
			access TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rules (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_id INTEGER NOT NULL,
			dest_id INTEGER NOT NULL,
			mode TEXT NOT NULL,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(source_id, dest_id),
			FOREIGN KEY (source_id) REFERENCES endpoints(id),
			FOREIGN KEY (dest_id) REFERENCES endpoints(id)
		)`,
		`CREATE TABLE IF NOT EXISTS delivery_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_endpoint_id INTEGER NOT NULL,
			source_message_id INTEGER NOT NULL,
			fingerprint TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			delivered TEXT NOT NULL DEFAULT '{}',
			last_error TEXT NOT NULL DEFAULT '',
			processing_started_at INTEGER NOT NULL DEFAULT 0,
			processing_completed_at INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(source_endpoint_id, source_message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_log_status ON delivery_log(status)`,
		`CREATE INDEX IF NOT EXISTS idx_rules_source ON rules(source_id)`,
	}
}
