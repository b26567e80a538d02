package repository

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/busybox42/relayd/internal/mapping"
)

// MySQL implements the Repository interface for MySQL databases
type MySQL struct {
	sqlRepository
}

// NewMySQL creates a new MySQL repository
func NewMySQL(config Config) *MySQL {
	if config.Port == 0 {
		config.Port = 3306
	}

	m := &MySQL{}
	m.config = config
	m.typ = "mysql"
	m.dialect = mysqlDialect{}
	m.logger = slog.Default().With(
		"component", "mysql-repository",
		"database", config.Database,
	)
	return m
}

// Connect establishes a connection to the MySQL database
func (m *MySQL) Connect() error {
	if m.connected {
		return nil
	}

	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		m.config.Username, m.config.Password, m.config.Host, m.config.Port,
		m.config.Database)

	var err error
	m.db, err = sql.Open("mysql", dsn)
	if err != nil {
		return fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	m.db.SetMaxOpenConns(25)
	m.db.SetMaxIdleConns(5)
	m.db.SetConnMaxLifetime(5 * time.Minute)

	if err := m.db.Ping(); err != nil {
		m.db.Close()
		return fmt.Errorf("failed to ping MySQL database: %w", err)
	}

	if err := m.initSchema(); err != nil {
		m.db.Close()
		return fmt.Errorf("failed to initialize database schema: %w", err)
	}

	m.connected = true
	m.logger.Info("MySQL repository connected",
		"host", m.config.Host,
		"port", m.config.Port,
	)
	return nil
}

type mysqlDialect struct{}

func (mysqlDialect) rebind(query string) string { return query }

func (mysqlDialect) insertEndpoint(ctx context.Context, db *sql.DB, ep *mapping.Endpoint, now int64) (int64, error) {
	result, err := db.ExecContext(ctx, `
		INSERT INTO endpoints (title, access, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, ep.Title, string(ep.Access), ep.Active, now, now)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

func (mysqlDialect) insertRule(ctx context.Context, db *sql.DB, sourceID, destID int64, mode mapping.Mode, now int64) (int64, bool, error) {
	result, err := db.ExecContext(ctx, `
		INSERT IGNORE INTO rules (source_id, dest_id, mode, enabled, created_at, updated_at)
		VALUES (?, ?, ?, TRUE, ?, ?)
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

func (mysqlDialect) insertRecord(ctx context.Context, db *sql.DB, rec *DeliveryRecord, delivered string, now int64) (int64, bool, error) {
	result, err := db.ExecContext(ctx, `
		INSERT IGNORE INTO delivery_log
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

func (mysqlDialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS endpoints (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			title VARCHAR(255) NOT NULL,
			access VARCHAR(32) NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rules (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			source_id BIGINT NOT NULL,
			dest_id BIGINT NOT NULL,
			mode VARCHAR(32) NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE KEY uniq_rule (source_id, dest_id),
			FOREIGN KEY (source_id) REFERENCES endpoints(id),
			FOREIGN KEY (dest_id) REFERENCES endpoints(id)
		)`,
		`CREATE TABLE IF NOT EXISTS delivery_log (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			source_endpoint_id BIGINT NOT NULL,
			source_message_id BIGINT NOT NULL,
			fingerprint VARCHAR(64) NOT NULL,
			status VARCHAR(16) NOT NULL,
			attempts INT NOT NULL DEFAULT 0,
			delivered TEXT NOT NULL,
			last_error TEXT NOT NULL,
			processing_started_at BIGINT NOT NULL DEFAULT 0,
			processing_completed_at BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE KEY uniq_source (source_endpoint_id, source_message_id),
			KEY idx_status (status)
		)`,
	}
}
