package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/busybox42/relayd/internal/mapping"
)

// Postgres implements the Repository interface for PostgreSQL databases
type Postgres struct {
	sqlRepository
}

// NewPostgres creates a new PostgreSQL repository
func NewPostgres(config Config) *Postgres {
	if config.Port == 0 {
		config.Port = 5432
	}
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}

	p := &Postgres{}
	p.config = config
	p.typ = "postgres"
	p.dialect = postgresDialect{}
	p.logger = slog.Default().With(
		"component", "postgres-repository",
		"database", config.Database,
	)
	return p
}

// Connect establishes a connection to the PostgreSQL database
func (p *Postgres) Connect() error {
	if p.connected {
		return nil
	}

	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.config.Host, p.config.Port, p.config.Username, p.config.Password,
		p.config.Database, p.config.SSLMode)

	var err error
	p.db, err = sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("failed to open PostgreSQL connection: %w", err)
	}

	p.db.SetMaxOpenConns(25)
	p.db.SetMaxIdleConns(5)
	p.db.SetConnMaxLifetime(5 * time.Minute)

	if err := p.db.Ping(); err != nil {
		p.db.Close()
		return fmt.Errorf("failed to ping PostgreSQL database: %w", err)
	}

	if err := p.initSchema(); err != nil {
		p.db.Close()
		return fmt.Errorf("failed to initialize database schema: %w", err)
	}

	p.connected = true
	p.logger.Info("PostgreSQL repository connected",
		"host", p.config.Host,
		"port", p.config.Port,
	)
	return nil
}

type postgresDialect struct{}

func (postgresDialect) rebind(query string) string { return rebindNumbered(query) }

func (postgresDialect) insertEndpoint(ctx context.Context, db *sql.DB, ep *mapping.Endpoint, now int64) (int64, error) {
	var id int64
	err := db.QueryRowContext(ctx, `
		INSERT INTO endpoints (title, access, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, ep.Title, string(ep.Access), ep.Active, now, now).Scan(&id)
	return id, err
}

func (postgresDialect) insertRule(ctx context.Context, db *sql.DB, sourceID, destID int64, mode mapping.Mode, now int64) (int64, bool, error) {
	var id int64
	err := db.QueryRowContext(ctx, `
		INSERT INTO rules (source_id, dest_id, mode, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, TRUE, $4, $5)
		ON CONFLICT (source_id, dest_id) DO NOTHING
		RETURNING id
	`, sourceID, destID, string(mode), now, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (postgresDialect) insertRecord(ctx context.Context, db *sql.DB, rec *DeliveryRecord, delivered string, now int64) (int64, bool, error) {
	var id int64
	err := db.QueryRowContext(ctx, `
		INSERT INTO delivery_log
			(source_endpoint_id, source_message_id, fingerprint, status, attempts, delivered, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, '', $7, $8)
		ON CONFLICT (source_endpoint_id, source_message_id) DO NOTHING
		RETURNING id
	`, rec.SourceEndpointID, rec.SourceMessageID, rec.Fingerprint,
		string(rec.Status), rec.Attempts, delivered, now, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (postgresDialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS endpoints (
			id BIGSERIAL PRIMARY KEY,
			title TEXT NOT NULL,
			access TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rules (
			id BIGSERIAL PRIMARY KEY,
			source_id BIGINT NOT NULL REFERENCES endpoints(id),
			dest_id BIGINT NOT NULL REFERENCES endpoints(id),
			mode TEXT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE(source_id, dest_id)
		)`,
		`CREATE TABLE IF NOT EXISTS delivery_log (
			id BIGSERIAL PRIMARY KEY,
			source_endpoint_id BIGINT NOT NULL,
			source_message_id BIGINT NOT NULL,
			fingerprint TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			delivered TEXT NOT NULL DEFAULT '{}',
			last_error TEXT NOT NULL DEFAULT '',
			processing_started_at BIGINT NOT NULL DEFAULT 0,
			processing_completed_at BIGINT NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			UNIQUE(source_endpoint_id, source_message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_delivery_log_status ON delivery_log(status)`,
		`CREATE INDEX IF NOT EXISTS idx_rules_source ON rules(source_id)`,
	}
}
