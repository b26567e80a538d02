package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/busybox42/relayd/internal/mapping"
)

// Common errors
var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrNotConnected  = errors.New("not connected to repository")
	ErrInvalidState  = errors.New("invalid state transition")
)

// Status is the lifecycle state of a delivery record.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether no further automatic transitions apply.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// DeliveryRecord is one row of the delivery log: a single inbound message
// and the outcome of forwarding it to its resolved destinations.
type DeliveryRecord struct {
	ID                    int64            `json:"id"`
	SourceEndpointID      int64            `json:"source_endpoint_id"`
	SourceMessageID       int64            `json:"source_message_id"`
	Fingerprint           string           `json:"fingerprint"`
	Status                Status           `json:"status"`
	Attempts              int              `json:"attempts"`
	Delivered             map[string]int64 `json:"delivered,omitempty"`
	LastError             string           `json:"last_error,omitempty"`
	ProcessingStartedAt   *time.Time       `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time       `json:"processing_completed_at,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// Repository defines the persistence contract for endpoints, forwarding
// rules, and the delivery log.
type Repository interface {
	// Connect establishes a connection to the backing store
	Connect() error

	// Close closes the connection to the backing store
	Close() error

	// IsConnected returns true if the repository is connected
	IsConnected() bool

	// Name returns the name of this repository instance
	Name() string

	// Type returns the repository type (e.g., "sqlite", "postgres")
	Type() string

	// CreateEndpoint inserts an endpoint and sets its ID
	CreateEndpoint(ctx context.Context, ep *mapping.Endpoint) error

	// GetEndpoint retrieves an endpoint by ID
	GetEndpoint(ctx context.Context, id int64) (mapping.Endpoint, error)

	// ListEndpoints retrieves all endpoints
	ListEndpoints(ctx context.Context) ([]mapping.Endpoint, error)

	// UpdateEndpoint updates an existing endpoint
	UpdateEndpoint(ctx context.Context, ep mapping.Endpoint) error

	// DeleteEndpoint deletes an endpoint and its rules
	DeleteEndpoint(ctx context.Context, id int64) error

	// CreateRule inserts a forwarding rule. At most one rule may exist per
	// (source, destination) pair; a duplicate returns ErrAlreadyExists.
	CreateRule(ctx context.Context, sourceID, destID int64, mode mapping.Mode) (int64, error)

	// GetActiveRules returns the enabled rules for a source endpoint whose
	// endpoints are both active. An empty result is not an error.
	GetActiveRules(ctx context.Context, sourceEndpointID int64) ([]mapping.Rule, error)

	// SetRuleEnabled enables or disables a rule
	SetRuleEnabled(ctx context.Context, ruleID int64, enabled bool) error

	// DeleteRule deletes a rule
	DeleteRule(ctx context.Context, ruleID int64) error

	// CreateRecord inserts a delivery record in PENDING state and sets its
	// ID. A record for the same (source endpoint, source message) already
	// existing returns ErrAlreadyExists without modifying the stored row.
	CreateRecord(ctx context.Context, rec *DeliveryRecord) error

	// GetRecord retrieves a delivery record by ID
	GetRecord(ctx context.Context, id int64) (DeliveryRecord, error)

	// GetRecordBySource retrieves a delivery record by its source identity
	GetRecordBySource(ctx context.Context, sourceEndpointID, sourceMessageID int64) (DeliveryRecord, error)

	// MarkProcessing moves a record from PENDING to PROCESSING and stamps
	// the start of the processing round. Calling it on a record already
	// PROCESSING refreshes the stamp; calling it on a terminal record
	// returns ErrInvalidState.
	MarkProcessing(ctx context.Context, id int64) error

	// MarkSuccess moves a PROCESSING record to SUCCESS with the final map
	// of delivered destination message IDs and stamps the completion time.
	MarkSuccess(ctx context.Context, id int64, delivered map[string]int64) error

	// MarkFailed moves a PROCESSING record to FAILED, keeping any partial
	// delivery map for inspection, and stamps the completion time.
	MarkFailed(ctx context.Context, id int64, delivered map[string]int64, lastError string, attempts int) error

	// ResetRecord moves a FAILED record back to PENDING for manual
	// reprocessing. Any other state returns ErrInvalidState.
	ResetRecord(ctx context.Context, id int64) error

	// CountByStatus returns the number of delivery records per status
	CountByStatus(ctx context.Context) (map[Status]int, error)
}

// Config represents the configuration for a repository
type Config struct {
	Type     string `toml:"type"`     // Repository type (sqlite, postgres, mysql)
	Name     string `toml:"name"`     // Name of this repository instance
	Host     string `toml:"host"`     // Hostname or IP address
	Port     int    `toml:"port"`     // Port number
	Database string `toml:"database"` // Database name, or file path for SQLite
	Username string `toml:"username"` // Username for authentication
	Password string `toml:"password"` // Password for authentication
	SSLMode  string `toml:"sslmode"`  // SSL mode (postgres)
}

// Factory creates repositories based on configuration.
func Factory(config Config) (Repository, error) {
	switch config.Type {
	case "sqlite", "":
		return NewSQLite(config), nil
	case "postgres":
		return NewPostgres(config), nil
	case "mysql":
		return NewMySQL(config), nil
	default:
		return nil, fmt.Errorf("unsupported repository type: %s", config.Type)
	}
}
