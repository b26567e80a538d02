package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/busybox42/relayd/internal/mapping"
)

// dialect captures the few per-engine differences: placeholder style,
// conflict-tolerant inserts, and id retrieval. Everything else in the SQL
// layer is shared.
type dialect interface {
	// rebind converts ?-style placeholders to the engine's style
	rebind(query string) string

	// insertEndpoint inserts and returns the new row id
	insertEndpoint(ctx context.Context, db *sql.DB, ep *mapping.Endpoint, now int64) (int64, error)

	// insertRule inserts unless the (source, dest) pair exists; the bool
	// reports whether a row was actually written
	insertRule(ctx context.Context, db *sql.DB, sourceID, destID int64, mode mapping.Mode, now int64) (int64, bool, error)

	// insertRecord inserts unless the (source endpoint, source message)
	// pair exists; the bool reports whether a row was actually written
	insertRecord(ctx context.Context, db *sql.DB, rec *DeliveryRecord, delivered string, now int64) (int64, bool, error)

	// schema returns the statements that create the tables
	schema() []string
}

// rebindNumbered rewrites ? placeholders as $1, $2, ... for engines that
// use numbered parameters.
func rebindNumbered(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sqlRepository implements Repository over database/sql; the concrete
// types supply the driver, DSN, and dialect.
type sqlRepository struct {
	config    Config
	db        *sql.DB
	dialect   dialect
	connected bool
	typ       string
	logger    *slog.Logger
}

func (r *sqlRepository) initSchema() error {
	for _, stmt := range r.dialect.schema() {
		if _, err := r.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Close closes the connection to the database.
func (r *sqlRepository) Close() error {
	if !r.connected {
		return nil
	}
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	r.connected = false
	r.logger.Info("repository connection closed")
	return nil
}

// IsConnected returns true if the repository is connected.
func (r *sqlRepository) IsConnected() bool {
	return r.connected
}

// Name returns the name of this repository instance.
func (r *sqlRepository) Name() string {
	return r.config.Name
}

// Type returns the repository type.
func (r *sqlRepository) Type() string {
	return r.typ
}

// CreateEndpoint inserts an endpoint and sets its ID.
func (r *sqlRepository) CreateEndpoint(ctx context.Context, ep *mapping.Endpoint) error {
	if !r.connected {
		return ErrNotConnected
	}
	if !ep.Access.Valid() {
		return fmt.Errorf("%w: access type %q", ErrInvalidInput, ep.Access)
	}

	now := time.Now().Unix()
	id, err := r.dialect.insertEndpoint(ctx, r.db, ep, now)
	if err != nil {
		return fmt.Errorf("failed to create endpoint: %w", err)
	}
	ep.ID = id
	ep.CreatedAt = time.Unix(now, 0).UTC()
	ep.UpdatedAt = ep.CreatedAt
	return nil
}

// GetEndpoint retrieves an endpoint by ID.
func (r *sqlRepository) GetEndpoint(ctx context.Context, id int64) (mapping.Endpoint, error) {
	if !r.connected {
		return mapping.Endpoint{}, ErrNotConnected
	}

	query := r.dialect.rebind(`
		SELECT id, title, access, active, created_at, updated_at
		FROM endpoints WHERE id = ?
	`)
	ep, err := scanEndpoint(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return mapping.Endpoint{}, ErrNotFound
	}
	if err != nil {
		return mapping.Endpoint{}, fmt.Errorf("failed to get endpoint: %w", err)
	}
	return ep, nil
}

// ListEndpoints retrieves all endpoints.
func (r *sqlRepository) ListEndpoints(ctx context.Context) ([]mapping.Endpoint, error) {
	if !r.connected {
		return nil, ErrNotConnected
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, title, access, active, created_at, updated_at
		FROM endpoints ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []mapping.Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan endpoint row: %w", err)
		}
		endpoints = append(endpoints, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating endpoint rows: %w", err)
	}
	return endpoints, nil
}

// UpdateEndpoint updates an existing endpoint.
func (r *sqlRepository) UpdateEndpoint(ctx context.Context, ep mapping.Endpoint) error {
	if !r.connected {
		return ErrNotConnected
	}
	if !ep.Access.Valid() {
		return fmt.Errorf("%w: access type %q", ErrInvalidInput, ep.Access)
	}

	query := r.dialect.rebind(`
		UPDATE endpoints SET title = ?, access = ?, active = ?, updated_at = ?
		WHERE id = ?
	`)
	result, err := r.db.ExecContext(ctx, query,
		ep.Title, string(ep.Access), ep.Active, time.Now().Unix(), ep.ID)
	if err != nil {
		return fmt.Errorf("failed to update endpoint: %w", err)
	}
	return requireRowsAffected(result)
}

// DeleteEndpoint deletes an endpoint and any rules referencing it.
func (r *sqlRepository) DeleteEndpoint(ctx context.Context, id int64) error {
	if !r.connected {
		return ErrNotConnected
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		r.dialect.rebind(`DELETE FROM rules WHERE source_id = ? OR dest_id = ?`), id, id)
	if err != nil {
		return fmt.Errorf("failed to delete endpoint rules: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		r.dialect.rebind(`DELETE FROM endpoints WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete endpoint: %w", err)
	}
	if err := requireRowsAffected(result); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateRule inserts a forwarding rule.
func (r *sqlRepository) CreateRule(ctx context.Context, sourceID, destID int64, mode mapping.Mode) (int64, error) {
	if !r.connected {
		return 0, ErrNotConnected
	}
	if !mode.Valid() {
		return 0, fmt.Errorf("%w: mode %q", ErrInvalidInput, mode)
	}
	if sourceID == destID {
		return 0, fmt.Errorf("%w: rule source and destination must differ", ErrInvalidInput)
	}

	id, inserted, err := r.dialect.insertRule(ctx, r.db, sourceID, destID, mode, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to create rule: %w", err)
	}
	if !inserted {
		return 0, ErrAlreadyExists
	}
	return id, nil
}

// GetActiveRules returns the enabled rules for a source endpoint.
func (r *sqlRepository) GetActiveRules(ctx context.Context, sourceEndpointID int64) ([]mapping.Rule, error) {
	if !r.connected {
		return nil, ErrNotConnected
	}

	query := r.dialect.rebind(`
		SELECT r.id, r.mode, r.enabled,
		       s.id, s.title, s.access, s.active, s.created_at, s.updated_at,
		       d.id, d.title, d.access, d.active, d.created_at, d.updated_at
		FROM rules r
		JOIN endpoints s ON s.id = r.source_id
		JOIN endpoints d ON d.id = r.dest_id
		WHERE r.source_id = ? AND r.enabled = ? AND s.active = ? AND d.active = ?
		ORDER BY r.id
	`)
	rows, err := r.db.QueryContext(ctx, query, sourceEndpointID, true, true, true)
	if err != nil {
		return nil, fmt.Errorf("failed to get active rules: %w", err)
	}
	defer rows.Close()

	var rules []mapping.Rule
	for rows.Next() {
		var rule mapping.Rule
		var mode string
		var srcAccess, dstAccess string
		var srcCreated, srcUpdated, dstCreated, dstUpdated int64
		err := rows.Scan(
			&rule.ID, &mode, &rule.Enabled,
			&rule.Source.ID, &rule.Source.Title, &srcAccess, &rule.Source.Active, &srcCreated, &srcUpdated,
			&rule.Dest.ID, &rule.Dest.Title, &dstAccess, &rule.Dest.Active, &dstCreated, &dstUpdated,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule row: %w", err)
		}
		rule.Mode = mapping.Mode(mode)
		rule.Source.Access = mapping.AccessType(srcAccess)
		rule.Source.CreatedAt = time.Unix(srcCreated, 0).UTC()
		rule.Source.UpdatedAt = time.Unix(srcUpdated, 0).UTC()
		rule.Dest.Access = mapping.AccessType(dstAccess)
		rule.Dest.CreatedAt = time.Unix(dstCreated, 0).UTC()
		rule.Dest.UpdatedAt = time.Unix(dstUpdated, 0).UTC()
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rule rows: %w", err)
	}
	return rules, nil
}

// SetRuleEnabled enables or disables a rule.
func (r *sqlRepository) SetRuleEnabled(ctx context.Context, ruleID int64, enabled bool) error {
	if !r.connected {
		return ErrNotConnected
	}

	query := r.dialect.rebind(`UPDATE rules SET enabled = ?, updated_at = ? WHERE id = ?`)
	result, err := r.db.ExecContext(ctx, query, enabled, time.Now().Unix(), ruleID)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	return requireRowsAffected(result)
}

// DeleteRule deletes a rule.
func (r *sqlRepository) DeleteRule(ctx context.Context, ruleID int64) error {
	if !r.connected {
		return ErrNotConnected
	}

	result, err := r.db.ExecContext(ctx,
		r.dialect.rebind(`DELETE FROM rules WHERE id = ?`), ruleID)
	if err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	return requireRowsAffected(result)
}

// CreateRecord inserts a delivery record in PENDING state.
func (r *sqlRepository) CreateRecord(ctx context.Context, rec *DeliveryRecord) error {
	if !r.connected {
		return ErrNotConnected
	}
	if rec.SourceEndpointID == 0 || rec.SourceMessageID == 0 {
		return fmt.Errorf("%w: record requires source endpoint and message ids", ErrInvalidInput)
	}

	delivered, err := marshalDelivered(rec.Delivered)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	rec.Status = StatusPending
	id, inserted, err := r.dialect.insertRecord(ctx, r.db, rec, delivered, now)
	if err != nil {
		return fmt.Errorf("failed to create delivery record: %w", err)
	}
	if !inserted {
		return ErrAlreadyExists
	}
	rec.ID = id
	rec.CreatedAt = time.Unix(now, 0).UTC()
	rec.UpdatedAt = rec.CreatedAt
	return nil
}

// GetRecord retrieves a delivery record by ID.
func (r *sqlRepository) GetRecord(ctx context.Context, id int64) (DeliveryRecord, error) {
	if !r.connected {
		return DeliveryRecord{}, ErrNotConnected
	}

	query := r.dialect.rebind(`
		SELECT id, source_endpoint_id, source_message_id, fingerprint, status,
		       attempts, delivered, last_error, processing_started_at,
		       processing_completed_at, created_at, updated_at
		FROM delivery_log WHERE id = ?
	`)
	return r.scanRecordRow(r.db.QueryRowContext(ctx, query, id))
}

// GetRecordBySource retrieves a delivery record by its source identity.
func (r *sqlRepository) GetRecordBySource(ctx context.Context, sourceEndpointID, sourceMessageID int64) (DeliveryRecord, error) {
	if !r.connected {
		return DeliveryRecord{}, ErrNotConnected
	}

	query := r.dialect.rebind(`
		SELECT id, source_endpoint_id, source_message_id, fingerprint, status,
		       attempts, delivered, last_error, processing_started_at,
		       processing_completed_at, created_at, updated_at
		FROM delivery_log WHERE source_endpoint_id = ? AND source_message_id = ?
	`)
	return r.scanRecordRow(r.db.QueryRowContext(ctx, query, sourceEndpointID, sourceMessageID))
}

// MarkProcessing moves a record from PENDING to PROCESSING.
func (r *sqlRepository) MarkProcessing(ctx context.Context, id int64) error {
	if !r.connected {
		return ErrNotConnected
	}

	now := time.Now().Unix()
	query := r.dialect.rebind(`
		UPDATE delivery_log SET status = ?, processing_started_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`)
	result, err := r.db.ExecContext(ctx, query,
		string(StatusProcessing), now, now, id,
		string(StatusPending), string(StatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to mark record processing: %w", err)
	}
	return r.requireTransition(ctx, result, id)
}

// MarkSuccess moves a PROCESSING record to SUCCESS.
func (r *sqlRepository) MarkSuccess(ctx context.Context, id int64, delivered map[string]int64) error {
	if !r.connected {
		return ErrNotConnected
	}

	payload, err := marshalDelivered(delivered)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	query := r.dialect.rebind(`
		UPDATE delivery_log
		SET status = ?, delivered = ?, last_error = '', processing_completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`)
	result, err := r.db.ExecContext(ctx, query,
		string(StatusSuccess), payload, now, now, id, string(StatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to mark record success: %w", err)
	}
	return r.requireTransition(ctx, result, id)
}

// MarkFailed moves a PROCESSING record to FAILED.
func (r *sqlRepository) MarkFailed(ctx context.Context, id int64, delivered map[string]int64, lastError string, attempts int) error {
	if !r.connected {
		return ErrNotConnected
	}

	payload, err := marshalDelivered(delivered)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	query := r.dialect.rebind(`
		UPDATE delivery_log
		SET status = ?, delivered = ?, last_error = ?, attempts = ?, processing_completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`)
	result, err := r.db.ExecContext(ctx, query,
		string(StatusFailed), payload, lastError, attempts, now, now,
		id, string(StatusProcessing))
	if err != nil {
		return fmt.Errorf("failed to mark record failed: %w", err)
	}
	return r.requireTransition(ctx, result, id)
}

// ResetRecord moves a FAILED record back to PENDING.
func (r *sqlRepository) ResetRecord(ctx context.Context, id int64) error {
	if !r.connected {
		return ErrNotConnected
	}

	query := r.dialect.rebind(`
		UPDATE delivery_log
		SET status = ?, last_error = '', processing_started_at = 0, processing_completed_at = 0, updated_at = ?
		WHERE id = ? AND status = ?
	`)
	result, err := r.db.ExecContext(ctx, query,
		string(StatusPending), time.Now().Unix(), id, string(StatusFailed))
	if err != nil {
		return fmt.Errorf("failed to reset record: %w", err)
	}
	return r.requireTransition(ctx, result, id)
}

// CountByStatus returns the number of delivery records per status.
func (r *sqlRepository) CountByStatus(ctx context.Context) (map[Status]int, error) {
	if !r.connected {
		return nil, ErrNotConnected
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM delivery_log GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan count row: %w", err)
		}
		counts[Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating count rows: %w", err)
	}
	return counts, nil
}

// requireTransition distinguishes a missing record from a record whose
// current status disallows the requested transition.
func (r *sqlRepository) requireTransition(ctx context.Context, result sql.Result, id int64) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var status string
	query := r.dialect.rebind(`SELECT status FROM delivery_log WHERE id = ?`)
	err = r.db.QueryRowContext(ctx, query, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check record status: %w", err)
	}
	return fmt.Errorf("%w: record %d is %s", ErrInvalidState, id, status)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEndpoint(row rowScanner) (mapping.Endpoint, error) {
	var ep mapping.Endpoint
	var access string
	var createdAt, updatedAt int64
	err := row.Scan(&ep.ID, &ep.Title, &access, &ep.Active, &createdAt, &updatedAt)
	if err != nil {
		return mapping.Endpoint{}, err
	}
	ep.Access = mapping.AccessType(access)
	ep.CreatedAt = time.Unix(createdAt, 0).UTC()
	ep.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return ep, nil
}

func (r *sqlRepository) scanRecordRow(row rowScanner) (DeliveryRecord, error) {
	var rec DeliveryRecord
	var status, delivered string
	var lastError sql.NullString
	var procStarted, procCompleted int64
	var createdAt, updatedAt int64

	err := row.Scan(
		&rec.ID, &rec.SourceEndpointID, &rec.SourceMessageID, &rec.Fingerprint,
		&status, &rec.Attempts, &delivered, &lastError, &procStarted, &procCompleted,
		&createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return DeliveryRecord{}, ErrNotFound
	}
	if err != nil {
		return DeliveryRecord{}, fmt.Errorf("failed to scan delivery record: %w", err)
	}

	rec.Status = Status(status)
	if lastError.Valid {
		rec.LastError = lastError.String
	}
	if procStarted > 0 {
		ts := time.Unix(procStarted, 0).UTC()
		rec.ProcessingStartedAt = &ts
	}
	if procCompleted > 0 {
		ts := time.Unix(procCompleted, 0).UTC()
		rec.ProcessingCompletedAt = &ts
	}
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	if delivered != "" {
		if err := json.Unmarshal([]byte(delivered), &rec.Delivered); err != nil {
			return DeliveryRecord{}, fmt.Errorf("failed to decode delivered map: %w", err)
		}
	}
	return rec, nil
}

func marshalDelivered(delivered map[string]int64) (string, error) {
	if len(delivered) == 0 {
		return "{}", nil
	}
	payload, err := json.Marshal(delivered)
	if err != nil {
		return "", fmt.Errorf("failed to encode delivered map: %w", err)
	}
	return string(payload), nil
}

func requireRowsAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
