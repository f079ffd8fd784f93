package subscription

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteStore persists subscriptions, definitions and instance references
// to SQLite. It is suitable for single-process production use.
//
// The store uses one connection so that every transaction, including those
// against ":memory:", sees the same database.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS event_subscriptions (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	scope_type TEXT NOT NULL,
	scope_definition_id TEXT NOT NULL,
	scope_id TEXT NOT NULL,
	correlation_values BLOB NOT NULL,
	configuration BLOB NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_event_subscriptions_type
	ON event_subscriptions(event_type, tenant_id);
CREATE INDEX IF NOT EXISTS idx_event_subscriptions_definition
	ON event_subscriptions(scope_definition_id);
CREATE TABLE IF NOT EXISTS instance_references (
	lineage TEXT NOT NULL,
	reference_id TEXT NOT NULL,
	reference_type TEXT NOT NULL,
	instance_id TEXT NOT NULL,
	definition_id TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	PRIMARY KEY (lineage, reference_id)
);
CREATE TABLE IF NOT EXISTS definitions (
	id TEXT PRIMARY KEY,
	lineage TEXT NOT NULL,
	version INTEGER NOT NULL,
	tenant_id TEXT NOT NULL,
	scope_type TEXT NOT NULL,
	start_triggers BLOB NOT NULL,
	deleted INTEGER NOT NULL,
	deployed_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_definitions_lineage
	ON definitions(lineage, tenant_id);
`

// NewSQLiteStore creates a new SQLite subscription store.
// The path should be a file path (e.g., "./eventflow.db") or ":memory:" for testing.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// View implements Store.
func (s *SQLiteStore) View(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}
	return s.run(ctx, false, fn)
}

// Update implements Store.
func (s *SQLiteStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	return s.run(ctx, true, fn)
}

func (s *SQLiteStore) run(ctx context.Context, writable bool, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&sqliteTx{ctx: ctx, tx: sqlTx, writable: writable}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if !writable {
		return sqlTx.Rollback()
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type sqliteTx struct {
	ctx      context.Context
	tx       *sql.Tx
	writable bool
}

func (t *sqliteTx) checkWritable() error {
	if !t.writable {
		return ErrReadOnly
	}
	return nil
}

const subscriptionColumns = `id, event_type, tenant_id, scope_type, scope_definition_id,
	scope_id, correlation_values, configuration, created_at`

func (t *sqliteTx) FindSubscriptions(eventType, tenantID string) ([]*Subscription, error) {
	return t.ListSubscriptions(Filter{EventType: eventType, TenantID: &tenantID})
}

func (t *sqliteTx) ListSubscriptions(filter Filter) ([]*Subscription, error) {
	var (
		where []string
		args  []any
	)
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.TenantID != nil {
		where = append(where, "tenant_id = ?")
		args = append(args, *filter.TenantID)
	}
	if filter.ScopeType != "" {
		where = append(where, "scope_type = ?")
		args = append(args, filter.ScopeType)
	}
	if filter.ScopeDefinitionID != "" {
		where = append(where, "scope_definition_id = ?")
		args = append(args, filter.ScopeDefinitionID)
	}
	if filter.ScopeID != "" {
		where = append(where, "scope_id = ?")
		args = append(args, filter.ScopeID)
	}
	if filter.StartOnly {
		where = append(where, "scope_id = ''")
	}
	if filter.InstanceOnly {
		where = append(where, "scope_id <> ''")
	}

	query := "SELECT " + subscriptionColumns + " FROM event_subscriptions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"

	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var result []*Subscription
	for rows.Next() {
		var (
			sub                 Subscription
			correlation, config []byte
			createdAt           string
		)
		if err := rows.Scan(&sub.ID, &sub.EventType, &sub.TenantID, &sub.ScopeType,
			&sub.ScopeDefinitionID, &sub.ScopeID, &correlation, &config, &createdAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		if err := json.Unmarshal(correlation, &sub.CorrelationValues); err != nil {
			return nil, fmt.Errorf("decode correlation values of %s: %w", sub.ID, err)
		}
		if err := json.Unmarshal(config, &sub.Configuration); err != nil {
			return nil, fmt.Errorf("decode configuration of %s: %w", sub.ID, err)
		}
		sub.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		result = append(result, &sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return result, nil
}

func (t *sqliteTx) InsertSubscription(s *Subscription) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if s.EventType == "" {
		return fmt.Errorf("insert subscription: event type is required")
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	correlation, err := json.Marshal(s.CorrelationValues)
	if err != nil {
		return fmt.Errorf("encode correlation values: %w", err)
	}
	config, err := json.Marshal(s.Configuration)
	if err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}

	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO event_subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.EventType, s.TenantID, s.ScopeType, s.ScopeDefinitionID, s.ScopeID,
		correlation, config, s.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func (t *sqliteTx) exec(op, query string, args ...any) (int, error) {
	if err := t.checkWritable(); err != nil {
		return 0, err
	}
	res, err := t.tx.ExecContext(t.ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return int(n), nil
}

func (t *sqliteTx) DeleteSubscriptionsByScopeDefinition(definitionID string) (int, error) {
	return t.exec("delete subscriptions by definition",
		"DELETE FROM event_subscriptions WHERE scope_definition_id = ?", definitionID)
}

func (t *sqliteTx) DeleteStartSubscriptions(definitionID string) (int, error) {
	return t.exec("delete start subscriptions",
		"DELETE FROM event_subscriptions WHERE scope_definition_id = ? AND scope_id = ''", definitionID)
}

func (t *sqliteTx) DeleteSubscriptionsByScope(scopeID string) (int, error) {
	if scopeID == "" {
		return 0, t.checkWritable()
	}
	return t.exec("delete subscriptions by scope",
		"DELETE FROM event_subscriptions WHERE scope_id = ?", scopeID)
}

func (t *sqliteTx) DeleteSubscription(id string) error {
	_, err := t.exec("delete subscription", "DELETE FROM event_subscriptions WHERE id = ?", id)
	return err
}

func (t *sqliteTx) FindInstanceReference(lineage, referenceID string) (*InstanceReference, error) {
	ref := InstanceReference{Lineage: lineage, ReferenceID: referenceID}
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT reference_type, instance_id, definition_id, tenant_id
		FROM instance_references
		WHERE lineage = ? AND reference_id = ?
	`, lineage, referenceID).Scan(&ref.ReferenceType, &ref.InstanceID, &ref.DefinitionID, &ref.TenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find instance reference: %w", err)
	}
	return &ref, nil
}

func (t *sqliteTx) InsertInstanceReference(ref *InstanceReference) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	// The primary key enforces uniqueness; check first for a typed error.
	if _, err := t.FindInstanceReference(ref.Lineage, ref.ReferenceID); err == nil {
		return fmt.Errorf("%w: lineage %s reference %s", ErrDuplicateReference, ref.Lineage, ref.ReferenceID)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO instance_references (lineage, reference_id, reference_type, instance_id, definition_id, tenant_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ref.Lineage, ref.ReferenceID, ref.ReferenceType, ref.InstanceID, ref.DefinitionID, ref.TenantID)
	if err != nil {
		return fmt.Errorf("insert instance reference: %w", err)
	}
	return nil
}

func (t *sqliteTx) BindInstanceReference(lineage, referenceID, instanceID string) error {
	n, err := t.exec("bind instance reference",
		"UPDATE instance_references SET instance_id = ? WHERE lineage = ? AND reference_id = ?",
		instanceID, lineage, referenceID)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqliteTx) ReleaseInstanceReference(lineage, referenceID string) error {
	_, err := t.exec("release instance reference",
		"DELETE FROM instance_references WHERE lineage = ? AND reference_id = ?", lineage, referenceID)
	return err
}

func (t *sqliteTx) DeleteInstanceReference(instanceID string) error {
	if instanceID == "" {
		return t.checkWritable()
	}
	_, err := t.exec("delete instance reference",
		"DELETE FROM instance_references WHERE instance_id = ?", instanceID)
	return err
}

func (t *sqliteTx) DeleteInstanceReferencesByDefinition(definitionID string) (int, error) {
	return t.exec("delete instance references by definition",
		"DELETE FROM instance_references WHERE definition_id = ?", definitionID)
}

func (t *sqliteTx) SaveDefinition(d *Definition) error {
	if err := t.checkWritable(); err != nil {
		return err
	}
	if d.ID == "" {
		return fmt.Errorf("save definition: id is required")
	}
	triggers, err := json.Marshal(d.StartTriggers)
	if err != nil {
		return fmt.Errorf("encode start triggers: %w", err)
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO definitions (id, lineage, version, tenant_id, scope_type, start_triggers, deleted, deployed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			lineage = excluded.lineage,
			version = excluded.version,
			tenant_id = excluded.tenant_id,
			scope_type = excluded.scope_type,
			start_triggers = excluded.start_triggers,
			deleted = excluded.deleted,
			deployed_at = excluded.deployed_at
	`, d.ID, d.Lineage, d.Version, d.TenantID, d.ScopeType, triggers, d.Deleted,
		d.DeployedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save definition: %w", err)
	}
	return nil
}

const definitionColumns = "id, lineage, version, tenant_id, scope_type, start_triggers, deleted, deployed_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner) (*Definition, error) {
	var (
		d          Definition
		triggers   []byte
		deployedAt string
	)
	if err := row.Scan(&d.ID, &d.Lineage, &d.Version, &d.TenantID, &d.ScopeType,
		&triggers, &d.Deleted, &deployedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(triggers, &d.StartTriggers); err != nil {
		return nil, fmt.Errorf("decode start triggers of %s: %w", d.ID, err)
	}
	d.DeployedAt, _ = time.Parse(time.RFC3339Nano, deployedAt)
	return &d, nil
}

func (t *sqliteTx) GetDefinition(id string) (*Definition, error) {
	d, err := scanDefinition(t.tx.QueryRowContext(t.ctx,
		"SELECT "+definitionColumns+" FROM definitions WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get definition: %w", err)
	}
	return d, nil
}

func (t *sqliteTx) ListDefinitions(lineage, tenantID string) ([]*Definition, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		"SELECT "+definitionColumns+" FROM definitions WHERE lineage = ? AND tenant_id = ? ORDER BY version",
		lineage, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	var result []*Definition
	for rows.Next() {
		d, err := scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate definitions: %w", err)
	}
	return result, nil
}
