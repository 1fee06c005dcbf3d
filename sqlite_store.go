package bizflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SQLiteInstanceStore is an InstanceStore backed by SQLite. The projected
// instance row and the append-only event stream live in the same database,
// and every commit updates both inside one transaction.
//
// It expects an *sql.DB using a SQLite driver (for example
// "modernc.org/sqlite"). The caller is responsible for importing the driver:
//
//	import _ "modernc.org/sqlite"
type SQLiteInstanceStore struct {
	db *sql.DB
}

var _ InstanceStore = (*SQLiteInstanceStore)(nil)

// NewSQLiteInstanceStore initializes the required schema in the given
// database and returns a new SQLiteInstanceStore.
func NewSQLiteInstanceStore(db *sql.DB) (*SQLiteInstanceStore, error) {
	s := &SQLiteInstanceStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteInstanceStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS process_instances (
			id TEXT PRIMARY KEY,
			definition_id TEXT NOT NULL,
			definition_version TEXT NOT NULL,
			business_key TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step TEXT NOT NULL,
			variables BLOB,
			assigned_to BLOB,
			priority TEXT NOT NULL,
			start_time TEXT NOT NULL,
			end_time TEXT,
			seq INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_process_instances_status
			ON process_instances(status);
		CREATE INDEX IF NOT EXISTS idx_process_instances_definition
			ON process_instances(definition_id);
		CREATE TABLE IF NOT EXISTS instance_events (
			instance_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			action TEXT NOT NULL,
			payload BLOB NOT NULL,
			PRIMARY KEY (instance_id, seq)
		);`,
	)
	return err
}

func (s *SQLiteInstanceStore) CreateInstance(ctx context.Context, inst *ProcessInstance, entry AuditEntry) error {
	variables, assignedTo, err := encodeInstanceBlobs(inst)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO process_instances
			(id, definition_id, definition_version, business_key, status, current_step,
			 variables, assigned_to, priority, start_time, end_time, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID,
		inst.DefinitionID,
		inst.DefinitionVersion,
		inst.BusinessKey,
		string(inst.Status),
		inst.CurrentStep,
		variables,
		assignedTo,
		string(inst.Priority),
		encodeTime(inst.StartTime),
		nullableTime(inst.EndTime),
		inst.Seq,
	)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO instance_events (instance_id, seq, action, payload)
		VALUES (?, ?, ?, ?)`,
		entry.InstanceID, entry.Seq, string(entry.Action), payload,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteInstanceStore) CommitOperation(ctx context.Context, inst *ProcessInstance, expectedStatus InstanceStatus, expectedStep string, entry AuditEntry) error {
	variables, assignedTo, err := encodeInstanceBlobs(inst)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE process_instances
		SET status = ?, current_step = ?, variables = ?, assigned_to = ?,
			priority = ?, end_time = ?, seq = ?
		WHERE id = ? AND status = ? AND current_step = ?`,
		string(inst.Status),
		inst.CurrentStep,
		variables,
		assignedTo,
		string(inst.Priority),
		nullableTime(inst.EndTime),
		inst.Seq,
		inst.ID,
		string(expectedStatus),
		expectedStep,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Distinguish a stale precondition from a missing row.
		var one int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM process_instances WHERE id = ?`, inst.ID).Scan(&one)
		if err == sql.ErrNoRows {
			return ErrInstanceNotFound
		}
		if err != nil {
			return err
		}
		return ErrConcurrentModification
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO instance_events (instance_id, seq, action, payload)
		VALUES (?, ?, ?, ?)`,
		entry.InstanceID, entry.Seq, string(entry.Action), payload,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteInstanceStore) GetInstance(ctx context.Context, id string) (*ProcessInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, definition_id, definition_version, business_key, status, current_step,
			   variables, assigned_to, priority, start_time, end_time, seq
		FROM process_instances
		WHERE id = ?`, id)
	inst, err := scanInstance(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrInstanceNotFound
	}
	return inst, err
}

func (s *SQLiteInstanceStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*ProcessInstance, error) {
	query := `
		SELECT id, definition_id, definition_version, business_key, status, current_step,
			   variables, assigned_to, priority, start_time, end_time, seq
		FROM process_instances`
	var args []any
	var clauses []string

	if filter.DefinitionID != "" {
		clauses = append(clauses, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.BusinessKey != "" {
		clauses = append(clauses, "business_key = ?")
		args = append(args, filter.BusinessKey)
	}
	if len(clauses) > 0 {
		query = query + " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*ProcessInstance
	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func (s *SQLiteInstanceStore) ListEvents(ctx context.Context, instanceID string) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM instance_events
		WHERE instance_id = ?
		ORDER BY seq`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var entry AuditEntry
		if err := json.Unmarshal(payload, &entry); err != nil {
			return nil, fmt.Errorf("failed to decode audit entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// scanInstance decodes one instance row via the given Scan function, shared
// by GetInstance and ListInstances.
func scanInstance(scan func(dest ...any) error) (*ProcessInstance, error) {
	var inst ProcessInstance
	var status, priority, startTime string
	var endTime sql.NullString
	var variables, assignedTo []byte

	err := scan(&inst.ID, &inst.DefinitionID, &inst.DefinitionVersion, &inst.BusinessKey,
		&status, &inst.CurrentStep, &variables, &assignedTo, &priority,
		&startTime, &endTime, &inst.Seq)
	if err != nil {
		return nil, err
	}

	inst.Status = InstanceStatus(status)
	inst.Priority = Priority(priority)

	if inst.StartTime, err = decodeTime(startTime); err != nil {
		return nil, err
	}
	if endTime.Valid && endTime.String != "" {
		if inst.EndTime, err = decodeTime(endTime.String); err != nil {
			return nil, err
		}
	}
	if len(variables) > 0 {
		if err := json.Unmarshal(variables, &inst.Variables); err != nil {
			return nil, fmt.Errorf("failed to decode variables: %w", err)
		}
	} else {
		inst.Variables = map[string]any{}
	}
	if len(assignedTo) > 0 {
		if err := json.Unmarshal(assignedTo, &inst.AssignedTo); err != nil {
			return nil, fmt.Errorf("failed to decode assignees: %w", err)
		}
	}
	return &inst, nil
}

func encodeInstanceBlobs(inst *ProcessInstance) (variables, assignedTo []byte, err error) {
	variables, err = json.Marshal(inst.Variables)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode variables: %w", err)
	}
	if len(inst.AssignedTo) > 0 {
		assignedTo, err = json.Marshal(inst.AssignedTo)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode assignees: %w", err)
		}
	}
	return variables, assignedTo, nil
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return encodeTime(t)
}

func decodeTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
