package bizflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PostgresInstanceStore is an InstanceStore backed by PostgreSQL, suitable
// when multiple engine processes share one database. It keeps the same
// single-transaction commit discipline as the SQLite store.
//
// It expects an *sql.DB opened with a Postgres driver (for example
// "github.com/lib/pq"):
//
//	import _ "github.com/lib/pq"
type PostgresInstanceStore struct {
	db *sql.DB
}

var _ InstanceStore = (*PostgresInstanceStore)(nil)

// NewPostgresInstanceStore initializes the required schema in the given
// database and returns a new PostgresInstanceStore.
func NewPostgresInstanceStore(db *sql.DB) (*PostgresInstanceStore, error) {
	s := &PostgresInstanceStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresInstanceStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS process_instances (
			id TEXT PRIMARY KEY,
			definition_id TEXT NOT NULL,
			definition_version TEXT NOT NULL,
			business_key TEXT NOT NULL,
			status TEXT NOT NULL,
			current_step TEXT NOT NULL,
			variables JSONB,
			assigned_to JSONB,
			priority TEXT NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ,
			seq BIGINT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_process_instances_status
			ON process_instances(status);
		CREATE INDEX IF NOT EXISTS idx_process_instances_definition
			ON process_instances(definition_id);
		CREATE TABLE IF NOT EXISTS instance_events (
			instance_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			action TEXT NOT NULL,
			payload JSONB NOT NULL,
			PRIMARY KEY (instance_id, seq)
		);`,
	)
	return err
}

func (s *PostgresInstanceStore) CreateInstance(ctx context.Context, inst *ProcessInstance, entry AuditEntry) error {
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
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		inst.ID,
		inst.DefinitionID,
		inst.DefinitionVersion,
		inst.BusinessKey,
		string(inst.Status),
		inst.CurrentStep,
		variables,
		assignedTo,
		string(inst.Priority),
		inst.StartTime.UTC(),
		nullableTimestamp(inst),
		inst.Seq,
	)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO instance_events (instance_id, seq, action, payload)
		VALUES ($1, $2, $3, $4)`,
		entry.InstanceID, entry.Seq, string(entry.Action), payload,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresInstanceStore) CommitOperation(ctx context.Context, inst *ProcessInstance, expectedStatus InstanceStatus, expectedStep string, entry AuditEntry) error {
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
		SET status = $1, current_step = $2, variables = $3, assigned_to = $4,
			priority = $5, end_time = $6, seq = $7
		WHERE id = $8 AND status = $9 AND current_step = $10`,
		string(inst.Status),
		inst.CurrentStep,
		variables,
		assignedTo,
		string(inst.Priority),
		nullableTimestamp(inst),
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
			`SELECT 1 FROM process_instances WHERE id = $1`, inst.ID).Scan(&one)
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
		VALUES ($1, $2, $3, $4)`,
		entry.InstanceID, entry.Seq, string(entry.Action), payload,
	)
	if err != nil {
		return err
	}

	return tx.Commit()
}

func (s *PostgresInstanceStore) GetInstance(ctx context.Context, id string) (*ProcessInstance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, definition_id, definition_version, business_key, status, current_step,
			   variables, assigned_to, priority, start_time, end_time, seq
		FROM process_instances
		WHERE id = $1`, id)
	inst, err := scanPostgresInstance(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrInstanceNotFound
	}
	return inst, err
}

func (s *PostgresInstanceStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*ProcessInstance, error) {
	query := `
		SELECT id, definition_id, definition_version, business_key, status, current_step,
			   variables, assigned_to, priority, start_time, end_time, seq
		FROM process_instances`
	var args []any
	var clauses []string

	if filter.DefinitionID != "" {
		args = append(args, filter.DefinitionID)
		clauses = append(clauses, fmt.Sprintf("definition_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.BusinessKey != "" {
		args = append(args, filter.BusinessKey)
		clauses = append(clauses, fmt.Sprintf("business_key = $%d", len(args)))
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
		inst, err := scanPostgresInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func (s *PostgresInstanceStore) ListEvents(ctx context.Context, instanceID string) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM instance_events
		WHERE instance_id = $1
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

// scanPostgresInstance decodes one instance row. Unlike SQLite, timestamps
// come back as time.Time directly.
func scanPostgresInstance(scan func(dest ...any) error) (*ProcessInstance, error) {
	var inst ProcessInstance
	var status, priority string
	var endTime sql.NullTime
	var variables, assignedTo []byte

	err := scan(&inst.ID, &inst.DefinitionID, &inst.DefinitionVersion, &inst.BusinessKey,
		&status, &inst.CurrentStep, &variables, &assignedTo, &priority,
		&inst.StartTime, &endTime, &inst.Seq)
	if err != nil {
		return nil, err
	}

	inst.Status = InstanceStatus(status)
	inst.Priority = Priority(priority)
	if endTime.Valid {
		inst.EndTime = endTime.Time
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

func nullableTimestamp(inst *ProcessInstance) any {
	if inst.EndTime.IsZero() {
		return nil
	}
	return inst.EndTime.UTC()
}
