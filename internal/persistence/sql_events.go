package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/petrijr/pubflow/pkg/api"
)

// SQLEventStore stores workflow events in SQLite or PostgreSQL.
type SQLEventStore struct {
	db      *sql.DB
	dialect Dialect
}

var _ EventStore = (*SQLEventStore)(nil)

// NewSQLiteEventStore creates the history table in a SQLite database.
func NewSQLiteEventStore(db *sql.DB) (*SQLEventStore, error) {
	return newSQLEventStore(db, DialectSQLite)
}

// NewPostgresEventStore creates the history table in a PostgreSQL database.
func NewPostgresEventStore(db *sql.DB) (*SQLEventStore, error) {
	return newSQLEventStore(db, DialectPostgres)
}

func newSQLEventStore(db *sql.DB, d Dialect) (*SQLEventStore, error) {
	s := &SQLEventStore{db: db, dialect: d}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLEventStore) initSchema() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflow_events (
			id ` + s.dialect.AutoIncrementPK() + `,
			instance_id TEXT NOT NULL,
			at BIGINT NOT NULL,
			type TEXT NOT NULL,
			workflow_name TEXT NOT NULL DEFAULT '',
			workflow_version TEXT NOT NULL DEFAULT '',
			step TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT ''
		)`); err != nil {
		return err
	}
	_, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_workflow_events_instance_id ON workflow_events(instance_id, id)`)
	return err
}

func (s *SQLEventStore) AppendEvent(ctx context.Context, ev api.WorkflowEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO workflow_events (instance_id, at, type, workflow_name, workflow_version, step, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		ev.InstanceID,
		at.UnixNano(),
		string(ev.Type),
		ev.WorkflowName,
		ev.WorkflowVersion,
		ev.Step,
		ev.Detail,
	)
	return err
}

func (s *SQLEventStore) ListEvents(ctx context.Context, instanceID string) ([]api.WorkflowEvent, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT instance_id, at, type, workflow_name, workflow_version, step, detail
		FROM workflow_events
		WHERE instance_id = ?
		ORDER BY id ASC`), instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.WorkflowEvent
	for rows.Next() {
		var (
			ev  api.WorkflowEvent
			atN int64
			typ string
		)
		if err := rows.Scan(&ev.InstanceID, &atN, &typ, &ev.WorkflowName, &ev.WorkflowVersion, &ev.Step, &ev.Detail); err != nil {
			return nil, err
		}
		ev.At = time.Unix(0, atN).UTC()
		ev.Type = api.EventType(typ)
		out = append(out, ev)
	}
	return out, rows.Err()
}
