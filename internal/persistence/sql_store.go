package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/pubflow/pkg/api"
)

// SQLInstanceStore is the InstanceStore for SQLite and PostgreSQL. The
// caller opens db with the driver matching dialect (modernc.org/sqlite or
// pgx's stdlib).
type SQLInstanceStore struct {
	db      *sql.DB
	dialect Dialect
}

var _ InstanceStore = (*SQLInstanceStore)(nil)

// NewSQLInstanceStore creates the instances table when missing.
func NewSQLInstanceStore(db *sql.DB, dialect Dialect) (*SQLInstanceStore, error) {
	s := &SQLInstanceStore{db: db, dialect: dialect}
	if err := s.initSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("init %s instance schema: %w", dialect, err)
	}
	return s, nil
}

func NewSQLiteInstanceStore(db *sql.DB) (*SQLInstanceStore, error) {
	return NewSQLInstanceStore(db, DialectSQLite)
}

func NewPostgresInstanceStore(db *sql.DB) (*SQLInstanceStore, error) {
	return NewSQLInstanceStore(db, DialectPostgres)
}

const instanceColumns = `id, workflow_name, workflow_version, status, current_step,
	input, output, pending, resume_token, outcome, error, created_at, updated_at`

func (s *SQLInstanceStore) initSchema(ctx context.Context) error {
	blob := s.dialect.BlobType()
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS instances (
			id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			workflow_version TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			current_step TEXT NOT NULL DEFAULT '',
			input `+blob+`,
			output `+blob+`,
			pending `+blob+`,
			resume_token TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_instances_resume_token ON instances(resume_token)`)
	return err
}

type instanceRow struct {
	input, output, pending []byte
}

func encodeInstanceRow(inst *api.WorkflowInstance) (instanceRow, error) {
	var (
		r   instanceRow
		err error
	)
	if r.input, err = EncodeValue(inst.Input); err != nil {
		return r, err
	}
	if r.output, err = EncodeValue(inst.Output); err != nil {
		return r, err
	}
	if r.pending, err = EncodeValue(inst.Pending); err != nil {
		return r, err
	}
	return r, nil
}

func (s *SQLInstanceStore) SaveInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	row, err := encodeInstanceRow(inst)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		inst.ID,
		inst.Name,
		inst.Version,
		string(inst.Status),
		inst.CurrentStep,
		row.input,
		row.output,
		row.pending,
		inst.ResumeToken,
		string(inst.Outcome),
		errorText(inst.Err),
		inst.CreatedAt.UnixNano(),
		inst.UpdatedAt.UnixNano(),
	)
	return err
}

func (s *SQLInstanceStore) UpdateInstance(ctx context.Context, inst *api.WorkflowInstance) error {
	row, err := encodeInstanceRow(inst)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE instances
		SET workflow_name = ?, workflow_version = ?, status = ?, current_step = ?,
		    input = ?, output = ?, pending = ?, resume_token = ?, outcome = ?,
		    error = ?, updated_at = ?
		WHERE id = ?`),
		inst.Name,
		inst.Version,
		string(inst.Status),
		inst.CurrentStep,
		row.input,
		row.output,
		row.pending,
		inst.ResumeToken,
		string(inst.Outcome),
		errorText(inst.Err),
		inst.UpdatedAt.UnixNano(),
		inst.ID,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInstanceNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(sc rowScanner) (*api.WorkflowInstance, error) {
	var (
		inst                   api.WorkflowInstance
		status, outcome, errS  string
		input, output, pending []byte
		created, updated       int64
	)
	if err := sc.Scan(
		&inst.ID, &inst.Name, &inst.Version, &status, &inst.CurrentStep,
		&input, &output, &pending, &inst.ResumeToken, &outcome, &errS,
		&created, &updated,
	); err != nil {
		return nil, err
	}

	var err error
	if inst.Input, err = DecodeValue[any](input); err != nil {
		return nil, err
	}
	if inst.Output, err = DecodeValue[any](output); err != nil {
		return nil, err
	}
	if inst.Pending, err = DecodeValue[any](pending); err != nil {
		return nil, err
	}

	inst.Status = api.Status(status)
	inst.Outcome = api.Outcome(outcome)
	inst.Err = errorFromText(errS)
	inst.CreatedAt = time.Unix(0, created).UTC()
	inst.UpdatedAt = time.Unix(0, updated).UTC()
	return &inst, nil
}

func (s *SQLInstanceStore) getOne(ctx context.Context, where string, arg any, notFound error) (*api.WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT `+instanceColumns+`
		FROM instances
		WHERE `+where), arg)

	inst, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound
		}
		return nil, err
	}
	return inst, nil
}

func (s *SQLInstanceStore) GetInstance(ctx context.Context, id string) (*api.WorkflowInstance, error) {
	return s.getOne(ctx, "id = ?", id, ErrInstanceNotFound)
}

func (s *SQLInstanceStore) FindByToken(ctx context.Context, token string) (*api.WorkflowInstance, error) {
	if token == "" {
		return nil, ErrTokenNotFound
	}
	return s.getOne(ctx, "resume_token = ?", token, ErrTokenNotFound)
}

func (s *SQLInstanceStore) ClaimWaiting(ctx context.Context, token string) (*api.WorkflowInstance, error) {
	if token == "" {
		return nil, ErrTokenNotFound
	}

	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE instances
		SET status = ?, updated_at = ?
		WHERE resume_token = ? AND status = ?`),
		string(api.StatusRunning),
		time.Now().UTC().UnixNano(),
		token,
		string(api.StatusWaiting),
	)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	inst, err := s.FindByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, ErrStaleToken
	}
	return inst, nil
}

func (s *SQLInstanceStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*api.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances`
	var args []any
	var clauses []string

	if filter.WorkflowName != "" {
		clauses = append(clauses, "workflow_name = ?")
		args = append(args, filter.WorkflowName)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var instances []*api.WorkflowInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}
