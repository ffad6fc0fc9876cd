package statusstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/petrijr/pubflow/internal/persistence"
	"github.com/petrijr/pubflow/pkg/changefeed"
	"github.com/petrijr/pubflow/pkg/status"
)

// maxCASRetries bounds how often a write re-reads the record after losing
// a version race. The re-read normally turns into a rejection.
const maxCASRetries = 5

var errWriteConflict = errors.New("statusstore: concurrent write conflict")

// SQLStore is a status.Store on SQLite or PostgreSQL. Records carry a
// version column and every write is an UPDATE conditioned on the version
// read in the same transaction, followed by an insert into status_changes.
type SQLStore struct {
	db      *sql.DB
	dialect persistence.Dialect
	opts    Options
}

var (
	_ status.Store    = (*SQLStore)(nil)
	_ changefeed.Feed = (*SQLStore)(nil)
)

// NewSQLiteStore creates the schema on db and returns a store using the
// SQLite dialect.
func NewSQLiteStore(db *sql.DB, opts ...Option) (*SQLStore, error) {
	return newSQLStore(db, persistence.DialectSQLite, opts)
}

// NewPostgresStore creates the schema on db and returns a store using the
// PostgreSQL dialect.
func NewPostgresStore(db *sql.DB, opts ...Option) (*SQLStore, error) {
	return newSQLStore(db, persistence.DialectPostgres, opts)
}

func newSQLStore(db *sql.DB, d persistence.Dialect, opts []Option) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d, opts: buildOptions(opts)}
	if err := s.initSchema(context.Background()); err != nil {
		return nil, fmt.Errorf("statusstore: init schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS status_records (
			entity_id TEXT PRIMARY KEY,
			correlation_id TEXT NOT NULL,
			lifecycle_state TEXT NOT NULL,
			attributes TEXT NOT NULL DEFAULT '{}',
			resume_token TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL,
			modified_at BIGINT NOT NULL,
			version BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS status_changes (
			seq ` + s.dialect.AutoIncrementPK() + `,
			kind TEXT NOT NULL,
			entity_id TEXT NOT NULL,
			shard INTEGER NOT NULL,
			old_image TEXT,
			new_image TEXT,
			committed_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS feed_cursors (
			consumer TEXT PRIMARY KEY,
			position BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS feed_redeliveries (
			consumer TEXT NOT NULL,
			seq BIGINT NOT NULL,
			attempts INTEGER NOT NULL,
			not_before BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (consumer, seq)
		)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

type sqlRecord struct {
	rec     *status.Record
	version int64
}

func (s *SQLStore) load(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, entityID string) (*sqlRecord, error) {
	var (
		r                 status.Record
		state, attrs      string
		created, modified int64
		version           int64
	)
	err := q.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT entity_id, correlation_id, lifecycle_state, attributes, resume_token,
		       created_at, modified_at, version
		FROM status_records WHERE entity_id = ?`), entityID).
		Scan(&r.EntityID, &r.CorrelationID, &state, &attrs, &r.ResumeToken, &created, &modified, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.State = status.LifecycleState(state)
	if attrs != "" && attrs != "{}" {
		if err := json.Unmarshal([]byte(attrs), &r.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes of %s: %w", entityID, err)
		}
	}
	r.CreatedAt = time.Unix(0, created).UTC()
	r.ModifiedAt = time.Unix(0, modified).UTC()
	return &sqlRecord{rec: &r, version: version}, nil
}

func (s *SQLStore) GetRecord(ctx context.Context, entityID string) (*status.Record, bool, error) {
	row, err := s.load(ctx, s.db, entityID)
	if err != nil {
		return nil, false, status.Transient("get record", err)
	}
	if row == nil {
		return nil, false, nil
	}
	return row.rec, true, nil
}

func (s *SQLStore) mutate(ctx context.Context, op, entityID string, rule func(prev *status.Record) (mutation, error)) (*status.Record, error) {
	for i := 0; i < maxCASRetries; i++ {
		rec, err := s.tryMutate(ctx, entityID, rule)
		if errors.Is(err, errWriteConflict) {
			continue
		}
		if err != nil {
			return nil, status.Transient(op, err)
		}
		return rec, nil
	}
	return nil, status.Transient(op, errWriteConflict)
}

func (s *SQLStore) tryMutate(ctx context.Context, entityID string, rule func(prev *status.Record) (mutation, error)) (*status.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := s.load(ctx, tx, entityID)
	if err != nil {
		return nil, err
	}
	var prev *status.Record
	if cur != nil {
		prev = cur.rec
	}

	m, err := rule(prev.Clone())
	if err != nil {
		return nil, err
	}
	if m.next == nil {
		return prev, tx.Commit()
	}

	attrs, err := json.Marshal(m.next.Attributes)
	if err != nil {
		return nil, err
	}
	if m.next.Attributes == nil {
		attrs = []byte("{}")
	}

	var res sql.Result
	if cur == nil {
		res, err = tx.ExecContext(ctx, s.dialect.Rebind(`
			INSERT INTO status_records (entity_id, correlation_id, lifecycle_state, attributes,
				resume_token, created_at, modified_at, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1)
			ON CONFLICT (entity_id) DO NOTHING`),
			m.next.EntityID, m.next.CorrelationID, string(m.next.State), string(attrs),
			m.next.ResumeToken, m.next.CreatedAt.UnixNano(), m.next.ModifiedAt.UnixNano())
	} else {
		res, err = tx.ExecContext(ctx, s.dialect.Rebind(`
			UPDATE status_records
			SET correlation_id = ?, lifecycle_state = ?, attributes = ?, resume_token = ?,
			    created_at = ?, modified_at = ?, version = version + 1
			WHERE entity_id = ? AND version = ?`),
			m.next.CorrelationID, string(m.next.State), string(attrs), m.next.ResumeToken,
			m.next.CreatedAt.UnixNano(), m.next.ModifiedAt.UnixNano(), entityID, cur.version)
	}
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, errWriteConflict
	}

	if err := s.appendChange(ctx, tx, m.change(s.opts.Now())); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return m.next, nil
}

func (s *SQLStore) appendChange(ctx context.Context, tx *sql.Tx, c changefeed.ChangeRecord) error {
	oldImg, err := marshalImage(c.OldImage)
	if err != nil {
		return err
	}
	newImg, err := marshalImage(c.NewImage)
	if err != nil {
		return err
	}
	if lock := s.dialect.AppendLock("status_changes"); lock != "" {
		if _, err := tx.ExecContext(ctx, lock); err != nil {
			return fmt.Errorf("lock change log: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO status_changes (kind, entity_id, shard, old_image, new_image, committed_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		string(c.Kind), c.EntityID, changefeed.ShardOf(c.EntityID, s.opts.Shards),
		oldImg, newImg, c.CommittedAt.UnixNano())
	return err
}

func marshalImage(img changefeed.Image) (sql.NullString, error) {
	if img == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(img)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func (s *SQLStore) CreateRecord(ctx context.Context, entityID string, attrs map[string]string) (*status.Record, error) {
	return s.mutate(ctx, "create record", entityID, func(prev *status.Record) (mutation, error) {
		return applyCreate(prev, entityID, attrs, s.opts)
	})
}

func (s *SQLStore) ApproveRecord(ctx context.Context, entityID string) (*status.Record, error) {
	return s.mutate(ctx, "approve record", entityID, func(prev *status.Record) (mutation, error) {
		return applyApprove(prev, entityID, s.opts)
	})
}

func (s *SQLStore) AttachResumeToken(ctx context.Context, entityID, token string) error {
	_, err := s.mutate(ctx, "attach resume token", entityID, func(prev *status.Record) (mutation, error) {
		return applyAttach(prev, entityID, token)
	})
	return err
}

func (s *SQLStore) DetachResumeToken(ctx context.Context, entityID, token string) error {
	_, err := s.mutate(ctx, "detach resume token", entityID, func(prev *status.Record) (mutation, error) {
		return applyDetach(prev, entityID, token)
	})
	return err
}

func (s *SQLStore) TransitionRecord(ctx context.Context, entityID string, from, to status.LifecycleState) (*status.Record, error) {
	return s.mutate(ctx, "transition record", entityID, func(prev *status.Record) (mutation, error) {
		return applyTransition(prev, entityID, from, to, s.opts)
	})
}

// Feed side.

// unixNanos maps the zero time to 0 so it is always due.
func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func parseSeq(seq string) (int64, error) {
	n, err := strconv.ParseInt(seq, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("statusstore: bad sequence %q: %w", seq, err)
	}
	return n, nil
}

const changeColumns = `c.seq, c.kind, c.entity_id, c.shard, c.old_image, c.new_image, c.committed_at`

func scanChanges(rows *sql.Rows) ([]changefeed.ChangeRecord, error) {
	defer rows.Close()
	var out []changefeed.ChangeRecord
	for rows.Next() {
		var (
			c              changefeed.ChangeRecord
			seq, committed int64
			kind           string
			oldImg, newImg sql.NullString
		)
		if err := rows.Scan(&seq, &kind, &c.EntityID, &c.Shard, &oldImg, &newImg, &committed); err != nil {
			return nil, err
		}
		c.Sequence = changefeed.FormatSequence(seq)
		c.Kind = changefeed.Kind(kind)
		c.CommittedAt = time.Unix(0, committed).UTC()
		if oldImg.Valid {
			if err := json.Unmarshal([]byte(oldImg.String), &c.OldImage); err != nil {
				return nil, err
			}
		}
		if newImg.Valid {
			if err := json.Unmarshal([]byte(newImg.String), &c.NewImage); err != nil {
				return nil, err
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) Fetch(ctx context.Context, consumer string, max int) ([]changefeed.ChangeRecord, error) {
	if max <= 0 {
		max = 100
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT `+changeColumns+`
		FROM feed_redeliveries r JOIN status_changes c ON c.seq = r.seq
		WHERE r.consumer = ? AND r.not_before <= ?
		ORDER BY c.seq
		LIMIT ?`), consumer, s.opts.Now().UnixNano(), max)
	if err != nil {
		return nil, status.Transient("fetch redeliveries", err)
	}
	out, err := scanChanges(rows)
	if err != nil {
		return nil, status.Transient("fetch redeliveries", err)
	}
	if len(out) >= max {
		return out, nil
	}

	rows, err = s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT `+changeColumns+`
		FROM status_changes c
		WHERE c.seq > COALESCE((SELECT position FROM feed_cursors WHERE consumer = ?), 0)
		ORDER BY c.seq
		LIMIT ?`), consumer, max-len(out))
	if err != nil {
		return nil, status.Transient("fetch changes", err)
	}
	fresh, err := scanChanges(rows)
	if err != nil {
		return nil, status.Transient("fetch changes", err)
	}
	return append(out, fresh...), nil
}

func (s *SQLStore) Commit(ctx context.Context, consumer string, batch []changefeed.ChangeRecord, failed []changefeed.Retry) error {
	if len(batch) == 0 {
		return nil
	}
	retries := make(map[string]time.Time, len(failed))
	for _, r := range failed {
		retries[r.Sequence] = r.NotBefore
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return status.Transient("commit", err)
	}
	defer func() { _ = tx.Rollback() }()

	var top int64
	for _, rec := range batch {
		seq, err := parseSeq(rec.Sequence)
		if err != nil {
			return err
		}
		if seq > top {
			top = seq
		}
		if notBefore, bad := retries[rec.Sequence]; bad {
			_, err = tx.ExecContext(ctx, s.dialect.Rebind(`
				INSERT INTO feed_redeliveries (consumer, seq, attempts, not_before) VALUES (?, ?, 1, ?)
				ON CONFLICT (consumer, seq) DO UPDATE SET
					attempts = feed_redeliveries.attempts + 1,
					not_before = excluded.not_before`),
				consumer, seq, unixNanos(notBefore))
		} else {
			_, err = tx.ExecContext(ctx, s.dialect.Rebind(`
				DELETE FROM feed_redeliveries WHERE consumer = ? AND seq = ?`), consumer, seq)
		}
		if err != nil {
			return status.Transient("commit", err)
		}
	}

	_, err = tx.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO feed_cursors (consumer, position) VALUES (?, ?)
		ON CONFLICT (consumer) DO UPDATE SET position = CASE
			WHEN excluded.position > feed_cursors.position THEN excluded.position
			ELSE feed_cursors.position END`), consumer, top)
	if err != nil {
		return status.Transient("commit", err)
	}
	return status.Transient("commit", tx.Commit())
}

func (s *SQLStore) Attempts(ctx context.Context, consumer, seq string) (int, error) {
	n, err := parseSeq(seq)
	if err != nil {
		return 0, err
	}
	var attempts int
	err = s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT attempts FROM feed_redeliveries WHERE consumer = ? AND seq = ?`), consumer, n).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, status.Transient("attempts", err)
	}
	return attempts, nil
}
