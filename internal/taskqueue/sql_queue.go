package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/petrijr/pubflow/internal/persistence"
)

// SQLQueue is a persistent queue on SQLite or PostgreSQL. Each row holds a
// gob-encoded Task plus its lease. Dequeue stamps the lease on the row and
// Ack deletes it, so a worker that dies mid-task leaves the row to be
// picked up again once lease_until passes.
type SQLQueue struct {
	db           *sql.DB
	dialect      persistence.Dialect
	pollInterval time.Duration
}

// Ensure SQLQueue implements Queue.
var _ Queue = (*SQLQueue)(nil)

// NewSQLiteQueue initializes the tasks table in the given DB and returns a new queue.
func NewSQLiteQueue(db *sql.DB) (*SQLQueue, error) {
	return newSQLQueue(db, persistence.DialectSQLite)
}

// NewPostgresQueue is NewSQLiteQueue for PostgreSQL. Concurrent workers
// claim rows with FOR UPDATE SKIP LOCKED.
func NewPostgresQueue(db *sql.DB) (*SQLQueue, error) {
	return newSQLQueue(db, persistence.DialectPostgres)
}

func newSQLQueue(db *sql.DB, d persistence.Dialect) (*SQLQueue, error) {
	q := &SQLQueue{db: db, dialect: d, pollInterval: 20 * time.Millisecond}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			seq ` + d.AutoIncrementPK() + `,
			id TEXT NOT NULL,
			type TEXT NOT NULL,
			not_before BIGINT NOT NULL,
			leased_by TEXT NOT NULL DEFAULT '',
			lease_until BIGINT NOT NULL DEFAULT 0,
			data ` + d.BlobType() + ` NOT NULL
		)`)
	if err != nil {
		return nil, err
	}
	return q, nil
}

func (q *SQLQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, time.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, q.dialect.Rebind(`
		INSERT INTO tasks (id, type, not_before, data) VALUES (?, ?, ?, ?)`),
		t.ID, string(t.Type), t.NotBefore.UnixNano(), data)
	return err
}

func (q *SQLQueue) claim(ctx context.Context, owner string, ttl time.Duration) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT seq, data FROM tasks WHERE not_before <= ? AND lease_until <= ? ORDER BY not_before, seq LIMIT 1`
	if q.dialect == persistence.DialectPostgres {
		query += ` FOR UPDATE SKIP LOCKED`
	}

	now := time.Now()
	var (
		seq  int64
		data []byte
	)
	err = tx.QueryRowContext(ctx, q.dialect.Rebind(query), now.UnixNano(), now.UnixNano()).Scan(&seq, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, q.dialect.Rebind(`
		UPDATE tasks SET leased_by = ?, lease_until = ? WHERE seq = ? AND lease_until <= ?`),
		owner, now.Add(ttl).UnixNano(), seq, now.UnixNano())
	if err != nil {
		return nil, err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		// Another owner got there first.
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return DecodeTask(data)
}

func (q *SQLQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	if owner == "" || leaseTTL <= 0 {
		return nil, errors.New("taskqueue: dequeue needs an owner and a positive lease")
	}
	for {
		t, err := q.claim(ctx, owner, leaseTTL)
		if err != nil || t != nil {
			return t, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *SQLQueue) Ack(ctx context.Context, taskID, owner string) error {
	res, err := q.db.ExecContext(ctx, q.dialect.Rebind(`
		DELETE FROM tasks WHERE id = ? AND leased_by = ?`), taskID, owner)
	if err != nil {
		return err
	}
	return leaseResult(res)
}

func (q *SQLQueue) Nack(ctx context.Context, t Task, owner string) error {
	t = prepare(t, time.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}
	res, err := q.db.ExecContext(ctx, q.dialect.Rebind(`
		UPDATE tasks SET data = ?, not_before = ?, leased_by = '', lease_until = 0
		WHERE id = ? AND leased_by = ?`),
		data, t.NotBefore.UnixNano(), t.ID, owner)
	if err != nil {
		return err
	}
	return leaseResult(res)
}

func leaseResult(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (q *SQLQueue) Len() int {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM tasks`).Scan(&n); err != nil {
		return 0
	}
	return n
}
