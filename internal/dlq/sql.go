package dlq

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/petrijr/pubflow/internal/persistence"
)

// SQLStore keeps entries in a dead_letters table on SQLite or PostgreSQL.
type SQLStore struct {
	db      *sql.DB
	dialect persistence.Dialect
}

var _ Store = (*SQLStore)(nil)

func NewSQLiteStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, persistence.DialectSQLite)
}

func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	return newSQLStore(db, persistence.DialectPostgres)
}

func newSQLStore(db *sql.DB, d persistence.Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: d}
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			reason TEXT NOT NULL,
			payload ` + d.BlobType() + `,
			error TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL,
			failed_at BIGINT NOT NULL
		)`)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Push(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		INSERT INTO dead_letters (id, source, reason, payload, error, attempts, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.Source, string(e.Reason), e.Payload, e.Error, e.Attempts, e.FailedAt.UnixNano())
	return err
}

func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if opts.Source != "" {
		where = append(where, "source = ?")
		args = append(args, opts.Source)
	}
	if opts.Reason != "" {
		where = append(where, "reason = ?")
		args = append(args, string(opts.Reason))
	}
	q := `SELECT id, source, reason, payload, error, attempts, failed_at FROM dead_letters`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY failed_at, id"
	if opts.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e        Entry
			reason   string
			failedAt int64
		)
		if err := rows.Scan(&e.ID, &e.Source, &reason, &e.Payload, &e.Error, &e.Attempts, &failedAt); err != nil {
			return nil, err
		}
		e.Reason = Reason(reason)
		e.FailedAt = time.Unix(0, failedAt).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	return n, err
}
