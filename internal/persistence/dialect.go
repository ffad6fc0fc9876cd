package persistence

import (
	"strconv"
	"strings"
)

// Dialect captures the few differences between the SQL engines the stores
// run on. Queries are written with '?' placeholders and rebound per dialect.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// Rebind rewrites '?' placeholders into the dialect's native form.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// BlobType is the column type used for opaque encoded values.
func (d Dialect) BlobType() string {
	if d == DialectPostgres {
		return "BYTEA"
	}
	return "BLOB"
}

// AutoIncrementPK is the column definition of a monotonically increasing
// integer primary key.
func (d Dialect) AutoIncrementPK() string {
	if d == DialectPostgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// AppendLock returns the statement that, run inside a transaction before
// inserting into table, makes concurrent appends commit in the order of
// their AutoIncrementPK values. Readers following the key then never see
// a gap fill in behind them. SQLite already serializes writers and gets
// an empty statement.
func (d Dialect) AppendLock(table string) string {
	if d == DialectPostgres {
		return "LOCK TABLE " + table + " IN EXCLUSIVE MODE"
	}
	return ""
}
