package store

import (
	"strconv"
	"strings"
)

// Dialect covers the SQL differences between SQLite and PostgreSQL the
// store runs into. Queries are written with ? placeholders.
type Dialect interface {
	Name() string
	Rebind(query string) string
	AutoIncrement() string
	TimestampType() string
	BlobType() string
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string              { return "sqlite" }
func (sqliteDialect) Rebind(query string) string { return query }
func (sqliteDialect) AutoIncrement() string      { return "INTEGER PRIMARY KEY AUTOINCREMENT" }
func (sqliteDialect) TimestampType() string      { return "DATETIME" }
func (sqliteDialect) BlobType() string           { return "BLOB" }

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

// Rebind converts ? placeholders to $n.
func (postgresDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (postgresDialect) AutoIncrement() string { return "BIGSERIAL PRIMARY KEY" }
func (postgresDialect) TimestampType() string { return "TIMESTAMPTZ" }
func (postgresDialect) BlobType() string      { return "BYTEA" }

func dialectFor(dsn string) Dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return postgresDialect{}
	}
	return sqliteDialect{}
}
