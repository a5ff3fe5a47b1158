package database

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"
)

type dialect struct {
	idColumn   string
	timeColumn string
	numbered   bool // $1 placeholders instead of ?
}

var (
	sqliteDialect = dialect{
		idColumn:   "INTEGER PRIMARY KEY AUTOINCREMENT",
		timeColumn: "DATETIME",
	}
	postgresDialect = dialect{
		idColumn:   "BIGSERIAL PRIMARY KEY",
		timeColumn: "TIMESTAMPTZ",
		numbered:   true,
	}
)

// base holds the SQL shared by both backends. Queries are written with ?
// placeholders and rebound for PostgreSQL.
type base struct {
	conn    *sql.DB
	dialect dialect
}

// Close closes the database connection.
func (b *base) Close() error {
	return b.conn.Close()
}

func (b *base) rebind(query string) string {
	if !b.dialect.numbered {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (b *base) exec(ctx context.Context, q queryer, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, b.rebind(query), args...)
}

func (b *base) queryRow(ctx context.Context, q queryer, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, b.rebind(query), args...)
}

func (b *base) query(ctx context.Context, q queryer, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, b.rebind(query), args...)
}

// insertID runs an INSERT ... RETURNING id. ok is false when an
// ON CONFLICT DO NOTHING clause skipped the row.
func (b *base) insertID(ctx context.Context, q queryer, query string, args ...any) (id int64, ok bool, err error) {
	err = b.queryRow(ctx, q, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (b *base) migrate() error {
	schema := strings.NewReplacer(
		"{{id}}", b.dialect.idColumn,
		"{{time}}", b.dialect.timeColumn,
	).Replace(`
	CREATE TABLE IF NOT EXISTS users (
		id {{id}},
		name TEXT NOT NULL,
		created_at {{time}} NOT NULL
	);
	CREATE TABLE IF NOT EXISTS media (
		id {{id}},
		image_url TEXT NOT NULL,
		width INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS persons (
		id {{id}},
		display_name TEXT NOT NULL DEFAULT '',
		permalink_url TEXT NOT NULL DEFAULT '',
		avatar_id BIGINT REFERENCES media(id),
		user_id BIGINT REFERENCES users(id)
	);
	CREATE TABLE IF NOT EXISTS accounts (
		id {{id}},
		person_id BIGINT NOT NULL REFERENCES persons(id),
		service TEXT NOT NULL,
		ident TEXT NOT NULL,
		display_name TEXT NOT NULL DEFAULT '',
		auth_info TEXT NOT NULL DEFAULT '',
		extra TEXT NOT NULL DEFAULT '',
		UNIQUE(service, ident)
	);
	CREATE TABLE IF NOT EXISTS objects (
		id {{id}},
		service TEXT NOT NULL,
		foreign_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		render_mode TEXT NOT NULL,
		permalink_url TEXT NOT NULL DEFAULT '',
		published_at {{time}} NOT NULL,
		author_id BIGINT NOT NULL REFERENCES accounts(id),
		image_id BIGINT REFERENCES media(id),
		in_reply_to_id BIGINT REFERENCES objects(id),
		UNIQUE(service, foreign_id)
	);
	CREATE TABLE IF NOT EXISTS user_streams (
		id {{id}},
		user_id BIGINT NOT NULL REFERENCES users(id),
		object_id BIGINT NOT NULL REFERENCES objects(id),
		why_account_id BIGINT NOT NULL REFERENCES accounts(id),
		why_verb TEXT NOT NULL,
		event_time {{time}} NOT NULL,
		UNIQUE(user_id, object_id)
	);
	CREATE TABLE IF NOT EXISTS user_reply_streams (
		id {{id}},
		user_id BIGINT NOT NULL REFERENCES users(id),
		root_id BIGINT NOT NULL REFERENCES objects(id),
		reply_id BIGINT NOT NULL REFERENCES objects(id),
		root_time {{time}} NOT NULL,
		reply_time {{time}} NOT NULL,
		UNIQUE(user_id, root_id, reply_id)
	);
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	-- Default polling interval (15 minutes minimum).
	INSERT INTO settings (key, value) VALUES ('polling_interval_minutes', '15') ON CONFLICT (key) DO NOTHING;

	CREATE INDEX IF NOT EXISTS idx_persons_user_id ON persons(user_id);
	CREATE INDEX IF NOT EXISTS idx_objects_in_reply_to ON objects(in_reply_to_id);
	CREATE INDEX IF NOT EXISTS idx_user_streams_time ON user_streams(user_id, event_time DESC);
	CREATE INDEX IF NOT EXISTS idx_user_reply_streams_root ON user_reply_streams(user_id, root_id, reply_time);
	`)
	_, err := b.conn.Exec(schema)
	return err
}

func nullableID(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

// dbTime keeps stored timestamps in UTC so SQLite orders them correctly.
func dbTime(t time.Time) time.Time {
	return t.UTC()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
