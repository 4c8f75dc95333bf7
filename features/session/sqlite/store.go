// Package sqlite provides a relational session.Store on SQLite.
//
// Sessions live in a single table keyed by id. Timestamps are stored as Unix
// nanoseconds in UTC so values round-trip exactly. Updates run in an
// immediate transaction, which serializes writers at the database level in
// addition to the distributed lock held by callers.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"goa.design/agentstate/runtime/session"
	"goa.design/agentstate/runtime/telemetry"
)

const (
	defaultPoolSize = 4
	storeName       = "session-sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	model       TEXT NOT NULL,
	status      TEXT NOT NULL,
	total_turns INTEGER NOT NULL DEFAULT 0,
	total_cost  REAL,
	parent_id   TEXT,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_parent_id ON sessions(parent_id) WHERE parent_id IS NOT NULL;
`

const selectColumns = `SELECT id, model, status, total_turns, total_cost, parent_id, created_at, updated_at FROM sessions`

type (
	// Options configures the SQLite store.
	Options struct {
		// Path is the database file. ":memory:" is rejected since the
		// pool would hand out unrelated in-memory databases.
		Path string
		// PoolSize is the number of pooled connections. Defaults to 4.
		PoolSize int
		// Logger receives pool lifecycle messages.
		Logger telemetry.Logger
	}

	// Store implements session.Store on a SQLite connection pool.
	Store struct {
		pool   *sqlitex.Pool
		path   string
		logger telemetry.Logger
	}
)

var _ session.Store = (*Store)(nil)

// Open opens (creating if needed) the database at opts.Path and prepares the
// schema on every connection.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if opts.Path == ":memory:" {
		return nil, errors.New(`sqlite path ":memory:" is not supported, use a file path`)
	}
	poolSize := opts.PoolSize
	if poolSize <= 0 {
		poolSize = defaultPoolSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	pool, err := sqlitex.NewPool(opts.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w: %w", opts.Path, session.ErrStoreUnavailable, err)
	}
	logger.Info(context.Background(), "sqlite session store opened", "path", opts.Path, "pool_size", poolSize)
	return &Store{pool: pool, path: opts.Path, logger: logger}, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return sqlitex.ExecuteScript(conn, schema, nil)
}

// Close closes every pooled connection.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("close sqlite %s: %w", s.path, err)
	}
	s.logger.Info(context.Background(), "sqlite session store closed", "path", s.path)
	return nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	conn, err := s.take(ctx)
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	if err := sqlitex.ExecuteTransient(conn, "SELECT 1", nil); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Create inserts sess. Returns session.ErrSessionExists when the id is taken.
func (s *Store) Create(ctx context.Context, sess session.Session) (session.Session, error) {
	if sess.ID == "" {
		return session.Session{}, errors.New("session id is required")
	}
	conn, err := s.take(ctx)
	if err != nil {
		return session.Session{}, err
	}
	defer s.pool.Put(conn)

	updatedAt := sess.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = sess.CreatedAt
	}
	err = sqlitex.Execute(conn,
		`INSERT INTO sessions (id, model, status, total_turns, total_cost, parent_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		&sqlitex.ExecOptions{
			Args: []any{
				sess.ID,
				sess.Model,
				string(sess.Status),
				sess.TotalTurns,
				floatArg(sess.TotalCost),
				textArg(sess.ParentID),
				sess.CreatedAt.UTC().UnixNano(),
				updatedAt.UTC().UnixNano(),
			},
		})
	if err != nil {
		return session.Session{}, unavailable("insert session", err)
	}
	if conn.Changes() == 0 {
		return session.Session{}, fmt.Errorf("%w: %s", session.ErrSessionExists, sess.ID)
	}
	return load(conn, sess.ID)
}

// Get loads the session with the given id.
func (s *Store) Get(ctx context.Context, id string) (session.Session, error) {
	conn, err := s.take(ctx)
	if err != nil {
		return session.Session{}, err
	}
	defer s.pool.Put(conn)
	return load(conn, id)
}

// Update writes the non-nil fields and returns the stored session.
func (s *Store) Update(ctx context.Context, id string, fields session.Fields) (out session.Session, err error) {
	conn, err := s.take(ctx)
	if err != nil {
		return session.Session{}, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return session.Session{}, unavailable("begin transaction", err)
	}
	defer endTransaction(&err)

	var status any
	if fields.Status != nil {
		status = string(*fields.Status)
	}
	var turns any
	if fields.TotalTurns != nil {
		turns = *fields.TotalTurns
	}
	updatedAt := fields.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	err = sqlitex.Execute(conn,
		`UPDATE sessions SET
			status      = COALESCE(?, status),
			total_turns = COALESCE(?, total_turns),
			total_cost  = COALESCE(?, total_cost),
			updated_at  = ?
		 WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{status, turns, floatArg(fields.TotalCost), updatedAt.UTC().UnixNano(), id},
		})
	if err != nil {
		return session.Session{}, unavailable("update session", err)
	}
	if conn.Changes() == 0 {
		return session.Session{}, session.ErrSessionNotFound
	}
	return load(conn, id)
}

func (s *Store) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, unavailable("take connection", err)
	}
	return conn, nil
}

func load(conn *sqlite.Conn, id string) (session.Session, error) {
	var (
		out   session.Session
		found bool
	)
	err := sqlitex.Execute(conn, selectColumns+` WHERE id = ?`, &sqlitex.ExecOptions{
		Args: []any{id},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			out = scanSession(stmt)
			return nil
		},
	})
	if err != nil {
		return session.Session{}, unavailable("load session", err)
	}
	if !found {
		return session.Session{}, session.ErrSessionNotFound
	}
	return out, nil
}

func scanSession(stmt *sqlite.Stmt) session.Session {
	sess := session.Session{
		ID:         stmt.ColumnText(0),
		Model:      stmt.ColumnText(1),
		Status:     session.Status(stmt.ColumnText(2)),
		TotalTurns: stmt.ColumnInt(3),
		CreatedAt:  time.Unix(0, stmt.ColumnInt64(6)).UTC(),
		UpdatedAt:  time.Unix(0, stmt.ColumnInt64(7)).UTC(),
	}
	if !stmt.ColumnIsNull(4) {
		cost := stmt.ColumnFloat(4)
		sess.TotalCost = &cost
	}
	if !stmt.ColumnIsNull(5) {
		sess.ParentID = stmt.ColumnText(5)
	}
	return sess
}

func floatArg(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func textArg(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func unavailable(op string, err error) error {
	return fmt.Errorf("sqlite %s: %w: %w", op, session.ErrStoreUnavailable, err)
}
