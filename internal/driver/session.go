package driver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/myworld/mywdb/pkg/types"
)

// metaCacheSize bounds the session-owned metadata cache.
const metaCacheSize = 512

// Session is one database connection plus the dialect driver and the
// metadata cache that belongs to it. A Session is not safe for concurrent use.
type Session struct {
	db      *sql.DB
	conn    *sql.Conn
	drv     Driver
	depth   int
	spSeq   int
	timeout time.Duration
	cache   *lru.Cache[string, interface{}]
}

// Open connects to a database and pins a single connection for the session.
func Open(ctx context.Context, d Dialect, dsn string) (*Session, error) {
	drv, err := New(d)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	switch d {
	case DialectPostgres:
		db, err = sql.Open("pgx", dsn)
	case DialectSQLite:
		db, err = sql.Open(sqliteDriverName, sqliteDSN(dsn))
	}
	if err != nil {
		return nil, fmt.Errorf("driver: failed to open %s database: %w", d, err)
	}

	s, err := newSession(ctx, db, drv)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func newSession(ctx context.Context, db *sql.DB, drv Driver) (*Session, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("driver: failed to acquire connection: %w", err)
	}
	cache, err := lru.New[string, interface{}](metaCacheSize)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Session{db: db, conn: conn, drv: drv, cache: cache}, nil
}

// Close releases the connection and the underlying pool.
func (s *Session) Close() error {
	var firstErr error
	if s.depth > 0 {
		_, _ = s.conn.ExecContext(context.Background(), "ROLLBACK")
		s.depth = 0
	}
	if err := s.conn.Close(); err != nil {
		firstErr = err
	}
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Driver returns the session's dialect driver.
func (s *Session) Driver() Driver { return s.drv }

// Dialect returns the session's dialect.
func (s *Session) Dialect() Dialect { return s.drv.Dialect() }

// Cache returns the session-owned metadata cache.
func (s *Session) Cache() *lru.Cache[string, interface{}] { return s.cache }

// InvalidateCache drops all cached metadata.
func (s *Session) InvalidateCache() { s.cache.Purge() }

// TableName returns the quoted physical name of a table.
func (s *Session) TableName(schemaName, table string) string {
	return s.drv.TableName(schemaName, table)
}

func (s *Session) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout > 0 {
		return context.WithTimeout(ctx, s.timeout)
	}
	return ctx, func() {}
}

// Exec runs a statement. Queries use "?" placeholders in every dialect.
func (s *Session) Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	res, err := s.conn.ExecContext(qctx, s.rebind(query, len(args)), args...)
	if err != nil {
		return nil, s.drv.ClassifyError(err)
	}
	return res, nil
}

// ExecAll runs statements in order, stopping at the first failure.
func (s *Session) ExecAll(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := s.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("driver: %w\n  statement: %s", err, firstLine(stmt))
		}
	}
	return nil
}

// Query runs a query returning rows.
func (s *Session) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	rows, err := s.conn.QueryContext(ctx, s.rebind(query, len(args)), args...)
	if err != nil {
		return nil, s.drv.ClassifyError(err)
	}
	return rows, nil
}

// QueryRow runs a query expected to return at most one row.
func (s *Session) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return s.conn.QueryRowContext(ctx, s.rebind(query, len(args)), args...)
}

// Records runs a query and returns every row keyed by column name.
func (s *Session) Records(ctx context.Context, query string, args ...interface{}) ([]types.Record, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	rows, err := s.conn.QueryContext(qctx, s.rebind(query, len(args)), args...)
	if err != nil {
		return nil, s.drv.ClassifyError(err)
	}
	defer rows.Close()
	return ScanRecords(rows)
}

// Record returns the first row of a query, or nil if there is none.
func (s *Session) Record(ctx context.Context, query string, args ...interface{}) (types.Record, error) {
	recs, err := s.Records(ctx, query, args...)
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return recs[0], nil
}

// ScanRecords reads all rows into records. Character data is returned as
// string, binary data as []byte.
func ScanRecords(rows *sql.Rows) ([]types.Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	binary := make([]bool, len(cols))
	for i, ct := range colTypes {
		switch strings.ToUpper(ct.DatabaseTypeName()) {
		case "BLOB", "GEOMETRY", "BYTEA", "GEOGRAPHY":
			binary[i] = true
		}
	}

	var out []types.Record
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(types.Record, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok && !binary[i] {
				rec[c] = string(b)
			} else {
				rec[c] = vals[i]
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of rows in a table.
func (s *Session) Count(ctx context.Context, schemaName, table string) (int64, error) {
	var n int64
	err := s.QueryRow(ctx, "SELECT count(*) FROM "+s.drv.TableName(schemaName, table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("driver: failed to count %s.%s: %w", schemaName, table, s.drv.ClassifyError(err))
	}
	return n, nil
}

// InTx reports whether a transaction is open.
func (s *Session) InTx() bool { return s.depth > 0 }

// InTransaction runs fn in a transaction. When a transaction is already open
// fn runs inside a savepoint, so a failure only undoes its own work.
func (s *Session) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.inTransaction(ctx, false, fn)
}

// InSerializableTransaction is like InTransaction but opens a top-level
// transaction at serializable isolation.
func (s *Session) InSerializableTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.inTransaction(ctx, true, fn)
}

func (s *Session) inTransaction(ctx context.Context, serializable bool, fn func(ctx context.Context) error) (err error) {
	var begin, commit, rollback string
	if s.depth == 0 {
		begin, commit, rollback = "BEGIN", "COMMIT", "ROLLBACK"
		switch {
		case s.Dialect() == DialectSQLite:
			begin = "BEGIN IMMEDIATE"
		case serializable:
			begin = "BEGIN ISOLATION LEVEL SERIALIZABLE"
		}
	} else {
		s.spSeq++
		sp := fmt.Sprintf("myw_sp_%d", s.spSeq)
		begin = "SAVEPOINT " + sp
		commit = "RELEASE SAVEPOINT " + sp
		rollback = "ROLLBACK TO SAVEPOINT " + sp + "; RELEASE SAVEPOINT " + sp
	}

	if _, err := s.conn.ExecContext(ctx, begin); err != nil {
		return fmt.Errorf("driver: failed to begin transaction: %w", err)
	}
	s.depth++

	defer func() {
		if p := recover(); p != nil {
			s.undo(rollback)
			panic(p)
		}
		if err != nil {
			s.undo(rollback)
			return
		}
		if _, cerr := s.conn.ExecContext(ctx, commit); cerr != nil {
			s.undo(rollback)
			err = fmt.Errorf("driver: failed to commit: %w", s.drv.ClassifyError(cerr))
			return
		}
		s.depth--
	}()

	return fn(ctx)
}

func (s *Session) undo(rollback string) {
	for _, stmt := range strings.Split(rollback, "; ") {
		_, _ = s.conn.ExecContext(context.Background(), stmt)
	}
	s.depth--
}

// WithoutChangeTracking runs fn with feature and configuration change logging
// disarmed for this session. It must be called inside a transaction.
func (s *Session) WithoutChangeTracking(ctx context.Context, fn func(ctx context.Context) error) error {
	if !s.InTx() {
		return fmt.Errorf("driver: change tracking can only be disabled inside a transaction")
	}
	if err := s.drv.SetChangeTracking(ctx, s, false); err != nil {
		return err
	}
	ferr := fn(ctx)
	if err := s.drv.SetChangeTracking(ctx, s, true); err != nil && ferr == nil {
		return err
	}
	return ferr
}

// VersionStampLock acquires the version stamp lock and returns its release.
// With releaseOnCommit the lock is transaction scoped and release is a no-op.
func (s *Session) VersionStampLock(ctx context.Context, exclusive, releaseOnCommit bool) (func(context.Context) error, error) {
	return s.drv.AcquireVersionStampLock(ctx, s, exclusive, releaseOnCommit)
}

// AcquireVersionStampLock takes the version stamp lock until the transaction ends.
func (s *Session) AcquireVersionStampLock(ctx context.Context, exclusive bool) error {
	_, err := s.drv.AcquireVersionStampLock(ctx, s, exclusive, true)
	return err
}

// AcquireShardLock takes the exclusive shard lock until the transaction ends.
func (s *Session) AcquireShardLock(ctx context.Context) error {
	return s.drv.AcquireShardLock(ctx, s)
}

// StatementTimeout limits statement run time until the returned restore is called.
func (s *Session) StatementTimeout(ctx context.Context, d time.Duration) (func(context.Context) error, error) {
	return s.drv.SetStatementTimeout(ctx, s, d)
}

// rebind converts "?" placeholders to "$n" for the server dialect. Quoted
// text and dollar-quoted bodies are left untouched.
func (s *Session) rebind(query string, nargs int) string {
	if nargs == 0 || s.Dialect() != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	inSingle, inDouble := false, false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'' && !inDouble:
			inSingle = !inSingle
		case c == '"' && !inSingle:
			inDouble = !inDouble
		case c == '?' && !inSingle && !inDouble:
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
