// Package sqlstore owns the embedded SQLite database of a node.
//
// Statements from the log run on a single writer connection, reads run on a
// separate query_only pool. Both pools are closed and reopened around
// snapshot capture and replacement, which take the guard exclusively.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/lumadb/sqlcluster/pkg/message"
	"github.com/lumadb/sqlcluster/pkg/store"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const driverName = "sqlite"

// Options configures a Database.
type Options struct {
	Path string
	// BusyTimeout bounds how long a connection waits on a locked database.
	BusyTimeout time.Duration
	// CheckpointBackoff is the pause between checkpoint attempts while
	// preparing a snapshot.
	CheckpointBackoff time.Duration
	// ReadConns caps the read pool.
	ReadConns int
	Logger    *zap.Logger
}

func (o *Options) setDefaults() {
	if o.BusyTimeout == 0 {
		o.BusyTimeout = 5 * time.Second
	}
	if o.CheckpointBackoff == 0 {
		o.CheckpointBackoff = 100 * time.Millisecond
	}
	if o.ReadConns == 0 {
		o.ReadConns = 8
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// Querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Database is the SQLite file of one node.
type Database struct {
	opts   Options
	logger *zap.Logger

	// shared for apply and reads, exclusive for capture and replace
	mu     sync.RWMutex
	writer *sql.DB
	reader *sql.DB
}

// Open opens (creating if needed) the database at opts.Path.
func Open(opts Options) (*Database, error) {
	opts.setDefaults()
	d := &Database{opts: opts, logger: opts.Logger}
	if err := d.open(); err != nil {
		return nil, err
	}
	d.logger.Info("Opened database", zap.String("path", opts.Path))
	return d, nil
}

func (d *Database) dsn(extra string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)%s&_time_format=sqlite",
		d.opts.Path, d.opts.BusyTimeout.Milliseconds(), extra)
}

func (d *Database) open() error {
	writer, err := sql.Open(driverName, d.dsn(""))
	if err != nil {
		return store.NewStorageError(store.SubjectStateMachine, store.VerbRead, err)
	}
	writer.SetMaxOpenConns(1)
	if err := writer.Ping(); err != nil {
		writer.Close()
		return store.NewStorageError(store.SubjectStateMachine, store.VerbRead, fmt.Errorf("failed to open %s: %w", d.opts.Path, err))
	}

	reader, err := sql.Open(driverName, d.dsn("&_pragma=query_only(1)"))
	if err != nil {
		writer.Close()
		return store.NewStorageError(store.SubjectStateMachine, store.VerbRead, err)
	}
	reader.SetMaxOpenConns(d.opts.ReadConns)
	reader.SetConnMaxIdleTime(time.Minute)

	d.writer, d.reader = writer, reader
	return nil
}

func (d *Database) close() error {
	if d.writer == nil {
		return nil
	}
	rerr := d.reader.Close()
	werr := d.writer.Close()
	d.writer, d.reader = nil, nil
	if werr != nil {
		return werr
	}
	return rerr
}

// Close closes both pools.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.close()
}

// Path returns the database file path.
func (d *Database) Path() string {
	return d.opts.Path
}

// Query runs a read against the query_only pool. SQL errors are returned in
// the response.
func (d *Database) Query(ctx context.Context, msg *message.Message) (*message.Response, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.reader == nil {
		return nil, store.ErrClosed
	}

	start := time.Now()
	resp, err := Run(ctx, d.reader, msg)
	readDuration.UpdateDuration(start)
	if err != nil {
		return message.Failed(err.Error()), nil
	}
	return resp, nil
}

// View runs fn against the writer pool without a transaction.
func (d *Database) View(ctx context.Context, fn func(q Querier) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.writer == nil {
		return store.ErrClosed
	}
	return fn(d.writer)
}

// Tx is a write transaction on the database.
type Tx struct {
	tx     *sql.Tx
	logger *zap.Logger
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// AbortedError is returned by Tx.Run when a failing statement took the whole
// transaction down with it, as INSERT OR ROLLBACK and RAISE(ROLLBACK) do. The
// transaction must be discarded; Err is the statement's own error.
type AbortedError struct {
	Err error
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("transaction rolled back by statement: %v", e.Err)
}

func (e *AbortedError) Unwrap() error {
	return e.Err
}

// Run executes msg inside a savepoint. A failing statement is rolled back to
// the savepoint and reported in the response; the transaction stays usable.
// When the statement already rolled back the transaction the savepoint is
// gone and Run returns an *AbortedError. Any other error means the savepoint
// itself failed.
func (t *Tx) Run(ctx context.Context, msg *message.Message) (*message.Response, error) {
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT apply_statement"); err != nil {
		return nil, fmt.Errorf("failed to open savepoint: %w", err)
	}

	resp, runErr := Run(ctx, t.tx, msg)
	if runErr != nil {
		sqlErrors.Inc()
		if _, err := t.tx.ExecContext(ctx, "ROLLBACK TO apply_statement"); err != nil {
			t.logger.Warn("Savepoint lost after statement error", zap.NamedError("statement_error", runErr), zap.Error(err))
			return nil, &AbortedError{Err: runErr}
		}
		resp = message.Failed(runErr.Error())
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE apply_statement"); err != nil {
		return nil, fmt.Errorf("failed to release savepoint: %w", err)
	}
	return resp, nil
}

// Update runs fn in a write transaction, committing when fn returns nil.
// Failures are storage errors.
func (d *Database) Update(ctx context.Context, fn func(tx *Tx) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.writer == nil {
		return store.ErrClosed
	}

	sqlTx, err := d.writer.BeginTx(ctx, nil)
	if err != nil {
		return store.NewStorageError(store.SubjectStateMachine, store.VerbWrite, fmt.Errorf("failed to begin transaction: %w", err))
	}
	if err := fn(&Tx{tx: sqlTx, logger: d.logger}); err != nil {
		sqlTx.Rollback()
		return store.NewStorageError(store.SubjectStateMachine, store.VerbWrite, err)
	}
	if err := sqlTx.Commit(); err != nil {
		return store.NewStorageError(store.SubjectStateMachine, store.VerbWrite, fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}
