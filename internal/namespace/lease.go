package namespace

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Executor is the statement surface shared by *sql.DB, *sql.Conn, *sql.Tx and *Lease.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const releaseTimeout = 2 * time.Second

// Lease is one pooled connection held for the duration of a request or provisioning step.
// The active namespace (search_path) is state of this connection only; a Lease is not safe
// for concurrent use and must be owned by a single goroutine.
type Lease struct {
	conn      *sql.Conn
	defaultNS string
	current   string
	broken    bool
}

// Acquire takes a dedicated connection from the pool. Connections in the pool are always
// at defaultNS: Release resets before returning them, or discards them if it cannot.
func Acquire(ctx context.Context, db *sql.DB, defaultNS string) (*Lease, error) {
	if err := Validate(defaultNS); err != nil {
		return nil, fmt.Errorf("default namespace: %w", err)
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("lease connection: %w", err)
	}
	return &Lease{conn: conn, defaultNS: defaultNS, current: defaultNS}, nil
}

// Current is the namespace statements on this lease resolve against, "" when unknown.
func (l *Lease) Current() string { return l.current }

func (l *Lease) Default() string { return l.defaultNS }

// Bind switches the lease to ns. It validates first and issues nothing for a bad name,
// then resets to the default before switching so a previous failed bind cannot leak.
func (l *Lease) Bind(ctx context.Context, ns string) error {
	if err := Validate(ns); err != nil {
		return err
	}
	if err := l.Reset(ctx); err != nil {
		return err
	}
	if _, err := l.conn.ExecContext(ctx, setSearchPath(ns)); err != nil {
		if rErr := l.Reset(ctx); rErr != nil {
			return errors.Join(fmt.Errorf("bind namespace %s: %w", ns, err), rErr)
		}
		return fmt.Errorf("bind namespace %s: %w", ns, err)
	}
	l.current = ns
	return nil
}

// Reset points the lease back at the default namespace.
func (l *Lease) Reset(ctx context.Context) error {
	if _, err := l.conn.ExecContext(ctx, setSearchPath(l.defaultNS)); err != nil {
		l.current = ""
		l.broken = true
		return fmt.Errorf("reset namespace: %w", err)
	}
	l.current = l.defaultNS
	return nil
}

// Release resets the lease and returns the connection to the pool. A connection whose
// namespace cannot be restored is discarded instead. Release runs even if ctx is done.
func (l *Lease) Release(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	var resetErr error
	if l.current != l.defaultNS || l.broken {
		resetErr = l.Reset(ctx)
	}
	if l.broken {
		_ = l.conn.Raw(func(any) error { return driver.ErrBadConn })
		_ = l.conn.Close()
		return resetErr
	}
	return errors.Join(resetErr, l.conn.Close())
}

func (l *Lease) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return l.conn.ExecContext(ctx, query, args...)
}

func (l *Lease) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return l.conn.QueryContext(ctx, query, args...)
}

func (l *Lease) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return l.conn.QueryRowContext(ctx, query, args...)
}

// BeginTx starts a transaction pinned to this lease's connection and namespace.
func (l *Lease) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	return l.conn.BeginTx(ctx, opts)
}

func setSearchPath(ns string) string {
	return "SET search_path TO " + pq.QuoteIdentifier(ns)
}

// Quote returns ns as a quoted SQL identifier. Callers must have validated ns.
func Quote(ns string) string {
	return pq.QuoteIdentifier(ns)
}

type leaseKey struct{}

func WithLease(ctx context.Context, l *Lease) context.Context {
	return context.WithValue(ctx, leaseKey{}, l)
}

// FromContext returns the request's lease, bound by the resolver middleware.
func FromContext(ctx context.Context) (*Lease, bool) {
	l, ok := ctx.Value(leaseKey{}).(*Lease)
	return l, ok && l != nil
}

// Manager hands out leases bound to a given namespace for non-request work (provisioning, CLI).
type Manager struct {
	db        *sql.DB
	defaultNS string
}

func NewManager(db *sql.DB, defaultNS string) *Manager {
	return &Manager{db: db, defaultNS: defaultNS}
}

func (m *Manager) Acquire(ctx context.Context) (*Lease, error) {
	return Acquire(ctx, m.db, m.defaultNS)
}

// Within runs fn on a lease bound to ns and always releases it afterwards.
func (m *Manager) Within(ctx context.Context, ns string, fn func(ctx context.Context, ex Executor) error) (err error) {
	l, err := m.Acquire(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := l.Release(ctx); relErr != nil {
			err = errors.Join(err, relErr)
		}
	}()
	if err := l.Bind(ctx, ns); err != nil {
		return err
	}
	return fn(WithLease(ctx, l), l)
}

// Exists checks the database's live catalog for a schema named ns.
func Exists(ctx context.Context, ex Executor, ns string) (bool, error) {
	var exists bool
	err := ex.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)`, ns,
	).Scan(&exists)
	return exists, err
}
