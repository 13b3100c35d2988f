// internal/storage/postgres.go
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"
	"strings"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"schema-tenancy/internal/namespace"
)

//go:embed schema.sql
var bootstrapSQL string

type Options struct {
	SharedSchema string
	MaxOpenConns int
	MaxIdleConns int
}

// Storage is the Namespace Catalog and the shared-namespace repositories. Every statement
// names its table with the shared schema explicitly, so it is unaffected by any lease's
// active namespace.
type Storage struct {
	DB     *sql.DB
	shared string
	logger *zap.Logger
}

func NewStorage(dsn string, opts Options, logger *zap.Logger) (*Storage, error) {
	if err := namespace.Validate(opts.SharedSchema); err != nil {
		return nil, fmt.Errorf("shared schema: %w", err)
	}
	db, err := sql.Open("postgres", withSearchPath(dsn, opts.SharedSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to db: %w", err)
	}
	return New(db, opts.SharedSchema, logger), nil
}

// New wraps an open pool.
func New(db *sql.DB, sharedSchema string, logger *zap.Logger) *Storage {
	return &Storage{DB: db, shared: sharedSchema, logger: logger}
}

func (s *Storage) SharedSchema() string { return s.shared }

func (s *Storage) Close() error { return s.DB.Close() }

// Bootstrap creates the shared catalog tables if they are missing.
func (s *Storage) Bootstrap(ctx context.Context) error {
	stmt := strings.ReplaceAll(bootstrapSQL, "{{schema}}", namespace.Quote(s.shared))
	if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("bootstrap catalog: %w", err)
	}
	return nil
}

// InTx runs fn inside one transaction on the pool.
func (s *Storage) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rErr := tx.Rollback(); rErr != nil {
			s.logger.Warn("rollback failed", zap.Error(rErr))
		}
		return err
	}
	return tx.Commit()
}

func (s *Storage) table(name string) string {
	return namespace.Quote(s.shared) + "." + name
}

// withSearchPath pins new physical connections to the shared schema so a freshly
// dialled connection starts at the same default a released lease is reset to.
func withSearchPath(dsn, schema string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return dsn
		}
		q := u.Query()
		if q.Get("search_path") == "" {
			q.Set("search_path", schema)
		}
		u.RawQuery = q.Encode()
		return u.String()
	}
	if strings.Contains(dsn, "search_path=") {
		return dsn
	}
	return strings.TrimSpace(dsn + " search_path=" + schema)
}
