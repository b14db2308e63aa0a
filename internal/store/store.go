package store

import (
    "context"
    _ "embed"
    "errors"
    "fmt"
    "strings"

    "github.com/jackc/pgx/v5"
    "github.com/jackc/pgx/v5/pgconn"
    "github.com/jackc/pgx/v5/pgxpool"

    "gridx.coordinator/internal/jobs"
    "gridx.coordinator/internal/ledger"
)

//go:embed schema.sql
var schema string

var (
    _ ledger.Ledger = (*Store)(nil)
    _ jobs.Store    = (*Store)(nil)
)

type Store struct {
    pool *pgxpool.Pool
}

type querier interface {
    QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func New(pool *pgxpool.Pool) *Store {
    return &Store{pool: pool}
}

func Open(ctx context.Context, dsn string) (*Store, error) {
    pool, err := pgxpool.New(ctx, dsn)
    if err != nil {
        return nil, fmt.Errorf("store: connect: %w", err)
    }
    if err := pool.Ping(ctx); err != nil {
        pool.Close()
        return nil, fmt.Errorf("store: ping: %w", err)
    }
    return New(pool), nil
}

func (s *Store) Pool() *pgxpool.Pool {
    return s.pool
}

func (s *Store) Ping(ctx context.Context) error {
    return s.pool.Ping(ctx)
}

func (s *Store) Close() {
    s.pool.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
    for _, stmt := range strings.Split(schema, ";") {
        stmt = strings.TrimSpace(stmt)
        if stmt == "" {
            continue
        }
        if _, err := s.pool.Exec(ctx, stmt); err != nil {
            return fmt.Errorf("store: migrate: %w", err)
        }
    }
    return nil
}

func isUniqueViolation(err error) bool {
    var pgErr *pgconn.PgError
    if !errors.As(err, &pgErr) {
        return false
    }
    return pgErr.Code == "23505"
}
