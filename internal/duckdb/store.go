// Package duckdb persists flattened OTLP records and serves read-only queries.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/tinytelemetry/otelgate/internal/duckdb/migrate"
)

const DefaultQueryTimeout = 30 * time.Second

// Store owns the DuckDB handle. Writes take the write lock; queries share
// the read lock.
type Store struct {
	db           *sql.DB
	mu           sync.RWMutex
	dbPath       string
	QueryTimeout time.Duration
}

// NewStore opens or creates a DuckDB database and applies migrations.
// An empty dbPath opens an in-memory database.
func NewStore(dbPath string, queryTimeout ...time.Duration) (*Store, error) {
	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("duckdb: mkdir: %w", err)
		}
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, fmt.Errorf("duckdb: open %q: %w", dbPath, err)
	}
	if err := migrate.NewRunner(db).Run(); err != nil {
		db.Close()
		return nil, fmt.Errorf("duckdb: migrate: %w", err)
	}

	qt := DefaultQueryTimeout
	if len(queryTimeout) > 0 && queryTimeout[0] > 0 {
		qt = queryTimeout[0]
	}
	return &Store{db: db, dbPath: dbPath, QueryTimeout: qt}, nil
}

// Path returns the database file path, or "" for in-memory.
func (s *Store) Path() string { return s.dbPath }

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection within the query timeout.
func (s *Store) Ping() error {
	ctx, cancel := s.queryCtx()
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *Store) queryCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.QueryTimeout)
}
