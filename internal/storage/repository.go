// Package storage defines the relational persistence boundary for the
// pipeline: a backend-agnostic repository with batch upsert-by-primary-key
// semantics, plus a factory registry the backends hook into.
package storage

import (
	"context"
	"fmt"
	"sync"
)

// Config is the minimal configuration needed to construct a Repository.
//
// Kind must match a registered backend kind ("sqlite", "postgres", "mssql").
// DSN is passed through to the backend factory; validation is
// backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Repository is the persistence boundary the loader talks to.
//
// IMPORTANT: the interface is intentionally minimal. Each backend implements
// the upsert in its own idiomatic way (Postgres ON CONFLICT DO UPDATE,
// SQLite upsert clause, SQL Server MERGE), but the observable semantics are
// identical: a batch is applied atomically, and a row whose key already
// exists is fully replaced by the incoming row.
type Repository interface {
	// Close releases backend resources. Call once at shutdown.
	Close()

	// EnsureRelation creates the relation if it does not exist and adds any
	// columns the spec declares that the existing table lacks. Startup and
	// re-runs are both idempotent.
	EnsureRelation(ctx context.Context, spec RelationSpec) error

	// Upsert applies rows to the relation in a single transaction, keyed by
	// keyColumn. Existing rows are replaced column-for-column; new rows are
	// inserted. Returns the number of rows applied. A failure leaves the
	// relation untouched (no partial batch is ever visible).
	Upsert(ctx context.Context, relation string, keyColumn string, columns []string, rows [][]any) (int64, error)
}

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind. Called from backend package
// init functions. Registering the same kind twice panics: that is always a
// wiring bug and should fail fast.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
