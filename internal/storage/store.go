// Package storage persists stock entries. Every backend enforces the
// (sku, warehouseId) uniqueness rule and version-conditioned replacement.
package storage

import (
	"context"
	"fmt"
	"strings"

	"relief-inventory-api/internal/ledger"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendMongo  = "mongo"
)

// Store is the persistence contract of the ledger.
type Store interface {
	// Create inserts a new entry. A second entry for the same sku and
	// warehouse fails with ledger.ErrDuplicateEntry.
	Create(ctx context.Context, entry *ledger.StockEntry) error

	// Get loads an entry by id, or fails with ledger.ErrEntryNotFound.
	Get(ctx context.Context, id string) (*ledger.StockEntry, error)

	// Replace writes entry only if the stored version equals expectedVersion.
	// On success entry.Version is expectedVersion+1. A stale version fails
	// with ledger.ErrVersionConflict.
	Replace(ctx context.Context, entry *ledger.StockEntry, expectedVersion int64) error

	// Delete removes an entry, or fails with ledger.ErrEntryNotFound.
	Delete(ctx context.Context, id string) error

	// List returns the entries matching filter, newest first.
	List(ctx context.Context, filter ledger.Filter) ([]*ledger.StockEntry, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Options selects and configures a backend.
type Options struct {
	Backend         string
	DataPath        string
	SQLitePath      string
	MongoURI        string
	MongoDatabase   string
	MongoCollection string
}

// Open builds the configured backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(opts.Backend) {
	case "", BackendMemory:
		return NewMemoryStore(opts.DataPath)
	case BackendSQLite:
		return OpenSQLite(ctx, opts.SQLitePath)
	case BackendMongo:
		return OpenMongo(ctx, opts.MongoURI, opts.MongoDatabase, opts.MongoCollection)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
