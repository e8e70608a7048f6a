package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"relief-inventory-api/internal/ledger"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS stock_entries (
	id           TEXT PRIMARY KEY,
	sku          TEXT NOT NULL,
	warehouse_id TEXT NOT NULL,
	category     TEXT NOT NULL,
	status       TEXT NOT NULL,
	version      INTEGER NOT NULL,
	last_updated INTEGER NOT NULL,
	document     TEXT NOT NULL,
	UNIQUE (sku, warehouse_id)
);
CREATE INDEX IF NOT EXISTS idx_stock_entries_last_updated ON stock_entries (last_updated DESC, id);
`

// SQLiteStore keeps each entry as a JSON document next to the columns used
// for uniqueness, version checks and ordering.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (or creates) the database at path. ":memory:" gives a
// private in-process database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, fmt.Errorf("creating database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite only supports one writer; one connection also keeps :memory: shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, path: path}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}

	zap.L().Info("SQLite store opened", zap.String("path", path))
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	pragmas := []struct {
		name   string
		pragma string
	}{
		{"journal_mode", "PRAGMA journal_mode=WAL"},
		{"synchronous", "PRAGMA synchronous=NORMAL"},
		{"busy_timeout", "PRAGMA busy_timeout=5000"},
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p.pragma); err != nil {
			return fmt.Errorf("setting %s: %w", p.name, err)
		}
	}
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, entry *ledger.StockEntry) error {
	doc, err := json.Marshal(entry)
	if err != nil {
		return ledger.StorageFailure("create", fmt.Errorf("encoding entry: %w", err))
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO stock_entries (id, sku, warehouse_id, category, status, version, last_updated, document)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Item.SKU, entry.Location.WarehouseID, entry.Item.Category,
		entry.Status, entry.Version, entry.LastUpdated.UnixNano(), string(doc))
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.DuplicateEntry(entry.Item.SKU, entry.Location.WarehouseID)
		}
		return ledger.StorageFailure("create", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*ledger.StockEntry, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT document FROM stock_entries WHERE id = ?`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.NotFound(id)
	}
	if err != nil {
		return nil, ledger.StorageFailure("get", err)
	}
	return decodeEntry(doc, "get")
}

func (s *SQLiteStore) Replace(ctx context.Context, entry *ledger.StockEntry, expectedVersion int64) error {
	stored := entry.Clone()
	stored.Version = expectedVersion + 1
	doc, err := json.Marshal(stored)
	if err != nil {
		return ledger.StorageFailure("replace", fmt.Errorf("encoding entry: %w", err))
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE stock_entries
		 SET sku = ?, warehouse_id = ?, category = ?, status = ?, version = ?, last_updated = ?, document = ?
		 WHERE id = ? AND version = ?`,
		stored.Item.SKU, stored.Location.WarehouseID, stored.Item.Category, stored.Status,
		stored.Version, stored.LastUpdated.UnixNano(), string(doc),
		entry.ID, expectedVersion)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.DuplicateEntry(entry.Item.SKU, entry.Location.WarehouseID)
		}
		return ledger.StorageFailure("replace", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return ledger.StorageFailure("replace", err)
	}
	if affected == 0 {
		if _, err := s.Get(ctx, entry.ID); err != nil {
			return err
		}
		return ledger.ErrVersionConflict
	}

	entry.Version = stored.Version
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM stock_entries WHERE id = ?`, id)
	if err != nil {
		return ledger.StorageFailure("delete", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return ledger.StorageFailure("delete", err)
	}
	if affected == 0 {
		return ledger.NotFound(id)
	}
	return nil
}

// List pushes the exact-match criteria into SQL and applies the rest in Go.
func (s *SQLiteStore) List(ctx context.Context, filter ledger.Filter) ([]*ledger.StockEntry, error) {
	query := `SELECT document FROM stock_entries`
	var (
		clauses []string
		args    []interface{}
	)
	if filter.WarehouseID != "" {
		clauses = append(clauses, "warehouse_id = ?")
		args = append(args, filter.WarehouseID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY last_updated DESC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, ledger.StorageFailure("list", err)
	}
	defer rows.Close()

	entries := make([]*ledger.StockEntry, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, ledger.StorageFailure("list", err)
		}
		entry, err := decodeEntry(doc, "list")
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, ledger.StorageFailure("list", err)
	}
	return filter.Apply(entries), nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return ledger.StorageFailure("ping", err)
	}
	return nil
}

func (s *SQLiteStore) Close(context.Context) error {
	return s.db.Close()
}

func decodeEntry(doc, op string) (*ledger.StockEntry, error) {
	var entry ledger.StockEntry
	if err := json.Unmarshal([]byte(doc), &entry); err != nil {
		return nil, ledger.StorageFailure(op, fmt.Errorf("decoding entry: %w", err))
	}
	return &entry, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
