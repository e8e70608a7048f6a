package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"relief-inventory-api/internal/ledger"

	"go.uber.org/zap"
)

// MemoryStore keeps entries in process memory, optionally persisting a JSON
// snapshot after every write.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]*ledger.StockEntry
	keys     map[string]string
	dataPath string
}

type memorySnapshot struct {
	Entries []*ledger.StockEntry `json:"entries"`
}

// NewMemoryStore creates a memory store. When dataPath is set, existing
// entries are loaded from it and every write is saved back.
func NewMemoryStore(dataPath string) (*MemoryStore, error) {
	ms := &MemoryStore{
		entries:  make(map[string]*ledger.StockEntry),
		keys:     make(map[string]string),
		dataPath: dataPath,
	}
	if dataPath == "" {
		return ms, nil
	}

	if err := os.MkdirAll(filepath.Dir(dataPath), 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	if err := ms.loadFromFile(); err != nil {
		return nil, err
	}

	zap.L().Info("Memory store loaded",
		zap.String("path", dataPath),
		zap.Int("entries", len(ms.entries)))
	return ms, nil
}

func (ms *MemoryStore) Create(_ context.Context, entry *ledger.StockEntry) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	key := entry.Key()
	if _, exists := ms.keys[key]; exists {
		return ledger.DuplicateEntry(entry.Item.SKU, entry.Location.WarehouseID)
	}
	if _, exists := ms.entries[entry.ID]; exists {
		return ledger.DuplicateEntry(entry.Item.SKU, entry.Location.WarehouseID)
	}

	ms.entries[entry.ID] = entry.Clone()
	ms.keys[key] = entry.ID
	if err := ms.persistLocked("create"); err != nil {
		delete(ms.entries, entry.ID)
		delete(ms.keys, key)
		return err
	}
	return nil
}

func (ms *MemoryStore) Get(_ context.Context, id string) (*ledger.StockEntry, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	entry, ok := ms.entries[id]
	if !ok {
		return nil, ledger.NotFound(id)
	}
	return entry.Clone(), nil
}

func (ms *MemoryStore) Replace(_ context.Context, entry *ledger.StockEntry, expectedVersion int64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	current, ok := ms.entries[entry.ID]
	if !ok {
		return ledger.NotFound(entry.ID)
	}
	if current.Version != expectedVersion {
		return ledger.ErrVersionConflict
	}

	stored := entry.Clone()
	stored.Version = expectedVersion + 1
	ms.entries[entry.ID] = stored
	if err := ms.persistLocked("replace"); err != nil {
		ms.entries[entry.ID] = current
		return err
	}
	entry.Version = stored.Version
	return nil
}

func (ms *MemoryStore) Delete(_ context.Context, id string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	entry, ok := ms.entries[id]
	if !ok {
		return ledger.NotFound(id)
	}
	delete(ms.entries, id)
	delete(ms.keys, entry.Key())
	if err := ms.persistLocked("delete"); err != nil {
		ms.entries[id] = entry
		ms.keys[entry.Key()] = id
		return err
	}
	return nil
}

func (ms *MemoryStore) List(_ context.Context, filter ledger.Filter) ([]*ledger.StockEntry, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	matched := make([]*ledger.StockEntry, 0, len(ms.entries))
	for _, entry := range ms.entries {
		if filter.Matches(entry) {
			matched = append(matched, entry.Clone())
		}
	}
	ledger.SortByLastUpdated(matched)
	return matched, nil
}

func (ms *MemoryStore) Ping(context.Context) error { return nil }

func (ms *MemoryStore) Close(context.Context) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.persistLocked("close")
}

// Len returns the number of stored entries.
func (ms *MemoryStore) Len() int {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return len(ms.entries)
}

func (ms *MemoryStore) loadFromFile() error {
	data, err := os.ReadFile(ms.dataPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading data file: %w", err)
	}

	var snapshot memorySnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("parsing data file %s: %w", ms.dataPath, err)
	}
	for _, entry := range snapshot.Entries {
		ms.entries[entry.ID] = entry
		ms.keys[entry.Key()] = entry.ID
	}
	return nil
}

// persistLocked writes the snapshot atomically. Callers hold ms.mu.
func (ms *MemoryStore) persistLocked(op string) error {
	if ms.dataPath == "" {
		return nil
	}

	snapshot := memorySnapshot{Entries: make([]*ledger.StockEntry, 0, len(ms.entries))}
	for _, entry := range ms.entries {
		snapshot.Entries = append(snapshot.Entries, entry)
	}
	ledger.SortByLastUpdated(snapshot.Entries)

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return ledger.StorageFailure(op, fmt.Errorf("marshaling entries: %w", err))
	}

	tempPath := ms.dataPath + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return ledger.StorageFailure(op, fmt.Errorf("writing temp file: %w", err))
	}
	if err := os.Rename(tempPath, ms.dataPath); err != nil {
		os.Remove(tempPath)
		return ledger.StorageFailure(op, fmt.Errorf("replacing data file: %w", err))
	}
	return nil
}
