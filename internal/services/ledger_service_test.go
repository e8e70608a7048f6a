package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"relief-inventory-api/internal/ledger"
	"relief-inventory-api/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	eventType string
	entryID   string
	actor     string
}

type fakePublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (p *fakePublisher) Publish(eventType string, entry *ledger.StockEntry, actor string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{eventType, entry.ID, actor})
}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.eventType)
	}
	return out
}

type fakeRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
	quantity map[string]float64
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{outcomes: map[string]int{}, quantity: map[string]float64{}}
}

func (r *fakeRecorder) RecordOperation(_ context.Context, operation, outcome string, quantity float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[operation+"/"+outcome]++
	r.quantity[operation] += quantity
}

func (r *fakeRecorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[key]
}

// flakyStore injects failures into Replace.
type flakyStore struct {
	storage.Store
	mu        sync.Mutex
	conflicts int
	failures  int
}

func (f *flakyStore) Replace(ctx context.Context, entry *ledger.StockEntry, expectedVersion int64) error {
	f.mu.Lock()
	if f.conflicts > 0 {
		f.conflicts--
		f.mu.Unlock()
		return ledger.ErrVersionConflict
	}
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("disk unplugged")
	}
	f.mu.Unlock()
	return f.Store.Replace(ctx, entry, expectedVersion)
}

// cancelAfterReplaceStore cancels the caller's context right after a
// successful Replace, as a client disconnecting mid-commit would.
type cancelAfterReplaceStore struct {
	storage.Store
	mu     sync.Mutex
	cancel context.CancelFunc
}

func (c *cancelAfterReplaceStore) Replace(ctx context.Context, entry *ledger.StockEntry, expectedVersion int64) error {
	err := c.Store.Replace(ctx, entry, expectedVersion)
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if err == nil && cancel != nil {
		cancel()
		time.Sleep(20 * time.Millisecond)
	}
	return err
}

var serviceNow = time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)

func floatPtr(f float64) *float64 { return &f }

func newTestService(t *testing.T, store storage.Store, opts Options) *LedgerService {
	t.Helper()
	if store == nil {
		mem, err := storage.NewMemoryStore("")
		require.NoError(t, err)
		store = mem
	}
	if opts.Clock == nil {
		opts.Clock = ledger.NewManualClock(serviceNow)
	}
	svc := NewLedgerService(store, opts)
	t.Cleanup(svc.Stop)
	return svc
}

func createRice(t *testing.T, svc *LedgerService, current float64) *ledger.StockEntry {
	t.Helper()
	entry, err := svc.CreateEntry(context.Background(), "creator", ledger.NewEntry{
		Item:     ledger.Item{Name: "Rice", Category: "Food", SKU: "RICE-25KG"},
		Location: ledger.Location{WarehouseID: "WH-1", Name: "Central", Address: "1 Depot Rd"},
		Inventory: ledger.InventoryInput{
			CurrentQuantity: floatPtr(current),
			Unit:            "kg",
			Threshold:       floatPtr(10),
		},
	})
	require.NoError(t, err)
	return entry
}

func TestLedgerService_Scenario(t *testing.T) {
	ctx := context.Background()
	events := &fakePublisher{}
	recorder := newFakeRecorder()
	svc := newTestService(t, nil, Options{Events: events, Recorder: recorder})

	entry := createRice(t, svc, 100)
	assert.Equal(t, int64(1), entry.Version)
	assert.NotEmpty(t, entry.ID)

	_, err := svc.Reserve(ctx, entry.ID, "alice", ledger.ReserveRequest{Quantity: 30}, "")
	require.NoError(t, err)
	_, err = svc.Dispatch(ctx, entry.ID, "alice", ledger.DispatchRequest{Quantity: 50, Destination: "Shelter 4"}, "")
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, entry.ID, "bob", ledger.ReserveRequest{Quantity: 25}, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrInsufficientAvailable))

	got, err := svc.Restock(ctx, entry.ID, "carol", ledger.RestockRequest{Quantity: 40, BatchNumber: "B1"}, "")
	require.NoError(t, err)
	assert.Equal(t, 90.0, got.Inventory.CurrentQuantity)
	assert.Equal(t, 30.0, got.Inventory.ReservedQuantity)
	assert.Equal(t, 60.0, got.Inventory.AvailableQuantity)
	assert.Equal(t, int64(4), got.Version)
	assert.Len(t, got.AuditLog, 4)
	assert.Len(t, got.Batches, 1)

	stored, err := svc.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, got.Inventory, stored.Inventory)

	assert.Equal(t, []string{EventEntryCreated, EventStockReserved, EventStockDispatched, EventStockRestocked}, events.types())
	assert.Equal(t, 1, recorder.count("reserve/"+string(ledger.KindConflict)))
	assert.Equal(t, 1, recorder.count("restock/"+OutcomeSuccess))
	assert.Equal(t, 40.0, recorder.quantity[OpRestock])
}

func TestLedgerService_ConcurrentReservesOnlyOneWins(t *testing.T) {
	svc := newTestService(t, nil, Options{WorkerCount: 8})
	entry := createRice(t, svc, 100)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		conflicts int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Reserve(context.Background(), entry.ID, "racer", ledger.ReserveRequest{Quantity: 60}, "")
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
			} else if errors.Is(err, ledger.ErrInsufficientAvailable) {
				conflicts++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, conflicts)

	got, err := svc.GetEntry(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 60.0, got.Inventory.ReservedQuantity)
}

func TestLedgerService_ManyConcurrentReservesNeverOversell(t *testing.T) {
	svc := newTestService(t, nil, Options{WorkerCount: 8})
	entry := createRice(t, svc, 40)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Reserve(context.Background(), entry.ID, "racer", ledger.ReserveRequest{Quantity: 1}, ""); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	got, err := svc.GetEntry(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 40, successes)
	assert.Equal(t, 40.0, got.Inventory.ReservedQuantity)
	assert.Equal(t, 0.0, got.Inventory.AvailableQuantity)
	assert.Len(t, got.AuditLog, 41)
}

func TestLedgerService_IdempotentReplay(t *testing.T) {
	ctx := context.Background()
	recorder := newFakeRecorder()
	svc := newTestService(t, nil, Options{Recorder: recorder})
	entry := createRice(t, svc, 10)

	first, err := svc.Restock(ctx, entry.ID, "alice", ledger.RestockRequest{Quantity: 5}, "key-1")
	require.NoError(t, err)
	second, err := svc.Restock(ctx, entry.ID, "alice", ledger.RestockRequest{Quantity: 5}, "key-1")
	require.NoError(t, err)

	assert.Equal(t, first.Version, second.Version)
	assert.Equal(t, 15.0, second.Inventory.CurrentQuantity)
	assert.Equal(t, 1, recorder.count("restock/"+OutcomeReplayed))

	// Same key on another operation is a new request.
	_, err = svc.Reserve(ctx, entry.ID, "alice", ledger.ReserveRequest{Quantity: 100}, "key-1")
	assert.True(t, errors.Is(err, ledger.ErrInsufficientAvailable))

	// Domain failures replay too, even once they would now succeed.
	_, err = svc.Restock(ctx, entry.ID, "alice", ledger.RestockRequest{Quantity: 100}, "key-2")
	require.NoError(t, err)
	_, err = svc.Reserve(ctx, entry.ID, "alice", ledger.ReserveRequest{Quantity: 100}, "key-1")
	assert.True(t, errors.Is(err, ledger.ErrInsufficientAvailable))

	got, err := svc.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 115.0, got.Inventory.CurrentQuantity)
	assert.Equal(t, 0.0, got.Inventory.ReservedQuantity)
}

func TestLedgerService_IdempotencyExpires(t *testing.T) {
	ctx := context.Background()
	clock := ledger.NewManualClock(serviceNow)
	svc := newTestService(t, nil, Options{Clock: clock, IdempotencyTTL: time.Minute})
	entry := createRice(t, svc, 10)

	_, err := svc.Restock(ctx, entry.ID, "alice", ledger.RestockRequest{Quantity: 5}, "k")
	require.NoError(t, err)
	clock.Advance(time.Minute)
	got, err := svc.Restock(ctx, entry.ID, "alice", ledger.RestockRequest{Quantity: 5}, "k")
	require.NoError(t, err)
	assert.Equal(t, 20.0, got.Inventory.CurrentQuantity)
}

func TestLedgerService_RetriesVersionConflicts(t *testing.T) {
	mem, err := storage.NewMemoryStore("")
	require.NoError(t, err)
	store := &flakyStore{Store: mem}
	svc := newTestService(t, store, Options{MaxRetries: 3})
	entry := createRice(t, svc, 10)

	store.conflicts = 2
	got, err := svc.Restock(context.Background(), entry.ID, "alice", ledger.RestockRequest{Quantity: 1}, "")
	require.NoError(t, err)
	assert.Equal(t, 11.0, got.Inventory.CurrentQuantity)

	store.conflicts = 3
	_, err = svc.Restock(context.Background(), entry.ID, "alice", ledger.RestockRequest{Quantity: 1}, "")
	require.Error(t, err)
	var le *ledger.Error
	require.True(t, errors.As(err, &le))
	assert.Equal(t, ledger.KindConflict, le.Kind)
	assert.Equal(t, "version_conflict", le.Reason)
}

func TestLedgerService_StorageFailureIsNotCached(t *testing.T) {
	mem, err := storage.NewMemoryStore("")
	require.NoError(t, err)
	store := &flakyStore{Store: mem}
	svc := newTestService(t, store, Options{})
	entry := createRice(t, svc, 10)

	store.failures = 1
	_, err = svc.Restock(context.Background(), entry.ID, "alice", ledger.RestockRequest{Quantity: 1}, "k")
	assert.Equal(t, ledger.KindStorage, ledger.KindOf(err))

	got, err := svc.Restock(context.Background(), entry.ID, "alice", ledger.RestockRequest{Quantity: 1}, "k")
	require.NoError(t, err)
	assert.Equal(t, 11.0, got.Inventory.CurrentQuantity)
}

func TestLedgerService_CreateDuplicateAndDelete(t *testing.T) {
	ctx := context.Background()
	events := &fakePublisher{}
	svc := newTestService(t, nil, Options{Events: events})
	entry := createRice(t, svc, 10)

	_, err := svc.CreateEntry(ctx, "creator", ledger.NewEntry{
		Item:      entry.Item,
		Location:  entry.Location,
		Inventory: ledger.InventoryInput{CurrentQuantity: floatPtr(1), Unit: "kg", Threshold: floatPtr(0)},
	})
	assert.True(t, errors.Is(err, ledger.ErrDuplicateEntry))

	_, err = svc.CreateEntry(ctx, "creator", ledger.NewEntry{})
	assert.Equal(t, ledger.KindValidation, ledger.KindOf(err))

	require.NoError(t, svc.DeleteEntry(ctx, entry.ID, "admin"))
	_, err = svc.GetEntry(ctx, entry.ID)
	assert.True(t, errors.Is(err, ledger.ErrEntryNotFound))
	assert.True(t, errors.Is(svc.DeleteEntry(ctx, entry.ID, "admin"), ledger.ErrEntryNotFound))
	assert.Equal(t, []string{EventEntryCreated, EventEntryDeleted}, events.types())

	removed, err := svc.CompactLocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
}

func TestLedgerService_UpdateAndQuery(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil, Options{})
	entry := createRice(t, svc, 8)

	name := "Jasmine rice"
	got, err := svc.UpdateEntry(ctx, entry.ID, "editor", ledger.MetadataPatch{ItemName: &name})
	require.NoError(t, err)
	assert.Equal(t, name, got.Item.Name)
	assert.Equal(t, int64(2), got.Version)
	assert.Empty(t, got.Actions)

	_, err = svc.UpdateEntry(ctx, entry.ID, "editor", ledger.MetadataPatch{})
	assert.True(t, errors.Is(err, ledger.ErrNoChanges))

	low, err := svc.QueryEntries(ctx, ledger.Filter{LowStock: true})
	require.NoError(t, err)
	require.Len(t, low, 1)
	assert.Equal(t, entry.ID, low[0].ID)

	none, err := svc.QueryEntries(ctx, ledger.Filter{WarehouseID: "WH-9"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestLedgerService_StoppedServiceRejectsWork(t *testing.T) {
	svc := newTestService(t, nil, Options{})
	entry := createRice(t, svc, 10)
	svc.Stop()

	_, err := svc.Restock(context.Background(), entry.ID, "alice", ledger.RestockRequest{Quantity: 1}, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrServiceStopped))
	assert.NotPanics(t, svc.Stop)
}

func TestLedgerService_CancelledContext(t *testing.T) {
	svc := newTestService(t, nil, Options{})
	entry := createRice(t, svc, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Restock(ctx, entry.ID, "alice", ledger.RestockRequest{Quantity: 1}, "")
	require.Error(t, err)
	assert.Equal(t, ledger.KindStorage, ledger.KindOf(err))
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestLedgerService_CommittedWriteIsReportedAfterCancellation(t *testing.T) {
	mem, err := storage.NewMemoryStore("")
	require.NoError(t, err)
	store := &cancelAfterReplaceStore{Store: mem}
	events := &fakePublisher{}
	recorder := newFakeRecorder()
	svc := newTestService(t, store, Options{Events: events, Recorder: recorder})
	entry := createRice(t, svc, 10)

	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		store.mu.Lock()
		store.cancel = cancel
		store.mu.Unlock()

		got, err := svc.Restock(ctx, entry.ID, "alice", ledger.RestockRequest{Quantity: 1}, "")
		require.NoError(t, err)
		assert.Equal(t, float64(11+i), got.Inventory.CurrentQuantity)
		assert.Error(t, ctx.Err())
	}

	stored, err := svc.GetEntry(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 15.0, stored.Inventory.CurrentQuantity)
	assert.Equal(t, 5, recorder.count("restock/"+OutcomeSuccess))
	assert.Len(t, events.types(), 6)
}

func TestLedgerService_IdempotencyKeyReusedWithDifferentRequest(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil, Options{})
	entry := createRice(t, svc, 10)

	_, err := svc.Restock(ctx, entry.ID, "alice", ledger.RestockRequest{Quantity: 5, BatchNumber: "B1"}, "key-1")
	require.NoError(t, err)

	_, err = svc.Restock(ctx, entry.ID, "alice", ledger.RestockRequest{Quantity: 50, BatchNumber: "B1"}, "key-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ledger.ErrIdempotencyKeyReused))
	var le *ledger.Error
	require.True(t, errors.As(err, &le))
	assert.Equal(t, ledger.KindConflict, le.Kind)
	assert.Equal(t, "idempotency_key_reused", le.Reason)

	// The original request still replays.
	replayed, err := svc.Restock(ctx, entry.ID, "alice", ledger.RestockRequest{Quantity: 5, BatchNumber: "B1"}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, 15.0, replayed.Inventory.CurrentQuantity)

	stored, err := svc.GetEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, 15.0, stored.Inventory.CurrentQuantity)
	assert.Equal(t, int64(2), stored.Version)
}

func TestLedgerService_UnknownEntryLocksAreCompacted(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil, Options{LockCompactionInterval: 10 * time.Millisecond})
	entry := createRice(t, svc, 10)

	for i := 0; i < 20; i++ {
		_, err := svc.GetEntry(ctx, "missing")
		assert.True(t, errors.Is(err, ledger.ErrEntryNotFound))
		_, err = svc.Restock(ctx, fmt.Sprintf("missing-%d", i), "alice", ledger.RestockRequest{Quantity: 1}, "")
		assert.True(t, errors.Is(err, ledger.ErrEntryNotFound))
	}

	require.Eventually(t, func() bool {
		return svc.GetLockStats()["total_entry_locks"] == 1
	}, time.Second, 5*time.Millisecond)

	_, err := svc.Restock(ctx, entry.ID, "alice", ledger.RestockRequest{Quantity: 1}, "")
	require.NoError(t, err)
}

func TestLedgerService_CreateTrimsIdentifiers(t *testing.T) {
	svc := newTestService(t, nil, Options{})
	createRice(t, svc, 10)

	_, err := svc.CreateEntry(context.Background(), "creator", ledger.NewEntry{
		Item:      ledger.Item{Name: "Rice", Category: "Food", SKU: " RICE-25KG "},
		Location:  ledger.Location{WarehouseID: "WH-1 ", Name: "Central", Address: "1 Depot Rd"},
		Inventory: ledger.InventoryInput{CurrentQuantity: floatPtr(1), Unit: "kg", Threshold: floatPtr(0)},
	})
	assert.True(t, errors.Is(err, ledger.ErrDuplicateEntry))
}
