package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"relief-inventory-api/internal/cache"
	"relief-inventory-api/internal/ledger"
	"relief-inventory-api/internal/storage"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Operation names, used for idempotency keys, events and metrics.
const (
	OpCreate   = "create"
	OpUpdate   = "update"
	OpDelete   = "delete"
	OpRestock  = "restock"
	OpReserve  = "reserve"
	OpDispatch = "dispatch"
)

// Ledger event types.
const (
	EventEntryCreated    = "entry_created"
	EventStockRestocked  = "stock_restocked"
	EventStockReserved   = "stock_reserved"
	EventStockDispatched = "stock_dispatched"
	EventEntryUpdated    = "entry_updated"
	EventEntryDeleted    = "entry_deleted"
)

// Outcome labels passed to an OperationRecorder besides the error kinds.
const (
	OutcomeSuccess  = "success"
	OutcomeReplayed = "replayed"
)

// ErrServiceStopped is returned for work submitted after Stop.
var ErrServiceStopped = errors.New("ledger service stopped")

// EventPublisher receives committed ledger changes.
type EventPublisher interface {
	Publish(eventType string, entry *ledger.StockEntry, actor string)
}

// OperationRecorder receives the outcome of every mutation.
type OperationRecorder interface {
	RecordOperation(ctx context.Context, operation, outcome string, quantity float64)
}

// Options configures a LedgerService. Zero values take defaults.
type Options struct {
	Clock                      ledger.Clock
	WorkerCount                int
	QueueBufferSize            int
	MaxRetries                 int
	IdempotencyTTL             time.Duration
	IdempotencyCleanupInterval time.Duration
	LockCompactionInterval     time.Duration
	Events                     EventPublisher
	Recorder                   OperationRecorder
}

func (o *Options) applyDefaults() {
	if o.Clock == nil {
		o.Clock = ledger.SystemClock{}
	}
	if o.WorkerCount < 1 {
		o.WorkerCount = 4
	}
	if o.QueueBufferSize < 1 {
		o.QueueBufferSize = 100
	}
	if o.MaxRetries < 1 {
		o.MaxRetries = 5
	}
	if o.IdempotencyTTL <= 0 {
		o.IdempotencyTTL = 2 * time.Minute
	}
	if o.LockCompactionInterval == 0 {
		o.LockCompactionInterval = 5 * time.Minute
	}
}

// LedgerService runs ledger operations against a Store. Every mutation is
// executed by the worker pool while holding the per-entry write lock, and is
// committed with a version-conditioned replace.
type LedgerService struct {
	store            storage.Store
	clock            ledger.Clock
	locks            *EntryLockManager
	idempotencyCache *cache.TTLCache
	events           EventPublisher
	recorder         OperationRecorder
	maxRetries       int
	workerCount      int

	jobs             chan *mutationJob
	stopping         chan struct{}
	stopped          chan struct{}
	stopOnce         sync.Once
	workersWaitGroup sync.WaitGroup
}

type mutationJob struct {
	ctx          context.Context
	run          func(ctx context.Context) mutationResult
	responseChan chan mutationResult
}

type mutationResult struct {
	entry       *ledger.StockEntry
	err         error
	replayed    bool
	fingerprint string
}

// NewLedgerService creates the service and starts its workers.
func NewLedgerService(store storage.Store, opts Options) *LedgerService {
	opts.applyDefaults()

	s := &LedgerService{
		store:            store,
		clock:            opts.Clock,
		locks:            NewEntryLockManager(),
		idempotencyCache: cache.NewTTLCache(opts.IdempotencyTTL, opts.IdempotencyCleanupInterval, opts.Clock),
		events:           opts.Events,
		recorder:         opts.Recorder,
		maxRetries:       opts.MaxRetries,
		workerCount:      opts.WorkerCount,
		jobs:             make(chan *mutationJob, opts.QueueBufferSize),
		stopping:         make(chan struct{}),
		stopped:          make(chan struct{}),
	}

	for i := 0; i < s.workerCount; i++ {
		s.workersWaitGroup.Add(1)
		go s.worker(i + 1)
	}
	if opts.LockCompactionInterval > 0 {
		s.workersWaitGroup.Add(1)
		go s.compactLocksPeriodically(opts.LockCompactionInterval)
	}

	zap.L().Info("Ledger service initialized",
		zap.Int("worker_count", opts.WorkerCount),
		zap.Int("queue_buffer_size", opts.QueueBufferSize),
		zap.Int("max_retries", opts.MaxRetries),
		zap.Duration("idempotency_ttl", opts.IdempotencyTTL),
		zap.Duration("lock_compaction_interval", opts.LockCompactionInterval))
	return s
}

// compactLocksPeriodically frees locks left behind by deleted or unknown
// entry ids.
func (s *LedgerService) compactLocksPeriodically(interval time.Duration) {
	defer s.workersWaitGroup.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.CompactLocks(context.Background()); err != nil {
				zap.L().Warn("Periodic lock compaction failed", zap.Error(err))
			}
		case <-s.stopping:
			return
		}
	}
}

func (s *LedgerService) worker(workerID int) {
	defer s.workersWaitGroup.Done()

	for {
		select {
		case job := <-s.jobs:
			job.responseChan <- job.run(job.ctx)
		case <-s.stopping:
			zap.L().Debug("Stopping ledger worker", zap.Int("worker_id", workerID))
			return
		}
	}
}

// submit queues fn and waits for its result. ctx and Stop only abort the
// enqueue; once queued, the job's own outcome is returned.
func (s *LedgerService) submit(ctx context.Context, op string, fn func(ctx context.Context) mutationResult) mutationResult {
	job := &mutationJob{ctx: ctx, run: fn, responseChan: make(chan mutationResult, 1)}

	select {
	case s.jobs <- job:
	case <-ctx.Done():
		return mutationResult{err: ledger.StorageFailure(op, ctx.Err())}
	case <-s.stopping:
		return mutationResult{err: ledger.StorageFailure(op, ErrServiceStopped)}
	}

	select {
	case res := <-job.responseChan:
		return res
	case <-s.stopped:
		// A worker may have finished the job just before exiting.
		select {
		case res := <-job.responseChan:
			return res
		default:
			return mutationResult{err: ledger.StorageFailure(op, ErrServiceStopped)}
		}
	}
}

// CreateEntry validates the input and stores a new entry at version 1.
func (s *LedgerService) CreateEntry(ctx context.Context, actor string, in ledger.NewEntry) (*ledger.StockEntry, error) {
	in = in.Normalized()
	res := s.submit(ctx, OpCreate, func(ctx context.Context) mutationResult {
		var res mutationResult
		s.locks.WithEntryWriteLock(ledger.EntryKey(in.Item.SKU, in.Location.WarehouseID), func() {
			e, err := ledger.NewStockEntry(uuid.NewString(), actor, in, s.clock.Now())
			if err != nil {
				res.err = err
				return
			}
			if err := s.store.Create(ctx, e); err != nil {
				res.err = asLedgerError(OpCreate, err)
				return
			}
			res.entry = e
		})
		return res
	})

	s.finish(ctx, OpCreate, EventEntryCreated, actor, 0, res.entry, res.err)
	return res.entry, res.err
}

// GetEntry loads one entry.
func (s *LedgerService) GetEntry(ctx context.Context, id string) (*ledger.StockEntry, error) {
	// Store reads are atomic per entry, so no lock is taken.
	entry, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, asLedgerError("get", err)
	}
	return entry, nil
}

// QueryEntries returns the entries matching filter, newest first.
func (s *LedgerService) QueryEntries(ctx context.Context, filter ledger.Filter) ([]*ledger.StockEntry, error) {
	entries, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, asLedgerError("query", err)
	}
	return entries, nil
}

// UpdateEntry applies a metadata patch.
func (s *LedgerService) UpdateEntry(ctx context.Context, id, actor string, patch ledger.MetadataPatch) (*ledger.StockEntry, error) {
	return s.mutate(ctx, id, OpUpdate, EventEntryUpdated, actor, "", "", 0, func(e *ledger.StockEntry, now time.Time) error {
		return e.ApplyMetadata(actor, patch, now)
	})
}

// DeleteEntry removes an entry. The published event carries its last state.
func (s *LedgerService) DeleteEntry(ctx context.Context, id, actor string) error {
	res := s.submit(ctx, OpDelete, func(ctx context.Context) mutationResult {
		var res mutationResult
		s.locks.WithEntryWriteLock(id, func() {
			current, err := s.store.Get(ctx, id)
			if err != nil {
				res.err = asLedgerError(OpDelete, err)
				return
			}
			if err := s.store.Delete(ctx, id); err != nil {
				res.err = asLedgerError(OpDelete, err)
				return
			}
			res.entry = current
		})
		return res
	})

	s.finish(ctx, OpDelete, EventEntryDeleted, actor, 0, res.entry, res.err)
	return res.err
}

// Restock adds received stock, optionally tracking it as a batch.
func (s *LedgerService) Restock(ctx context.Context, id, actor string, req ledger.RestockRequest, idempotencyKey string) (*ledger.StockEntry, error) {
	return s.mutate(ctx, id, OpRestock, EventStockRestocked, actor, idempotencyKey, requestFingerprint(req), req.Quantity, func(e *ledger.StockEntry, now time.Time) error {
		return e.Restock(actor, req, now)
	})
}

// Reserve earmarks available stock.
func (s *LedgerService) Reserve(ctx context.Context, id, actor string, req ledger.ReserveRequest, idempotencyKey string) (*ledger.StockEntry, error) {
	return s.mutate(ctx, id, OpReserve, EventStockReserved, actor, idempotencyKey, requestFingerprint(req), req.Quantity, func(e *ledger.StockEntry, now time.Time) error {
		return e.Reserve(actor, req, now)
	})
}

// Dispatch ships available stock out of the warehouse.
func (s *LedgerService) Dispatch(ctx context.Context, id, actor string, req ledger.DispatchRequest, idempotencyKey string) (*ledger.StockEntry, error) {
	return s.mutate(ctx, id, OpDispatch, EventStockDispatched, actor, idempotencyKey, requestFingerprint(req), req.Quantity, func(e *ledger.StockEntry, now time.Time) error {
		return e.Dispatch(actor, req, now)
	})
}

// mutate applies a quantity or metadata change. A repeated idempotency key
// replays the cached outcome when the request matches the original and is a
// conflict when it does not.
func (s *LedgerService) mutate(ctx context.Context, id, op, eventType, actor, idempotencyKey, fingerprint string, quantity float64, apply func(*ledger.StockEntry, time.Time) error) (*ledger.StockEntry, error) {
	res := s.submit(ctx, op, func(ctx context.Context) mutationResult {
		var res mutationResult
		s.locks.WithEntryWriteLock(id, func() {
			cacheKey := ""
			if idempotencyKey != "" {
				cacheKey = id + "|" + op + "|" + idempotencyKey
				if cached, ok := s.idempotencyCache.Get(cacheKey); ok {
					if prev, ok := cached.(mutationResult); ok {
						if prev.fingerprint != fingerprint {
							zap.L().Warn("Idempotency key reused with a different request",
								zap.String("entry_id", id),
								zap.String("operation", op),
								zap.String("idempotency_key", idempotencyKey))
							res.err = ledger.IdempotencyKeyReused(idempotencyKey)
							return
						}
						zap.L().Info("Idempotent request detected, returning cached result",
							zap.String("entry_id", id),
							zap.String("operation", op),
							zap.String("idempotency_key", idempotencyKey))
						res = prev
						res.replayed = true
						if prev.entry != nil {
							res.entry = prev.entry.Clone()
						}
						return
					}
				}
			}

			res.entry, res.err = s.applyWithRetry(ctx, id, op, apply)

			// Storage failures are transient and must stay retryable.
			if cacheKey != "" && (res.err == nil || ledger.KindOf(res.err) != ledger.KindStorage) {
				cached := res
				cached.fingerprint = fingerprint
				if res.entry != nil {
					cached.entry = res.entry.Clone()
				}
				s.idempotencyCache.Set(cacheKey, cached)
			}
		})
		return res
	})

	if res.replayed {
		s.record(ctx, op, OutcomeReplayed, 0)
		return res.entry, res.err
	}
	s.finish(ctx, op, eventType, actor, quantity, res.entry, res.err)
	return res.entry, res.err
}

// applyWithRetry loads, mutates and conditionally replaces the entry, reloading
// on a version mismatch. Callers hold the entry's write lock.
func (s *LedgerService) applyWithRetry(ctx context.Context, id, op string, apply func(*ledger.StockEntry, time.Time) error) (*ledger.StockEntry, error) {
	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, ledger.StorageFailure(op, err)
		}

		current, err := s.store.Get(ctx, id)
		if err != nil {
			return nil, asLedgerError(op, err)
		}

		next := current.Clone()
		if err := apply(next, s.clock.Now()); err != nil {
			return nil, err
		}

		err = s.store.Replace(ctx, next, current.Version)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, ledger.ErrVersionConflict) {
			return nil, asLedgerError(op, err)
		}

		zap.L().Warn("Version conflict detected, retrying",
			zap.String("entry_id", id),
			zap.String("operation", op),
			zap.Int64("expected_version", current.Version),
			zap.Int("attempt", attempt))
	}
	return nil, ledger.VersionConflict(id, s.maxRetries)
}

func (s *LedgerService) finish(ctx context.Context, op, eventType, actor string, quantity float64, entry *ledger.StockEntry, err error) {
	if err != nil {
		s.record(ctx, op, string(ledger.KindOf(err)), 0)
		zap.L().Debug("Ledger operation rejected",
			zap.String("operation", op),
			zap.String("kind", string(ledger.KindOf(err))),
			zap.Error(err))
		return
	}

	s.record(ctx, op, OutcomeSuccess, quantity)
	if s.events != nil && entry != nil {
		s.events.Publish(eventType, entry, actor)
	}
	zap.L().Info("Ledger operation applied",
		zap.String("operation", op),
		zap.String("entry_id", entry.ID),
		zap.Int64("version", entry.Version),
		zap.String("actor", actor))
}

func (s *LedgerService) record(ctx context.Context, op, outcome string, quantity float64) {
	if s.recorder != nil {
		s.recorder.RecordOperation(ctx, op, outcome, quantity)
	}
}

// CompactLocks drops locks for entries that no longer exist.
func (s *LedgerService) CompactLocks(ctx context.Context) (int, error) {
	entries, err := s.store.List(ctx, ledger.Filter{})
	if err != nil {
		return 0, asLedgerError("compact_locks", err)
	}
	active := make(map[string]bool, 2*len(entries))
	for _, e := range entries {
		active[e.ID] = true
		active[e.Key()] = true
	}
	return s.locks.CleanupUnusedLocks(active), nil
}

// Ping checks the backing store.
func (s *LedgerService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// GetCacheStats returns statistics about the idempotency cache
func (s *LedgerService) GetCacheStats() map[string]interface{} {
	return s.idempotencyCache.GetStats()
}

// GetLockStats returns statistics about the entry lock manager
func (s *LedgerService) GetLockStats() map[string]interface{} {
	return s.locks.GetLockStats()
}

// GetQueueStats reports the worker pool state.
func (s *LedgerService) GetQueueStats() map[string]interface{} {
	return map[string]interface{}{
		"worker_count":   s.workerCount,
		"queued_jobs":    len(s.jobs),
		"queue_capacity": cap(s.jobs),
		"max_retries":    s.maxRetries,
	}
}

// Stop waits for in-flight jobs and shuts the workers down. Queued jobs that
// were not started fail with ErrServiceStopped.
func (s *LedgerService) Stop() {
	s.stopOnce.Do(func() {
		zap.L().Info("Stopping ledger service", zap.Int("worker_count", s.workerCount))
		close(s.stopping)
		s.workersWaitGroup.Wait()
		close(s.stopped)
		s.idempotencyCache.Stop()
		zap.L().Info("Ledger service stopped")
	})
}

// requestFingerprint identifies a mutation request body for idempotency checks.
func requestFingerprint(req interface{}) string {
	raw, err := json.Marshal(req)
	if err != nil {
		raw = []byte(fmt.Sprintf("%#v", req))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// asLedgerError keeps ledger errors as they are and wraps anything else as
// a storage failure.
func asLedgerError(op string, err error) error {
	var le *ledger.Error
	if errors.As(err, &le) {
		return err
	}
	return ledger.StorageFailure(op, err)
}
