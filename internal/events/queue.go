// Package events keeps an offset-ordered feed of committed ledger changes.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"relief-inventory-api/internal/ledger"
	"relief-inventory-api/internal/models"

	"go.uber.org/zap"
)

const defaultMaxEvents = 10000

// EventQueue is a bounded in-memory event log with optional file persistence.
// Offsets grow monotonically and survive rotation.
type EventQueue struct {
	mu         sync.RWMutex
	events     []models.Event
	nextOffset int64
	notify     chan struct{}
	filePath   string
	maxEvents  int
	clock      ledger.Clock
	closeOnce  sync.Once
}

// EventQueueConfig holds configuration for the event queue
type EventQueueConfig struct {
	FilePath  string
	MaxEvents int
	Clock     ledger.Clock
}

type queueFile struct {
	Events     []models.Event `json:"events"`
	NextOffset int64          `json:"nextOffset"`
}

// NewEventQueue creates a new event queue. With an empty FilePath nothing is
// written to disk.
func NewEventQueue(config EventQueueConfig) (*EventQueue, error) {
	if config.MaxEvents < 1 {
		config.MaxEvents = defaultMaxEvents
	}
	if config.Clock == nil {
		config.Clock = ledger.SystemClock{}
	}

	eq := &EventQueue{
		events:    make([]models.Event, 0),
		notify:    make(chan struct{}),
		filePath:  config.FilePath,
		maxEvents: config.MaxEvents,
		clock:     config.Clock,
	}

	if eq.filePath != "" {
		if err := os.MkdirAll(filepath.Dir(eq.filePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create events directory: %w", err)
		}
		if err := eq.loadFromFile(); err != nil {
			zap.L().Warn("Failed to load events from file, starting fresh", zap.Error(err))
			eq.events = make([]models.Event, 0)
			eq.nextOffset = 0
		}
	}

	zap.L().Info("Event queue initialized",
		zap.String("file_path", eq.filePath),
		zap.Int("max_events", eq.maxEvents),
		zap.Int("loaded_events", len(eq.events)),
		zap.Int64("next_offset", eq.nextOffset))

	return eq, nil
}

// Publish appends an event carrying a snapshot of entry and wakes waiters.
func (eq *EventQueue) Publish(eventType string, entry *ledger.StockEntry, actor string) {
	eq.mu.Lock()
	event := models.Event{
		Offset:      eq.nextOffset,
		Timestamp:   eq.clock.Now().UTC().Format(time.RFC3339Nano),
		EventType:   eventType,
		EntryID:     entry.ID,
		SKU:         entry.Item.SKU,
		WarehouseID: entry.Location.WarehouseID,
		Actor:       actor,
		Version:     entry.Version,
		Data:        entry.Clone(),
	}
	eq.nextOffset++
	eq.events = append(eq.events, event)

	if len(eq.events) > eq.maxEvents {
		keepCount := eq.maxEvents * 3 / 4
		if keepCount < 1 {
			keepCount = 1
		}
		removed := len(eq.events) - keepCount
		eq.events = append([]models.Event(nil), eq.events[removed:]...)
		zap.L().Info("Event queue rotated",
			zap.Int("removed_events", removed),
			zap.Int("remaining_events", len(eq.events)))
	}

	if err := eq.saveLocked(); err != nil {
		zap.L().Error("Failed to save events to file", zap.Error(err))
	}

	close(eq.notify)
	eq.notify = make(chan struct{})
	eq.mu.Unlock()

	zap.L().Debug("Event published",
		zap.Int64("offset", event.Offset),
		zap.String("event_type", event.EventType),
		zap.String("entry_id", event.EntryID))
}

// GetEvents returns up to limit events with offset >= fromOffset, the offset
// to resume from and whether more events are already available.
func (eq *EventQueue) GetEvents(fromOffset int64, limit int) ([]models.Event, int64, bool) {
	eq.mu.RLock()
	defer eq.mu.RUnlock()

	result := make([]models.Event, 0)

	startIdx := -1
	for i, event := range eq.events {
		if event.Offset >= fromOffset {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		next := fromOffset
		if next > eq.nextOffset || next < 0 {
			next = eq.nextOffset
		}
		return result, next, false
	}

	endIdx := len(eq.events)
	if limit > 0 && startIdx+limit < endIdx {
		endIdx = startIdx + limit
	}
	result = append(result, eq.events[startIdx:endIdx]...)

	return result, result[len(result)-1].Offset + 1, endIdx < len(eq.events)
}

// WaitForEvents blocks until an event with offset >= fromOffset exists, the
// timeout elapses or ctx is done. It reports whether events are available.
func (eq *EventQueue) WaitForEvents(ctx context.Context, fromOffset int64, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		eq.mu.RLock()
		available := eq.nextOffset > fromOffset && len(eq.events) > 0
		notify := eq.notify
		eq.mu.RUnlock()

		if available {
			return true
		}

		select {
		case <-notify:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// GetCurrentOffset returns the offset the next event will get.
func (eq *EventQueue) GetCurrentOffset() int64 {
	eq.mu.RLock()
	defer eq.mu.RUnlock()
	return eq.nextOffset
}

// Len returns the number of retained events.
func (eq *EventQueue) Len() int {
	eq.mu.RLock()
	defer eq.mu.RUnlock()
	return len(eq.events)
}

// Close writes the final state to disk.
func (eq *EventQueue) Close() error {
	var err error
	eq.closeOnce.Do(func() {
		zap.L().Info("Shutting down event queue")
		eq.mu.Lock()
		defer eq.mu.Unlock()
		err = eq.saveLocked()
	})
	return err
}

func (eq *EventQueue) loadFromFile() error {
	data, err := os.ReadFile(eq.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read events file: %w", err)
	}

	var fileData queueFile
	if err := json.Unmarshal(data, &fileData); err != nil {
		return fmt.Errorf("failed to unmarshal events: %w", err)
	}

	if fileData.Events != nil {
		eq.events = fileData.Events
	}
	eq.nextOffset = fileData.NextOffset
	return nil
}

// saveLocked writes the queue atomically. Callers hold eq.mu.
func (eq *EventQueue) saveLocked() error {
	if eq.filePath == "" {
		return nil
	}

	data, err := json.MarshalIndent(queueFile{Events: eq.events, NextOffset: eq.nextOffset}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	tempFile := eq.filePath + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp events file: %w", err)
	}
	if err := os.Rename(tempFile, eq.filePath); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp events file: %w", err)
	}
	return nil
}
