package handlers

import (
	"net/http"
	"strconv"
	"time"

	"relief-inventory-api/internal/events"
	"relief-inventory-api/internal/models"
	"relief-inventory-api/internal/telemetry"

	"go.uber.org/zap"
)

const (
	defaultEventsLimit = 100
	maxEventsLimit     = 1000
	maxWaitSeconds     = 60
)

// EventsHandler serves the ledger event feed
type EventsHandler struct {
	eventQueue *events.EventQueue
}

// NewEventsHandler creates a new events handler
func NewEventsHandler(eventQueue *events.EventQueue) *EventsHandler {
	return &EventsHandler{
		eventQueue: eventQueue,
	}
}

// GetEvents handles GET /v1/events. With wait > 0 and nothing to return it
// long-polls until an event arrives or the wait elapses.
func (h *EventsHandler) GetEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var offset int64
	if raw := query.Get("offset"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeErrorResponse(w, http.StatusBadRequest, "validation_error", "Invalid query parameter", []models.ErrorDetail{
				{Field: "offset", Issue: "must be a non-negative integer"},
			})
			return
		}
		offset = parsed
	}

	limit := defaultEventsLimit
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxEventsLimit {
			writeErrorResponse(w, http.StatusBadRequest, "validation_error", "Invalid query parameter", []models.ErrorDetail{
				{Field: "limit", Issue: "must be between 1 and " + strconv.Itoa(maxEventsLimit)},
			})
			return
		}
		limit = parsed
	}

	waitSeconds := 0
	if raw := query.Get("wait"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			waitSeconds = min(parsed, maxWaitSeconds)
		}
	}

	evts, nextOffset, hasMore := h.eventQueue.GetEvents(offset, limit)

	if len(evts) == 0 && waitSeconds > 0 {
		zap.L().Debug("No events available, starting long polling",
			zap.Int64("offset", offset),
			zap.Int("wait_seconds", waitSeconds))

		if !h.eventQueue.WaitForEvents(r.Context(), offset, time.Duration(waitSeconds)*time.Second) {
			if r.Context().Err() != nil {
				zap.L().Debug("Client disconnected during long polling", zap.Int64("offset", offset))
				return
			}
		} else {
			evts, nextOffset, hasMore = h.eventQueue.GetEvents(offset, limit)
		}
	}

	telemetry.SetEventCount(r.Context(), len(evts))
	zap.L().Debug("Events response sent",
		zap.Int64("offset", offset),
		zap.Int("events_count", len(evts)),
		zap.Int64("next_offset", nextOffset),
		zap.Bool("has_more", hasMore))

	writeJSONResponse(w, http.StatusOK, models.EventsResponse{
		Events:     evts,
		NextOffset: nextOffset,
		HasMore:    hasMore,
		Count:      len(evts),
	})
}
