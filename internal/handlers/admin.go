package handlers

import (
	"net/http"
	"time"

	"relief-inventory-api/internal/events"
	"relief-inventory-api/internal/services"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// AdminHandler handles admin-only endpoints
type AdminHandler struct {
	ledgerService *services.LedgerService
	eventQueue    *events.EventQueue
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(ledgerService *services.LedgerService, eventQueue *events.EventQueue) *AdminHandler {
	return &AdminHandler{
		ledgerService: ledgerService,
		eventQueue:    eventQueue,
	}
}

// DeleteEntry handles DELETE /v1/admin/entries/{entryId}
func (h *AdminHandler) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	entryID := mux.Vars(r)["entryId"]
	actor := actorID(r)

	if err := h.ledgerService.DeleteEntry(r.Context(), entryID, actor); err != nil {
		writeLedgerError(w, r, err)
		return
	}

	zap.L().Info("Admin deleted stock entry",
		zap.String("entry_id", entryID),
		zap.String("actor", actor),
		zap.String("remote_addr", r.RemoteAddr))
	w.WriteHeader(http.StatusNoContent)
}

// GetStats handles GET /v1/admin/stats
func (h *AdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"idempotency_cache": h.ledgerService.GetCacheStats(),
		"locks":             h.ledgerService.GetLockStats(),
		"queue":             h.ledgerService.GetQueueStats(),
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
	}
	if h.eventQueue != nil {
		stats["events"] = map[string]interface{}{
			"current_offset":  h.eventQueue.GetCurrentOffset(),
			"retained_events": h.eventQueue.Len(),
		}
	}
	writeJSONResponse(w, http.StatusOK, stats)
}

// CompactLocks handles POST /v1/admin/locks/compact
func (h *AdminHandler) CompactLocks(w http.ResponseWriter, r *http.Request) {
	removed, err := h.ledgerService.CompactLocks(r.Context())
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	zap.L().Info("Admin compacted entry locks",
		zap.Int("removed", removed),
		zap.String("actor", actorID(r)))
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"removed_locks": removed,
		"locks":         h.ledgerService.GetLockStats(),
	})
}
