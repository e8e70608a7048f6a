package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"relief-inventory-api/internal/ledger"
	"relief-inventory-api/internal/middleware"
	"relief-inventory-api/internal/models"
	"relief-inventory-api/internal/services"
	"relief-inventory-api/internal/telemetry"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// IdempotencyKeyHeader lets clients retry a mutation without applying it twice.
const IdempotencyKeyHeader = "Idempotency-Key"

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// LedgerHandler handles stock entry requests
type LedgerHandler struct {
	ledgerService *services.LedgerService
}

// NewLedgerHandler creates a new ledger handler
func NewLedgerHandler(ledgerService *services.LedgerService) *LedgerHandler {
	return &LedgerHandler{
		ledgerService: ledgerService,
	}
}

// writeJSONResponse is a helper function to write JSON responses
func writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Error("Failed to encode response", zap.Error(err))
	}
}

// writeErrorResponse is a helper function to write error responses
func writeErrorResponse(w http.ResponseWriter, statusCode int, code, message string, details []models.ErrorDetail) {
	writeJSONResponse(w, statusCode, models.ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
	})
}

// writeLedgerError maps a ledger error kind to its HTTP status.
func writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	var le *ledger.Error
	if !errors.As(err, &le) {
		le = ledger.StorageFailure("request", err)
	}

	status := http.StatusServiceUnavailable
	switch le.Kind {
	case ledger.KindValidation:
		status = http.StatusBadRequest
	case ledger.KindNotFound:
		status = http.StatusNotFound
	case ledger.KindConflict:
		status = http.StatusConflict
	}

	resp := models.ErrorResponse{
		Code:    string(le.Kind),
		Reason:  le.Reason,
		Message: le.Message,
	}
	for _, f := range le.Fields {
		resp.Details = append(resp.Details, models.ErrorDetail{Field: f.Field, Issue: f.Issue})
	}

	if status == http.StatusServiceUnavailable {
		zap.L().Error("Ledger request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.RequestIDFromContext(r.Context())),
			zap.Error(err))
		// The cause may carry driver details; it is only logged.
	}
	writeJSONResponse(w, status, resp)
}

// decodeBody parses a JSON body, rejecting unknown fields and trailing data.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()

	err := dec.Decode(dst)
	if err == nil && dec.Decode(&struct{}{}) != io.EOF {
		err = errors.New("unexpected data after JSON body")
	}
	if err != nil {
		zap.L().Warn("Invalid JSON in request",
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		writeErrorResponse(w, http.StatusBadRequest, "bad_request", "Invalid JSON", []models.ErrorDetail{
			{Field: "body", Issue: err.Error()},
		})
		return false
	}
	return true
}

// actorID returns the authenticated caller recorded in audit entries.
func actorID(r *http.Request) string {
	if actor, ok := middleware.ActorFromContext(r.Context()); ok && actor.ID != "" {
		return actor.ID
	}
	return middleware.DefaultAPIClientID
}

// CreateEntry handles POST /v1/entries
func (h *LedgerHandler) CreateEntry(w http.ResponseWriter, r *http.Request) {
	var req ledger.NewEntry
	if !decodeBody(w, r, &req) {
		return
	}

	entry, err := h.ledgerService.CreateEntry(r.Context(), actorID(r), req)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/entries/"+entry.ID)
	writeJSONResponse(w, http.StatusCreated, entry)
}

// GetEntry handles GET /v1/entries/{entryId}
func (h *LedgerHandler) GetEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.ledgerService.GetEntry(r.Context(), mux.Vars(r)["entryId"])
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, entry)
}

// QueryEntries handles GET /v1/entries
func (h *LedgerHandler) QueryEntries(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := ledger.Filter{
		SKU:         strings.TrimSpace(query.Get("sku")),
		WarehouseID: strings.TrimSpace(query.Get("warehouseId")),
		Category:    strings.TrimSpace(query.Get("category")),
		Status:      strings.TrimSpace(query.Get("status")),
		Tag:         strings.TrimSpace(query.Get("tag")),
	}
	if raw := query.Get("lowStock"); raw != "" {
		lowStock, err := strconv.ParseBool(raw)
		if err != nil {
			writeLedgerError(w, r, ledger.ValidationFailed("invalid query parameter",
				ledger.FieldError{Field: "lowStock", Issue: "must be true or false"}))
			return
		}
		filter.LowStock = lowStock
	}

	entries, err := h.ledgerService.QueryEntries(r.Context(), filter)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}

	telemetry.SetEntryCount(r.Context(), len(entries))
	writeJSONResponse(w, http.StatusOK, models.EntryListResponse{
		Items: entries,
		Count: len(entries),
	})
}

// UpdateEntry handles PATCH /v1/entries/{entryId}
func (h *LedgerHandler) UpdateEntry(w http.ResponseWriter, r *http.Request) {
	var patch ledger.MetadataPatch
	if !decodeBody(w, r, &patch) {
		return
	}

	entry, err := h.ledgerService.UpdateEntry(r.Context(), mux.Vars(r)["entryId"], actorID(r), patch)
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, entry)
}

// Restock handles POST /v1/entries/{entryId}/restock
func (h *LedgerHandler) Restock(w http.ResponseWriter, r *http.Request) {
	var req ledger.RestockRequest
	if !decodeBody(w, r, &req) {
		return
	}

	entry, err := h.ledgerService.Restock(r.Context(), mux.Vars(r)["entryId"], actorID(r), req, r.Header.Get(IdempotencyKeyHeader))
	h.writeMutationResult(w, r, entry, err)
}

// Reserve handles POST /v1/entries/{entryId}/reserve
func (h *LedgerHandler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req ledger.ReserveRequest
	if !decodeBody(w, r, &req) {
		return
	}

	entry, err := h.ledgerService.Reserve(r.Context(), mux.Vars(r)["entryId"], actorID(r), req, r.Header.Get(IdempotencyKeyHeader))
	h.writeMutationResult(w, r, entry, err)
}

// Dispatch handles POST /v1/entries/{entryId}/dispatch
func (h *LedgerHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req ledger.DispatchRequest
	if !decodeBody(w, r, &req) {
		return
	}

	entry, err := h.ledgerService.Dispatch(r.Context(), mux.Vars(r)["entryId"], actorID(r), req, r.Header.Get(IdempotencyKeyHeader))
	h.writeMutationResult(w, r, entry, err)
}

func (h *LedgerHandler) writeMutationResult(w http.ResponseWriter, r *http.Request, entry *ledger.StockEntry, err error) {
	if err != nil {
		writeLedgerError(w, r, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, entry)
}
