package handlers

import (
	"net/http"

	"relief-inventory-api/internal/events"
	"relief-inventory-api/internal/middleware"
	"relief-inventory-api/internal/services"
	"relief-inventory-api/internal/telemetry"

	"github.com/gorilla/mux"
)

// RouterConfig carries everything the HTTP surface is built from. Telemetry
// and RateLimiter are optional.
type RouterConfig struct {
	LedgerService *services.LedgerService
	EventQueue    *events.EventQueue
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Telemetry     *telemetry.LedgerTelemetry
	Store         Pinger
}

// NewRouter wires handlers and middleware.
func NewRouter(cfg RouterConfig) *mux.Router {
	ledgerHandler := NewLedgerHandler(cfg.LedgerService)
	eventsHandler := NewEventsHandler(cfg.EventQueue)
	adminHandler := NewAdminHandler(cfg.LedgerService, cfg.EventQueue)
	rateLimitStatusHandler := NewRateLimitStatusHandler(cfg.RateLimiter)

	store := cfg.Store
	if store == nil {
		store = cfg.LedgerService
	}
	healthHandler := NewHealthHandler(store)

	r := mux.NewRouter()
	r.Use(middleware.RequestLogger)
	if cfg.Telemetry != nil {
		r.Use(telemetry.NewTelemetryMiddleware(cfg.Telemetry).Middleware)
	}
	if cfg.RateLimiter != nil {
		r.Use(middleware.RateLimitMiddleware(cfg.RateLimiter))
	}
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, http.StatusNotFound, "not_found", "Route not found", nil)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
	})

	// Health check endpoint (no auth required)
	r.HandleFunc("/health", healthHandler.Health).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(cfg.Authenticator.Middleware)

	// Admin routes first so /v1/admin is never taken for an entry path
	admin := v1.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.AdminMiddleware)
	admin.HandleFunc("/entries/{entryId}", adminHandler.DeleteEntry).Methods("DELETE")
	admin.HandleFunc("/stats", adminHandler.GetStats).Methods("GET")
	admin.HandleFunc("/locks/compact", adminHandler.CompactLocks).Methods("POST")
	admin.HandleFunc("/rate-limit/status", rateLimitStatusHandler.GetRateLimitStatus).Methods("GET")
	admin.HandleFunc("/rate-limit/reset", rateLimitStatusHandler.ResetRateLimits).Methods("POST")

	v1.HandleFunc("/events", eventsHandler.GetEvents).Methods("GET")
	v1.HandleFunc("/entries", ledgerHandler.CreateEntry).Methods("POST")
	v1.HandleFunc("/entries", ledgerHandler.QueryEntries).Methods("GET")
	v1.HandleFunc("/entries/{entryId}", ledgerHandler.GetEntry).Methods("GET")
	v1.HandleFunc("/entries/{entryId}", ledgerHandler.UpdateEntry).Methods("PATCH")
	v1.HandleFunc("/entries/{entryId}/restock", ledgerHandler.Restock).Methods("POST")
	v1.HandleFunc("/entries/{entryId}/reserve", ledgerHandler.Reserve).Methods("POST")
	v1.HandleFunc("/entries/{entryId}/dispatch", ledgerHandler.Dispatch).Methods("POST")

	return r
}
