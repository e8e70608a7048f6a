package models

import "relief-inventory-api/internal/ledger"

// ErrorResponse represents the standard error response format
type ErrorResponse struct {
	Code    string        `json:"code"`
	Reason  string        `json:"reason,omitempty"`
	Message string        `json:"message"`
	Details []ErrorDetail `json:"details,omitempty"`
}

type ErrorDetail struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}

// EntryListResponse is the result of a query. There is no pagination.
type EntryListResponse struct {
	Items []*ledger.StockEntry `json:"items"`
	Count int                  `json:"count"`
}

// Event represents a committed change in the ledger
type Event struct {
	Offset      int64              `json:"offset"`
	Timestamp   string             `json:"timestamp"`
	EventType   string             `json:"eventType"`
	EntryID     string             `json:"entryId"`
	SKU         string             `json:"sku"`
	WarehouseID string             `json:"warehouseId"`
	Actor       string             `json:"actor"`
	Version     int64              `json:"version"`
	Data        *ledger.StockEntry `json:"data"`
}

// EventsResponse represents the response for the events endpoint
type EventsResponse struct {
	Events     []Event `json:"events"`
	NextOffset int64   `json:"nextOffset"`
	HasMore    bool    `json:"hasMore"`
	Count      int     `json:"count"`
}

// HealthResponse reports liveness and storage reachability.
type HealthResponse struct {
	Status    string `json:"status"`
	Storage   string `json:"storage"`
	Timestamp string `json:"timestamp"`
}
