// Package ledger holds the stock entry aggregate and the quantity rules that
// restock, reserve and dispatch operations apply to it.
package ledger

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Entry statuses. Status is opaque to the engine apart from filtering.
const (
	StatusActive       = "active"
	StatusInactive     = "inactive"
	StatusDiscontinued = "discontinued"
)

// Action types and statuses.
const (
	ActionRestock  = "Restock"
	ActionDispatch = "Dispatch"
	ActionReserve  = "Reserve"

	ActionCompleted = "Completed"
	ActionFailed    = "Failed"
	ActionPending   = "Pending"
)

// Batch conditions.
const (
	ConditionNew     = "New"
	ConditionDamaged = "Damaged"
	ConditionExpired = "Expired"
)

// DefaultBatchShelfLife is the expiry applied to received batches without one.
const DefaultBatchShelfLife = 365 * 24 * time.Hour

// Item describes what is stocked.
type Item struct {
	Name        string `json:"name" bson:"name" validate:"required"`
	Category    string `json:"category" bson:"category" validate:"required"`
	SKU         string `json:"sku" bson:"sku" validate:"required"`
	Description string `json:"description,omitempty" bson:"description,omitempty"`
}

// GeoPoint is a warehouse position.
type GeoPoint struct {
	Latitude  float64 `json:"latitude" bson:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" bson:"longitude" validate:"gte=-180,lte=180"`
}

// Contact is the warehouse manager.
type Contact struct {
	Name  string `json:"name,omitempty" bson:"name,omitempty"`
	Phone string `json:"phone,omitempty" bson:"phone,omitempty"`
	Email string `json:"email,omitempty" bson:"email,omitempty" validate:"omitempty,email"`
}

// Location describes where the stock is held.
type Location struct {
	WarehouseID    string    `json:"warehouseId" bson:"warehouseId" validate:"required"`
	Name           string    `json:"name" bson:"name" validate:"required"`
	Address        string    `json:"address" bson:"address" validate:"required"`
	Geocoordinates *GeoPoint `json:"geocoordinates,omitempty" bson:"geocoordinates,omitempty"`
	ManagerContact *Contact  `json:"managerContact,omitempty" bson:"managerContact,omitempty"`
}

// Inventory carries the quantity state of an entry.
type Inventory struct {
	CurrentQuantity   float64 `json:"currentQuantity" bson:"currentQuantity"`
	Unit              string  `json:"unit" bson:"unit"`
	Threshold         float64 `json:"threshold" bson:"threshold"`
	ReservedQuantity  float64 `json:"reservedQuantity" bson:"reservedQuantity"`
	AvailableQuantity float64 `json:"availableQuantity" bson:"availableQuantity"`
}

// Available derives the free quantity from current and reserved stock.
func (inv Inventory) Available() float64 {
	return math.Max(0, inv.CurrentQuantity-inv.ReservedQuantity)
}

// Recompute refreshes the derived available quantity.
func (inv *Inventory) Recompute() {
	inv.AvailableQuantity = inv.Available()
}

// Batch is one received lot.
type Batch struct {
	BatchNumber  string    `json:"batchNumber,omitempty" bson:"batchNumber,omitempty"`
	Quantity     float64   `json:"quantity" bson:"quantity"`
	ExpiryDate   time.Time `json:"expiryDate" bson:"expiryDate"`
	ReceivedDate time.Time `json:"receivedDate" bson:"receivedDate"`
	Condition    string    `json:"condition" bson:"condition"`
}

// Action is an operational event on the entry.
type Action struct {
	Type        string    `json:"type" bson:"type"`
	TriggeredBy string    `json:"triggeredBy" bson:"triggeredBy"`
	Timestamp   time.Time `json:"timestamp" bson:"timestamp"`
	Status      string    `json:"status" bson:"status"`
	Notes       string    `json:"notes,omitempty" bson:"notes,omitempty"`
	Destination string    `json:"destination,omitempty" bson:"destination,omitempty"`
}

// AuditEntry records who changed what.
type AuditEntry struct {
	UserID    string    `json:"userId" bson:"userId"`
	Change    string    `json:"change" bson:"change"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// StockEntry is the ledger aggregate for one (sku, warehouse) pair.
type StockEntry struct {
	ID          string       `json:"id" bson:"_id"`
	Item        Item         `json:"item" bson:"item"`
	Location    Location     `json:"location" bson:"location"`
	Inventory   Inventory    `json:"inventory" bson:"inventory"`
	Batches     []Batch      `json:"batches" bson:"batches"`
	Actions     []Action     `json:"actions" bson:"actions"`
	AuditLog    []AuditEntry `json:"auditLog" bson:"auditLog"`
	Tags        []string     `json:"tags" bson:"tags"`
	Status      string       `json:"status" bson:"status"`
	Version     int64        `json:"version" bson:"version"`
	CreatedAt   time.Time    `json:"createdAt" bson:"createdAt"`
	LastUpdated time.Time    `json:"lastUpdated" bson:"lastUpdated"`
}

// Key returns the natural key of the entry.
func (e *StockEntry) Key() string {
	return EntryKey(e.Item.SKU, e.Location.WarehouseID)
}

// EntryKey joins a sku and warehouse id into the uniqueness key.
func EntryKey(sku, warehouseID string) string {
	return sku + "\x00" + warehouseID
}

// IsLowStock reports whether available stock is at or below the reorder threshold.
func (e *StockEntry) IsLowStock() bool {
	return e.Inventory.AvailableQuantity <= e.Inventory.Threshold
}

// HasTag reports exact tag membership.
func (e *StockEntry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (e *StockEntry) Clone() *StockEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Location.Geocoordinates != nil {
		g := *e.Location.Geocoordinates
		c.Location.Geocoordinates = &g
	}
	if e.Location.ManagerContact != nil {
		m := *e.Location.ManagerContact
		c.Location.ManagerContact = &m
	}
	c.Batches = append([]Batch(nil), e.Batches...)
	c.Actions = append([]Action(nil), e.Actions...)
	c.AuditLog = append([]AuditEntry(nil), e.AuditLog...)
	c.Tags = append([]string(nil), e.Tags...)
	if c.Batches == nil {
		c.Batches = []Batch{}
	}
	if c.Actions == nil {
		c.Actions = []Action{}
	}
	if c.AuditLog == nil {
		c.AuditLog = []AuditEntry{}
	}
	if c.Tags == nil {
		c.Tags = []string{}
	}
	return &c
}

// NormalizeTags trims, deduplicates and sorts tags.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func formatQuantity(q float64) string {
	return strconv.FormatFloat(q, 'f', -1, 64)
}
