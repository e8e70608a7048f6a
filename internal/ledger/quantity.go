package ledger

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// RestockRequest adds stock, optionally recording a received batch.
type RestockRequest struct {
	Quantity    float64    `json:"quantity"`
	BatchNumber string     `json:"batchNumber,omitempty"`
	ExpiryDate  *time.Time `json:"expiryDate,omitempty"`
	Condition   string     `json:"condition,omitempty"`
	Notes       string     `json:"notes,omitempty"`
}

// ReserveRequest earmarks available stock.
type ReserveRequest struct {
	Quantity float64 `json:"quantity"`
	Notes    string  `json:"notes,omitempty"`
}

// DispatchRequest removes available stock from the warehouse.
type DispatchRequest struct {
	Quantity    float64 `json:"quantity"`
	Destination string  `json:"destination,omitempty"`
	Notes       string  `json:"notes,omitempty"`
}

// Restock increases the current quantity. Nothing is modified when it fails.
func (e *StockEntry) Restock(actor string, req RestockRequest, now time.Time) error {
	if err := ValidateQuantity(req.Quantity); err != nil {
		return err
	}

	before := e.Inventory.CurrentQuantity
	after := before + req.Quantity
	if math.IsInf(after, 0) || math.IsNaN(after) {
		return QuantityOverflow(before, req.Quantity)
	}
	e.Inventory.CurrentQuantity = after

	if batchNumber := strings.TrimSpace(req.BatchNumber); batchNumber != "" {
		expiry := now.Add(DefaultBatchShelfLife)
		if req.ExpiryDate != nil {
			expiry = req.ExpiryDate.UTC()
		}
		condition := strings.TrimSpace(req.Condition)
		if condition == "" {
			condition = ConditionNew
		}
		e.Batches = append(e.Batches, Batch{
			BatchNumber:  batchNumber,
			Quantity:     req.Quantity,
			ExpiryDate:   expiry,
			ReceivedDate: now,
			Condition:    condition,
		})
	}

	e.Actions = append(e.Actions, Action{
		Type:        ActionRestock,
		TriggeredBy: actor,
		Timestamp:   now,
		Status:      ActionCompleted,
		Notes:       req.Notes,
	})
	e.appendAudit(actor, now, "Restocked %s %s: currentQuantity %s -> %s",
		formatQuantity(req.Quantity), e.Inventory.Unit,
		formatQuantity(before), formatQuantity(e.Inventory.CurrentQuantity))
	e.touch(now)
	return nil
}

// Reserve earmarks part of the available quantity. It writes an audit entry
// but no action record.
func (e *StockEntry) Reserve(actor string, req ReserveRequest, now time.Time) error {
	if err := ValidateQuantity(req.Quantity); err != nil {
		return err
	}
	if available := e.Inventory.Available(); available < req.Quantity {
		return InsufficientAvailable(req.Quantity, available)
	}

	before := e.Inventory.ReservedQuantity
	e.Inventory.ReservedQuantity += req.Quantity

	change := fmt.Sprintf("Reserved %s %s: reservedQuantity %s -> %s",
		formatQuantity(req.Quantity), e.Inventory.Unit,
		formatQuantity(before), formatQuantity(e.Inventory.ReservedQuantity))
	if req.Notes != "" {
		change += " (" + req.Notes + ")"
	}
	e.appendAudit(actor, now, "%s", change)
	e.touch(now)
	return nil
}

// Dispatch removes stock against the available quantity. The reserved
// quantity is left as it was.
func (e *StockEntry) Dispatch(actor string, req DispatchRequest, now time.Time) error {
	if err := ValidateQuantity(req.Quantity); err != nil {
		return err
	}
	if available := e.Inventory.Available(); available < req.Quantity {
		return InsufficientAvailable(req.Quantity, available)
	}

	before := e.Inventory.CurrentQuantity
	e.Inventory.CurrentQuantity -= req.Quantity

	e.Actions = append(e.Actions, Action{
		Type:        ActionDispatch,
		TriggeredBy: actor,
		Timestamp:   now,
		Status:      ActionCompleted,
		Notes:       req.Notes,
		Destination: req.Destination,
	})

	change := fmt.Sprintf("Dispatched %s %s: currentQuantity %s -> %s",
		formatQuantity(req.Quantity), e.Inventory.Unit,
		formatQuantity(before), formatQuantity(e.Inventory.CurrentQuantity))
	if req.Destination != "" {
		change += " to " + req.Destination
	}
	e.appendAudit(actor, now, "%s", change)
	e.touch(now)
	return nil
}

func (e *StockEntry) appendAudit(actor string, now time.Time, format string, args ...interface{}) {
	e.AuditLog = append(e.AuditLog, AuditEntry{
		UserID:    actor,
		Change:    fmt.Sprintf(format, args...),
		Timestamp: now,
	})
}

func (e *StockEntry) touch(now time.Time) {
	e.Inventory.Recompute()
	e.LastUpdated = now
}
