package ledger

import (
	"errors"
	"fmt"
)

// Kind classifies a ledger failure for callers.
type Kind string

const (
	KindValidation Kind = "validation_error"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindStorage    Kind = "storage_failure"
)

// Sentinel causes, matched with errors.Is.
var (
	ErrInvalidQuantity       = errors.New("invalid quantity")
	ErrInsufficientAvailable = errors.New("insufficient available quantity")
	ErrDuplicateEntry        = errors.New("duplicate stock entry")
	ErrEntryNotFound         = errors.New("stock entry not found")
	ErrVersionConflict       = errors.New("stock entry version mismatch")
	ErrNoChanges             = errors.New("no fields to update")
	ErrIdempotencyKeyReused  = errors.New("idempotency key reused with a different request")
)

// FieldError describes one invalid input field.
type FieldError struct {
	Field string `json:"field"`
	Issue string `json:"issue"`
}

// Error is the error type returned by every ledger operation.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Fields  []FieldError
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf reports the kind of err. Errors that did not originate in the ledger
// are treated as storage failures.
func KindOf(err error) Kind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindStorage
}

// ValidationFailed builds a validation error carrying field-level details.
func ValidationFailed(message string, fields ...FieldError) *Error {
	return &Error{
		Kind:    KindValidation,
		Reason:  "invalid_input",
		Message: message,
		Fields:  fields,
	}
}

// InvalidQuantity rejects a quantity that is not finite and positive.
func InvalidQuantity(quantity float64) *Error {
	return &Error{
		Kind:    KindValidation,
		Reason:  "invalid_quantity",
		Message: fmt.Sprintf("quantity %s must be a finite positive number", formatQuantity(quantity)),
		Fields:  []FieldError{{Field: "quantity", Issue: "must be a finite number greater than zero"}},
		Err:     ErrInvalidQuantity,
	}
}

// QuantityOverflow rejects a restock whose total is not representable.
func QuantityOverflow(current, quantity float64) *Error {
	return &Error{
		Kind:    KindValidation,
		Reason:  "quantity_overflow",
		Message: fmt.Sprintf("restocking %s onto %s exceeds the largest storable quantity", formatQuantity(quantity), formatQuantity(current)),
		Fields:  []FieldError{{Field: "quantity", Issue: "resulting currentQuantity must be finite"}},
		Err:     ErrInvalidQuantity,
	}
}

// NotFound reports a missing entry.
func NotFound(entryID string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Reason:  "entry_not_found",
		Message: fmt.Sprintf("stock entry %s not found", entryID),
		Err:     ErrEntryNotFound,
	}
}

// InsufficientAvailable reports a reserve or dispatch larger than the available quantity.
func InsufficientAvailable(requested, available float64) *Error {
	return &Error{
		Kind:   KindConflict,
		Reason: "insufficient_available",
		Message: fmt.Sprintf("requested %s exceeds available quantity %s",
			formatQuantity(requested), formatQuantity(available)),
		Err: ErrInsufficientAvailable,
	}
}

// DuplicateEntry reports a second entry for the same sku and warehouse.
func DuplicateEntry(sku, warehouseID string) *Error {
	return &Error{
		Kind:    KindConflict,
		Reason:  "duplicate_entry",
		Message: fmt.Sprintf("stock entry for sku %q at warehouse %q already exists", sku, warehouseID),
		Err:     ErrDuplicateEntry,
	}
}

// VersionConflict reports a write that kept losing the optimistic version race.
func VersionConflict(entryID string, attempts int) *Error {
	return &Error{
		Kind:    KindConflict,
		Reason:  "version_conflict",
		Message: fmt.Sprintf("stock entry %s was modified concurrently (%d attempts)", entryID, attempts),
		Err:     ErrVersionConflict,
	}
}

// IdempotencyKeyReused reports a key replayed with a request body other than
// the one it was first used with.
func IdempotencyKeyReused(key string) *Error {
	return &Error{
		Kind:    KindConflict,
		Reason:  "idempotency_key_reused",
		Message: fmt.Sprintf("idempotency key %q was already used for a different request", key),
		Err:     ErrIdempotencyKeyReused,
	}
}

// StorageFailure wraps a persistence error. The operation is safe to retry.
func StorageFailure(op string, err error) *Error {
	return &Error{
		Kind:    KindStorage,
		Reason:  "storage_failure",
		Message: fmt.Sprintf("storage failure during %s", op),
		Err:     err,
	}
}
