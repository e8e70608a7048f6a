package ledger

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// InventoryInput is the quantity part of a create request. Pointers tell a
// missing value apart from an explicit zero.
type InventoryInput struct {
	CurrentQuantity *float64 `json:"currentQuantity" validate:"required,finite,gte=0"`
	Unit            string   `json:"unit" validate:"required"`
	Threshold       *float64 `json:"threshold" validate:"required,finite,gte=0"`
}

// NewEntry is the input for creating a stock entry.
type NewEntry struct {
	Item      Item           `json:"item"`
	Location  Location       `json:"location"`
	Inventory InventoryInput `json:"inventory"`
	Tags      []string       `json:"tags,omitempty"`
	Status    string         `json:"status,omitempty"`
}

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		_ = validate.RegisterValidation("finite", func(fl validator.FieldLevel) bool {
			f := fl.Field().Float()
			return !math.IsNaN(f) && !math.IsInf(f, 0)
		})
	})
	return validate
}

// ValidateStruct runs tag validation and converts failures into field details.
func ValidateStruct(s interface{}) error {
	err := validatorInstance().Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return ValidationFailed(err.Error())
	}
	fields := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, FieldError{
			Field: fieldPath(fe.Namespace()),
			Issue: describeTag(fe),
		})
	}
	return ValidationFailed("request validation failed", fields...)
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(namespace string) string {
	if i := strings.Index(namespace, "."); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "finite":
		return "must be a finite number"
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", fe.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "email":
		return "must be a valid email address"
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}

// ValidateQuantity accepts only finite numbers greater than zero.
func ValidateQuantity(q float64) error {
	if math.IsNaN(q) || math.IsInf(q, 0) || q <= 0 {
		return InvalidQuantity(q)
	}
	return nil
}

// Normalized trims the identifying and required text fields, so a blank
// value fails validation and "A1 " keys the same entry as "A1".
func (in NewEntry) Normalized() NewEntry {
	in.Item.Name = strings.TrimSpace(in.Item.Name)
	in.Item.Category = strings.TrimSpace(in.Item.Category)
	in.Item.SKU = strings.TrimSpace(in.Item.SKU)
	in.Location.WarehouseID = strings.TrimSpace(in.Location.WarehouseID)
	in.Location.Name = strings.TrimSpace(in.Location.Name)
	in.Location.Address = strings.TrimSpace(in.Location.Address)
	in.Inventory.Unit = strings.TrimSpace(in.Inventory.Unit)
	return in
}

// NewStockEntry validates the input and builds a fresh entry with its
// creation audit record.
func NewStockEntry(id, actor string, in NewEntry, now time.Time) (*StockEntry, error) {
	in = in.Normalized()
	if err := ValidateStruct(in); err != nil {
		return nil, err
	}
	ts := now
	status := strings.TrimSpace(in.Status)
	if status == "" {
		status = StatusActive
	}
	e := &StockEntry{
		ID:       id,
		Item:     in.Item,
		Location: in.Location,
		Inventory: Inventory{
			CurrentQuantity: *in.Inventory.CurrentQuantity,
			Unit:            in.Inventory.Unit,
			Threshold:       *in.Inventory.Threshold,
		},
		Batches:     []Batch{},
		Actions:     []Action{},
		AuditLog:    []AuditEntry{},
		Tags:        NormalizeTags(in.Tags),
		Status:      status,
		Version:     1,
		CreatedAt:   ts,
		LastUpdated: ts,
	}
	e.Inventory.Recompute()
	e.AuditLog = append(e.AuditLog, AuditEntry{
		UserID: actor,
		Change: fmt.Sprintf("Created stock entry for sku %s at warehouse %s with currentQuantity %s %s",
			e.Item.SKU, e.Location.WarehouseID, formatQuantity(e.Inventory.CurrentQuantity), e.Inventory.Unit),
		Timestamp: ts,
	})
	return e, nil
}
