package ledger

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// MetadataPatch edits descriptive fields. Nil fields are left untouched. The
// sku, warehouse id, unit and quantities cannot be changed this way.
type MetadataPatch struct {
	ItemName        *string   `json:"itemName,omitempty"`
	ItemDescription *string   `json:"itemDescription,omitempty"`
	ItemCategory    *string   `json:"itemCategory,omitempty"`
	LocationName    *string   `json:"locationName,omitempty"`
	LocationAddress *string   `json:"locationAddress,omitempty"`
	Geocoordinates  *GeoPoint `json:"geocoordinates,omitempty"`
	ManagerContact  *Contact  `json:"managerContact,omitempty"`
	Threshold       *float64  `json:"threshold,omitempty"`
	Tags            *[]string `json:"tags,omitempty"`
	Status          *string   `json:"status,omitempty"`
}

// ApplyMetadata applies the patch and appends one audit entry naming the
// changed fields. It fails without modifying the entry when the patch is
// invalid or changes nothing.
func (e *StockEntry) ApplyMetadata(actor string, p MetadataPatch, now time.Time) error {
	if err := p.validate(); err != nil {
		return err
	}

	next := e.Clone()
	var changes []string
	setString := func(field string, dst *string, src *string) {
		if src == nil {
			return
		}
		v := strings.TrimSpace(*src)
		if v == *dst {
			return
		}
		changes = append(changes, fmt.Sprintf("%s %q -> %q", field, *dst, v))
		*dst = v
	}

	setString("item.name", &next.Item.Name, p.ItemName)
	setString("item.description", &next.Item.Description, p.ItemDescription)
	setString("item.category", &next.Item.Category, p.ItemCategory)
	setString("location.name", &next.Location.Name, p.LocationName)
	setString("location.address", &next.Location.Address, p.LocationAddress)
	setString("status", &next.Status, p.Status)

	if p.Geocoordinates != nil {
		g := *p.Geocoordinates
		if next.Location.Geocoordinates == nil || *next.Location.Geocoordinates != g {
			changes = append(changes, fmt.Sprintf("location.geocoordinates -> (%v, %v)", g.Latitude, g.Longitude))
			next.Location.Geocoordinates = &g
		}
	}
	if p.ManagerContact != nil {
		c := *p.ManagerContact
		if next.Location.ManagerContact == nil || *next.Location.ManagerContact != c {
			changes = append(changes, fmt.Sprintf("location.managerContact -> %s", c.Name))
			next.Location.ManagerContact = &c
		}
	}
	if p.Threshold != nil && *p.Threshold != next.Inventory.Threshold {
		changes = append(changes, fmt.Sprintf("inventory.threshold %s -> %s",
			formatQuantity(next.Inventory.Threshold), formatQuantity(*p.Threshold)))
		next.Inventory.Threshold = *p.Threshold
	}
	if p.Tags != nil {
		tags := NormalizeTags(*p.Tags)
		if strings.Join(tags, ",") != strings.Join(next.Tags, ",") {
			changes = append(changes, fmt.Sprintf("tags [%s] -> [%s]",
				strings.Join(next.Tags, ", "), strings.Join(tags, ", ")))
			next.Tags = tags
		}
	}

	if len(changes) == 0 {
		return &Error{
			Kind:    KindValidation,
			Reason:  "no_changes",
			Message: "metadata patch does not change any field",
			Err:     ErrNoChanges,
		}
	}

	next.appendAudit(actor, now, "Updated %s", strings.Join(changes, "; "))
	next.touch(now)
	*e = *next
	return nil
}

func (p MetadataPatch) validate() error {
	var fields []FieldError
	required := []struct {
		name  string
		value *string
	}{
		{"itemName", p.ItemName},
		{"itemCategory", p.ItemCategory},
		{"locationName", p.LocationName},
		{"locationAddress", p.LocationAddress},
		{"status", p.Status},
	}
	for _, r := range required {
		if r.value != nil && strings.TrimSpace(*r.value) == "" {
			fields = append(fields, FieldError{Field: r.name, Issue: "cannot be empty"})
		}
	}
	if p.Threshold != nil {
		t := *p.Threshold
		if math.IsNaN(t) || math.IsInf(t, 0) || t < 0 {
			fields = append(fields, FieldError{Field: "threshold", Issue: "must be a finite number greater than or equal to 0"})
		}
	}
	if p.Geocoordinates != nil {
		if err := ValidateStruct(p.Geocoordinates); err != nil {
			fields = append(fields, prefixFields("geocoordinates", err)...)
		}
	}
	if p.ManagerContact != nil {
		if err := ValidateStruct(p.ManagerContact); err != nil {
			fields = append(fields, prefixFields("managerContact", err)...)
		}
	}
	if len(fields) > 0 {
		return ValidationFailed("metadata validation failed", fields...)
	}
	return nil
}

func prefixFields(prefix string, err error) []FieldError {
	le, ok := err.(*Error)
	if !ok {
		return []FieldError{{Field: prefix, Issue: err.Error()}}
	}
	out := make([]FieldError, 0, len(le.Fields))
	for _, f := range le.Fields {
		out = append(out, FieldError{Field: prefix + "." + f.Field, Issue: f.Issue})
	}
	return out
}
