package ledger

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fieldNames(err error) []string {
	var le *Error
	if !errors.As(err, &le) {
		return nil
	}
	names := make([]string, 0, len(le.Fields))
	for _, f := range le.Fields {
		names = append(names, f.Field)
	}
	return names
}

func TestNewStockEntry_Defaults(t *testing.T) {
	e := newTestEntry(t, 100, 10)

	assert.Equal(t, "entry-1", e.ID)
	assert.Equal(t, int64(1), e.Version)
	assert.Equal(t, StatusActive, e.Status)
	assert.Equal(t, 100.0, e.Inventory.AvailableQuantity)
	assert.Equal(t, 0.0, e.Inventory.ReservedQuantity)
	assert.Equal(t, testNow, e.CreatedAt)
	assert.Equal(t, testNow, e.LastUpdated)
	require.Len(t, e.AuditLog, 1)
	assert.Equal(t, "creator", e.AuditLog[0].UserID)
	assert.Contains(t, e.AuditLog[0].Change, "currentQuantity 100 kg")
	assert.Empty(t, e.Actions)
	assert.Empty(t, e.Batches)
}

func TestNewStockEntry_MissingFields(t *testing.T) {
	_, err := NewStockEntry("id", "u", NewEntry{}, testNow)
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))

	assert.ElementsMatch(t, []string{
		"item.name", "item.category", "item.sku",
		"location.warehouseId", "location.name", "location.address",
		"inventory.currentQuantity", "inventory.unit", "inventory.threshold",
	}, fieldNames(err))
}

func TestNewStockEntry_TrimsIdentifiers(t *testing.T) {
	in := NewEntry{
		Item:      Item{Name: " Rice ", Category: "Food", SKU: "  A1 "},
		Location:  Location{WarehouseID: "WH-1\t", Name: "Central", Address: "1 Depot Rd"},
		Inventory: InventoryInput{CurrentQuantity: floatPtr(1), Unit: " kg", Threshold: floatPtr(0)},
	}
	e, err := NewStockEntry("id", "u", in, testNow)
	require.NoError(t, err)
	assert.Equal(t, "A1", e.Item.SKU)
	assert.Equal(t, "WH-1", e.Location.WarehouseID)
	assert.Equal(t, "Rice", e.Item.Name)
	assert.Equal(t, "kg", e.Inventory.Unit)
	assert.Equal(t, EntryKey("A1", "WH-1"), e.Key())

	in.Item.SKU = "   "
	in.Location.WarehouseID = "\t"
	_, err = NewStockEntry("id", "u", in, testNow)
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.ElementsMatch(t, []string{"item.sku", "location.warehouseId"}, fieldNames(err))
}

func TestNewStockEntry_ZeroQuantityIsAllowed(t *testing.T) {
	e := newTestEntry(t, 0, 0)
	assert.Equal(t, 0.0, e.Inventory.CurrentQuantity)
	assert.True(t, e.IsLowStock())
}

func TestNewStockEntry_RejectsNegativeAndNonFinite(t *testing.T) {
	in := NewEntry{
		Item:     Item{Name: "Water", Category: "Drink", SKU: "H2O"},
		Location: Location{WarehouseID: "W", Name: "N", Address: "A"},
		Inventory: InventoryInput{
			CurrentQuantity: floatPtr(-5),
			Unit:            "liters",
			Threshold:       floatPtr(math.Inf(1)),
		},
	}

	_, err := NewStockEntry("id", "u", in, testNow)
	require.Error(t, err)
	assert.ElementsMatch(t, []string{"inventory.currentQuantity", "inventory.threshold"}, fieldNames(err))
}

func TestNewStockEntry_NormalizesTagsAndValidatesContact(t *testing.T) {
	in := NewEntry{
		Item: Item{Name: "Tent", Category: "Shelter", SKU: "TENT-4"},
		Location: Location{
			WarehouseID:    "W",
			Name:           "N",
			Address:        "A",
			Geocoordinates: &GeoPoint{Latitude: 95, Longitude: 10},
			ManagerContact: &Contact{Name: "Dana", Email: "not-an-email"},
		},
		Inventory: InventoryInput{CurrentQuantity: floatPtr(1), Unit: "pcs", Threshold: floatPtr(0)},
		Tags:      []string{" winter ", "family", "winter", ""},
	}

	_, err := NewStockEntry("id", "u", in, testNow)
	require.Error(t, err)
	assert.ElementsMatch(t, []string{"location.geocoordinates.latitude", "location.managerContact.email"}, fieldNames(err))

	in.Location.Geocoordinates.Latitude = 45
	in.Location.ManagerContact.Email = "dana@example.org"
	e, err := NewStockEntry("id", "u", in, testNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"family", "winter"}, e.Tags)
}

func TestApplyMetadata(t *testing.T) {
	e := newTestEntry(t, 100, 10)
	name := "Long-grain rice"
	threshold := 25.0
	tags := []string{"staple", "food"}
	later := testNow.Add(time.Hour)

	require.NoError(t, e.ApplyMetadata("editor", MetadataPatch{
		ItemName:  &name,
		Threshold: &threshold,
		Tags:      &tags,
	}, later))

	assert.Equal(t, name, e.Item.Name)
	assert.Equal(t, 25.0, e.Inventory.Threshold)
	assert.Equal(t, []string{"food", "staple"}, e.Tags)
	assert.Equal(t, later, e.LastUpdated)
	assert.Equal(t, 100.0, e.Inventory.CurrentQuantity)
	require.Len(t, e.AuditLog, 2)
	assert.Equal(t, "editor", e.AuditLog[1].UserID)
	assert.Contains(t, e.AuditLog[1].Change, "item.name")
	assert.Contains(t, e.AuditLog[1].Change, "inventory.threshold 10 -> 25")
	assert.Empty(t, e.Actions)
}

func TestApplyMetadata_Rejections(t *testing.T) {
	e := newTestEntry(t, 100, 10)
	before := e.Clone()

	err := e.ApplyMetadata("u", MetadataPatch{}, testNow)
	assert.True(t, errors.Is(err, ErrNoChanges))

	same := "Rice"
	err = e.ApplyMetadata("u", MetadataPatch{ItemName: &same}, testNow)
	assert.True(t, errors.Is(err, ErrNoChanges))

	empty := "  "
	negative := -1.0
	err = e.ApplyMetadata("u", MetadataPatch{LocationName: &empty, Threshold: &negative}, testNow)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.ElementsMatch(t, []string{"locationName", "threshold"}, fieldNames(err))

	assert.Equal(t, before, e)
}
