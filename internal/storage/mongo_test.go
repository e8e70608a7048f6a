package storage

import (
	"testing"

	"relief-inventory-api/internal/ledger"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestBuildMongoFilter(t *testing.T) {
	assert.Equal(t, bson.M{}, buildMongoFilter(ledger.Filter{}))

	got := buildMongoFilter(ledger.Filter{
		SKU:         "rice.25",
		WarehouseID: "WH-1",
		Category:    "food",
		Status:      ledger.StatusActive,
		Tag:         "staple",
		LowStock:    true,
	})

	assert.Equal(t, primitive.Regex{Pattern: `rice\.25`, Options: "i"}, got["item.sku"])
	assert.Equal(t, "WH-1", got["location.warehouseId"])
	assert.Equal(t, primitive.Regex{Pattern: "food", Options: "i"}, got["item.category"])
	assert.Equal(t, ledger.StatusActive, got["status"])
	assert.Equal(t, "staple", got["tags"])
	assert.Equal(t,
		bson.M{"$lte": bson.A{"$inventory.availableQuantity", "$inventory.threshold"}},
		got["$expr"])
}
