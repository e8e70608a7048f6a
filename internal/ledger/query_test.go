package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func queryFixture() []*StockEntry {
	mk := func(id, sku, wh, category, status string, available, threshold float64, updated time.Duration, tags ...string) *StockEntry {
		return &StockEntry{
			ID:          id,
			Item:        Item{SKU: sku, Category: category},
			Location:    Location{WarehouseID: wh},
			Inventory:   Inventory{AvailableQuantity: available, Threshold: threshold},
			Tags:        tags,
			Status:      status,
			LastUpdated: testNow.Add(updated),
		}
	}
	return []*StockEntry{
		mk("a", "RICE-25KG", "WH-1", "Food", StatusActive, 100, 10, 1*time.Minute, "staple"),
		mk("b", "rice-5kg", "WH-2", "Food", StatusActive, 5, 10, 3*time.Minute),
		mk("c", "TENT-4", "WH-1", "Shelter", StatusDiscontinued, 40, 2, 2*time.Minute, "winter", "staple"),
		mk("d", "BLANKET", "WH-1", "Shelter/Bedding", StatusActive, 2, 2, 2*time.Minute),
	}
}

func ids(entries []*StockEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func TestFilterApply(t *testing.T) {
	cases := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"no filter sorts newest first with id tiebreak", Filter{}, []string{"b", "c", "d", "a"}},
		{"sku substring ignores case", Filter{SKU: "Rice"}, []string{"b", "a"}},
		{"warehouse is exact", Filter{WarehouseID: "WH-1"}, []string{"c", "d", "a"}},
		{"warehouse prefix does not match", Filter{WarehouseID: "WH"}, []string{}},
		{"category substring", Filter{Category: "shel"}, []string{"c", "d"}},
		{"status exact", Filter{Status: StatusDiscontinued}, []string{"c"}},
		{"tag membership", Filter{Tag: "staple"}, []string{"c", "a"}},
		{"tag is not a substring match", Filter{Tag: "stap"}, []string{}},
		{"low stock is inclusive", Filter{LowStock: true}, []string{"b", "d"}},
		{"combined", Filter{WarehouseID: "WH-1", Category: "shelter", Status: StatusActive}, []string{"d"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ids(tc.filter.Apply(queryFixture())))
		})
	}
}
