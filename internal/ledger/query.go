package ledger

import (
	"sort"
	"strings"
)

// Filter selects entries. Empty fields match everything.
type Filter struct {
	SKU         string `json:"sku,omitempty"`
	WarehouseID string `json:"warehouseId,omitempty"`
	Category    string `json:"category,omitempty"`
	Status      string `json:"status,omitempty"`
	Tag         string `json:"tag,omitempty"`
	LowStock    bool   `json:"lowStock,omitempty"`
}

// Matches reports whether e satisfies every set criterion. SKU and category
// match as case-insensitive substrings; the rest match exactly.
func (f Filter) Matches(e *StockEntry) bool {
	if f.SKU != "" && !containsFold(e.Item.SKU, f.SKU) {
		return false
	}
	if f.WarehouseID != "" && e.Location.WarehouseID != f.WarehouseID {
		return false
	}
	if f.Category != "" && !containsFold(e.Item.Category, f.Category) {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.Tag != "" && !e.HasTag(f.Tag) {
		return false
	}
	if f.LowStock && !e.IsLowStock() {
		return false
	}
	return true
}

// Apply filters entries and returns them newest first.
func (f Filter) Apply(entries []*StockEntry) []*StockEntry {
	out := make([]*StockEntry, 0, len(entries))
	for _, e := range entries {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	SortByLastUpdated(out)
	return out
}

// SortByLastUpdated orders entries by most recent update, then by id.
func SortByLastUpdated(entries []*StockEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.LastUpdated.Equal(b.LastUpdated) {
			return a.LastUpdated.After(b.LastUpdated)
		}
		return a.ID < b.ID
	})
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
