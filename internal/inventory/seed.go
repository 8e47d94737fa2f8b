package inventory

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadSeedFile reads a JSON array of variants. Reserved counters in the file are ignored.
func LoadSeedFile(path string) ([]ProductVariant, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var variants []ProductVariant
	if err := json.Unmarshal(raw, &variants); err != nil {
		return nil, fmt.Errorf("decode seed file %s: %w", path, err)
	}
	for i := range variants {
		v := &variants[i]
		if v.ID == "" || v.SKU == "" {
			return nil, fmt.Errorf("seed entry %d: id and sku are required", i)
		}
		if v.StockTotal < 0 || v.Price < 0 {
			return nil, fmt.Errorf("seed entry %s: negative stock or price", v.ID)
		}
		v.StockReserved = 0
	}
	return variants, nil
}
