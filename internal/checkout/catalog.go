package checkout

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fiskkrok/AL-STORE.Store-sub000/internal/money"
)

type catalogEntry struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	SKU      string `json:"sku"`
	Price    string `json:"price"`
	Currency string `json:"currency"`
}

// ReadCatalog parses a JSON array of products.
func ReadCatalog(r io.Reader) (StaticCatalog, error) {
	var entries []catalogEntry
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}
	c := make(StaticCatalog, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("catalog entry %q has no id", e.Name)
		}
		if _, dup := c[e.ID]; dup {
			return nil, fmt.Errorf("duplicate catalog id %q", e.ID)
		}
		price, err := money.Parse(e.Price, e.Currency)
		if err != nil {
			return nil, fmt.Errorf("invalid price for %q: %w", e.ID, err)
		}
		c[e.ID] = Product{ID: e.ID, Name: e.Name, SKU: e.SKU, Price: price}
	}
	return c, nil
}

// LoadCatalog reads the catalog file at path.
func LoadCatalog(path string) (StaticCatalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	defer f.Close()
	return ReadCatalog(f)
}
