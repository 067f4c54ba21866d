// Package catalog loads first-party products, their linked competitors, and
// marketplaces from seed files and imports them into the store.
package catalog

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Seed is a catalog snapshot ready to import. Competitors are kept flat
// with an explicit product link; the YAML loader hoists competitors nested
// under a product into this form.
type Seed struct {
	Products     []SeedProduct     `yaml:"products"`
	Competitors  []SeedCompetitor  `yaml:"competitors"`
	Marketplaces []SeedMarketplace `yaml:"marketplaces"`
}

// SeedProduct is one first-party product entry. TaxRate and Active are
// pointers so an omitted value falls back to the catalog defaults while an
// explicit zero or false survives.
type SeedProduct struct {
	ID                string             `yaml:"id"`
	Name              string             `yaml:"name"`
	Brand             string             `yaml:"brand"`
	IngredientContent map[string]float64 `yaml:"ingredient_content"`
	TaxRate           *float64           `yaml:"tax_rate"`
	Currency          string             `yaml:"currency"`
	Active            *bool              `yaml:"active"`

	// Competitors may be authored nested under their product; the loader
	// moves them to Seed.Competitors with ProductID filled in.
	Competitors []SeedCompetitor `yaml:"competitors"`
}

// SeedCompetitor is one rival product linked to a first-party product.
type SeedCompetitor struct {
	ID                string             `yaml:"id"`
	ProductID         string             `yaml:"product_id"`
	Name              string             `yaml:"name"`
	Brand             string             `yaml:"brand"`
	IngredientContent map[string]float64 `yaml:"ingredient_content"`
	Active            *bool              `yaml:"active"`
}

// SeedMarketplace is one marketplace entry.
type SeedMarketplace struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	BaseURL   string   `yaml:"base_url"`
	Country   string   `yaml:"country"`
	Currency  string   `yaml:"currency"`
	TaxRate   *float64 `yaml:"tax_rate"`
	Indexable *bool    `yaml:"indexable"`
}

// LoadSeed reads a YAML seed file and normalizes it: competitors nested
// under a product move to the flat list, inheriting the product's id.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: read seed %s", path)
	}

	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, eris.Wrapf(err, "catalog: parse seed %s", path)
	}

	for pi := range seed.Products {
		p := &seed.Products[pi]
		for _, comp := range p.Competitors {
			if comp.ProductID == "" {
				comp.ProductID = p.ID
			}
			seed.Competitors = append(seed.Competitors, comp)
		}
		p.Competitors = nil
	}

	return &seed, nil
}

// Validate checks that every entry carries the identifiers the importer
// needs. Seed ids are required so re-importing the same file updates rows
// instead of breeding duplicates.
func (s *Seed) Validate() error {
	for i, p := range s.Products {
		if p.ID == "" {
			return eris.Errorf("catalog: product %d (%q): missing id", i, p.Name)
		}
		if p.Name == "" {
			return eris.Errorf("catalog: product %s: missing name", p.ID)
		}
	}
	for i, c := range s.Competitors {
		if c.ID == "" {
			return eris.Errorf("catalog: competitor %d (%q): missing id", i, c.Name)
		}
		if c.ProductID == "" {
			return eris.Errorf("catalog: competitor %s: missing product_id", c.ID)
		}
		if c.Name == "" {
			return eris.Errorf("catalog: competitor %s: missing name", c.ID)
		}
	}
	for i, m := range s.Marketplaces {
		if m.ID == "" {
			return eris.Errorf("catalog: marketplace %d (%q): missing id", i, m.Name)
		}
		if m.Name == "" {
			return eris.Errorf("catalog: marketplace %s: missing name", m.ID)
		}
		if m.BaseURL == "" {
			return eris.Errorf("catalog: marketplace %s: missing base_url", m.ID)
		}
	}
	return nil
}
