package catalog

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/pricewatch/internal/model"
)

// Store is the slice of persistence the importer needs.
type Store interface {
	UpsertProduct(ctx context.Context, p *model.Product) error
	UpsertCompetitorProduct(ctx context.Context, cp *model.CompetitorProduct) error
	UpsertMarketplace(ctx context.Context, m *model.Marketplace) error
}

// BulkStore is the COPY-backed fast path the Postgres store provides. The
// importer prefers it when the store implements it.
type BulkStore interface {
	BulkImportCatalog(ctx context.Context, products []model.Product, competitors []model.CompetitorProduct, marketplaces []model.Marketplace) error
}

// Defaults fill the fields a seed entry omits.
type Defaults struct {
	TaxRate  float64
	Currency string
}

// ImportStats counts what an import wrote.
type ImportStats struct {
	Products     int
	Competitors  int
	Marketplaces int
}

// Importer upserts catalog seeds into the store.
type Importer struct {
	store    Store
	defaults Defaults
}

// NewImporter creates an Importer applying the given defaults.
func NewImporter(st Store, defaults Defaults) *Importer {
	return &Importer{store: st, defaults: defaults}
}

// Import validates the seed and upserts its entries. Marketplaces land
// first, then products, then competitors. Re-importing the same seed is
// idempotent: rows are keyed by their seed ids.
func (i *Importer) Import(ctx context.Context, seed *Seed) (*ImportStats, error) {
	if err := seed.Validate(); err != nil {
		return nil, err
	}

	products, competitors, marketplaces := i.materialize(seed)

	if bulk, ok := i.store.(BulkStore); ok {
		if err := bulk.BulkImportCatalog(ctx, products, competitors, marketplaces); err != nil {
			return nil, eris.Wrap(err, "catalog: bulk import")
		}
	} else {
		for idx := range marketplaces {
			if err := i.store.UpsertMarketplace(ctx, &marketplaces[idx]); err != nil {
				return nil, eris.Wrapf(err, "catalog: import marketplace %s", marketplaces[idx].ID)
			}
		}
		for idx := range products {
			if err := i.store.UpsertProduct(ctx, &products[idx]); err != nil {
				return nil, eris.Wrapf(err, "catalog: import product %s", products[idx].ID)
			}
		}
		for idx := range competitors {
			if err := i.store.UpsertCompetitorProduct(ctx, &competitors[idx]); err != nil {
				return nil, eris.Wrapf(err, "catalog: import competitor %s", competitors[idx].ID)
			}
		}
	}

	stats := &ImportStats{
		Products:     len(products),
		Competitors:  len(competitors),
		Marketplaces: len(marketplaces),
	}
	zap.L().Info("catalog imported",
		zap.Int("products", stats.Products),
		zap.Int("competitors", stats.Competitors),
		zap.Int("marketplaces", stats.Marketplaces),
	)
	return stats, nil
}

// materialize converts seed entries to model rows, applying the defaults.
// Activity flags default to true: seeding something implies wanting it in
// the next run.
func (i *Importer) materialize(seed *Seed) ([]model.Product, []model.CompetitorProduct, []model.Marketplace) {
	products := make([]model.Product, 0, len(seed.Products))
	for _, p := range seed.Products {
		products = append(products, model.Product{
			ID:                p.ID,
			Name:              p.Name,
			Brand:             p.Brand,
			IngredientContent: p.IngredientContent,
			TaxRate:           floatOr(p.TaxRate, i.defaults.TaxRate),
			Currency:          stringOr(p.Currency, i.defaults.Currency),
			Active:            boolOr(p.Active, true),
		})
	}

	competitors := make([]model.CompetitorProduct, 0, len(seed.Competitors))
	for _, c := range seed.Competitors {
		competitors = append(competitors, model.CompetitorProduct{
			ID:                c.ID,
			ProductID:         c.ProductID,
			Name:              c.Name,
			Brand:             c.Brand,
			IngredientContent: c.IngredientContent,
			Active:            boolOr(c.Active, true),
		})
	}

	marketplaces := make([]model.Marketplace, 0, len(seed.Marketplaces))
	for _, m := range seed.Marketplaces {
		marketplaces = append(marketplaces, model.Marketplace{
			ID:        m.ID,
			Name:      m.Name,
			BaseURL:   m.BaseURL,
			Country:   m.Country,
			Currency:  stringOr(m.Currency, i.defaults.Currency),
			TaxRate:   floatOr(m.TaxRate, i.defaults.TaxRate),
			Indexable: boolOr(m.Indexable, true),
		})
	}

	return products, competitors, marketplaces
}

func floatOr(v *float64, fallback float64) float64 {
	if v == nil {
		return fallback
	}
	return *v
}

func stringOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}
