package pipeline

import (
	"github.com/sells-group/pricewatch/internal/model"
)

func floatPtr(v float64) *float64 {
	return &v
}

func strPtr(s string) *string {
	return &s
}

func testProduct() model.Product {
	return model.Product{
		ID:                "prod-1",
		Name:              "Vitamina C 500mg",
		Brand:             "VitaSalud",
		IngredientContent: map[string]float64{"vitamin_c_mg": 500},
		TaxRate:           0.19,
		Currency:          "COP",
		Active:            true,
	}
}

func testCompetitor() model.CompetitorProduct {
	return model.CompetitorProduct{
		ID:                "cp-1",
		ProductID:         "prod-1",
		Name:              "Vitamina C 500mg x 100",
		Brand:             "NutriMax",
		IngredientContent: map[string]float64{"vitamin_c_mg": 500},
		Active:            true,
	}
}

func testMarketplace() model.Marketplace {
	return model.Marketplace{
		ID:        "mkt-a",
		Name:      "MarketA",
		BaseURL:   "https://www.marketa.com.co",
		Country:   "CO",
		Currency:  "COP",
		TaxRate:   0.19,
		Indexable: true,
	}
}

func testMarketplaceB() model.Marketplace {
	return model.Marketplace{
		ID:        "mkt-b",
		Name:      "MarketB",
		BaseURL:   "https://www.marketb.co",
		Country:   "CO",
		Currency:  "COP",
		TaxRate:   0.19,
		Indexable: true,
	}
}
