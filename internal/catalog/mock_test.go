package catalog

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/pricewatch/internal/model"
)

// mockStore implements Store for testing.
type mockStore struct {
	mock.Mock
}

func (m *mockStore) UpsertProduct(ctx context.Context, p *model.Product) error {
	args := m.Called(ctx, p)
	return args.Error(0)
}

func (m *mockStore) UpsertCompetitorProduct(ctx context.Context, cp *model.CompetitorProduct) error {
	args := m.Called(ctx, cp)
	return args.Error(0)
}

func (m *mockStore) UpsertMarketplace(ctx context.Context, mp *model.Marketplace) error {
	args := m.Called(ctx, mp)
	return args.Error(0)
}

// mockBulkStore adds the COPY-backed fast path.
type mockBulkStore struct {
	mockStore
}

func (m *mockBulkStore) BulkImportCatalog(ctx context.Context, products []model.Product, competitors []model.CompetitorProduct, marketplaces []model.Marketplace) error {
	args := m.Called(ctx, products, competitors, marketplaces)
	return args.Error(0)
}

// --- Ensure interface compliance ---
var (
	_ Store     = (*mockStore)(nil)
	_ Store     = (*mockBulkStore)(nil)
	_ BulkStore = (*mockBulkStore)(nil)
)
