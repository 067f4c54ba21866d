package review

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/pricewatch/internal/model"
)

// mockStore implements Store for testing.
type mockStore struct {
	mock.Mock
}

func (m *mockStore) GetRecommendation(ctx context.Context, id string) (*model.Recommendation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Recommendation), args.Error(1)
}

func (m *mockStore) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Product), args.Error(1)
}

func (m *mockStore) GetFirstPartyPrice(ctx context.Context, productID string) (*model.Price, error) {
	args := m.Called(ctx, productID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Price), args.Error(1)
}

func (m *mockStore) ApplyRecommendation(ctx context.Context, recommendationID, actor string, price *model.Price, history *model.PriceHistory) error {
	args := m.Called(ctx, recommendationID, actor, price, history)
	return args.Error(0)
}

func (m *mockStore) RejectRecommendation(ctx context.Context, id, actor string) error {
	args := m.Called(ctx, id, actor)
	return args.Error(0)
}

// --- Ensure interface compliance ---
var _ Store = (*mockStore)(nil)
