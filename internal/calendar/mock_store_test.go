package calendar

import (
	"context"

	"github.com/stretchr/testify/mock"

	"tourcal/internal/model"
)

// MockStore implements store.Store for testing
type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetEvent(ctx context.Context, id string) (model.Event, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.Event), args.Error(1)
}

func (m *MockStore) SaveEvent(ctx context.Context, ev model.Event) (model.Event, error) {
	args := m.Called(ctx, ev)
	// Allow tests to echo the saved record back.
	if fn, ok := args.Get(0).(func(context.Context, model.Event) model.Event); ok {
		return fn(ctx, ev), args.Error(1)
	}
	return args.Get(0).(model.Event), args.Error(1)
}

func (m *MockStore) ListEvents(ctx context.Context) ([]model.Event, error) {
	args := m.Called(ctx)
	return args.Get(0).([]model.Event), args.Error(1)
}

func (m *MockStore) DeleteEvent(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}
