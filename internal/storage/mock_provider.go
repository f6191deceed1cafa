package storage

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockSink is a mock implementation of download.Sink for testing.
type MockSink struct {
	mock.Mock
}

// Save is the mock implementation of the Save method.
func (m *MockSink) Save(ctx context.Context, path string, data []byte) error {
	args := m.Called(ctx, path, data)
	return args.Error(0) //nolint:wrapcheck
}

// Exists is the mock implementation of the Exists method.
func (m *MockSink) Exists(ctx context.Context, path string) (bool, error) {
	args := m.Called(ctx, path)
	return args.Bool(0), args.Error(1) //nolint:wrapcheck
}
