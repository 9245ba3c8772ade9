package provider

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/catalog-enricher/pkg/googlebooks"
	"github.com/sells-group/catalog-enricher/pkg/openlibrary"
)

// mockOpenLibrary implements openlibrary.Client for testing.
type mockOpenLibrary struct {
	mock.Mock
}

func (m *mockOpenLibrary) Search(ctx context.Context, title, author string, limit int) ([]openlibrary.Doc, error) {
	args := m.Called(ctx, title, author, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]openlibrary.Doc), args.Error(1)
}

func (m *mockOpenLibrary) Work(ctx context.Context, workKey string) (*openlibrary.Work, error) {
	args := m.Called(ctx, workKey)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*openlibrary.Work), args.Error(1)
}

func (m *mockOpenLibrary) Editions(ctx context.Context, workKey string, limit int) ([]openlibrary.Edition, error) {
	args := m.Called(ctx, workKey, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]openlibrary.Edition), args.Error(1)
}

func (m *mockOpenLibrary) ISBN(ctx context.Context, isbn string) (*openlibrary.Edition, error) {
	args := m.Called(ctx, isbn)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*openlibrary.Edition), args.Error(1)
}

func (m *mockOpenLibrary) CoverURL(coverID int) string {
	return m.Called(coverID).String(0)
}

// mockGoogleBooks implements googlebooks.Client for testing.
type mockGoogleBooks struct {
	mock.Mock
}

func (m *mockGoogleBooks) Search(ctx context.Context, title, author string, limit int) ([]googlebooks.Volume, error) {
	args := m.Called(ctx, title, author, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]googlebooks.Volume), args.Error(1)
}

func (m *mockGoogleBooks) Volume(ctx context.Context, id string) (*googlebooks.Volume, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*googlebooks.Volume), args.Error(1)
}

func (m *mockGoogleBooks) ByISBN(ctx context.Context, isbn string) ([]googlebooks.Volume, error) {
	args := m.Called(ctx, isbn)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]googlebooks.Volume), args.Error(1)
}
