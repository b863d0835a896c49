package user

import (
	"context"
	"time"
)

// MockStore provides customizable hooks for testing code that depends on Store.
type MockStore struct {
	FindByHarpIDFunc  func(ctx context.Context, harpID string) (*Record, error)
	CountExistingFunc func(ctx context.Context, harpIDs []string) (int, error)
	PageHarpIDsFunc   func(ctx context.Context, pageNumber, pageSize int) (Page, error)
	SparseUpdateFunc  func(ctx context.Context, harpID string, fields map[string]any) error
	UpsertOnLoginFunc func(ctx context.Context, probe *Record) (*Record, error)
	ListActivityFunc  func(ctx context.Context, since time.Time) ([]Record, error)
}

var _ Store = (*MockStore)(nil)

// FindByHarpID calls FindByHarpIDFunc if set, otherwise returns ErrNotFound
func (m *MockStore) FindByHarpID(ctx context.Context, harpID string) (*Record, error) {
	if m.FindByHarpIDFunc != nil {
		return m.FindByHarpIDFunc(ctx, harpID)
	}
	return nil, ErrNotFound
}

// CountExisting calls CountExistingFunc if set, otherwise returns 0, nil
func (m *MockStore) CountExisting(ctx context.Context, harpIDs []string) (int, error) {
	if m.CountExistingFunc != nil {
		return m.CountExistingFunc(ctx, harpIDs)
	}
	return 0, nil
}

// PageHarpIDs calls PageHarpIDsFunc if set, otherwise returns an empty page
func (m *MockStore) PageHarpIDs(ctx context.Context, pageNumber, pageSize int) (Page, error) {
	if m.PageHarpIDsFunc != nil {
		return m.PageHarpIDsFunc(ctx, pageNumber, pageSize)
	}
	return Page{}, nil
}

// SparseUpdate calls SparseUpdateFunc if set, otherwise returns nil
func (m *MockStore) SparseUpdate(ctx context.Context, harpID string, fields map[string]any) error {
	if m.SparseUpdateFunc != nil {
		return m.SparseUpdateFunc(ctx, harpID, fields)
	}
	return nil
}

// UpsertOnLogin calls UpsertOnLoginFunc if set, otherwise echoes probe
func (m *MockStore) UpsertOnLogin(ctx context.Context, probe *Record) (*Record, error) {
	if m.UpsertOnLoginFunc != nil {
		return m.UpsertOnLoginFunc(ctx, probe)
	}
	return probe, nil
}

// ListActivity calls ListActivityFunc if set, otherwise returns nil, nil
func (m *MockStore) ListActivity(ctx context.Context, since time.Time) ([]Record, error) {
	if m.ListActivityFunc != nil {
		return m.ListActivityFunc(ctx, since)
	}
	return nil, nil
}
