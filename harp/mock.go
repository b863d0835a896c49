package harp

import "context"

// MockClient provides customizable hooks for testing code that depends on API.
type MockClient struct {
	ObtainCredentialFunc func(ctx context.Context) (*Token, error)
	FetchUserDetailsFunc func(ctx context.Context, harpIDs []string, token *Token) (*UserDetailsResponse, error)
	FetchUserRolesFunc   func(ctx context.Context, harpID string, token *Token) (RolesOutcome, error)
}

// Ensure MockClient implements API
var _ API = (*MockClient)(nil)

// ObtainCredential calls ObtainCredentialFunc if set, otherwise returns nil, nil
func (m *MockClient) ObtainCredential(ctx context.Context) (*Token, error) {
	if m.ObtainCredentialFunc != nil {
		return m.ObtainCredentialFunc(ctx)
	}
	return nil, nil
}

// FetchUserDetails calls FetchUserDetailsFunc if set, otherwise returns an empty response
func (m *MockClient) FetchUserDetails(ctx context.Context, harpIDs []string, token *Token) (*UserDetailsResponse, error) {
	if m.FetchUserDetailsFunc != nil {
		return m.FetchUserDetailsFunc(ctx, harpIDs, token)
	}
	return &UserDetailsResponse{}, nil
}

// FetchUserRoles calls FetchUserRolesFunc if set, otherwise returns a success with no roles
func (m *MockClient) FetchUserRoles(ctx context.Context, harpID string, token *Token) (RolesOutcome, error) {
	if m.FetchUserRolesFunc != nil {
		return m.FetchUserRolesFunc(ctx, harpID, token)
	}
	return RolesSuccess{StatusCode: 200}, nil
}
