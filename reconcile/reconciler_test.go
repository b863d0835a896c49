package reconcile

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Seann-Moser/usersync/harp"
	"github.com/Seann-Moser/usersync/user"
)

const program = "MADiE"

type fakeTokens struct {
	tok *harp.Token
	err error
}

func (f fakeTokens) Current(ctx context.Context) (*harp.Token, error) {
	return f.tok, f.err
}

var validTokens = fakeTokens{tok: &harp.Token{AccessToken: "tok"}}

func activeRoles() harp.RolesOutcome {
	return harp.RolesSuccess{StatusCode: http.StatusOK, Roles: []harp.UserRole{{
		ProgramName: program,
		DisplayName: "Measure Developer",
		RoleType:    "MD",
		Status:      "Active",
		StartDate:   "2024-05-10 15:30:00",
	}}}
}

func detailsFor(ids ...string) *harp.UserDetailsResponse {
	resp := &harp.UserDetailsResponse{}
	for _, id := range ids {
		resp.UserDetails = append(resp.UserDetails, harp.UserDetail{
			Username:   strings.ToUpper(id),
			Email:      id + "@example.com",
			FirstName:  "First " + id,
			LastName:   "Last " + id,
			CreateDate: "2023-01-01 10:00:00",
		})
	}
	return resp
}

// memoryStore records sparse updates in memory.
type memoryStore struct {
	user.MockStore
	mu      sync.Mutex
	records map[string]*user.Record
	updates map[string]map[string]any
}

func newMemoryStore(records ...*user.Record) *memoryStore {
	s := &memoryStore{records: map[string]*user.Record{}, updates: map[string]map[string]any{}}
	for _, r := range records {
		s.records[r.HarpID] = r
	}
	s.FindByHarpIDFunc = func(ctx context.Context, harpID string) (*user.Record, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		r, ok := s.records[user.NormalizeID(harpID)]
		if !ok {
			return nil, user.ErrNotFound
		}
		cp := *r
		return &cp, nil
	}
	s.SparseUpdateFunc = func(ctx context.Context, harpID string, fields map[string]any) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		id := user.NormalizeID(harpID)
		s.updates[id] = fields
		r, ok := s.records[id]
		if !ok {
			r = &user.Record{HarpID: id}
			s.records[id] = r
		}
		Update(fields).Apply(r)
		return nil
	}
	return s
}

func newTestReconciler(api harp.API, tokens TokenSource, store user.Store, opts ...Option) *Reconciler {
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return NewReconciler(api, tokens, store, program, opts...)
}

func TestReconcile_EmptyBatch(t *testing.T) {
	var calls int32
	api := &harp.MockClient{
		FetchUserDetailsFunc: func(ctx context.Context, ids []string, tok *harp.Token) (*harp.UserDetailsResponse, error) {
			atomic.AddInt32(&calls, 1)
			return nil, nil
		},
	}
	tokens := fakeTokens{err: errors.New("must not be called")}
	res := newTestReconciler(api, tokens, newMemoryStore()).Reconcile(context.Background(), nil)
	if len(res.UpdatedHarpIDs)+len(res.FailedHarpIDs)+len(res.UnchangedHarpIDs) != 0 || calls != 0 {
		t.Errorf("unexpected result %+v with %d calls", res, calls)
	}
}

func TestReconcile_CredentialFailureAbortsSilently(t *testing.T) {
	var calls int32
	api := &harp.MockClient{
		FetchUserDetailsFunc: func(ctx context.Context, ids []string, tok *harp.Token) (*harp.UserDetailsResponse, error) {
			atomic.AddInt32(&calls, 1)
			return detailsFor(ids...), nil
		},
	}
	tokens := fakeTokens{err: errors.New("token endpoint down")}

	res := newTestReconciler(api, tokens, newMemoryStore()).Reconcile(context.Background(), []string{"a", "b", "c"})
	if len(res.UpdatedHarpIDs) != 0 || len(res.FailedHarpIDs) != 0 {
		t.Errorf("expected an empty result, got %+v", res)
	}
	if calls != 0 {
		t.Errorf("expected no provider calls, got %d", calls)
	}
}

func TestReconcile_DetailFailureFailsEveryone(t *testing.T) {
	var roleCalls int32
	api := &harp.MockClient{
		FetchUserDetailsFunc: func(ctx context.Context, ids []string, tok *harp.Token) (*harp.UserDetailsResponse, error) {
			return nil, errors.New("findUser failed")
		},
		FetchUserRolesFunc: func(ctx context.Context, id string, tok *harp.Token) (harp.RolesOutcome, error) {
			atomic.AddInt32(&roleCalls, 1)
			return activeRoles(), nil
		},
	}

	res := newTestReconciler(api, validTokens, newMemoryStore()).Reconcile(context.Background(), []string{"x", "y", "z"})
	if strings.Join(res.FailedHarpIDs, ",") != "x,y,z" || len(res.UpdatedHarpIDs) != 0 {
		t.Errorf("unexpected result %+v", res)
	}
	if roleCalls != 0 {
		t.Errorf("expected no roles calls, got %d", roleCalls)
	}
}

func TestReconcile_EmptyDetailsIsNotFailure(t *testing.T) {
	api := &harp.MockClient{}
	res := newTestReconciler(api, validTokens, newMemoryStore()).Reconcile(context.Background(), []string{"a"})
	if len(res.UpdatedHarpIDs)+len(res.FailedHarpIDs)+len(res.UnchangedHarpIDs) != 0 {
		t.Errorf("expected an empty result, got %+v", res)
	}
}

func TestReconcile_RolesFailureIsolated(t *testing.T) {
	api := &harp.MockClient{
		FetchUserDetailsFunc: func(ctx context.Context, ids []string, tok *harp.Token) (*harp.UserDetailsResponse, error) {
			return detailsFor(ids...), nil
		},
		FetchUserRolesFunc: func(ctx context.Context, id string, tok *harp.Token) (harp.RolesOutcome, error) {
			if id == "b" {
				return nil, errors.New("connection reset")
			}
			return activeRoles(), nil
		},
	}
	store := newMemoryStore()

	res := newTestReconciler(api, validTokens, store).Reconcile(context.Background(), []string{"a", "b"})
	if strings.Join(res.UpdatedHarpIDs, ",") != "a" || strings.Join(res.FailedHarpIDs, ",") != "b" {
		t.Fatalf("unexpected result %+v", res)
	}

	rec := store.records["a"]
	if rec.Status != user.StatusActive || rec.Email != "a@example.com" || len(rec.Roles) != 1 {
		t.Errorf("unexpected stored record %+v", rec)
	}
	if rec.CreatedAt == nil || !rec.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v; want %v", rec.CreatedAt, now)
	}
	if rec.AccessStartAt == nil {
		t.Error("AccessStartAt not set for an active user")
	}
}

func TestReconcile_UnchangedUsers(t *testing.T) {
	api := &harp.MockClient{
		FetchUserDetailsFunc: func(ctx context.Context, ids []string, tok *harp.Token) (*harp.UserDetailsResponse, error) {
			return detailsFor(ids...), nil
		},
		FetchUserRolesFunc: func(ctx context.Context, id string, tok *harp.Token) (harp.RolesOutcome, error) {
			return activeRoles(), nil
		},
	}
	store := newMemoryStore()
	r := newTestReconciler(api, validTokens, store)

	first := r.Reconcile(context.Background(), []string{"a", "b"})
	if len(first.UpdatedHarpIDs) != 2 {
		t.Fatalf("first pass = %+v; want both updated", first)
	}
	delete(store.updates, "a")
	delete(store.updates, "b")

	second := r.Reconcile(context.Background(), []string{"a", "b"})
	if strings.Join(second.UnchangedHarpIDs, ",") != "a,b" || len(second.UpdatedHarpIDs) != 0 {
		t.Errorf("second pass = %+v; want both unchanged", second)
	}
	if len(store.updates) != 0 {
		t.Errorf("unchanged users must not be written, got %v", store.updates)
	}
}

func TestReconcile_StoreErrorsAreIsolated(t *testing.T) {
	api := &harp.MockClient{
		FetchUserDetailsFunc: func(ctx context.Context, ids []string, tok *harp.Token) (*harp.UserDetailsResponse, error) {
			return detailsFor(ids...), nil
		},
	}
	store := &user.MockStore{
		FindByHarpIDFunc: func(ctx context.Context, id string) (*user.Record, error) {
			if id == "load" {
				return nil, errors.New("mongo down")
			}
			return nil, user.ErrNotFound
		},
		SparseUpdateFunc: func(ctx context.Context, id string, fields map[string]any) error {
			if id == "write" {
				return errors.New("write conflict")
			}
			return nil
		},
	}

	res := newTestReconciler(api, validTokens, store).Reconcile(context.Background(), []string{"load", "ok", "write"})
	if strings.Join(res.FailedHarpIDs, ",") != "load,write" || strings.Join(res.UpdatedHarpIDs, ",") != "ok" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestReconcile_PanicIsolated(t *testing.T) {
	api := &harp.MockClient{
		FetchUserDetailsFunc: func(ctx context.Context, ids []string, tok *harp.Token) (*harp.UserDetailsResponse, error) {
			return detailsFor(ids...), nil
		},
		FetchUserRolesFunc: func(ctx context.Context, id string, tok *harp.Token) (harp.RolesOutcome, error) {
			if id == "boom" {
				panic("unexpected shape")
			}
			return activeRoles(), nil
		},
	}
	res := newTestReconciler(api, validTokens, newMemoryStore()).Reconcile(context.Background(), []string{"boom", "fine"})
	if strings.Join(res.FailedHarpIDs, ",") != "boom" || strings.Join(res.UpdatedHarpIDs, ",") != "fine" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestReconcile_ParallelKeepsOrder(t *testing.T) {
	ids := []string{"u1", "u2", "u3", "u4", "u5", "u6", "u7", "u8"}
	var inFlight, maxInFlight int32
	api := &harp.MockClient{
		FetchUserDetailsFunc: func(ctx context.Context, ids []string, tok *harp.Token) (*harp.UserDetailsResponse, error) {
			return detailsFor(ids...), nil
		},
		FetchUserRolesFunc: func(ctx context.Context, id string, tok *harp.Token) (harp.RolesOutcome, error) {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				m := atomic.LoadInt32(&maxInFlight)
				if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			if id == "u3" || id == "u6" {
				return nil, errors.New("timeout")
			}
			return activeRoles(), nil
		},
	}

	res := newTestReconciler(api, validTokens, newMemoryStore(), WithWorkers(3)).Reconcile(context.Background(), ids)
	if strings.Join(res.UpdatedHarpIDs, ",") != "u1,u2,u4,u5,u7,u8" {
		t.Errorf("UpdatedHarpIDs = %v", res.UpdatedHarpIDs)
	}
	if strings.Join(res.FailedHarpIDs, ",") != "u3,u6" {
		t.Errorf("FailedHarpIDs = %v", res.FailedHarpIDs)
	}
	if maxInFlight > 3 {
		t.Errorf("max in flight = %d; want <= 3", maxInFlight)
	}
}

func TestReconcile_MissingDetailKeepsIdentity(t *testing.T) {
	created := earlier
	stored := &user.Record{
		HarpID:    "ghost",
		Email:     "ghost@example.com",
		FirstName: "G",
		Status:    user.StatusActive,
		Roles:     developer(),
		CreatedAt: &created,
	}
	api := &harp.MockClient{
		FetchUserDetailsFunc: func(ctx context.Context, ids []string, tok *harp.Token) (*harp.UserDetailsResponse, error) {
			return detailsFor("other"), nil
		},
		FetchUserRolesFunc: func(ctx context.Context, id string, tok *harp.Token) (harp.RolesOutcome, error) {
			return harp.RolesError{StatusCode: http.StatusNotFound, Code: harp.RoleNotFoundCode}, nil
		},
	}
	store := newMemoryStore(stored)

	res := newTestReconciler(api, validTokens, store).Reconcile(context.Background(), []string{"ghost"})
	if strings.Join(res.UpdatedHarpIDs, ",") != "ghost" {
		t.Fatalf("unexpected result %+v", res)
	}
	fields := store.updates["ghost"]
	if _, ok := fields[FieldEmail]; ok {
		t.Error("email must not be touched without a detail entry")
	}
	if fields[FieldStatus] != user.StatusDeactivated {
		t.Errorf("status = %v; want DEACTIVATED", fields[FieldStatus])
	}
	if got := store.records["ghost"]; got.Email != "ghost@example.com" || len(got.Roles) != 0 {
		t.Errorf("unexpected stored record %+v", got)
	}
}

func TestReconcile_RoleModes(t *testing.T) {
	created := earlier
	legacy := user.Role{Role: "Legacy", RoleType: "L"}
	tests := []struct {
		mode      RoleMode
		wantRoles int
	}{
		{RolesReplace, 1},
		{RolesUnion, 2},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			store := newMemoryStore(&user.Record{HarpID: "a", Roles: []user.Role{legacy}, CreatedAt: &created})
			api := &harp.MockClient{
				FetchUserDetailsFunc: func(ctx context.Context, ids []string, tok *harp.Token) (*harp.UserDetailsResponse, error) {
					return detailsFor(ids...), nil
				},
				FetchUserRolesFunc: func(ctx context.Context, id string, tok *harp.Token) (harp.RolesOutcome, error) {
					return activeRoles(), nil
				},
			}
			newTestReconciler(api, validTokens, store, WithRoleMode(tt.mode)).Reconcile(context.Background(), []string{"a"})
			if got := len(store.records["a"].Roles); got != tt.wantRoles {
				t.Errorf("stored roles = %v; want %d", store.records["a"].Roles, tt.wantRoles)
			}
		})
	}
}

func TestRefreshOnLogin(t *testing.T) {
	tests := []struct {
		name       string
		tokens     TokenSource
		rolesErr   error
		upsertErr  error
		wantErr    bool
		wantStatus user.Status
		wantWrite  bool
	}{
		{name: "active user", tokens: validTokens, wantStatus: user.StatusActive, wantWrite: true},
		{name: "no credential", tokens: fakeTokens{err: errors.New("down")}},
		{name: "roles transport error", tokens: validTokens, rolesErr: errors.New("reset")},
		{name: "store error", tokens: validTokens, upsertErr: errors.New("mongo down"), wantErr: true, wantWrite: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var writes int32
			api := &harp.MockClient{
				FetchUserRolesFunc: func(ctx context.Context, id string, tok *harp.Token) (harp.RolesOutcome, error) {
					if id != "abc" {
						t.Errorf("roles requested for %q; want normalized id", id)
					}
					return activeRoles(), tt.rolesErr
				},
			}
			store := &user.MockStore{
				UpsertOnLoginFunc: func(ctx context.Context, probe *user.Record) (*user.Record, error) {
					atomic.AddInt32(&writes, 1)
					if tt.upsertErr != nil {
						return nil, tt.upsertErr
					}
					return probe, nil
				},
			}

			rec, err := newTestReconciler(api, tt.tokens, store).RefreshOnLogin(context.Background(), " ABC ")
			if (writes == 1) != tt.wantWrite {
				t.Errorf("store writes = %d; want write=%v", writes, tt.wantWrite)
			}
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("RefreshOnLogin failed: %v", err)
			}
			if rec.HarpID != "abc" || rec.Status != tt.wantStatus {
				t.Errorf("unexpected record %+v", rec)
			}
		})
	}
}

func TestRefreshOnLogin_EmptyID(t *testing.T) {
	if _, err := newTestReconciler(&harp.MockClient{}, validTokens, &user.MockStore{}).RefreshOnLogin(context.Background(), " "); err == nil {
		t.Fatal("expected an error for an empty id")
	}
}
