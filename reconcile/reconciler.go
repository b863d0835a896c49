// Package reconcile keeps stored user records in line with HARP.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Seann-Moser/usersync/harp"
	"github.com/Seann-Moser/usersync/status"
	"github.com/Seann-Moser/usersync/user"
)

// Result is the outcome of one or more batches. Lists keep the input order
// and only grow when batches are appended.
type Result struct {
	UpdatedHarpIDs   []string `json:"updatedHarpIds"`
	FailedHarpIDs    []string `json:"failedHarpIds"`
	UnchangedHarpIDs []string `json:"unchangedHarpIds"`
}

func newResult() Result {
	return Result{
		UpdatedHarpIDs:   []string{},
		FailedHarpIDs:    []string{},
		UnchangedHarpIDs: []string{},
	}
}

// Append adds the lists of other to r.
func (r *Result) Append(other Result) {
	r.UpdatedHarpIDs = append(r.UpdatedHarpIDs, other.UpdatedHarpIDs...)
	r.FailedHarpIDs = append(r.FailedHarpIDs, other.FailedHarpIDs...)
	r.UnchangedHarpIDs = append(r.UnchangedHarpIDs, other.UnchangedHarpIDs...)
}

// RoleMode selects how derived roles are combined with stored ones.
type RoleMode string

const (
	// RolesReplace stores exactly the derived roles.
	RolesReplace RoleMode = "replace"
	// RolesUnion keeps stored roles of active users and adds the derived ones.
	RolesUnion RoleMode = "union"
)

// TokenSource hands out a valid provider credential.
type TokenSource interface {
	Current(ctx context.Context) (*harp.Token, error)
}

// Reconciler syncs batches of users and refreshes single users on login.
type Reconciler struct {
	api     harp.API
	creds   TokenSource
	store   user.Store
	program string

	workers  int
	roleMode RoleMode
	now      func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithWorkers bounds how many users of a batch are processed at once.
func WithWorkers(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithRoleMode sets the role combination mode.
func WithRoleMode(mode RoleMode) Option {
	return func(r *Reconciler) {
		if mode != "" {
			r.roleMode = mode
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// NewReconciler creates a Reconciler for users of program.
func NewReconciler(api harp.API, creds TokenSource, store user.Store, program string, opts ...Option) *Reconciler {
	r := &Reconciler{
		api:      api,
		creds:    creds,
		store:    store,
		program:  program,
		workers:  1,
		roleMode: RolesReplace,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeUpdated
	outcomeUnchanged
)

// Reconcile syncs one batch of users. A missing credential aborts the batch
// without failing anyone; a failed detail lookup fails the whole batch. Past
// that point every user succeeds or fails on its own.
func (r *Reconciler) Reconcile(ctx context.Context, harpIDs []string) Result {
	res := newResult()
	if len(harpIDs) == 0 {
		return res
	}

	tok, err := r.creds.Current(ctx)
	if err != nil {
		slog.Error("skipping batch, no HARP token", "harpIds", harpIDs, "error", err)
		return res
	}

	details, err := r.api.FetchUserDetails(ctx, harpIDs, tok)
	if err != nil {
		slog.Error("failed to fetch user details", "harpIds", harpIDs, "error", err)
		res.FailedHarpIDs = append(res.FailedHarpIDs, harpIDs...)
		return res
	}
	if details == nil || len(details.UserDetails) == 0 {
		slog.Warn("HARP returned no user details", "harpIds", harpIDs)
		return res
	}

	outcomes := make([]outcome, len(harpIDs))
	var g errgroup.Group
	g.SetLimit(r.workers)
	for i, id := range harpIDs {
		i, id := i, id
		g.Go(func() error {
			outcomes[i] = r.reconcileUser(ctx, id, tok, details)
			return nil
		})
	}
	_ = g.Wait()

	for i, id := range harpIDs {
		switch outcomes[i] {
		case outcomeUpdated:
			res.UpdatedHarpIDs = append(res.UpdatedHarpIDs, id)
		case outcomeUnchanged:
			res.UnchangedHarpIDs = append(res.UnchangedHarpIDs, id)
		default:
			res.FailedHarpIDs = append(res.FailedHarpIDs, id)
		}
	}
	return res
}

func (r *Reconciler) reconcileUser(ctx context.Context, harpID string, tok *harp.Token, details *harp.UserDetailsResponse) (out outcome) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("panic while reconciling user", "harpId", harpID, "panic", p)
			out = outcomeFailed
		}
	}()

	rolesOutcome, err := r.api.FetchUserRoles(ctx, harpID, tok)
	if err != nil {
		slog.Error("failed to fetch user roles", "harpId", harpID, "error", err)
		return outcomeFailed
	}
	derived := status.Derive(rolesOutcome, r.program)

	existing, err := r.store.FindByHarpID(ctx, harpID)
	if errors.Is(err, user.ErrNotFound) {
		existing = &user.Record{HarpID: user.NormalizeID(harpID)}
	} else if err != nil {
		slog.Error("failed to load user", "harpId", harpID, "error", err)
		return outcomeFailed
	}

	candidate := buildCandidate(harpID, details, derived, existing)
	if r.roleMode == RolesUnion && derived.Status == user.StatusActive {
		candidate.Roles = MergeRoles(existing.Roles, candidate.Roles)
	}

	update := PrepareUpdate(existing, candidate, r.now())
	if !update.HasChanges() {
		return outcomeUnchanged
	}
	if err := r.store.SparseUpdate(ctx, harpID, update); err != nil {
		slog.Error("failed to update user", "harpId", harpID, "error", err)
		return outcomeFailed
	}
	return outcomeUpdated
}

// buildCandidate assembles the record HARP says harpID should have. Without a
// detail entry the stored identity fields are kept.
func buildCandidate(harpID string, details *harp.UserDetailsResponse, derived status.Result, existing *user.Record) *user.Record {
	c := &user.Record{
		HarpID:        user.NormalizeID(harpID),
		Status:        derived.Status,
		Roles:         derived.Roles,
		AccessStartAt: derived.AccessStartAt,
	}
	d, ok := details.FindDetail(harpID)
	if !ok {
		c.Email = existing.Email
		c.FirstName = existing.FirstName
		c.LastName = existing.LastName
		c.DisplayName = existing.DisplayName
		return c
	}
	c.Email = d.Email
	c.FirstName = d.FirstName
	c.LastName = d.LastName
	c.DisplayName = d.DisplayName
	c.CreatedAt = harp.ParseTimestamp(d.CreateDate)
	c.LastModifiedAt = harp.ParseTimestamp(d.UpdateDate)
	return c
}

// RefreshOnLogin re-derives one user's status at login and upserts the record.
// Login never fails because HARP is unreachable: the bare record is returned
// instead and nothing is written.
func (r *Reconciler) RefreshOnLogin(ctx context.Context, harpID string) (*user.Record, error) {
	id := user.NormalizeID(harpID)
	if id == "" {
		return nil, errors.New("harpId is required")
	}
	minimal := &user.Record{HarpID: id}

	tok, err := r.creds.Current(ctx)
	if err != nil {
		slog.Warn("login without HARP token, skipping role refresh", "harpId", id, "error", err)
		return minimal, nil
	}
	rolesOutcome, err := r.api.FetchUserRoles(ctx, id, tok)
	if err != nil {
		slog.Warn("login without HARP roles, skipping role refresh", "harpId", id, "error", err)
		return minimal, nil
	}
	derived := status.Derive(rolesOutcome, r.program)

	rec, err := r.store.UpsertOnLogin(ctx, &user.Record{
		HarpID:        id,
		Status:        derived.Status,
		Roles:         derived.Roles,
		AccessStartAt: derived.AccessStartAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to refresh user %s on login: %w", id, err)
	}
	return rec, nil
}
