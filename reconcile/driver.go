package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Seann-Moser/usersync/metrics"
	"github.com/Seann-Moser/usersync/user"
)

// DefaultPageSize is how many users a full run hands to one batch.
const DefaultPageSize = 50

// Batcher reconciles one batch of users.
type Batcher interface {
	Reconcile(ctx context.Context, harpIDs []string) Result
}

var _ Batcher = &Reconciler{}

// Driver walks the user store and feeds batches to a Batcher.
type Driver struct {
	batcher  Batcher
	store    user.Store
	pageSize int

	background sync.WaitGroup
}

// NewDriver creates a Driver. A non-positive pageSize uses DefaultPageSize.
func NewDriver(batcher Batcher, store user.Store, pageSize int) *Driver {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Driver{
		batcher:  batcher,
		store:    store,
		pageSize: pageSize,
	}
}

// RunAll reconciles every stored user, one page per batch. Records without a
// harp id are skipped. A paging error ends the walk with what was reconciled so far.
func (d *Driver) RunAll(ctx context.Context) Result {
	res := newResult()
	for page := 0; ; page++ {
		p, err := d.store.PageHarpIDs(ctx, page, d.pageSize)
		if err != nil {
			slog.Error("failed to page users, stopping run", "page", page, "error", err)
			return res
		}
		if ids := distinctIDs(p.HarpIDs); len(ids) > 0 {
			res.Append(d.batcher.Reconcile(ctx, ids))
		}
		if !p.HasMore || len(p.HarpIDs) < d.pageSize {
			return res
		}
		if ctx.Err() != nil {
			slog.Warn("run cancelled", "page", page, "error", ctx.Err())
			return res
		}
	}
}

// RunTargeted reconciles harpIDs as one batch. Unless every id is already
// stored, all of them fail and HARP is not called.
func (d *Driver) RunTargeted(ctx context.Context, harpIDs []string) Result {
	res := newResult()
	ids := distinctIDs(harpIDs)
	if len(ids) == 0 {
		return res
	}
	n, err := d.store.CountExisting(ctx, ids)
	if err != nil {
		slog.Error("failed to validate harp ids", "harpIds", harpIDs, "error", err)
		res.FailedHarpIDs = append(res.FailedHarpIDs, harpIDs...)
		return res
	}
	if n != len(ids) {
		slog.Warn("unknown harp ids in targeted run", "harpIds", harpIDs, "known", n)
		res.FailedHarpIDs = append(res.FailedHarpIDs, harpIDs...)
		return res
	}
	return d.batcher.Reconcile(ctx, ids)
}

// Run reconciles harpIDs, or every user when no non-blank id is given, and
// logs the summary.
func (d *Driver) Run(ctx context.Context, harpIDs []string) Result {
	start := time.Now()
	mode := metrics.ModeAll
	var res Result
	if len(distinctIDs(harpIDs)) == 0 {
		res = d.RunAll(ctx)
	} else {
		mode = metrics.ModeTargeted
		res = d.RunTargeted(ctx, harpIDs)
	}
	elapsed := time.Since(start)

	metrics.ObserveRun(mode, elapsed, len(res.UpdatedHarpIDs), len(res.FailedHarpIDs), len(res.UnchangedHarpIDs))
	slog.Info("user sync finished",
		"mode", mode,
		"elapsed", elapsed,
		"updated", len(res.UpdatedHarpIDs),
		"unchanged", len(res.UnchangedHarpIDs),
		"failed", len(res.FailedHarpIDs),
		"failedHarpIds", res.FailedHarpIDs,
	)
	return res
}

// Trigger starts Run in the background and returns its run id. The run is
// detached from ctx cancellation but keeps its values.
func (d *Driver) Trigger(ctx context.Context, harpIDs []string) string {
	runID := uuid.NewString()
	ids := append([]string(nil), harpIDs...)
	runCtx := context.WithoutCancel(ctx)

	d.background.Add(1)
	go func() {
		defer d.background.Done()
		slog.Info("user sync triggered", "runId", runID, "harpIds", ids)
		res := d.Run(runCtx, ids)
		slog.Info("triggered user sync done", "runId", runID, "updated", len(res.UpdatedHarpIDs), "failed", len(res.FailedHarpIDs))
	}()
	return runID
}

// Wait blocks until every triggered run has finished.
func (d *Driver) Wait() {
	d.background.Wait()
}

// distinctIDs drops blanks and case-insensitive duplicates, keeping first occurrences.
func distinctIDs(harpIDs []string) []string {
	seen := make(map[string]struct{}, len(harpIDs))
	out := make([]string, 0, len(harpIDs))
	for _, id := range harpIDs {
		key := user.NormalizeID(id)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, id)
	}
	return out
}
