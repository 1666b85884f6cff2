package sync

import (
	"context"
	"time"

	"github.com/matheus3301/atlas/internal/store"
	"github.com/matheus3301/atlas/internal/syncerr"
)

// plan is the fetch window of one pass.
type plan struct {
	mode store.SyncMode
	// since is the exclusive lower bound sent to the remote store.
	since time.Time
	// watermark is the checkpoint the pass starts from; it never moves back.
	watermark time.Time
}

// planPass reads the owner's checkpoint and decides the pass mode. A pass
// is full when the owner has no checkpoint, or when the last successful
// pass is older than the tombstone retention window, since tombstones the
// remote store purged in between would otherwise never reach this device.
func (e *Engine) planPass(ctx context.Context, ownerID string) (plan, error) {
	cp, err := e.cache.GetCheckpoint(ctx, ownerID)
	if err != nil {
		return plan{}, syncerr.New(syncerr.StoreWrite, "sync.read_checkpoint", err)
	}
	if cp == nil {
		return plan{mode: store.ModeFull}, nil
	}

	now := e.opts.Clock.Now()
	if e.opts.TombstoneRetention > 0 && !cp.UpdatedAt.IsZero() && now.Sub(cp.UpdatedAt) > e.opts.TombstoneRetention {
		return plan{mode: store.ModeFull, watermark: cp.LastSyncedAt}, nil
	}

	since := cp.LastSyncedAt
	if !since.IsZero() && e.opts.Overlap > 0 {
		since = since.Add(-e.opts.Overlap)
	}
	return plan{mode: store.ModeDelta, since: since, watermark: cp.LastSyncedAt}, nil
}

// commit finishes a pass whose pages were all merged: a full pass first
// drops local rows the remote no longer has, then the checkpoint advances.
// Only rows cached before startedAt are pruned; a conversation merged by a
// concurrent single-conversation pass after the stream ended is kept.
func (e *Engine) commit(ctx context.Context, ownerID string, p plan, res *Result, seen map[string]struct{}, startedAt time.Time) error {
	now := e.opts.Clock.Now()
	if p.mode == store.ModeFull {
		pruned, err := e.cache.PruneOwner(ctx, ownerID, seen, startedAt)
		if err != nil {
			return syncerr.New(syncerr.StoreWrite, "sync.prune", err)
		}
		res.Pruned = pruned
		if e.opts.TombstoneRetention > 0 {
			purged, err := e.cache.PurgeTombstones(ctx, ownerID, now.Add(-e.opts.TombstoneRetention))
			if err != nil {
				return syncerr.New(syncerr.StoreWrite, "sync.purge_tombstones", err)
			}
			res.Pruned += int(purged)
		}
	}

	advanced, err := e.cache.AdvanceCheckpoint(ctx, ownerID, res.Watermark, now)
	if err != nil {
		return syncerr.New(syncerr.StoreWrite, "sync.advance_checkpoint", err)
	}
	res.Advanced = advanced
	return nil
}
