package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/mtwarden/mtwarden/internal/store"
)

// sweepLoop periodically re-drives records stuck in a pending state.
// This is the crash-recovery path: a process that died mid-operation
// leaves PENDING_* rows behind, and because the remote operations are
// idempotent, re-running the same transition is always safe.
func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(ctx)
		}
	}
}

// Sweep scans for records stuck in PENDING_* beyond the staleness
// threshold and re-drives them through the normal transition logic.
// Exported so the admin API and startup can trigger it directly.
func (e *Engine) Sweep(ctx context.Context) {
	e.stats.SweepRuns.Add(1)

	for _, status := range []store.Status{store.StatusPendingProvision, store.StatusPendingRevoke} {
		records, err := e.store.ListByStatus(ctx, status)
		if err != nil {
			e.stats.Errors.Add(1)
			slog.Error("Recovery sweep failed to list records", "status", status, "error", err)
			continue
		}

		for _, rec := range records {
			if time.Since(rec.UpdatedAt) < e.config.StaleAfter {
				continue
			}
			e.wg.Add(1)
			go func(userID int64) {
				defer e.wg.Done()
				e.redrive(ctx, userID)
			}(rec.UserID)
		}
	}
}

// redrive re-reads the record under the user's lock and completes the
// pending transition. The re-read matters: the record may have moved
// on between the sweep listing and lock acquisition.
func (e *Engine) redrive(ctx context.Context, userID int64) {
	unlock := e.locks.Lock(userID)
	defer unlock()

	rec, exists, err := e.load(ctx, userID)
	if err != nil || !exists {
		if err != nil {
			e.stats.Errors.Add(1)
			slog.Error("Recovery sweep failed to load record", "user_id", userID, "error", err)
		}
		return
	}

	if !rec.Status.Pending() || time.Since(rec.UpdatedAt) < e.config.StaleAfter {
		return
	}

	slog.Info("Recovery sweep re-driving record", "user_id", userID, "status", rec.Status)

	switch rec.Status {
	case store.StatusPendingProvision:
		e.driveProvision(ctx, rec)
	case store.StatusPendingRevoke:
		if rec.Secret == "" {
			rec.Secret = e.prov.Secret(rec.UserID, rec.Generation)
		}
		e.driveRevoke(ctx, &rec)
	}
}
