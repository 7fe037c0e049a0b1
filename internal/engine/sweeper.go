package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/registry"
	"github.com/seantiz/kiln/internal/store"
)

// SweepReport summarises one orphan sweep.
type SweepReport struct {
	Purged  int      `json:"purged"`
	Removed []string `json:"removed"`
	Pruned  int      `json:"pruned"`
}

// Sweep reclaims what expiry alone leaves behind: registry entries that
// timed out (for backends that do not expire on their own) and workspaces
// of sessions that were created but never attached. A workspace is only
// removed when it is older than the session TTL, not live, and not in the
// registry. A registry outage aborts the round.
func (e *Engine) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	if p, ok := e.opts.Registry.(registry.Purger); ok {
		n, err := p.Purge(ctx)
		if err != nil {
			return report, fmt.Errorf("purge registry: %w", err)
		}
		report.Purged = n
	}

	var regErr error
	keep := func(id string) bool {
		if e.Live(id) || regErr != nil {
			return true
		}
		_, err := e.opts.Registry.Get(ctx, id)
		switch {
		case err == nil:
			return true
		case errors.Is(err, registry.ErrNotFound):
			return false
		default:
			regErr = err
			return true
		}
	}

	cutoff := time.Now().Add(-e.opts.SessionTTL)
	removed, err := e.opts.Workspaces.Sweep(cutoff, keep)
	report.Removed = removed
	workspacesSwept.Add(float64(len(removed)))

	for _, id := range removed {
		e.expireRecord(ctx, id)
	}
	report.Pruned = e.broker.Prune(cutoff)

	if regErr != nil {
		return report, fmt.Errorf("%w: %w", ErrRegistryUnavailable, regErr)
	}
	if err != nil {
		return report, fmt.Errorf("sweep workspaces: %w", err)
	}
	if len(removed) > 0 || report.Purged > 0 {
		e.logger.Info("sweep finished", "purged", report.Purged, "removed", len(removed))
	}
	return report, nil
}

// expireRecord marks a never-attached session expired. Records already in
// a terminal state, or never recorded, are left alone.
func (e *Engine) expireRecord(ctx context.Context, id string) {
	err := e.opts.Store.UpdateSessionStatus(ctx, id, model.StatusExpired)
	if err == nil || errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidTransition) {
		return
	}
	e.logger.Error("failed to expire session record", "session_id", id, "error", err)
}

// StartSweeper runs Sweep every interval until ctx is cancelled.
func (e *Engine) StartSweeper(ctx context.Context, interval time.Duration) {
	e.wg.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if _, err := e.Sweep(ctx); err != nil {
				e.logger.Warn("sweep failed", "error", err)
			}
		}
	})
}
