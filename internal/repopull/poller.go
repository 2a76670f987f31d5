package repopull

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dronehub/dronehub/internal/registry"
)

// StartConflictClearPoller clears hub errors rooted in host-conflicts-ready
// pulls once the host working tree has no unresolved conflicts left.
func (e *Engine) StartConflictClearPoller(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				e.clearResolvedConflicts(ctx)
			}
		}
	}()
}

func (e *Engine) clearResolvedConflicts(ctx context.Context) {
	reg, err := e.store.Load()
	if err != nil {
		e.logger.Warn("conflict poll failed to load registry", zap.Error(err))
		return
	}

	for id, d := range reg.Drones {
		if d.Hub == nil || d.Hub.Phase != registry.HubPhaseError || d.RepoPath == "" {
			continue
		}
		if d.Repo == nil || d.Repo.LastPull == nil || d.Repo.LastPull.Mode != registry.PullModeHostConflictsReady {
			continue
		}
		if !strings.Contains(d.Hub.Message, "conflict") {
			continue
		}

		counts, err := gitRepoChangesSummary(ctx, e.git, d.RepoPath)
		if err != nil {
			e.logger.Debug("conflict poll inspection failed",
				zap.String("drone_id", id), zap.Error(err))
			continue
		}
		if counts.Conflicted > 0 {
			continue
		}

		if err := e.store.Update(func(reg *registry.Registry) error {
			if dd, ok := reg.Drones[id]; ok && dd.Hub != nil && dd.Hub.Phase == registry.HubPhaseError {
				dd.Hub = nil
			}
			return nil
		}); err != nil {
			e.logger.Warn("failed to clear resolved conflict error",
				zap.String("drone_id", id), zap.Error(err))
			continue
		}
		e.logger.Info("conflicts resolved, cleared hub error", zap.String("drone_id", id))
	}
}

// HostChanges exposes the porcelain summary for the gateway's repo/changes
// endpoint.
func (e *Engine) HostChanges(ctx context.Context, repoRoot string) (ChangeCounts, error) {
	return gitRepoChangesSummary(ctx, e.git, repoRoot)
}
