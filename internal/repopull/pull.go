// Package repopull moves drone commits back to the host: it exports a git
// bundle from the in-container repo, imports it to a temporary host ref, and
// merges without committing so the user reviews the result. Conflicts park
// the pull in host-conflicts-ready until the user resolves them.
package repopull

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dronehub/dronehub/internal/common/logger"
	"github.com/dronehub/dronehub/internal/dvm"
	"github.com/dronehub/dronehub/internal/events/bus"
	"github.com/dronehub/dronehub/internal/oplock"
	"github.com/dronehub/dronehub/internal/registry"
)

// PullError is a classified pull failure the gateway maps onto an HTTP
// response.
type PullError struct {
	Status        int      `json:"-"`
	Code          string   `json:"code"`
	Message       string   `json:"error"`
	ConflictFiles []string `json:"conflictFiles,omitempty"`
}

func (e *PullError) Error() string { return e.Message }

// Result reports a completed pull.
type Result struct {
	Mode            registry.PullMode `json:"mode"`
	NoChanges       bool              `json:"noChanges"`
	ExportedHeadSha string            `json:"exportedHeadSha,omitempty"`
	BaseAdvanced    bool              `json:"baseAdvanced"`
}

// Engine runs pulls under the drone op lock.
type Engine struct {
	store  *registry.Store
	locks  *oplock.Locker
	dvm    dvm.Client
	git    gitRunner
	bus    bus.EventBus
	logger *logger.Logger

	preview *previewCache
}

// New creates a pull engine.
func New(store *registry.Store, locks *oplock.Locker, dvmClient dvm.Client, eventBus bus.EventBus, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		store:   store,
		locks:   locks,
		dvm:     dvmClient,
		git:     execGit{},
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "repopull")),
		preview: newPreviewCache(),
	}
}

var droneSlugPattern = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func droneSlug(name string) string {
	slug := droneSlugPattern.ReplaceAllString(name, "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "drone"
	}
	return slug
}

// Pull exports drone commits and merges them into the host working tree.
func (e *Engine) Pull(ctx context.Context, droneID string) (*Result, error) {
	var res *Result
	err := e.locks.WithLock(ctx, oplock.DroneKey(droneID), func() error {
		var err error
		res, err = e.pullLocked(ctx, droneID)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.publishPullDone(droneID, res)
	return res, nil
}

func (e *Engine) pullLocked(ctx context.Context, droneID string) (*Result, error) {
	reg, err := e.store.Load()
	if err != nil {
		return nil, err
	}
	d, ok := reg.Drones[droneID]
	if !ok {
		return nil, &PullError{Status: http.StatusNotFound, Code: "not_found", Message: "drone not found"}
	}
	if d.RepoPath == "" || d.Repo == nil {
		return nil, &PullError{Status: http.StatusConflict, Code: "repo_unavailable", Message: "drone has no seeded repo"}
	}
	repoRoot := d.RepoPath

	clean, err := gitIsClean(ctx, e.git, repoRoot)
	if err != nil {
		return nil, fmt.Errorf("inspect host repo: %w", err)
	}
	if !clean {
		return nil, &PullError{Status: http.StatusConflict, Code: "dirty_host_repo",
			Message: "host repo has local changes; commit or stash them before pulling"}
	}

	recoveryBase := e.applyRecovery(ctx, d, repoRoot)

	exportedHead, err := e.dvm.RepoHeadSha(ctx, d.ContainerName, d.Repo.Dest)
	if err != nil {
		return nil, fmt.Errorf("read drone repo head: %w", err)
	}

	outDir, err := os.MkdirTemp("", "drone-hub-pull-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(outDir)

	export, err := e.dvm.RepoExport(ctx, dvm.RepoExportOptions{
		Container: d.ContainerName,
		RepoPath:  d.Repo.Dest,
		OutDir:    outDir,
		Base:      recoveryBase,
	})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "refusing to create empty bundle") {
			return e.finishNoChanges(ctx, d, exportedHead)
		}
		return nil, fmt.Errorf("export bundle: %w", err)
	}

	runID := uuid.New().String()[:8]
	ref := fmt.Sprintf("refs/drone/imports/%s/%s", droneSlug(d.Name), runID)
	defer func() {
		gitDeleteRef(context.Background(), e.git, repoRoot, ref)
		_ = os.Remove(export.ExportedPath)
	}()

	stderr, code, err := gitFetchBundle(ctx, e.git, repoRoot, export.ExportedPath, ref)
	if err != nil {
		return nil, fmt.Errorf("import bundle: %w", err)
	}
	if code != 0 {
		low := strings.ToLower(stderr)
		if strings.Contains(low, "prerequisite") || strings.Contains(low, "lacks these") {
			return nil, &PullError{Status: http.StatusConflict, Code: "bundle_missing_prereq",
				Message: "drone bundle requires commits the host no longer has; re-seed the drone repo"}
		}
		return nil, fmt.Errorf("import bundle: %s", strings.TrimSpace(stderr))
	}

	output, code, err := gitMerge(ctx, e.git, repoRoot, ref)
	if err != nil {
		gitMergeAbort(context.Background(), e.git, repoRoot)
		return nil, fmt.Errorf("merge drone changes: %w", err)
	}
	if code != 0 {
		if conflictFiles := e.detectConflicts(ctx, repoRoot, output); conflictFiles != nil {
			return nil, e.finishConflict(d, exportedHead, conflictFiles)
		}
		gitMergeAbort(context.Background(), e.git, repoRoot)
		return nil, fmt.Errorf("merge failed: %s", strings.TrimSpace(output))
	}

	return e.finishMerged(ctx, d, exportedHead)
}

// applyRecovery handles the two states a previous pull can leave behind.
// Host inspection errors here are logged and ignored; the pull proceeds
// without a recovery base.
func (e *Engine) applyRecovery(ctx context.Context, d *registry.Drone, repoRoot string) string {
	lp := d.Repo.LastPull
	if lp == nil || lp.ExportedHeadSha == "" {
		return ""
	}

	hostHead, err := gitHeadSha(ctx, e.git, repoRoot)
	if err != nil {
		e.logger.Warn("recovery base inspection failed", zap.Error(err))
		return ""
	}

	switch lp.Mode {
	case registry.PullModeHostConflictsReady:
		merged, err := gitIsAncestor(ctx, e.git, repoRoot, lp.ExportedHeadSha, hostHead)
		if err != nil {
			e.logger.Warn("recovery base inspection failed", zap.Error(err))
			return ""
		}
		if merged {
			// The user resolved the conflicts and committed; the drone's
			// commits are on the host now.
			if err := e.dvm.RepoSetBaseSha(ctx, d.ContainerName, d.Repo.Dest, lp.ExportedHeadSha); err != nil {
				e.logger.Warn("failed to advance base after conflict resolution", zap.Error(err))
			}
		}
	case registry.PullModeMergeNoCommit:
		contains, err := gitIsAncestor(ctx, e.git, repoRoot, lp.ExportedHeadSha, hostHead)
		if err != nil {
			e.logger.Warn("recovery base inspection failed", zap.Error(err))
			return ""
		}
		if !contains {
			// The uncommitted merge was discarded; export from the common
			// ancestor so the next bundle re-includes those commits.
			base, err := gitMergeBase(ctx, e.git, repoRoot, hostHead, lp.ExportedHeadSha)
			if err != nil {
				e.logger.Warn("recovery base inspection failed", zap.Error(err))
				return ""
			}
			return base
		}
	}
	return ""
}

func (e *Engine) detectConflicts(ctx context.Context, repoRoot, mergeOutput string) []string {
	conflicted := strings.Contains(mergeOutput, "CONFLICT") ||
		strings.Contains(mergeOutput, "Automatic merge failed")
	files, err := gitUnmergedFiles(ctx, e.git, repoRoot)
	if err != nil {
		e.logger.Warn("failed to list unmerged files", zap.Error(err))
	}
	if !conflicted && len(files) == 0 {
		return nil
	}
	if files == nil {
		files = []string{}
	}
	return files
}

func (e *Engine) finishNoChanges(ctx context.Context, d *registry.Drone, exportedHead string) (*Result, error) {
	baseAdvanced := false
	if exportedHead != "" {
		if err := e.dvm.RepoSetBaseSha(ctx, d.ContainerName, d.Repo.Dest, exportedHead); err != nil {
			e.logger.Warn("failed to advance base sha", zap.Error(err))
		} else {
			baseAdvanced = true
		}
	}
	if err := e.recordLastPull(d.ID, registry.LastPull{
		Mode:            registry.PullModeNoChanges,
		ExportedHeadSha: exportedHead,
		BaseAdvanced:    baseAdvanced,
		At:              time.Now().UTC(),
	}, ""); err != nil {
		return nil, err
	}
	return &Result{Mode: registry.PullModeNoChanges, NoChanges: true,
		ExportedHeadSha: exportedHead, BaseAdvanced: baseAdvanced}, nil
}

func (e *Engine) finishMerged(ctx context.Context, d *registry.Drone, exportedHead string) (*Result, error) {
	baseAdvanced := false
	if err := e.dvm.RepoSetBaseSha(ctx, d.ContainerName, d.Repo.Dest, exportedHead); err != nil {
		e.logger.Warn("failed to advance base sha after merge", zap.Error(err))
	} else {
		baseAdvanced = true
	}
	if err := e.recordLastPull(d.ID, registry.LastPull{
		Mode:            registry.PullModeMergeNoCommit,
		ExportedHeadSha: exportedHead,
		BaseSha:         exportedHead,
		BaseAdvanced:    baseAdvanced,
		At:              time.Now().UTC(),
	}, ""); err != nil {
		return nil, err
	}
	return &Result{Mode: registry.PullModeMergeNoCommit,
		ExportedHeadSha: exportedHead, BaseAdvanced: baseAdvanced}, nil
}

func (e *Engine) finishConflict(d *registry.Drone, exportedHead string, files []string) error {
	message := fmt.Sprintf("pull from drone %s hit %d conflicting file(s); resolve and commit on the host, then pull again",
		d.Name, len(files))
	if err := e.recordLastPull(d.ID, registry.LastPull{
		Mode:            registry.PullModeHostConflictsReady,
		ExportedHeadSha: exportedHead,
		ConflictFiles:   files,
		At:              time.Now().UTC(),
	}, message); err != nil {
		return err
	}
	return &PullError{
		Status:        http.StatusConflict,
		Code:          "host_conflicts_ready",
		Message:       message,
		ConflictFiles: files,
	}
}

// recordLastPull persists the pull outcome and, when hubError is non-empty,
// flags the drone.
func (e *Engine) recordLastPull(droneID string, lp registry.LastPull, hubError string) error {
	return e.store.Update(func(reg *registry.Registry) error {
		d, ok := reg.Drones[droneID]
		if !ok || d.Repo == nil {
			return nil
		}
		d.Repo.LastPull = &lp
		if hubError != "" {
			d.Hub = &registry.HubStatus{
				Phase:     registry.HubPhaseError,
				Message:   hubError,
				UpdatedAt: time.Now().UTC(),
			}
		}
		return nil
	})
}

func (e *Engine) publishPullDone(droneID string, res *Result) {
	if e.bus == nil || res == nil {
		return
	}
	_ = e.bus.Publish(context.Background(), bus.SubjectPullDone, bus.NewEvent(
		"pull.completed", "repopull", map[string]any{
			"droneId":   droneID,
			"mode":      string(res.Mode),
			"noChanges": res.NoChanges,
		}))
}
