package repopull

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dronehub/dronehub/internal/dvm"
	"github.com/dronehub/dronehub/internal/oplock"
	"github.com/dronehub/dronehub/internal/registry"
)

// Reseed re-copies the host working tree into the drone, resetting the work
// branch. Used to recover from bundle_missing_prereq.
func (e *Engine) Reseed(ctx context.Context, droneID string, timeout time.Duration) error {
	return e.locks.WithLock(ctx, oplock.DroneKey(droneID), func() error {
		reg, err := e.store.Load()
		if err != nil {
			return err
		}
		d, ok := reg.Drones[droneID]
		if !ok {
			return &PullError{Status: http.StatusNotFound, Code: "not_found", Message: "drone not found"}
		}
		if d.RepoPath == "" || d.Repo == nil {
			return &PullError{Status: http.StatusConflict, Code: "repo_unavailable", Message: "drone has no seeded repo"}
		}

		if err := e.dvm.RepoSeed(ctx, dvm.RepoSeedOptions{
			Container: d.ContainerName,
			HostPath:  d.RepoPath,
			Dest:      d.Repo.Dest,
			BaseRef:   "HEAD",
			Branch:    d.Repo.Branch,
			Clean:     true,
			Timeout:   timeout,
		}); err != nil {
			return fmt.Errorf("reseed repo: %w", err)
		}

		return e.store.Update(func(reg *registry.Registry) error {
			if dd, ok := reg.Drones[droneID]; ok && dd.Repo != nil {
				dd.Repo.SeededAt = time.Now().UTC()
				dd.Repo.LastPull = nil
			}
			return nil
		})
	})
}

// DroneChanges summarizes the drone repo's working tree and its commits
// beyond base.
type DroneChanges struct {
	Counts  ChangeCounts      `json:"counts"`
	Changes []NameStatusEntry `json:"changes"`
}

// Changes reports the drone repo's current state. Lock-free read.
func (e *Engine) Changes(ctx context.Context, droneID string) (*DroneChanges, error) {
	reg, err := e.store.Load()
	if err != nil {
		return nil, err
	}
	d, ok := reg.Drones[droneID]
	if !ok {
		return nil, &PullError{Status: http.StatusNotFound, Code: "not_found", Message: "drone not found"}
	}
	if d.Repo == nil {
		return nil, &PullError{Status: http.StatusConflict, Code: "repo_unavailable", Message: "drone has no seeded repo"}
	}

	res, err := e.dvm.Exec(ctx, d.ContainerName, "git",
		[]string{"-C", d.Repo.Dest, "status", "--porcelain"}, 30*time.Second)
	if err != nil {
		return nil, err
	}
	if res.Code != 0 {
		return nil, &PullError{Status: http.StatusConflict, Code: "repo_unavailable",
			Message: fmt.Sprintf("drone repo unavailable: %s", strings.TrimSpace(res.Stderr))}
	}

	out := &DroneChanges{}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if len(line) < 2 {
			continue
		}
		x, y := line[0], line[1]
		switch {
		case x == 'U' || y == 'U':
			out.Counts.Conflicted++
		case x == '?' && y == '?':
			out.Counts.Untracked++
		default:
			if x != ' ' {
				out.Counts.Staged++
			}
			if y != ' ' {
				out.Counts.Unstaged++
			}
		}
		out.Changes = append(out.Changes, NameStatusEntry{
			Status: strings.TrimSpace(line[:2]),
			Path:   strings.TrimSpace(line[2:]),
		})
	}
	return out, nil
}

// Diff returns a unified diff of one path in the drone repo.
func (e *Engine) Diff(ctx context.Context, droneID, path, kind string) (string, error) {
	reg, err := e.store.Load()
	if err != nil {
		return "", err
	}
	d, ok := reg.Drones[droneID]
	if !ok {
		return "", &PullError{Status: http.StatusNotFound, Code: "not_found", Message: "drone not found"}
	}
	if d.Repo == nil {
		return "", &PullError{Status: http.StatusConflict, Code: "repo_unavailable", Message: "drone has no seeded repo"}
	}

	args := []string{"-C", d.Repo.Dest, "diff"}
	if kind == "staged" {
		args = append(args, "--cached")
	}
	if path != "" {
		args = append(args, "--", path)
	}
	res, err := e.dvm.Exec(ctx, d.ContainerName, "git", args, 60*time.Second)
	if err != nil {
		return "", err
	}
	if res.Code != 0 {
		return "", &PullError{Status: http.StatusConflict, Code: "repo_unavailable",
			Message: fmt.Sprintf("drone repo diff failed: %s", strings.TrimSpace(res.Stderr))}
	}
	return res.Stdout, nil
}

// PullDiff returns the unified diff of the drone range base..HEAD for one
// path, used by the pull review UI.
func (e *Engine) PullDiff(ctx context.Context, droneID, path string) (string, error) {
	reg, err := e.store.Load()
	if err != nil {
		return "", err
	}
	d, ok := reg.Drones[droneID]
	if !ok {
		return "", &PullError{Status: http.StatusNotFound, Code: "not_found", Message: "drone not found"}
	}
	if d.Repo == nil {
		return "", &PullError{Status: http.StatusConflict, Code: "repo_unavailable", Message: "drone has no seeded repo"}
	}

	base, err := e.containerBaseSha(ctx, d)
	if err != nil {
		return "", err
	}
	args := []string{"-C", d.Repo.Dest, "diff", base + "..HEAD"}
	if path != "" {
		args = append(args, "--", path)
	}
	res, err := e.dvm.Exec(ctx, d.ContainerName, "git", args, 60*time.Second)
	if err != nil {
		return "", err
	}
	if res.Code != 0 {
		return "", &PullError{Status: http.StatusConflict, Code: "repo_unavailable",
			Message: fmt.Sprintf("drone repo diff failed: %s", strings.TrimSpace(res.Stderr))}
	}
	return res.Stdout, nil
}
