package repopull

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dronehub/dronehub/internal/dvm"
	"github.com/dronehub/dronehub/internal/registry"
)

// previewTTL is how long a computed merge preview stays valid. Previews are
// pure reads; dropping the cache at any time is safe.
const previewTTL = 25 * time.Second

// Preview describes what a pull would bring to the host.
type Preview struct {
	BaseSha string            `json:"baseSha"`
	HeadSha string            `json:"headSha"`
	Changes []NameStatusEntry `json:"changes"`
	// MergeChanges is the host-side effect of completing a pending merge,
	// present only when the last pull left an uncommitted merge.
	MergeChanges []NameStatusEntry `json:"mergeChanges,omitempty"`
	MergeClean   *bool             `json:"mergeClean,omitempty"`
}

type previewKey struct {
	droneID  string
	repoRoot string
	hostHead string
	base     string
	head     string
}

type previewEntry struct {
	at      time.Time
	preview *Preview
}

type previewCache struct {
	mu      sync.Mutex
	entries map[previewKey]previewEntry
}

func newPreviewCache() *previewCache {
	return &previewCache{entries: map[previewKey]previewEntry{}}
}

func (c *previewCache) get(key previewKey) *Preview {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Since(e.at) > previewTTL {
		return nil
	}
	return e.preview
}

func (c *previewCache) put(key previewKey, p *Preview) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		if time.Since(e.at) > previewTTL {
			delete(c.entries, k)
		}
	}
	c.entries[key] = previewEntry{at: time.Now(), preview: p}
}

// PullPreview computes the drone-range name-status without touching the host
// working tree. Lock-free: it may observe transient container state.
func (e *Engine) PullPreview(ctx context.Context, droneID string) (*Preview, error) {
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

	base, err := e.containerBaseSha(ctx, d)
	if err != nil {
		return nil, err
	}
	head, err := e.dvm.RepoHeadSha(ctx, d.ContainerName, d.Repo.Dest)
	if err != nil {
		return nil, fmt.Errorf("read drone repo head: %w", err)
	}

	hostHead := ""
	if hh, err := gitHeadSha(ctx, e.git, d.RepoPath); err == nil {
		hostHead = hh
	} else {
		e.logger.Warn("preview host head inspection failed", zap.Error(err))
	}

	key := previewKey{droneID: droneID, repoRoot: d.RepoPath, hostHead: hostHead, base: base, head: head}
	if cached := e.preview.get(key); cached != nil {
		return cached, nil
	}

	preview := &Preview{BaseSha: base, HeadSha: head}
	preview.Changes, err = e.containerNameStatus(ctx, d, base, head)
	if err != nil {
		return nil, err
	}

	lp := d.Repo.LastPull
	if lp != nil && lp.Mode == registry.PullModeMergeNoCommit && hostHead != "" {
		if merge, clean, err := e.mergePreview(ctx, d); err != nil {
			// Preview augmentation is best effort.
			e.logger.Warn("merge preview failed", zap.String("drone_id", droneID), zap.Error(err))
		} else {
			preview.MergeChanges = merge
			preview.MergeClean = &clean
		}
	}

	e.preview.put(key, preview)
	return preview, nil
}

// containerBaseSha reads the recorded dvm base sha from inside the container.
func (e *Engine) containerBaseSha(ctx context.Context, d *registry.Drone) (string, error) {
	res, err := e.dvm.Exec(ctx, d.ContainerName, "git",
		[]string{"-C", d.Repo.Dest, "config", "dvm.baseSha"}, 30*time.Second)
	if err != nil {
		return "", fmt.Errorf("read base sha: %w", err)
	}
	base := strings.TrimSpace(res.Stdout)
	if res.Code != 0 || base == "" {
		// No base recorded yet; diff against the seed branch point.
		return d.Repo.BaseRef, nil
	}
	return base, nil
}

func (e *Engine) containerNameStatus(ctx context.Context, d *registry.Drone, base, head string) ([]NameStatusEntry, error) {
	res, err := e.dvm.Exec(ctx, d.ContainerName, "git",
		[]string{"-C", d.Repo.Dest, "diff", "--name-status", base + ".." + head}, 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("diff drone repo: %w", err)
	}
	if res.Code != 0 {
		return nil, &PullError{Status: http.StatusConflict, Code: "repo_unavailable",
			Message: fmt.Sprintf("drone repo diff failed: %s", strings.TrimSpace(res.Stderr))}
	}
	return parseNameStatus(res.Stdout), nil
}

// mergePreview exports a fresh bundle, imports it to a throwaway ref, and
// uses merge-tree to compute the host-side effect without touching the
// working tree.
func (e *Engine) mergePreview(ctx context.Context, d *registry.Drone) ([]NameStatusEntry, bool, error) {
	outDir, err := os.MkdirTemp("", "drone-hub-preview-*")
	if err != nil {
		return nil, false, err
	}
	defer os.RemoveAll(outDir)

	export, err := e.dvm.RepoExport(ctx, dvm.RepoExportOptions{
		Container: d.ContainerName,
		RepoPath:  d.Repo.Dest,
		OutDir:    outDir,
	})
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "refusing to create empty bundle") {
			return nil, true, nil
		}
		return nil, false, err
	}
	defer os.Remove(export.ExportedPath)

	ref := fmt.Sprintf("refs/drone/imports/%s/preview", droneSlug(d.Name))
	defer gitDeleteRef(context.Background(), e.git, d.RepoPath, ref)

	stderr, code, err := gitFetchBundle(ctx, e.git, d.RepoPath, export.ExportedPath, ref)
	if err != nil {
		return nil, false, err
	}
	if code != 0 {
		return nil, false, fmt.Errorf("import preview bundle: %s", strings.TrimSpace(stderr))
	}

	tree, clean, err := gitMergeTree(ctx, e.git, d.RepoPath, ref)
	if err != nil {
		return nil, false, err
	}
	entries, err := gitDiffNameStatus(ctx, e.git, d.RepoPath, "HEAD", tree)
	if err != nil {
		return nil, false, err
	}
	return entries, clean, nil
}
