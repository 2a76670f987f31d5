package repopull

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dronehub/dronehub/internal/dvm"
	"github.com/dronehub/dronehub/internal/dvm/dvmtest"
	"github.com/dronehub/dronehub/internal/oplock"
	"github.com/dronehub/dronehub/internal/registry"
)

// fakeGit answers host git invocations from canned responses.
type fakeGit struct {
	statusOut   string
	headSha     string
	fetchCode   int
	fetchStderr string
	mergeCode   int
	mergeOut    string
	unmergedOut string

	calls [][]string
}

func (g *fakeGit) Run(_ context.Context, _ string, args ...string) (string, string, int, error) {
	g.calls = append(g.calls, args)
	switch args[0] {
	case "status":
		return g.statusOut, "", 0, nil
	case "rev-parse":
		return g.headSha + "\n", "", 0, nil
	case "fetch":
		return "", g.fetchStderr, g.fetchCode, nil
	case "update-ref":
		return "", "", 0, nil
	case "merge":
		if len(args) > 1 && args[1] == "--abort" {
			return "", "", 0, nil
		}
		return g.mergeOut, "", g.mergeCode, nil
	case "merge-base":
		return g.headSha + "\n", "", 0, nil
	case "diff":
		return g.unmergedOut, "", 0, nil
	}
	return "", "", 0, nil
}

func newTestEngine(t *testing.T, fake dvm.Client, git *fakeGit) (*Engine, *registry.Store) {
	t.Helper()
	store := registry.NewStore(filepath.Join(t.TempDir(), "registry.json"), nil)
	e := New(store, oplock.New(), fake, nil, nil)
	e.git = git
	return e, store
}

func seedRepoDrone(t *testing.T, store *registry.Store) {
	t.Helper()
	err := store.Update(func(reg *registry.Registry) error {
		reg.Drones["d1"] = &registry.Drone{
			ID: "d1", Name: "alpha", ContainerName: "drone-alpha",
			RepoPath: "/home/user/project",
			Repo: &registry.RepoState{
				Dest: "/work/project", Branch: "drone/alpha", BaseRef: "main",
				SeededAt: time.Now().UTC(),
			},
		}
		return nil
	})
	require.NoError(t, err)
}

func TestPullMergesCleanly(t *testing.T) {
	var baseSha string
	fake := &dvmtest.Fake{
		RepoHeadShaFn: func(context.Context, string, string) (string, error) {
			return "head-123", nil
		},
		RepoExportFn: func(_ context.Context, opts dvm.RepoExportOptions) (*dvm.RepoExportResult, error) {
			return &dvm.RepoExportResult{ExportedPath: filepath.Join(opts.OutDir, "x.bundle")}, nil
		},
		RepoSetBaseShaFn: func(_ context.Context, _, _, sha string) error {
			baseSha = sha
			return nil
		},
	}
	git := &fakeGit{headSha: "host-abc"}
	e, store := newTestEngine(t, fake, git)
	seedRepoDrone(t, store)

	res, err := e.Pull(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, registry.PullModeMergeNoCommit, res.Mode)
	assert.False(t, res.NoChanges)
	assert.Equal(t, "head-123", res.ExportedHeadSha)
	assert.True(t, res.BaseAdvanced)
	assert.Equal(t, "head-123", baseSha)

	reg, err := store.Load()
	require.NoError(t, err)
	lp := reg.Drones["d1"].Repo.LastPull
	require.NotNil(t, lp)
	assert.Equal(t, registry.PullModeMergeNoCommit, lp.Mode)
	assert.Equal(t, "head-123", lp.ExportedHeadSha)
}

func TestPullRejectsDirtyHostRepo(t *testing.T) {
	git := &fakeGit{statusOut: " M main.go\n"}
	e, store := newTestEngine(t, &dvmtest.Fake{}, git)
	seedRepoDrone(t, store)

	_, err := e.Pull(context.Background(), "d1")
	var pe *PullError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusConflict, pe.Status)
	assert.Equal(t, "dirty_host_repo", pe.Code)
}

func TestPullEmptyBundleAdvancesBase(t *testing.T) {
	advanced := false
	fake := &dvmtest.Fake{
		RepoHeadShaFn: func(context.Context, string, string) (string, error) {
			return "head-456", nil
		},
		RepoExportFn: func(context.Context, dvm.RepoExportOptions) (*dvm.RepoExportResult, error) {
			return nil, errors.New("dvm repo export: Refusing to create empty bundle")
		},
		RepoSetBaseShaFn: func(context.Context, string, string, string) error {
			advanced = true
			return nil
		},
	}
	e, store := newTestEngine(t, fake, &fakeGit{headSha: "host-abc"})
	seedRepoDrone(t, store)

	res, err := e.Pull(context.Background(), "d1")
	require.NoError(t, err)
	assert.True(t, res.NoChanges)
	assert.Equal(t, registry.PullModeNoChanges, res.Mode)
	assert.True(t, res.BaseAdvanced)
	assert.True(t, advanced)
}

func TestPullBundleMissingPrereq(t *testing.T) {
	fake := &dvmtest.Fake{
		RepoExportFn: func(context.Context, dvm.RepoExportOptions) (*dvm.RepoExportResult, error) {
			return &dvm.RepoExportResult{ExportedPath: "/tmp/x.bundle"}, nil
		},
	}
	git := &fakeGit{headSha: "host-abc", fetchCode: 1,
		fetchStderr: "error: bundle lacks these prerequisite commits: abc123"}
	e, store := newTestEngine(t, fake, git)
	seedRepoDrone(t, store)

	_, err := e.Pull(context.Background(), "d1")
	var pe *PullError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "bundle_missing_prereq", pe.Code)
}

func TestPullConflictParksPull(t *testing.T) {
	fake := &dvmtest.Fake{
		RepoHeadShaFn: func(context.Context, string, string) (string, error) {
			return "head-789", nil
		},
		RepoExportFn: func(context.Context, dvm.RepoExportOptions) (*dvm.RepoExportResult, error) {
			return &dvm.RepoExportResult{ExportedPath: "/tmp/x.bundle"}, nil
		},
	}
	git := &fakeGit{
		headSha:     "host-abc",
		mergeCode:   1,
		mergeOut:    "CONFLICT (content): Merge conflict in main.go\nAutomatic merge failed",
		unmergedOut: "main.go\npkg/util.go\n",
	}
	e, store := newTestEngine(t, fake, git)
	seedRepoDrone(t, store)

	_, err := e.Pull(context.Background(), "d1")
	var pe *PullError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusConflict, pe.Status)
	assert.Equal(t, "host_conflicts_ready", pe.Code)
	assert.Equal(t, []string{"main.go", "pkg/util.go"}, pe.ConflictFiles)

	reg, err := store.Load()
	require.NoError(t, err)
	d := reg.Drones["d1"]
	require.NotNil(t, d.Repo.LastPull)
	assert.Equal(t, registry.PullModeHostConflictsReady, d.Repo.LastPull.Mode)
	require.NotNil(t, d.Hub)
	assert.Equal(t, registry.HubPhaseError, d.Hub.Phase)
}

func TestPullUnknownDrone(t *testing.T) {
	e, _ := newTestEngine(t, &dvmtest.Fake{}, &fakeGit{})
	_, err := e.Pull(context.Background(), "missing")
	var pe *PullError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusNotFound, pe.Status)
}

func TestPullWithoutSeededRepo(t *testing.T) {
	e, store := newTestEngine(t, &dvmtest.Fake{}, &fakeGit{})
	require.NoError(t, store.Update(func(reg *registry.Registry) error {
		reg.Drones["d1"] = &registry.Drone{ID: "d1", Name: "alpha"}
		return nil
	}))

	_, err := e.Pull(context.Background(), "d1")
	var pe *PullError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "repo_unavailable", pe.Code)
}

func TestParseNameStatus(t *testing.T) {
	out := "M\tmain.go\nA\tpkg/new.go\nR100\told.go\tnew.go\n\nD\tgone.go\n"
	entries := parseNameStatus(out)
	require.Len(t, entries, 4)
	assert.Equal(t, NameStatusEntry{Status: "M", Path: "main.go"}, entries[0])
	assert.Equal(t, NameStatusEntry{Status: "A", Path: "pkg/new.go"}, entries[1])
	assert.Equal(t, NameStatusEntry{Status: "R100", Path: "new.go", OldPath: "old.go"}, entries[2])
	assert.Equal(t, NameStatusEntry{Status: "D", Path: "gone.go"}, entries[3])
}

func TestGitRepoChangesSummary(t *testing.T) {
	git := &fakeGit{statusOut: "UU conflict.go\nM  staged.go\n M unstaged.go\nMM both.go\n?? new.txt\n"}
	counts, err := gitRepoChangesSummary(context.Background(), git, "/repo")
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Conflicted)
	assert.Equal(t, 2, counts.Staged)
	assert.Equal(t, 2, counts.Unstaged)
	assert.Equal(t, 1, counts.Untracked)
}

func TestDroneSlug(t *testing.T) {
	assert.Equal(t, "my-drone", droneSlug("my drone"))
	assert.Equal(t, "alpha.1", droneSlug("alpha.1"))
	assert.Equal(t, "drone", droneSlug("???"))
}
