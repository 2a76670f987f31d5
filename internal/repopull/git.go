package repopull

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// gitTimeout bounds individual host git invocations.
const gitTimeout = 60 * time.Second

// gitRunner executes git on the host. Tests substitute a fake.
type gitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout, stderr string, code int, err error)
}

type execGit struct{}

func (execGit) Run(ctx context.Context, dir string, args ...string) (string, string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
		err = nil
	}
	return stdout.String(), stderr.String(), code, err
}

// gitIsClean reports whether the working tree has no staged, unstaged, or
// untracked changes.
func gitIsClean(ctx context.Context, g gitRunner, repoRoot string) (bool, error) {
	out, stderr, code, err := g.Run(ctx, repoRoot, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if code != 0 {
		return false, fmt.Errorf("git status exited with code %d: %s", code, strings.TrimSpace(stderr))
	}
	return strings.TrimSpace(out) == "", nil
}

// gitHeadSha returns the current HEAD commit sha.
func gitHeadSha(ctx context.Context, g gitRunner, repoRoot string) (string, error) {
	out, stderr, code, err := g.Run(ctx, repoRoot, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", fmt.Errorf("git rev-parse exited with code %d: %s", code, strings.TrimSpace(stderr))
	}
	return strings.TrimSpace(out), nil
}

// gitIsAncestor reports whether ancestor is reachable from descendant.
func gitIsAncestor(ctx context.Context, g gitRunner, repoRoot, ancestor, descendant string) (bool, error) {
	_, _, code, err := g.Run(ctx, repoRoot, "merge-base", "--is-ancestor", ancestor, descendant)
	if err != nil {
		return false, err
	}
	return code == 0, nil
}

// gitMergeBase returns the best common ancestor of two commits.
func gitMergeBase(ctx context.Context, g gitRunner, repoRoot, a, b string) (string, error) {
	out, stderr, code, err := g.Run(ctx, repoRoot, "merge-base", a, b)
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", fmt.Errorf("git merge-base exited with code %d: %s", code, strings.TrimSpace(stderr))
	}
	return strings.TrimSpace(out), nil
}

// gitFetchBundle imports a bundle's HEAD into a temporary ref.
func gitFetchBundle(ctx context.Context, g gitRunner, repoRoot, bundlePath, ref string) (stderr string, code int, err error) {
	_, stderr, code, err = g.Run(ctx, repoRoot,
		"fetch", "--no-tags", "--force", bundlePath, "HEAD:"+ref)
	return stderr, code, err
}

// gitDeleteRef removes a temporary ref. Best effort.
func gitDeleteRef(ctx context.Context, g gitRunner, repoRoot, ref string) {
	_, _, _, _ = g.Run(ctx, repoRoot, "update-ref", "-d", ref)
}

// gitMerge runs a no-commit no-ff merge and returns combined output for
// conflict detection.
func gitMerge(ctx context.Context, g gitRunner, repoRoot, ref string) (output string, code int, err error) {
	stdout, stderr, code, err := g.Run(ctx, repoRoot, "merge", "--no-commit", "--no-ff", ref)
	return stdout + "\n" + stderr, code, err
}

// gitMergeAbort backs out of a half-done merge. Best effort.
func gitMergeAbort(ctx context.Context, g gitRunner, repoRoot string) {
	_, _, _, _ = g.Run(ctx, repoRoot, "merge", "--abort")
}

// gitUnmergedFiles lists paths with unresolved conflicts.
func gitUnmergedFiles(ctx context.Context, g gitRunner, repoRoot string) ([]string, error) {
	out, stderr, code, err := g.Run(ctx, repoRoot, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("git diff exited with code %d: %s", code, strings.TrimSpace(stderr))
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if f := strings.TrimSpace(line); f != "" {
			files = append(files, f)
		}
	}
	return files, nil
}

// ChangeCounts summarizes a working tree for the conflict-clear poller.
type ChangeCounts struct {
	Conflicted int `json:"conflicted"`
	Staged     int `json:"staged"`
	Unstaged   int `json:"unstaged"`
	Untracked  int `json:"untracked"`
}

// gitRepoChangesSummary counts conflicted, staged, unstaged, and untracked
// entries from porcelain status.
func gitRepoChangesSummary(ctx context.Context, g gitRunner, repoRoot string) (ChangeCounts, error) {
	out, stderr, code, err := g.Run(ctx, repoRoot, "status", "--porcelain")
	if err != nil {
		return ChangeCounts{}, err
	}
	if code != 0 {
		return ChangeCounts{}, fmt.Errorf("git status exited with code %d: %s", code, strings.TrimSpace(stderr))
	}

	var counts ChangeCounts
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 2 {
			continue
		}
		x, y := line[0], line[1]
		switch {
		case x == 'U' || y == 'U' || (x == 'A' && y == 'A') || (x == 'D' && y == 'D'):
			counts.Conflicted++
		case x == '?' && y == '?':
			counts.Untracked++
		default:
			if x != ' ' {
				counts.Staged++
			}
			if y != ' ' {
				counts.Unstaged++
			}
		}
	}
	return counts, nil
}

// gitMergeTree produces the tree oid of a hypothetical merge of ref into
// HEAD without touching the working tree.
func gitMergeTree(ctx context.Context, g gitRunner, repoRoot, ref string) (string, bool, error) {
	out, _, code, err := g.Run(ctx, repoRoot, "merge-tree", "--write-tree", "HEAD", ref)
	if err != nil {
		return "", false, err
	}
	// Non-zero exit means the hypothetical merge has conflicts; the first
	// line is still the tree oid.
	lines := strings.SplitN(strings.TrimSpace(out), "\n", 2)
	if len(lines) == 0 || lines[0] == "" {
		return "", false, fmt.Errorf("git merge-tree produced no tree")
	}
	return strings.TrimSpace(lines[0]), code == 0, nil
}

// NameStatusEntry is one row of a name-status diff.
type NameStatusEntry struct {
	Status string `json:"status"`
	Path   string `json:"path"`
	// OldPath is set for renames and copies.
	OldPath string `json:"oldPath,omitempty"`
}

// parseNameStatus parses `git diff --name-status` output (tab-separated).
func parseNameStatus(out string) []NameStatusEntry {
	var entries []NameStatusEntry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.Split(line, "\t")
		if len(parts) < 2 {
			continue
		}
		e := NameStatusEntry{Status: parts[0], Path: parts[1]}
		if len(parts) >= 3 && (strings.HasPrefix(parts[0], "R") || strings.HasPrefix(parts[0], "C")) {
			e.OldPath = parts[1]
			e.Path = parts[2]
		}
		entries = append(entries, e)
	}
	return entries
}

// gitDiffNameStatus diffs HEAD against a tree oid.
func gitDiffNameStatus(ctx context.Context, g gitRunner, repoRoot, from, to string) ([]NameStatusEntry, error) {
	out, stderr, code, err := g.Run(ctx, repoRoot, "diff", "--name-status", from, to)
	if err != nil {
		return nil, err
	}
	if code != 0 {
		return nil, fmt.Errorf("git diff exited with code %d: %s", code, strings.TrimSpace(stderr))
	}
	return parseNameStatus(out), nil
}
