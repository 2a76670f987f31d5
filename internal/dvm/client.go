// Package dvm wraps the external container-management CLI. Every container
// operation the hub performs goes through this adapter so the rest of the
// code never shells out directly.
package dvm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dronehub/dronehub/internal/common/logger"
)

// ExecResult carries the outcome of a command run inside a container.
type ExecResult struct {
	Code   int
	Stdout string
	Stderr string
}

// PortMapping is a published container port.
type PortMapping struct {
	HostPort      int `json:"hostPort"`
	ContainerPort int `json:"containerPort"`
}

// SessionReadResult is a chunk of terminal scrollback.
type SessionReadResult struct {
	Text       string `json:"text"`
	NextOffset int64  `json:"nextOffset"`
}

// RepoSeedOptions configures seeding a host working copy into a container.
type RepoSeedOptions struct {
	Container string
	HostPath  string
	Dest      string
	BaseRef   string
	Branch    string
	Clean     bool
	Timeout   time.Duration
}

// RepoExportOptions configures exporting drone commits as a git bundle.
type RepoExportOptions struct {
	Container string
	RepoPath  string // path inside the container
	OutDir    string // host directory receiving the bundle
	Base      string // optional base sha; empty exports from dvm.baseSha
	Timeout   time.Duration
}

// RepoExportResult reports where the bundle landed on the host.
type RepoExportResult struct {
	ExportedPath string `json:"exportedPath"`
}

// CreateOptions configures drone create/import invocations.
type CreateOptions struct {
	Name          string
	RepoPath      string
	Group         string
	ContainerPort int
	CWD           string
	Mkdir         bool
	NoBuild       bool
	Timeout       time.Duration
}

// Client is the interface the rest of the hub depends on; *CLI implements it
// and tests substitute fakes.
type Client interface {
	LS(ctx context.Context) (map[string]bool, error)
	Exec(ctx context.Context, container string, cmd string, args []string, timeout time.Duration) (*ExecResult, error)
	CopyTo(ctx context.Context, container, hostPath, containerPath string) error
	Ports(ctx context.Context, container string) ([]PortMapping, error)
	SessionStart(ctx context.Context, container, session, cmd string, args []string, reuse bool) error
	SessionType(ctx context.Context, container, session, text string, keys []string) error
	SessionRead(ctx context.Context, container, session string, since int64, maxBytes int, tailLines int) (*SessionReadResult, error)
	SessionKill(ctx context.Context, container, session string) error
	RepoSeed(ctx context.Context, opts RepoSeedOptions) error
	RepoExport(ctx context.Context, opts RepoExportOptions) (*RepoExportResult, error)
	RepoHeadSha(ctx context.Context, container, repoPath string) (string, error)
	RepoSetBaseSha(ctx context.Context, container, repoPath, sha string) error
	Create(ctx context.Context, opts CreateOptions) error
	Import(ctx context.Context, opts CreateOptions) error
	BaseSet(ctx context.Context, container, image string, timeout time.Duration) error
	Remove(ctx context.Context, container string, keepVolume bool) error
	Start(ctx context.Context, container string) error
	Stop(ctx context.Context, container string) error
	ReadToken(ctx context.Context, container string) (string, error)
}

// CLI shells out to the dvm binary.
type CLI struct {
	binary string
	logger *logger.Logger
}

// NewCLI creates a CLI adapter for the given dvm binary.
func NewCLI(binary string, log *logger.Logger) *CLI {
	if binary == "" {
		binary = "dvm"
	}
	if log == nil {
		log = logger.Default()
	}
	return &CLI{
		binary: binary,
		logger: log.WithFields(zap.String("component", "dvm")),
	}
}

// run executes dvm with args. Non-zero exits become classified errors unless
// allowNonZero is set (Exec surfaces the code to the caller instead).
func (c *CLI) run(ctx context.Context, timeout time.Duration, allowNonZero bool, args ...string) (*ExecResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	c.logger.Debug("dvm invocation",
		zap.String("args", strings.Join(args, " ")),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		zap.Bool("failed", err != nil))

	res := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			res.Code = exitErr.ExitCode()
			if allowNonZero {
				return res, nil
			}
			return res, &CommandError{
				Class:  classify(res.Stderr + "\n" + res.Stdout),
				Code:   res.Code,
				Stderr: firstNonEmpty(res.Stderr, res.Stdout),
			}
		}
		return res, fmt.Errorf("dvm %s: %w", args[0], err)
	}
	return res, nil
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}

// LS returns the set of container names dvm knows about.
func (c *CLI) LS(ctx context.Context) (map[string]bool, error) {
	res, err := c.run(ctx, 30*time.Second, false, "ls", "--quiet")
	if err != nil {
		return nil, err
	}
	names := map[string]bool{}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if name := strings.TrimSpace(line); name != "" {
			names[name] = true
		}
	}
	return names, nil
}

// Exec runs cmd with args inside the container and returns the exit code and
// captured output without classifying non-zero exits.
func (c *CLI) Exec(ctx context.Context, container string, cmd string, args []string, timeout time.Duration) (*ExecResult, error) {
	full := append([]string{"exec", container, "--", cmd}, args...)
	return c.run(ctx, timeout, true, full...)
}

// CopyTo copies a host file into the container.
func (c *CLI) CopyTo(ctx context.Context, container, hostPath, containerPath string) error {
	_, err := c.run(ctx, 60*time.Second, false, "cp", hostPath, container+":"+containerPath)
	return err
}

// Ports lists published port mappings for the container.
func (c *CLI) Ports(ctx context.Context, container string) ([]PortMapping, error) {
	res, err := c.run(ctx, 30*time.Second, false, "ports", container, "--format", "json")
	if err != nil {
		return nil, err
	}
	var ports []PortMapping
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &ports); err != nil {
		return nil, fmt.Errorf("parse dvm ports output: %w", err)
	}
	return ports, nil
}

// SessionStart starts (or reuses) a named tmux session running cmd.
func (c *CLI) SessionStart(ctx context.Context, container, session, cmd string, args []string, reuse bool) error {
	full := []string{"session", "start", container, session}
	if reuse {
		full = append(full, "--reuse")
	}
	full = append(full, "--", cmd)
	full = append(full, args...)
	_, err := c.run(ctx, 30*time.Second, false, full...)
	return err
}

// SessionType sends literal text and/or named keys to a session.
func (c *CLI) SessionType(ctx context.Context, container, session, text string, keys []string) error {
	full := []string{"session", "type", container, session}
	if text != "" {
		full = append(full, "--text", text)
	}
	for _, k := range keys {
		full = append(full, "--key", k)
	}
	_, err := c.run(ctx, 30*time.Second, false, full...)
	return err
}

// SessionRead reads session scrollback from a byte offset.
func (c *CLI) SessionRead(ctx context.Context, container, session string, since int64, maxBytes int, tailLines int) (*SessionReadResult, error) {
	full := []string{"session", "read", container, session, "--format", "json"}
	if since > 0 {
		full = append(full, "--since", strconv.FormatInt(since, 10))
	}
	if maxBytes > 0 {
		full = append(full, "--max-bytes", strconv.Itoa(maxBytes))
	}
	if tailLines > 0 {
		full = append(full, "--tail-lines", strconv.Itoa(tailLines))
	}
	res, err := c.run(ctx, 30*time.Second, false, full...)
	if err != nil {
		return nil, err
	}
	var out SessionReadResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &out); err != nil {
		return nil, fmt.Errorf("parse dvm session read output: %w", err)
	}
	return &out, nil
}

// SessionKill terminates a tmux session.
func (c *CLI) SessionKill(ctx context.Context, container, session string) error {
	_, err := c.run(ctx, 30*time.Second, false, "session", "kill", container, session)
	return err
}

// RepoSeed copies the host working tree into the container repo and checks
// out a fresh work branch at the given base.
func (c *CLI) RepoSeed(ctx context.Context, opts RepoSeedOptions) error {
	full := []string{"repo", "seed", opts.Container,
		"--host-path", opts.HostPath,
		"--dest", opts.Dest,
		"--base-ref", opts.BaseRef,
		"--branch", opts.Branch,
	}
	if opts.Clean {
		full = append(full, "--clean")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	_, err := c.run(ctx, timeout, false, full...)
	return err
}

// RepoExport exports commits beyond the recorded base as a git bundle.
func (c *CLI) RepoExport(ctx context.Context, opts RepoExportOptions) (*RepoExportResult, error) {
	full := []string{"repo", "export", opts.Container,
		"--repo-path", opts.RepoPath,
		"--out-dir", opts.OutDir,
		"--format", "bundle",
	}
	if opts.Base != "" {
		full = append(full, "--base", opts.Base)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	res, err := c.run(ctx, timeout, false, full...)
	if err != nil {
		return nil, err
	}
	var out RepoExportResult
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &out); err != nil {
		// Older dvm versions print the path bare.
		out.ExportedPath = strings.TrimSpace(res.Stdout)
		if out.ExportedPath == "" {
			return nil, fmt.Errorf("parse dvm repo export output: %w", err)
		}
	}
	return &out, nil
}

// RepoHeadSha returns the current HEAD sha of the in-container repo.
func (c *CLI) RepoHeadSha(ctx context.Context, container, repoPath string) (string, error) {
	res, err := c.run(ctx, 30*time.Second, false, "repo", "head", container, "--repo-path", repoPath)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// RepoSetBaseSha advances the dvm.baseSha recorded inside the container repo.
func (c *CLI) RepoSetBaseSha(ctx context.Context, container, repoPath, sha string) error {
	_, err := c.run(ctx, 30*time.Second, false, "repo", "set-base", container, "--repo-path", repoPath, "--sha", sha)
	return err
}

func createArgs(verb string, opts CreateOptions) []string {
	full := []string{"drone", verb, opts.Name}
	if opts.RepoPath != "" {
		full = append(full, "--repo", opts.RepoPath)
	}
	if opts.Group != "" {
		full = append(full, "--group", opts.Group)
	}
	if opts.ContainerPort > 0 {
		full = append(full, "--port", strconv.Itoa(opts.ContainerPort))
	}
	if opts.CWD != "" {
		full = append(full, "--cwd", opts.CWD)
	}
	if opts.Mkdir {
		full = append(full, "--mkdir")
	}
	if opts.NoBuild {
		full = append(full, "--no-build")
	}
	return full
}

// Create provisions a new drone container.
func (c *CLI) Create(ctx context.Context, opts CreateOptions) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	_, err := c.run(ctx, timeout, false, createArgs("create", opts)...)
	return err
}

// Import adopts an existing container as a drone. Used when Create reports
// the container already exists.
func (c *CLI) Import(ctx context.Context, opts CreateOptions) error {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	_, err := c.run(ctx, timeout, false, createArgs("import", opts)...)
	return err
}

// BaseSet switches the base image of a container.
func (c *CLI) BaseSet(ctx context.Context, container, image string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	_, err := c.run(ctx, timeout, false, "base", "set", container, image)
	return err
}

// Remove deletes the container, optionally keeping its volume.
func (c *CLI) Remove(ctx context.Context, container string, keepVolume bool) error {
	full := []string{"rm", container}
	if keepVolume {
		full = append(full, "--keep-volume")
	}
	_, err := c.run(ctx, 2*time.Minute, false, full...)
	return err
}

// Start starts a stopped container.
func (c *CLI) Start(ctx context.Context, container string) error {
	_, err := c.run(ctx, 2*time.Minute, false, "start", container)
	return err
}

// Stop stops a running container.
func (c *CLI) Stop(ctx context.Context, container string) error {
	_, err := c.run(ctx, 2*time.Minute, false, "stop", container)
	return err
}

// ReadToken reads the daemon bearer token from inside the container. Used to
// recover after the daemon rotates its token.
func (c *CLI) ReadToken(ctx context.Context, container string) (string, error) {
	res, err := c.Exec(ctx, container, "cat", []string{"/var/run/droned/token"}, 15*time.Second)
	if err != nil {
		return "", err
	}
	if res.Code != 0 {
		return "", &CommandError{Class: classify(res.Stderr), Code: res.Code, Stderr: res.Stderr}
	}
	return strings.TrimSpace(res.Stdout), nil
}
