// Package dvmtest provides a configurable dvm.Client fake for tests. Unset
// hooks succeed with zero values.
package dvmtest

import (
	"context"
	"time"

	"github.com/dronehub/dronehub/internal/dvm"
)

// Fake implements dvm.Client with per-method hooks.
type Fake struct {
	LSFn             func(ctx context.Context) (map[string]bool, error)
	ExecFn           func(ctx context.Context, container, cmd string, args []string, timeout time.Duration) (*dvm.ExecResult, error)
	CopyToFn         func(ctx context.Context, container, hostPath, containerPath string) error
	PortsFn          func(ctx context.Context, container string) ([]dvm.PortMapping, error)
	SessionStartFn   func(ctx context.Context, container, session, cmd string, args []string, reuse bool) error
	SessionTypeFn    func(ctx context.Context, container, session, text string, keys []string) error
	SessionReadFn    func(ctx context.Context, container, session string, since int64, maxBytes, tailLines int) (*dvm.SessionReadResult, error)
	SessionKillFn    func(ctx context.Context, container, session string) error
	RepoSeedFn       func(ctx context.Context, opts dvm.RepoSeedOptions) error
	RepoExportFn     func(ctx context.Context, opts dvm.RepoExportOptions) (*dvm.RepoExportResult, error)
	RepoHeadShaFn    func(ctx context.Context, container, repoPath string) (string, error)
	RepoSetBaseShaFn func(ctx context.Context, container, repoPath, sha string) error
	CreateFn         func(ctx context.Context, opts dvm.CreateOptions) error
	ImportFn         func(ctx context.Context, opts dvm.CreateOptions) error
	BaseSetFn        func(ctx context.Context, container, image string, timeout time.Duration) error
	RemoveFn         func(ctx context.Context, container string, keepVolume bool) error
	StartFn          func(ctx context.Context, container string) error
	StopFn           func(ctx context.Context, container string) error
	ReadTokenFn      func(ctx context.Context, container string) (string, error)
}

var _ dvm.Client = (*Fake)(nil)

func (f *Fake) LS(ctx context.Context) (map[string]bool, error) {
	if f.LSFn != nil {
		return f.LSFn(ctx)
	}
	return map[string]bool{}, nil
}

func (f *Fake) Exec(ctx context.Context, container, cmd string, args []string, timeout time.Duration) (*dvm.ExecResult, error) {
	if f.ExecFn != nil {
		return f.ExecFn(ctx, container, cmd, args, timeout)
	}
	return &dvm.ExecResult{}, nil
}

func (f *Fake) CopyTo(ctx context.Context, container, hostPath, containerPath string) error {
	if f.CopyToFn != nil {
		return f.CopyToFn(ctx, container, hostPath, containerPath)
	}
	return nil
}

func (f *Fake) Ports(ctx context.Context, container string) ([]dvm.PortMapping, error) {
	if f.PortsFn != nil {
		return f.PortsFn(ctx, container)
	}
	return nil, nil
}

func (f *Fake) SessionStart(ctx context.Context, container, session, cmd string, args []string, reuse bool) error {
	if f.SessionStartFn != nil {
		return f.SessionStartFn(ctx, container, session, cmd, args, reuse)
	}
	return nil
}

func (f *Fake) SessionType(ctx context.Context, container, session, text string, keys []string) error {
	if f.SessionTypeFn != nil {
		return f.SessionTypeFn(ctx, container, session, text, keys)
	}
	return nil
}

func (f *Fake) SessionRead(ctx context.Context, container, session string, since int64, maxBytes, tailLines int) (*dvm.SessionReadResult, error) {
	if f.SessionReadFn != nil {
		return f.SessionReadFn(ctx, container, session, since, maxBytes, tailLines)
	}
	return &dvm.SessionReadResult{}, nil
}

func (f *Fake) SessionKill(ctx context.Context, container, session string) error {
	if f.SessionKillFn != nil {
		return f.SessionKillFn(ctx, container, session)
	}
	return nil
}

func (f *Fake) RepoSeed(ctx context.Context, opts dvm.RepoSeedOptions) error {
	if f.RepoSeedFn != nil {
		return f.RepoSeedFn(ctx, opts)
	}
	return nil
}

func (f *Fake) RepoExport(ctx context.Context, opts dvm.RepoExportOptions) (*dvm.RepoExportResult, error) {
	if f.RepoExportFn != nil {
		return f.RepoExportFn(ctx, opts)
	}
	return &dvm.RepoExportResult{}, nil
}

func (f *Fake) RepoHeadSha(ctx context.Context, container, repoPath string) (string, error) {
	if f.RepoHeadShaFn != nil {
		return f.RepoHeadShaFn(ctx, container, repoPath)
	}
	return "", nil
}

func (f *Fake) RepoSetBaseSha(ctx context.Context, container, repoPath, sha string) error {
	if f.RepoSetBaseShaFn != nil {
		return f.RepoSetBaseShaFn(ctx, container, repoPath, sha)
	}
	return nil
}

func (f *Fake) Create(ctx context.Context, opts dvm.CreateOptions) error {
	if f.CreateFn != nil {
		return f.CreateFn(ctx, opts)
	}
	return nil
}

func (f *Fake) Import(ctx context.Context, opts dvm.CreateOptions) error {
	if f.ImportFn != nil {
		return f.ImportFn(ctx, opts)
	}
	return nil
}

func (f *Fake) BaseSet(ctx context.Context, container, image string, timeout time.Duration) error {
	if f.BaseSetFn != nil {
		return f.BaseSetFn(ctx, container, image, timeout)
	}
	return nil
}

func (f *Fake) Remove(ctx context.Context, container string, keepVolume bool) error {
	if f.RemoveFn != nil {
		return f.RemoveFn(ctx, container, keepVolume)
	}
	return nil
}

func (f *Fake) Start(ctx context.Context, container string) error {
	if f.StartFn != nil {
		return f.StartFn(ctx, container)
	}
	return nil
}

func (f *Fake) Stop(ctx context.Context, container string) error {
	if f.StopFn != nil {
		return f.StopFn(ctx, container)
	}
	return nil
}

func (f *Fake) ReadToken(ctx context.Context, container string) (string, error) {
	if f.ReadTokenFn != nil {
		return f.ReadTokenFn(ctx, container)
	}
	return "", nil
}
