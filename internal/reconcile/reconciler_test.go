package reconcile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dronehub/dronehub/internal/chats"
	"github.com/dronehub/dronehub/internal/droned"
	"github.com/dronehub/dronehub/internal/oplock"
	"github.com/dronehub/dronehub/internal/registry"
)

func TestParseCodexJSONLThreadAndMessage(t *testing.T) {
	out := `
{"type":"thread.started","thread_id":"thr-1"}
{"type":"item.started","item":{"type":"agent_message","text":""}}
not json at all
{"type":"item.completed","item":{"type":"agent_message","text":"final answer"}}
`
	res := parseCodexJSONL(out)
	assert.Equal(t, "thr-1", res.ThreadID)
	assert.Equal(t, "final answer", res.Message)
}

func TestParseCodexJSONLLastMessageWins(t *testing.T) {
	out := `{"type":"item.completed","item":{"type":"agent_message","text":"first"}}
{"type":"item.completed","item":{"type":"agent_message","text":"second"}}`
	assert.Equal(t, "second", parseCodexJSONL(out).Message)
}

func TestParseCodexJSONLDeltaFallback(t *testing.T) {
	out := `{"type":"response.output_text.delta","delta":"hel"}
{"type":"response.output_text.delta","delta":"lo"}
{"type":"response.output_text.done"}`
	assert.Equal(t, "hello", parseCodexJSONL(out).Message)
}

func TestParseCodexJSONLDeltasIgnoredWithoutDone(t *testing.T) {
	out := `{"type":"response.output_text.delta","delta":"partial"}`
	assert.Equal(t, "", parseCodexJSONL(out).Message)
}

func TestFormatCodexJobFailureCollectsErrors(t *testing.T) {
	out := `{"type":"turn.started"}
{"type":"error","message":"rate limited"}
{"type":"stream_error","error":"connection reset"}`
	msg := formatCodexJobFailure(out, "")
	assert.Contains(t, msg, "rate limited")
	assert.Contains(t, msg, "connection reset")
}

func TestFormatCodexJobFailureLifecycleOnly(t *testing.T) {
	out := `{"type":"thread.started","thread_id":"t"}
{"type":"turn.started"}`
	assert.Equal(t, "Codex turn started but exited before producing a response.", formatCodexJobFailure(out, ""))
}

func TestFormatCodexJobFailureFallback(t *testing.T) {
	assert.Equal(t, "exit status 1", formatCodexJobFailure("", "exit status 1"))
	assert.Equal(t, "codex job failed", formatCodexJobFailure("", ""))
}

func TestStalePendingPromptState(t *testing.T) {
	now := time.Now().UTC()
	timeout := 20 * time.Second

	// Fresh prompts are never stale.
	v := StalePendingPromptState(registry.PromptSending, now.Add(-time.Minute), now, timeout, now)
	assert.False(t, v.Stale)

	// Sending uses max(enqueueTimeout, 180s).
	v = StalePendingPromptState(registry.PromptSending, now.Add(-4*time.Minute), now, timeout, now)
	assert.True(t, v.Stale)
	assert.Contains(t, v.Message, "enqueue timed out")

	// Sent uses max(2*enqueueTimeout, 10m).
	v = StalePendingPromptState(registry.PromptSent, now.Add(-9*time.Minute), now, timeout, now)
	assert.False(t, v.Stale)
	v = StalePendingPromptState(registry.PromptSent, now.Add(-11*time.Minute), now, timeout, now)
	assert.True(t, v.Stale)

	// Queued prompts are the pump's concern, not the reconciler's.
	v = StalePendingPromptState(registry.PromptQueued, now.Add(-time.Hour), now, timeout, now)
	assert.False(t, v.Stale)

	// Without timestamps there is nothing to measure.
	v = StalePendingPromptState(registry.PromptSending, time.Time{}, time.Time{}, timeout, now)
	assert.False(t, v.Stale)
}

type fakeDaemon struct {
	jobs map[string]*droned.Job
}

func (f *fakeDaemon) PromptGet(_ context.Context, id string) (*droned.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return nil, droned.ErrJobNotFound
	}
	return job, nil
}

func newTestReconciler(t *testing.T, daemon *fakeDaemon) (*Reconciler, *registry.Store) {
	t.Helper()
	store := registry.NewStore(filepath.Join(t.TempDir(), "registry.json"), nil)
	chatReg := chats.NewRegistry(store, oplock.New(), nil)
	r := New(store, nil, func(int, string) Daemon { return daemon },
		chatReg, nil, nil, 1, 20*time.Second, "", nil)
	t.Cleanup(r.Close)
	return r, store
}

func seedDrone(t *testing.T, store *registry.Store, agentID string, prompt registry.PendingPrompt) {
	t.Helper()
	err := store.Update(func(reg *registry.Registry) error {
		reg.Drones["d1"] = &registry.Drone{
			ID: "d1", Name: "alpha", ContainerName: "drone-alpha",
			HostPort: 40001, Token: "tok",
			Chats: map[string]*registry.Chat{
				"main": {
					Agent:          registry.Agent{Kind: registry.AgentKindBuiltin, ID: agentID},
					PendingPrompts: []registry.PendingPrompt{prompt},
				},
			},
		}
		return nil
	})
	require.NoError(t, err)
}

func TestProcessDoneJobAppendsTurn(t *testing.T) {
	finished := time.Now().UTC().Add(-time.Second)
	daemon := &fakeDaemon{jobs: map[string]*droned.Job{
		"p1": {State: droned.JobDone, Stdout: "all done\n", FinishedAt: &finished},
	}}
	r, store := newTestReconciler(t, daemon)
	seedDrone(t, store, registry.AgentClaude, registry.PendingPrompt{
		ID: "p1", Prompt: "do it", State: registry.PromptSent,
		At: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	})

	r.process(context.Background(), "d1\x00main")

	reg, err := store.Load()
	require.NoError(t, err)
	c := reg.Chat("d1", "main")
	require.NotNil(t, c)
	require.Len(t, c.Turns, 1)
	assert.True(t, c.Turns[0].OK)
	assert.Equal(t, "p1", c.Turns[0].ID)
	assert.Equal(t, "all done", c.Turns[0].Output)
	require.NotNil(t, c.Turns[0].CompletedAt)
	assert.Equal(t, finished, *c.Turns[0].CompletedAt)
}

func TestProcessFailedJobMarksPromptFailed(t *testing.T) {
	daemon := &fakeDaemon{jobs: map[string]*droned.Job{
		"p1": {State: droned.JobFailed, Stderr: "agent crashed"},
	}}
	r, store := newTestReconciler(t, daemon)
	seedDrone(t, store, registry.AgentClaude, registry.PendingPrompt{
		ID: "p1", Prompt: "do it", State: registry.PromptSent,
		At: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	})

	r.process(context.Background(), "d1\x00main")

	reg, err := store.Load()
	require.NoError(t, err)
	c := reg.Chat("d1", "main")
	require.NotNil(t, c)
	assert.Empty(t, c.Turns)
	entry := c.FindPendingPrompt("p1")
	require.NotNil(t, entry)
	assert.Equal(t, registry.PromptFailed, entry.State)
	assert.Equal(t, "agent crashed", entry.Error)
}

func TestProcessCodexDoneStoresThreadID(t *testing.T) {
	stdout := `{"type":"thread.started","thread_id":"thr-7"}
{"type":"item.completed","item":{"type":"agent_message","text":"answer"}}`
	daemon := &fakeDaemon{jobs: map[string]*droned.Job{
		"p1": {State: droned.JobDone, Stdout: stdout},
	}}
	r, store := newTestReconciler(t, daemon)
	seedDrone(t, store, registry.AgentCodex, registry.PendingPrompt{
		ID: "p1", Prompt: "do it", State: registry.PromptSent,
		At: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	})

	r.process(context.Background(), "d1\x00main")

	reg, err := store.Load()
	require.NoError(t, err)
	c := reg.Chat("d1", "main")
	require.NotNil(t, c)
	assert.Equal(t, "thr-7", c.CodexThreadID)
	require.Len(t, c.Turns, 1)
	assert.Equal(t, "answer", c.Turns[0].Output)
}

func TestProcessCodexFailedSalvagesMessage(t *testing.T) {
	stdout := `{"type":"item.completed","item":{"type":"agent_message","text":"partial but real"}}`
	daemon := &fakeDaemon{jobs: map[string]*droned.Job{
		"p1": {State: droned.JobFailed, Stdout: stdout, Error: "exit status 1"},
	}}
	r, store := newTestReconciler(t, daemon)
	seedDrone(t, store, registry.AgentCodex, registry.PendingPrompt{
		ID: "p1", Prompt: "do it", State: registry.PromptSent,
		At: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	})

	r.process(context.Background(), "d1\x00main")

	reg, err := store.Load()
	require.NoError(t, err)
	c := reg.Chat("d1", "main")
	require.Len(t, c.Turns, 1)
	assert.True(t, c.Turns[0].OK)
	assert.Equal(t, "partial but real", c.Turns[0].Output)
}

func TestProcessRunningJobPromotesSendingToSent(t *testing.T) {
	daemon := &fakeDaemon{jobs: map[string]*droned.Job{
		"p1": {State: droned.JobRunning},
	}}
	r, store := newTestReconciler(t, daemon)
	seedDrone(t, store, registry.AgentClaude, registry.PendingPrompt{
		ID: "p1", Prompt: "do it", State: registry.PromptSending,
		At: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	})

	r.process(context.Background(), "d1\x00main")

	reg, err := store.Load()
	require.NoError(t, err)
	entry := reg.Chat("d1", "main").FindPendingPrompt("p1")
	require.NotNil(t, entry)
	assert.Equal(t, registry.PromptSent, entry.State)
}

func TestProcessUnknownJobFailsStalePrompt(t *testing.T) {
	daemon := &fakeDaemon{jobs: map[string]*droned.Job{}}
	r, store := newTestReconciler(t, daemon)
	old := time.Now().UTC().Add(-20 * time.Minute)
	seedDrone(t, store, registry.AgentClaude, registry.PendingPrompt{
		ID: "p1", Prompt: "do it", State: registry.PromptSent,
		At: old, UpdatedAt: old,
	})

	r.process(context.Background(), "d1\x00main")

	reg, err := store.Load()
	require.NoError(t, err)
	entry := reg.Chat("d1", "main").FindPendingPrompt("p1")
	require.NotNil(t, entry)
	assert.Equal(t, registry.PromptFailed, entry.State)
	assert.NotEmpty(t, entry.Error)
}

func TestProcessUnknownJobKeepsFreshPrompt(t *testing.T) {
	daemon := &fakeDaemon{jobs: map[string]*droned.Job{}}
	r, store := newTestReconciler(t, daemon)
	seedDrone(t, store, registry.AgentClaude, registry.PendingPrompt{
		ID: "p1", Prompt: "do it", State: registry.PromptSending,
		At: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	})

	r.process(context.Background(), "d1\x00main")

	reg, err := store.Load()
	require.NoError(t, err)
	entry := reg.Chat("d1", "main").FindPendingPrompt("p1")
	require.NotNil(t, entry)
	assert.Equal(t, registry.PromptSending, entry.State)
}

func TestProcessSkipsCustomAgents(t *testing.T) {
	daemon := &fakeDaemon{jobs: map[string]*droned.Job{
		"p1": {State: droned.JobDone, Stdout: "ignored"},
	}}
	r, store := newTestReconciler(t, daemon)
	seedDrone(t, store, "", registry.PendingPrompt{
		ID: "p1", Prompt: "do it", State: registry.PromptSent,
		At: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	})
	// Make the chat unambiguously custom.
	require.NoError(t, store.Update(func(reg *registry.Registry) error {
		c := reg.Chat("d1", "main")
		c.Agent = registry.Agent{Kind: registry.AgentKindCustom, ID: "mytool", Command: "./mytool"}
		return nil
	}))

	r.process(context.Background(), "d1\x00main")

	reg, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, reg.Chat("d1", "main").Turns)
}
