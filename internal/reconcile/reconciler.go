// Package reconcile turns finished daemon jobs into transcript turns. A
// bounded pool polls the daemon for every in-flight prompt, appends turns on
// completion, discovers session ids for agents that only reveal them after
// the first turn, and fails prompts the daemon no longer accounts for.
package reconcile

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dronehub/dronehub/internal/chats"
	"github.com/dronehub/dronehub/internal/common/logger"
	"github.com/dronehub/dronehub/internal/droned"
	"github.com/dronehub/dronehub/internal/dvm"
	"github.com/dronehub/dronehub/internal/events/bus"
	"github.com/dronehub/dronehub/internal/prompts"
	"github.com/dronehub/dronehub/internal/registry"
	"github.com/dronehub/dronehub/internal/workqueue"
)

// Daemon is the slice of the daemon client the reconciler needs.
type Daemon interface {
	PromptGet(ctx context.Context, id string) (*droned.Job, error)
}

// DaemonFactory builds a daemon client for a drone.
type DaemonFactory func(hostPort int, token string) Daemon

// Reconciler drives prompt reconciliation.
type Reconciler struct {
	store          *registry.Store
	dvm            dvm.Client
	daemonFor      DaemonFactory
	chats          *chats.Registry
	pump           *prompts.Pump
	bus            bus.EventBus
	logger         *logger.Logger
	enqueueTimeout time.Duration
	openCodeCmd    string

	pool *workqueue.Pool
}

// New creates a reconciler with the given parallelism.
func New(
	store *registry.Store,
	dvmClient dvm.Client,
	daemonFor DaemonFactory,
	chatReg *chats.Registry,
	pump *prompts.Pump,
	eventBus bus.EventBus,
	workers int,
	enqueueTimeout time.Duration,
	openCodeCmd string,
	log *logger.Logger,
) *Reconciler {
	if log == nil {
		log = logger.Default()
	}
	if openCodeCmd == "" {
		openCodeCmd = "opencode"
	}
	r := &Reconciler{
		store:          store,
		dvm:            dvmClient,
		daemonFor:      daemonFor,
		chats:          chatReg,
		pump:           pump,
		bus:            eventBus,
		logger:         log.WithFields(zap.String("component", "reconcile")),
		enqueueTimeout: enqueueTimeout,
		openCodeCmd:    openCodeCmd,
	}
	r.pool = workqueue.New("reconcile", workers, r.process, log)
	return r
}

// Trigger schedules reconciliation for one chat. Idempotent.
func (r *Reconciler) Trigger(droneID, chatName string) {
	r.pool.Enqueue(droneID + "\x00" + chatName)
}

// Start launches the periodic scan that triggers reconciliation for every
// chat with in-flight prompts.
func (r *Reconciler) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.scan()
			}
		}
	}()
}

// Close stops the pool.
func (r *Reconciler) Close() {
	r.pool.Close()
}

func (r *Reconciler) scan() {
	reg, err := r.store.Load()
	if err != nil {
		r.logger.Warn("failed to load registry for reconcile scan", zap.Error(err))
		return
	}
	for droneID, d := range reg.Drones {
		for chatName, c := range d.Chats {
			for i := range c.PendingPrompts {
				p := &c.PendingPrompts[i]
				if (p.State == registry.PromptSending || p.State == registry.PromptSent) && !c.HasTurn(p.ID) {
					r.Trigger(droneID, chatName)
					break
				}
			}
		}
	}
}

// promptOutcome is one resolved prompt to apply to the registry.
type promptOutcome struct {
	promptID string
	// state transition; empty means leave as-is
	newState registry.PromptState
	errMsg   string
	turn     *registry.Turn
}

func (r *Reconciler) process(ctx context.Context, key string) {
	droneID, chatName, ok := strings.Cut(key, "\x00")
	if !ok {
		return
	}

	reg, err := r.store.Load()
	if err != nil {
		r.logger.Warn("reconcile load failed", zap.Error(err))
		return
	}
	d, exists := reg.Drones[droneID]
	if !exists {
		return
	}
	c := reg.Chat(droneID, chatName)
	if c == nil {
		return
	}
	agent := chats.InferAgent(c)
	if agent.Kind == registry.AgentKindCustom {
		return
	}

	var inFlight []registry.PendingPrompt
	for i := range c.PendingPrompts {
		p := c.PendingPrompts[i]
		if (p.State == registry.PromptSending || p.State == registry.PromptSent) && !c.HasTurn(p.ID) {
			inFlight = append(inFlight, p)
		}
	}
	if len(inFlight) == 0 {
		return
	}

	daemon := r.daemonFor(d.HostPort, d.Token)
	now := time.Now().UTC()

	var outcomes []promptOutcome
	codexThreadID := ""
	sawCompletion := false

	for _, p := range inFlight {
		job, err := daemon.PromptGet(ctx, p.ID)
		if err != nil {
			verdict := StalePendingPromptState(p.State, p.UpdatedAt, p.At, r.enqueueTimeout, now)
			if verdict.Stale {
				outcomes = append(outcomes, promptOutcome{
					promptID: p.ID,
					newState: registry.PromptFailed,
					errMsg:   verdict.Message,
				})
			}
			continue
		}

		switch job.State {
		case droned.JobQueued, droned.JobRunning:
			if p.State != registry.PromptSent {
				outcomes = append(outcomes, promptOutcome{promptID: p.ID, newState: registry.PromptSent})
			}

		case droned.JobDone:
			outcome := r.resolveDone(agent, p, job, now)
			if outcome.turn != nil {
				sawCompletion = true
			}
			if agent.ID == registry.AgentCodex {
				if res := parseCodexJSONL(job.Stdout); res.ThreadID != "" {
					codexThreadID = res.ThreadID
				}
			}
			outcomes = append(outcomes, outcome)

		case droned.JobFailed:
			outcome := r.resolveFailed(agent, p, job, now)
			if outcome.turn != nil {
				sawCompletion = true
				if agent.ID == registry.AgentCodex {
					if res := parseCodexJSONL(job.Stdout); res.ThreadID != "" {
						codexThreadID = res.ThreadID
					}
				}
			}
			outcomes = append(outcomes, outcome)
		}
	}

	if codexThreadID != "" && c.CodexThreadID == "" {
		if err := r.chats.SetCodexThreadID(ctx, droneID, chatName, codexThreadID); err != nil {
			r.logger.Warn("failed to store codex thread id", zap.Error(err))
		}
	}

	if sawCompletion && agent.ID == registry.AgentOpenCode && c.OpenCodeSessionID == "" {
		sessionID, err := r.discoverOpenCodeSession(ctx, d, chatName)
		if err != nil {
			r.logger.Warn("opencode session discovery failed",
				zap.String("drone_id", droneID), zap.String("chat", chatName), zap.Error(err))
		} else if sessionID != "" {
			if err := r.chats.SetOpenCodeSessionID(ctx, droneID, chatName, sessionID); err != nil {
				r.logger.Warn("failed to store opencode session id", zap.Error(err))
			}
		}
	}

	if len(outcomes) == 0 {
		return
	}

	if err := r.apply(droneID, chatName, outcomes); err != nil {
		r.logger.Error("failed to apply reconciliation",
			zap.String("drone_id", droneID), zap.String("chat", chatName), zap.Error(err))
		return
	}

	r.publish(droneID, chatName)
	// Session ids may now be known and predecessors finalized; let queued
	// followers move.
	if r.pump != nil {
		r.pump.Trigger(droneID, chatName)
	}
}

// resolveDone converts a done job into a transcript turn, with agent-
// specific output parsing.
func (r *Reconciler) resolveDone(agent registry.Agent, p registry.PendingPrompt, job *droned.Job, now time.Time) promptOutcome {
	output := ""
	switch agent.ID {
	case registry.AgentCodex:
		res := parseCodexJSONL(job.Stdout)
		if res.Message == "" {
			return promptOutcome{
				promptID: p.ID,
				newState: registry.PromptFailed,
				errMsg:   "codex finished but no message was parsed",
			}
		}
		output = res.Message
	default:
		output = strings.TrimSpace(job.Stdout)
		if output == "" {
			output = strings.TrimSpace(job.Stderr)
		}
		if output == "" {
			output = "(no output)"
		}
	}

	promptAt := p.At
	completedAt := now
	if job.FinishedAt != nil {
		completedAt = *job.FinishedAt
	}
	return promptOutcome{
		promptID: p.ID,
		newState: registry.PromptSent,
		turn: &registry.Turn{
			At:          promptAt,
			PromptAt:    &promptAt,
			CompletedAt: &completedAt,
			ID:          p.ID,
			Prompt:      p.Prompt,
			OK:          true,
			Output:      output,
		},
	}
}

// resolveFailed handles a failed job. Codex output is salvaged when the
// JSONL still carries a real message (the CLI exits non-zero on some
// recoverable conditions); everything else becomes a failed prompt.
func (r *Reconciler) resolveFailed(agent registry.Agent, p registry.PendingPrompt, job *droned.Job, now time.Time) promptOutcome {
	if agent.ID == registry.AgentCodex {
		if res := parseCodexJSONL(job.Stdout); res.Message != "" {
			promptAt := p.At
			completedAt := now
			if job.FinishedAt != nil {
				completedAt = *job.FinishedAt
			}
			return promptOutcome{
				promptID: p.ID,
				newState: registry.PromptSent,
				turn: &registry.Turn{
					At:          promptAt,
					PromptAt:    &promptAt,
					CompletedAt: &completedAt,
					ID:          p.ID,
					Prompt:      p.Prompt,
					OK:          true,
					Output:      res.Message,
				},
			}
		}
		return promptOutcome{
			promptID: p.ID,
			newState: registry.PromptFailed,
			errMsg:   formatCodexJobFailure(job.Stdout, job.Error),
		}
	}

	errMsg := strings.TrimSpace(job.Error)
	if errMsg == "" {
		errMsg = strings.TrimSpace(job.Stderr)
	}
	if errMsg == "" {
		errMsg = "agent job failed"
	}
	return promptOutcome{promptID: p.ID, newState: registry.PromptFailed, errMsg: errMsg}
}

// apply writes all outcomes in one registry update, preserving unrelated
// chat fields written since the snapshot.
func (r *Reconciler) apply(droneID, chatName string, outcomes []promptOutcome) error {
	return r.store.Update(func(reg *registry.Registry) error {
		c := reg.Chat(droneID, chatName)
		if c == nil {
			return nil
		}
		now := time.Now().UTC()
		for _, o := range outcomes {
			entry := c.FindPendingPrompt(o.promptID)
			if entry == nil || c.HasTurn(o.promptID) {
				continue
			}
			if entry.State == registry.PromptFailed {
				continue
			}
			if o.newState != "" {
				entry.State = o.newState
				entry.UpdatedAt = now
			}
			if o.errMsg != "" {
				entry.Error = o.errMsg
			}
			if o.turn != nil {
				c.Turns = append(c.Turns, *o.turn)
			}
		}
		return nil
	})
}

func (r *Reconciler) publish(droneID, chatName string) {
	if r.bus == nil {
		return
	}
	_ = r.bus.Publish(context.Background(), bus.SubjectPromptUpdate, bus.NewEvent(
		"prompt.update", "reconcile", map[string]any{
			"droneId": droneID,
			"chat":    chatName,
		}))
}
