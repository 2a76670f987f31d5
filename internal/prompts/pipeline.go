// Package prompts implements the per-chat prompt pipeline: enqueue with
// session-continuity deferral, per-agent command construction, submission to
// the in-container daemon, and the pump that drains queued prompts.
package prompts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dronehub/dronehub/internal/chats"
	"github.com/dronehub/dronehub/internal/common/config"
	"github.com/dronehub/dronehub/internal/common/logger"
	"github.com/dronehub/dronehub/internal/droned"
	"github.com/dronehub/dronehub/internal/dvm"
	"github.com/dronehub/dronehub/internal/events/bus"
	"github.com/dronehub/dronehub/internal/oplock"
	"github.com/dronehub/dronehub/internal/registry"
)

// Daemon is the slice of the daemon client the pipeline needs.
type Daemon interface {
	WaitReady(ctx context.Context, deadline time.Duration) error
	PromptEnqueue(ctx context.Context, req droned.EnqueueRequest) error
	SetToken(token string)
}

// DaemonFactory builds a daemon client for a drone.
type DaemonFactory func(hostPort int, token string) Daemon

// daemonSessionName is the tmux session running the in-container daemon.
const daemonSessionName = "drone-hub-droned"

// defaultDaemonHostPath is where the hub install ships the daemon binary.
const defaultDaemonHostPath = "/usr/local/share/drone-hub/droned"

// Pipeline enqueues prompts and submits them to drone daemons.
type Pipeline struct {
	store      *registry.Store
	locks      *oplock.Locker
	chats      *chats.Registry
	dvm        dvm.Client
	daemonFor  DaemonFactory
	agents     commandSet
	daemonCfg  config.DaemonConfig
	bus        bus.EventBus
	logger     *logger.Logger
	daemonPath string

	pump *Pump
}

// New creates a prompt pipeline.
func New(
	store *registry.Store,
	locks *oplock.Locker,
	chatReg *chats.Registry,
	dvmClient dvm.Client,
	daemonFor DaemonFactory,
	agentsCfg config.AgentsConfig,
	daemonCfg config.DaemonConfig,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Pipeline {
	if log == nil {
		log = logger.Default()
	}
	return &Pipeline{
		store:      store,
		locks:      locks,
		chats:      chatReg,
		dvm:        dvmClient,
		daemonFor:  daemonFor,
		agents:     commandSet{cfg: agentsCfg},
		daemonCfg:  daemonCfg,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "prompts")),
		daemonPath: defaultDaemonHostPath,
	}
}

// SetDaemonHostPath overrides where the daemon binary is read from when the
// hub needs to install a fresh daemon into a container.
func (p *Pipeline) SetDaemonHostPath(path string) {
	p.daemonPath = path
}

// SetPump wires the queued-prompt pump; called once during startup.
func (p *Pipeline) SetPump(pump *Pump) {
	p.pump = pump
}

// EnqueueOptions configures a prompt enqueue.
type EnqueueOptions struct {
	PromptID    string
	Prompt      string
	Attachments []Attachment
	CWD         string
	// ReadyTimeout overrides the daemon readiness deadline; zero uses the
	// configured default. Seed prompts pass an extended deadline.
	ReadyTimeout time.Duration
}

// EnqueuePrompt validates and persists a new pending prompt for a chat, then
// either submits it or leaves it queued per the defer policy. Returns the
// prompt id.
func (p *Pipeline) EnqueuePrompt(ctx context.Context, droneID, chatName string, opts EnqueueOptions) (string, error) {
	promptID := opts.PromptID
	if promptID == "" {
		promptID = uuid.New().String()
	}
	if !registry.PromptIDPattern.MatchString(promptID) {
		return "", fmt.Errorf("invalid prompt id %q", promptID)
	}
	if opts.Prompt == "" {
		return "", fmt.Errorf("prompt must not be empty")
	}

	atts, err := validateAttachments(opts.Attachments)
	if err != nil {
		return "", err
	}

	if _, err := p.chats.EnsureChat(droneID, chatName); err != nil {
		return "", err
	}

	if len(atts) > 0 {
		if err := p.copyAttachments(ctx, droneID, atts); err != nil {
			return "", err
		}
	}
	promptText := attachmentFooter(opts.Prompt, atts)

	deferred, err := registry.UpdateResult(p.store, func(reg *registry.Registry) (bool, error) {
		c := reg.Chat(droneID, chatName)
		if c == nil {
			return false, fmt.Errorf("chat %s not found on drone %s", chatName, droneID)
		}
		if c.FindPendingPrompt(promptID) != nil || c.HasTurn(promptID) {
			return false, fmt.Errorf("prompt id %s already used", promptID)
		}
		shouldDefer := ShouldDeferQueued(c)
		state := registry.PromptSending
		if shouldDefer {
			state = registry.PromptQueued
		}
		now := time.Now().UTC()
		c.AppendPendingPrompt(registry.PendingPrompt{
			ID:        promptID,
			At:        now,
			Prompt:    promptText,
			CWD:       opts.CWD,
			State:     state,
			UpdatedAt: now,
		})
		return shouldDefer, nil
	})
	if err != nil {
		return "", err
	}

	p.publishPromptUpdate(droneID, chatName, promptID)

	if deferred {
		p.logger.Debug("prompt deferred for session continuity",
			zap.String("drone_id", droneID), zap.String("chat", chatName), zap.String("prompt_id", promptID))
		return promptID, nil
	}

	go p.submitDetached(droneID, chatName, promptID, opts.ReadyTimeout)
	return promptID, nil
}

// submitDetached submits a prompt outside the caller's request context with
// the full enqueue deadline.
func (p *Pipeline) submitDetached(droneID, chatName, promptID string, readyTimeout time.Duration) {
	total := p.daemonCfg.PromptEnqueueTimeoutDuration()
	if readyTimeout > total {
		total = readyTimeout + 30*time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), total)
	defer cancel()

	if err := p.Submit(ctx, droneID, chatName, promptID, readyTimeout); err != nil {
		p.logger.Warn("prompt submission failed",
			zap.String("drone_id", droneID),
			zap.String("chat", chatName),
			zap.String("prompt_id", promptID),
			zap.Error(err))
	}
}

// Submit sends a pending prompt to the drone's daemon under the drone op
// lock. On failure the prompt is marked failed with the error message.
func (p *Pipeline) Submit(ctx context.Context, droneID, chatName, promptID string, readyTimeout time.Duration) error {
	err := p.locks.WithLock(ctx, oplock.DroneKey(droneID), func() error {
		return p.submitLocked(ctx, droneID, chatName, promptID, readyTimeout)
	})
	if err != nil {
		p.markFailed(droneID, chatName, promptID, err)
		return err
	}
	p.publishPromptUpdate(droneID, chatName, promptID)
	return nil
}

func (p *Pipeline) submitLocked(ctx context.Context, droneID, chatName, promptID string, readyTimeout time.Duration) error {
	reg, err := p.store.Load()
	if err != nil {
		return err
	}
	d, ok := reg.Drones[droneID]
	if !ok {
		return fmt.Errorf("drone %s not found", droneID)
	}
	c := reg.Chat(droneID, chatName)
	if c == nil {
		return fmt.Errorf("chat %s not found on drone %s", chatName, droneID)
	}
	entry := c.FindPendingPrompt(promptID)
	if entry == nil {
		return fmt.Errorf("prompt %s not found", promptID)
	}
	if entry.State == registry.PromptFailed || c.HasTurn(promptID) {
		return nil
	}

	agent := chats.InferAgent(c)
	cwd := entry.CWD
	if cwd == "" {
		cwd = d.CWD
	}

	if agent.Kind == registry.AgentKindCustom {
		return p.sendCustom(ctx, d, chatName, agent, entry.ID, entry.Prompt)
	}

	bc := buildContext{
		DroneName: d.Name,
		ChatName:  chatName,
		Chat:      c,
		Prompt:    entry.Prompt,
		CWD:       cwd,
		Model:     c.Model,
	}

	switch agent.ID {
	case registry.AgentCursor:
		if c.ChatID == "" {
			id, err := p.createCursorChat(ctx, d)
			if err != nil {
				return fmt.Errorf("create cursor chat: %w", err)
			}
			c.ChatID = id
			if err := p.storeSessionID(droneID, chatName, func(cc *registry.Chat) { cc.ChatID = id }); err != nil {
				return err
			}
		}
	case registry.AgentClaude:
		if c.ClaudeSessionID == "" {
			id := uuid.New().String()
			c.ClaudeSessionID = id
			if err := p.storeSessionID(droneID, chatName, func(cc *registry.Chat) { cc.ClaudeSessionID = id }); err != nil {
				return err
			}
		}
		bc.ClaudeSessionID = c.ClaudeSessionID
	}

	script, err := p.agents.buildScript(agent.ID, bc)
	if err != nil {
		return err
	}

	if readyTimeout <= 0 {
		readyTimeout = p.daemonCfg.ReadyTimeoutDuration()
	}
	return p.enqueueTranscriptPrompt(ctx, d, droned.EnqueueRequest{
		ID:   promptID,
		Kind: "transcript",
		Cmd:  "bash",
		Args: []string{"-lc", script},
	}, readyTimeout)
}

// storeSessionID persists a session-id assignment made while holding the op
// lock. Handles are append-only; an id set concurrently wins.
func (p *Pipeline) storeSessionID(droneID, chatName string, assign func(*registry.Chat)) error {
	return p.store.Update(func(reg *registry.Registry) error {
		c := reg.Chat(droneID, chatName)
		if c == nil {
			return fmt.Errorf("chat %s not found on drone %s", chatName, droneID)
		}
		assign(c)
		return nil
	})
}

// createCursorChat asks the cursor CLI inside the container for a fresh chat
// id.
func (p *Pipeline) createCursorChat(ctx context.Context, d *registry.Drone) (string, error) {
	res, err := p.dvm.Exec(ctx, d.ContainerName, p.agents.cursor(), []string{"create-chat"}, 60*time.Second)
	if err != nil {
		return "", err
	}
	if res.Code != 0 {
		return "", fmt.Errorf("%s create-chat exited with code %d: %s", p.agents.cursor(), res.Code, res.Stderr)
	}
	id := lastNonEmptyLine(res.Stdout)
	if id == "" {
		return "", fmt.Errorf("%s create-chat produced no id", p.agents.cursor())
	}
	return id, nil
}

// sendCustom delivers a prompt to a custom agent's tmux session: start (or
// reuse) the session running the custom command, type the prompt, press
// Enter, and mark the prompt sent. Custom chats have no daemon job to
// reconcile.
func (p *Pipeline) sendCustom(ctx context.Context, d *registry.Drone, chatName string, agent registry.Agent, promptID, prompt string) error {
	session := ChatSessionName(chatName)
	if err := p.dvm.SessionStart(ctx, d.ContainerName, session, "bash", []string{"-lc", agent.Command}, true); err != nil {
		return fmt.Errorf("start custom agent session: %w", err)
	}
	if err := p.dvm.SessionType(ctx, d.ContainerName, session, prompt, []string{"Enter"}); err != nil {
		return fmt.Errorf("send prompt to custom agent: %w", err)
	}
	return p.setPromptState(d.ID, chatName, promptID, func(pp *registry.PendingPrompt) {
		pp.State = registry.PromptSent
		pp.UpdatedAt = time.Now().UTC()
	})
}

func (p *Pipeline) setPromptState(droneID, chatName, promptID string, mutate func(*registry.PendingPrompt)) error {
	return p.store.Update(func(reg *registry.Registry) error {
		c := reg.Chat(droneID, chatName)
		if c == nil {
			return nil
		}
		if pp := c.FindPendingPrompt(promptID); pp != nil {
			mutate(pp)
		}
		return nil
	})
}

// enqueueTranscriptPrompt waits for daemon readiness and submits the job. A
// 404 means the in-container daemon is out of date: install a fresh one and
// retry once. A 401 means the token rotated: re-read it from the container,
// persist, and retry once.
func (p *Pipeline) enqueueTranscriptPrompt(ctx context.Context, d *registry.Drone, req droned.EnqueueRequest, readyTimeout time.Duration) error {
	daemon := p.daemonFor(d.HostPort, d.Token)

	if err := daemon.WaitReady(ctx, readyTimeout); err != nil {
		return fmt.Errorf("prompt enqueue timed out waiting for daemon: %w", err)
	}

	err := daemon.PromptEnqueue(ctx, req)
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, droned.ErrDaemonOutdated):
		p.logger.Info("daemon out of date, upgrading", zap.String("drone_id", d.ID))
		if upErr := p.upgradeDaemon(ctx, d); upErr != nil {
			return fmt.Errorf("upgrade daemon: %w", upErr)
		}
		if readyErr := daemon.WaitReady(ctx, 30*time.Second); readyErr != nil {
			return fmt.Errorf("daemon not ready after upgrade: %w", readyErr)
		}
		return daemon.PromptEnqueue(ctx, req)

	case errors.Is(err, droned.ErrUnauthorized):
		token, readErr := p.dvm.ReadToken(ctx, d.ContainerName)
		if readErr != nil {
			return fmt.Errorf("refresh daemon token: %w", readErr)
		}
		if perr := p.store.Update(func(reg *registry.Registry) error {
			if dd, ok := reg.Drones[d.ID]; ok {
				dd.Token = token
			}
			return nil
		}); perr != nil {
			return perr
		}
		daemon.SetToken(token)
		return daemon.PromptEnqueue(ctx, req)

	default:
		return err
	}
}

// upgradeDaemon installs the hub-shipped daemon binary into the container
// and restarts its session.
func (p *Pipeline) upgradeDaemon(ctx context.Context, d *registry.Drone) error {
	if _, err := os.Stat(p.daemonPath); err != nil {
		return fmt.Errorf("daemon binary unavailable at %s: %w", p.daemonPath, err)
	}
	target := "/usr/local/bin/droned"
	if err := p.dvm.CopyTo(ctx, d.ContainerName, p.daemonPath, target); err != nil {
		return err
	}
	return p.dvm.SessionStart(ctx, d.ContainerName, daemonSessionName, target, nil, false)
}

// copyAttachments stages attachment files into the drone under the op lock.
func (p *Pipeline) copyAttachments(ctx context.Context, droneID string, atts []decodedAttachment) error {
	dir, err := writeAttachmentsTemp(atts)
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	return p.locks.WithLock(ctx, oplock.DroneKey(droneID), func() error {
		reg, err := p.store.Load()
		if err != nil {
			return err
		}
		d, ok := reg.Drones[droneID]
		if !ok {
			return fmt.Errorf("drone %s not found", droneID)
		}
		for _, a := range atts {
			hostPath := path.Join(dir, a.Name)
			if err := p.dvm.CopyTo(ctx, d.ContainerName, hostPath, attachmentDirInDrone+"/"+a.Name); err != nil {
				return fmt.Errorf("copy attachment %s: %w", a.Name, err)
			}
		}
		// Best effort: container-side perms depend on the copy tool's umask.
		if res, err := p.dvm.Exec(ctx, d.ContainerName, "chmod", []string{"-R", "go-rwx", attachmentDirInDrone}, 15*time.Second); err == nil && res.Code != 0 {
			p.logger.Debug("attachment chmod failed", zap.String("stderr", res.Stderr))
		}
		return nil
	})
}

// markFailed records a submission failure on the pending prompt.
func (p *Pipeline) markFailed(droneID, chatName, promptID string, cause error) {
	err := p.store.Update(func(reg *registry.Registry) error {
		c := reg.Chat(droneID, chatName)
		if c == nil {
			return nil
		}
		entry := c.FindPendingPrompt(promptID)
		if entry == nil || entry.State == registry.PromptFailed || c.HasTurn(promptID) {
			return nil
		}
		entry.State = registry.PromptFailed
		entry.Error = cause.Error()
		entry.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		p.logger.Error("failed to record prompt failure",
			zap.String("drone_id", droneID), zap.String("prompt_id", promptID), zap.Error(err))
	}
	p.publishPromptUpdate(droneID, chatName, promptID)
	// A failed in-flight prompt unblocks queued followers.
	if p.pump != nil {
		p.pump.Trigger(droneID, chatName)
	}
}

func (p *Pipeline) publishPromptUpdate(droneID, chatName, promptID string) {
	if p.bus == nil {
		return
	}
	_ = p.bus.Publish(context.Background(), bus.SubjectPromptUpdate, bus.NewEvent(
		"prompt.update", "prompts", map[string]any{
			"droneId":  droneID,
			"chat":     chatName,
			"promptId": promptID,
		}))
}

func lastNonEmptyLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
