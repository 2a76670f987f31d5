package prompts

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dronehub/dronehub/internal/common/logger"
	"github.com/dronehub/dronehub/internal/registry"
	"github.com/dronehub/dronehub/internal/workqueue"
)

// pumpMaxAttempts bounds how many queued prompts one pump pass will drain
// for a single chat.
const pumpMaxAttempts = 50

// Pump drains queued pending prompts chat by chat. It re-checks the defer
// policy on every iteration because reconciliation may have discovered a
// session id or finalized a predecessor in the meantime.
type Pump struct {
	pipeline *Pipeline
	pool     *workqueue.Pool
	logger   *logger.Logger
}

// NewPump creates the pump with the given parallelism.
func NewPump(pipeline *Pipeline, workers int, log *logger.Logger) *Pump {
	if log == nil {
		log = logger.Default()
	}
	p := &Pump{
		pipeline: pipeline,
		logger:   log.WithFields(zap.String("component", "prompt-pump")),
	}
	p.pool = workqueue.New("prompt-pump", workers, p.process, log)
	pipeline.SetPump(p)
	return p
}

// Trigger schedules a pump pass for the chat. Idempotent.
func (p *Pump) Trigger(droneID, chatName string) {
	p.pool.Enqueue(droneID + "\x00" + chatName)
}

// TriggerAll schedules a pass for every chat that has queued prompts.
func (p *Pump) TriggerAll() {
	reg, err := p.pipeline.store.Load()
	if err != nil {
		p.logger.Warn("failed to load registry for pump scan", zap.Error(err))
		return
	}
	for droneID, d := range reg.Drones {
		for chatName, c := range d.Chats {
			for i := range c.PendingPrompts {
				if c.PendingPrompts[i].State == registry.PromptQueued {
					p.Trigger(droneID, chatName)
					break
				}
			}
		}
	}
}

// Close stops the pump pool.
func (p *Pump) Close() {
	p.pool.Close()
}

func (p *Pump) process(ctx context.Context, key string) {
	droneID, chatName, ok := strings.Cut(key, "\x00")
	if !ok {
		return
	}

	for attempt := 0; attempt < pumpMaxAttempts; attempt++ {
		promptID, err := p.promoteNext(droneID, chatName)
		if err != nil {
			p.logger.Warn("pump pass failed",
				zap.String("drone_id", droneID), zap.String("chat", chatName), zap.Error(err))
			return
		}
		if promptID == "" {
			return
		}

		submitCtx, cancel := context.WithTimeout(ctx, p.pipeline.daemonCfg.PromptEnqueueTimeoutDuration())
		err = p.pipeline.Submit(submitCtx, droneID, chatName, promptID, 0)
		cancel()
		if err != nil {
			// Submit marked the prompt failed; keep draining so followers
			// are not stuck behind it.
			continue
		}
	}
}

// promoteNext transitions the oldest queued prompt to sending if the defer
// policy allows. Returns the promoted prompt id, or "" when nothing can
// move.
func (p *Pump) promoteNext(droneID, chatName string) (string, error) {
	return registry.UpdateResult(p.pipeline.store, func(reg *registry.Registry) (string, error) {
		c := reg.Chat(droneID, chatName)
		if c == nil {
			return "", nil
		}

		var next *registry.PendingPrompt
		for i := range c.PendingPrompts {
			if c.PendingPrompts[i].State == registry.PromptQueued {
				next = &c.PendingPrompts[i]
				break
			}
		}
		if next == nil {
			return "", nil
		}

		// Re-evaluate the defer policy ignoring the candidate itself: it is
		// the queued head, and ShouldDeferQueued always defers behind a
		// queued prompt.
		if deferBehindInFlight(c) {
			return "", nil
		}

		next.State = registry.PromptSending
		next.UpdatedAt = time.Now().UTC()
		return next.ID, nil
	})
}

// deferBehindInFlight is the session-continuity half of ShouldDeferQueued:
// true while a predecessor is in flight and the session id is still unknown.
func deferBehindInFlight(c *registry.Chat) bool {
	clone := *c
	clone.PendingPrompts = nil
	for i := range c.PendingPrompts {
		if c.PendingPrompts[i].State != registry.PromptQueued {
			clone.PendingPrompts = append(clone.PendingPrompts, c.PendingPrompts[i])
		}
	}
	return ShouldDeferQueued(&clone)
}
