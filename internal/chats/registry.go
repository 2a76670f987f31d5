// Package chats manages chat entries inside drones: creation, agent
// inference for legacy registry files, agent/model configuration, and
// append-only session-continuity handles.
package chats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dronehub/dronehub/internal/common/logger"
	"github.com/dronehub/dronehub/internal/oplock"
	"github.com/dronehub/dronehub/internal/registry"
)

// MaxModelLength bounds the model setting.
const MaxModelLength = 160

// Registry performs chat mutations through the registry store.
type Registry struct {
	store  *registry.Store
	locks  *oplock.Locker
	logger *logger.Logger
}

// NewRegistry creates a chat registry.
func NewRegistry(store *registry.Store, locks *oplock.Locker, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		store:  store,
		locks:  locks,
		logger: log.WithFields(zap.String("component", "chats")),
	}
}

// InferAgent resolves the effective agent of a chat entry. Older registry
// files predate the explicit agent field, so the continuation handles are
// used as evidence, newest agent family first.
func InferAgent(c *registry.Chat) registry.Agent {
	if c.Agent.Kind != "" {
		return c.Agent
	}
	switch {
	case c.ClaudeSessionID != "":
		return registry.Agent{Kind: registry.AgentKindBuiltin, ID: registry.AgentClaude}
	case c.OpenCodeSessionID != "":
		return registry.Agent{Kind: registry.AgentKindBuiltin, ID: registry.AgentOpenCode}
	case c.CodexThreadID != "":
		return registry.Agent{Kind: registry.AgentKindBuiltin, ID: registry.AgentCodex}
	case c.ChatID != "":
		return registry.Agent{Kind: registry.AgentKindBuiltin, ID: registry.AgentCursor}
	default:
		return registry.DefaultAgent()
	}
}

// EnsureChat creates the chat entry on first use and returns a snapshot of
// it with the agent resolved.
func (r *Registry) EnsureChat(droneID, chatName string) (*registry.Chat, error) {
	return registry.UpdateResult(r.store, func(reg *registry.Registry) (*registry.Chat, error) {
		d, ok := reg.Drones[droneID]
		if !ok {
			return nil, fmt.Errorf("drone %s not found", droneID)
		}
		if d.Chats == nil {
			d.Chats = map[string]*registry.Chat{}
		}
		c, ok := d.Chats[chatName]
		if !ok {
			c = &registry.Chat{
				CreatedAt: time.Now().UTC(),
				Agent:     registry.DefaultAgent(),
			}
			d.Chats[chatName] = c
		}
		c.Agent = InferAgent(c)
		snapshot := *c
		return &snapshot, nil
	})
}

// AgentConfig is the payload of a chat config update.
type AgentConfig struct {
	Agent    *registry.Agent
	SetModel bool
	Model    string
}

// ValidateModel rejects oversized or control-character model names.
func ValidateModel(model string) error {
	if len(model) > MaxModelLength {
		return fmt.Errorf("model must be at most %d characters", MaxModelLength)
	}
	if strings.ContainsAny(model, "\r\n\t") {
		return fmt.Errorf("model must not contain control characters")
	}
	return nil
}

// SetAgentConfig updates a chat's agent and/or model.
func (r *Registry) SetAgentConfig(droneID, chatName string, cfg AgentConfig) error {
	if cfg.SetModel {
		if err := ValidateModel(cfg.Model); err != nil {
			return err
		}
	}
	if cfg.Agent != nil {
		if err := validateAgent(*cfg.Agent); err != nil {
			return err
		}
	}
	return r.store.Update(func(reg *registry.Registry) error {
		c := reg.Chat(droneID, chatName)
		if c == nil {
			return fmt.Errorf("chat %s not found on drone %s", chatName, droneID)
		}
		if cfg.Agent != nil {
			c.Agent = *cfg.Agent
		}
		if cfg.SetModel {
			c.Model = cfg.Model
		}
		return nil
	})
}

func validateAgent(a registry.Agent) error {
	switch a.Kind {
	case registry.AgentKindBuiltin:
		switch a.ID {
		case registry.AgentCursor, registry.AgentCodex, registry.AgentClaude, registry.AgentOpenCode:
			return nil
		}
		return fmt.Errorf("unknown builtin agent %q", a.ID)
	case registry.AgentKindCustom:
		if a.ID == "" || a.Command == "" {
			return fmt.Errorf("custom agent requires id and command")
		}
		return nil
	default:
		return fmt.Errorf("unknown agent kind %q", a.Kind)
	}
}

// sessionSetter writes a continuation handle. Handles are append-only: once
// non-empty they are never overwritten.
func (r *Registry) setSession(ctx context.Context, droneID, chatName string, get func(*registry.Chat) *string, value string) error {
	if value == "" {
		return nil
	}
	return r.locks.WithLock(ctx, oplock.DroneKey(droneID), func() error {
		return r.store.Update(func(reg *registry.Registry) error {
			c := reg.Chat(droneID, chatName)
			if c == nil {
				return fmt.Errorf("chat %s not found on drone %s", chatName, droneID)
			}
			slot := get(c)
			if *slot != "" {
				return nil
			}
			*slot = value
			return nil
		})
	})
}

// SetCursorChatID records the cursor chat id.
func (r *Registry) SetCursorChatID(ctx context.Context, droneID, chatName, id string) error {
	return r.setSession(ctx, droneID, chatName, func(c *registry.Chat) *string { return &c.ChatID }, id)
}

// SetCodexThreadID records the codex thread id.
func (r *Registry) SetCodexThreadID(ctx context.Context, droneID, chatName, id string) error {
	return r.setSession(ctx, droneID, chatName, func(c *registry.Chat) *string { return &c.CodexThreadID }, id)
}

// SetClaudeSessionID records the claude session id.
func (r *Registry) SetClaudeSessionID(ctx context.Context, droneID, chatName, id string) error {
	return r.setSession(ctx, droneID, chatName, func(c *registry.Chat) *string { return &c.ClaudeSessionID }, id)
}

// SetOpenCodeSessionID records the opencode session id.
func (r *Registry) SetOpenCodeSessionID(ctx context.Context, droneID, chatName, id string) error {
	return r.setSession(ctx, droneID, chatName, func(c *registry.Chat) *string { return &c.OpenCodeSessionID }, id)
}
