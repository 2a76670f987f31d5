package prompts

import (
	"github.com/dronehub/dronehub/internal/chats"
	"github.com/dronehub/dronehub/internal/registry"
)

// ShouldDeferQueued decides whether a new prompt must wait in the queue
// instead of being submitted immediately.
//
// Codex and OpenCode only reveal their session id after the first turn
// completes. Submitting a second prompt before the id is known would start a
// fresh session and break conversation continuity, so while the id is
// unknown at most one prompt may be in flight. Independently, a prompt never
// overtakes a queued predecessor.
func ShouldDeferQueued(c *registry.Chat) bool {
	agent := chats.InferAgent(c)

	for i := range c.PendingPrompts {
		if c.PendingPrompts[i].State == registry.PromptQueued {
			return true
		}
	}

	if agent.Kind != registry.AgentKindBuiltin {
		return false
	}
	if agent.ID != registry.AgentCodex && agent.ID != registry.AgentOpenCode {
		return false
	}
	if c.SessionKnown() {
		return false
	}

	for i := range c.PendingPrompts {
		p := &c.PendingPrompts[i]
		if (p.State == registry.PromptSending || p.State == registry.PromptSent) && !c.HasTurn(p.ID) {
			return true
		}
	}
	return false
}
