package prompts

import (
	"fmt"
	"strings"

	"github.com/dronehub/dronehub/internal/common/config"
	"github.com/dronehub/dronehub/internal/common/shellq"
	"github.com/dronehub/dronehub/internal/registry"
)

// ChatSessionPrefix names the tmux sessions that back chats.
const ChatSessionPrefix = "drone-hub-chat-"

// ChatSessionName returns the tmux session name for a chat.
func ChatSessionName(chatName string) string {
	return ChatSessionPrefix + chatName
}

// OpenCodeTitle returns the session title used to rediscover an opencode
// session after the first turn.
func OpenCodeTitle(droneName, chatName string) string {
	return fmt.Sprintf("drone-hub-%s-%s", droneName, chatName)
}

// commandSet resolves agent binaries from config with sensible defaults.
type commandSet struct {
	cfg config.AgentsConfig
}

func (s commandSet) cursor() string {
	if s.cfg.CursorCmd != "" {
		return s.cfg.CursorCmd
	}
	if s.cfg.AgentCmd != "" {
		return s.cfg.AgentCmd
	}
	return "agent"
}

func (s commandSet) codex() string {
	if s.cfg.CodexCmd != "" {
		return s.cfg.CodexCmd
	}
	return "codex"
}

func (s commandSet) claude() string {
	if s.cfg.ClaudeCmd != "" {
		return s.cfg.ClaudeCmd
	}
	return "claude"
}

func (s commandSet) opencode() string {
	if s.cfg.OpenCodeCmd != "" {
		return s.cfg.OpenCodeCmd
	}
	return "opencode"
}

// buildContext carries everything the builders need about the target chat.
type buildContext struct {
	DroneName string
	ChatName  string
	Chat      *registry.Chat
	Prompt    string
	CWD       string
	Model     string
	// ClaudeSessionID is the hub-chosen stable session id, assigned before
	// the script is built.
	ClaudeSessionID string
}

// buildScript produces the bash script the daemon will run for a builtin
// agent turn. Every user-controlled value is shell-quoted.
func (s commandSet) buildScript(agentID string, bc buildContext) (string, error) {
	var cmd []string
	switch agentID {
	case registry.AgentCursor:
		if bc.Chat.ChatID == "" {
			return "", fmt.Errorf("cursor chat id missing")
		}
		cmd = []string{s.cursor(), "--resume", bc.Chat.ChatID, "-f", "--approve-mcps", "--print"}
		if bc.Model != "" {
			cmd = append(cmd, "--model", bc.Model)
		}
		cmd = append(cmd, bc.Prompt)

	case registry.AgentCodex:
		cmd = []string{s.codex(), "exec"}
		if bc.Model != "" {
			cmd = append(cmd, "--model", bc.Model)
		}
		cmd = append(cmd, "--json")
		if bc.Chat.CodexThreadID != "" {
			cmd = append(cmd, "resume", bc.Chat.CodexThreadID)
		}
		cmd = append(cmd, bc.Prompt)

	case registry.AgentClaude:
		if bc.ClaudeSessionID == "" {
			return "", fmt.Errorf("claude session id missing")
		}
		cmd = []string{s.claude(), "--print", "--dangerously-skip-permissions", "--session-id", bc.ClaudeSessionID}
		if bc.Model != "" {
			cmd = append(cmd, "--model", bc.Model)
		}
		cmd = append(cmd, bc.Prompt)

	case registry.AgentOpenCode:
		cmd = []string{s.opencode(), "run", "--title", OpenCodeTitle(bc.DroneName, bc.ChatName)}
		if bc.Chat.OpenCodeSessionID != "" {
			cmd = append(cmd, "--session", bc.Chat.OpenCodeSessionID)
		}
		if bc.Model != "" {
			cmd = append(cmd, "--model", bc.Model)
		}
		cmd = append(cmd, bc.Prompt)

	default:
		return "", fmt.Errorf("unknown builtin agent %q", agentID)
	}

	var b strings.Builder
	b.WriteString("set -o pipefail\n")
	if bc.CWD != "" {
		b.WriteString("cd " + shellq.Quote(shellq.NormalizeContainerPath(bc.CWD)) + "\n")
	}
	b.WriteString(shellq.QuoteAll(cmd))
	b.WriteString("\n")
	return b.String(), nil
}
