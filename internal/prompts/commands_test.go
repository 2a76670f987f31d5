package prompts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dronehub/dronehub/internal/common/config"
	"github.com/dronehub/dronehub/internal/registry"
)

func TestChatSessionName(t *testing.T) {
	assert.Equal(t, "drone-hub-chat-main", ChatSessionName("main"))
}

func TestCommandSetDefaults(t *testing.T) {
	s := commandSet{}
	assert.Equal(t, "agent", s.cursor())
	assert.Equal(t, "codex", s.codex())
	assert.Equal(t, "claude", s.claude())
	assert.Equal(t, "opencode", s.opencode())
}

func TestCommandSetOverrides(t *testing.T) {
	s := commandSet{cfg: config.AgentsConfig{
		CursorCmd:   "/opt/cursor-agent",
		CodexCmd:    "codex-nightly",
		ClaudeCmd:   "claude-dev",
		OpenCodeCmd: "oc",
	}}
	assert.Equal(t, "/opt/cursor-agent", s.cursor())
	assert.Equal(t, "codex-nightly", s.codex())
	assert.Equal(t, "claude-dev", s.claude())
	assert.Equal(t, "oc", s.opencode())
}

func TestBuildScriptCursorRequiresChatID(t *testing.T) {
	s := commandSet{}
	_, err := s.buildScript(registry.AgentCursor, buildContext{
		Chat:   &registry.Chat{},
		Prompt: "hi",
	})
	assert.Error(t, err)
}

func TestBuildScriptCursorResume(t *testing.T) {
	s := commandSet{}
	script, err := s.buildScript(registry.AgentCursor, buildContext{
		Chat:   &registry.Chat{ChatID: "chat-42"},
		Prompt: "hello",
		Model:  "gpt-5",
	})
	require.NoError(t, err)
	assert.Contains(t, script, "set -o pipefail")
	assert.Contains(t, script, "'--resume' 'chat-42'")
	assert.Contains(t, script, "'--model' 'gpt-5'")
	assert.Contains(t, script, "'hello'")
}

func TestBuildScriptCodexFirstTurnHasNoResume(t *testing.T) {
	s := commandSet{}
	script, err := s.buildScript(registry.AgentCodex, buildContext{
		Chat:   &registry.Chat{},
		Prompt: "start",
	})
	require.NoError(t, err)
	assert.Contains(t, script, "'codex' 'exec'")
	assert.Contains(t, script, "'--json'")
	assert.NotContains(t, script, "resume")
}

func TestBuildScriptCodexResumesThread(t *testing.T) {
	s := commandSet{}
	script, err := s.buildScript(registry.AgentCodex, buildContext{
		Chat:   &registry.Chat{CodexThreadID: "thr-9"},
		Prompt: "continue",
	})
	require.NoError(t, err)
	assert.Contains(t, script, "'resume' 'thr-9'")
}

func TestBuildScriptClaudeRequiresSessionID(t *testing.T) {
	s := commandSet{}
	_, err := s.buildScript(registry.AgentClaude, buildContext{
		Chat:   &registry.Chat{},
		Prompt: "hi",
	})
	assert.Error(t, err)

	script, err := s.buildScript(registry.AgentClaude, buildContext{
		Chat:            &registry.Chat{},
		Prompt:          "hi",
		ClaudeSessionID: "ses-7",
	})
	require.NoError(t, err)
	assert.Contains(t, script, "'--session-id' 'ses-7'")
}

func TestBuildScriptOpenCodeCarriesTitleAndSession(t *testing.T) {
	s := commandSet{}
	script, err := s.buildScript(registry.AgentOpenCode, buildContext{
		DroneName: "alpha",
		ChatName:  "main",
		Chat:      &registry.Chat{OpenCodeSessionID: "ses-3"},
		Prompt:    "go",
	})
	require.NoError(t, err)
	assert.Contains(t, script, "'--title' 'drone-hub-alpha-main'")
	assert.Contains(t, script, "'--session' 'ses-3'")
}

func TestBuildScriptQuotesPromptAndCWD(t *testing.T) {
	s := commandSet{}
	script, err := s.buildScript(registry.AgentCodex, buildContext{
		Chat:   &registry.Chat{},
		Prompt: "it's; rm -rf /",
		CWD:    "/work/repo",
	})
	require.NoError(t, err)
	assert.Contains(t, script, "cd '/work/repo'")
	// The prompt must arrive as a single quoted argument.
	assert.NotContains(t, script, "; rm -rf /\n")
	assert.True(t, strings.Contains(script, `'it'\''s; rm -rf /'`), "prompt not quoted: %s", script)
}

func TestBuildScriptUnknownAgent(t *testing.T) {
	s := commandSet{}
	_, err := s.buildScript("mystery", buildContext{Chat: &registry.Chat{}})
	assert.Error(t, err)
}
