package chats

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dronehub/dronehub/internal/oplock"
	"github.com/dronehub/dronehub/internal/registry"
)

func newTestRegistry(t *testing.T) (*Registry, *registry.Store) {
	t.Helper()
	store := registry.NewStore(filepath.Join(t.TempDir(), "registry.json"), nil)
	require.NoError(t, store.Update(func(reg *registry.Registry) error {
		reg.Drones["d1"] = &registry.Drone{ID: "d1", Name: "alpha"}
		return nil
	}))
	return NewRegistry(store, oplock.New(), nil), store
}

func TestInferAgentExplicitWins(t *testing.T) {
	c := &registry.Chat{
		Agent:           registry.Agent{Kind: registry.AgentKindBuiltin, ID: registry.AgentCodex},
		ClaudeSessionID: "ses-1",
	}
	assert.Equal(t, registry.AgentCodex, InferAgent(c).ID)
}

func TestInferAgentFromHandles(t *testing.T) {
	assert.Equal(t, registry.AgentClaude, InferAgent(&registry.Chat{ClaudeSessionID: "x"}).ID)
	assert.Equal(t, registry.AgentOpenCode, InferAgent(&registry.Chat{OpenCodeSessionID: "x"}).ID)
	assert.Equal(t, registry.AgentCodex, InferAgent(&registry.Chat{CodexThreadID: "x"}).ID)
	assert.Equal(t, registry.AgentCursor, InferAgent(&registry.Chat{ChatID: "x"}).ID)
}

func TestInferAgentHandlePrecedence(t *testing.T) {
	// Claude outranks the older families when several handles are present.
	c := &registry.Chat{ClaudeSessionID: "a", CodexThreadID: "b", ChatID: "c"}
	assert.Equal(t, registry.AgentClaude, InferAgent(c).ID)
}

func TestInferAgentDefault(t *testing.T) {
	assert.Equal(t, registry.DefaultAgent(), InferAgent(&registry.Chat{}))
}

func TestEnsureChatCreatesEntry(t *testing.T) {
	r, store := newTestRegistry(t)

	c, err := r.EnsureChat("d1", "main")
	require.NoError(t, err)
	assert.Equal(t, registry.DefaultAgent(), c.Agent)
	assert.False(t, c.CreatedAt.IsZero())

	reg, err := store.Load()
	require.NoError(t, err)
	assert.NotNil(t, reg.Chat("d1", "main"))
}

func TestEnsureChatIsIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t)

	first, err := r.EnsureChat("d1", "main")
	require.NoError(t, err)
	second, err := r.EnsureChat("d1", "main")
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestEnsureChatUnknownDrone(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.EnsureChat("missing", "main")
	assert.Error(t, err)
}

func TestSetAgentConfigUpdatesAgentAndModel(t *testing.T) {
	r, store := newTestRegistry(t)
	_, err := r.EnsureChat("d1", "main")
	require.NoError(t, err)

	err = r.SetAgentConfig("d1", "main", AgentConfig{
		Agent:    &registry.Agent{Kind: registry.AgentKindBuiltin, ID: registry.AgentCodex},
		SetModel: true,
		Model:    "o4-mini",
	})
	require.NoError(t, err)

	reg, err := store.Load()
	require.NoError(t, err)
	c := reg.Chat("d1", "main")
	assert.Equal(t, registry.AgentCodex, c.Agent.ID)
	assert.Equal(t, "o4-mini", c.Model)
}

func TestSetAgentConfigClearsModel(t *testing.T) {
	r, store := newTestRegistry(t)
	_, err := r.EnsureChat("d1", "main")
	require.NoError(t, err)
	require.NoError(t, r.SetAgentConfig("d1", "main", AgentConfig{SetModel: true, Model: "m1"}))

	require.NoError(t, r.SetAgentConfig("d1", "main", AgentConfig{SetModel: true, Model: ""}))

	reg, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, reg.Chat("d1", "main").Model)
}

func TestSetAgentConfigRejectsBadAgent(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.EnsureChat("d1", "main")
	require.NoError(t, err)

	err = r.SetAgentConfig("d1", "main", AgentConfig{
		Agent: &registry.Agent{Kind: registry.AgentKindBuiltin, ID: "mystery"},
	})
	assert.Error(t, err)

	err = r.SetAgentConfig("d1", "main", AgentConfig{
		Agent: &registry.Agent{Kind: registry.AgentKindCustom, ID: "tool"},
	})
	assert.Error(t, err, "custom agent without command")
}

func TestSetAgentConfigRejectsBadModel(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.EnsureChat("d1", "main")
	require.NoError(t, err)

	err = r.SetAgentConfig("d1", "main", AgentConfig{SetModel: true, Model: strings.Repeat("m", MaxModelLength+1)})
	assert.Error(t, err)

	err = r.SetAgentConfig("d1", "main", AgentConfig{SetModel: true, Model: "bad\nmodel"})
	assert.Error(t, err)
}

func TestSetSessionHandlesAreAppendOnly(t *testing.T) {
	r, store := newTestRegistry(t)
	_, err := r.EnsureChat("d1", "main")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, r.SetCodexThreadID(ctx, "d1", "main", "thr-1"))
	require.NoError(t, r.SetCodexThreadID(ctx, "d1", "main", "thr-2"))

	reg, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "thr-1", reg.Chat("d1", "main").CodexThreadID)
}

func TestSetSessionIgnoresEmptyValue(t *testing.T) {
	r, store := newTestRegistry(t)
	_, err := r.EnsureChat("d1", "main")
	require.NoError(t, err)

	require.NoError(t, r.SetClaudeSessionID(context.Background(), "d1", "main", ""))

	reg, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, reg.Chat("d1", "main").ClaudeSessionID)
}
