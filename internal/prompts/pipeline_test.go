package prompts

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dronehub/dronehub/internal/chats"
	"github.com/dronehub/dronehub/internal/common/config"
	"github.com/dronehub/dronehub/internal/dvm/dvmtest"
	"github.com/dronehub/dronehub/internal/oplock"
	"github.com/dronehub/dronehub/internal/registry"
)

func newTestPipeline(t *testing.T, fake *dvmtest.Fake) (*Pipeline, *registry.Store) {
	t.Helper()
	store := registry.NewStore(filepath.Join(t.TempDir(), "registry.json"), nil)
	locks := oplock.New()
	chatReg := chats.NewRegistry(store, locks, nil)
	p := New(store, locks, chatReg, fake, nil, config.AgentsConfig{}, config.DaemonConfig{}, nil, nil)
	return p, store
}

func TestSubmitCustomMarksThePromptByID(t *testing.T) {
	p, store := newTestPipeline(t, &dvmtest.Fake{})
	now := time.Now().UTC()
	require.NoError(t, store.Update(func(reg *registry.Registry) error {
		reg.Drones["d1"] = &registry.Drone{
			ID: "d1", Name: "alpha", ContainerName: "drone-a",
			Chats: map[string]*registry.Chat{"main": {
				Agent: registry.Agent{Kind: registry.AgentKindCustom, ID: "mybot", Command: "mybot repl"},
				PendingPrompts: []registry.PendingPrompt{
					{ID: "p1", Prompt: "same text", State: registry.PromptSending, At: now},
					{ID: "p2", Prompt: "same text", State: registry.PromptSending, At: now},
				},
			}},
		}
		return nil
	}))

	require.NoError(t, p.Submit(context.Background(), "d1", "main", "p2", time.Second))

	reg, err := store.Load()
	require.NoError(t, err)
	c := reg.Chat("d1", "main")
	require.NotNil(t, c)
	assert.Equal(t, registry.PromptSending, c.FindPendingPrompt("p1").State)
	assert.Equal(t, registry.PromptSent, c.FindPendingPrompt("p2").State)
}
