package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "registry.json"), nil)
}

func TestLoadMissingFileYieldsEmptyRegistry(t *testing.T) {
	store := newTestStore(t)

	reg, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, reg.Drones)
	assert.Empty(t, reg.Pending)
	assert.Empty(t, reg.Archived)
}

func TestUpdatePersistsAndReloads(t *testing.T) {
	store := newTestStore(t)

	err := store.Update(func(reg *Registry) error {
		reg.Drones["d1"] = &Drone{ID: "d1", Name: "alpha", ContainerName: "drone-hub-d1"}
		return nil
	})
	require.NoError(t, err)

	reg, err := store.Load()
	require.NoError(t, err)
	require.Contains(t, reg.Drones, "d1")
	assert.Equal(t, "alpha", reg.Drones["d1"].Name)
}

func TestUpdateMutatorErrorWritesNothing(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Update(func(reg *Registry) error {
		reg.Drones["d1"] = &Drone{ID: "d1", Name: "alpha"}
		return nil
	}))

	err := store.Update(func(reg *Registry) error {
		reg.Drones["d2"] = &Drone{ID: "d2", Name: "beta"}
		return assert.AnError
	})
	require.Error(t, err)

	reg, err := store.Load()
	require.NoError(t, err)
	assert.Contains(t, reg.Drones, "d1")
	assert.NotContains(t, reg.Drones, "d2")
}

func TestUpdateConcurrentCountersDoNotLoseWrites(t *testing.T) {
	store := newTestStore(t)

	const writers = 20
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = store.Update(func(reg *Registry) error {
				reg.Groups = append(reg.Groups, "g")
				return nil
			})
		}(i)
	}
	wg.Wait()

	reg, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, reg.Groups, writers)
}

func TestUpdateResultReturnsValue(t *testing.T) {
	store := newTestStore(t)

	id, err := UpdateResult(store, func(reg *Registry) (string, error) {
		reg.Pending["p1"] = &PendingDrone{ID: "p1", Name: "new", Phase: PendingPhaseStarting}
		return "p1", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "p1", id)
}

func TestLoadNormalizesNilMaps(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"drones":null}`), 0o644))

	store := NewStore(path, nil)
	reg, err := store.Load()
	require.NoError(t, err)
	assert.NotNil(t, reg.Drones)
	assert.NotNil(t, reg.Pending)
	assert.NotNil(t, reg.Archived)
	assert.NotNil(t, reg.Repos)
}

func TestFindDroneIDByRef(t *testing.T) {
	reg := NewRegistry()
	reg.Drones["id-1"] = &Drone{ID: "id-1", Name: "alpha"}
	reg.Pending["id-2"] = &PendingDrone{ID: "id-2", Name: "beta"}

	id, pending, ok := reg.FindDroneIDByRef("id-1")
	require.True(t, ok)
	assert.False(t, pending)
	assert.Equal(t, "id-1", id)

	id, pending, ok = reg.FindDroneIDByRef("alpha")
	require.True(t, ok)
	assert.False(t, pending)
	assert.Equal(t, "id-1", id)

	id, pending, ok = reg.FindDroneIDByRef("beta")
	require.True(t, ok)
	assert.True(t, pending)
	assert.Equal(t, "id-2", id)

	_, _, ok = reg.FindDroneIDByRef("missing")
	assert.False(t, ok)
}

func TestNameTakenSpansAllNamespaces(t *testing.T) {
	reg := NewRegistry()
	reg.Drones["d1"] = &Drone{ID: "d1", Name: "live"}
	reg.Pending["p1"] = &PendingDrone{ID: "p1", Name: "pending"}
	reg.Archived["a1"] = &ArchivedDrone{Drone: Drone{ID: "a1", Name: "archived"}}

	assert.True(t, reg.NameTaken("live", ""))
	assert.True(t, reg.NameTaken("pending", ""))
	assert.True(t, reg.NameTaken("archived", ""))
	assert.False(t, reg.NameTaken("free", ""))
	assert.False(t, reg.NameTaken("live", "d1"))
}

func TestSortedTurnsOrdersByPromptAt(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	early := base.Add(-time.Minute)
	late := base.Add(time.Minute)

	c := &Chat{Turns: []Turn{
		{ID: "late", At: base, PromptAt: &late},
		{ID: "early", At: base.Add(2 * time.Minute), PromptAt: &early},
		{ID: "plain", At: base},
	}}

	turns := c.SortedTurns()
	require.Len(t, turns, 3)
	assert.Equal(t, "early", turns[0].ID)
	assert.Equal(t, "plain", turns[1].ID)
	assert.Equal(t, "late", turns[2].ID)
}

func TestSortedTurnsStableOnTies(t *testing.T) {
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	c := &Chat{Turns: []Turn{
		{ID: "first", At: at},
		{ID: "second", At: at},
	}}
	turns := c.SortedTurns()
	assert.Equal(t, "first", turns[0].ID)
	assert.Equal(t, "second", turns[1].ID)
}

func TestSessionKnownPerAgent(t *testing.T) {
	codex := &Chat{Agent: Agent{Kind: AgentKindBuiltin, ID: AgentCodex}}
	assert.False(t, codex.SessionKnown())
	codex.CodexThreadID = "t-1"
	assert.True(t, codex.SessionKnown())

	oc := &Chat{Agent: Agent{Kind: AgentKindBuiltin, ID: AgentOpenCode}}
	assert.False(t, oc.SessionKnown())
	oc.OpenCodeSessionID = "ses-1"
	assert.True(t, oc.SessionKnown())

	cursor := &Chat{Agent: Agent{Kind: AgentKindBuiltin, ID: AgentCursor}}
	assert.True(t, cursor.SessionKnown())

	custom := &Chat{Agent: Agent{Kind: AgentKindCustom, Command: "./run.sh"}}
	assert.True(t, custom.SessionKnown())
}

func TestAppendPendingPromptRollingWindow(t *testing.T) {
	c := &Chat{}
	for i := 0; i < MaxPendingPrompts+5; i++ {
		c.AppendPendingPrompt(PendingPrompt{ID: string(rune('a' + i%26))})
	}
	assert.Len(t, c.PendingPrompts, MaxPendingPrompts)
}

func TestPromptStateUnmarshalDefaultsUnknownToSending(t *testing.T) {
	var s PromptState
	require.NoError(t, json.Unmarshal([]byte(`"bogus"`), &s))
	assert.Equal(t, PromptSending, s)

	require.NoError(t, json.Unmarshal([]byte(`"queued"`), &s))
	assert.Equal(t, PromptQueued, s)
}

func TestAgentUnmarshalDefaultsUnknownToCursor(t *testing.T) {
	var a Agent
	require.NoError(t, json.Unmarshal([]byte(`{"kind":"builtin","id":"mystery"}`), &a))
	assert.Equal(t, DefaultAgent(), a)

	require.NoError(t, json.Unmarshal([]byte(`{"kind":"builtin","id":"codex"}`), &a))
	assert.Equal(t, AgentCodex, a.ID)
}

func TestArchiveRetentionDuration(t *testing.T) {
	assert.Equal(t, time.Hour, Retention1Hour.Duration())
	assert.Equal(t, 8*time.Hour, Retention8Hour.Duration())
	assert.Equal(t, 24*time.Hour, Retention1Day.Duration())
	assert.Equal(t, 7*24*time.Hour, Retention1Week.Duration())
	assert.Equal(t, 24*time.Hour, ArchiveRetention("unknown").Duration())
}
