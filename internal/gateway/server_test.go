package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dronehub/dronehub/internal/archive"
	"github.com/dronehub/dronehub/internal/chats"
	"github.com/dronehub/dronehub/internal/common/config"
	"github.com/dronehub/dronehub/internal/dvm/dvmtest"
	"github.com/dronehub/dronehub/internal/oplock"
	"github.com/dronehub/dronehub/internal/registry"
	"github.com/dronehub/dronehub/internal/repopull"
	"github.com/dronehub/dronehub/internal/settings"
)

func newTestServer(t *testing.T, fake *dvmtest.Fake, cfg *config.Config) (*gin.Engine, *registry.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	if cfg == nil {
		cfg = &config.Config{}
	}
	store := registry.NewStore(filepath.Join(t.TempDir(), "registry.json"), nil)
	locks := oplock.New()
	chatReg := chats.NewRegistry(store, locks, nil)
	settingsSvc := settings.New(store, cfg.LLM, nil)
	archiveSvc := archive.New(store, locks, fake, nil, nil)
	pullEngine := repopull.New(store, locks, fake, nil, nil)

	s := New(store, locks, fake, chatReg, nil, nil, nil, nil,
		pullEngine, archiveSvc, settingsSvc, nil, nil, cfg, nil)
	return s.Router(), store
}

func getJSON(t *testing.T, router *gin.Engine, path string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var body map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w.Code, body
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestServer(t, &dvmtest.Fake{}, nil)
	code, body := getJSON(t, router, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
}

func TestListDronesReportsRunningState(t *testing.T) {
	fake := &dvmtest.Fake{LSFn: func(context.Context) (map[string]bool, error) {
		return map[string]bool{"drone-alpha": true}, nil
	}}
	router, store := newTestServer(t, fake, nil)
	require.NoError(t, store.Update(func(reg *registry.Registry) error {
		reg.Drones["d1"] = &registry.Drone{
			ID: "d1", Name: "alpha", ContainerName: "drone-alpha",
			CreatedAt: time.Now().UTC(),
		}
		reg.Drones["d2"] = &registry.Drone{
			ID: "d2", Name: "beta", ContainerName: "drone-beta",
			CreatedAt: time.Now().UTC(),
		}
		return nil
	}))

	code, body := getJSON(t, router, "/api/drones")
	require.Equal(t, http.StatusOK, code)

	drones := body["drones"].([]any)
	require.Len(t, drones, 2)
	byName := map[string]map[string]any{}
	for _, raw := range drones {
		d := raw.(map[string]any)
		byName[d["name"].(string)] = d
	}
	assert.Equal(t, true, byName["alpha"]["running"])
	assert.Equal(t, false, byName["beta"]["running"])
}

func TestResolveDroneByNameAndID(t *testing.T) {
	router, store := newTestServer(t, &dvmtest.Fake{}, nil)
	require.NoError(t, store.Update(func(reg *registry.Registry) error {
		reg.Drones["d1"] = &registry.Drone{ID: "d1", Name: "alpha",
			Chats: map[string]*registry.Chat{"main": {}}}
		return nil
	}))

	code, _ := getJSON(t, router, "/api/drones/d1/chats")
	assert.Equal(t, http.StatusOK, code)

	code, _ = getJSON(t, router, "/api/drones/alpha/chats")
	assert.Equal(t, http.StatusOK, code)

	code, body := getJSON(t, router, "/api/drones/ghost/chats")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, false, body["ok"])
}

func TestPendingDroneAnswersConflict(t *testing.T) {
	router, store := newTestServer(t, &dvmtest.Fake{}, nil)
	require.NoError(t, store.Update(func(reg *registry.Registry) error {
		reg.Pending["p1"] = &registry.PendingDrone{
			ID: "p1", Name: "starting", Phase: registry.PendingPhaseStarting,
		}
		return nil
	}))

	code, body := getJSON(t, router, "/api/drones/starting/chats")
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body["error"], "starting")
}

func TestTranscriptSelection(t *testing.T) {
	router, store := newTestServer(t, &dvmtest.Fake{}, nil)
	now := time.Now().UTC()
	require.NoError(t, store.Update(func(reg *registry.Registry) error {
		reg.Drones["d1"] = &registry.Drone{ID: "d1", Name: "alpha",
			Chats: map[string]*registry.Chat{"main": {Turns: []registry.Turn{
				{ID: "p1", At: now.Add(-2 * time.Minute), Prompt: "first", Output: "one", OK: true},
				{ID: "p2", At: now.Add(-time.Minute), Prompt: "second", Output: "two", OK: true},
			}}}}
		return nil
	}))

	code, body := getJSON(t, router, "/api/drones/d1/chats/main/transcript")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["turns"].([]any), 2)

	code, body = getJSON(t, router, "/api/drones/d1/chats/main/transcript?turn=last")
	require.Equal(t, http.StatusOK, code)
	turns := body["turns"].([]any)
	require.Len(t, turns, 1)
	assert.Equal(t, "second", turns[0].(map[string]any)["prompt"])

	code, body = getJSON(t, router, "/api/drones/d1/chats/main/transcript?turn=0")
	require.Equal(t, http.StatusOK, code)
	turns = body["turns"].([]any)
	require.Len(t, turns, 1)
	assert.Equal(t, "first", turns[0].(map[string]any)["prompt"])

	code, _ = getJSON(t, router, "/api/drones/d1/chats/main/transcript?turn=9")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestListGroupsMergesDroneGroups(t *testing.T) {
	router, store := newTestServer(t, &dvmtest.Fake{}, nil)
	require.NoError(t, store.Update(func(reg *registry.Registry) error {
		reg.Groups = []string{"infra"}
		reg.Drones["d1"] = &registry.Drone{ID: "d1", Name: "alpha", Group: "apps"}
		return nil
	}))

	code, body := getJSON(t, router, "/api/groups")
	require.Equal(t, http.StatusOK, code)
	groups := body["groups"].([]any)
	assert.Equal(t, []any{"apps", "infra"}, groups)
}

func TestSettingsSnapshotOverAPI(t *testing.T) {
	router, _ := newTestServer(t, &dvmtest.Fake{}, nil)

	code, body := getJSON(t, router, "/api/settings")
	require.Equal(t, http.StatusOK, code)
	snap := body["settings"].(map[string]any)
	assert.Equal(t, false, snap["openaiKeySet"])
	assert.Equal(t, false, snap["geminiKeySet"])
}

func TestAPITokenGuardsAPIButNotHealth(t *testing.T) {
	cfg := &config.Config{}
	cfg.Auth.APIToken = "hub-secret"
	router, _ := newTestServer(t, &dvmtest.Fake{}, cfg)

	code, _ := getJSON(t, router, "/health")
	assert.Equal(t, http.StatusOK, code)

	code, _ = getJSON(t, router, "/api/drones")
	assert.Equal(t, http.StatusUnauthorized, code)

	req := httptest.NewRequest(http.MethodGet, "/api/drones", nil)
	req.Header.Set("Authorization", "Bearer hub-secret")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestDeleteDroneArchivesPerDeleteAction(t *testing.T) {
	router, store := newTestServer(t, &dvmtest.Fake{}, nil)
	require.NoError(t, store.Update(func(reg *registry.Registry) error {
		reg.Drones["d1"] = &registry.Drone{ID: "d1", Name: "alpha", ContainerName: "drone-a"}
		reg.Settings.DeleteAction = &registry.DeleteAction{
			Archive:              true,
			ArchiveRetention:     registry.Retention1Day,
			ArchiveRuntimePolicy: registry.RuntimeStop,
		}
		return nil
	}))

	req := httptest.NewRequest(http.MethodDelete, "/api/drones/d1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	reg, err := store.Load()
	require.NoError(t, err)
	assert.NotContains(t, reg.Drones, "d1")
	require.Contains(t, reg.Archived, "d1")
	assert.Equal(t, registry.Retention1Day, reg.Archived["d1"].ArchiveRetention)
}

func TestDeleteDroneHardDeletesWhenPolicyDisablesArchive(t *testing.T) {
	var removed string
	fake := &dvmtest.Fake{RemoveFn: func(_ context.Context, name string, _ bool) error {
		removed = name
		return nil
	}}
	router, store := newTestServer(t, fake, nil)
	require.NoError(t, store.Update(func(reg *registry.Registry) error {
		reg.Drones["d1"] = &registry.Drone{ID: "d1", Name: "alpha", ContainerName: "drone-a"}
		reg.Settings.DeleteAction = &registry.DeleteAction{Archive: false}
		return nil
	}))

	req := httptest.NewRequest(http.MethodDelete, "/api/drones/d1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	reg, err := store.Load()
	require.NoError(t, err)
	assert.NotContains(t, reg.Drones, "d1")
	assert.Empty(t, reg.Archived)
	assert.Equal(t, "drone-a", removed)
}

func TestCreateGroupRejectsReservedName(t *testing.T) {
	router, _ := newTestServer(t, &dvmtest.Fake{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/groups",
		strings.NewReader(`{"name":"Ungrouped"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
