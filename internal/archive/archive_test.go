package archive

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dronehub/dronehub/internal/dvm/dvmtest"
	"github.com/dronehub/dronehub/internal/oplock"
	"github.com/dronehub/dronehub/internal/registry"
)

func newTestService(t *testing.T, fake *dvmtest.Fake) (*Service, *registry.Store) {
	t.Helper()
	store := registry.NewStore(filepath.Join(t.TempDir(), "registry.json"), nil)
	return New(store, oplock.New(), fake, nil, nil), store
}

func seedLiveDrone(t *testing.T, store *registry.Store, id, name string) {
	t.Helper()
	require.NoError(t, store.Update(func(reg *registry.Registry) error {
		reg.Drones[id] = &registry.Drone{
			ID: id, Name: name, ContainerName: "drone-" + name,
			CreatedAt: time.Now().UTC(),
		}
		return nil
	}))
}

func TestArchiveMovesDroneAndStopsContainer(t *testing.T) {
	var stopped string
	fake := &dvmtest.Fake{StopFn: func(_ context.Context, container string) error {
		stopped = container
		return nil
	}}
	s, store := newTestService(t, fake)
	seedLiveDrone(t, store, "d1", "alpha")

	a, err := s.Archive(context.Background(), "d1", registry.Retention1Hour, registry.RuntimeStop)
	require.NoError(t, err)
	assert.Equal(t, "drone-alpha", stopped)
	assert.Equal(t, registry.Retention1Hour, a.ArchiveRetention)
	assert.WithinDuration(t, time.Now().UTC().Add(time.Hour), a.DeleteAt, 10*time.Second)

	reg, err := store.Load()
	require.NoError(t, err)
	assert.NotContains(t, reg.Drones, "d1")
	assert.Contains(t, reg.Archived, "d1")
}

func TestArchiveKeepRunningSkipsStop(t *testing.T) {
	fake := &dvmtest.Fake{StopFn: func(context.Context, string) error {
		t.Fatal("Stop must not be called for keep-running policy")
		return nil
	}}
	s, store := newTestService(t, fake)
	seedLiveDrone(t, store, "d1", "alpha")

	_, err := s.Archive(context.Background(), "d1", registry.Retention1Day, registry.RuntimeKeepRunning)
	require.NoError(t, err)
}

func TestArchiveUnknownDrone(t *testing.T) {
	s, _ := newTestService(t, &dvmtest.Fake{})
	_, err := s.Archive(context.Background(), "missing", registry.Retention1Day, registry.RuntimeStop)
	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Status)
}

func TestRestoreBringsDroneBack(t *testing.T) {
	var started string
	fake := &dvmtest.Fake{StartFn: func(_ context.Context, container string) error {
		started = container
		return nil
	}}
	s, store := newTestService(t, fake)
	seedLiveDrone(t, store, "d1", "alpha")
	_, err := s.Archive(context.Background(), "d1", registry.Retention1Day, registry.RuntimeStop)
	require.NoError(t, err)

	d, err := s.Restore(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, "alpha", d.Name)
	assert.Equal(t, "drone-alpha", started)

	reg, err := store.Load()
	require.NoError(t, err)
	assert.Contains(t, reg.Drones, "d1")
	assert.NotContains(t, reg.Archived, "d1")
}

func TestRestoreRejectsTakenName(t *testing.T) {
	s, store := newTestService(t, &dvmtest.Fake{})
	seedLiveDrone(t, store, "d1", "alpha")
	_, err := s.Archive(context.Background(), "d1", registry.Retention1Day, registry.RuntimeStop)
	require.NoError(t, err)
	// A new live drone grabbed the name in the meantime.
	seedLiveDrone(t, store, "d2", "alpha")

	_, err = s.Restore(context.Background(), "d1")
	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.Status)
}

func TestDeleteRemovesContainerAndRecord(t *testing.T) {
	var removed string
	fake := &dvmtest.Fake{RemoveFn: func(_ context.Context, container string, keepVolume bool) error {
		removed = container
		assert.False(t, keepVolume)
		return nil
	}}
	s, store := newTestService(t, fake)
	seedLiveDrone(t, store, "d1", "alpha")
	_, err := s.Archive(context.Background(), "d1", registry.Retention1Day, registry.RuntimeStop)
	require.NoError(t, err)

	require.NoError(t, s.Delete(context.Background(), "d1", false))
	assert.Equal(t, "drone-alpha", removed)

	reg, err := store.Load()
	require.NoError(t, err)
	assert.NotContains(t, reg.Archived, "d1")
}

func TestDeleteToleratesMissingContainer(t *testing.T) {
	fake := &dvmtest.Fake{RemoveFn: func(context.Context, string, bool) error {
		return fmt.Errorf("no such container")
	}}
	s, store := newTestService(t, fake)
	seedLiveDrone(t, store, "d1", "alpha")
	_, err := s.Archive(context.Background(), "d1", registry.Retention1Day, registry.RuntimeStop)
	require.NoError(t, err)

	require.NoError(t, s.Delete(context.Background(), "d1", false))
}

func TestListSortsByDeleteAt(t *testing.T) {
	s, store := newTestService(t, &dvmtest.Fake{})
	seedLiveDrone(t, store, "d1", "alpha")
	seedLiveDrone(t, store, "d2", "beta")
	_, err := s.Archive(context.Background(), "d1", registry.Retention1Week, registry.RuntimeStop)
	require.NoError(t, err)
	_, err = s.Archive(context.Background(), "d2", registry.Retention1Hour, registry.RuntimeStop)
	require.NoError(t, err)

	out, err := s.List()
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "beta", out[0].Name)
	assert.Equal(t, "alpha", out[1].Name)
}

func TestSweepDeletesOnlyExpired(t *testing.T) {
	var mu sync.Mutex
	var removed []string
	fake := &dvmtest.Fake{RemoveFn: func(_ context.Context, container string, _ bool) error {
		mu.Lock()
		removed = append(removed, container)
		mu.Unlock()
		return nil
	}}
	s, store := newTestService(t, fake)

	now := time.Now().UTC()
	require.NoError(t, store.Update(func(reg *registry.Registry) error {
		reg.Archived["old"] = &registry.ArchivedDrone{
			Drone:    registry.Drone{ID: "old", Name: "old", ContainerName: "drone-old"},
			DeleteAt: now.Add(-time.Minute),
		}
		reg.Archived["fresh"] = &registry.ArchivedDrone{
			Drone:    registry.Drone{ID: "fresh", Name: "fresh", ContainerName: "drone-fresh"},
			DeleteAt: now.Add(time.Hour),
		}
		return nil
	}))

	s.Sweep(context.Background())

	assert.Equal(t, []string{"drone-old"}, removed)
	reg, err := store.Load()
	require.NoError(t, err)
	assert.NotContains(t, reg.Archived, "old")
	assert.Contains(t, reg.Archived, "fresh")
}

func TestSweepBoundsDeletionsPerRun(t *testing.T) {
	var mu sync.Mutex
	count := 0
	fake := &dvmtest.Fake{RemoveFn: func(context.Context, string, bool) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}}
	s, store := newTestService(t, fake)

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, store.Update(func(reg *registry.Registry) error {
		for i := 0; i < maxDeletionsPerSweep+5; i++ {
			id := fmt.Sprintf("d%03d", i)
			reg.Archived[id] = &registry.ArchivedDrone{
				Drone:    registry.Drone{ID: id, Name: id, ContainerName: "drone-" + id},
				DeleteAt: past,
			}
		}
		return nil
	}))

	s.Sweep(context.Background())
	assert.Equal(t, maxDeletionsPerSweep, count)
}
