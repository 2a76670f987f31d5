// Package archive parks drones for later restore or TTL deletion. Archived
// drones keep their full registry record; a cron sweeper removes them (and
// their containers) once the retention window passes.
package archive

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/dronehub/dronehub/internal/common/logger"
	"github.com/dronehub/dronehub/internal/dvm"
	"github.com/dronehub/dronehub/internal/events/bus"
	"github.com/dronehub/dronehub/internal/oplock"
	"github.com/dronehub/dronehub/internal/registry"
)

// sweepSchedule runs the TTL sweep every five minutes.
const sweepSchedule = "*/5 * * * *"

// maxDeletionsPerSweep bounds container removals in one sweep so a large
// backlog cannot monopolize the docker daemon.
const maxDeletionsPerSweep = 25

// ServiceError is a classified archive failure.
type ServiceError struct {
	Status  int
	Message string
}

func (e *ServiceError) Error() string { return e.Message }

// Service archives, restores, and sweeps drones.
type Service struct {
	store  *registry.Store
	locks  *oplock.Locker
	dvm    dvm.Client
	bus    bus.EventBus
	logger *logger.Logger

	cron *cron.Cron
}

// New creates the archive service.
func New(store *registry.Store, locks *oplock.Locker, dvmClient dvm.Client, eventBus bus.EventBus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		store:  store,
		locks:  locks,
		dvm:    dvmClient,
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "archive")),
	}
}

// StartSweeper schedules the periodic TTL sweep.
func (s *Service) StartSweeper() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(sweepSchedule, func() {
		s.Sweep(context.Background())
	}); err != nil {
		return fmt.Errorf("schedule archive sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

// StopSweeper stops the cron scheduler, waiting for a running sweep.
func (s *Service) StopSweeper() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Archive moves a live drone into the archive with the given retention.
func (s *Service) Archive(ctx context.Context, droneID string, retention registry.ArchiveRetention, policy registry.ArchiveRuntimePolicy) (*registry.ArchivedDrone, error) {
	if policy == "" {
		policy = registry.RuntimeStop
	}

	var archived *registry.ArchivedDrone
	err := s.locks.WithLock(ctx, oplock.DroneKey(droneID), func() error {
		var err error
		archived, err = registry.UpdateResult(s.store, func(reg *registry.Registry) (*registry.ArchivedDrone, error) {
			d, ok := reg.Drones[droneID]
			if !ok {
				return nil, &ServiceError{Status: http.StatusNotFound, Message: "drone not found"}
			}
			now := time.Now().UTC()
			a := &registry.ArchivedDrone{
				Drone:                *d,
				ArchivedAt:           now,
				DeleteAt:             now.Add(retention.Duration()),
				ArchiveRetention:     retention,
				ArchiveRuntimePolicy: policy,
			}
			delete(reg.Drones, droneID)
			reg.Archived[droneID] = a
			return a, nil
		})
		if err != nil {
			return err
		}

		if policy == registry.RuntimeStop {
			if err := s.dvm.Stop(ctx, archived.ContainerName); err != nil {
				// The archive record stands; a stopped-container failure is
				// not worth unwinding it.
				s.logger.Warn("failed to stop archived container",
					zap.String("drone_id", droneID), zap.Error(err))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(droneID, "archived")
	return archived, nil
}

// Restore moves an archived drone back into the live set and starts its
// container.
func (s *Service) Restore(ctx context.Context, droneID string) (*registry.Drone, error) {
	var restored *registry.Drone
	err := s.locks.WithLock(ctx, oplock.DroneKey(droneID), func() error {
		var err error
		restored, err = registry.UpdateResult(s.store, func(reg *registry.Registry) (*registry.Drone, error) {
			a, ok := reg.Archived[droneID]
			if !ok {
				return nil, &ServiceError{Status: http.StatusNotFound, Message: "archived drone not found"}
			}
			if reg.NameTaken(a.Name, droneID) {
				return nil, &ServiceError{Status: http.StatusConflict,
					Message: fmt.Sprintf("name %q is taken; cannot restore", a.Name)}
			}
			d := a.Drone
			delete(reg.Archived, droneID)
			reg.Drones[droneID] = &d
			return &d, nil
		})
		if err != nil {
			return err
		}

		if err := s.dvm.Start(ctx, restored.ContainerName); err != nil {
			s.logger.Warn("failed to start restored container",
				zap.String("drone_id", droneID), zap.Error(err))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(droneID, "restored")
	return restored, nil
}

// Delete removes an archived drone and its container immediately.
func (s *Service) Delete(ctx context.Context, droneID string, keepVolume bool) error {
	err := s.locks.WithLock(ctx, oplock.DroneKey(droneID), func() error {
		reg, err := s.store.Load()
		if err != nil {
			return err
		}
		a, ok := reg.Archived[droneID]
		if !ok {
			return &ServiceError{Status: http.StatusNotFound, Message: "archived drone not found"}
		}

		if err := s.dvm.Remove(ctx, a.ContainerName, keepVolume); err != nil {
			// A container that is already gone should not block forgetting
			// the drone.
			s.logger.Warn("failed to remove archived container",
				zap.String("drone_id", droneID), zap.Error(err))
		}

		return s.store.Update(func(reg *registry.Registry) error {
			delete(reg.Archived, droneID)
			return nil
		})
	})
	if err != nil {
		return err
	}
	s.publish(droneID, "deleted")
	return nil
}

// List returns archived drones sorted by deletion time.
func (s *Service) List() ([]*registry.ArchivedDrone, error) {
	reg, err := s.store.Load()
	if err != nil {
		return nil, err
	}
	out := make([]*registry.ArchivedDrone, 0, len(reg.Archived))
	for _, a := range reg.Archived {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeleteAt.Before(out[j].DeleteAt) })
	return out, nil
}

// Sweep deletes expired archived drones, at most maxDeletionsPerSweep per
// run.
func (s *Service) Sweep(ctx context.Context) {
	reg, err := s.store.Load()
	if err != nil {
		s.logger.Warn("sweep failed to load registry", zap.Error(err))
		return
	}

	now := time.Now().UTC()
	var expired []string
	for id, a := range reg.Archived {
		if !a.DeleteAt.After(now) {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	if len(expired) > maxDeletionsPerSweep {
		expired = expired[:maxDeletionsPerSweep]
	}

	for _, id := range expired {
		if err := s.Delete(ctx, id, false); err != nil {
			s.logger.Warn("sweep failed to delete archived drone",
				zap.String("drone_id", id), zap.Error(err))
		} else {
			s.logger.Info("swept expired archived drone", zap.String("drone_id", id))
		}
	}
}

func (s *Service) publish(droneID, what string) {
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(context.Background(), bus.SubjectDroneStatus, bus.NewEvent(
		"drone.status", "archive", map[string]any{"droneId": droneID, "change": what}))
}
