// Package provision promotes pending drones into live ones: it creates the
// container, seeds the host repo, discovers the daemon port and token, and
// applies the seed payload (agent, model, first prompt).
package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dronehub/dronehub/internal/chats"
	"github.com/dronehub/dronehub/internal/common/config"
	"github.com/dronehub/dronehub/internal/common/logger"
	"github.com/dronehub/dronehub/internal/dvm"
	"github.com/dronehub/dronehub/internal/events/bus"
	"github.com/dronehub/dronehub/internal/oplock"
	"github.com/dronehub/dronehub/internal/prompts"
	"github.com/dronehub/dronehub/internal/registry"
	"github.com/dronehub/dronehub/internal/workqueue"
)

// repoDest is where seeded repos land inside every drone.
const repoDest = "/work/repo"

// repoBranch is the work branch checked out after seeding.
const repoBranch = "dvm/work"

// Provisioner runs the pending-to-live pipeline on a bounded pool.
type Provisioner struct {
	store    *registry.Store
	locks    *oplock.Locker
	dvm      dvm.Client
	chats    *chats.Registry
	pipeline *prompts.Pipeline
	dvmCfg   config.DVMConfig
	seedWait time.Duration
	bus      bus.EventBus
	logger   *logger.Logger

	pool *workqueue.Pool
}

// New creates a provisioner with the given parallelism.
func New(
	store *registry.Store,
	locks *oplock.Locker,
	dvmClient dvm.Client,
	chatReg *chats.Registry,
	pipeline *prompts.Pipeline,
	dvmCfg config.DVMConfig,
	seedWait time.Duration,
	eventBus bus.EventBus,
	workers int,
	log *logger.Logger,
) *Provisioner {
	if log == nil {
		log = logger.Default()
	}
	if seedWait < 2*time.Minute {
		seedWait = 2 * time.Minute
	}
	p := &Provisioner{
		store:    store,
		locks:    locks,
		dvm:      dvmClient,
		chats:    chatReg,
		pipeline: pipeline,
		dvmCfg:   dvmCfg,
		seedWait: seedWait,
		bus:      eventBus,
		logger:   log.WithFields(zap.String("component", "provision")),
	}
	p.pool = workqueue.New("provision", workers, p.process, log)
	return p
}

// Enqueue schedules provisioning for one pending drone. Idempotent.
func (p *Provisioner) Enqueue(droneID string) {
	p.pool.Enqueue(droneID)
}

// EnqueueAll re-queues every non-error pending entry. Called on startup so a
// hub restart never strands half-provisioned drones.
func (p *Provisioner) EnqueueAll() {
	reg, err := p.store.Load()
	if err != nil {
		p.logger.Warn("failed to load registry for provisioning scan", zap.Error(err))
		return
	}
	for id, pending := range reg.Pending {
		if pending.Phase != registry.PendingPhaseError {
			p.Enqueue(id)
		}
	}
}

// Close stops the pool.
func (p *Provisioner) Close() {
	p.pool.Close()
}

// ContainerNameFor derives the immutable container name for a drone. Display
// names can change; the container name is pinned to the drone id.
func ContainerNameFor(droneID string) string {
	short := droneID
	if len(short) > 8 {
		short = short[:8]
	}
	return "drone-hub-" + short
}

func (p *Provisioner) process(ctx context.Context, droneID string) {
	if err := p.provision(ctx, droneID); err != nil {
		p.logger.Error("provisioning failed",
			zap.String("drone_id", droneID), zap.Error(err))
		p.recordFailure(droneID, err)
	}
	p.publishStatus(droneID)
}

func (p *Provisioner) provision(ctx context.Context, droneID string) error {
	reg, err := p.store.Load()
	if err != nil {
		return err
	}
	pending, ok := reg.Pending[droneID]
	if !ok {
		// Already provisioned or withdrawn.
		return nil
	}
	if pending.ID == "" || pending.ID != droneID {
		return fmt.Errorf("pending entry for %s has invalid id", droneID)
	}

	container := ContainerNameFor(droneID)

	if err := p.setPendingPhase(droneID, registry.PendingPhaseCreating, "Creating container…"); err != nil {
		return err
	}
	p.publishStatus(droneID)

	var hostPort int
	var token string
	err = p.locks.WithLock(ctx, oplock.DroneKey(droneID), func() error {
		if err := p.createContainer(ctx, container, pending); err != nil {
			return err
		}

		if pending.RepoPath != "" {
			if err := p.setPendingPhase(droneID, registry.PendingPhaseSeeding, "Seeding repo…"); err != nil {
				return err
			}
			p.publishStatus(droneID)
			if err := p.dvm.RepoSeed(ctx, dvm.RepoSeedOptions{
				Container: container,
				HostPath:  pending.RepoPath,
				Dest:      repoDest,
				BaseRef:   "HEAD",
				Branch:    repoBranch,
				Clean:     true,
				Timeout:   p.dvmCfg.RepoSeedTimeoutDuration(),
			}); err != nil {
				return fmt.Errorf("seed repo: %w", err)
			}
		}

		hostPort = p.discoverHostPort(ctx, container, pending.ContainerPort)
		token = p.readToken(ctx, container)
		return nil
	})
	if err != nil {
		return err
	}

	// Promote: atomically drop the pending entry and materialize the drone.
	seed, err := registry.UpdateResult(p.store, func(reg *registry.Registry) (*registry.SeedSpec, error) {
		pending, ok := reg.Pending[droneID]
		if !ok {
			return nil, nil
		}
		seed := pending.Seed
		delete(reg.Pending, droneID)

		d := &registry.Drone{
			ID:            droneID,
			Name:          pending.Name,
			Group:         pending.Group,
			ContainerName: container,
			ContainerPort: pending.ContainerPort,
			HostPort:      hostPort,
			Token:         token,
			RepoPath:      pending.RepoPath,
			Chats:         map[string]*registry.Chat{},
			CreatedAt:     time.Now().UTC(),
		}
		if pending.RepoPath != "" {
			d.CWD = repoDest
			d.Repo = &registry.RepoState{
				Dest:     repoDest,
				Branch:   repoBranch,
				BaseRef:  "HEAD",
				SeededAt: time.Now().UTC(),
			}
		}
		if pending.CloneFrom != "" && (pending.CloneChats == nil || *pending.CloneChats) {
			copyChats(reg.Drones[pending.CloneFrom], d)
		}
		reg.Drones[droneID] = d
		return seed, nil
	})
	if err != nil {
		return err
	}

	if seed != nil {
		if err := p.applySeed(ctx, droneID, seed); err != nil {
			return err
		}
	}

	p.logger.Info("drone provisioned",
		zap.String("drone_id", droneID), zap.String("container", container))
	return nil
}

// createContainer invokes drone create, falling back to drone import when the
// container already exists (a prior run got as far as creating it).
func (p *Provisioner) createContainer(ctx context.Context, container string, pending *registry.PendingDrone) error {
	opts := dvm.CreateOptions{
		Name:          container,
		RepoPath:      pending.RepoPath,
		Group:         pending.Group,
		ContainerPort: pending.ContainerPort,
		NoBuild:       !pending.Build,
		Timeout:       p.dvmCfg.CreateTimeoutDuration(),
	}
	err := p.dvm.Create(ctx, opts)
	if err == nil {
		return nil
	}
	if errors.Is(err, dvm.ErrAlreadyExists) {
		p.logger.Info("container already exists, importing", zap.String("container", container))
		if impErr := p.dvm.Import(ctx, opts); impErr != nil {
			return fmt.Errorf("import existing container: %w", impErr)
		}
		return nil
	}
	return fmt.Errorf("create container: %w", err)
}

// discoverHostPort resolves the published host port for the daemon. Failure
// is tolerated; the port can be re-discovered on the next start.
func (p *Provisioner) discoverHostPort(ctx context.Context, container string, containerPort int) int {
	ports, err := p.dvm.Ports(ctx, container)
	if err != nil {
		p.logger.Warn("failed to list container ports",
			zap.String("container", container), zap.Error(err))
		return 0
	}
	for _, m := range ports {
		if m.ContainerPort == containerPort {
			return m.HostPort
		}
	}
	if len(ports) > 0 {
		return ports[0].HostPort
	}
	return 0
}

func (p *Provisioner) readToken(ctx context.Context, container string) string {
	token, err := p.dvm.ReadToken(ctx, container)
	if err != nil {
		// The daemon rotates tokens; the prompt pipeline re-reads on 401.
		p.logger.Warn("failed to read daemon token",
			zap.String("container", container), zap.Error(err))
		return ""
	}
	return token
}

// copyChats clones chat history from a source drone. Session-continuity ids
// are never copied: the clone must establish its own sessions.
func copyChats(src, dst *registry.Drone) {
	if src == nil {
		return
	}
	for name, c := range src.Chats {
		clone := &registry.Chat{
			CreatedAt: c.CreatedAt,
			Agent:     c.Agent,
			Model:     c.Model,
			Turns:     append([]registry.Turn(nil), c.Turns...),
		}
		dst.Chats[name] = clone
	}
}

// applySeed configures the first chat and enqueues the seed prompt with an
// extended daemon-ready wait; the container is still booting.
func (p *Provisioner) applySeed(ctx context.Context, droneID string, seed *registry.SeedSpec) error {
	chatName := seed.ChatName
	if chatName == "" {
		chatName = "main"
	}

	if seed.Agent != nil || seed.Model != "" {
		if _, err := p.chats.EnsureChat(droneID, chatName); err != nil {
			return fmt.Errorf("ensure seed chat: %w", err)
		}
		cfg := chats.AgentConfig{Agent: seed.Agent}
		if seed.Model != "" {
			cfg.SetModel = true
			cfg.Model = seed.Model
		}
		if err := p.chats.SetAgentConfig(droneID, chatName, cfg); err != nil {
			return fmt.Errorf("apply seed agent config: %w", err)
		}
	}

	if strings.TrimSpace(seed.Prompt) == "" {
		return nil
	}

	promptID := seed.PromptID
	if promptID != "" && !registry.PromptIDPattern.MatchString(promptID) {
		promptID = ""
	}
	if _, err := p.pipeline.EnqueuePrompt(ctx, droneID, chatName, prompts.EnqueueOptions{
		PromptID:     promptID,
		Prompt:       seed.Prompt,
		CWD:          seed.CWD,
		ReadyTimeout: p.seedWait,
	}); err != nil {
		p.setHubError(droneID, promptID, fmt.Sprintf("seed prompt failed: %v", err))
		return fmt.Errorf("enqueue seed prompt: %w", err)
	}
	return nil
}

func (p *Provisioner) setPendingPhase(droneID string, phase registry.PendingPhase, message string) error {
	return p.store.Update(func(reg *registry.Registry) error {
		pending, ok := reg.Pending[droneID]
		if !ok {
			return nil
		}
		pending.Phase = phase
		pending.Message = message
		pending.UpdatedAt = time.Now().UTC()
		return nil
	})
}

// recordFailure writes the error to whichever record still exists: the
// pending entry before promotion, the drone's hub status after.
func (p *Provisioner) recordFailure(droneID string, cause error) {
	err := p.store.Update(func(reg *registry.Registry) error {
		if pending, ok := reg.Pending[droneID]; ok {
			pending.Phase = registry.PendingPhaseError
			pending.Error = cause.Error()
			pending.UpdatedAt = time.Now().UTC()
			return nil
		}
		if d, ok := reg.Drones[droneID]; ok {
			d.Hub = &registry.HubStatus{
				Phase:     registry.HubPhaseError,
				Message:   cause.Error(),
				UpdatedAt: time.Now().UTC(),
			}
		}
		return nil
	})
	if err != nil {
		p.logger.Error("failed to record provisioning failure",
			zap.String("drone_id", droneID), zap.Error(err))
	}
}

func (p *Provisioner) setHubError(droneID, promptID, message string) {
	_ = p.store.Update(func(reg *registry.Registry) error {
		if d, ok := reg.Drones[droneID]; ok {
			d.Hub = &registry.HubStatus{
				Phase:     registry.HubPhaseError,
				Message:   message,
				PromptID:  promptID,
				UpdatedAt: time.Now().UTC(),
			}
		}
		return nil
	})
}

func (p *Provisioner) publishStatus(droneID string) {
	if p.bus == nil {
		return
	}
	_ = p.bus.Publish(context.Background(), bus.SubjectDroneStatus, bus.NewEvent(
		"drone.status", "provision", map[string]any{"droneId": droneID}))
}
