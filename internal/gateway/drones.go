package gateway

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dronehub/dronehub/internal/llm"
	"github.com/dronehub/dronehub/internal/oplock"
	"github.com/dronehub/dronehub/internal/provision"
	"github.com/dronehub/dronehub/internal/registry"
)

// droneNamePattern bounds user-visible drone names.
var droneNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._ -]{0,62}$`)

const defaultContainerPort = 4321

func (s *Server) registerDroneRoutes(api *gin.RouterGroup) {
	api.POST("/drones", s.createDrone)
	api.POST("/drones/batch", s.createDroneBatch)
	api.GET("/drones", s.listDrones)
	api.POST("/drones/suggest-name", s.suggestDroneName)
	api.POST("/drones/group-set", s.setDroneGroups)
	api.POST("/drones/:id/rename", s.renameDrone)
	api.POST("/drones/:id/hub/error/clear", s.clearHubError)
	api.POST("/drones/:id/archive", s.archiveDrone)
	api.DELETE("/drones/:id", s.deleteDrone)
	api.POST("/drones/:id/base-image", s.setBaseImage)
}

type createDroneRequest struct {
	Name          string             `json:"name"`
	Group         string             `json:"group"`
	RepoPath      string             `json:"repoPath"`
	ContainerPort int                `json:"containerPort"`
	Build         bool               `json:"build"`
	CloneFrom     string             `json:"cloneFrom"`
	CloneChats    *bool              `json:"cloneChats"`
	Seed          *registry.SeedSpec `json:"seed"`
}

func (s *Server) createDrone(c *gin.Context) {
	var req createDroneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	id, err := s.admitDrone(c.Request.Context(), &req)
	if err != nil {
		classify(c, err)
		return
	}
	s.provisioner.Enqueue(id)
	okStatus(c, http.StatusAccepted, gin.H{"id": id, "phase": string(registry.PendingPhaseStarting)})
}

type batchRequest struct {
	Drones []createDroneRequest `json:"drones"`
}

func (s *Server) createDroneBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	if len(req.Drones) == 0 || len(req.Drones) > 16 {
		fail(c, http.StatusBadRequest, "batch must contain between 1 and 16 drones")
		return
	}

	ids := make([]string, 0, len(req.Drones))
	for i := range req.Drones {
		id, err := s.admitDrone(c.Request.Context(), &req.Drones[i])
		if err != nil {
			classify(c, fmt.Errorf("drone %d: %w", i, err))
			return
		}
		ids = append(ids, id)
	}
	for _, id := range ids {
		s.provisioner.Enqueue(id)
	}
	okStatus(c, http.StatusAccepted, gin.H{"ids": ids, "phase": string(registry.PendingPhaseStarting)})
}

// admitDrone validates a create request and records the pending entry.
func (s *Server) admitDrone(ctx context.Context, req *createDroneRequest) (string, error) {
	if req.Name == "" {
		req.Name = s.pickName(ctx)
	}
	if !droneNamePattern.MatchString(req.Name) {
		return "", &validationError{"invalid drone name"}
	}
	if req.ContainerPort == 0 {
		req.ContainerPort = defaultContainerPort
	}
	if req.ContainerPort < 1 || req.ContainerPort > 65535 {
		return "", &validationError{"invalid container port"}
	}
	if req.Seed != nil && req.Seed.PromptID != "" && !registry.PromptIDPattern.MatchString(req.Seed.PromptID) {
		return "", &validationError{"invalid seed prompt id"}
	}

	id := uuid.New().String()
	err := s.store.Update(func(reg *registry.Registry) error {
		if reg.NameTaken(req.Name, "") {
			return &validationError{fmt.Sprintf("name %q is already in use", req.Name)}
		}
		if reg.IDTaken(id) {
			return fmt.Errorf("drone id collision")
		}
		if req.CloneFrom != "" {
			if _, ok := reg.Drones[req.CloneFrom]; !ok {
				return &validationError{"cloneFrom drone not found"}
			}
		}
		now := time.Now().UTC()
		reg.Pending[id] = &registry.PendingDrone{
			ID:            id,
			Name:          req.Name,
			Group:         req.Group,
			RepoPath:      req.RepoPath,
			ContainerPort: req.ContainerPort,
			Build:         req.Build,
			Phase:         registry.PendingPhaseStarting,
			CloneFrom:     req.CloneFrom,
			CloneChats:    req.CloneChats,
			Seed:          req.Seed,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if req.RepoPath != "" {
			reg.Repos[req.RepoPath] = &registry.HostRepo{Path: req.RepoPath, LastUsed: now}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

type validationError struct{ msg string }

func (e *validationError) Error() string { return e.msg }

func (s *Server) pickName(ctx context.Context) string {
	taken := func(name string) bool {
		reg, err := s.store.Load()
		if err != nil {
			return false
		}
		return reg.NameTaken(name, "")
	}
	provider, err := s.settings.Provider()
	if err != nil {
		provider = nil
	}
	nameCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return llm.SuggestDroneName(nameCtx, provider, s.settings.DroneNameModel(), taken)
}

func (s *Server) suggestDroneName(c *gin.Context) {
	ok(c, gin.H{"name": s.pickName(c.Request.Context())})
}

// droneView is the list/detail projection of a drone.
type droneView struct {
	ID            string              `json:"id"`
	Name          string              `json:"name"`
	Group         string              `json:"group,omitempty"`
	ContainerName string              `json:"containerName"`
	HostPort      int                 `json:"hostPort,omitempty"`
	RepoPath      string              `json:"repoPath,omitempty"`
	CWD           string              `json:"cwd,omitempty"`
	Hub           *registry.HubStatus `json:"hub,omitempty"`
	StatusOK      bool                `json:"statusOk"`
	Running       bool                `json:"running"`
	ChatCount     int                 `json:"chatCount"`
	CreatedAt     time.Time           `json:"createdAt"`
}

func (s *Server) listDrones(c *gin.Context) {
	reg, err := s.store.Load()
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}

	running := map[string]bool{}
	if ls, err := s.dvm.LS(c.Request.Context()); err == nil {
		running = ls
	} else {
		s.logger.Warn("failed to list containers", zap.Error(err))
	}

	drones := make([]droneView, 0, len(reg.Drones))
	for _, d := range reg.Drones {
		drones = append(drones, droneView{
			ID:            d.ID,
			Name:          d.Name,
			Group:         d.Group,
			ContainerName: d.ContainerName,
			HostPort:      d.HostPort,
			RepoPath:      d.RepoPath,
			CWD:           d.CWD,
			Hub:           d.Hub,
			StatusOK:      d.Hub == nil || d.Hub.Phase != registry.HubPhaseError,
			Running:       running[d.ContainerName],
			ChatCount:     len(d.Chats),
			CreatedAt:     d.CreatedAt,
		})
	}

	pending := make([]*registry.PendingDrone, 0, len(reg.Pending))
	for _, p := range reg.Pending {
		pending = append(pending, p)
	}
	ok(c, gin.H{"drones": drones, "pending": pending})
}

// renameDrone is deprecated: container names are immutable and display
// renames caused more confusion than they solved.
func (s *Server) renameDrone(c *gin.Context) {
	fail(c, http.StatusGone, "rename is no longer supported; create a new drone instead")
}

func (s *Server) clearHubError(c *gin.Context) {
	d, found := s.resolveDrone(c)
	if !found {
		return
	}
	err := s.store.Update(func(reg *registry.Registry) error {
		if dd, exists := reg.Drones[d.ID]; exists {
			dd.Hub = nil
		}
		return nil
	})
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	ok(c, nil)
}

type archiveRequest struct {
	Retention     registry.ArchiveRetention     `json:"retention"`
	RuntimePolicy registry.ArchiveRuntimePolicy `json:"runtimePolicy"`
}

func (s *Server) archiveDrone(c *gin.Context) {
	d, found := s.resolveDrone(c)
	if !found {
		return
	}
	var req archiveRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		fail(c, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	if req.Retention == "" {
		action, err := s.settings.DeleteAction()
		if err == nil && action.ArchiveRetention != "" {
			req.Retention = action.ArchiveRetention
			req.RuntimePolicy = action.ArchiveRuntimePolicy
		} else {
			req.Retention = registry.Retention1Day
		}
	}

	archived, err := s.archive.Archive(c.Request.Context(), d.ID, req.Retention, req.RuntimePolicy)
	if err != nil {
		classify(c, err)
		return
	}
	ok(c, gin.H{"archived": archived})
}

func (s *Server) deleteDrone(c *gin.Context) {
	ref := c.Param("id")
	keepVolume, _ := strconv.ParseBool(c.Query("keepVolume"))
	forget, _ := strconv.ParseBool(c.Query("forget"))

	reg, err := s.store.Load()
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	id, pending, found := reg.FindDroneIDByRef(ref)
	if !found {
		fail(c, http.StatusNotFound, "drone not found")
		return
	}

	if pending {
		// A pending drone may or may not have a container yet; removal is
		// best effort.
		err := s.store.Update(func(reg *registry.Registry) error {
			delete(reg.Pending, id)
			return nil
		})
		if err != nil {
			fail(c, http.StatusInternalServerError, err.Error())
			return
		}
		if !forget {
			if err := s.dvm.Remove(c.Request.Context(), provision.ContainerNameFor(id), keepVolume); err != nil {
				s.logger.Debug("pending container removal failed", zap.Error(err))
			}
		}
		ok(c, gin.H{"deleted": id})
		return
	}

	// Unless the caller forces a hard delete, the delete action decides
	// whether the drone is parked in the archive instead.
	if !forget {
		action, aerr := s.settings.DeleteAction()
		if aerr != nil {
			fail(c, http.StatusInternalServerError, aerr.Error())
			return
		}
		if action.Archive {
			retention := action.ArchiveRetention
			if retention == "" {
				retention = registry.Retention1Day
			}
			archived, aerr := s.archive.Archive(c.Request.Context(), id, retention, action.ArchiveRuntimePolicy)
			if aerr != nil {
				classify(c, aerr)
				return
			}
			ok(c, gin.H{"archived": archived})
			return
		}
	}

	d := reg.Drones[id]
	err = s.locks.WithLock(c.Request.Context(), oplock.DroneKey(id), func() error {
		if !forget {
			if err := s.dvm.Remove(c.Request.Context(), d.ContainerName, keepVolume); err != nil {
				s.logger.Warn("failed to remove container",
					zap.String("drone_id", id), zap.Error(err))
			}
		}
		return s.store.Update(func(reg *registry.Registry) error {
			delete(reg.Drones, id)
			return nil
		})
	})
	if err != nil {
		classify(c, err)
		return
	}
	ok(c, gin.H{"deleted": id})
}

type baseImageRequest struct {
	Image string `json:"image" binding:"required"`
}

func (s *Server) setBaseImage(c *gin.Context) {
	d, found := s.resolveDrone(c)
	if !found {
		return
	}
	var req baseImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	err := s.locks.WithLock(c.Request.Context(), oplock.DroneKey(d.ID), func() error {
		return s.dvm.BaseSet(c.Request.Context(), d.ContainerName, req.Image, 0)
	})
	if err != nil {
		classify(c, err)
		return
	}
	ok(c, nil)
}

type groupSetRequest struct {
	DroneIDs []string `json:"droneIds" binding:"required"`
	Group    string   `json:"group"`
}

func (s *Server) setDroneGroups(c *gin.Context) {
	var req groupSetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	if req.Group == "Ungrouped" {
		// "Ungrouped" is the synthetic bucket for drones without a group.
		req.Group = ""
	}
	err := s.store.Update(func(reg *registry.Registry) error {
		for _, id := range req.DroneIDs {
			if d, exists := reg.Drones[id]; exists {
				d.Group = req.Group
			}
		}
		return nil
	})
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	ok(c, nil)
}
