package gateway

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/dronehub/dronehub/internal/archive"
	"github.com/dronehub/dronehub/internal/dvm"
	"github.com/dronehub/dronehub/internal/registry"
	"github.com/dronehub/dronehub/internal/repopull"
)

// ok writes the canonical success shape. Responses are never cacheable: the
// registry can change under any intermediary.
func ok(c *gin.Context, payload gin.H) {
	if payload == nil {
		payload = gin.H{}
	}
	payload["ok"] = true
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, payload)
}

func okStatus(c *gin.Context, status int, payload gin.H) {
	if payload == nil {
		payload = gin.H{}
	}
	payload["ok"] = true
	c.Header("Cache-Control", "no-store")
	c.JSON(status, payload)
}

// fail writes the canonical error shape.
func fail(c *gin.Context, status int, message string) {
	c.Header("Cache-Control", "no-store")
	c.AbortWithStatusJSON(status, gin.H{"ok": false, "error": message})
}

func failWith(c *gin.Context, status int, payload gin.H) {
	payload["ok"] = false
	c.Header("Cache-Control", "no-store")
	c.AbortWithStatusJSON(status, payload)
}

// classify maps pipeline and CLI errors onto the HTTP taxonomy.
func classify(c *gin.Context, err error) {
	var pullErr *repopull.PullError
	if errors.As(err, &pullErr) {
		payload := gin.H{"error": pullErr.Message}
		if pullErr.Code != "" {
			payload["code"] = pullErr.Code
		}
		if pullErr.ConflictFiles != nil {
			payload["conflictFiles"] = pullErr.ConflictFiles
		}
		failWith(c, pullErr.Status, payload)
		return
	}

	var svcErr *archive.ServiceError
	if errors.As(err, &svcErr) {
		fail(c, svcErr.Status, svcErr.Message)
		return
	}

	var valErr *validationError
	if errors.As(err, &valErr) {
		fail(c, http.StatusBadRequest, valErr.Error())
		return
	}

	switch {
	case errors.Is(err, dvm.ErrMissingContainer):
		fail(c, http.StatusNotFound, err.Error())
	case errors.Is(err, dvm.ErrNotRunning),
		errors.Is(err, dvm.ErrAlreadyRunning),
		errors.Is(err, dvm.ErrRepoUnavailable),
		errors.Is(err, dvm.ErrAlreadyExists):
		fail(c, http.StatusConflict, err.Error())
	case strings.Contains(err.Error(), "not found"):
		fail(c, http.StatusNotFound, err.Error())
	default:
		fail(c, http.StatusInternalServerError, err.Error())
	}
}

// resolveDrone turns an id-or-name path segment into a live drone. Pending
// drones answer 409 still starting.
func (s *Server) resolveDrone(c *gin.Context) (*registry.Drone, bool) {
	ref := c.Param("id")
	reg, err := s.store.Load()
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	id, pending, found := reg.FindDroneIDByRef(ref)
	if !found {
		fail(c, http.StatusNotFound, "drone not found")
		return nil, false
	}
	if pending {
		fail(c, http.StatusConflict, "drone is still starting")
		return nil, false
	}
	return reg.Drones[id], true
}
