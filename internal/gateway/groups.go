package gateway

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dronehub/dronehub/internal/registry"
)

func (s *Server) registerArchiveRoutes(api *gin.RouterGroup) {
	api.GET("/archive/drones", s.listArchived)
	api.POST("/archive/drones/:id/restore", s.restoreArchived)
	api.DELETE("/archive/drones/:id", s.deleteArchived)
}

func (s *Server) listArchived(c *gin.Context) {
	archived, err := s.archive.List()
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	ok(c, gin.H{"archived": archived})
}

func (s *Server) restoreArchived(c *gin.Context) {
	d, err := s.archive.Restore(c.Request.Context(), c.Param("id"))
	if err != nil {
		classify(c, err)
		return
	}
	ok(c, gin.H{"drone": d})
}

func (s *Server) deleteArchived(c *gin.Context) {
	keepVolume, _ := strconv.ParseBool(c.Query("keepVolume"))
	if err := s.archive.Delete(c.Request.Context(), c.Param("id"), keepVolume); err != nil {
		classify(c, err)
		return
	}
	ok(c, nil)
}

func (s *Server) registerGroupRoutes(api *gin.RouterGroup) {
	api.GET("/groups", s.listGroups)
	api.POST("/groups", s.createGroup)
	api.POST("/groups/:name/rename", s.renameGroup)
	api.DELETE("/groups/:name", s.deleteGroup)
}

func (s *Server) listGroups(c *gin.Context) {
	reg, err := s.store.Load()
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	seen := map[string]bool{}
	for _, g := range reg.Groups {
		seen[g] = true
	}
	for _, d := range reg.Drones {
		if d.Group != "" {
			seen[d.Group] = true
		}
	}
	groups := make([]string, 0, len(seen))
	for g := range seen {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	ok(c, gin.H{"groups": groups})
}

type groupRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) createGroup(c *gin.Context) {
	var req groupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	if req.Name == "Ungrouped" {
		fail(c, http.StatusBadRequest, `"Ungrouped" is reserved`)
		return
	}
	err := s.store.Update(func(reg *registry.Registry) error {
		for _, g := range reg.Groups {
			if g == req.Name {
				return nil
			}
		}
		reg.Groups = append(reg.Groups, req.Name)
		sort.Strings(reg.Groups)
		return nil
	})
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	ok(c, nil)
}

func (s *Server) renameGroup(c *gin.Context) {
	from := c.Param("name")
	var req groupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	if req.Name == "Ungrouped" {
		fail(c, http.StatusBadRequest, `"Ungrouped" is reserved`)
		return
	}
	err := s.store.Update(func(reg *registry.Registry) error {
		for i, g := range reg.Groups {
			if g == from {
				reg.Groups[i] = req.Name
			}
		}
		for _, d := range reg.Drones {
			if d.Group == from {
				d.Group = req.Name
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

func (s *Server) deleteGroup(c *gin.Context) {
	name := c.Param("name")
	err := s.store.Update(func(reg *registry.Registry) error {
		kept := reg.Groups[:0]
		for _, g := range reg.Groups {
			if g != name {
				kept = append(kept, g)
			}
		}
		reg.Groups = kept
		for _, d := range reg.Drones {
			if d.Group == name {
				d.Group = ""
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
