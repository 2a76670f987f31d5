package gateway

import (
	"github.com/gin-gonic/gin"
)

func (s *Server) registerRepoRoutes(api *gin.RouterGroup) {
	api.GET("/drones/:id/repo/changes", s.repoChanges)
	api.GET("/drones/:id/repo/diff", s.repoDiff)
	api.GET("/drones/:id/repo/pull/changes", s.repoPullChanges)
	api.GET("/drones/:id/repo/pull/diff", s.repoPullDiff)
	api.POST("/drones/:id/repo/reseed", s.repoReseed)
	api.POST("/drones/:id/repo/pull", s.repoPull)
}

func (s *Server) repoChanges(c *gin.Context) {
	d, found := s.resolveDrone(c)
	if !found {
		return
	}
	changes, err := s.pull.Changes(c.Request.Context(), d.ID)
	if err != nil {
		classify(c, err)
		return
	}
	ok(c, gin.H{"counts": changes.Counts, "changes": changes.Changes})
}

func (s *Server) repoDiff(c *gin.Context) {
	d, found := s.resolveDrone(c)
	if !found {
		return
	}
	kind := c.DefaultQuery("kind", "unstaged")
	if kind != "staged" && kind != "unstaged" {
		fail(c, 400, "kind must be staged or unstaged")
		return
	}
	diff, err := s.pull.Diff(c.Request.Context(), d.ID, c.Query("path"), kind)
	if err != nil {
		classify(c, err)
		return
	}
	ok(c, gin.H{"diff": diff})
}

func (s *Server) repoPullChanges(c *gin.Context) {
	d, found := s.resolveDrone(c)
	if !found {
		return
	}
	preview, err := s.pull.PullPreview(c.Request.Context(), d.ID)
	if err != nil {
		classify(c, err)
		return
	}
	ok(c, gin.H{"preview": preview})
}

func (s *Server) repoPullDiff(c *gin.Context) {
	d, found := s.resolveDrone(c)
	if !found {
		return
	}
	diff, err := s.pull.PullDiff(c.Request.Context(), d.ID, c.Query("path"))
	if err != nil {
		classify(c, err)
		return
	}
	ok(c, gin.H{"diff": diff})
}

func (s *Server) repoReseed(c *gin.Context) {
	d, found := s.resolveDrone(c)
	if !found {
		return
	}
	if err := s.pull.Reseed(c.Request.Context(), d.ID, s.cfg.DVM.RepoSeedTimeoutDuration()); err != nil {
		classify(c, err)
		return
	}
	ok(c, nil)
}

func (s *Server) repoPull(c *gin.Context) {
	d, found := s.resolveDrone(c)
	if !found {
		return
	}
	result, err := s.pull.Pull(c.Request.Context(), d.ID)
	if err != nil {
		classify(c, err)
		return
	}
	ok(c, gin.H{
		"mode":            result.Mode,
		"noChanges":       result.NoChanges,
		"exportedHeadSha": result.ExportedHeadSha,
		"baseAdvanced":    result.BaseAdvanced,
	})
}
