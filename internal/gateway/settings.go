package gateway

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dronehub/dronehub/internal/registry"
)

func (s *Server) registerSettingsRoutes(api *gin.RouterGroup) {
	api.GET("/settings", s.getSettings)
	api.POST("/settings/openai", s.setOpenAIKey)
	api.POST("/settings/gemini", s.setGeminiKey)
	api.POST("/settings/llm", s.setLLMProvider)
	api.POST("/settings/delete-action", s.setDeleteAction)
	api.GET("/settings/hub/logs", s.hubLogs)
}

func (s *Server) getSettings(c *gin.Context) {
	snap, err := s.settings.Get()
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	ok(c, gin.H{"settings": snap})
}

type apiKeyRequest struct {
	APIKey string `json:"apiKey"`
}

func (s *Server) setOpenAIKey(c *gin.Context) {
	var req apiKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	if err := s.settings.SetOpenAIKey(req.APIKey); err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	ok(c, nil)
}

func (s *Server) setGeminiKey(c *gin.Context) {
	var req apiKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	if err := s.settings.SetGeminiKey(req.APIKey); err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	ok(c, nil)
}

type llmProviderRequest struct {
	Provider string `json:"provider"`
}

func (s *Server) setLLMProvider(c *gin.Context) {
	var req llmProviderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	if err := s.settings.SetLLMProvider(req.Provider); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	ok(c, nil)
}

func (s *Server) setDeleteAction(c *gin.Context) {
	var req registry.DeleteAction
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	if err := s.settings.SetDeleteAction(req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	ok(c, nil)
}

func (s *Server) hubLogs(c *gin.Context) {
	ring := s.settings.Ring()
	if ring == nil {
		fail(c, http.StatusNotFound, "log capture is disabled")
		return
	}
	tail, _ := strconv.Atoi(c.DefaultQuery("tail", "200"))
	if tail < 1 {
		tail = 200
	}
	ok(c, gin.H{"logs": ring.Tail(tail)})
}
