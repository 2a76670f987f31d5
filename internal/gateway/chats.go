package gateway

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/dronehub/dronehub/internal/chats"
	"github.com/dronehub/dronehub/internal/llm"
	"github.com/dronehub/dronehub/internal/prompts"
	"github.com/dronehub/dronehub/internal/registry"
)

func (s *Server) registerChatRoutes(api *gin.RouterGroup) {
	api.GET("/drones/:id/chats", s.listChats)
	api.GET("/drones/:id/chats/:chat", s.getChat)
	api.POST("/drones/:id/chats/:chat/config", s.configChat)
	api.POST("/drones/:id/chats/:chat/prompt", s.promptChat)
	api.GET("/drones/:id/chats/:chat/pending", s.pendingPrompts)
	api.POST("/drones/:id/chats/:chat/pending/:promptId/unstick", s.unstickPrompt)
	api.GET("/drones/:id/chats/:chat/transcript", s.transcript)
	api.GET("/drones/:id/chats/:chat/output", s.chatOutput)
	api.GET("/drones/:id/chats/:chat/models", s.chatModels)
	api.GET("/drones/:id/chats/:chat/tldr", s.chatTLDR)
}

func (s *Server) chatOf(c *gin.Context, d *registry.Drone) (*registry.Chat, string, bool) {
	name := c.Param("chat")
	chat, exists := d.Chats[name]
	if !exists {
		fail(c, http.StatusNotFound, "chat not found")
		return nil, "", false
	}
	return chat, name, true
}

type chatSummary struct {
	Name         string         `json:"name"`
	Agent        registry.Agent `json:"agent"`
	Model        string         `json:"model,omitempty"`
	TurnCount    int            `json:"turnCount"`
	PendingCount int            `json:"pendingCount"`
	CreatedAt    time.Time      `json:"createdAt"`
}

func (s *Server) listChats(c *gin.Context) {
	d, found := s.resolveDrone(c)
	if !found {
		return
	}
	out := make([]chatSummary, 0, len(d.Chats))
	for name, chat := range d.Chats {
		out = append(out, chatSummary{
			Name:         name,
			Agent:        chats.InferAgent(chat),
			Model:        chat.Model,
			TurnCount:    len(chat.Turns),
			PendingCount: len(chat.PendingPrompts),
			CreatedAt:    chat.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	ok(c, gin.H{"chats": out})
}

func (s *Server) getChat(c *gin.Context) {
	d, found := s.resolveDrone(c)
	if !found {
		return
	}
	chat, name, found := s.chatOf(c, d)
	if !found {
		return
	}
	ok(c, gin.H{
		"name":           name,
		"agent":          chats.InferAgent(chat),
		"model":          chat.Model,
		"sessionKnown":   chat.SessionKnown(),
		"turns":          chat.SortedTurns(),
		"pendingPrompts": chat.PendingPrompts,
		"createdAt":      chat.CreatedAt,
	})
}

type chatConfigRequest struct {
	Agent    *registry.Agent `json:"agent"`
	SetModel bool            `json:"setModel"`
	Model    string          `json:"model"`
}

func (s *Server) configChat(c *gin.Context) {
	d, found := s.resolveDrone(c)
	if !found {
		return
	}
	var req chatConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}
	chatName := c.Param("chat")
	if _, err := s.chats.EnsureChat(d.ID, chatName); err != nil {
		classify(c, err)
		return
	}
	err := s.chats.SetAgentConfig(d.ID, chatName, chats.AgentConfig{
		Agent:    req.Agent,
		SetModel: req.SetModel,
		Model:    req.Model,
	})
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	ok(c, nil)
}

type promptRequest struct {
	Prompt      string               `json:"prompt" binding:"required"`
	PromptID    string               `json:"promptId"`
	Attachments []prompts.Attachment `json:"attachments"`
	CWD         string               `json:"cwd"`
}

func (s *Server) promptChat(c *gin.Context) {
	d, found := s.resolveDrone(c)
	if !found {
		return
	}
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}

	promptID, err := s.pipeline.EnqueuePrompt(c.Request.Context(), d.ID, c.Param("chat"), prompts.EnqueueOptions{
		PromptID:    req.PromptID,
		Prompt:      req.Prompt,
		Attachments: req.Attachments,
		CWD:         req.CWD,
	})
	if err != nil {
		if strings.Contains(err.Error(), "invalid") || strings.Contains(err.Error(), "must") ||
			strings.Contains(err.Error(), "attachment") || strings.Contains(err.Error(), "already used") {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		classify(c, err)
		return
	}
	okStatus(c, http.StatusAccepted, gin.H{"promptId": promptID})
}

func (s *Server) pendingPrompts(c *gin.Context) {
	d, found := s.resolveDrone(c)
	if !found {
		return
	}
	chat, _, found := s.chatOf(c, d)
	if !found {
		return
	}
	s.reconciler.Trigger(d.ID, c.Param("chat"))
	ok(c, gin.H{"pendingPrompts": chat.PendingPrompts})
}

// unstickPrompt kills the chat's tmux session and forces reconciliation so a
// wedged agent run resolves to failed instead of hanging forever.
func (s *Server) unstickPrompt(c *gin.Context) {
	d, found := s.resolveDrone(c)
	if !found {
		return
	}
	chat, chatName, found := s.chatOf(c, d)
	if !found {
		return
	}
	promptID := c.Param("promptId")
	if chat.FindPendingPrompt(promptID) == nil {
		fail(c, http.StatusNotFound, "prompt not found")
		return
	}

	session := prompts.ChatSessionName(chatName)
	if err := s.dvm.SessionKill(c.Request.Context(), d.ContainerName, session); err != nil {
		s.logger.Debug("unstick session kill failed",
			zap.String("drone_id", d.ID), zap.String("session", session), zap.Error(err))
	}
	s.reconciler.Trigger(d.ID, chatName)
	ok(c, nil)
}

func (s *Server) transcript(c *gin.Context) {
	d, found := s.resolveDrone(c)
	if !found {
		return
	}
	chat, _, found := s.chatOf(c, d)
	if !found {
		return
	}

	turns := chat.SortedTurns()
	switch sel := c.DefaultQuery("turn", "all"); sel {
	case "all":
	case "last":
		if len(turns) > 0 {
			turns = turns[len(turns)-1:]
		}
	default:
		n, err := strconv.Atoi(sel)
		if err != nil || n < 0 || n >= len(turns) {
			fail(c, http.StatusBadRequest, "turn must be last, all, or a valid index")
			return
		}
		turns = turns[n : n+1]
	}
	ok(c, gin.H{"turns": turns})
}

// chatOutput returns the raw agent output: the daemon log view or the live
// tmux screen.
func (s *Server) chatOutput(c *gin.Context) {
	d, found := s.resolveDrone(c)
	if !found {
		return
	}
	if _, _, found := s.chatOf(c, d); !found {
		return
	}
	chatName := c.Param("chat")
	session := prompts.ChatSessionName(chatName)

	switch view := c.DefaultQuery("view", "log"); view {
	case "screen":
		res, err := s.dvm.SessionRead(c.Request.Context(), d.ContainerName, session, 0, 0, 200)
		if err != nil {
			classify(c, err)
			return
		}
		ok(c, gin.H{"view": "screen", "text": res.Text, "nextOffset": res.NextOffset})
	case "log":
		daemon := s.daemonFor(d.HostPort, d.Token)
		chunk, err := daemon.TerminalOutput(c.Request.Context(), session, 0, 0, 500)
		if err != nil {
			classify(c, err)
			return
		}
		ok(c, gin.H{"view": "log", "text": chunk.Text, "nextOffset": chunk.NextOffset})
	default:
		fail(c, http.StatusBadRequest, "view must be log or screen")
	}
}

// modelCache remembers per-agent model listings; CLI invocations inside the
// container are slow.
type modelCache struct {
	mu      sync.Mutex
	entries map[string]modelCacheEntry
	group   singleflight.Group
}

type modelCacheEntry struct {
	at     time.Time
	models []string
}

const modelCacheTTL = 5 * time.Minute

func newModelCache() *modelCache {
	return &modelCache{entries: map[string]modelCacheEntry{}}
}

func (m *modelCache) get(key string) ([]string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, exists := m.entries[key]
	if !exists || time.Since(e.at) > modelCacheTTL {
		return nil, false
	}
	return e.models, true
}

func (m *modelCache) put(key string, models []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = modelCacheEntry{at: time.Now(), models: models}
}

func (s *Server) chatModels(c *gin.Context) {
	d, found := s.resolveDrone(c)
	if !found {
		return
	}
	chat, _, found := s.chatOf(c, d)
	if !found {
		return
	}
	agent := chats.InferAgent(chat)
	if agent.Kind == registry.AgentKindCustom {
		ok(c, gin.H{"models": []string{}})
		return
	}

	key := d.ID + "\x00" + agent.ID
	refresh, _ := strconv.ParseBool(c.Query("refresh"))
	if !refresh {
		if models, hit := s.models.get(key); hit {
			ok(c, gin.H{"models": models, "cached": true})
			return
		}
	}

	// Collapse concurrent discoveries for the same drone/agent pair into
	// one container exec.
	res, _, _ := s.models.group.Do(key, func() (any, error) {
		models := s.discoverModels(c.Request.Context(), d, agent.ID)
		s.models.put(key, models)
		return models, nil
	})
	ok(c, gin.H{"models": res.([]string)})
}

// discoverModels shells into the container and asks the agent CLI for its
// model list. Agents without a models subcommand yield an empty list; the UI
// then offers free-form input.
func (s *Server) discoverModels(ctx context.Context, d *registry.Drone, agentID string) []string {
	cmd := map[string]string{
		registry.AgentCursor:   s.cfg.Agents.CursorCmd,
		registry.AgentCodex:    s.cfg.Agents.CodexCmd,
		registry.AgentClaude:   s.cfg.Agents.ClaudeCmd,
		registry.AgentOpenCode: s.cfg.Agents.OpenCodeCmd,
	}[agentID]
	if cmd == "" {
		cmd = agentID
		if agentID == registry.AgentCursor {
			cmd = "agent"
		}
	}

	res, err := s.dvm.Exec(ctx, d.ContainerName, cmd, []string{"models"}, 30*time.Second)
	if err != nil || res.Code != 0 {
		return []string{}
	}
	var models []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if m := strings.TrimSpace(line); m != "" && !strings.HasPrefix(m, "#") {
			models = append(models, m)
		}
	}
	if models == nil {
		models = []string{}
	}
	return models
}

const tldrSystem = "You summarize coding-agent output. Reply with one or two short sentences, no markdown."

func (s *Server) chatTLDR(c *gin.Context) {
	d, found := s.resolveDrone(c)
	if !found {
		return
	}
	chat, _, found := s.chatOf(c, d)
	if !found {
		return
	}
	turns := chat.SortedTurns()
	if len(turns) == 0 {
		fail(c, http.StatusNotFound, "chat has no turns to summarize")
		return
	}

	provider, err := s.settings.Provider()
	if err != nil {
		if errors.Is(err, llm.ErrNotConfigured) {
			fail(c, http.StatusConflict, "no llm provider configured")
			return
		}
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}

	last := turns[len(turns)-1]
	input := "Prompt:\n" + last.Prompt + "\n\nAgent output:\n" + last.Output
	if len(input) > 24_000 {
		input = input[:24_000]
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 20*time.Second)
	defer cancel()
	summary, err := provider.GenerateText(ctx, s.settings.TLDRModel(), tldrSystem, input)
	if err != nil {
		fail(c, http.StatusBadGateway, err.Error())
		return
	}
	ok(c, gin.H{"tldr": summary})
}
