package gateway

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dronehub/dronehub/internal/common/logger"
	"github.com/dronehub/dronehub/internal/droned"
	"github.com/dronehub/dronehub/internal/prompts"
	"github.com/dronehub/dronehub/internal/registry"
)

const shellSessionName = "drone-hub-shell"

const (
	inputFlushBurst = 1024
	inputFlushIdle  = 24 * time.Millisecond
	inputMaxChunk   = 16 << 10
	inputMaxPending = 128 << 10

	streamBackoffMin   = 40 * time.Millisecond
	streamBackoffMax   = 1800 * time.Millisecond
	streamBackoffScale = 1.8
	streamMaxAttempts  = 12
)

func (s *Server) registerTerminalRoutes(api *gin.RouterGroup) {
	api.POST("/drones/:id/terminal/open", s.terminalOpen)
	api.GET("/drones/:id/terminal/:session/output", s.terminalOutput)
	api.POST("/drones/:id/terminal/:session/input", s.terminalInput)
	api.GET("/drones/:id/terminal/:session/stream", s.terminalStream)
}

// sessionName validates the path segment. Only the hub's own sessions are
// reachable; arbitrary tmux sessions inside the container are not.
func sessionName(c *gin.Context) (string, bool) {
	session := c.Param("session")
	if !registry.SessionNamePattern.MatchString(session) {
		fail(c, http.StatusBadRequest, "invalid session name")
		return "", false
	}
	if session != shellSessionName && !strings.HasPrefix(session, prompts.ChatSessionPrefix) {
		fail(c, http.StatusBadRequest, "unknown session")
		return "", false
	}
	return session, true
}

func (s *Server) terminalOpen(c *gin.Context) {
	d, found := s.resolveDrone(c)
	if !found {
		return
	}

	switch mode := c.DefaultQuery("mode", "shell"); mode {
	case "shell":
		cmd := s.cfg.Agents.ShellCmd
		if cmd == "" {
			cmd = "bash"
		}
		err := s.dvm.SessionStart(c.Request.Context(), d.ContainerName, shellSessionName, cmd, nil, true)
		if err != nil {
			classify(c, err)
			return
		}
		ok(c, gin.H{"session": shellSessionName})
	case "agent":
		chat := c.Query("chat")
		if chat == "" {
			fail(c, http.StatusBadRequest, "chat is required for agent mode")
			return
		}
		if _, exists := d.Chats[chat]; !exists {
			fail(c, http.StatusNotFound, "chat not found")
			return
		}
		// Agent sessions are created by prompt jobs; opening just names one.
		ok(c, gin.H{"session": prompts.ChatSessionName(chat)})
	default:
		fail(c, http.StatusBadRequest, "mode must be shell or agent")
	}
}

func (s *Server) terminalOutput(c *gin.Context) {
	d, found := s.resolveDrone(c)
	if !found {
		return
	}
	session, found := sessionName(c)
	if !found {
		return
	}

	since, _ := strconv.ParseInt(c.Query("since"), 10, 64)
	maxBytes, _ := strconv.Atoi(c.Query("maxBytes"))
	tailLines, _ := strconv.Atoi(c.Query("tailLines"))

	daemon := s.daemonFor(d.HostPort, d.Token)
	chunk, err := daemon.TerminalOutput(c.Request.Context(), session, since, maxBytes, tailLines)
	if err != nil {
		classify(c, err)
		return
	}
	ok(c, gin.H{"text": chunk.Text, "nextOffset": chunk.NextOffset})
}

type terminalInputRequest struct {
	Data string `json:"data" binding:"required"`
}

func (s *Server) terminalInput(c *gin.Context) {
	d, found := s.resolveDrone(c)
	if !found {
		return
	}
	session, found := sessionName(c)
	if !found {
		return
	}
	var req terminalInputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid payload: "+err.Error())
		return
	}

	daemon := s.daemonFor(d.HostPort, d.Token)
	if err := daemon.TerminalInput(c.Request.Context(), session, req.Data); err != nil {
		classify(c, err)
		return
	}
	ok(c, nil)
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Bearer auth already gated the request; browser origins vary by deploy.
	CheckOrigin: func(*http.Request) bool { return true },
}

type wsFrame struct {
	Type        string `json:"type"`
	Data        string `json:"data,omitempty"`
	Text        string `json:"text,omitempty"`
	OffsetBytes int64  `json:"offsetBytes,omitempty"`
	Error       string `json:"error,omitempty"`
}

// terminalStream bridges the daemon's SSE terminal stream onto a WebSocket.
// Output is resumable by byte offset; input is coalesced before each
// terminalInput call so fast typists don't generate one HTTP request per key.
func (s *Server) terminalStream(c *gin.Context) {
	d, found := s.resolveDrone(c)
	if !found {
		return
	}
	session, found := sessionName(c)
	if !found {
		return
	}
	since, _ := strconv.ParseInt(c.Query("since"), 10, 64)
	maxBytes, _ := strconv.Atoi(c.Query("maxBytes"))

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	log := s.logger.WithFields(
		zap.String("drone_id", d.ID),
		zap.String("session", session))

	daemon := s.daemonFor(d.HostPort, d.Token)
	bridge := &terminalBridge{
		conn:   conn,
		daemon: daemon,
		logger: log,
	}
	bridge.coalescer = newInputCoalescer(func(data string) {
		flushCtx, flushCancel := context.WithTimeout(ctx, 10*time.Second)
		defer flushCancel()
		if err := daemon.TerminalInput(flushCtx, session, data); err != nil {
			log.Debug("terminal input flush failed", zap.Error(err))
		}
	})
	defer bridge.coalescer.stop()

	go bridge.pumpOutput(ctx, cancel, session, since, maxBytes)
	bridge.readInput(ctx, cancel)
}

type terminalBridge struct {
	conn      *websocket.Conn
	daemon    *droned.Client
	logger    *logger.Logger
	coalescer *inputCoalescer

	writeMu sync.Mutex
}

func (b *terminalBridge) writeFrame(f wsFrame) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	b.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return b.conn.WriteJSON(f)
}

// pumpOutput bootstraps from the sync endpoint, then relays the SSE stream,
// reconnecting with backoff and resuming from the last delivered offset.
func (b *terminalBridge) pumpOutput(ctx context.Context, cancel context.CancelFunc, session string, since int64, maxBytes int) {
	defer cancel()

	offset := since
	chunk, err := b.daemon.TerminalOutput(ctx, session, since, maxBytes, 0)
	if err != nil {
		b.writeFrame(wsFrame{Type: "error", Error: err.Error()})
		return
	}
	if chunk.NextOffset > offset {
		offset = chunk.NextOffset
	}
	if b.writeFrame(wsFrame{Type: "ready", OffsetBytes: offset}) != nil {
		return
	}
	if chunk.Text != "" {
		if b.writeFrame(wsFrame{Type: "output", OffsetBytes: offset, Text: chunk.Text}) != nil {
			return
		}
	}

	attempts := 0
	for ctx.Err() == nil {
		events, err := b.daemon.TerminalOutputStream(ctx, session, offset)
		if err != nil {
			if !b.backoff(ctx, &attempts) {
				b.writeFrame(wsFrame{Type: "error", Error: "terminal stream unavailable"})
				return
			}
			continue
		}

		for ev := range events {
			switch ev.Type {
			case "output":
				if ev.NextOffset <= offset {
					continue
				}
				offset = ev.NextOffset
				attempts = 0
				if b.writeFrame(wsFrame{Type: "output", OffsetBytes: offset, Text: ev.Text}) != nil {
					return
				}
			case "error":
				b.logger.Debug("terminal stream upstream error", zap.String("error", ev.Err))
			}
		}

		// Stream ended; reconnect from the current offset.
		if !b.backoff(ctx, &attempts) {
			b.writeFrame(wsFrame{Type: "error", Error: "terminal stream unavailable"})
			return
		}
	}
}

func (b *terminalBridge) backoff(ctx context.Context, attempts *int) bool {
	*attempts++
	if *attempts > streamMaxAttempts {
		return false
	}
	delay := time.Duration(float64(streamBackoffMin) * math.Pow(streamBackoffScale, float64(*attempts-1)))
	if delay > streamBackoffMax {
		delay = streamBackoffMax
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func (b *terminalBridge) readInput(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "input":
			b.coalescer.add(frame.Data)
		case "ping":
			if b.writeFrame(wsFrame{Type: "pong"}) != nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// inputCoalescer batches keystrokes. A flush happens when the pending text
// contains a control character the remote side reacts to immediately, when a
// paste-sized burst accumulates, or after a short idle gap.
type inputCoalescer struct {
	mu      sync.Mutex
	buf     []byte
	timer   *time.Timer
	stopped bool
	sink    func(string)

	// sendMu orders flushes; it is never held while appending, so a slow
	// daemon write cannot block concurrent adds.
	sendMu sync.Mutex
}

func newInputCoalescer(sink func(string)) *inputCoalescer {
	return &inputCoalescer{sink: sink}
}

func hasControlChar(s string) bool {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\r', '\n', '\t', 0x03, 0x04, 0x1b:
			return true
		}
	}
	return false
}

func (ic *inputCoalescer) add(text string) {
	if text == "" {
		return
	}
	ic.mu.Lock()
	if ic.stopped {
		ic.mu.Unlock()
		return
	}
	room := inputMaxPending - len(ic.buf)
	if room <= 0 {
		ic.mu.Unlock()
		return
	}
	if len(text) > room {
		text = text[:room]
	}
	ic.buf = append(ic.buf, text...)

	if hasControlChar(text) || len(ic.buf) >= inputFlushBurst {
		ic.mu.Unlock()
		ic.flush()
		return
	}
	if ic.timer == nil {
		ic.timer = time.AfterFunc(inputFlushIdle, ic.flushIdle)
	} else {
		ic.timer.Reset(inputFlushIdle)
	}
	ic.mu.Unlock()
}

func (ic *inputCoalescer) flushIdle() {
	ic.mu.Lock()
	stopped := ic.stopped
	ic.mu.Unlock()
	if !stopped {
		ic.flush()
	}
}

// flush swaps the pending buffer out under mu, then writes it to the sink in
// bounded chunks. sendMu keeps concurrent flushes in take order.
func (ic *inputCoalescer) flush() {
	ic.sendMu.Lock()
	defer ic.sendMu.Unlock()

	ic.mu.Lock()
	if ic.timer != nil {
		ic.timer.Stop()
	}
	buf := ic.buf
	ic.buf = nil
	ic.mu.Unlock()

	for len(buf) > 0 {
		n := len(buf)
		if n > inputMaxChunk {
			n = inputMaxChunk
		}
		ic.sink(string(buf[:n]))
		buf = buf[n:]
	}
}

// stop flushes whatever is pending and rejects further input.
func (ic *inputCoalescer) stop() {
	ic.mu.Lock()
	if ic.stopped {
		ic.mu.Unlock()
		return
	}
	ic.stopped = true
	ic.mu.Unlock()
	ic.flush()
}
