package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dronehub/dronehub/internal/events/bus"
)

func (s *Server) registerEventRoutes(api *gin.RouterGroup) {
	api.GET("/events/stream", s.eventStream)
}

var streamedSubjects = []string{
	bus.SubjectDroneStatus,
	bus.SubjectPromptUpdate,
	bus.SubjectPullDone,
}

// eventStream relays bus events to a UI WebSocket client. Slow clients drop
// events rather than backpressure the pipelines.
func (s *Server) eventStream(c *gin.Context) {
	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	events := make(chan *bus.Event, 64)
	var subs []bus.Subscription
	for _, subject := range streamedSubjects {
		subject := subject
		sub, err := s.bus.Subscribe(subject, func(_ context.Context, ev *bus.Event) error {
			select {
			case events <- ev:
			default:
				s.logger.Debug("event stream client lagging, dropping event",
					zap.String("subject", subject))
			}
			return nil
		})
		if err != nil {
			s.logger.Warn("event stream subscribe failed",
				zap.String("subject", subject), zap.Error(err))
			continue
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			_ = sub.Unsubscribe()
		}
	}()

	var writeMu sync.Mutex
	write := func(payload map[string]any) bool {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(payload) == nil
	}

	// Reader goroutine: detects close and answers pings.
	go func() {
		defer cancel()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame wsFrame
			if json.Unmarshal(data, &frame) == nil && frame.Type == "ping" {
				write(map[string]any{"type": "pong"})
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			payload := map[string]any{
				"type":      "event",
				"subject":   ev.Type,
				"id":        ev.ID,
				"timestamp": ev.Timestamp,
				"data":      ev.Data,
			}
			if !write(payload) {
				return
			}
		}
	}
}
