package droned

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// StreamEvent is one server-sent event from the daemon's terminal stream.
type StreamEvent struct {
	// Type is "ready", "output", or "error".
	Type string
	// Text carries terminal bytes for output events.
	Text string
	// NextOffset is the byte offset after this event's payload.
	NextOffset int64
	// Err carries the daemon's error message for error events.
	Err string
}

type streamPayload struct {
	Text       string `json:"text,omitempty"`
	NextOffset int64  `json:"nextOffset"`
	Error      string `json:"error,omitempty"`
}

// TerminalOutputStream opens the daemon's SSE terminal stream starting at the
// given byte offset and delivers events until the stream ends, ctx is
// cancelled, or the daemon fails. The returned channel is closed when the
// stream terminates.
func (c *Client) TerminalOutputStream(ctx context.Context, session string, since int64) (<-chan StreamEvent, error) {
	url := c.baseURL + "/v1/terminal/output/stream?session=" + session + "&since=" + strconv.FormatInt(since, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "text/event-stream")

	// Streaming requests must not inherit the client-wide timeout.
	streamClient := &http.Client{Transport: c.http.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, ErrUnauthorized
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, fmt.Errorf("daemon terminal stream: status %d", resp.StatusCode)
	}

	events := make(chan StreamEvent, 16)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		eventType := ""
		var dataLines []string
		flush := func() {
			if eventType == "" && len(dataLines) == 0 {
				return
			}
			ev := parseStreamEvent(eventType, strings.Join(dataLines, "\n"))
			eventType = ""
			dataLines = nil
			if ev == nil {
				return
			}
			select {
			case events <- *ev:
			case <-ctx.Done():
			}
		}

		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case line == "":
				flush()
			case strings.HasPrefix(line, "event:"):
				eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			}
			if ctx.Err() != nil {
				return
			}
		}
		flush()
	}()
	return events, nil
}

func parseStreamEvent(eventType, data string) *StreamEvent {
	if eventType == "" {
		eventType = "output"
	}
	var payload streamPayload
	if data != "" {
		if err := json.Unmarshal([]byte(data), &payload); err != nil {
			return nil
		}
	}
	return &StreamEvent{
		Type:       eventType,
		Text:       payload.Text,
		NextOffset: payload.NextOffset,
		Err:        payload.Error,
	}
}
