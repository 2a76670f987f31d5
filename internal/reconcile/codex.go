package reconcile

import (
	"encoding/json"
	"strings"
)

// codexEvent is one JSONL event from `codex exec --json`. Only the fields
// the hub cares about are decoded.
type codexEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Delta    string `json:"delta"`
	Text     string `json:"text"`
	Error    string `json:"error"`
	Message  string `json:"message"`
	Item     *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
}

// codexResult is the outcome of parsing a codex JSONL stream.
type codexResult struct {
	ThreadID string
	Message  string
}

func isCodexMessageItem(itemType string) bool {
	return itemType == "agent_message" || itemType == "assistant_message"
}

// parseCodexJSONL scans codex --json output and extracts the thread id and
// the final assistant message. The last completed (or started) message item
// wins; streamed output_text deltas are accepted as a fallback for newer
// codex builds.
func parseCodexJSONL(output string) codexResult {
	var res codexResult
	var deltas strings.Builder
	deltaDone := false

	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var ev codexEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}

		switch {
		case ev.Type == "thread.started" && ev.ThreadID != "":
			res.ThreadID = ev.ThreadID

		case (ev.Type == "item.completed" || ev.Type == "item.started") &&
			ev.Item != nil && isCodexMessageItem(ev.Item.Type):
			if text := strings.TrimSpace(ev.Item.Text); text != "" {
				res.Message = text
			}

		case ev.Type == "response.output_text.delta":
			deltas.WriteString(ev.Delta)

		case ev.Type == "response.output_text.done":
			deltaDone = true
			if text := strings.TrimSpace(ev.Text); text != "" && res.Message == "" {
				res.Message = text
			}
		}
	}

	if res.Message == "" && deltaDone {
		res.Message = strings.TrimSpace(deltas.String())
	}
	return res
}

// formatCodexJobFailure builds a user-facing failure message from a codex
// JSONL stream. Explicit error/message fields are collected; when only
// lifecycle events are present the turn died silently.
func formatCodexJobFailure(output, fallback string) string {
	var parts []string
	seen := map[string]bool{}
	add := func(msg string) {
		msg = strings.TrimSpace(msg)
		if msg != "" && !seen[msg] {
			seen[msg] = true
			parts = append(parts, msg)
		}
	}

	sawEvent := false
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var ev codexEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		sawEvent = true
		add(ev.Error)
		if ev.Type == "error" || strings.Contains(ev.Type, "error") {
			add(ev.Message)
		}
	}

	if len(parts) > 0 {
		return strings.Join(parts, "; ")
	}
	if sawEvent {
		return "Codex turn started but exited before producing a response."
	}
	if fallback != "" {
		return fallback
	}
	return "codex job failed"
}
