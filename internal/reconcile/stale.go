package reconcile

import (
	"fmt"
	"time"

	"github.com/dronehub/dronehub/internal/registry"
)

// Stale deadlines. A prompt the daemon cannot account for is only declared
// dead after these grace periods so transient daemon restarts do not fail
// healthy work.
const (
	minSendingStale = 180 * time.Second
	minSentStale    = 10 * time.Minute
)

// StaleVerdict reports whether a pending prompt whose daemon lookup failed
// should be marked failed, and with what message.
type StaleVerdict struct {
	Stale   bool
	Message string
}

// StalePendingPromptState decides whether an unaccounted-for prompt has gone
// stale. Only sending and sent prompts can: sending after
// max(enqueueTimeout, 180s) since the last state change, sent after
// max(2*enqueueTimeout, 10m). The verdict is monotone in now.
func StalePendingPromptState(state registry.PromptState, updatedAt, at time.Time, enqueueTimeout time.Duration, now time.Time) StaleVerdict {
	ref := updatedAt
	if ref.IsZero() {
		ref = at
	}
	if ref.IsZero() {
		return StaleVerdict{}
	}

	switch state {
	case registry.PromptSending:
		deadline := enqueueTimeout
		if deadline < minSendingStale {
			deadline = minSendingStale
		}
		if now.Sub(ref) > deadline {
			return StaleVerdict{
				Stale:   true,
				Message: fmt.Sprintf("prompt enqueue timed out: daemon has no record of the job after %s", now.Sub(ref).Round(time.Second)),
			}
		}
	case registry.PromptSent:
		deadline := 2 * enqueueTimeout
		if deadline < minSentStale {
			deadline = minSentStale
		}
		if now.Sub(ref) > deadline {
			return StaleVerdict{
				Stale:   true,
				Message: fmt.Sprintf("prompt lost: daemon stopped reporting the job after %s", now.Sub(ref).Round(time.Second)),
			}
		}
	}
	return StaleVerdict{}
}
