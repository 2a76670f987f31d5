package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dronehub/dronehub/internal/prompts"
	"github.com/dronehub/dronehub/internal/registry"
)

// openCodeSession is one row of `opencode session list --format json`.
type openCodeSession struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// discoverOpenCodeSession lists recent opencode sessions inside the
// container and picks the one whose title matches the hub's naming scheme
// for this chat. Returns "" when no match is found.
func (r *Reconciler) discoverOpenCodeSession(ctx context.Context, d *registry.Drone, chatName string) (string, error) {
	res, err := r.dvm.Exec(ctx, d.ContainerName, r.openCodeCmd,
		[]string{"session", "list", "--max-count", "30", "--format", "json"}, 60*time.Second)
	if err != nil {
		return "", err
	}
	if res.Code != 0 {
		return "", fmt.Errorf("opencode session list exited with code %d: %s", res.Code, strings.TrimSpace(res.Stderr))
	}

	var sessions []openCodeSession
	if err := json.Unmarshal([]byte(strings.TrimSpace(res.Stdout)), &sessions); err != nil {
		return "", fmt.Errorf("parse opencode session list: %w", err)
	}

	want := prompts.OpenCodeTitle(d.Name, chatName)
	for _, s := range sessions {
		if s.Title == want && s.ID != "" {
			return s.ID, nil
		}
	}
	// Fall back to the newest session; opencode lists most recent first.
	if len(sessions) > 0 && sessions[0].ID != "" {
		return sessions[0].ID, nil
	}
	return "", nil
}
