// Package registry defines the persistent hub state and its storage. The
// registry is a single JSON document holding drones, pending drones, archived
// drones, groups, known host repos, and hub settings. All mutations flow
// through Store.Update.
package registry

import (
	"encoding/json"
	"regexp"
	"sort"
	"time"
)

// AgentKind discriminates builtin agent CLIs from user-defined commands.
type AgentKind string

const (
	AgentKindBuiltin AgentKind = "builtin"
	AgentKindCustom  AgentKind = "custom"
)

// Builtin agent ids.
const (
	AgentCursor   = "cursor"
	AgentCodex    = "codex"
	AgentClaude   = "claude"
	AgentOpenCode = "opencode"
)

// Agent identifies the CLI backing a chat. Builtin agents carry only an id;
// custom agents carry a label and the command to run.
type Agent struct {
	Kind    AgentKind `json:"kind"`
	ID      string    `json:"id"`
	Label   string    `json:"label,omitempty"`
	Command string    `json:"command,omitempty"`
}

// DefaultAgent is the agent assigned to chats that never had one configured.
func DefaultAgent() Agent {
	return Agent{Kind: AgentKindBuiltin, ID: AgentCursor}
}

// UnmarshalJSON parses an agent, defaulting unknown kinds and unknown builtin
// ids to the cursor agent. This mirrors how older registry files are read.
func (a *Agent) UnmarshalJSON(data []byte) error {
	type plain Agent
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		*a = DefaultAgent()
		return nil
	}
	switch p.Kind {
	case AgentKindCustom:
		if p.ID == "" || p.Command == "" {
			*a = DefaultAgent()
			return nil
		}
	case AgentKindBuiltin:
		switch p.ID {
		case AgentCursor, AgentCodex, AgentClaude, AgentOpenCode:
		default:
			*a = DefaultAgent()
			return nil
		}
	default:
		*a = DefaultAgent()
		return nil
	}
	*a = Agent(p)
	return nil
}

// PromptState tracks a pending prompt through its lifecycle.
type PromptState string

const (
	// PromptQueued means the prompt has never been submitted to the daemon.
	PromptQueued PromptState = "queued"
	// PromptSending means the prompt was submitted and acknowledged.
	PromptSending PromptState = "sending"
	// PromptSent means the daemon reports the job as queued/running/done but
	// no transcript turn exists yet.
	PromptSent PromptState = "sent"
	// PromptFailed is terminal.
	PromptFailed PromptState = "failed"
)

// UnmarshalJSON defaults unknown prompt states to sending.
func (s *PromptState) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		*s = PromptSending
		return nil
	}
	switch PromptState(raw) {
	case PromptQueued, PromptSending, PromptSent, PromptFailed:
		*s = PromptState(raw)
	default:
		*s = PromptSending
	}
	return nil
}

// PromptIDPattern constrains prompt ids to filesystem- and URL-safe names.
var PromptIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,96}$`)

// SessionNamePattern constrains terminal session names.
var SessionNamePattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// MaxPendingPrompts bounds the rolling pending-prompt window per chat.
const MaxPendingPrompts = 60

// PendingPrompt is a persisted intent to run a prompt in a chat.
type PendingPrompt struct {
	ID        string      `json:"id"`
	At        time.Time   `json:"at"`
	Prompt    string      `json:"prompt"`
	CWD       string      `json:"cwd,omitempty"`
	State     PromptState `json:"state"`
	Error     string      `json:"error,omitempty"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// Turn is a completed prompt+response pair in a chat transcript. Turns are
// append-only and identified by prompt id.
type Turn struct {
	At          time.Time  `json:"at"`
	PromptAt    *time.Time `json:"promptAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	ID          string     `json:"id,omitempty"`
	Prompt      string     `json:"prompt"`
	OK          bool       `json:"ok"`
	Output      string     `json:"output"`
	Error       string     `json:"error,omitempty"`
}

// Chat is a logical conversation scope within a drone.
type Chat struct {
	CreatedAt time.Time `json:"createdAt"`
	Agent     Agent     `json:"agent"`
	Model     string    `json:"model,omitempty"`

	// Session-continuity handles, one per builtin agent family. Append-only:
	// never overwritten once non-empty.
	ChatID            string `json:"chatId,omitempty"` // cursor
	CodexThreadID     string `json:"codexThreadId,omitempty"`
	ClaudeSessionID   string `json:"claudeSessionId,omitempty"`
	OpenCodeSessionID string `json:"openCodeSessionId,omitempty"`

	Turns          []Turn          `json:"turns,omitempty"`
	PendingPrompts []PendingPrompt `json:"pendingPrompts,omitempty"`
}

// SessionKnown reports whether the chat already holds the continuation handle
// its agent needs to resume a conversation. Agents whose handle is chosen by
// the hub (claude) or that need none (cursor, custom) always report true.
func (c *Chat) SessionKnown() bool {
	if c.Agent.Kind == AgentKindCustom {
		return true
	}
	switch c.Agent.ID {
	case AgentCodex:
		return c.CodexThreadID != ""
	case AgentOpenCode:
		return c.OpenCodeSessionID != ""
	default:
		return true
	}
}

// FindPendingPrompt returns the pending prompt with the given id, or nil.
func (c *Chat) FindPendingPrompt(id string) *PendingPrompt {
	for i := range c.PendingPrompts {
		if c.PendingPrompts[i].ID == id {
			return &c.PendingPrompts[i]
		}
	}
	return nil
}

// HasTurn reports whether a transcript turn exists for the prompt id.
func (c *Chat) HasTurn(id string) bool {
	if id == "" {
		return false
	}
	for i := range c.Turns {
		if c.Turns[i].ID == id {
			return true
		}
	}
	return false
}

// AppendPendingPrompt pushes a prompt onto the rolling window, dropping the
// oldest entries beyond MaxPendingPrompts.
func (c *Chat) AppendPendingPrompt(p PendingPrompt) {
	c.PendingPrompts = append(c.PendingPrompts, p)
	if n := len(c.PendingPrompts); n > MaxPendingPrompts {
		c.PendingPrompts = append([]PendingPrompt(nil), c.PendingPrompts[n-MaxPendingPrompts:]...)
	}
}

// SortedTurns returns the transcript in promptAt order, ties broken by
// insertion index, so late reconciliation of older completions does not
// reorder the rendered view.
func (c *Chat) SortedTurns() []Turn {
	out := append([]Turn(nil), c.Turns...)
	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := out[i].At, out[j].At
		if out[i].PromptAt != nil {
			ti = *out[i].PromptAt
		}
		if out[j].PromptAt != nil {
			tj = *out[j].PromptAt
		}
		return ti.Before(tj)
	})
	return out
}

// HubPhase is the transient provisioning status surfaced to the UI.
type HubPhase string

const (
	HubPhaseStarting HubPhase = "starting"
	HubPhaseSeeding  HubPhase = "seeding"
	HubPhaseError    HubPhase = "error"
)

// HubStatus is attached to a drone while provisioning work is in flight or
// has failed. Absence means "normal".
type HubStatus struct {
	Phase     HubPhase  `json:"phase"`
	Message   string    `json:"message,omitempty"`
	PromptID  string    `json:"promptId,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PullMode describes the outcome of the most recent repo pull.
type PullMode string

const (
	PullModeNoChanges          PullMode = "no-changes"
	PullModeMergeNoCommit      PullMode = "bundle-merge-no-commit"
	PullModeHostConflictsReady PullMode = "host-conflicts-ready"
)

// LastPull records the outcome of the most recent repo pull for recovery.
type LastPull struct {
	Mode            PullMode  `json:"mode"`
	ExportedHeadSha string    `json:"exportedHeadSha,omitempty"`
	BaseSha         string    `json:"baseSha,omitempty"`
	BaseAdvanced    bool      `json:"baseAdvanced"`
	ConflictFiles   []string  `json:"conflictFiles,omitempty"`
	At              time.Time `json:"at"`
}

// RepoState describes the in-container repo seeded from the host.
type RepoState struct {
	Dest     string    `json:"dest"`
	Branch   string    `json:"branch"`
	BaseRef  string    `json:"baseRef"`
	SeededAt time.Time `json:"seededAt"`
	LastPull *LastPull `json:"lastPull,omitempty"`
}

// Drone is a live container-backed workspace.
type Drone struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Group         string           `json:"group,omitempty"`
	ContainerName string           `json:"containerName"`
	ContainerPort int              `json:"containerPort"`
	HostPort      int              `json:"hostPort"`
	Token         string           `json:"token,omitempty"`
	RepoPath      string           `json:"repoPath,omitempty"`
	Repo          *RepoState       `json:"repo,omitempty"`
	CWD           string           `json:"cwd,omitempty"`
	Chats         map[string]*Chat `json:"chats,omitempty"`
	Hub           *HubStatus       `json:"hub,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
}

// PendingPhase tracks a pending drone through provisioning.
type PendingPhase string

const (
	PendingPhaseStarting PendingPhase = "starting"
	PendingPhaseCreating PendingPhase = "creating"
	PendingPhaseSeeding  PendingPhase = "seeding"
	PendingPhaseError    PendingPhase = "error"
)

// SeedSpec configures the first chat of a freshly provisioned drone.
type SeedSpec struct {
	ChatName string `json:"chatName"`
	Agent    *Agent `json:"agent,omitempty"`
	Model    string `json:"model,omitempty"`
	Prompt   string `json:"prompt,omitempty"`
	CWD      string `json:"cwd,omitempty"`
	PromptID string `json:"promptId,omitempty"`
}

// PendingDrone is a drone that has been requested but not yet provisioned.
// It shares the id and name namespaces with live and archived drones.
type PendingDrone struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Group         string       `json:"group,omitempty"`
	RepoPath      string       `json:"repoPath,omitempty"`
	ContainerPort int          `json:"containerPort"`
	Build         bool         `json:"build"`
	Phase         PendingPhase `json:"phase"`
	Message       string       `json:"message,omitempty"`
	Error         string       `json:"error,omitempty"`
	CloneFrom     string       `json:"cloneFrom,omitempty"`
	CloneChats    *bool        `json:"cloneChats,omitempty"`
	Seed          *SeedSpec    `json:"seed,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// ArchiveRetention is how long an archived drone is kept before deletion.
type ArchiveRetention string

const (
	Retention1Hour ArchiveRetention = "1h"
	Retention8Hour ArchiveRetention = "8h"
	Retention1Day  ArchiveRetention = "1d"
	Retention1Week ArchiveRetention = "1w"
)

// Duration returns the retention period, defaulting to one day for unknown
// values.
func (r ArchiveRetention) Duration() time.Duration {
	switch r {
	case Retention1Hour:
		return time.Hour
	case Retention8Hour:
		return 8 * time.Hour
	case Retention1Day:
		return 24 * time.Hour
	case Retention1Week:
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// ArchiveRuntimePolicy controls what happens to the container when a drone is
// archived.
type ArchiveRuntimePolicy string

const (
	RuntimeKeepRunning ArchiveRuntimePolicy = "keep-running"
	RuntimeStop        ArchiveRuntimePolicy = "stop"
)

// ArchivedDrone is a snapshot of a live drone awaiting TTL deletion.
type ArchivedDrone struct {
	Drone
	ArchivedAt           time.Time            `json:"archivedAt"`
	DeleteAt             time.Time            `json:"deleteAt"`
	ArchiveRetention     ArchiveRetention     `json:"archiveRetention"`
	ArchiveRuntimePolicy ArchiveRuntimePolicy `json:"archiveRuntimePolicy"`
}

// DeleteAction captures the default behavior of the drone delete button.
type DeleteAction struct {
	Archive              bool                 `json:"archive"`
	ArchiveRetention     ArchiveRetention     `json:"archiveRetention,omitempty"`
	ArchiveRuntimePolicy ArchiveRuntimePolicy `json:"archiveRuntimePolicy,omitempty"`
}

// Settings holds hub-wide preferences persisted in the registry.
type Settings struct {
	LLMProvider  string        `json:"llmProvider,omitempty"` // openai, gemini
	OpenAIAPIKey string        `json:"openaiApiKey,omitempty"`
	GeminiAPIKey string        `json:"geminiApiKey,omitempty"`
	DeleteAction *DeleteAction `json:"deleteAction,omitempty"`
}

// HostRepo is a host working copy the hub has seen, offered by the UI when
// creating repo-attached drones.
type HostRepo struct {
	Path     string    `json:"path"`
	LastUsed time.Time `json:"lastUsed"`
}

// Registry is the full persistent hub state.
type Registry struct {
	Drones   map[string]*Drone        `json:"drones"`
	Pending  map[string]*PendingDrone `json:"pending"`
	Archived map[string]*ArchivedDrone `json:"archived"`
	Groups   []string                 `json:"groups,omitempty"`
	Repos    map[string]*HostRepo     `json:"repos,omitempty"`
	Settings Settings                 `json:"settings"`
}

// NewRegistry returns an empty registry with all maps initialized.
func NewRegistry() *Registry {
	return &Registry{
		Drones:   map[string]*Drone{},
		Pending:  map[string]*PendingDrone{},
		Archived: map[string]*ArchivedDrone{},
		Repos:    map[string]*HostRepo{},
	}
}

func (r *Registry) normalize() {
	if r.Drones == nil {
		r.Drones = map[string]*Drone{}
	}
	if r.Pending == nil {
		r.Pending = map[string]*PendingDrone{}
	}
	if r.Archived == nil {
		r.Archived = map[string]*ArchivedDrone{}
	}
	if r.Repos == nil {
		r.Repos = map[string]*HostRepo{}
	}
}

// FindDroneIDByRef resolves a drone reference that may be an id or a display
// name. It reports whether the match is a live drone or a pending one.
func (r *Registry) FindDroneIDByRef(ref string) (id string, pending bool, ok bool) {
	if _, exists := r.Drones[ref]; exists {
		return ref, false, true
	}
	if _, exists := r.Pending[ref]; exists {
		return ref, true, true
	}
	for did, d := range r.Drones {
		if d.Name == ref {
			return did, false, true
		}
	}
	for pid, p := range r.Pending {
		if p.Name == ref {
			return pid, true, true
		}
	}
	return "", false, false
}

// NameTaken reports whether a display name is used by any drone, pending
// drone, or archived drone other than excludeID.
func (r *Registry) NameTaken(name, excludeID string) bool {
	for id, d := range r.Drones {
		if id != excludeID && d.Name == name {
			return true
		}
	}
	for id, p := range r.Pending {
		if id != excludeID && p.Name == name {
			return true
		}
	}
	for id, a := range r.Archived {
		if id != excludeID && a.Name == name {
			return true
		}
	}
	return false
}

// IDTaken reports whether an id exists in any of the three drone namespaces.
func (r *Registry) IDTaken(id string) bool {
	if _, ok := r.Drones[id]; ok {
		return true
	}
	if _, ok := r.Pending[id]; ok {
		return true
	}
	_, ok := r.Archived[id]
	return ok
}

// Chat returns the chat of a live drone, or nil if either is missing.
func (r *Registry) Chat(droneID, chatName string) *Chat {
	d, ok := r.Drones[droneID]
	if !ok || d.Chats == nil {
		return nil
	}
	return d.Chats[chatName]
}
