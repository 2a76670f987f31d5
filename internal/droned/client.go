// Package droned is the HTTP client for the in-container daemon. The daemon
// runs prompt jobs in tmux sessions and exposes terminal I/O; the hub talks
// to it over the drone's published host port with a bearer token.
package droned

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/dronehub/dronehub/internal/common/logger"
)

// Sentinel errors for daemon responses the hub reacts to specially.
var (
	// ErrDaemonOutdated is returned when the daemon answers 404 to a prompt
	// enqueue, signalling the hub must install a fresh daemon and retry.
	ErrDaemonOutdated = errors.New("daemon is out of date")
	// ErrUnauthorized is returned on 401; the hub re-reads the token from
	// the container and retries once.
	ErrUnauthorized = errors.New("daemon rejected token")
	// ErrJobNotFound is returned when prompt/get does not know the id.
	ErrJobNotFound = errors.New("job not found")
)

// JobState is the daemon-side lifecycle of a prompt job.
type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobFailed  JobState = "failed"
)

// Job is the daemon's record of a prompt run.
type Job struct {
	State      JobState   `json:"state"`
	Stdout     string     `json:"stdout"`
	Stderr     string     `json:"stderr"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// EnqueueRequest submits a prompt job to the daemon.
type EnqueueRequest struct {
	ID   string   `json:"id"`
	Kind string   `json:"kind"`
	Cmd  string   `json:"cmd"`
	Args []string `json:"args,omitempty"`
}

// TerminalChunk is a slice of terminal output with the next read offset.
type TerminalChunk struct {
	Text       string `json:"text"`
	NextOffset int64  `json:"nextOffset"`
}

// Client talks to one drone's daemon.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *logger.Logger
}

// New creates a client for the daemon published on hostPort.
func New(hostPort int, token string, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", hostPort),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  log.WithFields(zap.String("component", "droned-client"), zap.Int("host_port", hostPort)),
	}
}

// SetToken replaces the bearer token after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrDaemonOutdated
	case resp.StatusCode >= 400:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("daemon %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode daemon response: %w", err)
		}
	}
	return nil
}

// Status probes daemon readiness.
func (c *Client) Status(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/status", nil, nil)
}

// WaitReady polls Status every 250ms until the daemon answers or the
// deadline passes.
func (c *Client) WaitReady(ctx context.Context, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var lastErr error
	for {
		probe, probeCancel := context.WithTimeout(ctx, 2*time.Second)
		lastErr = c.Status(probe)
		probeCancel()
		if lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("daemon not ready after %s: %w", deadline, lastErr)
			}
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// PromptEnqueue submits a prompt job. A 404 response means the daemon
// predates the prompt API and surfaces as ErrDaemonOutdated.
func (c *Client) PromptEnqueue(ctx context.Context, req EnqueueRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/prompt/enqueue", req, nil)
}

// PromptGet fetches the job record for a prompt id.
func (c *Client) PromptGet(ctx context.Context, id string) (*Job, error) {
	var out struct {
		Job *Job `json:"job"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/prompt/get?id="+id, nil, &out)
	if err != nil {
		if errors.Is(err, ErrDaemonOutdated) {
			// prompt/get 404s both for outdated daemons and unknown ids;
			// callers treat either as a lookup failure.
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	if out.Job == nil {
		return nil, ErrJobNotFound
	}
	return out.Job, nil
}

// TerminalOutput reads terminal output synchronously from a byte offset.
func (c *Client) TerminalOutput(ctx context.Context, session string, since int64, maxBytes, tailLines int) (*TerminalChunk, error) {
	path := "/v1/terminal/output?session=" + session + "&since=" + strconv.FormatInt(since, 10)
	if maxBytes > 0 {
		path += "&max=" + strconv.Itoa(maxBytes)
	}
	if tailLines > 0 {
		path += "&tailLines=" + strconv.Itoa(tailLines)
	}
	var out TerminalChunk
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TerminalInput writes data to the session's stdin.
func (c *Client) TerminalInput(ctx context.Context, session, data string) error {
	body := map[string]string{"session": session, "data": data}
	return c.do(ctx, http.MethodPost, "/v1/terminal/input", body, nil)
}
