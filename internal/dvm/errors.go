package dvm

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel error classes derived from dvm output. The gateway maps these to
// HTTP statuses (missing container → 404, the rest → 409).
var (
	ErrMissingContainer = errors.New("container not found")
	ErrNotRunning       = errors.New("container not running")
	ErrAlreadyRunning   = errors.New("container already running")
	ErrRepoUnavailable  = errors.New("repo unavailable")
	ErrAlreadyExists    = errors.New("container already exists")
)

// CommandError carries the exit code and captured output of a failed dvm
// invocation alongside its classification.
type CommandError struct {
	Class  error
	Code   int
	Stderr string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = fmt.Sprintf("dvm exited with code %d", e.Code)
	}
	if e.Class != nil {
		return fmt.Sprintf("%s: %s", e.Class.Error(), msg)
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Class
}

// classify inspects dvm output and assigns an error class by message
// pattern.
func classify(stderr string) error {
	msg := strings.ToLower(stderr)
	switch {
	case strings.Contains(msg, "no such container"),
		strings.Contains(msg, "not found"),
		strings.Contains(msg, "does not exist"):
		return ErrMissingContainer
	case strings.Contains(msg, "already exists"):
		return ErrAlreadyExists
	case strings.Contains(msg, "already running"):
		return ErrAlreadyRunning
	case strings.Contains(msg, "is not running"),
		strings.Contains(msg, "not running"):
		return ErrNotRunning
	case strings.Contains(msg, "not a git repository"),
		strings.Contains(msg, "cannot change to"),
		strings.Contains(msg, "refusing to create empty bundle"):
		return ErrRepoUnavailable
	default:
		return nil
	}
}
