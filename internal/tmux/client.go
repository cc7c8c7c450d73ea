// Package tmux invokes the terminal multiplexer as an opaque subprocess.
// Every call shells out to the tmux binary with a bounded timeout; the
// package never parses escape sequences or emulates a terminal.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors surfaced by the client. Callers distinguish a session
// that is gone (ErrSessionNotFound) from a capture that merely timed out
// (ErrTimeout); only the former means the session ended.
var (
	ErrSessionNotFound = errors.New("tmux: session not found")
	ErrTimeout         = errors.New("tmux: command timed out")
	ErrSendFailed      = errors.New("tmux: send-keys failed")
)

// SessionInfo describes one live multiplexer session.
type SessionInfo struct {
	Name         string
	LastActivity time.Time
}

// runner executes a tmux invocation and returns combined output. It is a
// seam for tests; production uses execRunner.
type runner func(ctx context.Context, args ...string) (string, error)

func execRunner(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	output, err := cmd.CombinedOutput()
	return string(output), err
}

// Client wraps the tmux binary. All methods are safe for concurrent use;
// each invocation is independent.
type Client struct {
	run     runner
	timeout time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithTimeout overrides the default per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithRunner replaces the subprocess runner. Used by tests.
func WithRunner(r func(ctx context.Context, args ...string) (string, error)) Option {
	return func(c *Client) { c.run = r }
}

// NewClient creates a tmux client with a 5s default per-call timeout.
func NewClient(opts ...Option) *Client {
	c := &Client{
		run:     execRunner,
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) exec(ctx context.Context, args ...string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	output, err := c.run(callCtx, args...)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%w: tmux %s", ErrTimeout, args[0])
		}
		if isNoSessionOutput(output) {
			return "", fmt.Errorf("%w: %s", ErrSessionNotFound, strings.TrimSpace(output))
		}
		return output, fmt.Errorf("tmux %s: %w (%s)", args[0], err, strings.TrimSpace(output))
	}
	return output, nil
}

// isNoSessionOutput recognizes the tmux error strings for a missing session.
func isNoSessionOutput(output string) bool {
	out := strings.ToLower(output)
	return strings.Contains(out, "can't find session") ||
		strings.Contains(out, "session not found") ||
		strings.Contains(out, "no server running")
}

// ListSessions returns the name and last-activity time of every session.
func (c *Client) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	output, err := c.exec(ctx, "list-sessions", "-F", "#{session_name}\t#{session_activity}")
	if err != nil {
		// No server means no sessions, not a failure.
		if errors.Is(err, ErrSessionNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var sessions []SessionInfo
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		info := SessionInfo{Name: parts[0]}
		if len(parts) == 2 {
			if epoch, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64); err == nil {
				info.LastActivity = time.Unix(epoch, 0)
			}
		}
		sessions = append(sessions, info)
	}
	return sessions, nil
}

// HasSession reports whether the named session exists.
func (c *Client) HasSession(ctx context.Context, name string) (bool, error) {
	_, err := c.exec(ctx, "has-session", "-t", name)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return false, nil
		}
		// has-session exits nonzero for a missing session without always
		// printing a recognizable message, but only when tmux itself ran.
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CapturePane reads the last `lines` visible rows of the named session's
// active pane.
func (c *Client) CapturePane(ctx context.Context, name string, lines int) (string, error) {
	output, err := c.exec(ctx, "capture-pane", "-t", name, "-p", "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return "", err
	}
	return output, nil
}

// SendKeys writes text to the session's input, optionally followed by Enter.
func (c *Client) SendKeys(ctx context.Context, name, text string, pressEnter bool) error {
	args := []string{"send-keys", "-t", name, text}
	if pressEnter {
		args = append(args, "Enter")
	}
	if _, err := c.exec(ctx, args...); err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrTimeout) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// KillSession terminates the named session.
func (c *Client) KillSession(ctx context.Context, name string) error {
	_, err := c.exec(ctx, "kill-session", "-t", name)
	return err
}
