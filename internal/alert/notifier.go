package alert

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zoid/zoid/internal/common/logger"
)

// notifyTimeout bounds one notifier subprocess invocation.
const notifyTimeout = 10 * time.Second

// Delivery modes. System hands the notification to the desktop
// notification service and does not wait for it; direct runs the
// subprocess synchronously and surfaces its error.
const (
	ModeSystem = "system"
	ModeDirect = "direct"
)

// notifyRunner executes the notification subprocess. Seam for tests.
type notifyRunner func(ctx context.Context, name string, args ...string) error

func execNotify(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w (%s)", name, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// Notifier forwards one alert at a time to the host notification sink
// through an opaque subprocess. No retries: a failed forward is logged
// by the caller and dropped.
type Notifier struct {
	run    notifyRunner
	logger *logger.Logger
}

// NotifierOption customizes a Notifier.
type NotifierOption func(*Notifier)

// WithNotifyRunner replaces the subprocess runner. Used by tests.
func WithNotifyRunner(r notifyRunner) NotifierOption {
	return func(n *Notifier) { n.run = r }
}

// NewNotifier creates a Notifier.
func NewNotifier(log *logger.Logger, opts ...NotifierOption) *Notifier {
	n := &Notifier{
		run:    execNotify,
		logger: log.WithFields(zap.String("component", "notifier")),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify delivers one notification. In system mode the subprocess runs
// in the background and errors are only logged; in direct mode the call
// blocks and the error propagates.
func (n *Notifier) Notify(ctx context.Context, mode, title, message string) error {
	name, args := notifyCommand(title, message)

	if mode == ModeDirect {
		callCtx, cancel := context.WithTimeout(ctx, notifyTimeout)
		defer cancel()
		return n.run(callCtx, name, args...)
	}

	go func() {
		callCtx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := n.run(callCtx, name, args...); err != nil {
			n.logger.Warn("notification delivery failed", zap.Error(err))
		}
	}()
	return nil
}

// notifyCommand picks the host notification command.
func notifyCommand(title, message string) (string, []string) {
	if runtime.GOOS == "darwin" {
		script := fmt.Sprintf("display notification %q with title %q", message, title)
		return "osascript", []string{"-e", script}
	}
	return "notify-send", []string{title, message}
}
