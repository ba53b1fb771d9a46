// Package transcodeproc supervises the external transcoder subprocess: it
// spawns the process in its own process group and escalates from a polite
// termination signal to a forced kill across the whole group, so helper
// processes (e.g. a VAAPI child) never outlive the session.
package transcodeproc

import (
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/fbxstream/fbxstream/internal/metrics"
)

// ErrKillFailed is returned when neither SIGTERM nor SIGKILL reaped the
// process group within their respective deadlines.
var ErrKillFailed = errors.New("transcodeproc: kill operation failed")

// Set configures cmd to start as the leader of a new process group.
// Mandatory for Terminate to act as a group reaper rather than killing a
// single process and orphaning its children.
func Set(cmd *exec.Cmd) {
	set(cmd)
}

// Terminate sends a polite termination signal to the process group and
// waits up to grace for done to close (the caller's own reaper goroutine
// closes done once cmd.Wait() returns); if the process hasn't exited by
// then, it escalates to a forced kill and waits once more. It never calls
// cmd.Wait() itself, so it never races the caller's own reaper. It is safe
// to call on a nil or not-yet-started command.
func Terminate(cmd *exec.Cmd, done <-chan struct{}, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := kill(cmd, false); err != nil && !isBenignKillErr(err) {
		metrics.ProcTerminateTotal.WithLabelValues("term", "error").Inc()
	} else {
		metrics.ProcTerminateTotal.WithLabelValues("term", "sent").Inc()
	}

	select {
	case <-done:
		metrics.ProcWaitTotal.WithLabelValues("exit").Inc()
		return nil
	case <-time.After(grace):
	}

	if err := kill(cmd, true); err != nil && !isBenignKillErr(err) {
		metrics.ProcTerminateTotal.WithLabelValues("kill", "error").Inc()
	} else {
		metrics.ProcTerminateTotal.WithLabelValues("kill", "sent").Inc()
	}

	select {
	case <-done:
		metrics.ProcWaitTotal.WithLabelValues("forced_exit").Inc()
		return nil
	case <-time.After(grace):
		return ErrKillFailed
	}
}

func isBenignKillErr(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "process already finished") || strings.Contains(msg, "no such process")
}
