//go:build windows

package transcodeproc

import "os/exec"

func set(cmd *exec.Cmd) {
	// Process groups are not modeled the same way on Windows; best effort.
}

// kill maps both signal levels to Process.Kill since Windows has no SIGTERM.
func kill(cmd *exec.Cmd, escalate bool) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
