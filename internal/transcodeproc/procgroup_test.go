//go:build linux

package transcodeproc

import (
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTerminateReapsProcessWithinGrace(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	Set(cmd)
	require.NoError(t, cmd.Start())

	pid := cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	require.NoError(t, err)
	require.Equal(t, pid, pgid, "Set must make the process its own group leader")

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	err = Terminate(cmd, done, 500*time.Millisecond)
	assert.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("process was not reaped after Terminate")
	}

	assert.Equal(t, syscall.ESRCH, syscall.Kill(-pgid, syscall.Signal(0)), "process group should be gone")
}

func TestTerminateEscalatesWhenProcessIgnoresTerm(t *testing.T) {
	// A shell trap that swallows SIGTERM forces Terminate to escalate to SIGKILL.
	cmd := exec.Command("sh", "-c", "trap '' TERM; sleep 30")
	Set(cmd)
	require.NoError(t, cmd.Start())

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	start := time.Now()
	err := Terminate(cmd, done, 200*time.Millisecond)
	elapsed := time.Since(start)

	assert.NoError(t, err)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond, "escalation must wait out the grace period before SIGKILL")
}

func TestTerminateOnNilProcessIsNoOp(t *testing.T) {
	err := Terminate(nil, nil, time.Millisecond)
	assert.NoError(t, err)

	cmd := &exec.Cmd{}
	err = Terminate(cmd, nil, time.Millisecond)
	assert.NoError(t, err)
}

func TestTerminateKillsWholeProcessGroup(t *testing.T) {
	// A shell spawning a background child: Terminate must take the child
	// down with the parent, not just the shell itself.
	cmd := exec.Command("sh", "-c", "sleep 100 & sleep 100")
	Set(cmd)
	require.NoError(t, cmd.Start())

	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	err = Terminate(cmd, done, 100*time.Millisecond)
	assert.NoError(t, err)

	assert.Equal(t, syscall.ESRCH, syscall.Kill(-pgid, syscall.Signal(0)))
}

func TestTerminateReturnsErrKillFailedWhenProcessSurvivesBoth(t *testing.T) {
	// done never closes, simulating a reaper that never observes exit
	// (e.g. a zombie the test harness can't clean up); both grace windows
	// must elapse before giving up.
	cmd := exec.Command("sleep", "30")
	Set(cmd)
	require.NoError(t, cmd.Start())
	defer func() { _ = cmd.Process.Kill(); _ = cmd.Wait() }()

	never := make(chan struct{})
	err := Terminate(cmd, never, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrKillFailed)
}
