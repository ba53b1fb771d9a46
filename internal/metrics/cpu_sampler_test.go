package metrics

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartPIDSamplerProducesSamplesForOwnProcess(t *testing.T) {
	sampler, err := StartPIDSampler(context.Background(), "test-session", os.Getpid(), 20*time.Millisecond)
	require.NoError(t, err)
	defer sampler.Stop()

	require.Eventually(t, func() bool {
		_, ok := sampler.Last()
		return ok
	}, 2*time.Second, 10*time.Millisecond, "expected at least one CPU sample to be recorded")
}

func TestLastReturnsFalseBeforeFirstSample(t *testing.T) {
	sampler, err := StartPIDSampler(context.Background(), "test-session-unsampled", os.Getpid(), time.Hour)
	require.NoError(t, err)
	defer sampler.Stop()

	_, ok := sampler.Last()
	assert.False(t, ok)
}

func TestStopHaltsSamplingAndReturns(t *testing.T) {
	sampler, err := StartPIDSampler(context.Background(), "test-session-stop", os.Getpid(), 10*time.Millisecond)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		sampler.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestStartPIDSamplerRejectsNonexistentPID(t *testing.T) {
	_, err := StartPIDSampler(context.Background(), "test-session-bad-pid", 1<<30, time.Second)
	assert.Error(t, err)
}
