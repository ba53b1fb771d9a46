package metrics

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// CPUSample is the CPU usage of a transcoder process observed at a point in time.
type CPUSample struct {
	Percent float64
	At      time.Time
}

// PIDSampler polls OS process statistics for a single transcoder pid on an
// interval and exposes the last observed percentage, both to callers
// (Session.Snapshot's CPUPercent) and as a Prometheus gauge.
type PIDSampler struct {
	sessionKey string
	pid        int32
	proc       *process.Process

	cancel context.CancelFunc
	done   chan struct{}

	sampleCh chan CPUSample
}

// StartPIDSampler begins sampling pid every interval until ctx is canceled
// or Stop is called. A first CPUPercent() call always reports 0 (gopsutil
// needs a baseline); the sampler discards that reading.
func StartPIDSampler(ctx context.Context, sessionKey string, pid int, interval time.Duration) (*PIDSampler, error) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}

	sctx, cancel := context.WithCancel(ctx)
	s := &PIDSampler{
		sessionKey: sessionKey,
		pid:        int32(pid),
		proc:       proc,
		cancel:     cancel,
		done:       make(chan struct{}),
		sampleCh:   make(chan CPUSample, 1),
	}

	go s.run(sctx, interval)
	return s, nil
}

func (s *PIDSampler) run(ctx context.Context, interval time.Duration) {
	defer close(s.done)
	defer SessionCPUPercent.DeleteLabelValues(s.sessionKey)

	// Baseline call: gopsutil measures CPU time deltas between calls.
	_, _ = s.proc.CPUPercent()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pct, err := s.proc.CPUPercent()
			if err != nil {
				continue
			}
			SessionCPUPercent.WithLabelValues(s.sessionKey).Set(pct)
			sample := CPUSample{Percent: pct, At: time.Now()}
			select {
			case s.sampleCh <- sample:
			default:
				// drain stale sample, keep latest
				select {
				case <-s.sampleCh:
				default:
				}
				s.sampleCh <- sample
			}
		}
	}
}

// Last returns the most recently observed sample, if any.
func (s *PIDSampler) Last() (CPUSample, bool) {
	select {
	case sample := <-s.sampleCh:
		// put it back so repeated reads see the same last value
		select {
		case s.sampleCh <- sample:
		default:
		}
		return sample, true
	default:
		return CPUSample{}, false
	}
}

// Stop halts sampling and blocks until the background goroutine exits.
func (s *PIDSampler) Stop() {
	s.cancel()
	<-s.done
}
