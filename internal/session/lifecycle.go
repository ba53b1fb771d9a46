package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fbxstream/fbxstream/internal/fmp4"
	"github.com/fbxstream/fbxstream/internal/hlswatch"
	"github.com/fbxstream/fbxstream/internal/invoker"
	"github.com/fbxstream/fbxstream/internal/metrics"
	"github.com/fbxstream/fbxstream/internal/model"
	"github.com/fbxstream/fbxstream/internal/subscriber"
	"github.com/fbxstream/fbxstream/internal/xerrors"
)

// Start spawns the transcoder and its producer (Segmenter or Watcher),
// and blocks until the producer reports ready, the subprocess exits
// early, ctx is canceled, or StartupTimeout elapses.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("session: start called in state %s", st)
	}
	s.state = StateStarting
	s.startedAt = time.Now()
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	eg, egCtx := errgroup.WithContext(runCtx)
	s.eg = eg

	var hlsDir string
	if s.Key.Format == model.FormatHLS {
		hlsDir = filepath.Join(s.cfg.HLSBaseDir, sanitizeKey(s.Key.String()))
		if err := os.RemoveAll(hlsDir); err != nil && !os.IsNotExist(err) {
			cancel()
			s.transitionTerminated("spawn_failure")
			return fmt.Errorf("session: clean hls dir: %w", err)
		}
		if err := os.MkdirAll(hlsDir, 0o755); err != nil {
			cancel()
			s.transitionTerminated("spawn_failure")
			return fmt.Errorf("session: create hls dir: %w", err)
		}
		s.hlsDir = hlsDir
	}

	handle, err := invoker.Spawn(egCtx, s.Channel, s.Key.Format, s.cfg.Invoker, hlsDir)
	if err != nil {
		cancel()
		s.transitionTerminated("spawn_failure")
		return fmt.Errorf("%w: %v", xerrors.ErrTranscoderSpawnFailure, err)
	}
	s.handle = handle

	if cpu, err := metrics.StartPIDSampler(egCtx, s.Key.String(), handle.PID, 5*time.Second); err != nil {
		s.logger.Warn().Err(err).Msg("cpu sampler unavailable")
	} else {
		s.cpu = cpu
	}

	eg.Go(func() error { return s.drainStderr(egCtx) })
	eg.Go(func() error { return s.watchExit(egCtx) })
	if s.cfg.LogBandwidth {
		eg.Go(func() error { return s.logBandwidth(egCtx) })
	}

	ready := make(chan struct{})
	var readyClosed atomic.Bool
	closeReady := func() {
		if readyClosed.CompareAndSwap(false, true) {
			close(ready)
		}
	}

	switch s.Key.Format {
	case model.FormatFmp4:
		eg.Go(func() error { return s.runSegmenter(egCtx, closeReady) })
	case model.FormatHLS:
		watcher, err := hlswatch.New(hlsDir, s.logger)
		if err != nil {
			cancel()
			s.transitionTerminated("spawn_failure")
			return err
		}
		s.watcher = watcher
		eg.Go(func() error { return s.waitHLSReady(egCtx, closeReady) })
	}

	select {
	case <-ready:
	case <-ctx.Done():
		s.Shutdown("client_disconnect")
		return ctx.Err()
	case <-time.After(s.cfg.StartupTimeout):
		s.Shutdown("startup_timeout")
		return xerrors.ErrStartupTimeout
	case <-egCtx.Done():
		s.Shutdown("subprocess_exit")
		return fmt.Errorf("%w", xerrors.ErrTranscoderExited)
	}

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	metrics.SessionsTotal.WithLabelValues(string(s.Key.Format)).Inc()
	metrics.SessionsActive.Inc()
	s.logger.Info().
		Str("event", "session_start").
		Int("pid", handle.PID).
		Msg("session started")
	return nil
}

func (s *Session) runSegmenter(ctx context.Context, ready func()) error {
	seg := fmp4.NewSegmenter(s.handle.Stdout, fmp4.DetectKeyframe)
	err := seg.Run(ctx, func(init []byte) {
		s.mu.Lock()
		s.initSegment = init
		s.mu.Unlock()
		ready()
	}, s.onSegment)
	if err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("fmp4 segmenter failed")
		metrics.ParseErrors.WithLabelValues(s.Key.String()).Inc()
		go s.Shutdown("parse_error")
		return fmt.Errorf("%w: %v", xerrors.ErrProtocolParse, err)
	}
	return nil
}

func (s *Session) onSegment(mseg fmp4.Segment) error {
	s.mu.Lock()
	s.ring = append(s.ring, mseg)
	if len(s.ring) > s.cfg.RingSize {
		s.ring = s.ring[len(s.ring)-s.cfg.RingSize:]
	}
	subs := make([]*subscriber.Subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	arrived := s.segArrived
	s.segArrived = make(chan struct{})
	s.mu.Unlock()
	close(arrived)

	atomic.AddInt64(&s.bytesProduced, int64(len(mseg.Bytes)))
	metrics.SegmentsEmitted.WithLabelValues(s.Key.String()).Inc()

	for _, sub := range subs {
		sub.Enqueue(mseg)
	}
	return nil
}

func (s *Session) waitHLSReady(ctx context.Context, ready func()) error {
	if err := s.watcher.WaitForInit(ctx, s.cfg.StartupTimeout); err != nil {
		if ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("hls watcher failed to observe a ready playlist")
		}
		return err
	}
	ready()
	return nil
}

func (s *Session) drainStderr(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-s.handle.StderrLines:
			if !ok {
				return nil
			}
			s.logger.Debug().Str("stderr", line).Msg("transcoder output")
		}
	}
}

func (s *Session) watchExit(ctx context.Context) error {
	err := s.handle.Wait()
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == StateDraining || state == StateTerminated {
		return nil
	}
	s.logger.Warn().Err(err).Msg("transcoder exited unexpectedly")
	go s.Shutdown("subprocess_exit")
	return fmt.Errorf("%w: %v", xerrors.ErrTranscoderExited, err)
}

const bandwidthLogInterval = 5 * time.Second

// logBandwidth emits a periodic console line with bytes_produced since
// the last sample, when monitoring.console_log_bandwidth is enabled.
func (s *Session) logBandwidth(ctx context.Context) error {
	ticker := time.NewTicker(bandwidthLogInterval)
	defer ticker.Stop()
	var prev int64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			total := atomic.LoadInt64(&s.bytesProduced)
			delta := total - prev
			prev = total
			rate := float64(delta) / bandwidthLogInterval.Seconds()
			s.logger.Info().
				Float64("bytes_per_sec", rate).
				Int64("bytes_produced", total).
				Msg("bandwidth sample")
		}
	}
}

// AttachFmp4 registers a new fMP4 subscriber and atomically enqueues its
// late-join catch-up segments (ring contents from the newest keyframe
// onward) so no segment is delivered twice and none is missed. If the
// ring is empty it waits up to startupTimeout for the first one to
// arrive.
func (s *Session) AttachFmp4(ctx context.Context, startupTimeout time.Duration) ([]byte, *subscriber.Subscriber, error) {
	deadline := time.Now().Add(startupTimeout)
	for {
		s.mu.Lock()
		if s.state == StateDraining || s.state == StateTerminated {
			s.mu.Unlock()
			return nil, nil, xerrors.ErrSessionDraining
		}
		if len(s.ring) > 0 {
			sub := subscriber.New(s.Key)
			s.subscribers[sub.ID] = sub
			s.idleDeadline = time.Time{}
			init := s.initSegment
			from := newestKeyframeIndex(s.ring)
			catchup := append([]fmp4.Segment(nil), s.ring[from:]...)
			s.mu.Unlock()

			for _, seg := range catchup {
				sub.Enqueue(seg)
			}
			return init, sub, nil
		}
		arrived := s.segArrived
		s.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil, xerrors.ErrStartupTimeout
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil, ctx.Err()
		case <-timer.C:
			return nil, nil, xerrors.ErrStartupTimeout
		case <-arrived:
			timer.Stop()
		}
	}
}

// AttachHLS registers a passive HLS subscriber, used only for idle
// tracking and bandwidth accounting; segment delivery happens via direct
// file reads against SegmentPath. Returns ErrSessionDraining if the
// Session is tearing down; the Session is not reused by a late reconnect.
func (s *Session) AttachHLS() (*subscriber.Subscriber, error) {
	s.mu.Lock()
	if s.state == StateDraining || s.state == StateTerminated {
		s.mu.Unlock()
		return nil, xerrors.ErrSessionDraining
	}
	sub := subscriber.New(s.Key)
	s.hlsSubs[sub.ID] = sub
	s.idleDeadline = time.Time{}
	s.mu.Unlock()
	return sub, nil
}

// View returns the current HLS playlist and segment listing.
func (s *Session) View(ctx context.Context) (hlswatch.View, error) {
	s.mu.Lock()
	watcher := s.watcher
	s.mu.Unlock()
	if watcher == nil {
		return hlswatch.View{}, xerrors.ErrSessionNotFound
	}
	return watcher.Refresh(ctx, 200*time.Millisecond, s.cfg.StartupTimeout)
}

// SegmentPath resolves an HLS segment filename to its on-disk path.
func (s *Session) SegmentPath(name string) (string, bool) {
	s.mu.Lock()
	watcher := s.watcher
	s.mu.Unlock()
	if watcher == nil {
		return "", false
	}
	return watcher.SegmentPath(name)
}

// Detach removes a subscriber from the Session. When the last subscriber
// leaves, the Session becomes Idle and arms its idle deadline; the
// Registry's sweep (via Tick) will terminate it once IdleTimeout passes.
func (s *Session) Detach(sub *subscriber.Subscriber) {
	s.mu.Lock()
	delete(s.subscribers, sub.ID)
	delete(s.hlsSubs, sub.ID)
	if len(s.subscribers) == 0 && len(s.hlsSubs) == 0 && s.state == StateRunning {
		s.state = StateIdle
		s.idleDeadline = time.Now().Add(s.cfg.IdleTimeout)
	}
	s.mu.Unlock()
}

// Tick is called by the Registry's idle-sweep ticker. It first disconnects
// any subscriber that has gone quiet past QueueStall (spec §5's fourth
// mandatory timeout — a consumer that stopped reading without closing its
// connection, distinct from the producer-driven SlowConsumer overflow
// path), then tears the Session down if it has been Idle past its idle
// deadline.
func (s *Session) Tick(now time.Time) bool {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateRunning && state != StateIdle {
		return false
	}

	s.sweepStaleSubscribers(now)

	s.mu.Lock()
	if s.state != StateIdle || s.idleDeadline.IsZero() || now.Before(s.idleDeadline) {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()
	s.Shutdown("idle_timeout")
	return true
}

// sweepStaleSubscribers disconnects every subscriber whose LastActivity
// is older than QueueStall. If that empties both subscriber sets on a
// Running Session, it arms the idle deadline exactly as Detach does.
func (s *Session) sweepStaleSubscribers(now time.Time) {
	if s.cfg.QueueStall <= 0 {
		return
	}

	s.mu.Lock()
	var stale []*subscriber.Subscriber
	for id, sub := range s.subscribers {
		if now.Sub(sub.LastActivity()) > s.cfg.QueueStall {
			stale = append(stale, sub)
			delete(s.subscribers, id)
		}
	}
	for id, sub := range s.hlsSubs {
		if now.Sub(sub.LastActivity()) > s.cfg.QueueStall {
			stale = append(stale, sub)
			delete(s.hlsSubs, id)
		}
	}
	if len(stale) > 0 && len(s.subscribers) == 0 && len(s.hlsSubs) == 0 && s.state == StateRunning {
		s.state = StateIdle
		s.idleDeadline = now.Add(s.cfg.IdleTimeout)
	}
	s.mu.Unlock()

	for _, sub := range stale {
		sub.Close(xerrors.ErrSlowConsumer)
		metrics.SubscriberDrops.WithLabelValues(s.Key.String()).Inc()
		s.logger.Info().Str("subscriber_id", sub.ID).Msg("disconnected stalled subscriber")
	}
}

// Snapshot returns a point-in-time Info for metrics and registry listing.
func (s *Session) Snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	pid := 0
	if s.handle != nil {
		pid = s.handle.PID
	}
	var cpu float64
	if s.cpu != nil {
		if sample, ok := s.cpu.Last(); ok {
			cpu = sample.Percent
		}
	}
	return Info{
		Key:           s.Key,
		State:         s.state,
		StartedAt:     s.startedAt,
		BytesProduced: atomic.LoadInt64(&s.bytesProduced),
		Subscribers:   len(s.subscribers) + len(s.hlsSubs),
		PID:           pid,
		CPUPercent:    cpu,
	}
}

// Shutdown tears the Session down: disconnects subscribers, kills the
// subprocess, stops the CPU sampler, waits for background goroutines, and
// (for HLS) schedules directory removal. Safe to call more than once.
func (s *Session) Shutdown(reason string) {
	s.mu.Lock()
	if s.state == StateDraining || s.state == StateTerminated {
		s.mu.Unlock()
		return
	}
	wasRunning := s.state != StateStarting
	s.state = StateDraining
	subs := make([]*subscriber.Subscriber, 0, len(s.subscribers)+len(s.hlsSubs))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	for _, sub := range s.hlsSubs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Close(xerrors.ErrTranscoderExited)
	}

	if s.cancel != nil {
		s.cancel()
	}
	if s.handle != nil {
		if err := s.handle.Kill(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to terminate transcoder")
		}
	}
	if s.cpu != nil {
		s.cpu.Stop()
	}
	if s.eg != nil {
		_ = s.eg.Wait()
	}
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	if s.hlsDir != "" {
		go s.removeHLSDirAfterGrace()
	}

	s.mu.Lock()
	s.state = StateTerminated
	s.mu.Unlock()

	if wasRunning {
		metrics.SessionsActive.Dec()
	}
	metrics.SessionTerminations.WithLabelValues(reason).Inc()
	s.logger.Info().
		Str("event", "session_end").
		Str("reason", reason).
		Int64("bytes_produced", atomic.LoadInt64(&s.bytesProduced)).
		Msg("session ended")

	if s.onTerminated != nil {
		s.onTerminated(s.Key)
	}
}

func (s *Session) transitionTerminated(reason string) {
	s.mu.Lock()
	s.state = StateTerminated
	s.mu.Unlock()
	metrics.SessionTerminations.WithLabelValues(reason).Inc()
	if s.onTerminated != nil {
		s.onTerminated(s.Key)
	}
}

func (s *Session) removeHLSDirAfterGrace() {
	time.Sleep(hlsRemoveGrace)
	if err := os.RemoveAll(s.hlsDir); err != nil {
		s.logger.Warn().Err(err).Str("dir", s.hlsDir).Msg("failed to remove hls session directory")
	}
}

// newestKeyframeIndex returns the ring index a late-joining subscriber
// should start from: the most recent keyframe, or 0 if none is marked
// (callers still get the full ring, just without a guaranteed clean
// start).
func newestKeyframeIndex(ring []fmp4.Segment) int {
	for i := len(ring) - 1; i >= 0; i-- {
		if ring[i].IsKeyframe {
			return i
		}
	}
	return 0
}

// sanitizeKey turns a SessionKey's string form into a filesystem-safe
// directory component.
func sanitizeKey(key string) string {
	replacer := strings.NewReplacer("/", "_", ":", "_", "\\", "_", "..", "_")
	return replacer.Replace(key)
}
