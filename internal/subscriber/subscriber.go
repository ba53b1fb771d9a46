// Package subscriber implements the Subscriber Fan-out (C7): per-client
// delivery of fMP4 segments with a bounded queue, a drop-oldest-
// non-keyframe-first overflow policy, and bandwidth accounting.
// Subscribers never hold an owning reference back to their Session —
// only their key — so a Session can be torn down and removed from the
// Registry without Subscriber needing to know.
package subscriber

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fbxstream/fbxstream/internal/fmp4"
	"github.com/fbxstream/fbxstream/internal/metrics"
	"github.com/fbxstream/fbxstream/internal/model"
	"github.com/fbxstream/fbxstream/internal/xerrors"
)

// QueueBound is the maximum number of buffered fMP4 segments per
// subscriber before the drop policy kicks in.
const QueueBound = 8

// Subscriber is one HTTP client attached to a Session. For fMP4 sessions
// it carries a segment queue; for HLS sessions (client pulls files
// directly) it only tracks activity and bandwidth, so Enqueue is unused.
type Subscriber struct {
	ID       string
	Key      model.SessionKey
	JoinedAt time.Time

	mu       sync.Mutex
	queue    []fmp4.Segment
	notify   chan struct{}
	closed   bool
	closeErr error
	done     chan struct{}

	bytesSent        int64
	lastActivityNano int64
	dropCount        int64
}

// New creates an attached Subscriber for the given session key.
func New(key model.SessionKey) *Subscriber {
	s := &Subscriber{
		ID:       uuid.NewString(),
		Key:      key,
		JoinedAt: time.Now(),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	atomic.StoreInt64(&s.lastActivityNano, s.JoinedAt.UnixNano())
	metrics.SubscribersActive.Inc()
	return s
}

// Enqueue appends seg to the subscriber's queue. On overflow it drops the
// oldest non-keyframe segments first; if the queue is still over budget
// (every buffered segment is a keyframe), the subscriber is disconnected
// with xerrors.ErrSlowConsumer.
func (s *Subscriber) Enqueue(seg fmp4.Segment) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, seg)
	s.dropNonKeyframesLocked()
	if len(s.queue) > QueueBound {
		s.queue = nil
		s.closeLocked(xerrors.ErrSlowConsumer)
		s.mu.Unlock()
		metrics.SubscriberDrops.WithLabelValues(s.Key.String()).Inc()
		return
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscriber) dropNonKeyframesLocked() {
	for len(s.queue) > QueueBound {
		idx := -1
		for i, seg := range s.queue {
			if !seg.IsKeyframe {
				idx = i
				break
			}
		}
		if idx == -1 {
			break
		}
		s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		atomic.AddInt64(&s.dropCount, 1)
	}
}

// Next blocks until a segment is available, the subscriber is closed, or
// ctx is canceled.
func (s *Subscriber) Next(ctx context.Context) (fmp4.Segment, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			seg := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			atomic.StoreInt64(&s.lastActivityNano, time.Now().UnixNano())
			return seg, nil
		}
		if s.closed {
			err := s.closeErr
			s.mu.Unlock()
			return fmp4.Segment{}, err
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return fmp4.Segment{}, ctx.Err()
		case <-s.notify:
		case <-s.done:
		}
	}
}

// Close disconnects the subscriber with err (io.EOF if nil). Safe to call
// more than once; only the first call has effect.
func (s *Subscriber) Close(err error) {
	s.mu.Lock()
	s.closeLocked(err)
	s.mu.Unlock()
	metrics.SubscribersActive.Dec()
}

func (s *Subscriber) closeLocked(err error) {
	if s.closed {
		return
	}
	if err == nil {
		err = io.EOF
	}
	s.closed = true
	s.closeErr = err
	close(s.done)
}

// RecordBytesSent accounts n bytes delivered to the client and refreshes
// the activity timestamp.
func (s *Subscriber) RecordBytesSent(n int) {
	atomic.AddInt64(&s.bytesSent, int64(n))
	atomic.StoreInt64(&s.lastActivityNano, time.Now().UnixNano())
	metrics.SubscriberBytesSent.WithLabelValues(s.Key.String()).Add(float64(n))
}

// Touch refreshes the activity timestamp without recording bytes; used by
// HLS subscribers, which deliver bytes via direct file reads outside this
// package.
func (s *Subscriber) Touch() {
	atomic.StoreInt64(&s.lastActivityNano, time.Now().UnixNano())
}

func (s *Subscriber) BytesSent() int64       { return atomic.LoadInt64(&s.bytesSent) }
func (s *Subscriber) DropCount() int64       { return atomic.LoadInt64(&s.dropCount) }
func (s *Subscriber) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&s.lastActivityNano))
}

// Done reports the channel that closes when the subscriber disconnects.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}
