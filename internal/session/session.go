// Package session implements the Session (C5): the per-channel state
// machine owning a transcoder subprocess and its fMP4 Segmenter or HLS
// Watcher, and the set of attached Subscribers. Grounded on the
// lifecycle/logging texture of the teacher's internal/proxy/transcoder.go
// (lifecycle events, stderr draining, defer-based cleanup) adapted to the
// Idle/Starting/Running/Draining/Terminated state machine this spec
// defines instead of the teacher's one-shot per-request transcode.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/fbxstream/fbxstream/internal/fmp4"
	"github.com/fbxstream/fbxstream/internal/hlswatch"
	"github.com/fbxstream/fbxstream/internal/invoker"
	"github.com/fbxstream/fbxstream/internal/metrics"
	"github.com/fbxstream/fbxstream/internal/model"
	"github.com/fbxstream/fbxstream/internal/subscriber"
	"github.com/fbxstream/fbxstream/internal/xerrors"
	"github.com/fbxstream/fbxstream/internal/xlog"
)

// hlsRemoveGrace is how long a Session waits after teardown before
// recursively removing its HLS directory, so in-flight segment reads
// started just before teardown can still complete.
const hlsRemoveGrace = 2 * time.Second

// Config holds the tunables a Session needs that don't come from the
// Channel or StreamFormat themselves.
type Config struct {
	Invoker        invoker.Config
	IdleTimeout    time.Duration
	StartupTimeout time.Duration
	RingSize       int
	HLSBaseDir     string
	LogBandwidth   bool

	// QueueStall is how long a subscriber may go without its activity
	// timestamp advancing (no segment consumed, no bandwidth recorded,
	// no HLS poll) before Tick disconnects it as a stalled consumer. Zero
	// disables the check.
	QueueStall time.Duration
}

// Info is a point-in-time snapshot of a Session, safe to read
// concurrently with the Session's own operation; used by the Registry
// and the Metrics View.
type Info struct {
	Key           model.SessionKey
	State         State
	StartedAt     time.Time
	BytesProduced int64
	Subscribers   int
	PID           int
	CPUPercent    float64
}

// Session is the per-(channel, format) state machine.
type Session struct {
	Key     model.SessionKey
	Channel model.Channel

	cfg          Config
	logger       zerolog.Logger
	onTerminated func(model.SessionKey)

	mu          sync.Mutex
	state       State
	subscribers map[string]*subscriber.Subscriber // fMP4 subscribers (queued)
	hlsSubs     map[string]*subscriber.Subscriber  // HLS subscribers (passive, for idle tracking)
	initSegment []byte
	ring        []fmp4.Segment
	idleDeadline time.Time
	segArrived  chan struct{}

	startedAt     time.Time
	bytesProduced int64 // atomic

	handle  *invoker.Handle
	hlsDir  string
	watcher *hlswatch.Watcher
	cpu     *metrics.PIDSampler

	cancel context.CancelFunc
	eg     *errgroup.Group
}

// New creates a Session in state Idle. It does not spawn anything; call
// Start to do that.
func New(key model.SessionKey, channel model.Channel, cfg Config, onTerminated func(model.SessionKey)) *Session {
	if cfg.RingSize <= 0 {
		cfg.RingSize = 4
	}
	return &Session{
		Key:     key,
		Channel: channel,
		cfg:     cfg,
		logger: xlog.WithComponent("session").With().
			Str("channel_id", channel.ID).
			Str("format", string(key.Format)).
			Logger(),
		onTerminated: onTerminated,
		state:        StateIdle,
		subscribers:  make(map[string]*subscriber.Subscriber),
		hlsSubs:      make(map[string]*subscriber.Subscriber),
		segArrived:   make(chan struct{}),
	}
}
