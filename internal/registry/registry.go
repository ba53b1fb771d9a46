// Package registry implements the Session Registry (C6): the global
// mapping from (channel, format) to Session, the admission control
// enforcing max_parallel_streams, and the idle-sweep ticker that expires
// overdue Sessions. Grounded on the teacher's internal/proxy/session.go
// Registry (a sync.Map keyed lookup table) adapted to a single mutex
// covering both the map and the admission counter, per the concurrency
// discipline this spec requires.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fbxstream/fbxstream/internal/metrics"
	"github.com/fbxstream/fbxstream/internal/model"
	"github.com/fbxstream/fbxstream/internal/session"
	"github.com/fbxstream/fbxstream/internal/xerrors"
	"github.com/fbxstream/fbxstream/internal/xlog"
)

// Config bounds the Registry's admission control and idle sweep.
type Config struct {
	MaxParallelStreams int
	SweepInterval      time.Duration
	Session            session.Config
}

// Registry is the single cross-Session shared structure. One mutex
// covers the session map and the active-stream counter; each Session
// still protects its own internal state independently.
type Registry struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[model.SessionKey]*session.Session

	catalog CatalogLookup
}

// CatalogLookup resolves a channel id to its catalog entry; satisfied by
// the playlist ingest component (C1).
type CatalogLookup interface {
	Lookup(channelID string) (model.Channel, bool)
}

// New creates an empty Registry. Call Run to start its idle-sweep ticker.
func New(cfg Config, catalog CatalogLookup) *Registry {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	return &Registry{
		cfg:      cfg,
		logger:   xlog.WithComponent("registry"),
		sessions: make(map[model.SessionKey]*session.Session),
		catalog:  catalog,
	}
}

// GetOrCreate returns the existing Session for key, or creates and starts
// a new one if admission allows it. Returning an existing Session does not
// cancel a pending idle teardown: the idle deadline is cleared only when
// AttachFmp4/AttachHLS registers a subscriber, so an idle sweep that runs
// in between can still tear the Session down. The returned Session is
// always in or past Starting; callers still Attach to it even if it is
// concurrently being torn down. AttachFmp4/AttachHLS check the Session's
// state under its own lock and report ErrSessionDraining in that race
// rather than handing the caller a subscriber that will never be serviced.
func (r *Registry) GetOrCreate(ctx context.Context, key model.SessionKey) (*session.Session, error) {
	r.mu.Lock()
	if sess, ok := r.sessions[key]; ok {
		r.mu.Unlock()
		return sess, nil
	}

	if len(r.sessions) >= r.cfg.MaxParallelStreams {
		r.mu.Unlock()
		metrics.AdmissionDenied.Inc()
		return nil, xerrors.ErrAdmissionDenied
	}

	channel, ok := r.catalog.Lookup(key.ChannelID)
	if !ok {
		r.mu.Unlock()
		return nil, xerrors.ErrChannelUnknown
	}

	sess := session.New(key, channel, r.cfg.Session, r.remove)
	r.sessions[key] = sess
	r.mu.Unlock()

	if err := sess.Start(ctx); err != nil {
		r.remove(key)
		return nil, err
	}
	return sess, nil
}

// remove is the callback a Session invokes on reaching Terminated.
func (r *Registry) remove(key model.SessionKey) {
	r.mu.Lock()
	delete(r.sessions, key)
	r.mu.Unlock()
}

// Snapshot returns a point-in-time view of every tracked Session.
func (r *Registry) Snapshot() []session.Info {
	r.mu.Lock()
	sessions := make([]*session.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	infos := make([]session.Info, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Snapshot())
	}
	return infos
}

// Run drives the idle-sweep ticker until ctx is canceled: every
// SweepInterval it ticks every tracked Session, which self-terminates
// (and calls remove) if it has been Idle past its deadline.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.sweep(now)
		}
	}
}

func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	sessions := make([]*session.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	for _, sess := range sessions {
		if sess.Tick(now) {
			r.logger.Debug().Str("key", sess.Key.String()).Msg("idle session reaped")
		}
	}
}

// Shutdown tears down every tracked Session, used on process exit.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	sessions := make([]*session.Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.Shutdown("registry_shutdown")
	}
}
