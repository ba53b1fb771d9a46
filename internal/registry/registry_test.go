package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fbxstream/fbxstream/internal/invoker"
	"github.com/fbxstream/fbxstream/internal/model"
	"github.com/fbxstream/fbxstream/internal/session"
	"github.com/fbxstream/fbxstream/internal/xerrors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeCatalog struct {
	channels map[string]model.Channel
	lookups  int
}

func (c *fakeCatalog) Lookup(channelID string) (model.Channel, bool) {
	c.lookups++
	ch, ok := c.channels[channelID]
	return ch, ok
}

func newTestRegistry(maxParallel int, cat CatalogLookup) *Registry {
	return New(Config{
		MaxParallelStreams: maxParallel,
		SweepInterval:      10 * time.Millisecond,
		Session: session.Config{
			Invoker:        invoker.Config{BinaryPath: "/nonexistent/fbxstream-test-binary-xyz"},
			StartupTimeout: 200 * time.Millisecond,
			IdleTimeout:    50 * time.Millisecond,
			RingSize:       2,
		},
	}, cat)
}

func TestGetOrCreateReturnsChannelUnknown(t *testing.T) {
	cat := &fakeCatalog{channels: map[string]model.Channel{}}
	r := newTestRegistry(10, cat)

	_, err := r.GetOrCreate(context.Background(), model.SessionKey{ChannelID: "missing", Format: model.FormatFmp4})
	assert.ErrorIs(t, err, xerrors.ErrChannelUnknown)
}

func TestGetOrCreateDeniesAdmissionAtCap(t *testing.T) {
	cat := &fakeCatalog{channels: map[string]model.Channel{
		"bbc-one": {ID: "bbc-one"},
		"bbc-two": {ID: "bbc-two"},
	}}
	r := newTestRegistry(1, cat)

	existingKey := model.SessionKey{ChannelID: "bbc-one", Format: model.FormatFmp4}
	r.mu.Lock()
	r.sessions[existingKey] = session.New(existingKey, cat.channels["bbc-one"], r.cfg.Session, r.remove)
	r.mu.Unlock()

	_, err := r.GetOrCreate(context.Background(), model.SessionKey{ChannelID: "bbc-two", Format: model.FormatFmp4})
	assert.Error(t, err)
	assert.Equal(t, 0, cat.lookups, "admission check must happen before catalog lookup")
}

func TestGetOrCreateReturnsExistingSessionWithoutNewAdmissionCheck(t *testing.T) {
	cat := &fakeCatalog{channels: map[string]model.Channel{"bbc-one": {ID: "bbc-one"}}}
	r := newTestRegistry(1, cat)

	key := model.SessionKey{ChannelID: "bbc-one", Format: model.FormatFmp4}
	existing := session.New(key, cat.channels["bbc-one"], r.cfg.Session, r.remove)
	r.mu.Lock()
	r.sessions[key] = existing
	r.mu.Unlock()

	got, err := r.GetOrCreate(context.Background(), key)
	require.NoError(t, err)
	assert.Same(t, existing, got)
	assert.Equal(t, 0, cat.lookups)
}

func TestGetOrCreateSpawnFailureRemovesSession(t *testing.T) {
	cat := &fakeCatalog{channels: map[string]model.Channel{"bbc-one": {ID: "bbc-one", UpstreamRTSPURL: "rtsp://example.invalid/bbc-one"}}}
	r := newTestRegistry(10, cat)

	key := model.SessionKey{ChannelID: "bbc-one", Format: model.FormatFmp4}
	_, err := r.GetOrCreate(context.Background(), key)
	assert.Error(t, err)

	r.mu.Lock()
	_, stillTracked := r.sessions[key]
	r.mu.Unlock()
	assert.False(t, stillTracked, "a session that failed to start must not remain in the registry")
}

func TestSnapshotReturnsInfoForEveryTrackedSession(t *testing.T) {
	cat := &fakeCatalog{channels: map[string]model.Channel{
		"bbc-one": {ID: "bbc-one"},
		"bbc-two": {ID: "bbc-two"},
	}}
	r := newTestRegistry(10, cat)

	for _, id := range []string{"bbc-one", "bbc-two"} {
		key := model.SessionKey{ChannelID: id, Format: model.FormatFmp4}
		r.mu.Lock()
		r.sessions[key] = session.New(key, cat.channels[id], r.cfg.Session, r.remove)
		r.mu.Unlock()
	}

	infos := r.Snapshot()
	assert.Len(t, infos, 2)
}

func TestShutdownTerminatesEveryTrackedSession(t *testing.T) {
	cat := &fakeCatalog{channels: map[string]model.Channel{"bbc-one": {ID: "bbc-one"}}}
	r := newTestRegistry(10, cat)

	key := model.SessionKey{ChannelID: "bbc-one", Format: model.FormatFmp4}
	r.mu.Lock()
	r.sessions[key] = session.New(key, cat.channels["bbc-one"], r.cfg.Session, r.remove)
	r.mu.Unlock()

	r.mu.Lock()
	sess := r.sessions[key]
	r.mu.Unlock()

	r.Shutdown()

	// Shutdown terminates every tracked Session; each Session's own
	// onTerminated callback (Registry.remove) then drops it from the map,
	// so the registry itself ends up empty.
	assert.Empty(t, r.Snapshot())
	assert.Equal(t, session.StateTerminated, sess.Snapshot().State)
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	cat := &fakeCatalog{channels: map[string]model.Channel{}}
	r := newTestRegistry(10, cat)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
