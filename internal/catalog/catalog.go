// Package catalog implements the Playlist Catalog (C1): fetching and
// merging upstream M3U playlists into an ordered, stably-keyed channel
// list, grounded on the teacher's internal/m3u parser and internal/playlist
// writer (ManuGH-xg2g).
package catalog

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/fbxstream/fbxstream/internal/metrics"
	"github.com/fbxstream/fbxstream/internal/model"
	"github.com/fbxstream/fbxstream/internal/xerrors"
	"github.com/fbxstream/fbxstream/internal/xlog"
	"golang.org/x/time/rate"
)

// Catalog holds the current channel snapshot and knows how to refresh it
// from a configured set of upstream playlist URLs.
type Catalog struct {
	urls   []string
	client *http.Client
	limit  *rate.Limiter

	mu       sync.RWMutex
	channels []model.Channel
}

// New creates a Catalog for the given playlist URLs. The limiter's burst
// of 3 bounds how many refreshes can happen back-to-back before it starts
// pacing them, protecting a flaky upstream from being hammered by repeated
// on-demand refresh() calls.
func New(urls []string) *Catalog {
	return &Catalog{
		urls:   urls,
		client: &http.Client{Timeout: 10 * time.Second},
		limit:  rate.NewLimiter(rate.Every(time.Second), 3),
	}
}

// Snapshot returns the current ordered channel list. Safe for concurrent use.
func (c *Catalog) Snapshot() []model.Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.Channel, len(c.channels))
	copy(out, c.channels)
	return out
}

// Lookup returns the channel with the given id, or false if unknown.
func (c *Catalog) Lookup(id string) (model.Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ch := range c.channels {
		if ch.ID == id {
			return ch, true
		}
	}
	return model.Channel{}, false
}

// Refresh fetches every configured playlist URL and merges the results.
// Duplicate ids across playlists: first occurrence wins. A failing URL
// does not invalidate the others (best-effort merge); if the merge yields
// zero channels, the prior snapshot is retained untouched.
func (c *Catalog) Refresh(ctx context.Context) error {
	if err := c.limit.Wait(ctx); err != nil {
		return err
	}

	logger := xlog.WithComponent("catalog")
	seen := make(map[string]struct{})
	var merged []model.Channel
	var fetchErrs []error

	for _, url := range c.urls {
		body, err := c.fetch(ctx, url)
		if err != nil {
			logger.Warn().Err(err).Str("url", url).Msg("playlist fetch failed")
			metrics.PlaylistRefreshErrors.WithLabelValues(url).Inc()
			fetchErrs = append(fetchErrs, err)
			continue
		}

		for _, e := range parseM3U(string(body)) {
			id := stableID(e)
			if _, dup := seen[id]; dup {
				logger.Warn().Str("channel_id", id).Str("url", url).Msg("duplicate channel id, dropping")
				continue
			}
			seen[id] = struct{}{}
			merged = append(merged, model.Channel{
				ID:              id,
				DisplayName:     e.name,
				Group:           e.group,
				LogoURL:         e.logo,
				UpstreamRTSPURL: e.url,
			})
		}
	}

	if len(merged) == 0 {
		logger.Warn().Int("urls", len(c.urls)).Msg("refresh yielded zero channels, retaining prior snapshot")
		if len(fetchErrs) > 0 {
			return xerrors.ErrUpstreamFetch
		}
		return nil
	}

	c.mu.Lock()
	c.channels = merged
	c.mu.Unlock()
	metrics.PlaylistChannels.Set(float64(len(merged)))
	return nil
}

func (c *Catalog) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Join(xerrors.ErrUpstreamFetch, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Join(xerrors.ErrUpstreamFetch, errStatus(resp.StatusCode))
	}
	return io.ReadAll(resp.Body)
}

type errStatus int

func (e errStatus) Error() string {
	return "unexpected status " + http.StatusText(int(e))
}

// stableID derives the channel's stable identifier from the playlist's
// tvg-id when present, otherwise from a hash of the upstream URL, so
// client URLs keep working across catalog refreshes and process restarts.
func stableID(e entry) string {
	if e.tvgID != "" {
		return e.tvgID
	}
	sum := sha1.Sum([]byte(e.url)) //nolint:gosec // identifier derivation, not a security boundary
	return hex.EncodeToString(sum[:])[:16]
}
