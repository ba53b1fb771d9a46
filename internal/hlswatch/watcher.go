// Package hlswatch implements the HLS Watcher (C4): it observes the
// per-session directory into which the transcoder writes stream.m3u8 and
// segment*.ts files and reads the current playlist text from disk on each
// Refresh call; it keeps no in-memory copy of the playlist between calls,
// and its filesystem notifications are only used by WaitForInit. Grounded on the teacher's fsnotify-based file waiting in
// internal/proxy/watcher.go (WaitForFile, ReadStableFile).
package hlswatch

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const playlistName = "stream.m3u8"

// View is the HLS Watcher's observation of a session directory at a point
// in time: the playlist text and the set of segment filenames it
// currently references.
type View struct {
	PlaylistText []byte
	Segments     []string
}

// Watcher tails a single session's HLS output directory.
type Watcher struct {
	dir    string
	logger zerolog.Logger

	watcher *fsnotify.Watcher
}

// New creates a Watcher over dir, which must already exist (Session
// creates it empty before spawning the transcoder).
func New(dir string, logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("hlswatch: new watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return nil, fmt.Errorf("hlswatch: watch directory %s: %w", dir, err)
	}
	return &Watcher{dir: dir, logger: logger, watcher: fsw}, nil
}

// Close stops watching the directory. It does not remove it; directory
// removal is the Session's responsibility after the teardown grace period.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// WaitForInit blocks until stream.m3u8 exists, is non-empty, and references
// at least one segment file, or ctx is canceled, or timeout elapses.
func (w *Watcher) WaitForInit(ctx context.Context, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	playlistPath := filepath.Join(w.dir, playlistName)

	if view, ok := w.tryRead(playlistPath); ok && hasSegmentEntry(view) {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("hlswatch: timeout waiting for %s", playlistName)
		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("hlswatch: watcher channel closed")
			}
			if filepath.Base(event.Name) != playlistName {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if view, ok := w.tryRead(playlistPath); ok && hasSegmentEntry(view) {
				return nil
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("hlswatch: watcher error channel closed")
			}
			w.logger.Warn().Err(err).Msg("fsnotify watcher error")
		}
	}
}

// Refresh reads the current playlist, waiting briefly for it to stabilize
// (no writes for stabilityWindow) so a reader never observes a half-written
// playlist mid-rewrite — the teacher's ReadStableFile debounce, applied to
// Safari's aggressive playlist reloading.
func (w *Watcher) Refresh(ctx context.Context, stabilityWindow, timeout time.Duration) (View, error) {
	playlistPath := filepath.Join(w.dir, playlistName)
	deadline := time.Now().Add(timeout)

	for {
		if time.Now().After(deadline) {
			return View{}, fmt.Errorf("hlswatch: timeout waiting for stable playlist")
		}

		b1, err := os.ReadFile(playlistPath) // #nosec G304 -- path is derived from a session-owned directory, not user input
		if err != nil {
			select {
			case <-ctx.Done():
				return View{}, ctx.Err()
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}
		info1, err := os.Stat(playlistPath)
		if err != nil {
			continue
		}

		select {
		case <-ctx.Done():
			return View{}, ctx.Err()
		case <-time.After(stabilityWindow):
		}

		b2, err := os.ReadFile(playlistPath) // #nosec G304
		if err != nil {
			continue
		}
		info2, err := os.Stat(playlistPath)
		if err != nil {
			continue
		}

		if info2.Size() == info1.Size() && info2.ModTime().Equal(info1.ModTime()) && bytes.Equal(b1, b2) {
			return View{PlaylistText: b2, Segments: segmentNames(b2)}, nil
		}
	}
}

// SegmentPath resolves a requested segment filename to its path on disk,
// rejecting anything that would escape the session directory.
func (w *Watcher) SegmentPath(name string) (string, bool) {
	clean := filepath.Base(name)
	if clean != name || clean == "." || clean == ".." {
		return "", false
	}
	return filepath.Join(w.dir, clean), true
}

func (w *Watcher) tryRead(playlistPath string) (View, bool) {
	b, err := os.ReadFile(playlistPath) // #nosec G304
	if err != nil || len(b) == 0 {
		return View{}, false
	}
	return View{PlaylistText: b, Segments: segmentNames(b)}, true
}

func hasSegmentEntry(v View) bool {
	return len(v.Segments) > 0
}
