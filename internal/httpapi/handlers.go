package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fbxstream/fbxstream/internal/httpapi/problem"
	"github.com/fbxstream/fbxstream/internal/model"
	"github.com/fbxstream/fbxstream/internal/subscriber"
	"github.com/fbxstream/fbxstream/internal/xerrors"
	"github.com/fbxstream/fbxstream/internal/xlog"
)

type channelView struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Group string `json:"group,omitempty"`
	Logo  string `json:"logo,omitempty"`
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	channels := s.catalog.Snapshot()
	out := make([]channelView, 0, len(channels))
	for _, ch := range channels {
		out = append(out, channelView{ID: ch.ID, Name: ch.DisplayName, Group: ch.Group, Logo: ch.LogoURL})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Server) handleFmp4Stream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key := model.SessionKey{ChannelID: id, Format: model.FormatFmp4}
	logger := xlog.WithContext(r.Context(), xlog.WithComponent("httpapi"))

	sess, err := s.registry.GetOrCreate(r.Context(), key)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}

	init, sub, err := sess.AttachFmp4(r.Context(), s.cfg.StartupTimeout)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	defer sess.Detach(sub)

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if err := writeChunk(w, flusher, sub, init); err != nil {
		return
	}

	ctx := r.Context()
	for {
		seg, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				logger.Debug().Err(err).Msg("fmp4 subscriber disconnected")
			}
			return
		}
		if err := writeChunk(w, flusher, sub, seg.Bytes); err != nil {
			return
		}
	}
}

func writeChunk(w http.ResponseWriter, flusher http.Flusher, sub *subscriber.Subscriber, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	n, err := w.Write(b)
	if err != nil {
		return err
	}
	sub.RecordBytesSent(n)
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}

func (s *Server) handleHLSPlaylist(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	key := model.SessionKey{ChannelID: id, Format: model.FormatHLS}

	sess, err := s.registry.GetOrCreate(r.Context(), key)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	sub, err := sess.AttachHLS()
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	defer sess.Detach(sub)

	view, err := sess.View(r.Context())
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	sub.Touch()
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(view.PlaylistText)
}

func (s *Server) handleHLSSegment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	segment := chi.URLParam(r, "segment") + ".ts"
	key := model.SessionKey{ChannelID: id, Format: model.FormatHLS}

	sess, err := s.registry.GetOrCreate(r.Context(), key)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	sub, err := sess.AttachHLS()
	if err != nil {
		writeSessionError(w, r, err)
		return
	}
	defer sess.Detach(sub)

	path, ok := sess.SegmentPath(segment)
	if !ok {
		problem.Write(w, r, http.StatusNotFound, "stream/segment_not_found", "Segment Not Found", "unknown segment name", nil)
		return
	}
	sub.Touch()
	w.Header().Set("Content-Type", "video/mp2t")
	http.ServeFile(w, r, path)
}

func writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, xerrors.ErrChannelUnknown):
		problem.Write(w, r, http.StatusNotFound, "stream/channel_unknown", "Channel Unknown", err.Error(), nil)
	case errors.Is(err, xerrors.ErrAdmissionDenied):
		w.Header().Set("Retry-After", strconv.Itoa(1))
		problem.Write(w, r, http.StatusServiceUnavailable, "stream/admission_denied", "Stream Capacity Reached", err.Error(), nil)
	case errors.Is(err, xerrors.ErrStartupTimeout):
		problem.Write(w, r, http.StatusGatewayTimeout, "stream/startup_timeout", "Stream Startup Timed Out", err.Error(), nil)
	case errors.Is(err, xerrors.ErrSessionDraining):
		w.Header().Set("Retry-After", strconv.Itoa(1))
		problem.Write(w, r, http.StatusServiceUnavailable, "stream/session_draining", "Session Draining", err.Error(), nil)
	case errors.Is(err, xerrors.ErrTranscoderSpawnFailure), errors.Is(err, xerrors.ErrSessionNotFound):
		problem.Write(w, r, http.StatusInternalServerError, "stream/internal_error", "Internal Error", err.Error(), nil)
	case errors.Is(err, context.Canceled):
		// client disconnected before the response could be written; nothing to send.
	default:
		problem.Write(w, r, http.StatusInternalServerError, "stream/internal_error", "Internal Error", err.Error(), nil)
	}
}
