package httpapi

import (
	"context"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fbxstream/fbxstream/internal/xerrors"
)

func TestWriteSessionErrorMapsToExpectedStatus(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
		wantRetry  bool
	}{
		{"channel unknown", xerrors.ErrChannelUnknown, 404, false},
		{"admission denied", xerrors.ErrAdmissionDenied, 503, true},
		{"startup timeout", xerrors.ErrStartupTimeout, 504, false},
		{"session draining", xerrors.ErrSessionDraining, 503, true},
		{"spawn failure", xerrors.ErrTranscoderSpawnFailure, 500, false},
		{"session not found", xerrors.ErrSessionNotFound, 500, false},
		{"wrapped channel unknown", fmt.Errorf("lookup: %w", xerrors.ErrChannelUnknown), 404, false},
		{"unrecognized error", fmt.Errorf("boom"), 500, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/stream/bbc-one.mp4", nil)
			rec := httptest.NewRecorder()

			writeSessionError(rec, req, tc.err)

			assert.Equal(t, tc.wantStatus, rec.Code)
			if tc.wantRetry {
				assert.NotEmpty(t, rec.Header().Get("Retry-After"))
			} else {
				assert.Empty(t, rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestWriteSessionErrorOnClientDisconnectWritesNothing(t *testing.T) {
	req := httptest.NewRequest("GET", "/stream/bbc-one.mp4", nil)
	rec := httptest.NewRecorder()

	writeSessionError(rec, req, context.Canceled)

	assert.Equal(t, 200, rec.Code, "no explicit WriteHeader call should have happened")
	assert.Empty(t, rec.Body.String())
}
