// Package xerrors defines the design-level error kinds shared across
// fbxstream's session layer and mapped to HTTP status codes at the
// boundary (internal/httpapi), per the system's error handling design.
package xerrors

import "errors"

var (
	// ErrAdmissionDenied is returned when the parallel-stream cap is reached. Maps to 503.
	ErrAdmissionDenied = errors.New("admission denied: parallel stream cap reached")
	// ErrChannelUnknown is returned when a channel id is not present in the catalog. Maps to 404.
	ErrChannelUnknown = errors.New("channel unknown")
	// ErrTranscoderSpawnFailure is returned when the OS denied spawning the transcoder. Maps to 500.
	ErrTranscoderSpawnFailure = errors.New("transcoder spawn failed")
	// ErrTranscoderExited is returned when the transcoder subprocess died unexpectedly.
	ErrTranscoderExited = errors.New("transcoder exited unexpectedly")
	// ErrProtocolParse is returned when the fMP4 box parser cannot make progress. Session terminates.
	ErrProtocolParse = errors.New("protocol parse error")
	// ErrStartupTimeout is returned when no keyframe segment appeared within budget. Maps to 504.
	ErrStartupTimeout = errors.New("startup timeout waiting for keyframe")
	// ErrSlowConsumer is returned when a subscriber is disconnected for sustained queue overflow.
	ErrSlowConsumer = errors.New("slow consumer disconnected")
	// ErrUpstreamFetch is returned when a playlist fetch failed; the catalog keeps its prior snapshot.
	ErrUpstreamFetch = errors.New("upstream playlist fetch failed")
	// ErrSessionDraining is returned when a request reaches a Session that is tearing down.
	ErrSessionDraining = errors.New("session draining")
	// ErrSessionNotFound is returned when a Session has no active HLS watcher to view.
	ErrSessionNotFound = errors.New("session not found")
)
