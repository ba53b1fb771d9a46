// Package metrics exposes the Prometheus text-exposition metrics that back
// the Metrics View (bandwidth counters, per-session CPU samples, admission
// outcomes) over the same data the session layer already tracks.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive is the current number of sessions in the Registry.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fbxstream_sessions_active",
		Help: "Number of sessions currently tracked by the registry.",
	})

	// SessionsTotal counts sessions created, labeled by stream format.
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fbxstream_sessions_total",
		Help: "Total sessions created, by format.",
	}, []string{"format"})

	// SessionTerminations counts session teardowns, labeled by reason.
	SessionTerminations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fbxstream_session_terminations_total",
		Help: "Total session teardowns, by reason (e.g. idle_timeout, subprocess_exit, parse_error).",
	}, []string{"reason"})

	// AdmissionDenied counts rejected session creations.
	AdmissionDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fbxstream_admission_denied_total",
		Help: "Total session creation requests rejected due to the parallelism cap.",
	})

	// SubscribersActive is the current number of attached subscribers.
	SubscribersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fbxstream_subscribers_active",
		Help: "Number of subscribers currently attached across all sessions.",
	})

	// SubscriberBytesSent counts bytes delivered to subscribers, by session key.
	SubscriberBytesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fbxstream_subscriber_bytes_sent_total",
		Help: "Total bytes sent to subscribers, by session key.",
	}, []string{"session_key"})

	// SubscriberDrops counts subscribers disconnected as slow consumers.
	SubscriberDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fbxstream_subscriber_drops_total",
		Help: "Total subscribers disconnected for sustained queue overflow.",
	}, []string{"session_key"})

	// SessionCPUPercent is the last sampled CPU percentage for a session's transcoder pid.
	SessionCPUPercent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fbxstream_session_cpu_percent",
		Help: "Last sampled CPU percentage of the transcoder process for a session.",
	}, []string{"session_key"})

	// SegmentsEmitted counts fMP4 media segments produced, by session key.
	SegmentsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fbxstream_fmp4_segments_emitted_total",
		Help: "Total fMP4 media segments emitted by the segmenter, by session key.",
	}, []string{"session_key"})

	// ParseErrors counts fMP4 box parse failures.
	ParseErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fbxstream_fmp4_parse_errors_total",
		Help: "Total fMP4 box parse errors, by session key.",
	}, []string{"session_key"})

	// PlaylistChannels is the number of channels in the current catalog snapshot.
	PlaylistChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fbxstream_playlist_channels",
		Help: "Number of channels in the current catalog snapshot.",
	})

	// PlaylistRefreshErrors counts failed upstream playlist fetches.
	PlaylistRefreshErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fbxstream_playlist_refresh_errors_total",
		Help: "Total upstream playlist fetch failures, by URL.",
	}, []string{"url"})

	// ProcTerminateTotal counts process-group termination signals sent.
	ProcTerminateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fbxstream_proc_terminate_total",
		Help: "Total termination signals sent to transcoder process groups.",
	}, []string{"signal", "outcome"})

	// ProcWaitTotal counts how a transcoder process's wait() resolved.
	ProcWaitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fbxstream_proc_wait_total",
		Help: "Total transcoder process exits, by outcome.",
	}, []string{"outcome"})
)
