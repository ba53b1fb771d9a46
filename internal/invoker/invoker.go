// Package invoker implements the Transcoder Invoker (C2): it assembles a
// deterministic argument vector for the external transcoder binary from a
// (Channel, StreamFormat, TranscodeMode, Transport, HwAccel, Threads)
// tuple and supervises the resulting subprocess, grounded on the teacher's
// subprocess handling in internal/proxy/transcoder.go and the group-kill
// escalation in internal/transcodeproc (itself adapted from the teacher's
// internal/procgroup).
package invoker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"time"

	"github.com/fbxstream/fbxstream/internal/model"
	"github.com/fbxstream/fbxstream/internal/transcodeproc"
)

// TranscodeMode selects between buffer-safety and minimal-latency flag sets.
type TranscodeMode string

const (
	ModeSmooth     TranscodeMode = "smooth"
	ModeLowLatency TranscodeMode = "low_latency"
)

// Transport is the RTSP transport hint passed to the transcoder.
type Transport string

const (
	TransportUDP Transport = "udp"
	TransportTCP Transport = "tcp"
)

// HwAccel selects the hardware acceleration backend, if any.
type HwAccel string

const (
	HwAccelNone  HwAccel = "cpu"
	HwAccelVAAPI HwAccel = "vaapi"
)

// Config is the transcoding-related subset of the system configuration
// that the Invoker needs to build an argument vector.
type Config struct {
	BinaryPath string
	Mode       TranscodeMode
	Transport  Transport
	HwAccel    HwAccel
	Threads    int // 0 means "auto" (omit the flag)
}

const killGrace = 2 * time.Second

// Handle exposes a spawned transcoder subprocess to its Session.
type Handle struct {
	PID    int
	Stdout io.ReadCloser

	// StderrLines carries decoded stderr lines until the process exits or
	// Kill is called; the channel is closed when the reader goroutine ends.
	StderrLines <-chan string

	cmd     *exec.Cmd
	done    chan struct{}
	exitErr error
}

// Spawn builds the argument vector for (channel, format, cfg) and starts
// the transcoder with stdin closed and stdout/stderr piped.
func Spawn(ctx context.Context, channel model.Channel, format model.StreamFormat, cfg Config, hlsDir string) (*Handle, error) {
	args := BuildArgs(channel, format, cfg, hlsDir)

	cmd := exec.CommandContext(ctx, cfg.BinaryPath, args...)
	transcodeproc.Set(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("invoker: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("invoker: stderr pipe: %w", err)
	}
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("invoker: spawn: %w", err)
	}

	lines := make(chan string, 64)
	go scanStderr(stderr, lines)

	h := &Handle{
		PID:         cmd.Process.Pid,
		Stdout:      stdout,
		StderrLines: lines,
		cmd:         cmd,
		done:        make(chan struct{}),
	}
	go h.reap()
	return h, nil
}

func scanStderr(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	for scanner.Scan() {
		select {
		case out <- scanner.Text():
		default:
			// drop if nobody is reading stderr fast enough
		}
	}
}

func (h *Handle) reap() {
	h.exitErr = h.cmd.Wait()
	close(h.done)
}

// Wait blocks until the subprocess exits and returns its exit error, if any.
// Safe to call repeatedly and concurrently with Kill.
func (h *Handle) Wait() error {
	<-h.done
	return h.exitErr
}

// Kill sends a polite termination signal to the process group and escalates
// to a forced kill after the grace period. It never calls cmd.Wait itself,
// so it is safe to call concurrently with Wait.
func (h *Handle) Kill() error {
	return transcodeproc.Terminate(h.cmd, h.done, killGrace)
}

// BuildArgs assembles the transcoder argument vector deterministically: the
// same (channel, format, cfg) tuple always yields the same command line.
// Flag spellings follow an ffmpeg-compatible convention per the transcoder
// argument contract; the binary itself is an external collaborator.
func BuildArgs(channel model.Channel, format model.StreamFormat, cfg Config, hlsDir string) []string {
	args := []string{
		"-nostdin",
		"-fflags", "+genpts+discardcorrupt",
		"-rtsp_transport", string(transportOrDefault(cfg.Transport)),
		"-i", channel.UpstreamRTSPURL,
	}

	switch cfg.HwAccel {
	case HwAccelVAAPI:
		args = append(args, "-vaapi_device", "/dev/dri/renderD128", "-c:v", "h264_vaapi")
	default:
		args = append(args, "-c:v", "libx264", "-profile:v", "baseline")
	}
	args = append(args,
		"-g", "50", "-sc_threshold", "0", // closed GOP
		"-vsync", "cfr", // constant frame rate
		"-c:a", "aac", "-async", "1",
		"-avoid_negative_ts", "make_zero",
	)

	if cfg.Threads > 0 {
		args = append(args, "-threads", strconv.Itoa(cfg.Threads))
	}

	if cfg.Mode == ModeSmooth {
		args = append(args, "-max_muxing_queue_size", "1024", "-bufsize", "4M")
	}

	switch format {
	case model.FormatFmp4:
		args = append(args,
			"-f", "mp4",
			"-movflags", "empty_moov+default_base_moof+frag_every_frame",
			"pipe:1",
		)
	case model.FormatHLS:
		args = append(args,
			"-f", "hls",
			"-hls_time", "2",
			"-hls_list_size", "6",
			"-hls_flags", "delete_segments+append_list",
			"-hls_segment_filename", hlsDir+"/segment%05d.ts",
			hlsDir+"/stream.m3u8",
		)
	}
	return args
}

func transportOrDefault(t Transport) Transport {
	if t == "" {
		return TransportTCP
	}
	return t
}
