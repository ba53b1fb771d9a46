// Package config loads fbxstream's YAML configuration file, applies
// defaults, and validates the result, grounded on the teacher's
// internal/config.Loader (strict file parsing, defaults then validate;
// no environment-variable override) simplified to this system's much smaller surface:
// server, fritzbox, transcoding and monitoring sections.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fbxstream/fbxstream/internal/invoker"
)

// ServerConfig holds the HTTP listener and admission-control settings.
type ServerConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	MaxParallelStreams int    `yaml:"max_parallel_streams"`
}

// FritzboxConfig holds the upstream playlist sources.
type FritzboxConfig struct {
	PlaylistURLs []string `yaml:"playlist_urls"`
}

// TranscodingConfig holds the ffmpeg-equivalent invocation knobs.
type TranscodingConfig struct {
	Mode        string        `yaml:"mode"`      // "Smooth" | "LowLatency"
	Transport   string        `yaml:"transport"` // "udp" | "tcp"
	HwAccel     string        `yaml:"hw_accel"`  // "cpu" | "vaapi"
	Threads     string        `yaml:"threads"`   // integer string or "auto"
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// MonitoringConfig holds observability toggles.
type MonitoringConfig struct {
	ConsoleLogBandwidth bool `yaml:"console_log_bandwidth"`
}

// Config is the fully resolved, validated application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Fritzbox    FritzboxConfig    `yaml:"fritzbox"`
	Transcoding TranscodingConfig `yaml:"transcoding"`
	Monitoring  MonitoringConfig  `yaml:"monitoring"`

	// BinaryPath and HLSBaseDir are operational paths, not part of the
	// recognized YAML schema; their values come from setDefaults.
	BinaryPath string `yaml:"-"`
	HLSBaseDir string `yaml:"-"`
}

// Load reads path, applies defaults for anything left zero, and
// validates the result. Unknown YAML fields are rejected to catch
// misconfiguration early, matching the teacher's strict-parsing Loader.
func Load(path string) (Config, error) {
	var cfg Config
	setDefaults(&cfg)

	clean := filepath.Clean(path)
	f, err := os.Open(clean) // #nosec G304 -- operator-supplied config path, not user input
	if err != nil {
		return cfg, fmt.Errorf("config: open %s: %w", clean, err)
	}
	defer func() { _ = f.Close() }()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", clean, err)
	}

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func setDefaults(cfg *Config) {
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8080
	cfg.Server.MaxParallelStreams = 4
	cfg.Transcoding.Mode = "Smooth"
	cfg.Transcoding.Transport = "tcp"
	cfg.Transcoding.HwAccel = "cpu"
	cfg.Transcoding.Threads = "auto"
	cfg.Transcoding.IdleTimeout = 10 * time.Second
	cfg.BinaryPath = "ffmpeg"
	cfg.HLSBaseDir = "/var/lib/fbxstream/hls"
}

// Validate enforces the recognized-option constraints spec §6 lists.
func Validate(cfg Config) error {
	if cfg.Server.MaxParallelStreams < 1 {
		return fmt.Errorf("config: server.max_parallel_streams must be >= 1")
	}
	if len(cfg.Fritzbox.PlaylistURLs) == 0 {
		return fmt.Errorf("config: fritzbox.playlist_urls must not be empty")
	}
	switch cfg.Transcoding.Mode {
	case "Smooth", "LowLatency":
	default:
		return fmt.Errorf("config: transcoding.mode must be Smooth or LowLatency, got %q", cfg.Transcoding.Mode)
	}
	switch cfg.Transcoding.Transport {
	case "udp", "tcp":
	default:
		return fmt.Errorf("config: transcoding.transport must be udp or tcp, got %q", cfg.Transcoding.Transport)
	}
	switch cfg.Transcoding.HwAccel {
	case "cpu", "vaapi":
	default:
		return fmt.Errorf("config: transcoding.hw_accel must be cpu or vaapi, got %q", cfg.Transcoding.HwAccel)
	}
	if cfg.Transcoding.IdleTimeout <= 0 {
		return fmt.Errorf("config: transcoding.idle_timeout must be positive")
	}
	return nil
}

// InvokerConfig translates the validated transcoding section into the
// invoker's Config shape.
func (c Config) InvokerConfig() invoker.Config {
	threads := 0
	if c.Transcoding.Threads != "" && c.Transcoding.Threads != "auto" {
		_, _ = fmt.Sscanf(c.Transcoding.Threads, "%d", &threads)
	}
	mode := invoker.ModeSmooth
	if c.Transcoding.Mode == "LowLatency" {
		mode = invoker.ModeLowLatency
	}
	transport := invoker.TransportTCP
	if c.Transcoding.Transport == "udp" {
		transport = invoker.TransportUDP
	}
	hwAccel := invoker.HwAccelNone
	if c.Transcoding.HwAccel == "vaapi" {
		hwAccel = invoker.HwAccelVAAPI
	}
	return invoker.Config{
		BinaryPath: c.BinaryPath,
		Mode:       mode,
		Transport:  transport,
		HwAccel:    hwAccel,
		Threads:    threads,
	}
}
