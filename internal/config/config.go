package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/yegors/streamcaptioner/internal/audio"
	"github.com/yegors/streamcaptioner/internal/feeds"
	"github.com/yegors/streamcaptioner/internal/outputs"
	"github.com/yegors/streamcaptioner/internal/transcription"
	"github.com/yegors/streamcaptioner/pkg/logger"
)

// Environment overrides
const (
	EnvDeepgramAPIKey = "DEEPGRAM_API_KEY"
	EnvOpenAIAPIKey   = "OPENAI_API_KEY"
	EnvLogLevel       = "STREAMCAPTIONER_LOG_LEVEL"
)

// Config represents the application configuration
type Config struct {
	CaptionHistoryMinutes int `toml:"caption_history_minutes"`
	HistorySize           int `toml:"history_size"`

	Logging       logger.Config           `toml:"logging"`
	Audio         AudioConfig             `toml:"audio"`
	Transcription transcription.Config    `toml:"transcription"`
	VMix          outputs.VMixConfig      `toml:"vmix"`
	Web           WebConfig               `toml:"web"`
	Storage       StorageConfig           `toml:"storage"`
	Recording     outputs.RecordingConfig `toml:"recording"`
	Feeds         []feeds.Definition      `toml:"feeds"`

	// Created is set when Load wrote a fresh default file
	Created bool `toml:"-"`
}

// AudioConfig selects the input device and the capture pipeline parameters
type AudioConfig struct {
	Device        string `toml:"device"`    // case-insensitive name substring; empty selects the default device
	DeviceID      int    `toml:"device_id"` // takes precedence over Device when >= 0
	WAVFile       string `toml:"wav_file"`  // replay a file instead of opening hardware
	WAVLoop       bool   `toml:"wav_loop"`
	SampleRate    int    `toml:"sample_rate"` // rate sent to the transcriber
	ChunkSize     int    `toml:"chunk_size"`
	QueueSize     int    `toml:"queue_size"`
	StopTimeoutMS int    `toml:"stop_timeout_ms"`
	Resampler     string `toml:"resampler"` // linear, sinc
}

// WebConfig configures the REST and WebSocket server
type WebConfig struct {
	Host                string   `toml:"host"`
	Port                int      `toml:"port"`
	StaticDir           string   `toml:"static_dir"`
	CORSAllowedOrigins  []string `toml:"cors_allowed_origins"`
	MaxConnections      int      `toml:"max_connections"` // 0 disables the limit
	ReplayMinutes       int      `toml:"replay_minutes"`
	PingIntervalSeconds int      `toml:"ping_interval_seconds"`
	OutputQueueSize     int      `toml:"output_queue_size"`
}

// StorageConfig configures the sqlite store for feed definitions
type StorageConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		CaptionHistoryMinutes: 10,
		HistorySize:           feeds.DefaultHistorySize,
		Logging: logger.Config{
			Level:  "info",
			Format: "console",
		},
		Audio: AudioConfig{
			DeviceID:      -1,
			SampleRate:    16000,
			ChunkSize:     4096,
			QueueSize:     32,
			StopTimeoutMS: 1000,
			Resampler:     audio.ResamplerLinear,
		},
		Transcription: transcription.DefaultConfig(),
		VMix: outputs.VMixConfig{
			Enabled:           true,
			Host:              "localhost",
			Port:              8088,
			TimeoutSeconds:    5,
			FileOutputEnabled: true,
			FileOutputDir:     "captions",
		},
		Web: WebConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			StaticDir:           "web",
			CORSAllowedOrigins:  []string{"*"},
			MaxConnections:      256,
			ReplayMinutes:       5,
			PingIntervalSeconds: 30,
			OutputQueueSize:     64,
		},
		Storage: StorageConfig{
			Enabled: true,
			Path:    "data/streamcaptioner.db",
		},
		Recording: outputs.RecordingConfig{
			Enabled: false,
			Dir:     "recordings",
		},
	}
}

// SampleFeeds are written to a fresh config file
func SampleFeeds() []feeds.Definition {
	return []feeds.Definition{
		{ID: "speaker1", Name: "Speaker 1", Channel: 0, RoutingKey: "Captions1", Enabled: true},
		{ID: "speaker2", Name: "Speaker 2", Channel: 1, RoutingKey: "Captions2", Enabled: true},
	}
}

// Load reads the config file, writing a default one when it does not exist. Secrets
// from .env and the environment override the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg.Feeds = SampleFeeds()
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
		cfg.Created = true
	} else if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	} else if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvDeepgramAPIKey); v != "" {
		c.Transcription.Deepgram.APIKey = v
	}
	if v := os.Getenv(EnvOpenAIAPIKey); v != "" {
		c.Transcription.OpenAI.APIKey = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
}

// Save writes the configuration as TOML
func Save(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	var errs []error

	if c.Logging.Level != "none" {
		if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("unsupported log format: %s", c.Logging.Format))
	}

	if c.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive"))
	}
	if c.Audio.ChunkSize <= 0 || c.Audio.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.chunk_size and audio.queue_size must be positive"))
	}
	switch c.Audio.Resampler {
	case audio.ResamplerLinear, audio.ResamplerSinc:
	default:
		errs = append(errs, fmt.Errorf("unknown resampler: %s", c.Audio.Resampler))
	}

	switch c.Transcription.Provider {
	case transcription.ProviderDeepgram, transcription.ProviderOpenAI:
	default:
		errs = append(errs, fmt.Errorf("unknown transcription provider: %s", c.Transcription.Provider))
	}

	if c.VMix.Enabled && !validPort(c.VMix.Port) {
		errs = append(errs, fmt.Errorf("vmix.port out of range: %d", c.VMix.Port))
	}
	if !validPort(c.Web.Port) {
		errs = append(errs, fmt.Errorf("web.port out of range: %d", c.Web.Port))
	}
	if c.Web.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("web.max_connections must not be negative"))
	}

	if c.HistorySize <= 0 {
		errs = append(errs, fmt.Errorf("history_size must be positive"))
	}
	if c.CaptionHistoryMinutes < 1 || c.CaptionHistoryMinutes > 60 {
		errs = append(errs, fmt.Errorf("caption_history_minutes must be between 1 and 60"))
	}

	seen := make(map[string]bool, len(c.Feeds))
	for _, def := range c.Feeds {
		if err := def.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[def.ID] {
			errs = append(errs, fmt.Errorf("duplicate feed id: %s", def.ID))
		}
		seen[def.ID] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

// Addr returns the web listen address
func (w WebConfig) Addr() string {
	return net.JoinHostPort(w.Host, strconv.Itoa(w.Port))
}

// StopTimeout returns the capture stop timeout
func (a AudioConfig) StopTimeout() time.Duration {
	return time.Duration(a.StopTimeoutMS) * time.Millisecond
}

// HistoryWindow returns the default window for history requests
func (c *Config) HistoryWindow() time.Duration {
	return time.Duration(c.CaptionHistoryMinutes) * time.Minute
}
