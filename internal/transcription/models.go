package transcription

import (
	"time"
)

// Word is a single recognized word with timing relative to the stream start
type Word struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Transcript is one recognition result from a provider
type Transcript struct {
	Text       string    `json:"text"`
	IsFinal    bool      `json:"is_final"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
	Words      []Word    `json:"words,omitempty"`
}

// Config selects and configures the transcription provider
type Config struct {
	Provider string         `toml:"provider"` // deepgram, openai
	Deepgram DeepgramConfig `toml:"deepgram"`
	OpenAI   OpenAIConfig   `toml:"openai"`
}

// DeepgramConfig configures the streaming Deepgram client
type DeepgramConfig struct {
	APIKey                string `toml:"api_key"`
	URL                   string `toml:"url"`
	Model                 string `toml:"model"`
	Language              string `toml:"language"`
	SmartFormat           bool   `toml:"smart_format"`
	InterimResults        bool   `toml:"interim_results"`
	Punctuate             bool   `toml:"punctuate"`
	ProfanityFilter       bool   `toml:"profanity_filter"`
	KeepAliveSeconds      int    `toml:"keepalive_seconds"`
	ConnectTimeoutSeconds int    `toml:"connect_timeout_seconds"`
}

// OpenAIConfig configures the segment based Whisper client
type OpenAIConfig struct {
	APIKey           string  `toml:"api_key"`
	BaseURL          string  `toml:"base_url"`
	Model            string  `toml:"model"`
	Language         string  `toml:"language"`
	Prompt           string  `toml:"prompt"`
	SegmentSeconds   int     `toml:"segment_seconds"`
	SilenceThreshold float64 `toml:"silence_threshold"` // RMS below which a segment is not sent
	TimeoutSeconds   int     `toml:"timeout_seconds"`
	QueueSize        int     `toml:"queue_size"`
}

// Provider names
const (
	ProviderDeepgram = "deepgram"
	ProviderOpenAI   = "openai"
)

// DefaultConfig returns the provider defaults
func DefaultConfig() Config {
	return Config{
		Provider: ProviderDeepgram,
		Deepgram: DeepgramConfig{
			URL:                   "wss://api.deepgram.com/v1/listen",
			Model:                 "nova-2",
			Language:              "en-US",
			SmartFormat:           true,
			InterimResults:        true,
			Punctuate:             true,
			ProfanityFilter:       true,
			KeepAliveSeconds:      5,
			ConnectTimeoutSeconds: 10,
		},
		OpenAI: OpenAIConfig{
			Model:            "whisper-1",
			Language:         "en",
			SegmentSeconds:   5,
			SilenceThreshold: 0.01,
			TimeoutSeconds:   30,
			QueueSize:        8,
		},
	}
}
