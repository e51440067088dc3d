package transcription

import (
	"context"
	"errors"
	"fmt"

	"github.com/yegors/streamcaptioner/pkg/logger"
)

// ErrNotConnected is returned when audio is sent to a stopped transcriber
var ErrNotConnected = errors.New("transcriber not connected")

// Handler receives transcripts in provider order
type Handler interface {
	HandleTranscript(t Transcript)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(t Transcript)

// HandleTranscript calls f(t)
func (f HandlerFunc) HandleTranscript(t Transcript) {
	f(t)
}

// DisconnectHandler is an optional Handler extension. Streaming transcribers call it
// once when the provider connection drops outside of Stop; audio sent afterwards is
// discarded until the transcriber is restarted.
type DisconnectHandler interface {
	HandleDisconnect(err error)
}

// Transcriber turns a mono PCM16 stream into transcripts
type Transcriber interface {
	Start(ctx context.Context) error
	SendAudio(pcm []byte) error
	Stop() error
	Connected() bool
}

// Ensure the clients implement the interface
var (
	_ Transcriber = (*DeepgramClient)(nil)
	_ Transcriber = (*WhisperClient)(nil)
)

// New creates the transcriber for the configured provider
func New(cfg Config, sampleRate int, handler Handler, log *logger.Logger) (Transcriber, error) {
	switch cfg.Provider {
	case ProviderDeepgram, "":
		if cfg.Deepgram.APIKey == "" {
			return nil, errors.New("deepgram api key is not set")
		}
		return NewDeepgramClient(cfg.Deepgram, sampleRate, handler, log), nil
	case ProviderOpenAI:
		if cfg.OpenAI.APIKey == "" {
			return nil, errors.New("openai api key is not set")
		}
		return NewWhisperClient(cfg.OpenAI, sampleRate, handler, log), nil
	default:
		return nil, fmt.Errorf("unknown transcription provider: %s", cfg.Provider)
	}
}

// deliver calls the handler and keeps a panicking handler from killing the read loop
func deliver(handler Handler, t Transcript, log *logger.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Transcript handler panicked", logger.Any("panic", r))
		}
	}()
	handler.HandleTranscript(t)
}

func notifyDisconnect(handler Handler, err error, log *logger.Logger) {
	dh, ok := handler.(DisconnectHandler)
	if !ok {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("Disconnect handler panicked", logger.Any("panic", r))
		}
	}()
	dh.HandleDisconnect(err)
}
