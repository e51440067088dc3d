package transcription

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/yegors/streamcaptioner/internal/audio"
	"github.com/yegors/streamcaptioner/pkg/logger"
)

// minFlushDuration is the shortest trailing segment worth sending on Stop
const minFlushDuration = 500 * time.Millisecond

// WhisperClient batches the stream into fixed segments and sends each one to the
// OpenAI transcription endpoint. Every segment yields at most one final transcript.
type WhisperClient struct {
	config     OpenAIConfig
	sampleRate int
	handler    Handler
	client     openai.Client
	logger     *logger.Logger

	mu        sync.Mutex
	running   bool
	segmenter *audio.Segmenter
	segments  chan []byte
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// wavUpload names the multipart file part so the API can infer the format
type wavUpload struct {
	*bytes.Reader
}

func (wavUpload) Filename() string    { return "segment.wav" }
func (wavUpload) ContentType() string { return "audio/wav" }

// NewWhisperClient creates a new Whisper client
func NewWhisperClient(cfg OpenAIConfig, sampleRate int, handler Handler, log *logger.Logger) *WhisperClient {
	defaults := DefaultConfig().OpenAI
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = defaults.SegmentSeconds
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = defaults.TimeoutSeconds
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaults.QueueSize
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(time.Duration(cfg.TimeoutSeconds) * time.Second),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &WhisperClient{
		config:     cfg,
		sampleRate: sampleRate,
		handler:    handler,
		client:     openai.NewClient(opts...),
		logger:     log.Named("whisper"),
	}
}

// Start starts the upload worker
func (c *WhisperClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.segmenter = audio.NewSegmenter(c.sampleRate, 1, time.Duration(c.config.SegmentSeconds)*time.Second)
	c.segments = make(chan []byte, c.config.QueueSize)
	c.running = true

	c.wg.Add(1)
	go c.run(workerCtx, c.segments)

	c.logger.Info("Whisper transcription started",
		logger.String("model", c.config.Model),
		logger.Int("segment_seconds", c.config.SegmentSeconds))
	return nil
}

// SendAudio buffers PCM and queues every completed segment
func (c *WhisperClient) SendAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return ErrNotConnected
	}
	for _, segment := range c.segmenter.Push(pcm) {
		c.enqueue(segment)
	}
	return nil
}

func (c *WhisperClient) enqueue(segment []byte) {
	select {
	case c.segments <- segment:
	default:
		c.logger.Warn("Dropping audio segment, transcription is behind",
			logger.Int("queue_size", c.config.QueueSize))
	}
}

func (c *WhisperClient) run(ctx context.Context, segments <-chan []byte) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case segment, ok := <-segments:
			if !ok {
				return
			}
			if err := c.transcribe(ctx, segment); err != nil {
				c.logger.Error("Segment transcription failed", logger.Error(err))
			}
		}
	}
}

func (c *WhisperClient) transcribe(ctx context.Context, segment []byte) error {
	if level := audio.RMS(segment); level < c.config.SilenceThreshold {
		c.logger.Debug("Skipping silent segment", logger.Float64("rms", level))
		return nil
	}

	params := openai.AudioTranscriptionNewParams{
		File:  wavUpload{bytes.NewReader(audio.EncodeWAV(segment, c.sampleRate, 1))},
		Model: openai.AudioModel(c.config.Model),
	}
	if c.config.Language != "" {
		params.Language = openai.String(c.config.Language)
	}
	if c.config.Prompt != "" {
		params.Prompt = openai.String(c.config.Prompt)
	}

	started := time.Now()
	resp, err := c.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return fmt.Errorf("openai transcription request: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	c.logger.Debug("Segment transcribed",
		logger.Duration("took", time.Since(started)),
		logger.Int("chars", len(text)))
	if text == "" {
		return nil
	}

	deliver(c.handler, Transcript{
		Text:      text,
		IsFinal:   true,
		Timestamp: time.Now(),
	}, c.logger)
	return nil
}

// Stop queues the trailing audio, lets the worker drain and waits for it.
// In-flight requests are cancelled if draining takes longer than the request timeout.
func (c *WhisperClient) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false

	if rest := c.segmenter.Flush(); c.segmenter.Duration(len(rest)) >= minFlushDuration {
		c.enqueue(rest)
	}
	close(c.segments)
	cancel := c.cancel
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Duration(c.config.TimeoutSeconds) * time.Second):
		c.logger.Warn("Whisper worker did not drain in time, cancelling")
	}
	cancel()
	<-done

	c.logger.Info("Whisper transcription stopped")
	return nil
}

// Connected reports whether the client accepts audio
func (c *WhisperClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
