package transcription

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yegors/streamcaptioner/pkg/logger"
)

const (
	deepgramWriteTimeout = 10 * time.Second
	deepgramCloseTimeout = 2 * time.Second
)

// DeepgramClient streams audio to Deepgram's live API over a websocket
type DeepgramClient struct {
	config     DeepgramConfig
	sampleRate int
	handler    Handler
	logger     *logger.Logger

	mu        sync.Mutex // serializes writes and lifecycle
	conn      *websocket.Conn
	cancel    context.CancelFunc
	readDone  chan struct{}
	wg        sync.WaitGroup
	connected atomic.Bool
	stopping  atomic.Bool
	lost      atomic.Bool // dropped by the server; audio is discarded
}

// deepgramMessage is the subset of a live response we use
type deepgramMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []Word  `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description"`
}

// NewDeepgramClient creates a new Deepgram client. Start must be called before sending audio.
func NewDeepgramClient(cfg DeepgramConfig, sampleRate int, handler Handler, log *logger.Logger) *DeepgramClient {
	defaults := DefaultConfig().Deepgram
	if cfg.URL == "" {
		cfg.URL = defaults.URL
	}
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.Language == "" {
		cfg.Language = defaults.Language
	}
	if cfg.KeepAliveSeconds <= 0 {
		cfg.KeepAliveSeconds = defaults.KeepAliveSeconds
	}
	if cfg.ConnectTimeoutSeconds <= 0 {
		cfg.ConnectTimeoutSeconds = defaults.ConnectTimeoutSeconds
	}

	return &DeepgramClient{
		config:     cfg,
		sampleRate: sampleRate,
		handler:    handler,
		logger:     log.Named("deepgram"),
	}
}

// ListenURL builds the live endpoint URL with the stream options
func (c *DeepgramClient) ListenURL() (string, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", fmt.Errorf("invalid deepgram url: %w", err)
	}

	q := u.Query()
	q.Set("model", c.config.Model)
	q.Set("language", c.config.Language)
	q.Set("smart_format", strconv.FormatBool(c.config.SmartFormat))
	q.Set("interim_results", strconv.FormatBool(c.config.InterimResults))
	q.Set("punctuate", strconv.FormatBool(c.config.Punctuate))
	q.Set("profanity_filter", strconv.FormatBool(c.config.ProfanityFilter))
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(c.sampleRate))
	q.Set("channels", "1")
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// Start opens the websocket and starts the read and keepalive loops
func (c *DeepgramClient) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	wsURL, err := c.ListenURL()
	if err != nil {
		return err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+c.config.APIKey)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: time.Duration(c.config.ConnectTimeoutSeconds) * time.Second,
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, time.Duration(c.config.ConnectTimeoutSeconds)*time.Second)
	defer dialCancel()

	conn, resp, err := dialer.DialContext(dialCtx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial deepgram: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial deepgram: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.conn = conn
	c.cancel = cancel
	c.readDone = make(chan struct{})
	c.stopping.Store(false)
	c.lost.Store(false)
	c.connected.Store(true)

	c.wg.Add(2)
	go c.readLoop(loopCtx, conn, c.readDone)
	go c.keepAlive(loopCtx)

	c.logger.Info("Connected to Deepgram",
		logger.String("model", c.config.Model),
		logger.Int("sample_rate", c.sampleRate))
	return nil
}

// SendAudio sends one PCM chunk as a binary frame. After the server dropped the
// connection the chunk is discarded without an error.
func (c *DeepgramClient) SendAudio(pcm []byte) error {
	if !c.connected.Load() {
		if c.lost.Load() {
			return nil
		}
		return ErrNotConnected
	}
	return c.write(websocket.BinaryMessage, pcm)
}

func (c *DeepgramClient) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeLocked(messageType, data)
}

func (c *DeepgramClient) writeLocked(messageType int, data []byte) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(deepgramWriteTimeout))
	if err := c.conn.WriteMessage(messageType, data); err != nil {
		return fmt.Errorf("write to deepgram: %w", err)
	}
	return nil
}

func (c *DeepgramClient) keepAlive(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(time.Duration(c.config.KeepAliveSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.connected.Load() {
				continue
			}
			if err := c.write(websocket.TextMessage, []byte(`{"type":"KeepAlive"}`)); err != nil {
				c.logger.Warn("Deepgram keepalive failed", logger.Error(err))
			}
		}
	}
}

func (c *DeepgramClient) readLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer c.wg.Done()
	defer close(done)
	defer c.connected.Store(false)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || c.stopping.Load() {
				return
			}
			c.logger.Error("Deepgram connection lost, audio will be discarded", logger.Error(err))
			c.lost.Store(true)
			c.connected.Store(false)
			notifyDisconnect(c.handler, err, c.logger)
			return
		}
		c.handleMessage(data)
	}
}

func (c *DeepgramClient) handleMessage(data []byte) {
	var msg deepgramMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("Failed to parse Deepgram message", logger.Error(err))
		return
	}

	switch msg.Type {
	case "Results":
	case "Error":
		c.logger.Error("Deepgram reported an error", logger.String("description", msg.Description))
		return
	default:
		c.logger.Debug("Ignoring Deepgram message", logger.String("type", msg.Type))
		return
	}

	if len(msg.Channel.Alternatives) == 0 {
		return
	}
	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return
	}

	deliver(c.handler, Transcript{
		Text:       alt.Transcript,
		IsFinal:    msg.IsFinal,
		Confidence: alt.Confidence,
		Timestamp:  time.Now(),
		Words:      alt.Words,
	}, c.logger)
}

// Stop asks Deepgram to flush pending results, then closes the connection
func (c *DeepgramClient) Stop() error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil
	}
	c.stopping.Store(true)

	if err := c.writeLocked(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		c.logger.Debug("Failed to send CloseStream", logger.Error(err))
	}
	readDone := c.readDone
	c.mu.Unlock()

	// Give the server a moment to send the last finals and close
	select {
	case <-readDone:
	case <-time.After(deepgramCloseTimeout):
	}

	c.mu.Lock()
	c.connected.Store(false)
	c.cancel()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := conn.Close()
	c.conn = nil
	c.lost.Store(false)
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("Disconnected from Deepgram")
	return err
}

// Connected reports whether the websocket is open
func (c *DeepgramClient) Connected() bool {
	return c.connected.Load()
}
