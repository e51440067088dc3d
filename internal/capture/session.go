package capture

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yegors/streamcaptioner/internal/audio"
	"github.com/yegors/streamcaptioner/pkg/logger"
)

// ErrInvalidChannel is returned when a selected channel does not exist on the device
var ErrInvalidChannel = errors.New("invalid channel index")

const (
	DefaultTargetRate  = 16000
	DefaultChunkSize   = 4096
	DefaultQueueSize   = 32
	DefaultStopTimeout = time.Second
)

// AudioHandler consumes mono PCM16 chunks produced by a session
type AudioHandler interface {
	HandleAudio(pcm []byte) error
}

// AudioHandlerFunc adapts a function to AudioHandler
type AudioHandlerFunc func(pcm []byte) error

// HandleAudio calls f(pcm)
func (f AudioHandlerFunc) HandleAudio(pcm []byte) error {
	return f(pcm)
}

// SessionConfig describes one capture session
type SessionConfig struct {
	Device      Device
	Channels    []int
	TargetRate  int
	ChunkSize   int // frames per device buffer
	QueueSize   int // device blocks held between callback and worker
	StopTimeout time.Duration
	Resampler   string
}

// SessionStats are counters for the status endpoint
type SessionStats struct {
	Running    bool   `json:"running"`
	Blocks     uint64 `json:"blocks"`
	Dropped    uint64 `json:"dropped"`
	Overflows  uint64 `json:"overflows"`
	Underflows uint64 `json:"underflows"`
	Failures   uint64 `json:"handler_failures"`
}

// Session captures one device and turns the selected channels into mono PCM16 at the
// target rate. The device callback only copies blocks into a bounded queue; a single
// worker does the conversion and calls the handler.
type Session struct {
	backend    Backend
	config     SessionConfig
	nativeRate int
	logger     *logger.Logger

	mu      sync.Mutex
	running bool
	stream  Stream
	stop    chan struct{}
	done    chan struct{}

	active     atomic.Bool
	blocks     atomic.Uint64
	dropped    atomic.Uint64
	overflows  atomic.Uint64
	underflows atomic.Uint64
	failures   atomic.Uint64
}

// NewSession validates the channel selection against the device. No stream is opened.
func NewSession(backend Backend, cfg SessionConfig, log *logger.Logger) (*Session, error) {
	if len(cfg.Channels) == 0 {
		return nil, fmt.Errorf("%w: no channels selected", ErrInvalidChannel)
	}
	for _, ch := range cfg.Channels {
		if ch < 0 || ch >= cfg.Device.Channels {
			return nil, fmt.Errorf("%w: channel %d out of range, device %q has %d channels",
				ErrInvalidChannel, ch, cfg.Device.Name, cfg.Device.Channels)
		}
	}

	if cfg.TargetRate <= 0 {
		cfg.TargetRate = DefaultTargetRate
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}

	nativeRate := int(cfg.Device.DefaultSampleRate)
	if nativeRate <= 0 {
		nativeRate = cfg.TargetRate
	}

	s := &Session{
		backend:    backend,
		config:     cfg,
		nativeRate: nativeRate,
		logger:     log,
	}

	// Fail fast on a bad resampler mode
	if _, err := s.newConverter(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) newConverter() (*audio.Converter, error) {
	return audio.NewConverter(audio.ConverterOptions{
		DeviceChannels: s.config.Device.Channels,
		Channels:       s.config.Channels,
		NativeRate:     s.nativeRate,
		TargetRate:     s.config.TargetRate,
		Resampler:      s.config.Resampler,
	})
}

// Start opens the device stream and begins delivering PCM to handler.
// Calling Start on a running session does nothing.
func (s *Session) Start(handler AudioHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	converter, err := s.newConverter()
	if err != nil {
		return err
	}

	queue := make(chan []float32, s.config.QueueSize)
	stop := make(chan struct{})
	done := make(chan struct{})

	go s.run(handler, converter, queue, stop, done)

	s.active.Store(true)
	stream, err := s.backend.OpenInput(StreamConfig{
		DeviceID:        s.config.Device.ID,
		Channels:        s.config.Device.Channels,
		SampleRate:      float64(s.nativeRate),
		FramesPerBuffer: s.config.ChunkSize,
	}, s.callback(queue))
	if err != nil {
		s.active.Store(false)
		close(stop)
		<-done
		return fmt.Errorf("failed to open input stream on %s: %w", s.config.Device, err)
	}

	if err := stream.Start(); err != nil {
		s.active.Store(false)
		_ = stream.Close()
		close(stop)
		<-done
		return fmt.Errorf("failed to start input stream on %s: %w", s.config.Device, err)
	}

	s.stream = stream
	s.stop = stop
	s.done = done
	s.running = true

	s.logger.Info("Capture started",
		logger.String("device", s.config.Device.Name),
		logger.Ints("channels", s.config.Channels),
		logger.Int("native_rate", s.nativeRate),
		logger.Int("target_rate", s.config.TargetRate))
	return nil
}

// callback runs on the audio subsystem's thread: copy, enqueue, never block
func (s *Session) callback(queue chan<- []float32) InputCallback {
	return func(block []float32, flags StatusFlags) {
		if flags&InputOverflow != 0 {
			s.overflows.Add(1)
		}
		if flags&InputUnderflow != 0 {
			s.underflows.Add(1)
		}
		if !s.active.Load() {
			return
		}

		buf := make([]float32, len(block))
		copy(buf, block)

		select {
		case queue <- buf:
		default:
			s.dropped.Add(1)
		}
	}
}

func (s *Session) run(handler AudioHandler, converter *audio.Converter, queue <-chan []float32, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	var lastOverflows, lastUnderflows, lastDropped uint64
	for {
		select {
		case <-stop:
			return
		case block := <-queue:
			s.blocks.Add(1)
			s.process(handler, converter, block)

			// Report device status changes from here, not from the callback
			if n := s.overflows.Load(); n != lastOverflows {
				s.logger.Warn("Audio input overflow", logger.Uint64("total", n))
				lastOverflows = n
			}
			if n := s.underflows.Load(); n != lastUnderflows {
				s.logger.Warn("Audio input underflow", logger.Uint64("total", n))
				lastUnderflows = n
			}
			if n := s.dropped.Load(); n != lastDropped {
				s.logger.Warn("Audio blocks dropped, worker is behind", logger.Uint64("total", n))
				lastDropped = n
			}
		}
	}
}

func (s *Session) process(handler AudioHandler, converter *audio.Converter, block []float32) {
	defer func() {
		if r := recover(); r != nil {
			s.failures.Add(1)
			s.logger.Error("Audio handler panicked", logger.Any("panic", r))
		}
	}()

	pcm := converter.Process(block)
	if len(pcm) == 0 {
		return
	}
	if err := handler.HandleAudio(pcm); err != nil {
		s.failures.Add(1)
		s.logger.Error("Audio handler failed", logger.Error(err))
	}
}

// Stop closes the stream and waits up to the stop timeout for the worker.
// Safe to call more than once.
func (s *Session) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	s.active.Store(false)

	if err := s.stream.Stop(); err != nil {
		s.logger.Warn("Failed to stop input stream", logger.Error(err))
	}
	if err := s.stream.Close(); err != nil {
		s.logger.Warn("Failed to close input stream", logger.Error(err))
	}
	s.stream = nil

	close(s.stop)
	timer := time.NewTimer(s.config.StopTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
		s.logger.Info("Capture stopped")
	case <-timer.C:
		s.logger.Warn("Capture worker did not stop in time", logger.Duration("timeout", s.config.StopTimeout))
	}
}

// IsRunning reports whether the session is capturing
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Device returns the device this session captures from
func (s *Session) Device() Device {
	return s.config.Device
}

// Channels returns the selected channel indices
func (s *Session) Channels() []int {
	return append([]int(nil), s.config.Channels...)
}

// Stats returns a snapshot of the session counters
func (s *Session) Stats() SessionStats {
	return SessionStats{
		Running:    s.IsRunning(),
		Blocks:     s.blocks.Load(),
		Dropped:    s.dropped.Load(),
		Overflows:  s.overflows.Load(),
		Underflows: s.underflows.Load(),
		Failures:   s.failures.Load(),
	}
}
