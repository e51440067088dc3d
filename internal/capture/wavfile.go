package capture

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/yegors/streamcaptioner/pkg/logger"
)

// WAVBackend replays a multi-channel WAV file as if it were a live input device.
// Used for rehearsals and tests without audio hardware.
type WAVBackend struct {
	path       string
	loop       bool
	samples    []float32
	channels   int
	sampleRate int
	logger     *logger.Logger
}

// NewWAVBackend decodes the whole file up front
func NewWAVBackend(path string, loop bool, log *logger.Logger) (*WAVBackend, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open wav file: %w", err)
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("not a valid wav file: %s", path)
	}

	buf, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to decode wav file: %w", err)
	}
	if buf.Format == nil || buf.Format.NumChannels <= 0 {
		return nil, errors.New("wav file has no channels")
	}

	b := &WAVBackend{
		path:       path,
		loop:       loop,
		samples:    intBufferToFloat(buf),
		channels:   buf.Format.NumChannels,
		sampleRate: buf.Format.SampleRate,
		logger:     log,
	}

	log.Info("Loaded wav input",
		logger.String("path", path),
		logger.Int("channels", b.channels),
		logger.Int("sample_rate", b.sampleRate),
		logger.Duration("length", b.length()))

	return b, nil
}

func intBufferToFloat(buf *goaudio.IntBuffer) []float32 {
	bitDepth := buf.SourceBitDepth
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float32(int64(1) << (bitDepth - 1))

	out := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		out[i] = float32(v) / scale
	}
	return out
}

func (b *WAVBackend) length() time.Duration {
	frames := len(b.samples) / b.channels
	return time.Duration(frames) * time.Second / time.Duration(b.sampleRate)
}

func (b *WAVBackend) device() Device {
	return Device{
		ID:                0,
		Name:              "WAV: " + filepath.Base(b.path),
		Channels:          b.channels,
		DefaultSampleRate: float64(b.sampleRate),
		IsDefault:         true,
	}
}

// Devices returns the single replay device
func (b *WAVBackend) Devices() ([]Device, error) {
	return []Device{b.device()}, nil
}

// Device returns the replay device for id 0
func (b *WAVBackend) Device(id int) (Device, error) {
	if id != 0 {
		return Device{}, fmt.Errorf("%w: id %d", ErrDeviceNotFound, id)
	}
	return b.device(), nil
}

// OpenInput opens a stream that paces the file at real time
func (b *WAVBackend) OpenInput(cfg StreamConfig, cb InputCallback) (Stream, error) {
	if cfg.DeviceID != 0 {
		return nil, fmt.Errorf("%w: id %d", ErrDeviceNotFound, cfg.DeviceID)
	}
	if cfg.Channels != b.channels {
		return nil, fmt.Errorf("wav input has %d channels, %d requested", b.channels, cfg.Channels)
	}
	if int(cfg.SampleRate) != b.sampleRate {
		return nil, fmt.Errorf("wav input is %d Hz, %.0f Hz requested", b.sampleRate, cfg.SampleRate)
	}
	if cfg.FramesPerBuffer <= 0 {
		return nil, fmt.Errorf("frames per buffer must be positive")
	}

	return &wavStream{
		samples:  b.samples,
		channels: b.channels,
		frames:   cfg.FramesPerBuffer,
		interval: time.Duration(cfg.FramesPerBuffer) * time.Second / time.Duration(b.sampleRate),
		loop:     b.loop,
		cb:       cb,
	}, nil
}

type wavStream struct {
	samples  []float32
	channels int
	frames   int
	interval time.Duration
	loop     bool
	cb       InputCallback

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func (s *wavStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.play(s.stop, s.done)
	return nil
}

func (s *wavStream) play(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	blockLen := s.frames * s.channels
	block := make([]float32, blockLen)
	pos := 0

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		n := copy(block, s.samples[pos:])
		pos += n
		for n < blockLen && s.loop && len(s.samples) > 0 {
			pos = 0
			c := copy(block[n:], s.samples)
			n += c
			pos += c
		}

		if n > 0 {
			s.cb(block[:n], 0)
		}
		if pos >= len(s.samples) && !s.loop {
			return
		}
	}
}

func (s *wavStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false
	close(s.stop)
	<-s.done
	return nil
}

func (s *wavStream) Close() error {
	return s.Stop()
}
