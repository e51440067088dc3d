package capture

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yegors/streamcaptioner/internal/audio"
	"github.com/yegors/streamcaptioner/pkg/logger"
)

type fakeStream struct {
	startErr error
	started  atomic.Bool
	stopped  atomic.Bool
	closed   atomic.Bool
}

func (s *fakeStream) Start() error {
	if s.startErr != nil {
		return s.startErr
	}
	s.started.Store(true)
	return nil
}

func (s *fakeStream) Stop() error {
	s.stopped.Store(true)
	return nil
}

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeBackend struct {
	mu      sync.Mutex
	devices []Device
	openErr error
	stream  *fakeStream
	opened  int
	config  StreamConfig
	cb      InputCallback
}

func newFakeBackend(devices ...Device) *fakeBackend {
	return &fakeBackend{devices: devices, stream: &fakeStream{}}
}

func (b *fakeBackend) Devices() ([]Device, error) {
	return b.devices, nil
}

func (b *fakeBackend) Device(id int) (Device, error) {
	for _, d := range b.devices {
		if d.ID == id {
			return d, nil
		}
	}
	return Device{}, ErrDeviceNotFound
}

func (b *fakeBackend) OpenInput(cfg StreamConfig, cb InputCallback) (Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opened++
	if b.openErr != nil {
		return nil, b.openErr
	}
	b.config = cfg
	b.cb = cb
	return b.stream, nil
}

func (b *fakeBackend) push(block []float32, flags StatusFlags) {
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()
	cb(block, flags)
}

func (b *fakeBackend) openCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened
}

var fourChannel = Device{ID: 3, Name: "Focusrite Scarlett 18i20", Channels: 4, DefaultSampleRate: 16000}

func newTestSession(t *testing.T, b Backend, cfg SessionConfig) *Session {
	t.Helper()
	if cfg.Device.Name == "" {
		cfg.Device = fourChannel
	}
	s, err := NewSession(b, cfg, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

func TestNewSessionRejectsChannelEqualToDeviceCount(t *testing.T) {
	b := newFakeBackend(fourChannel)

	_, err := NewSession(b, SessionConfig{Device: fourChannel, Channels: []int{4}}, logger.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidChannel)

	_, err = NewSession(b, SessionConfig{Device: fourChannel, Channels: []int{-1}}, logger.NewNop())
	assert.ErrorIs(t, err, ErrInvalidChannel)

	_, err = NewSession(b, SessionConfig{Device: fourChannel}, logger.NewNop())
	assert.ErrorIs(t, err, ErrInvalidChannel)

	assert.Zero(t, b.openCount())
}

func TestNewSessionRejectsUnknownResampler(t *testing.T) {
	_, err := NewSession(newFakeBackend(fourChannel), SessionConfig{Device: fourChannel, Channels: []int{0}, Resampler: "cubic"}, logger.NewNop())
	assert.Error(t, err)
}

func TestSessionOpensAllChannelsAtNativeRate(t *testing.T) {
	b := newFakeBackend(fourChannel)
	s := newTestSession(t, b, SessionConfig{Channels: []int{1}, ChunkSize: 256, TargetRate: 16000})

	require.NoError(t, s.Start(AudioHandlerFunc(func([]byte) error { return nil })))
	assert.True(t, s.IsRunning())
	assert.Equal(t, StreamConfig{DeviceID: 3, Channels: 4, SampleRate: 16000, FramesPerBuffer: 256}, b.config)
	assert.True(t, b.stream.started.Load())
}

func TestSessionDeliversSelectedChannel(t *testing.T) {
	b := newFakeBackend(fourChannel)
	s := newTestSession(t, b, SessionConfig{Channels: []int{2}})

	got := make(chan []byte, 1)
	require.NoError(t, s.Start(AudioHandlerFunc(func(pcm []byte) error {
		got <- pcm
		return nil
	})))

	// two frames, four channels
	b.push([]float32{0, 0, 0.5, 0, 0, 0, -0.5, 0}, 0)

	select {
	case pcm := <-got:
		assert.Equal(t, audio.EncodePCM16([]float32{0.5, -0.5}), pcm)
	case <-time.After(time.Second):
		t.Fatal("no audio delivered")
	}
}

func TestSessionDeliversChannelMean(t *testing.T) {
	stereo := Device{ID: 0, Name: "stereo", Channels: 2, DefaultSampleRate: 16000}
	b := newFakeBackend(stereo)
	s := newTestSession(t, b, SessionConfig{Device: stereo, Channels: []int{0, 1}})

	got := make(chan []byte, 1)
	require.NoError(t, s.Start(AudioHandlerFunc(func(pcm []byte) error {
		got <- pcm
		return nil
	})))

	b.push([]float32{1.0, 0.0, 0.0, 1.0}, 0)

	select {
	case pcm := <-got:
		assert.Equal(t, audio.EncodePCM16([]float32{0.5, 0.5}), pcm)
	case <-time.After(time.Second):
		t.Fatal("no audio delivered")
	}
}

func TestSessionResamplesToTargetRate(t *testing.T) {
	dev := Device{ID: 1, Name: "48k", Channels: 1, DefaultSampleRate: 48000}
	b := newFakeBackend(dev)
	s := newTestSession(t, b, SessionConfig{Device: dev, Channels: []int{0}, TargetRate: 16000})

	got := make(chan []byte, 1)
	require.NoError(t, s.Start(AudioHandlerFunc(func(pcm []byte) error {
		got <- pcm
		return nil
	})))
	assert.Equal(t, float64(48000), b.config.SampleRate)

	b.push(make([]float32, 4800), 0)

	select {
	case pcm := <-got:
		assert.Len(t, pcm, 1600*2)
	case <-time.After(time.Second):
		t.Fatal("no audio delivered")
	}
}

func TestSessionStartIsIdempotent(t *testing.T) {
	b := newFakeBackend(fourChannel)
	s := newTestSession(t, b, SessionConfig{Channels: []int{0}})

	h := AudioHandlerFunc(func([]byte) error { return nil })
	require.NoError(t, s.Start(h))
	require.NoError(t, s.Start(h))
	assert.Equal(t, 1, b.openCount())
}

func TestSessionStartPropagatesOpenFailure(t *testing.T) {
	b := newFakeBackend(fourChannel)
	b.openErr = errors.New("device busy")
	s := newTestSession(t, b, SessionConfig{Channels: []int{0}})

	err := s.Start(AudioHandlerFunc(func([]byte) error { return nil }))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device busy")
	assert.False(t, s.IsRunning())
}

func TestSessionStartPropagatesStreamStartFailure(t *testing.T) {
	b := newFakeBackend(fourChannel)
	b.stream.startErr = errors.New("stream refused")
	s := newTestSession(t, b, SessionConfig{Channels: []int{0}})

	err := s.Start(AudioHandlerFunc(func([]byte) error { return nil }))
	require.Error(t, err)
	assert.False(t, s.IsRunning())
	assert.True(t, b.stream.closed.Load())
}

func TestSessionSurvivesHandlerFailures(t *testing.T) {
	b := newFakeBackend(fourChannel)
	s := newTestSession(t, b, SessionConfig{Channels: []int{0}})

	var calls atomic.Int32
	got := make(chan struct{}, 1)
	require.NoError(t, s.Start(AudioHandlerFunc(func([]byte) error {
		switch calls.Add(1) {
		case 1:
			panic("boom")
		case 2:
			return errors.New("sink down")
		default:
			got <- struct{}{}
			return nil
		}
	})))

	block := make([]float32, 8)
	b.push(block, 0)
	b.push(block, 0)
	b.push(block, 0)

	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("worker stopped after handler failure")
	}
	assert.Equal(t, uint64(2), s.Stats().Failures)
}

func TestSessionDropsWhenQueueFull(t *testing.T) {
	b := newFakeBackend(fourChannel)
	s := newTestSession(t, b, SessionConfig{Channels: []int{0}, QueueSize: 1, StopTimeout: 50 * time.Millisecond})

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, s.Start(AudioHandlerFunc(func([]byte) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	})))

	block := make([]float32, 8)
	b.push(block, 0)
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("worker never picked up the first block")
	}

	// one fits in the queue, the rest are dropped without blocking the callback
	start := time.Now()
	for i := 0; i < 4; i++ {
		b.push(block, 0)
	}
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, uint64(3), s.Stats().Dropped)
}

func TestSessionCountsStatusFlags(t *testing.T) {
	b := newFakeBackend(fourChannel)
	s := newTestSession(t, b, SessionConfig{Channels: []int{0}})
	require.NoError(t, s.Start(AudioHandlerFunc(func([]byte) error { return nil })))

	b.push(make([]float32, 8), InputOverflow)
	b.push(make([]float32, 8), InputOverflow|InputUnderflow)

	stats := s.Stats()
	assert.Equal(t, uint64(2), stats.Overflows)
	assert.Equal(t, uint64(1), stats.Underflows)
}

func TestSessionStopClosesStreamAndIsIdempotent(t *testing.T) {
	b := newFakeBackend(fourChannel)
	s := newTestSession(t, b, SessionConfig{Channels: []int{0}})

	var delivered atomic.Int32
	require.NoError(t, s.Start(AudioHandlerFunc(func([]byte) error {
		delivered.Add(1)
		return nil
	})))

	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())
	assert.True(t, b.stream.stopped.Load())
	assert.True(t, b.stream.closed.Load())

	// late callbacks from the audio subsystem are ignored
	b.push(make([]float32, 8), 0)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, delivered.Load())
}

func TestSessionStopIsBoundedWithHungHandler(t *testing.T) {
	b := newFakeBackend(fourChannel)
	s := newTestSession(t, b, SessionConfig{Channels: []int{0}, StopTimeout: 50 * time.Millisecond})

	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, s.Start(AudioHandlerFunc(func([]byte) error {
		close(entered)
		<-release
		return nil
	})))

	b.push(make([]float32, 8), 0)
	<-entered

	start := time.Now()
	s.Stop()
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, s.IsRunning())
}

func TestSessionCanRestart(t *testing.T) {
	b := newFakeBackend(fourChannel)
	s := newTestSession(t, b, SessionConfig{Channels: []int{0}})

	got := make(chan struct{}, 1)
	h := AudioHandlerFunc(func([]byte) error {
		select {
		case got <- struct{}{}:
		default:
		}
		return nil
	})

	require.NoError(t, s.Start(h))
	s.Stop()
	require.NoError(t, s.Start(h))
	assert.Equal(t, 2, b.openCount())

	b.push(make([]float32, 8), 0)
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("no audio after restart")
	}
}
