package audio

import (
	"io"
	"sync"

	"github.com/yegors/streamcaptioner/pkg/logger"
)

// DefaultMonitorSize holds about two seconds of 16 kHz mono PCM16
const DefaultMonitorSize = 64 * 1024

// Monitor broadcasts a live PCM stream to any number of readers.
// Writers never block: a reader that falls more than one buffer behind skips ahead
// to the oldest audio still held.
type Monitor struct {
	mu      sync.Mutex
	cond    *sync.Cond
	buffer  []byte
	written uint64 // absolute number of bytes ever written
	readers int
	closed  bool
	logger  *logger.Logger
}

// NewMonitor creates a monitor with a ring buffer of the given size
func NewMonitor(size int, log *logger.Logger) *Monitor {
	if size <= 0 {
		size = DefaultMonitorSize
	}
	// Keep sample alignment when a reader skips ahead
	size -= size % 2

	m := &Monitor{
		buffer: make([]byte, size),
		logger: log,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Write stores p in the ring buffer and wakes all readers
func (m *Monitor) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, io.ErrClosedPipe
	}

	n := len(p)
	size := uint64(len(m.buffer))
	data := p
	if uint64(len(data)) > size {
		// Only the tail can ever be read
		m.written += uint64(len(data)) - size
		data = data[uint64(len(data))-size:]
	}

	for len(data) > 0 {
		idx := m.written % size
		c := copy(m.buffer[idx:], data)
		data = data[c:]
		m.written += uint64(c)
	}

	m.cond.Broadcast()
	return n, nil
}

// HandleAudio lets the monitor sit directly behind a capture session
func (m *Monitor) HandleAudio(pcm []byte) error {
	_, err := m.Write(pcm)
	return err
}

// NewReader returns a reader that starts at the live edge of the stream
func (m *Monitor) NewReader() io.ReadCloser {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readers++
	m.logger.Debug("Monitor reader attached", logger.Int("readers", m.readers))
	return &monitorReader{m: m, pos: m.written}
}

// Readers returns the number of attached readers
func (m *Monitor) Readers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readers
}

// Close ends the stream; readers drain what they have and then get io.EOF
func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.cond.Broadcast()
	return nil
}

type monitorReader struct {
	m      *Monitor
	pos    uint64
	closed bool
}

func (r *monitorReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()

	for r.pos == m.written && !m.closed && !r.closed {
		m.cond.Wait()
	}
	if r.closed || r.pos == m.written {
		return 0, io.EOF
	}

	size := uint64(len(m.buffer))
	if m.written-r.pos > size {
		r.pos = m.written - size
	}

	n := 0
	for n < len(p) && r.pos < m.written {
		idx := r.pos % size
		end := size
		if avail := idx + (m.written - r.pos); avail < end {
			end = avail
		}
		c := copy(p[n:], m.buffer[idx:end])
		n += c
		r.pos += uint64(c)
	}
	return n, nil
}

// Close detaches the reader and unblocks a pending Read
func (r *monitorReader) Close() error {
	m := r.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	m.readers--
	m.logger.Debug("Monitor reader detached", logger.Int("readers", m.readers))
	m.cond.Broadcast()
	return nil
}
