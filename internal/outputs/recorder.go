package outputs

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	audiodsp "github.com/yegors/streamcaptioner/internal/audio"
	"github.com/yegors/streamcaptioner/pkg/logger"
)

// RecordingConfig configures per-feed WAV recording of the transcriber input
type RecordingConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// Recorder writes mono PCM16 blocks to a WAV file
type Recorder struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	encoder *wav.Encoder
	rate    int
	frames  int
	closed  bool
	logger  *logger.Logger
}

// NewRecorder creates <dir>/<feedID>_<timestamp>.wav
func NewRecorder(dir, feedID string, sampleRate int, log *logger.Logger) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s_%s.wav", feedID, time.Now().Format("20060102_150405")))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording file: %w", err)
	}

	return &Recorder{
		path:    path,
		file:    f,
		encoder: wav.NewEncoder(f, sampleRate, 16, 1, 1),
		rate:    sampleRate,
		logger:  log.Named("recorder").WithFeed(feedID),
	}, nil
}

// Path returns the file being written
func (r *Recorder) Path() string { return r.path }

// HandleAudio appends a PCM16 block
func (r *Recorder) HandleAudio(pcm []byte) error {
	samples := audiodsp.DecodePCM16(pcm)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}

	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: r.rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := r.encoder.Write(buf); err != nil {
		return fmt.Errorf("failed to write recording: %w", err)
	}
	r.frames += len(data)
	return nil
}

// Close finalizes the WAV header and closes the file
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	err := r.encoder.Close()
	if cerr := r.file.Close(); err == nil {
		err = cerr
	}
	r.logger.Info("Recording closed",
		logger.String("path", r.path),
		logger.Duration("length", time.Duration(r.frames)*time.Second/time.Duration(r.rate)))
	return err
}
