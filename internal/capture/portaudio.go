package capture

import (
	"fmt"

	"github.com/gordonklaus/portaudio"

	"github.com/yegors/streamcaptioner/pkg/logger"
)

// PortAudioBackend captures from real audio hardware
type PortAudioBackend struct {
	logger *logger.Logger
}

// NewPortAudioBackend initializes PortAudio. Close must be called to terminate it.
func NewPortAudioBackend(log *logger.Logger) (*PortAudioBackend, error) {
	log.Debug("Initializing portaudio")
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing portaudio failed: %w", err)
	}
	return &PortAudioBackend{logger: log}, nil
}

// Close terminates PortAudio
func (b *PortAudioBackend) Close() error {
	b.logger.Debug("Terminating portaudio")
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("terminating portaudio failed: %w", err)
	}
	return nil
}

// Devices lists every device with at least one input channel
func (b *PortAudioBackend) Devices() ([]Device, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("listing portaudio devices failed: %w", err)
	}

	defaultName := ""
	if def, err := portaudio.DefaultInputDevice(); err == nil && def != nil {
		defaultName = def.Name
	}

	devices := make([]Device, 0, len(infos))
	for i, info := range infos {
		if info.MaxInputChannels <= 0 {
			continue
		}
		devices = append(devices, Device{
			ID:                i,
			Name:              info.Name,
			Channels:          info.MaxInputChannels,
			DefaultSampleRate: info.DefaultSampleRate,
			IsDefault:         info.Name == defaultName,
		})
	}
	return devices, nil
}

// Device returns the input device with the given index
func (b *PortAudioBackend) Device(id int) (Device, error) {
	devices, err := b.Devices()
	if err != nil {
		return Device{}, err
	}
	for _, d := range devices {
		if d.ID == id {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%w: id %d", ErrDeviceNotFound, id)
}

// OpenInput opens a float32 interleaved input stream
func (b *PortAudioBackend) OpenInput(cfg StreamConfig, cb InputCallback) (Stream, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("listing portaudio devices failed: %w", err)
	}
	if cfg.DeviceID < 0 || cfg.DeviceID >= len(infos) {
		return nil, fmt.Errorf("%w: id %d", ErrDeviceNotFound, cfg.DeviceID)
	}
	info := infos[cfg.DeviceID]

	params := portaudio.LowLatencyParameters(info, nil)
	params.Input.Channels = cfg.Channels
	params.SampleRate = cfg.SampleRate
	params.FramesPerBuffer = cfg.FramesPerBuffer

	b.logger.Debug("Opening portaudio input stream",
		logger.String("device", info.Name),
		logger.Int("channels", cfg.Channels),
		logger.Float64("sample_rate", cfg.SampleRate),
		logger.Int("frames_per_buffer", cfg.FramesPerBuffer))

	stream, err := portaudio.OpenStream(params, func(in []float32, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
		var status StatusFlags
		if flags&portaudio.InputOverflow != 0 {
			status |= InputOverflow
		}
		if flags&portaudio.InputUnderflow != 0 {
			status |= InputUnderflow
		}
		cb(in, status)
	})
	if err != nil {
		return nil, fmt.Errorf("opening portaudio stream on %q failed: %w", info.Name, err)
	}
	return &portAudioStream{s: stream}, nil
}

type portAudioStream struct {
	s *portaudio.Stream
}

func (p *portAudioStream) Start() error {
	if err := p.s.Start(); err != nil {
		return fmt.Errorf("starting portaudio stream failed: %w", err)
	}
	return nil
}

func (p *portAudioStream) Stop() error {
	if err := p.s.Stop(); err != nil {
		return fmt.Errorf("stopping portaudio stream failed: %w", err)
	}
	return nil
}

func (p *portAudioStream) Close() error {
	if err := p.s.Close(); err != nil {
		return fmt.Errorf("closing portaudio stream failed: %w", err)
	}
	return nil
}
