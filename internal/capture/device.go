package capture

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDeviceNotFound is returned when no input device matches a lookup
var ErrDeviceNotFound = errors.New("audio input device not found")

// Device describes an audio input device
type Device struct {
	ID                int     `json:"id"`
	Name              string  `json:"name"`
	Channels          int     `json:"channels"`
	DefaultSampleRate float64 `json:"default_sample_rate"`
	IsDefault         bool    `json:"is_default"`
}

func (d Device) String() string {
	return fmt.Sprintf("%s (%dch)", d.Name, d.Channels)
}

// StatusFlags reports stream conditions signalled by the audio subsystem
type StatusFlags uint32

const (
	InputUnderflow StatusFlags = 1 << iota
	InputOverflow
)

// InputCallback receives interleaved float32 frames on the audio subsystem's thread.
// The block is only valid for the duration of the call.
type InputCallback func(block []float32, flags StatusFlags)

// StreamConfig selects the device and the shape of the input stream
type StreamConfig struct {
	DeviceID        int
	Channels        int
	SampleRate      float64
	FramesPerBuffer int
}

// Stream is an opened input stream
type Stream interface {
	Start() error
	Stop() error
	Close() error
}

// Backend enumerates devices and opens input streams
type Backend interface {
	Devices() ([]Device, error)
	Device(id int) (Device, error)
	OpenInput(cfg StreamConfig, cb InputCallback) (Stream, error)
}

// FindDeviceByName returns the first input device whose name contains partial, ignoring case
func FindDeviceByName(b Backend, partial string) (Device, error) {
	devices, err := b.Devices()
	if err != nil {
		return Device{}, err
	}

	needle := strings.ToLower(partial)
	for _, d := range devices {
		if strings.Contains(strings.ToLower(d.Name), needle) {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%w: no device matching %q", ErrDeviceNotFound, partial)
}

// DefaultInputDevice returns the system default input device
func DefaultInputDevice(b Backend) (Device, error) {
	devices, err := b.Devices()
	if err != nil {
		return Device{}, err
	}
	for _, d := range devices {
		if d.IsDefault {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%w: no default input device", ErrDeviceNotFound)
}

// ResolveDevice picks a device by id when id >= 0, else by partial name, else the default
func ResolveDevice(b Backend, id int, name string) (Device, error) {
	switch {
	case id >= 0:
		return b.Device(id)
	case name != "":
		return FindDeviceByName(b, name)
	default:
		return DefaultInputDevice(b)
	}
}
