package audio

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/oov/audio/resampler"
)

// Resampler modes
const (
	ResamplerLinear = "linear"
	ResamplerSinc   = "sinc"
)

const sincQuality = 10

// ExtractChannels turns a block of interleaved frames into a mono signal.
// A single channel is copied as-is; several channels are averaged with equal weight.
// A trailing partial frame is ignored.
func ExtractChannels(samples []float32, numChannels int, channels []int) []float32 {
	if numChannels <= 0 || len(channels) == 0 {
		return nil
	}

	frames := len(samples) / numChannels
	out := make([]float32, frames)

	if len(channels) == 1 {
		ch := channels[0]
		for i := range out {
			out[i] = samples[i*numChannels+ch]
		}
		return out
	}

	count := float32(len(channels))
	for i := range out {
		base := i * numChannels
		var sum float32
		for _, ch := range channels {
			sum += samples[base+ch]
		}
		out[i] = sum / count
	}
	return out
}

// ResampledLength returns the number of output samples for n input samples.
func ResampledLength(n, origRate, targetRate int) int {
	if n <= 0 || origRate <= 0 || targetRate <= 0 {
		return 0
	}
	return int(math.Round(float64(n) / float64(origRate) * float64(targetRate)))
}

// ResampleLinear resamples a mono signal by linear interpolation.
//
// Output sample i sits at input position i*(N-1)/(outN-1), so the output spans the
// whole input block. There is no anti-aliasing filter: downsampling folds content
// above the new Nyquist frequency back into the band.
func ResampleLinear(in []float32, origRate, targetRate int) []float32 {
	if origRate == targetRate {
		return in
	}

	n := len(in)
	outN := ResampledLength(n, origRate, targetRate)
	if outN == 0 {
		return []float32{}
	}

	out := make([]float32, outN)
	if outN == 1 {
		out[0] = in[0]
		return out
	}

	step := float64(n-1) / float64(outN-1)
	for i := range out {
		pos := float64(i) * step
		lo := int(pos)
		if lo > n-1 {
			lo = n - 1
		}
		hi := lo + 1
		if hi > n-1 {
			hi = n - 1
		}
		frac := pos - float64(lo)
		a := float64(in[lo])
		out[i] = float32(a + (float64(in[hi])-a)*frac)
	}
	return out
}

// EncodePCM16 converts float samples to little-endian signed 16-bit PCM.
// Samples are clamped to [-1, 1] before scaling so that overshoot never wraps around.
func EncodePCM16(samples []float32) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(s*32767)))
	}
	return buf
}

// DecodePCM16 converts little-endian signed 16-bit PCM back to int16 samples.
func DecodePCM16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// RMS returns the root mean square level of PCM16 audio, normalized to [0, 1].
func RMS(pcm []byte) float64 {
	samples := DecodePCM16(pcm)
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// ConverterOptions describes the shape of the device stream and the wanted output.
type ConverterOptions struct {
	DeviceChannels int
	Channels       []int
	NativeRate     int
	TargetRate     int
	Resampler      string // "linear" (default) or "sinc"
}

// Converter runs extract -> resample -> encode on each device block.
// A Converter is not safe for concurrent use; each capture session owns one.
type Converter struct {
	opts ConverterOptions
	sinc *resampler.Resampler
	buf  []float32
}

// NewConverter creates a converter for the given options
func NewConverter(opts ConverterOptions) (*Converter, error) {
	if opts.DeviceChannels <= 0 {
		return nil, fmt.Errorf("device channel count must be positive, got %d", opts.DeviceChannels)
	}
	if len(opts.Channels) == 0 {
		return nil, fmt.Errorf("at least one channel must be selected")
	}
	for _, ch := range opts.Channels {
		if ch < 0 || ch >= opts.DeviceChannels {
			return nil, fmt.Errorf("channel %d out of range for %d device channels", ch, opts.DeviceChannels)
		}
	}
	if opts.NativeRate <= 0 || opts.TargetRate <= 0 {
		return nil, fmt.Errorf("sample rates must be positive (native %d, target %d)", opts.NativeRate, opts.TargetRate)
	}

	c := &Converter{opts: opts}
	switch opts.Resampler {
	case "", ResamplerLinear:
		c.opts.Resampler = ResamplerLinear
	case ResamplerSinc:
		if opts.NativeRate != opts.TargetRate {
			c.sinc = resampler.New(1, opts.NativeRate, opts.TargetRate, sincQuality)
		}
	default:
		return nil, fmt.Errorf("unknown resampler mode: %s", opts.Resampler)
	}
	return c, nil
}

// Process converts one interleaved block to mono PCM16 bytes at the target rate.
func (c *Converter) Process(block []float32) []byte {
	mono := ExtractChannels(block, c.opts.DeviceChannels, c.opts.Channels)
	if len(mono) == 0 {
		return nil
	}

	if c.sinc != nil {
		return EncodePCM16(c.resampleSinc(mono))
	}
	return EncodePCM16(ResampleLinear(mono, c.opts.NativeRate, c.opts.TargetRate))
}

func (c *Converter) resampleSinc(mono []float32) []float32 {
	// The sinc resampler keeps filter state between calls, so the output size per
	// block varies slightly; leave headroom.
	need := ResampledLength(len(mono), c.opts.NativeRate, c.opts.TargetRate) + 64
	if cap(c.buf) < need {
		c.buf = make([]float32, need)
	}
	out := c.buf[:need]
	_, written := c.sinc.ProcessFloat32(0, mono, out)

	result := make([]float32, written)
	copy(result, out[:written])
	return result
}
