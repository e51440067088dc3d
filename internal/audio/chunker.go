package audio

import (
	"bytes"
	"time"
)

// Segmenter slices a contiguous PCM16 stream into fixed-duration segments
type Segmenter struct {
	sampleRate   int
	channels     int
	segmentBytes int
	buffer       *bytes.Buffer
}

// NewSegmenter creates a segmenter producing segments of the given duration
func NewSegmenter(sampleRate, channels int, duration time.Duration) *Segmenter {
	// PCM16: 2 bytes per sample
	bytesPerSecond := sampleRate * channels * 2
	segmentBytes := int(int64(bytesPerSecond) * int64(duration) / int64(time.Second))
	// Keep segments frame aligned
	segmentBytes -= segmentBytes % (channels * 2)
	if segmentBytes <= 0 {
		segmentBytes = channels * 2
	}

	return &Segmenter{
		sampleRate:   sampleRate,
		channels:     channels,
		segmentBytes: segmentBytes,
		buffer:       bytes.NewBuffer(nil),
	}
}

// Push appends PCM data and returns every segment that is now complete
func (s *Segmenter) Push(data []byte) [][]byte {
	s.buffer.Write(data)

	var segments [][]byte
	for s.buffer.Len() >= s.segmentBytes {
		segment := make([]byte, s.segmentBytes)
		copy(segment, s.buffer.Next(s.segmentBytes))
		segments = append(segments, segment)
	}
	return segments
}

// Flush returns whatever partial segment is buffered and empties the buffer
func (s *Segmenter) Flush() []byte {
	if s.buffer.Len() == 0 {
		return nil
	}
	rest := make([]byte, s.buffer.Len())
	copy(rest, s.buffer.Bytes())
	s.buffer.Reset()
	return rest
}

// Buffered returns the number of bytes waiting for a full segment
func (s *Segmenter) Buffered() int {
	return s.buffer.Len()
}

// SegmentBytes returns the size of a full segment in bytes
func (s *Segmenter) SegmentBytes() int {
	return s.segmentBytes
}

// Duration converts a PCM byte count to playback time
func (s *Segmenter) Duration(n int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(s.sampleRate*s.channels*2)
}

// Reset drops any buffered audio
func (s *Segmenter) Reset() {
	s.buffer.Reset()
}
