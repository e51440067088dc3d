package audio

import (
	"bytes"
	"encoding/binary"
	"io"
)

// streamingDataSize marks a WAV stream of unknown length
const streamingDataSize = 0xFFFFFFFF - 36

// wavHeader is the canonical 44 byte PCM header
type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

// WAVHeader builds a 16-bit PCM header for dataSize bytes of audio
func WAVHeader(sampleRate, channels int, dataSize uint32) []byte {
	h := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   uint16(channels),
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * channels * 2),
		BlockAlign:    uint16(channels * 2),
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	var buf bytes.Buffer
	// Writing a fixed-size struct to a bytes.Buffer cannot fail
	_ = binary.Write(&buf, binary.LittleEndian, h)
	return buf.Bytes()
}

// EncodeWAV wraps a complete PCM16 buffer in a WAV container
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	out := make([]byte, 0, 44+len(pcm))
	out = append(out, WAVHeader(sampleRate, channels, uint32(len(pcm)))...)
	return append(out, pcm...)
}

// WAVReader prepends a streaming WAV header to a live PCM reader
type WAVReader struct {
	reader io.ReadCloser
	header []byte
	offset int
}

// NewWAVReader creates a new WAV reader
func NewWAVReader(reader io.ReadCloser, sampleRate, channels int) *WAVReader {
	return &WAVReader{
		reader: reader,
		header: WAVHeader(sampleRate, channels, streamingDataSize),
	}
}

// Read returns the header first, then the underlying PCM
func (wr *WAVReader) Read(p []byte) (int, error) {
	if wr.offset < len(wr.header) {
		n := copy(p, wr.header[wr.offset:])
		wr.offset += n
		return n, nil
	}
	return wr.reader.Read(p)
}

// Close closes the underlying reader
func (wr *WAVReader) Close() error {
	return wr.reader.Close()
}
