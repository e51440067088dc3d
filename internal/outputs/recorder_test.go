package outputs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audiodsp "github.com/yegors/streamcaptioner/internal/audio"
	"github.com/yegors/streamcaptioner/pkg/logger"
)

func TestRecorderWritesWAV(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(dir, "main", 16000, logger.NewNop())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(filepath.Base(r.Path()), "main_"))

	require.NoError(t, r.HandleAudio(audiodsp.EncodePCM16([]float32{0, 0.5, -0.5, 1})))
	require.NoError(t, r.HandleAudio(audiodsp.EncodePCM16([]float32{0.25})))
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	// writes after close are ignored
	require.NoError(t, r.HandleAudio(audiodsp.EncodePCM16([]float32{0.1})))

	f, err := os.Open(r.Path())
	require.NoError(t, err)
	defer f.Close()

	dec := wav.NewDecoder(f)
	require.True(t, dec.IsValidFile())
	buf, err := dec.FullPCMBuffer()
	require.NoError(t, err)

	assert.Equal(t, 16000, buf.Format.SampleRate)
	assert.Equal(t, 1, buf.Format.NumChannels)
	assert.Equal(t, []int{0, 16383, -16383, 32767, 8191}, buf.Data)
}
