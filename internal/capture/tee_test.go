package capture

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTeeIsolatesHandlers(t *testing.T) {
	var got [][]byte
	record := AudioHandlerFunc(func(pcm []byte) error {
		got = append(got, pcm)
		return nil
	})

	h := Tee(
		AudioHandlerFunc(func([]byte) error { panic("recorder crashed") }),
		record,
		AudioHandlerFunc(func([]byte) error { return errors.New("transcriber closed") }),
		record,
	)

	err := h.HandleAudio([]byte{1, 2})
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "recorder crashed")
	assert.Contains(t, err.Error(), "transcriber closed")
	assert.Len(t, got, 2)

	assert.NoError(t, Tee(record).HandleAudio([]byte{3, 4}))
}
