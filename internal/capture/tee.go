package capture

import (
	"errors"
	"fmt"
)

type tee []AudioHandler

// Tee sends every chunk to all handlers. A failing or panicking handler does not
// keep the others from getting the chunk; the failures are joined into the result.
func Tee(handlers ...AudioHandler) AudioHandler {
	return tee(handlers)
}

func (t tee) HandleAudio(pcm []byte) error {
	var errs []error
	for _, h := range t {
		if err := handleIsolated(h, pcm); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func handleIsolated(h AudioHandler, pcm []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("audio handler panicked: %v", r)
		}
	}()
	return h.HandleAudio(pcm)
}
