package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/yegors/streamcaptioner/internal/audio"
	"github.com/yegors/streamcaptioner/pkg/logger"
)

// StreamFeedAudio streams the live PCM of a feed as an endless WAV file
func (h *Handler) StreamFeedAudio(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.app.Manager().GetFeed(id); !ok {
		h.writeError(w, http.StatusNotFound, "Feed not found")
		return
	}
	monitor, ok := h.app.Monitor(id)
	if !ok {
		h.writeError(w, http.StatusServiceUnavailable, "Feed is not capturing")
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Content-Type-Options", "nosniff")

	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	stream := audio.NewWAVReader(monitor.NewReader(), h.app.SampleRate(), 1)
	defer stream.Close()

	// Unblock the pending read when the client goes away
	go func() {
		<-r.Context().Done()
		stream.Close()
	}()

	log := h.logger.WithFeed(id)
	log.Info("Audio monitor client connected", logger.String("remote_addr", r.RemoteAddr))

	flusher, _ := w.(http.Flusher)
	w.WriteHeader(http.StatusOK)

	buf := make([]byte, 4096)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			break
		}
	}
	log.Info("Audio monitor client disconnected")
}
