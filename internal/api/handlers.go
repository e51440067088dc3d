package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yegors/streamcaptioner/internal/app"
	"github.com/yegors/streamcaptioner/internal/capture"
	"github.com/yegors/streamcaptioner/internal/config"
	"github.com/yegors/streamcaptioner/internal/feeds"
	"github.com/yegors/streamcaptioner/pkg/logger"
)

const (
	minHistoryMinutes = 1
	maxHistoryMinutes = 60
)

// Handler contains the HTTP handlers
type Handler struct {
	app       *app.App
	config    *config.Config
	logger    *logger.Logger
	startedAt time.Time
}

// NewHandler creates a new handler
func NewHandler(application *app.App, config *config.Config, logger *logger.Logger) *Handler {
	return &Handler{
		app:       application,
		config:    config,
		logger:    logger.Named("api"),
		startedAt: time.Now(),
	}
}

// FeedHistoryResponse is the response of the history endpoint
type FeedHistoryResponse struct {
	FeedID   string          `json:"feed_id"`
	Minutes  int             `json:"minutes"`
	Count    int             `json:"count"`
	Captions []feeds.Caption `json:"captions"`
}

// FeedResponse describes a feed and its pipeline
type FeedResponse struct {
	feeds.Info
	Status *app.FeedStatus `json:"status,omitempty"`
}

// GetHealth returns the health status of the service
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"captioning": h.app.IsRunning(),
		"uptime":     time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// GetDevices lists the audio input devices
func (h *Handler) GetDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.app.Devices()
	if err != nil {
		h.logger.Error("Failed to list devices", logger.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Failed to list devices")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

// GetStatus returns the captioning state and per-feed status
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.app.Status())
}

// GetAllFeeds returns every feed in creation order
func (h *Handler) GetAllFeeds(w http.ResponseWriter, r *http.Request) {
	infos := h.app.Manager().FeedsInfo()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"feeds": infos,
		"count": len(infos),
	})
}

// CreateFeed adds a feed
func (h *Handler) CreateFeed(w http.ResponseWriter, r *http.Request) {
	var def feeds.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if def.Name == "" {
		def.Name = def.ID
	}

	feed, err := h.app.CreateFeed(def)
	switch {
	case errors.Is(err, feeds.ErrFeedExists):
		h.writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.Info("Feed created", logger.String("feed_id", feed.ID()))
	h.writeJSON(w, http.StatusCreated, h.feedResponse(feed))
}

// GetFeed returns one feed
func (h *Handler) GetFeed(w http.ResponseWriter, r *http.Request) {
	feed, ok := h.feed(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, h.feedResponse(feed))
}

// DeleteFeed stops and removes a feed
func (h *Handler) DeleteFeed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.app.DeleteFeed(id); err != nil {
		if errors.Is(err, feeds.ErrFeedNotFound) {
			h.writeError(w, http.StatusNotFound, "Feed not found")
			return
		}
		h.logger.Error("Failed to delete feed", logger.String("feed_id", id), logger.Error(err))
		h.writeError(w, http.StatusInternalServerError, "Failed to delete feed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetFeedEnabled enables or disables a feed
func (h *Handler) SetFeedEnabled(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		h.writeError(w, http.StatusBadRequest, `Body must be {"enabled": true|false}`)
		return
	}

	if err := h.app.SetFeedEnabled(id, *body.Enabled); err != nil {
		if errors.Is(err, feeds.ErrFeedNotFound) {
			h.writeError(w, http.StatusNotFound, "Feed not found")
			return
		}
		// the flag is applied even when the pipeline could not be started
		h.logger.Warn("Feed toggled with errors", logger.String("feed_id", id), logger.Error(err))
	}

	feed, ok := h.app.Manager().GetFeed(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, "Feed not found")
		return
	}
	h.writeJSON(w, http.StatusOK, h.feedResponse(feed))
}

// GetFeedHistory returns final captions from the last N minutes
func (h *Handler) GetFeedHistory(w http.ResponseWriter, r *http.Request) {
	feed, ok := h.feed(w, r)
	if !ok {
		return
	}

	minutes := int(h.app.HistoryWindow() / time.Minute)
	if v := r.URL.Query().Get("minutes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < minHistoryMinutes || n > maxHistoryMinutes {
			h.writeError(w, http.StatusBadRequest, "minutes must be an integer between 1 and 60")
			return
		}
		minutes = n
	}

	captions := feed.History(time.Duration(minutes) * time.Minute)
	h.writeJSON(w, http.StatusOK, FeedHistoryResponse{
		FeedID:   feed.ID(),
		Minutes:  minutes,
		Count:    len(captions),
		Captions: captions,
	})
}

// GetFeedCurrent returns the text currently shown for a feed
func (h *Handler) GetFeedCurrent(w http.ResponseWriter, r *http.Request) {
	feed, ok := h.feed(w, r)
	if !ok {
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"feed_id": feed.ID(),
		"text":    feed.CurrentText(),
	})
}

// StartCaptioning starts every enabled feed. The optional body selects the device.
func (h *Handler) StartCaptioning(w http.ResponseWriter, r *http.Request) {
	sel := app.DeviceSelector{ID: h.config.Audio.DeviceID, Name: h.config.Audio.Device}
	if err := json.NewDecoder(r.Body).Decode(&sel); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	err := h.app.StartCaptioning(r.Context(), sel)
	switch {
	case errors.Is(err, app.ErrAlreadyRunning):
		h.writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, capture.ErrDeviceNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		h.logger.Error("Failed to start captioning", logger.Error(err))
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, h.app.Status())
}

// StopCaptioning stops every feed pipeline
func (h *Handler) StopCaptioning(w http.ResponseWriter, r *http.Request) {
	h.app.StopCaptioning()
	h.writeJSON(w, http.StatusOK, h.app.Status())
}

// HandleEvents upgrades to the global event channel
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	h.app.Events().HandleGlobal(w, r)
}

// HandleFeedCaptions upgrades to the caption channel of one feed
func (h *Handler) HandleFeedCaptions(w http.ResponseWriter, r *http.Request) {
	h.app.Events().HandleFeed(w, r)
}

func (h *Handler) feed(w http.ResponseWriter, r *http.Request) (*feeds.Feed, bool) {
	feed, ok := h.app.Manager().GetFeed(chi.URLParam(r, "id"))
	if !ok {
		h.writeError(w, http.StatusNotFound, "Feed not found")
		return nil, false
	}
	return feed, true
}

func (h *Handler) feedResponse(feed *feeds.Feed) FeedResponse {
	resp := FeedResponse{Info: feed.Info()}
	if status, ok := h.app.FeedStatus(feed.ID()); ok {
		resp.Status = &status
	}
	return resp
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", logger.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
