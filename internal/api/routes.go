package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/yegors/streamcaptioner/internal/app"
	"github.com/yegors/streamcaptioner/internal/config"
	"github.com/yegors/streamcaptioner/pkg/logger"
)

// Router is the API router
type Router struct {
	handler    *Handler
	middleware *Middleware
	config     *config.Config
	logger     *logger.Logger
}

// NewRouter creates a new API router
func NewRouter(application *app.App, config *config.Config, logger *logger.Logger) *Router {
	return &Router{
		handler:    NewHandler(application, config, logger),
		middleware: NewMiddleware(logger),
		config:     config,
		logger:     logger.Named("api-router"),
	}
}

// Routes returns the API routes
func (r *Router) Routes() http.Handler {
	router := chi.NewRouter()

	// Middleware
	router.Use(r.middleware.RequestID)
	router.Use(r.middleware.Logger)
	router.Use(r.middleware.Recoverer)
	router.Use(r.middleware.CORS(r.config.Web.CORSAllowedOrigins))

	router.Route("/api/v1", func(router chi.Router) {
		router.Get("/health", r.handler.GetHealth)
		router.Get("/devices", r.handler.GetDevices)
		router.Get("/status", r.handler.GetStatus)

		// Feed routes
		router.Get("/feeds", r.handler.GetAllFeeds)
		router.Post("/feeds", r.handler.CreateFeed)
		router.Get("/feeds/{id}", r.handler.GetFeed)
		router.Delete("/feeds/{id}", r.handler.DeleteFeed)
		router.Put("/feeds/{id}/enabled", r.handler.SetFeedEnabled)
		router.Get("/feeds/{id}/history", r.handler.GetFeedHistory)
		router.Get("/feeds/{id}/current", r.handler.GetFeedCurrent)

		// Live audio of a feed
		router.Get("/feeds/{id}/audio", r.handler.StreamFeedAudio)
		router.Head("/feeds/{id}/audio", r.handler.StreamFeedAudio)

		// Captioning control
		router.Post("/captioning/start", r.handler.StartCaptioning)
		router.Post("/captioning/stop", r.handler.StopCaptioning)

		// WebSocket routes
		router.Get("/ws", r.handler.HandleEvents)
		router.Get("/ws/{id}", r.handler.HandleFeedCaptions)
	})

	// Serve static files from the configured directory
	staticHandler := NewStaticFileHandler(r.config.Web.StaticDir, r.logger)
	router.Handle("/*", staticHandler)

	return router
}
