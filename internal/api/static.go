package api

import (
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/yegors/streamcaptioner/pkg/logger"
)

// StaticFileHandler serves the web UI and overlay pages
type StaticFileHandler struct {
	dir        string
	fileServer http.Handler
	logger     *logger.Logger
}

// NewStaticFileHandler creates a handler for dir. A missing directory answers 404.
func NewStaticFileHandler(dir string, log *logger.Logger) *StaticFileHandler {
	if _, err := os.Stat(dir); err != nil {
		log.Warn("Static files directory not available", logger.String("dir", dir), logger.Error(err))
	}
	return &StaticFileHandler{
		dir:        dir,
		fileServer: http.FileServer(http.Dir(dir)),
		logger:     log.Named("static"),
	}
}

func (h *StaticFileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Extensionless paths fall back to index.html so overlay URLs like /overlay/main work
	clean := path.Clean("/" + r.URL.Path)
	if path.Ext(clean) == "" {
		if _, err := os.Stat(filepath.Join(h.dir, filepath.FromSlash(clean))); err != nil {
			http.ServeFile(w, r, filepath.Join(h.dir, "index.html"))
			return
		}
	}
	h.fileServer.ServeHTTP(w, r)
}
