package api

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/yegors/windburglr/pkg/logger"
)

// StaticFileHandler serves the web UI. Unknown paths without an extension
// fall back to index.html so station pages can be deep linked.
type StaticFileHandler struct {
	staticDir string
	logger    *logger.Logger
}

// NewStaticFileHandler creates a new static file handler
func NewStaticFileHandler(staticDir string, log *logger.Logger) *StaticFileHandler {
	return &StaticFileHandler{
		staticDir: staticDir,
		logger:    log.Named("static-handler"),
	}
}

// ServeHTTP serves a file from the static directory
func (h *StaticFileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(filepath.Clean("/"+r.URL.Path), "/")
	if rel == "" {
		rel = "index.html"
	}

	root, err := filepath.Abs(h.staticDir)
	if err != nil {
		h.logger.Error("Failed to resolve static directory", logger.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	full := filepath.Join(root, rel)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		h.logger.Warn("Rejected path outside static directory", logger.String("requested_path", r.URL.Path))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	info, err := os.Stat(full)
	switch {
	case err == nil && info.IsDir():
		full = filepath.Join(full, "index.html")
		if _, err := os.Stat(full); err != nil {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	case os.IsNotExist(err) && filepath.Ext(rel) == "":
		full = filepath.Join(root, "index.html")
	case os.IsNotExist(err):
		http.NotFound(w, r)
		return
	case err != nil:
		h.logger.Error("Failed to stat file", logger.Error(err), logger.String("path", full))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	if strings.HasSuffix(full, ".html") {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	} else {
		w.Header().Set("Cache-Control", "public, max-age=3600")
	}

	h.logger.Debug("Serving static file",
		logger.String("requested_path", r.URL.Path),
		logger.String("file_path", full))
	http.ServeFile(w, r, full)
}
