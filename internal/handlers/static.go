package handlers

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// staticFileHandler serves a single-page front end, falling back to
// index.html for unknown paths so client-side routes resolve.
type staticFileHandler struct {
	staticDir string
	indexFile string
	mimeTypes map[string]string
}

func newStaticFileHandler(dir string) *staticFileHandler {
	return &staticFileHandler{
		staticDir: dir,
		indexFile: filepath.Join(dir, "index.html"),
		mimeTypes: map[string]string{
			".html":  "text/html",
			".js":    "application/javascript",
			".mjs":   "application/javascript",
			".css":   "text/css",
			".json":  "application/json",
			".png":   "image/png",
			".svg":   "image/svg+xml",
			".ico":   "image/x-icon",
			".woff2": "font/woff2",
		},
	}
}

func (h *staticFileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if strings.HasPrefix(path, "/api/") || path == "/metrics" {
		http.NotFound(w, r)
		return
	}

	filePath := filepath.Join(h.staticDir, filepath.Clean("/"+path))

	info, err := os.Stat(filePath)
	if err == nil && !info.IsDir() {
		ext := strings.ToLower(filepath.Ext(filePath))
		if mimeType, ok := h.mimeTypes[ext]; ok {
			w.Header().Set("Content-Type", mimeType)
		}
		http.ServeFile(w, r, filePath)
		return
	}

	http.ServeFile(w, r, h.indexFile)
}
