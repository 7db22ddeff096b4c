package server

import (
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Static serves files below a web root. Paths resolving outside the root, including
// through symbolic links, are refused.
type Static struct {
	root string
}

// NewStatic returns a handler serving webroot. The root itself is resolved once.
func NewStatic(webroot string) (*Static, error) {
	abs, err := filepath.Abs(webroot)
	if err != nil {
		return nil, fmt.Errorf("resolving webroot: %w", err)
	}
	root, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolving webroot: %w", err)
	}
	return &Static{root: root}, nil
}

func (s *Static) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	name := r.URL.Path
	if name == "" || name == "/" {
		name = "/index.html"
	}
	target := filepath.Join(s.root, filepath.FromSlash(path.Clean("/"+name)))

	real, err := filepath.EvalSymlinks(target)
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	if !s.contains(real) {
		slog.Warn("Refusing path outside webroot", "path", r.URL.Path, "resolved", real)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	f, err := os.Open(real)
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil || fi.IsDir() {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", contentType(real, f))
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
}

func (s *Static) contains(p string) bool {
	rel, err := filepath.Rel(s.root, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// contentType picks the type from the extension, falling back to sniffing the content.
// f is rewound afterwards.
func contentType(name string, f io.ReadSeeker) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	mt, err := mimetype.DetectReader(f)
	if _, serr := f.Seek(0, io.SeekStart); serr != nil || err != nil {
		return "application/octet-stream"
	}
	return mt.String()
}
