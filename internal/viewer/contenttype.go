package viewer

import (
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// contentTypeForPath pins the types browsers enforce for module scripts and
// styles, and sniffs the rest.
func contentTypeForPath(rel string, data []byte) string {
	switch ext := strings.ToLower(path.Ext(rel)); ext {
	case ".css":
		return "text/css; charset=utf-8"
	case ".js", ".mjs":
		return "application/javascript; charset=utf-8"
	case ".html", ".htm":
		return "text/html; charset=utf-8"
	case ".svg":
		return "image/svg+xml"
	case ".webm":
		return "video/webm"
	case "":
	default:
		if mt := mime.TypeByExtension(ext); mt != "" {
			return mt
		}
	}
	return http.DetectContentType(data)
}

// serveUI serves a static front end from dir. Unknown paths fall back to
// index.html so client-side routes survive a reload.
func serveUI(dir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rel := path.Clean("/" + r.URL.Path)
		if rel == "/" {
			rel = "/index.html"
		}
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
		if errors.Is(err, fs.ErrNotExist) && path.Ext(rel) == "" {
			rel = "/index.html"
			data, err = os.ReadFile(filepath.Join(dir, "index.html"))
		}
		if err != nil {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", contentTypeForPath(rel, data))
		w.Header().Set("X-Content-Type-Options", "nosniff")
		_, _ = w.Write(data)
	}
}
