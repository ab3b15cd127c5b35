package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func registerNoticeRoutes(r chi.Router, d Deps) {
	if d.Notices == nil {
		return
	}
	b := d.Notices

	r.Get("/api/notices", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, b.Active())
	})

	r.Post("/api/notices/{id}/dismiss", func(w http.ResponseWriter, r *http.Request) {
		if !b.Dismiss(chi.URLParam(r, "id")) {
			http.Error(w, "notice not found", http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]string{"status": "dismissed"})
	})
}
