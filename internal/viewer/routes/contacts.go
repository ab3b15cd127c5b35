package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func registerContactRoutes(r chi.Router, d Deps) {
	if d.Contacts == nil {
		return
	}
	dir := d.Contacts.Directory()

	// GET /api/contacts: most recently called first.
	r.Get("/api/contacts", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"contacts":     dir.Sorted(),
			"using_roster": dir.UsingRoster(),
			"loaded":       dir.Loaded(),
		})
	})

	r.Post("/api/contacts/refresh", func(w http.ResponseWriter, r *http.Request) {
		d.Contacts.Refresh(r.Context())
		writeJSON(w, map[string]any{
			"contacts":     dir.Sorted(),
			"using_roster": dir.UsingRoster(),
		})
	})
}
