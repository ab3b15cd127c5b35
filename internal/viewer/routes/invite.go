package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func registerInviteRoutes(r chi.Router, d Deps) {
	if d.Invite == nil {
		return
	}
	m := d.Invite

	r.Get("/api/invite", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, m.Snapshot())
	})

	// POST /api/invite {"contact_id": "..."}
	r.Post("/api/invite", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ContactID string `json:"contact_id"`
		}
		if decodeJSON(w, r, &req) != nil {
			return
		}
		if req.ContactID == "" {
			http.Error(w, "missing contact_id", http.StatusBadRequest)
			return
		}
		room, err := m.Invite(req.ContactID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "inviting", "room_id": room})
	})

	r.Post("/api/invite/cancel", func(w http.ResponseWriter, _ *http.Request) {
		if err := m.Cancel(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "canceled"})
	})

	r.Post("/api/invite/accept", func(w http.ResponseWriter, _ *http.Request) {
		room, err := m.Accept()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "accepted", "room_id": room})
	})

	r.Post("/api/invite/reject", func(w http.ResponseWriter, _ *http.Request) {
		if err := m.Reject(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "rejected"})
	})

	// POST /api/call/join {"room_id": "..."} enters a room without an invitation.
	r.Post("/api/call/join", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RoomID string `json:"room_id"`
		}
		if decodeJSON(w, r, &req) != nil {
			return
		}
		if req.RoomID == "" {
			http.Error(w, "missing room_id", http.StatusBadRequest)
			return
		}
		if err := m.Join(req.RoomID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "joining", "room_id": req.RoomID})
	})

	r.Post("/api/call/end", func(w http.ResponseWriter, _ *http.Request) {
		ended := false
		if d.Hangup != nil {
			ended = d.Hangup()
		} else {
			ended = m.EndCall()
		}
		writeJSON(w, map[string]bool{"ended": ended})
	})
}
