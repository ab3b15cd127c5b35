package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func registerChatRoutes(r chi.Router, d Deps) {
	if d.Chat == nil {
		return
	}
	m := d.Chat

	r.Get("/api/chat", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]any{
			"room_id":  m.RoomID(),
			"messages": m.Messages(),
			"unread":   m.Unread(),
			"open":     m.PanelOpen(),
			"read_at":  m.ReadAt(),
		})
	})

	// POST /api/chat {"text": "..."}
	r.Post("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text string `json:"text"`
		}
		if decodeJSON(w, r, &req) != nil {
			return
		}
		msg, err := m.Send(req.Text)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, msg)
	})

	r.Post("/api/chat/open", func(w http.ResponseWriter, _ *http.Request) {
		m.OpenPanel()
		writeJSON(w, map[string]int{"unread": m.Unread()})
	})

	r.Post("/api/chat/close", func(w http.ResponseWriter, _ *http.Request) {
		m.ClosePanel()
		writeJSON(w, map[string]int{"unread": m.Unread()})
	})
}
