package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/petervdpas/duocall/internal/call"
	"github.com/petervdpas/duocall/internal/chat"
	"github.com/petervdpas/duocall/internal/contacts"
	"github.com/petervdpas/duocall/internal/invite"
	"github.com/petervdpas/duocall/internal/notice"
)

type Logs interface {
	ServeLogsJSON(w http.ResponseWriter, r *http.Request)
	ServeLogsSSE(w http.ResponseWriter, r *http.Request)
}

type Deps struct {
	SelfID   string
	SelfName string

	// CfgPath enables the settings endpoints.
	CfgPath string

	Contacts *contacts.Manager
	Invite   *invite.Machine
	Call     *call.Manager
	Chat     *chat.Manager
	Notices  *notice.Board
	Logs     Logs

	Hangup func() bool
}

// Register mounts every endpoint whose component is present.
func Register(r chi.Router, d Deps) {
	r.Get("/api/self", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, map[string]string{"id": d.SelfID, "name": d.SelfName})
	})

	registerAPILogRoutes(r, d)
	registerContactRoutes(r, d)
	registerInviteRoutes(r, d)
	registerCallRoutes(r, d)
	registerChatRoutes(r, d)
	registerNoticeRoutes(r, d)
	registerEventRoutes(r, d)
	registerSettingsRoutes(r, d)
}
