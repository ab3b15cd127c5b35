// Package viewer serves the local control API a thin UI drives the peer
// through: JSON endpoints, one SSE stream of state changes, media
// websockets and the log tail.
package viewer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/duocall/internal/call"
	"github.com/petervdpas/duocall/internal/chat"
	"github.com/petervdpas/duocall/internal/contacts"
	"github.com/petervdpas/duocall/internal/invite"
	"github.com/petervdpas/duocall/internal/notice"
	"github.com/petervdpas/duocall/internal/viewer/routes"
)

var log = logging.Logger("viewer")

type Viewer struct {
	SelfID   string
	SelfName string

	// CfgPath enables the quick settings endpoints.
	CfgPath string

	Contacts *contacts.Manager
	Invite   *invite.Machine
	Call     *call.Manager
	Chat     *chat.Manager
	Notices  *notice.Board
	Logs     *LogBuffer

	// Hangup ends the active call on both the invitation and media side.
	Hangup func() bool

	// UIDir, when set, is served as a static front end at /.
	UIDir string

	// Debug adds request logging.
	Debug bool
}

func NewRouter(v Viewer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if v.Debug {
		r.Use(middleware.Logger)
	}
	r.Use(noCache)

	deps := routes.Deps{
		SelfID:   v.SelfID,
		SelfName: v.SelfName,
		CfgPath:  v.CfgPath,
		Contacts: v.Contacts,
		Invite:   v.Invite,
		Call:     v.Call,
		Chat:     v.Chat,
		Notices:  v.Notices,
		Hangup:   v.Hangup,
	}
	if v.Logs != nil {
		deps.Logs = v.Logs
	}
	routes.Register(r, deps)
	if v.UIDir != "" {
		r.Get("/*", serveUI(v.UIDir))
	}
	return r
}

// Start serves the control API on addr until ctx is done.
func Start(ctx context.Context, addr string, v Viewer) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(v),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Infof("control API on http://%s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
