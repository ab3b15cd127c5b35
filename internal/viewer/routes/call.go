package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/duocall/internal/call"
)

var log = logging.Logger("viewer")

func registerCallRoutes(r chi.Router, d Deps) {
	if d.Call == nil {
		return
	}
	mgr := d.Call

	// GET /api/call/status: zero value when no session is active.
	r.Get("/api/call/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, mgr.Status())
	})

	r.Post("/api/call/mic", func(w http.ResponseWriter, _ *http.Request) {
		on, err := mgr.ToggleMic()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"mic_on": on})
	})

	r.Post("/api/call/cam", func(w http.ResponseWriter, r *http.Request) {
		on, err := mgr.ToggleCam(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"cam_on": on})
	})

	r.Post("/api/call/retry-media", func(w http.ResponseWriter, r *http.Request) {
		if err := mgr.RetryMedia(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, mgr.Status())
	})

	// POST /api/call/leave hangs up like /api/call/end, so the server hears
	// call:end. Without a hangup hook only the media session is dropped.
	r.Post("/api/call/leave", func(w http.ResponseWriter, _ *http.Request) {
		if d.Hangup != nil {
			writeJSON(w, map[string]bool{"left": d.Hangup()})
			return
		}
		writeJSON(w, map[string]bool{"left": mgr.Leave()})
	})

	// GET /api/call/media/{which}: WebSocket of WebM messages for MSE. The
	// first message is the init segment, then one cluster per frame.
	r.Get("/api/call/media/{which}", func(w http.ResponseWriter, r *http.Request) {
		var sink *call.StreamSink
		switch which := chi.URLParam(r, "which"); which {
		case "local":
			sink = mgr.LocalSink()
		case "remote":
			sink = mgr.RemoteSink()
		default:
			http.Error(w, "unknown stream "+which, http.StatusNotFound)
			return
		}

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warnf("media websocket upgrade: %v", err)
			return
		}
		defer conn.Close()

		dataCh, cancel := sink.Subscribe()
		defer cancel()

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-closed:
				return
			case data, ok := <-dataCh:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
					return
				}
			}
		}
	})
}
