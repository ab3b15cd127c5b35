package routes

import (
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/petervdpas/duocall/internal/config"
)

func registerSettingsRoutes(r chi.Router, d Deps) {
	if d.CfgPath == "" {
		return
	}

	r.Get("/api/settings/quick", func(w http.ResponseWriter, _ *http.Request) {
		cfg, err := config.Load(d.CfgPath)
		if err != nil {
			http.Error(w, "failed to load config", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{
			"display_name":    cfg.Identity.DisplayName,
			"mic_on":          cfg.Media.MicOn,
			"cam_on":          cfg.Media.CamOn,
			"invite_timeout":  cfg.Invite.TimeoutSec,
			"chat_buffer":     cfg.Chat.BufferSize,
			"restart_applies": true,
		})
	})

	// Partial update: only non-nil fields are written. Changes take effect on
	// the next start.
	r.Post("/api/settings/quick", func(w http.ResponseWriter, r *http.Request) {
		if !isLocalRequest(r) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		var req struct {
			DisplayName   *string `json:"display_name"`
			MicOn         *bool   `json:"mic_on"`
			CamOn         *bool   `json:"cam_on"`
			InviteTimeout *int    `json:"invite_timeout"`
		}
		if decodeJSON(w, r, &req) != nil {
			return
		}

		cfg, err := config.Load(d.CfgPath)
		if err != nil {
			http.Error(w, "failed to load config", http.StatusInternalServerError)
			return
		}
		if req.DisplayName != nil {
			cfg.Identity.DisplayName = strings.TrimSpace(*req.DisplayName)
		}
		if req.MicOn != nil {
			cfg.Media.MicOn = *req.MicOn
		}
		if req.CamOn != nil {
			cfg.Media.CamOn = *req.CamOn
		}
		if req.InviteTimeout != nil {
			cfg.Invite.TimeoutSec = *req.InviteTimeout
		}

		if err := config.Save(d.CfgPath, cfg); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})
}

func isLocalRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
