package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/duocall/internal/auth"
	"github.com/petervdpas/duocall/internal/call"
	"github.com/petervdpas/duocall/internal/chat"
	"github.com/petervdpas/duocall/internal/config"
	"github.com/petervdpas/duocall/internal/contacts"
	"github.com/petervdpas/duocall/internal/invite"
	"github.com/petervdpas/duocall/internal/notice"
	"github.com/petervdpas/duocall/internal/signal"
	"github.com/petervdpas/duocall/internal/state"
	"github.com/petervdpas/duocall/internal/util"
	"github.com/petervdpas/duocall/internal/viewer"
)

var log = logging.Logger("app")

// ErrSignalingLost is returned by Run when the server drops the signaling
// connection. There is no reconnect; the caller decides whether to restart.
var ErrSignalingLost = errors.New("signaling connection lost")

type Options struct {
	PeerDir  string
	CfgPath  string
	Cfg      config.Config
	Progress func(step, total int, label string)
}

func Run(ctx context.Context, opt Options) error {
	if err := SetupLogging(opt.Cfg.Log); err != nil {
		return err
	}

	logBuf := viewer.NewLogBuffer(800)
	followCtx, stopFollow := context.WithCancel(ctx)
	defer stopFollow()
	go logBuf.Follow(followCtx)

	logBanner(opt.PeerDir, opt.CfgPath)

	return runPeer(ctx, opt, logBuf)
}

// SetupLogging applies the configured level and output format to every
// subsystem logger.
func SetupLogging(c config.Log) error {
	lvl := logging.LevelInfo
	if s := strings.TrimSpace(c.Level); s != "" {
		var err error
		lvl, err = logging.LevelFromString(s)
		if err != nil {
			return fmt.Errorf("log.level: %w", err)
		}
	}
	format := logging.ColorizedOutput
	switch c.Format {
	case "plain":
		format = logging.PlaintextOutput
	case "json":
		format = logging.JSONOutput
	}
	logging.SetupLogging(logging.Config{
		Format: format,
		Level:  lvl,
		Stderr: true,
	})
	return nil
}

func runPeer(ctx context.Context, o Options, logBuf *viewer.LogBuffer) error {
	cfg := o.Cfg

	progress := o.Progress
	if progress == nil {
		progress = func(int, int, string) {}
	}
	step, total := 0, 5
	next := func(label string) {
		step++
		progress(step, total, label)
		log.Infof("(%d/%d) %s", step, total, label)
	}

	// ── Identity
	next("Resolving identity")
	tokens, err := tokenSource(o.PeerDir, cfg.Identity)
	if err != nil {
		return err
	}
	self, err := auth.Resolve(tokens.Token(), cfg.Identity.UserID, cfg.Identity.DisplayName)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	tokens.OnChange(func(string) { log.Infof("bearer token reloaded") })
	go func() {
		if err := tokens.Watch(ctx); err != nil {
			log.Warnf("token watch: %v", err)
		}
	}()
	log.Infof("signed in as %s (%s)", self.DisplayName, self.UserID)

	// ── Signaling
	next("Connecting to signaling server")
	sigURL := cfg.SignalingEndpoint()
	dialCtx, cancel := context.WithTimeout(ctx, util.DefaultConnectTimeout)
	sig, err := signal.Dial(dialCtx, sigURL, tokens.Token())
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", sigURL, err)
	}
	defer sig.Close()

	// ── Components
	next("Setting up services")
	notices := notice.NewBoard()

	dir := state.NewDirectory()
	contactMgr := contacts.New(dir, contacts.NewClient(cfg.APIBase(), tokens.Token), sig, self.UserID)

	api, capturer, err := call.NewPlatform()
	if err != nil {
		return fmt.Errorf("media platform: %w", err)
	}
	callMgr, err := call.New(sig, call.Options{
		API:         api,
		Capturer:    capturer,
		ICEServers:  iceServers(cfg.Media.ICEServers),
		DisplayName: self.DisplayName,
		MicOn:       cfg.Media.MicOn,
		CamOn:       cfg.Media.CamOn,
		Notices:     notices,
	})
	if err != nil {
		return err
	}
	defer callMgr.Close()

	chatMgr := chat.New(sig, chat.Sender{UserID: self.UserID, Name: self.DisplayName}, cfg.Chat.BufferSize)
	chatMgr.Start()
	defer chatMgr.Close()

	var inv *invite.Machine
	inv = invite.New(sig, contactMgr, invite.Options{
		SelfID:   self.UserID,
		SelfName: self.DisplayName,
		Timeout:  time.Duration(cfg.Invite.TimeoutSec) * time.Second,
		Notices:  notices,
		OnActive: func(roomID, remoteUserID string) {
			chatMgr.Begin(roomID)
			go func() {
				if _, err := callMgr.Join(ctx, roomID); err != nil {
					log.Errorf("[%s] join failed: %v", roomID, err)
					chatMgr.End()
					inv.EndCall()
				}
			}()
		},
	})
	inv.Start()
	defer inv.Close()

	callMgr.OnEnded(func(roomID string, reason call.EndReason) {
		log.Infof("[%s] session ended (%s)", roomID, reason)
		chatMgr.End()
		// A local leave went through hangup, which already ended the invite.
		if reason == call.EndRoomClosed {
			inv.SessionEnded(roomID)
		}
	})

	hangup := func() bool {
		ended := inv.EndCall()
		if callMgr.Leave() {
			ended = true
		}
		return ended
	}

	// Announces ONLINE, subscribes to presence and loads the directory.
	contactMgr.Start(ctx)

	// ── Viewer
	next("Starting control API")
	if cfg.Viewer.HTTPAddr != "" {
		addr, url, _ := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		uiDir := ""
		if cfg.Viewer.UIDir != "" {
			uiDir = util.ResolvePath(o.PeerDir, cfg.Viewer.UIDir)
		}
		go func() {
			err := viewer.Start(ctx, addr, viewer.Viewer{
				SelfID:   self.UserID,
				SelfName: self.DisplayName,
				CfgPath:  o.CfgPath,
				Contacts: contactMgr,
				Invite:   inv,
				Call:     callMgr,
				Chat:     chatMgr,
				Notices:  notices,
				Logs:     logBuf,
				Hangup:   hangup,
				UIDir:    uiDir,
				Debug:    cfg.Viewer.Debug,
			})
			if err != nil {
				log.Errorf("control API: %v", err)
			}
		}()
		log.Infof("control API: %s", url)
	}

	next("Online")

	var runErr error
	select {
	case <-ctx.Done():
	case <-sig.Done():
		runErr = ErrSignalingLost
		if err := sig.Err(); err != nil {
			runErr = fmt.Errorf("%w: %v", ErrSignalingLost, err)
		}
	}

	log.Infof("shutting down")
	hangup()
	contactMgr.Close()
	log.Infof("offline")
	return runErr
}

func tokenSource(peerDir string, id config.Identity) (*auth.TokenSource, error) {
	if t := strings.TrimSpace(id.Token); t != "" {
		return auth.Static(t), nil
	}
	return auth.FromFile(util.ResolvePath(peerDir, id.TokenFile))
}

func iceServers(in []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}
