package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/petervdpas/duocall/internal/util"
)

// DefaultAPIBase is used when neither the config file nor the environment
// names a backend.
const DefaultAPIBase = "http://localhost:4000"

// DefaultSTUN is the public STUN server used when no ICE servers are configured.
const DefaultSTUN = "stun:stun.l.google.com:19302"

// Environment overrides, applied after the JSON file and the optional .env.
const (
	EnvAPIBase     = "DUOCALL_API_BASE"
	EnvSocketURL   = "DUOCALL_SOCKET_URL"
	EnvToken       = "DUOCALL_TOKEN"
	EnvTokenFile   = "DUOCALL_TOKEN_FILE"
	EnvDisplayName = "DUOCALL_DISPLAY_NAME"
	EnvHTTPAddr    = "DUOCALL_HTTP_ADDR"
	EnvLogLevel    = "DUOCALL_LOG_LEVEL"
)

type Config struct {
	API      API      `json:"api"`
	Identity Identity `json:"identity"`
	Media    Media    `json:"media"`
	Invite   Invite   `json:"invite"`
	Chat     Chat     `json:"chat"`
	Viewer   Viewer   `json:"viewer"`
	Log      Log      `json:"log"`
}

type API struct {
	// BaseURL is the REST backend, e.g. https://api.example.org
	BaseURL string `json:"base_url"`

	// SignalingURL overrides the websocket endpoint. Empty means derive it
	// from BaseURL (https -> wss, http -> ws, same host and port).
	SignalingURL string `json:"signaling_url"`
}

type Identity struct {
	// TokenFile holds the bearer token issued by the identity provider.
	// Relative to the peer directory. The file is watched and reloaded.
	TokenFile string `json:"token_file"`

	// Token is a literal bearer token. Only settable through the environment;
	// never written back to disk.
	Token string `json:"-"`

	// UserID and DisplayName override the claims carried by the token.
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type Media struct {
	ICEServers []ICEServer `json:"ice_servers"`

	// Initial enabled state of the captured tracks.
	MicOn bool `json:"mic_on"`
	CamOn bool `json:"cam_on"`
}

type Invite struct {
	// TimeoutSec expires unanswered invitations. 0 disables expiry.
	TimeoutSec int `json:"timeout_seconds"`
}

type Chat struct {
	BufferSize int `json:"buffer_size"`
}

type Viewer struct {
	// HTTPAddr of the local control API, e.g. 127.0.0.1:7788. Empty disables it.
	HTTPAddr string `json:"http_addr"`

	// UIDir is an optional static front end served at /. Relative to the
	// peer directory.
	UIDir string `json:"ui_dir"`
	Debug bool   `json:"debug"`
}

type Log struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

func Default() Config {
	return Config{
		API: API{
			BaseURL: DefaultAPIBase,
		},
		Identity: Identity{
			TokenFile: "data/token",
		},
		Media: Media{
			ICEServers: []ICEServer{
				{URLs: []string{DefaultSTUN}},
			},
			MicOn: true,
			CamOn: true,
		},
		Invite: Invite{
			TimeoutSec: 45,
		},
		Chat: Chat{
			BufferSize: 200,
		},
		Viewer: Viewer{
			HTTPAddr: "127.0.0.1:7788",
		},
		Log: Log{
			Level:  "info",
			Format: "color",
		},
	}
}

func (c *Config) Validate() error {
	// API
	if err := validateHTTPURL(c.API.BaseURL); err != nil {
		return fmt.Errorf("api.base_url: %w", err)
	}
	if s := strings.TrimSpace(c.API.SignalingURL); s != "" {
		u, err := url.Parse(s)
		if err != nil {
			return fmt.Errorf("api.signaling_url: invalid url: %v", err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return errors.New("api.signaling_url: scheme must be ws or wss")
		}
		if u.Host == "" {
			return errors.New("api.signaling_url: missing host")
		}
	}

	// Identity
	if strings.TrimSpace(c.Identity.TokenFile) == "" && strings.TrimSpace(c.Identity.Token) == "" {
		return errors.New("identity.token_file is required when no token is set in the environment")
	}

	// Media
	if len(c.Media.ICEServers) == 0 {
		return errors.New("media.ice_servers must not be empty")
	}
	for i, s := range c.Media.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("media.ice_servers[%d].urls must not be empty", i)
		}
	}

	// Invite
	if c.Invite.TimeoutSec < 0 {
		return errors.New("invite.timeout_seconds must be >= 0")
	}

	// Chat
	if c.Chat.BufferSize < 1 || c.Chat.BufferSize > 10000 {
		return errors.New("chat.buffer_size must be 1..10000")
	}

	// Log
	switch c.Log.Format {
	case "", "color", "plain", "json":
	default:
		return errors.New("log.format must be color, plain or json")
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
		}
	}
	return nil
}

// APIBase returns the REST base URL without a trailing slash.
func (c Config) APIBase() string {
	return strings.TrimRight(strings.TrimSpace(c.API.BaseURL), "/")
}

// SignalingEndpoint returns the websocket URL of the signaling server.
func (c Config) SignalingEndpoint() string {
	if s := strings.TrimSpace(c.API.SignalingURL); s != "" {
		return s
	}
	return DeriveSignalingURL(c.APIBase())
}

// DeriveSignalingURL maps an http(s) API base onto the websocket endpoint on
// the same host and port.
func DeriveSignalingURL(apiBase string) string {
	u, err := url.Parse(strings.TrimSpace(apiBase))
	if err != nil || u.Host == "" {
		return ""
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	return scheme + "://" + u.Host
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	// .env next to the config file feeds the environment overrides.
	envFile := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ApplyEnv overlays the DUOCALL_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvAPIBase); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv(EnvSocketURL); v != "" {
		c.API.SignalingURL = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		c.Identity.Token = v
	}
	if v := os.Getenv(EnvTokenFile); v != "" {
		c.Identity.TokenFile = v
	}
	if v := os.Getenv(EnvDisplayName); v != "" {
		c.Identity.DisplayName = v
	}
	if v := os.Getenv(EnvHTTPAddr); v != "" {
		c.Viewer.HTTPAddr = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = v
	}
}

func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads path, creating it with defaults first when it does not exist.
// The second return value reports whether the file was created.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	cfg, err := Load(path)
	return cfg, true, err
}
