package app

import (
	"bytes"
	"strings"
	"testing"

	"github.com/petervdpas/duocall/internal/config"
)

func TestNormalizeLocalViewer(t *testing.T) {
	cases := map[string]string{
		":7788":          "127.0.0.1:7788",
		"0.0.0.0:7788":   "127.0.0.1:7788",
		"127.0.0.1:9000": "127.0.0.1:9000",
	}
	for in, want := range cases {
		addr, url, _ := NormalizeLocalViewer(in)
		if addr != want || url != "http://"+want {
			t.Errorf("NormalizeLocalViewer(%q) = %q, %q", in, addr, url)
		}
	}
}

func TestPromptKeepsDefaultsOnEmptyAnswers(t *testing.T) {
	var out bytes.Buffer
	cfg := prompt(strings.NewReader(strings.Repeat("\n", 8)), &out, "/tmp/p", "/tmp/p/duocall.json", config.Default())
	if cfg.API.BaseURL != config.DefaultAPIBase || cfg.Invite.TimeoutSec != 45 || !cfg.Media.CamOn {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestPromptAppliesAnswers(t *testing.T) {
	answers := strings.Join([]string{
		"https://api.example.org",
		"",
		"secrets/token",
		"Alice",
		"",
		"y",
		"no",
		"abc",
		"0",
	}, "\n") + "\n"
	var out bytes.Buffer
	cfg := prompt(strings.NewReader(answers), &out, "/tmp/p", "/tmp/p/duocall.json", config.Default())

	if cfg.API.BaseURL != "https://api.example.org" || cfg.SignalingEndpoint() != "wss://api.example.org" {
		t.Fatalf("api = %+v", cfg.API)
	}
	if cfg.Identity.TokenFile != "secrets/token" || cfg.Identity.DisplayName != "Alice" {
		t.Fatalf("identity = %+v", cfg.Identity)
	}
	if !cfg.Media.MicOn || cfg.Media.CamOn {
		t.Fatalf("media = %+v", cfg.Media)
	}
	if cfg.Invite.TimeoutSec != 0 {
		t.Fatalf("timeout = %d", cfg.Invite.TimeoutSec)
	}
	if !strings.Contains(out.String(), "Please enter a number.") {
		t.Fatal("invalid number not reported")
	}
}

func TestPromptRejectsInvalidConfig(t *testing.T) {
	var out bytes.Buffer
	cfg := prompt(strings.NewReader("ftp://nope\n"+strings.Repeat("\n", 7)), &out, "/tmp/p", "/tmp/p/duocall.json", config.Default())
	if cfg.API.BaseURL != config.DefaultAPIBase {
		t.Fatalf("base url = %q", cfg.API.BaseURL)
	}
	if !strings.Contains(out.String(), "Keeping defaults") {
		t.Fatal("validation failure not reported")
	}
}

func TestICEServersConversion(t *testing.T) {
	got := iceServers([]config.ICEServer{
		{URLs: []string{"stun:a"}},
		{URLs: []string{"turn:b"}, Username: "u", Credential: "p"},
	})
	if len(got) != 2 || got[0].URLs[0] != "stun:a" || got[1].Credential != "p" || got[1].Username != "u" {
		t.Fatalf("ice servers = %+v", got)
	}
}

func TestSetupLoggingRejectsUnknownLevel(t *testing.T) {
	if err := SetupLogging(config.Log{Level: "loud"}); err == nil {
		t.Fatal("expected error")
	}
	if err := SetupLogging(config.Log{Level: "debug", Format: "plain"}); err != nil {
		t.Fatal(err)
	}
}
