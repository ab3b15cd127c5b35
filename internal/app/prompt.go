package app

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/petervdpas/duocall/internal/config"
)

// PromptInteractive walks through the settings a first run needs. Invalid
// answers fall back to the defaults.
func PromptInteractive(peerDir, cfgPath string, cfg config.Config) config.Config {
	return prompt(os.Stdin, os.Stdout, peerDir, cfgPath, cfg)
}

func prompt(r io.Reader, w io.Writer, peerDir, cfgPath string, cfg config.Config) config.Config {
	in := bufio.NewReader(r)

	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w, "duocall interactive setup")
	fmt.Fprintf(w, " Client folder : %s\n", peerDir)
	fmt.Fprintf(w, " Config file   : %s\n", cfgPath)
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintln(w)

	cfg.API.BaseURL = askString(in, w, "API base URL", cfg.API.BaseURL)
	cfg.API.SignalingURL = askString(in, w, "Signaling URL (empty=derive)", cfg.API.SignalingURL)
	cfg.Identity.TokenFile = askString(in, w, "Token file", cfg.Identity.TokenFile)
	cfg.Identity.DisplayName = askString(in, w, "Display name (empty=from token)", cfg.Identity.DisplayName)
	cfg.Viewer.HTTPAddr = askString(in, w, "Control API addr (empty=off)", cfg.Viewer.HTTPAddr)
	cfg.Media.MicOn = askBool(in, w, "Microphone on when joining", cfg.Media.MicOn)
	cfg.Media.CamOn = askBool(in, w, "Camera on when joining", cfg.Media.CamOn)
	cfg.Invite.TimeoutSec = askInt(in, w, "Invitation timeout seconds (0=never)", cfg.Invite.TimeoutSec)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(w, "Invalid config: %v\nKeeping defaults.\n", err)
		return config.Default()
	}
	return cfg
}

func askString(in *bufio.Reader, w io.Writer, label, def string) string {
	fmt.Fprintf(w, "%s [%s]: ", label, def)
	s, _ := in.ReadString('\n')
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	return s
}

func askInt(in *bufio.Reader, w io.Writer, label string, def int) int {
	for {
		fmt.Fprintf(w, "%s [%d]: ", label, def)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(s)
		if s == "" {
			return def
		}
		if v, err := strconv.Atoi(s); err == nil {
			return v
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter a number.")
	}
}

func askBool(in *bufio.Reader, w io.Writer, label string, def bool) bool {
	defStr := "n"
	if def {
		defStr = "y"
	}
	for {
		fmt.Fprintf(w, "%s [y/n] (default=%s): ", label, defStr)
		s, err := in.ReadString('\n')
		s = strings.TrimSpace(strings.ToLower(s))
		if s == "" {
			return def
		}
		switch s {
		case "y", "yes", "true", "1":
			return true
		case "n", "no", "false", "0":
			return false
		}
		if err != nil {
			return def
		}
		fmt.Fprintln(w, "Please enter y or n.")
	}
}
