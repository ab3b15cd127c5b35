package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/petervdpas/duocall/internal/app"
	"github.com/petervdpas/duocall/internal/config"
	"github.com/petervdpas/duocall/internal/util"
)

const cfgFile = "duocall.json"

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	openUI   = flag.Bool("open", false, "Open the control API in the default browser")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("duocall v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch command := args[0]; command {
	case "version":
		fmt.Printf("duocall v%s\n", appVersion)

	case "run":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: run command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: duocall [-open] run <client-directory>")
			os.Exit(1)
		}
		runClient(args[1])

	case "init":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: init command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: duocall init <client-directory>")
			os.Exit(1)
		}
		initClient(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func clientDir(arg string, create bool) string {
	absDir, err := filepath.Abs(arg)
	if err != nil {
		log.Fatalf("Invalid client directory: %v", err)
	}
	if create {
		if err := os.MkdirAll(absDir, 0o755); err != nil {
			log.Fatalf("Create client directory: %v", err)
		}
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Client directory does not exist: %s", absDir)
	}
	return absDir
}

func initClient(dirArg string) {
	absDir := clientDir(dirArg, true)
	cfgPath := filepath.Join(absDir, cfgFile)

	cfg := config.Default()
	if existing, err := config.Load(cfgPath); err == nil {
		cfg = existing
	}
	cfg = app.PromptInteractive(absDir, cfgPath, cfg)
	if err := config.Save(cfgPath, cfg); err != nil {
		log.Fatalf("Save config: %v", err)
	}
	fmt.Printf("Wrote %s\n", cfgPath)
}

func runClient(dirArg string) {
	absDir := clientDir(dirArg, false)

	cfgPath := filepath.Join(absDir, cfgFile)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Created default config %s\n", cfgPath)
	}

	printBanner(absDir, cfgPath, cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *openUI && cfg.Viewer.HTTPAddr != "" {
		go func() {
			_, url, tcpAddr := app.NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
			if err := app.WaitTCP(tcpAddr, 30*time.Second); err != nil {
				return
			}
			if err := util.OpenURL(url); err != nil {
				fmt.Fprintf(os.Stderr, "open browser: %v\n", err)
			}
		}()
	}

	err = app.Run(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	})
	if errors.Is(err, app.ErrSignalingLost) {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("Client failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("duocall - 1:1 video, audio and chat client")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  duocall [options] run <directory>   Run a client from the directory")
	fmt.Println("  duocall init <directory>            Write the directory's config interactively")
	fmt.Println("  duocall version                     Show version information")
	fmt.Println()
	fmt.Println("The directory holds duocall.json, an optional .env and the bearer token")
	fmt.Println("file. A missing duocall.json is created with defaults.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -open     Open the control API in the default browser once it is up")
	fmt.Println("  -version  Show version information")
}

func printBanner(dir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                    duocall client                      ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Client Directory: %s\n", dir)
	fmt.Printf("Config File:      %s\n", cfgPath)
	fmt.Printf("API:              %s\n", cfg.APIBase())
	fmt.Printf("Signaling:        %s\n", cfg.SignalingEndpoint())
	if cfg.Viewer.HTTPAddr != "" {
		_, url, _ := app.NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		fmt.Printf("Control API:      %s\n", url)
	}
	fmt.Println()
	fmt.Println("Starting client... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
