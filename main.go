// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/callcore/internal/app"
	"github.com/petervdpas/callcore/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const configFile = "callcore.json"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("callcore v%s\n", appVersion)
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

	switch args[0] {
	case "init":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: init requires a directory and a user id")
			fmt.Fprintln(os.Stderr, "Usage: callcore init <directory> <user-id>")
			os.Exit(1)
		}
		runInit(args[1], args[2])

	case "run":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: run requires a directory path")
			fmt.Fprintln(os.Stderr, "Usage: callcore run <directory>")
			os.Exit(1)
		}
		runNode(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func runInit(dirArg, userID string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, configFile)
	_, created, err := config.Ensure(cfgPath, userID)
	if err != nil {
		log.Fatalf("Failed to create config: %v", err)
	}
	if created {
		fmt.Printf("Created %s\n", cfgPath)
	} else {
		fmt.Printf("Config already exists: %s\n", cfgPath)
	}
}

func runNode(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}

	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Directory does not exist: %s", absDir)
	}

	cfgPath := filepath.Join(absDir, configFile)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config (run 'callcore init' first?): %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Shutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		Dir:     absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		Version: appVersion,
	}); err != nil {
		log.Fatalf("callcore failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("callcore - one-to-one audio/video calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  callcore init <directory> <user-id>   Write a default callcore.json")
	fmt.Println("  callcore run <directory>              Run the call node for that directory")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Environment (also read from <directory>/.env):")
	fmt.Println("  CALLCORE_SIGNALING_URL      relay WebSocket URL")
	fmt.Println("  CALLCORE_SIGNALING_SECRET   HS256 secret for relay tokens")
	fmt.Println("  CALLCORE_USER_ID            overrides identity.user_id")
	fmt.Println("  CALLCORE_LOG_LEVEL          debug, info, warn or error")
}
