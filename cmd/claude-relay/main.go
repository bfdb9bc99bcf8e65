// Package main is the entry point for the claude-relay MCP bridge.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sevir/claude-relay/internal/config"
	"github.com/sevir/claude-relay/internal/launcher"
	"github.com/sevir/claude-relay/internal/logging"
	"github.com/sevir/claude-relay/internal/notify"
	"github.com/sevir/claude-relay/internal/registry"
	"github.com/sevir/claude-relay/internal/server"
	"github.com/sevir/claude-relay/internal/watchdog"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	// Parse flags
	var (
		configPath  = flag.String("config", "", "Path to config file")
		host        = flag.String("host", "", "Server host (default: 127.0.0.1)")
		port        = flag.Int("port", 0, "Server port (default: 8915)")
		claudeBin   = flag.String("claude-bin", "", "Path to the claude executable")
		debug       = flag.Bool("debug", false, "Enable debug logging")
		noNotify    = flag.Bool("no-notify", false, "Disable desktop notifications")
		showVersion = flag.Bool("version", false, "Show version and exit")
		initConfig  = flag.Bool("init", false, "Initialize default config and exit")
		useStdio    = flag.Bool("stdio", false, "Use stdio transport instead of HTTP")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("claude-relay %s (%s)\n", version, commit)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Override with flags
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *claudeBin != "" {
		cfg.Claude.Bin = *claudeBin
	}
	if *debug {
		cfg.Debug = true
	}
	if *noNotify {
		cfg.Notifications = false
	}

	if *initConfig {
		if err := cfg.Save(*configPath); err != nil {
			log.Fatalf("Failed to save config: %v", err)
		}
		fmt.Println("Configuration initialized")
		os.Exit(0)
	}

	logger, err := logging.New(cfg.Debug)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	notifier := notify.New(notify.Options{Desktop: cfg.Notifications}, logger)
	reg := registry.New(notifier, logger)
	run := launcher.New(cfg.Claude.Bin, reg, logger)

	srv := server.New(server.Config{
		Addr:     cfg.Address(),
		Registry: reg,
		Runner:   run,
		Version:  version,
		Commit:   commit,
		UseStdio: *useStdio,
		Logger:   logger,
	})

	// The server is the structured event channel back to the caller.
	notifier.SetSink(srv)

	wd := watchdog.New(reg, logger)
	wd.Start()

	// Handle shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("Shutting down...")
		cancel()
		wd.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Errorw("Server shutdown error", "error", err)
		}

		reg.Destroy()

		if *useStdio {
			os.Exit(0)
		}
	}()

	// Print startup info
	if *useStdio {
		logger.Infof("claude-relay %s starting in stdio mode", version)
	} else {
		logger.Infof("claude-relay %s starting", version)
		logger.Infof("MCP endpoint: http://%s/mcp", cfg.Address())
		logger.Infof("SSE endpoint: http://%s/mcp/sse", cfg.Address())
		logger.Infof("REST API:     http://%s/api/tasks", cfg.Address())
		logger.Infof("Health check: http://%s/health", cfg.Address())
	}

	// Start server
	if err := srv.Start(); err != nil {
		select {
		case <-ctx.Done():
			// Expected shutdown
		default:
			logger.Fatalf("Server error: %v", err)
		}
	}
}
