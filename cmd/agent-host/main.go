package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/graphone/agent-host/internal/agent"
	"github.com/graphone/agent-host/internal/config"
	"github.com/graphone/agent-host/internal/host"
	"github.com/graphone/agent-host/internal/metrics"
	"github.com/graphone/agent-host/internal/oauth"
	"github.com/graphone/agent-host/internal/protocol"
	"github.com/graphone/agent-host/internal/realtime"
	"github.com/graphone/agent-host/internal/session"
	"github.com/graphone/agent-host/internal/watcher"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// stdout carries the protocol; all logging goes to stderr.
	log.SetOutput(os.Stderr)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			log.Fatalf("open log file: %v", err)
		}
		defer f.Close()
		log.SetOutput(io.MultiWriter(os.Stderr, f))
	}

	m := metrics.New()
	writer := host.NewWriter(os.Stdout, cfg.EventBuffer)

	emit := func(sessionID string, event json.RawMessage) {
		m.Event()
		if err := writer.Enqueue(protocol.NewSessionEvent(sessionID, event)); err != nil {
			log.Printf("drop event for session %s: %v", sessionID, err)
		}
	}

	factory := agent.NewCLI(cfg.AgentBinary)
	identity := agent.NewCLIIdentity(cfg.AgentBinary)
	if err := identity.Refresh(); err != nil {
		log.Printf("initial model listing failed: %v", err)
	}

	registry := session.NewRegistry(factory, emit, cfg.MaxSessions)
	controller := oauth.NewController(identity, identity)

	var watch *watcher.Watcher
	if cfg.WatchFiles {
		watch = watcher.New(emit)
	}

	dispatcher := host.NewDispatcher(registry, controller, identity, watch, m)
	h := host.New(os.Stdin, writer, dispatcher)

	if cfg.InspectAddr != "" {
		inspect := realtime.New(h.Submit, m.Handler())
		writer.SetMirror(inspect.Broadcast)
		go func() {
			log.Printf("inspection listener on %s", cfg.InspectAddr)
			if err := http.ListenAndServe(cfg.InspectAddr, inspect.Handler()); err != nil {
				log.Printf("inspection listener: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := h.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("host: %v", err)
	}
}
