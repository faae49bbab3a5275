// Command gatewayd is the agent session gateway's entry point: it loads
// configuration, opens the database, wires the Agent Session Manager,
// Monitor, and HTTP surface together, and runs until signaled to stop.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ridafkih/agent-session-gateway/internal/agentsession"
	"github.com/ridafkih/agent-session-gateway/internal/config"
	"github.com/ridafkih/agent-session-gateway/internal/gateway"
	"github.com/ridafkih/agent-session-gateway/internal/monitor"
	"github.com/ridafkih/agent-session-gateway/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to load .env file", "error", err)
	}

	if err := run(*configPath, logger); err != nil {
		logger.Error("gatewayd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	sessionsRepo := store.NewSessionsRepo(db)
	eventsRepo := store.NewEventsRepo(db)
	metadataRepo := store.NewMetadataRepo(db)
	checkpointsRepo := store.NewCheckpointRepo(db)
	tasksRepo := store.NewTasksRepo(db)

	requestRouter := gateway.NewRequestRouter(cfg.Agent.WorkspaceRoot)
	sessionManager := agentsession.NewManager(cfg.Agent, cfg.Session, requestRouter)

	mon := monitor.New(eventsRepo, metadataRepo, checkpointsRepo, sessionsRepo, tasksRepo, sessionManager, cfg.Session, logger)

	listener := monitor.NewNotifyListener(cfg.Database.DSN(), logger,
		func(sessionID string, payload []byte) {
			if bcast, err := mon.Broadcast(ctx, sessionID); err == nil {
				bcast.Publish(payload)
			}
		},
		func(sessionID string, sequence int64) {
			// The payload was too large to inline in NOTIFY: re-read the row
			// and publish the full envelope to local subscribers.
			events, err := eventsRepo.GetAgentEvents(ctx, sessionID, sequence-1)
			if err != nil {
				logger.Error("catch up truncated notify payload", "session_id", sessionID, "sequence", sequence, "error", err)
				return
			}
			for _, e := range events {
				if e.Sequence != sequence {
					continue
				}
				// Local fan-out has no NOTIFY size ceiling, so the full
				// envelope is inlined here.
				payload, perr := json.Marshal(store.NotifyEnvelope{
					SessionID: sessionID, Sequence: e.Sequence, Envelope: e.Envelope,
				})
				if perr != nil {
					continue
				}
				if bcast, berr := mon.Broadcast(ctx, sessionID); berr == nil {
					bcast.Publish(payload)
				}
			}
		},
	)
	mon.SetListenerHooks(listener.Watch, listener.Unwatch)

	srv := gateway.NewServer(cfg.Server, cfg.Session, sessionManager, mon, sessionsRepo, eventsRepo, metadataRepo, checkpointsRepo, tasksRepo, requestRouter, logger)

	go mon.Run(ctx)
	go mon.RunReconciliation(ctx)
	go func() {
		if err := listener.Run(ctx); err != nil {
			logger.Error("notify listener stopped", "error", err)
		}
	}()

	logger.Info("gateway listening", "addr", cfg.Server.Addr, "stats", cfg.Stats())
	return srv.Start(ctx)
}
