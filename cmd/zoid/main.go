// Package main is the entry point for zoid, the tmux session
// supervisor. One binary runs the capture loops, the state engine, the
// command queue, the alert gate, and the HTTP/WebSocket control surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/zoid/zoid/internal/alert"
	"github.com/zoid/zoid/internal/api"
	"github.com/zoid/zoid/internal/command"
	"github.com/zoid/zoid/internal/common/config"
	"github.com/zoid/zoid/internal/common/logger"
	"github.com/zoid/zoid/internal/eventlog"
	"github.com/zoid/zoid/internal/events/bus"
	gateway "github.com/zoid/zoid/internal/gateway/websocket"
	"github.com/zoid/zoid/internal/progress"
	"github.com/zoid/zoid/internal/state"
	"github.com/zoid/zoid/internal/store"
	"github.com/zoid/zoid/internal/supervisor"
	"github.com/zoid/zoid/internal/tmux"
)

// registrySender adapts the registry to the command queue's Sender.
type registrySender struct {
	registry *supervisor.Registry
}

func (s *registrySender) Send(ctx context.Context, sessionKey, payload string) error {
	sup, ok := s.registry.Get(sessionKey)
	if !ok {
		return fmt.Errorf("session %q is not supervised", sessionKey)
	}
	return sup.SendKeys(ctx, payload, true)
}

func main() {
	// 1. Load configuration
	configPath := os.Getenv("ZOID_CONFIG_PATH")
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfgStore := config.NewStore(configPath, cfg)

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting zoid...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Event bus (in-memory by default, NATS if configured)
	var eventBus bus.Bus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryBus(log)
	}
	defer eventBus.Close()

	// 4. Stores
	stateStore, err := store.NewStateStore(cfg.Storage.StatePath, cfg.Events.RetainCompleted)
	if err != nil {
		log.Fatal("Failed to open state store", zap.Error(err))
	}
	defer stateStore.Close()

	commandStore, err := store.NewCommandStore(cfg.Storage.CommandPath)
	if err != nil {
		log.Fatal("Failed to open command store", zap.Error(err))
	}
	defer commandStore.Close()

	eventLog := eventlog.NewLog(stateStore)
	publisher := eventlog.NewPublisher(eventBus, eventLog, log)

	// 5. Supervision engine
	tmuxClient := tmux.NewClient(tmux.WithTimeout(cfg.Monitor.CaptureTimeoutDuration()))

	var specLoader *progress.SpecLoader
	if len(cfg.TaskSpec.Roots) > 0 {
		specLoader = progress.NewSpecLoader(
			progress.DefaultLookup(cfg.TaskSpec.Roots, cfg.TaskSpec.Filenames),
			cfg.TaskSpec.TTLDuration(),
		)
	}

	registry := supervisor.NewRegistry(supervisor.Deps{
		Client:     tmuxClient,
		Config:     cfgStore,
		Classifier: state.New(state.DefaultVocabulary),
		Parser:     progress.NewParser(state.DefaultVocabulary, specLoader, nil),
		SpecLoader: specLoader,
		Store:      stateStore,
		Publisher:  publisher,
		Logger:     log,
	})

	for _, key := range cfg.Monitor.Sessions {
		if err := registry.Add(ctx, key); err != nil {
			log.Warn("Failed to register configured session",
				zap.String("session", key),
				zap.Error(err))
		}
	}
	if cfg.Monitor.AutoDetect {
		registry.Discover(ctx)
	}

	var engineWG sync.WaitGroup
	engineWG.Add(1)
	go func() {
		defer engineWG.Done()
		registry.Run(ctx)
	}()

	// 6. Command queue
	queue := command.NewQueue(commandStore, stateStore, eventBus, publisher, cfgStore, &registrySender{registry: registry}, log)
	if err := queue.Start(ctx); err != nil {
		log.Fatal("Failed to start command queue", zap.Error(err))
	}

	// 7. Alert gate
	gate := alert.NewGate(eventBus, alert.NewNotifier(log), cfgStore, stateStore, log)
	if err := gate.Start(); err != nil {
		log.Fatal("Failed to start alert gate", zap.Error(err))
	}

	// 8. WebSocket hub
	hub := gateway.NewHub(eventLog, log)
	if err := hub.Attach(eventBus); err != nil {
		log.Fatal("Failed to attach hub to event bus", zap.Error(err))
	}
	go hub.Run(ctx)

	// 9. HTTP server
	handler := api.NewHandler(registry, queue, gate, stateStore, commandStore, eventLog, hub.GetClientCount, log)
	router := api.SetupRouter(handler, gateway.NewHandler(hub, log), log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	// 10. Wait for shutdown or reload signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		sig := <-quit
		if sig != syscall.SIGHUP {
			break
		}
		if _, err := cfgStore.Reload(); err != nil {
			log.Error("Config reload failed", zap.Error(err))
			continue
		}
		log.Info("Config reloaded")
	}

	log.Info("Shutting down zoid...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	queue.Stop()
	gate.Stop()
	engineWG.Wait()

	log.Info("zoid stopped")
}
