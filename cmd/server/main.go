package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"automation_engine/internal/agent"
	"automation_engine/internal/auth"
	"automation_engine/internal/config"
	"automation_engine/internal/dispatcher"
	"automation_engine/internal/httpapi"
	"automation_engine/internal/logbus"
	"automation_engine/internal/notify"
	"automation_engine/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	bus := logbus.New(200)
	bus.Log("info", "server starting", map[string]any{"addr": cfg.Server.Addr})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := sqlite.Open(ctx, cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("open sqlite: %v", err)
	}
	defer store.Close()

	if n, err := store.RequeueRunning(ctx); err != nil {
		log.Fatalf("requeue running tasks: %v", err)
	} else if n > 0 {
		bus.Log("warn", "requeued tasks left running by a previous run", map[string]any{"count": n})
	}

	notifiers := notify.Multi{}
	if cfg.Notify.CallbackURL != "" {
		notifiers = append(notifiers, notify.NewCallbackNotifier(cfg.Notify.CallbackURL, bus))
	}
	if cfg.Notify.Email.Enabled {
		notifiers = append(notifiers, notify.NewEmailNotifier(cfg.Notify.Email, bus))
	}

	agentClient := agent.New(cfg.Agent, bus)
	authMgr := auth.New(auth.Options{
		Store:    store,
		Agent:    agentClient,
		Bus:      bus,
		Notifier: notifiers,
		Cfg:      cfg.Agent,
	})
	disp := dispatcher.New(dispatcher.Options{
		Store:    store,
		Agent:    agentClient,
		Auth:     authMgr,
		Bus:      bus,
		Notifier: notifiers,
		Cfg:      cfg.Dispatcher,
		AgentCfg: cfg.Agent,
	})
	go disp.Run(ctx)

	api := httpapi.New(httpapi.Options{
		Cfg:        cfg,
		Bus:        bus,
		Store:      store,
		Dispatcher: disp,
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		bus.Log("info", "shutdown signal received", map[string]any{"signal": sig.String()})
	case err := <-serverErr:
		if err != nil && err != http.ErrServerClosed {
			bus.Log("error", "http server error", map[string]any{"error": err.Error()})
		}
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	_ = server.Shutdown(shutdownCtx)
	bus.Log("info", "server stopped", nil)
}
