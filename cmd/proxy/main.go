// The proxy binary runs the local forward proxy on its own so the browser
// agent can be pointed at it without the full engine running.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"automation_engine/internal/config"
	"automation_engine/internal/logbus"
	"automation_engine/internal/proxyfwd"
)

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if cfg.Proxy.UpstreamURL == "" {
		log.Println("proxy.upstreamURL is not configured, nothing to do")
		return
	}

	upstream, err := proxyfwd.ParseUpstream(cfg.Proxy.UpstreamURL)
	if err != nil {
		log.Fatalf("parse upstream: %v", err)
	}

	bus := logbus.New(200)
	bus.Log("info", "proxy starting", map[string]any{
		"listen":   cfg.Proxy.ListenAddr,
		"upstream": upstream.Addr,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	srv := proxyfwd.New(proxyfwd.Options{Upstream: upstream, Bus: bus})
	if err := proxyfwd.Run(ctx, cfg.Proxy.ListenAddr, srv); err != nil {
		log.Fatalf("proxy server: %v", err)
	}
	bus.Log("info", "proxy stopped", nil)
}
