// Command hermes runs the gateway data plane: it loads infra config,
// watches it for changes, connects to etcd for domain/cluster config,
// and serves the data-plane listener and admin surface until signaled
// to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"hermes/internal/config/infra"
	"hermes/internal/server"
	"hermes/internal/telemetry/logging"
)

func main() {
	var (
		configPath  string
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "gateway.yaml", "Path to the gateway's infra config file")
	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("hermes gateway")
		return
	}

	log := logging.New(slog.Default())

	cfg, err := infra.Load(configPath)
	if err != nil {
		log.ErrorCtx(context.Background(), "failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		log.InfoCtx(ctx, "signal received, shutting down")
		cancel()
		<-sigCh
		log.ErrorCtx(ctx, "second signal received, forcing exit")
		os.Exit(1)
	}()

	gw, err := server.Bootstrap(ctx, cfg, log)
	if err != nil {
		log.ErrorCtx(ctx, "failed to bootstrap gateway", "error", err)
		os.Exit(1)
	}

	watcher := infra.NewWatcher(configPath)
	configChanges, configErrs := watcher.Watch(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case newCfg, ok := <-configChanges:
				if !ok {
					return
				}
				log.InfoCtx(ctx, "infra config changed; restart required to apply listener/etcd changes", "listen_addr", newCfg.ListenAddr)
			case err, ok := <-configErrs:
				if !ok {
					return
				}
				log.WarnCtx(ctx, "infra config watch error", "error", err)
			}
		}
	}()

	go func() {
		if err := gw.Run(ctx); err != nil && err != context.Canceled {
			log.ErrorCtx(ctx, "gateway run loop exited", "error", err)
		}
	}()

	go func() {
		log.InfoCtx(ctx, "admin listening", "addr", cfg.AdminAddr)
		if err := gw.Admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.ErrorCtx(ctx, "admin server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = gw.Admin.Shutdown(shutdownCtx)
		_ = gw.Listener.Shutdown(shutdownCtx)
	}()

	log.InfoCtx(ctx, "listening", "addr", cfg.ListenAddr)
	if err := gw.Listener.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.ErrorCtx(ctx, "listener error", "error", err)
	}

	<-ctx.Done()
	log.InfoCtx(context.Background(), "shutdown complete")
}
