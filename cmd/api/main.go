package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aridsondez/leaseq/internal/api"
	"github.com/aridsondez/leaseq/internal/config"
	"github.com/aridsondez/leaseq/internal/log"
	"github.com/aridsondez/leaseq/internal/notify"
	"github.com/aridsondez/leaseq/internal/queue/handler"
	"github.com/aridsondez/leaseq/internal/queue/store/observed"
	"github.com/aridsondez/leaseq/internal/queue/sweeper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	log.Init(os.Stdout, cfg.LogLevel)

	h, err := handler.New(cfg.Options())
	if err != nil {
		log.Fatalf("queue handler: %v", err)
	}

	var openOpts []handler.OpenOption
	openOpts = append(openOpts, handler.WithConnectTimeout(cfg.DBConnectionTimeout))
	if cfg.NotifyChannel != "" {
		openOpts = append(openOpts, handler.WithNotifyChannel(cfg.NotifyChannel))
	}
	raw, err := h.Open(ctx, openOpts...)
	if err != nil {
		log.Fatalf("open %s store: %v", h.Driver(), err)
	}
	store := observed.New(raw)
	defer store.Close()

	schemaCtx, cancel := context.WithTimeout(ctx, cfg.DBConnectionTimeout)
	if cfg.AutoMigrate {
		err = store.EnsureSchema(schemaCtx)
	} else {
		err = store.CheckSchema(schemaCtx)
	}
	cancel()
	if err != nil {
		log.Fatalf("queue table %s: %v", h.Table(), err)
	}
	log.InfoFields("queue store ready", map[string]any{"driver": string(h.Driver()), "table": h.Table()})

	hub := notify.NewHub()
	if cfg.NotifyChannel != "" && h.Driver() == handler.Postgres {
		l, err := notify.NewListener(h.ConnString(), cfg.NotifyChannel, hub)
		if err != nil {
			log.Fatalf("notify listener: %v", err)
		}
		defer l.Close()
		go l.Run(ctx)
	} else if cfg.NotifyChannel != "" {
		log.Warnf("notify channel %q ignored: %s has no cross-process notifications", cfg.NotifyChannel, h.Driver())
	}

	swp := sweeper.New(store, cfg.SweepInterval)
	go swp.Start(ctx)
	defer swp.Stop()

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpSrv := api.NewServer(addr, store, hub, api.Options{
		DefaultVisibility: cfg.VisibilityTimeout,
		MaxReceive:        cfg.ReceiveMax,
		MaxWait:           cfg.ReceiveMaxWait,
	})

	log.Infof("HTTP server listening on %s", addr)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Infof("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ReceiveMaxWait+5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
}
