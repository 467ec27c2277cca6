// Command tradesync-server exposes the reconciliation engine over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradesync/internal/broker"
	"tradesync/internal/config"
	"tradesync/internal/httpapi"
	"tradesync/internal/replicate"
	sig "tradesync/internal/signal"
	"tradesync/internal/store"
	"tradesync/internal/util"
)

func main() {
	cfgPath := "config/tradesync.yaml"
	if p := os.Getenv("TRADESYNC_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	defaults, err := replicate.OptionsFromConfig(cfg.Replicate, cfg.Signals.Label)
	if err != nil {
		log.Fatalf("invalid replicate config: %v", err)
	}

	b := broker.NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL)
	source := sig.NewParquetSource(cfg.Signals.Dir)

	var st *store.SQLiteStore
	if cfg.Storage.SQLitePath != "" {
		st, err = store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			log.Fatalf("failed to open run store: %v", err)
		}
		defer st.Close()
	}

	var limiter *util.RateLimiter
	if cfg.Replicate.RateLimitPerMin > 0 {
		limiter = util.NewRateLimiter(cfg.Replicate.RateLimitPerMin, 1)
	}

	var recorder replicate.Recorder
	var runStore store.RunStore
	if st != nil {
		recorder = st
		runStore = st
	}
	rep := replicate.New(b, source, recorder, limiter, logger)
	api := httpapi.NewServer(rep, runStore, b, defaults, logger)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("tradesync-server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
}
