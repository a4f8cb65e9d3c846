package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/collab/internal/relay"
)

func main() {
	addrFlag := flag.String("addr", "127.0.0.1:8787", "listen address")
	historyFlag := flag.Int("history", 1000, "sequenced operations kept per room for catch-up")
	secretEnv := flag.String("secret-env", "COLLAB_RELAY_SECRET", "environment variable holding the HS256 token secret; unset disables auth")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg := relay.Config{MaxHistory: *historyFlag, WriteTimeout: 5 * time.Second}
	if secret := os.Getenv(*secretEnv); secret != "" {
		cfg.Secret = []byte(secret)
	} else {
		logger.Warn("no token secret configured, accepting every client", zap.String("env", *secretEnv))
	}

	rs := relay.NewServer(cfg, logger)
	srv := &http.Server{
		Addr:              *addrFlag,
		Handler:           rs.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("relay listening", zap.String("addr", *addrFlag))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("relay stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Hijacked websockets are not tracked by Shutdown; Close ends them.
	_ = srv.Shutdown(shutdownCtx)
	rs.Close()
	logger.Info("relay stopped")
}
