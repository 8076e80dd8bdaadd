// Command collabd runs the collaboration relay: the websocket
// coordinator that rooms peers together, fans their events out and
// arbitrates advisory edit locks.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/zonehub/collab/internal/config"
	"github.com/zonehub/collab/internal/relay"
	"github.com/zonehub/collab/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to the toml configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		errLog := zerolog.New(os.Stderr)
		errLog.Error().Err(err).Msg("invalid configuration")
		os.Exit(1)
	}

	level, _ := zerolog.ParseLevel(cfg.LogLevel)
	zl := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	log := logger.NewZerolog(zl)

	server := relay.NewServer(
		relay.WithLogger(log),
		relay.WithPingInterval(time.Duration(cfg.PingInterval)),
	)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("relay listening", "addr", cfg.ListenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("relay failed", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout))
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown incomplete", "error", err)
	}
	server.Close()
}
