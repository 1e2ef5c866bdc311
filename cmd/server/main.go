package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/npezzotti/go-sse-relay/internal/api"
	"github.com/npezzotti/go-sse-relay/internal/config"
	"github.com/npezzotti/go-sse-relay/internal/pgnotify"
	"github.com/npezzotti/go-sse-relay/internal/server"
	"github.com/npezzotti/go-sse-relay/internal/stats"
	"github.com/spf13/viper"
)

func main() {
	if err := newRootCmd(viper.New()).Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(logger *log.Logger, cfg *config.Config) error {
	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(logger, mux)
	dm := server.NewHub(logger, statsUpdater)
	srv := api.NewRelayApp(mux, logger, dm, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	bridgeCtx, stopBridge := context.WithCancel(context.Background())
	defer stopBridge()

	bridgeDone := make(chan struct{})
	if cfg.DatabaseDSN != "" {
		listener, err := pgnotify.NewListener(cfg.DatabaseDSN, cfg.NotifyChannel, logger)
		if err != nil {
			return fmt.Errorf("notify listener: %w", err)
		}

		bridge := pgnotify.NewBridge(logger, listener, dm)
		go func() {
			defer close(bridgeDone)
			if err := bridge.Run(bridgeCtx); err != nil {
				logger.Println("notify bridge:", err)
			}
		}()
	} else {
		close(bridgeDone)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}

	stopBridge()
	<-bridgeDone

	logger.Println("shutdown complete")
	return nil
}
