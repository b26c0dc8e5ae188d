package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Gogabok/signaling/config"
	"github.com/Gogabok/signaling/connections"
	"github.com/Gogabok/signaling/media"
	store "github.com/Gogabok/signaling/roster/memory"
	httpServer "github.com/Gogabok/signaling/server/http"
	websocketServer "github.com/Gogabok/signaling/server/websocket"
	"github.com/Gogabok/signaling/service"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)
	var (
		apiListenAddr = fs.StringP("api-listen-addr", "a", cfg.APIListenAddr, "api listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", cfg.WSListenAddr, "websocket signaling listen address")
		mediaURL      = fs.StringP("media-url", "m", cfg.MediaURL, "media server control api url")
		logLevel      = fs.StringP("log-level", "l", cfg.LogLevel, "log level")
	)
	if err = fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	roster := store.NewMemStore()
	svc := service.NewSignalingServer(service.Config{
		Logger:      &logger,
		Connections: connections.NewRegistry(&logger),
		Media:       media.NewClient(*mediaURL, &logger),
		Roster:      roster,
		RingTimeout: cfg.RingTimeout,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:        &logger,
		RosterService: roster,
		CallDirectory: svc,
		ListenAddr:    *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		ListenAddr:       *wsListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
