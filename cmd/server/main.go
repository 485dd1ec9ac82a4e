package main

import (
	"context"
	"fmt"
	"os"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/Tyrowin/cipherroom/internal/config"
	"github.com/Tyrowin/cipherroom/internal/keyexchange"
	"github.com/Tyrowin/cipherroom/internal/logging"
	"github.com/Tyrowin/cipherroom/internal/server"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a config file (yaml, json or toml)")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	keys, err := keyexchange.LoadOrCreate(cfg.Keys.Dir, cfg.Keys.Bits, logger.Named("keys"))
	if err != nil {
		logger.Fatal("load server key pair", zap.String("dir", cfg.Keys.Dir), zap.Error(err))
	}

	srv := server.New(cfg, keys, logger)
	srv.Start()

	httpServer := server.CreateServer(cfg.Port, srv.Handler())
	go func() {
		if err := server.StartServer(httpServer, logger); err != nil {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	logger.Info("cipherroom started",
		zap.String("port", cfg.Port),
		zap.Strings("allowed_origins", cfg.AllowedOrigins),
		zap.Int("key_bits", keys.Bits()),
		zap.Duration("handshake_timeout", cfg.HandshakeTimeout),
		zap.Duration("empty_room_ttl", cfg.EmptyRoomTTL))

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"http-server": func(ctx context.Context) error {
				return server.ShutdownServer(ctx, httpServer, logger)
			},
			"hub": func(context.Context) error {
				return srv.Shutdown(cfg.ShutdownTimeout)
			},
		},
	)

	exitCode := <-wait
	logger.Info("shutdown finished", zap.Int("exit_code", exitCode))
	_ = logger.Sync()
	os.Exit(exitCode)
}
