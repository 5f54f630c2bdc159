package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/room4-2/voicebridge/bridge"
	"github.com/room4-2/voicebridge/config"
	"github.com/room4-2/voicebridge/hub"
	"github.com/room4-2/voicebridge/server"
	"github.com/room4-2/voicebridge/session"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("🌉 voicebridge starting",
		zap.String("name", cfg.Name),
		zap.String("area", cfg.Area),
		zap.String("version", cfg.Version))
	if cfg.AuthToken == "" {
		logger.Warn("⚠️ no auth token configured, clients connect unauthenticated")
	}

	registry := hub.NewRegistry(logger)
	manager := session.NewManager(session.ManagerConfig{
		MaxClients:     cfg.MaxClients,
		AuthToken:      cfg.AuthToken,
		AuthTimeout:    cfg.AuthTimeout,
		SessionTimeout: cfg.SessionTimeout,
		RedisURL:       cfg.RedisURL,
		RedisPassword:  cfg.RedisPassword,
	}, logger)

	var recorder *bridge.Recorder
	if cfg.RecordingDir != "" {
		recorder = bridge.NewRecorder(cfg.RecordingDir, cfg.MaxRecordingBytes, logger)
		logger.Info("debug recording enabled", zap.String("dir", cfg.RecordingDir))
	}

	b := bridge.New(registry, manager, recorder, logger)

	var static http.Handler
	if cfg.StaticDir != "" {
		static = http.FileServer(http.Dir(cfg.StaticDir))
	}

	clientServer := server.NewClientServer(cfg, manager, b, static, logger)
	hubServer := server.NewHubServer(cfg, registry, b, logger)
	supervisor := server.NewSupervisor(clientServer, hubServer, registry, manager, b, cfg.ShutdownTimeout, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := supervisor.Start(ctx); err != nil {
		logger.Fatal("failed to start", zap.Error(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("🛑 signal received, shutting down", zap.String("signal", sig.String()))
		supervisor.Stop()
	}()

	if err := supervisor.Wait(); err != nil {
		logger.Error("server exited with error", zap.Error(err))
	}
	supervisor.Stop()
}

func buildLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zapCfg := zap.NewProductionConfig()
	if lvl == zapcore.DebugLevel {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapCfg.Build()
}
