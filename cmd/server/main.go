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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/ai/anthropic"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/api"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/cache/redis"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/config"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/observability"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/service"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/service/gateway"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/storage"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/storage/filestore"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/storage/postgres"
)

func main() {
	mode := flag.String("mode", "", "deployment mode: local or cloud (overrides MAESTRA_MODE)")
	port := flag.String("port", "", "listen port (overrides SERVER_PORT)")
	flag.Parse()

	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	if *mode != "" {
		os.Setenv("MAESTRA_MODE", *mode)
	}
	if *port != "" {
		os.Setenv("SERVER_PORT", *port)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}

	// Configure log format
	if cfg.LogFormat == "text" {
		logger.SetFormatter(&logrus.TextFormatter{})
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.WithField("level", cfg.LogLevel).Warn("unknown log level, using info")
	}

	logger.WithFields(logrus.Fields{
		"mode":    cfg.Server.Mode,
		"port":    cfg.Server.Port,
		"storage": cfg.Storage.Backend,
	}).Info("starting maestra backend")

	ctx := context.Background()

	// Open the conversation store
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to open conversation store")
	}
	defer closeStore()

	gatewayOpts := gateway.Options{
		Source:        cfg.Server.Mode,
		Timeout:       cfg.Responder.Timeout,
		HistoryWindow: cfg.Responder.HistoryWindow,
		ReplayTTL:     cfg.Redis.ReplayTTL,
		Logger:        logger,
	}

	// Initialize Redis client for idempotent replay
	if cfg.Redis.URI != "" {
		redisClient, err := redis.New(ctx, cfg.Redis.URI)
		if err != nil {
			logger.WithError(err).Fatal("failed to connect to redis")
		}
		defer redisClient.Close()
		gatewayOpts.Replay = redisClient
	} else {
		logger.Info("REDIS_URI not set, idempotent replay disabled")
	}

	// Initialize responder
	var responder gateway.Responder = gateway.PlaceholderResponder{}
	if cfg.Responder.Provider == config.ResponderAnthropic {
		opts := []anthropic.Option{
			anthropic.WithHTTPClient(&http.Client{Timeout: cfg.Responder.Timeout}),
		}
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		client := anthropic.NewClient(cfg.Anthropic.APIKey, cfg.Anthropic.Model, opts...)
		responder = anthropic.NewResponder(client, cfg.Anthropic.MaxTokens, anthropic.Pricing{
			InputPerMTok:  cfg.Anthropic.InputPerMTok,
			OutputPerMTok: cfg.Anthropic.OutputPerMTok,
		})
	}

	// Initialize metrics
	metrics, err := observability.NewCollector(observability.Options{
		LogPath:    cfg.Metrics.LogPath,
		Registerer: prometheus.DefaultRegisterer,
		Logger:     logger,
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize metrics")
	}
	defer metrics.Close()

	// Initialize services
	authService := service.NewAuthService(cfg.Server.APIKey, cfg.Server.JWTSecret)
	gatewayService := gateway.NewService(store, responder, gatewayOpts)

	// Initialize API server
	server := api.NewServer(gatewayService, authService, metrics, logger, api.Options{
		Mode:     cfg.Server.Mode,
		Port:     cfg.Server.Port,
		Gatherer: prometheus.DefaultGatherer,
	})
	e := server.Echo()

	// Start server
	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	go func() {
		logger.WithField("addr", addr).Info("starting HTTP server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server shutdown error")
	}

	logger.Info("server stopped")
}

// openStore opens the configured backend and returns a func that releases it.
func openStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (storage.Store, func(), error) {
	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		db, err := postgres.New(ctx, cfg.Storage.DSN, logger)
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewConversationRepository(db.Pool(), logger), db.Close, nil
	default:
		fs, err := filestore.Open(ctx, cfg.Storage.Dir, filestore.Options{
			Logger:    logger,
			CacheSize: cfg.Storage.CacheSize,
		})
		if err != nil {
			return nil, nil, err
		}
		logger.WithField("dir", fs.Dir()).Info("file conversation store ready")
		return fs, func() {
			if err := fs.Close(); err != nil {
				logger.WithError(err).Warn("failed to release conversation directory")
			}
		}, nil
	}
}
