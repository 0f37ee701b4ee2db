// Package main is the entry point for the nimkit API service.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/briancaffey/nvidia-nim-kit/config"
	"github.com/briancaffey/nvidia-nim-kit/internal/api"
	"github.com/briancaffey/nvidia-nim-kit/internal/events"
	"github.com/briancaffey/nvidia-nim-kit/internal/handlers"
	"github.com/briancaffey/nvidia-nim-kit/internal/logprobs"
	"github.com/briancaffey/nvidia-nim-kit/internal/logutil"
	"github.com/briancaffey/nvidia-nim-kit/internal/nim"
	"github.com/briancaffey/nvidia-nim-kit/internal/redisx"
	"github.com/briancaffey/nvidia-nim-kit/internal/store"
	"github.com/briancaffey/nvidia-nim-kit/internal/toggle"
	"github.com/briancaffey/nvidia-nim-kit/internal/validator"
)

const version = "0.1.0"

func main() {
	cfg := config.Load()
	if err := logutil.ConfigureBase(cfg.LogLevel, cfg.LogFormat); err != nil {
		logutil.New("server").WithError(err).Warn("Invalid logging configuration, using defaults")
	}
	logger := logutil.New("server")
	logger.WithField("version", version).Info("Starting nimkit API")

	var (
		toggles *toggle.Store
		rdb     redis.UniversalClient
	)
	if cfg.RedisConfigured() {
		var err error
		rdb, err = redisx.NewClient(redisx.Config{
			URL:         cfg.RedisURL,
			Addr:        cfg.RedisAddr,
			Username:    cfg.RedisUsername,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			TLSEnabled:  cfg.RedisTLSEnabled,
			TLSInsecure: cfg.RedisTLSInsecure,
		})
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer rdb.Close()
		toggles = toggle.NewStore(rdb, toggle.StoreOptions{
			APIKeyKey: cfg.APIKeyKey,
			ToggleKey: cfg.ToggleKey,
		})
	} else {
		logger.Warn("Redis not configured (REDIS_URL / REDIS_ADDR unset); NVIDIA API toggle disabled")
	}

	requests, err := store.Open(cfg.DataStoreDSN, cfg.DataStoreDriver)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize request store")
	}
	defer requests.Close()
	logger.WithField("driver", requests.Driver()).Info("Request store ready")

	checker, err := validator.New(validator.Options{SchemaPaths: map[string]string{
		validator.KindChat:       cfg.ChatSchemaPath,
		validator.KindCompletion: cfg.CompletionSchemaPath,
	}})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize request validator")
	}

	h := handlers.New(toggles, requests, checker, logprobs.New(logutil.New("logprobs")), handlers.Options{
		MaxBodyBytes:   cfg.MaxStreamBytes,
		EventKeepalive: cfg.EventKeepalive,
	})

	busOpts := events.Options{Channel: cfg.EventsChannel, Logger: logutil.New("events")}
	if rdb != nil {
		busOpts.Client = rdb
	}
	bus := events.NewBus(busOpts)
	defer bus.Close()
	h.SetEventBus(bus)

	registryOpts := nim.RegistryOptions{
		KeyPrefix:  cfg.NIMKeyPrefix,
		Endpoints:  nim.ParseEndpoints(cfg.NIMEndpoints),
		DefaultURL: cfg.NIMBaseURL,
	}
	if rdb != nil {
		registryOpts.Client = rdb
	}
	h.SetUpstream(nim.NewRegistry(registryOpts), nim.NewClient(nim.ClientOptions{
		Timeout: cfg.NIMTimeout,
		Logger:  logutil.New("nim"),
	}))
	server := api.NewServer(h, api.Options{APIToken: cfg.APIToken, Logger: logutil.New("api")})
	srv, serveErr := server.Start(":" + cfg.ServerPort)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.WithField("signal", sig.String()).Info("Shutting down server")
	case err := <-serveErr:
		if err != nil {
			logger.WithError(err).Error("HTTP server failed")
		}
	}

	if err := api.Shutdown(srv, cfg.ShutdownTimeout); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	logger.Info("Server exited")
}
