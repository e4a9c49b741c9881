package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"drawbridge/api/internal/app"
	"drawbridge/api/internal/archive"
	"drawbridge/api/internal/bridge"
	"drawbridge/api/internal/collab"
	"drawbridge/api/internal/config"
	"drawbridge/api/internal/email"
	"drawbridge/api/internal/permission"
	"drawbridge/api/internal/search"
	"drawbridge/api/internal/sharelink"
	"drawbridge/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	dataStore := store.NewPostgresStore(db)
	resolver := permission.NewResolver(dataStore)
	links := sharelink.NewService(dataStore, resolver, cfg.ShareBaseURL)

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger.With().Str("component", "search").Logger())
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, dataStore, logger.With().Str("component", "search").Logger())

	emailService := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})

	service := app.New(cfg, dataStore, resolver, links, searchService, emailService, logger.With().Str("component", "app").Logger())
	if err := service.Bootstrap(ctx); err != nil {
		logger.Warn().Err(err).Msg("bootstrap error (will retry on next restart)")
	}

	collabService := collab.NewService(dataStore, resolver, logger.With().Str("component", "collab").Logger())

	if strings.TrimSpace(cfg.RedisURL) != "" {
		eventBridge, err := bridge.New(ctx, cfg.RedisURL, logger.With().Str("component", "bridge").Logger())
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer eventBridge.Close()
		collabService.SetPublisher(eventBridge)
		eventBridge.Run(collabService)
		service.AddReadyCheck("redis", eventBridge.Ping)
		logger.Info().Str("origin", eventBridge.Origin()).Msg("event bridge enabled")
	}

	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		archiver, err := archive.New(ctx, archive.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		}, dataStore, logger.With().Str("component", "archive").Logger())
		if err != nil {
			logger.Fatal().Err(err).Msg("object storage connection failed")
		}
		collabService.SetDrainHook(archiver.OnRoomDrain)
		logger.Info().Str("bucket", cfg.S3Bucket).Msg("snapshot archiver enabled")
	}

	gateway := collab.NewGateway(collabService, service, logger.With().Str("component", "ws").Logger())
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger.With().Str("component", "http").Logger())

	mux := http.NewServeMux()
	mux.Handle("/ws", gateway)
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", httpServer.Handler())

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("drawbridge api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}
