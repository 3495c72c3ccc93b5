package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/pubvault/pubvault/internal/adapters/auth"
	"github.com/pubvault/pubvault/internal/adapters/metadata"
	"github.com/pubvault/pubvault/internal/adapters/respcache"
	"github.com/pubvault/pubvault/internal/adapters/tarball"
	"github.com/pubvault/pubvault/internal/adapters/upstream"
	"github.com/pubvault/pubvault/internal/api/handlers"
	"github.com/pubvault/pubvault/internal/config"
	"github.com/pubvault/pubvault/internal/core/services"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "pubvault").Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// Metadata store, backend per config.
	var meta services.MetaStore
	switch cfg.Storage.MetaBackend {
	case "leveldb":
		meta, err = metadata.NewLevelDBStore(cfg.Storage.DataDir)
	default:
		meta, err = metadata.NewSQLiteStore(cfg.Storage.DataDir)
	}
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize metadata store")
	}
	defer meta.Close()

	// Tarball cache.
	tarballs, err := tarball.NewStore(
		filepath.Join(cfg.Storage.DataDir, "tarballs"),
		cfg.Upstream.URL,
		nil,
		cfg.Upstream.FetchTimeout.Std(),
		logger.With().Str("component", "tarball").Logger(),
	)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize tarball cache")
	}

	// Response cache, backend per config.
	var backend respcache.Backend
	if cfg.Cache.Backend == "disk" {
		backend, err = respcache.NewDiskBackend(cfg.Cache.Dir)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize response cache")
		}
	} else {
		backend = respcache.NewMemoryBackend()
	}
	cache := respcache.New(backend, logger.With().Str("component", "respcache").Logger())

	client := upstream.NewClient(cfg.Upstream.URL, cfg.Upstream.FetchTimeout.Std())
	authenticator := auth.NewTokenAuth(cfg.Auth.Uploaders)

	handler := handlers.New(meta, tarballs, cache, client, authenticator, cfg.Cache.MaxAge.Std(), logger)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler.Router(),
	}

	// Graceful shutdown.
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info().Msg("shutting down server")
		srv.Close()
	}()

	logger.Info().Str("addr", addr).Str("upstream", cfg.Upstream.URL).Msg("starting pubvault server")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal().Err(err).Msg("server error")
	}
}
