// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/tsuki/internal/buildinfo"
	"github.com/autobrr/tsuki/internal/config"
	"github.com/autobrr/tsuki/internal/database"
	"github.com/autobrr/tsuki/internal/domain"
	"github.com/autobrr/tsuki/internal/extensions/loader"
	"github.com/autobrr/tsuki/internal/extensions/registry"
	"github.com/autobrr/tsuki/internal/extensions/sandbox"
	"github.com/autobrr/tsuki/internal/metrics"
	"github.com/autobrr/tsuki/internal/models"
	"github.com/autobrr/tsuki/internal/services/anilist"
	"github.com/autobrr/tsuki/internal/services/mapping"
	"github.com/autobrr/tsuki/internal/services/scrape"
	"github.com/autobrr/tsuki/internal/services/sources"
)

const loaderTimeout = 30 * time.Second

// runtime is the wired service graph shared by serve and the offline commands.
type runtime struct {
	cfg      *config.AppConfig
	db       *database.DB
	store    *models.ExtensionStore
	executor *sandbox.Executor
	registry *registry.Registry
	anilist  *anilist.Client
	sources  *sources.Service
	metrics  *metrics.Manager
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func newRuntime(ctx context.Context, cfg *config.AppConfig) (*runtime, error) {
	conf := cfg.Config

	db, err := database.Open(ctx, cfg.GetDatabasePath())
	if err != nil {
		return nil, errors.Wrap(err, "initialize database")
	}

	store := models.NewExtensionStore(db)

	executor := sandbox.New(
		sandbox.WithTimeout(seconds(conf.SandboxTimeoutSeconds)),
		sandbox.WithProxyPort(conf.ProxyPort),
	)

	ldr, err := loader.New(conf.Origin, &http.Client{Timeout: loaderTimeout})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initialize extension loader")
	}

	reg := registry.New(store, ldr, executor)

	catalog := anilist.NewClient(conf.AniListURL, anilist.WithToken(conf.AniListToken))
	mapper := mapping.NewMapper(mapping.NewAniZipClient(conf.AniZipURL), catalog)

	metricsManager := metrics.NewManager()
	serviceMetrics := sources.NewServiceMetrics(metricsManager.Registerer())

	scraper := scrape.NewTrackerScraper(conf.Trackers, scrape.WithTimeout(seconds(conf.ScrapeTimeoutSeconds)))
	peers := sources.NewPeerCounter(scraper, serviceMetrics)

	reg.Subscribe(func() {
		loaded, _ := reg.Counts()
		serviceMetrics.ExtensionsLoaded.Set(float64(loaded))
	})

	svc, err := sources.NewService(reg, store, mapper, peers, sources.WithMetrics(serviceMetrics))
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initialize sources")
	}
	if err := svc.Configure(sources.SettingsFromConfig(conf)); err != nil {
		log.Warn().Err(err).Str("filter", conf.ResultFilter).Msg("Ignoring invalid result filter")
	}

	log.Debug().
		Str("database", db.Path()).
		Int("trackers", scraper.Trackers()).
		Str("user_agent", buildinfo.UserAgent).
		Msg("services initialized")

	return &runtime{
		cfg:      cfg,
		db:       db,
		store:    store,
		executor: executor,
		registry: reg,
		anilist:  catalog,
		sources:  svc,
		metrics:  metricsManager,
	}, nil
}

// watchConfig applies reloaded timeouts, proxy port and search preferences. Tracker and
// catalog endpoints need a restart.
func (rt *runtime) watchConfig() {
	rt.cfg.RegisterReloadListener(func(conf *domain.Config) {
		rt.executor.Configure(seconds(conf.SandboxTimeoutSeconds), conf.ProxyPort)
		if err := rt.sources.Configure(sources.SettingsFromConfig(conf)); err != nil {
			log.Warn().Err(err).Str("filter", conf.ResultFilter).Msg("Ignoring invalid result filter")
		}
		log.Info().Msg("Applied reloaded configuration")
	})
}

func (rt *runtime) Close() error {
	return rt.db.Close()
}

// acquireLock takes the data directory lock so two processes never share one database.
func acquireLock(cfg *config.AppConfig) (*flock.Flock, error) {
	lock := flock.New(cfg.GetLockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "lock %s", cfg.GetLockPath())
	}
	if !ok {
		return nil, errors.Errorf("another tsuki process is using %s", cfg.GetDataDir())
	}
	return lock, nil
}

// loadConfig builds the configuration for the offline commands.
func loadConfig(configDir, dataDir string) (*config.AppConfig, error) {
	cfg, err := config.New(configDir, buildinfo.Version)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize configuration")
	}
	if dataDir != "" {
		cfg.SetDataDir(dataDir)
	}
	cfg.ApplyLogConfig()
	return cfg, nil
}
