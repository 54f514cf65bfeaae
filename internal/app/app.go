// Package app assembles the folio storage components from configuration.
package app

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/prn-tf/folio-storage/internal/config"
	"github.com/prn-tf/folio-storage/internal/handler"
	"github.com/prn-tf/folio-storage/internal/metrics"
	"github.com/prn-tf/folio-storage/internal/pkg/crypto"
	"github.com/prn-tf/folio-storage/internal/processor"
	"github.com/prn-tf/folio-storage/internal/quota"
	"github.com/prn-tf/folio-storage/internal/recovery"
	"github.com/prn-tf/folio-storage/internal/service"
	"github.com/prn-tf/folio-storage/internal/storage/kv"
	"github.com/prn-tf/folio-storage/internal/storage/memory"
	"github.com/prn-tf/folio-storage/internal/storage/sqlite"
)

// App holds the wired storage service and its HTTP router.
type App struct {
	Config   *config.Config
	Storage  *service.StorageService
	Router   *handler.Router
	Registry *prometheus.Registry
}

// New wires every component described by cfg.
// Metrics are registered on a fresh registry when cfg.Metrics.Enabled is set.
func New(cfg *config.Config, logger zerolog.Logger) (*App, error) {
	var (
		reg *prometheus.Registry
		m   *metrics.Metrics
	)
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(reg)
	}

	checksummer := crypto.NewChecksummer(logger)
	providers, err := NewProviders(cfg.Storage, checksummer, logger)
	if err != nil {
		return nil, err
	}

	svc := service.NewStorageService(
		providers,
		processor.New(processor.NewConfig(cfg.Processor), checksummer, logger),
		quota.NewTracker(cfg.Quota),
		recovery.NewRetrier(cfg.Recovery, m, logger),
		cfg.Recovery.AutoDeleteCorrupted,
		m,
		logger,
	)

	rc := handler.RouterConfig{
		FileHandler: handler.NewFileHandler(svc, cfg.Server.MaxBodySize, logger),
		MetricsPath: cfg.Metrics.Path,
		Logger:      logger,
	}
	if reg != nil {
		rc.Gatherer = reg
	}

	return &App{
		Config:   cfg,
		Storage:  svc,
		Router:   handler.NewRouter(rc),
		Registry: reg,
	}, nil
}

// NewProviders builds the enabled backend providers. Memory is always available.
func NewProviders(cfg config.StorageConfig, checksummer *crypto.Checksummer, logger zerolog.Logger) (service.Providers, error) {
	var p service.Providers

	if cfg.Durable.Enabled {
		p.Durable = sqlite.NewProvider(sqlite.ConfigFrom(cfg.Durable), checksummer, logger)
	}

	if cfg.KV.Enabled {
		open, err := kv.OpenerFor(cfg.KV, logger)
		if err != nil {
			return service.Providers{}, fmt.Errorf("failed to configure key-value storage: %w", err)
		}
		p.KV = kv.NewProvider(kv.ConfigFrom(cfg.KV), open, checksummer, logger)
	}

	p.Memory = memory.NewProvider(cfg.Memory.Capacity, checksummer, logger)
	return p, nil
}
