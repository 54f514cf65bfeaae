package kv

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/prn-tf/folio-storage/internal/domain"
	"github.com/prn-tf/folio-storage/internal/storage"
)

// Provider detects and builds the KV backend.
type Provider struct {
	cfg         Config
	open        Opener
	checksummer storage.Checksummer
	logger      zerolog.Logger
	opts        []Option
}

var _ storage.Provider = (*Provider)(nil)

// NewProvider creates a KV backend provider.
func NewProvider(cfg Config, open Opener, checksummer storage.Checksummer, logger zerolog.Logger, opts ...Option) *Provider {
	return &Provider{
		cfg:         cfg,
		open:        open,
		checksummer: checksummer,
		logger:      logger,
		opts:        opts,
	}
}

// Method implements storage.Provider.
func (p *Provider) Method() domain.StorageMethod {
	return domain.MethodKVString
}

// Capacity returns the capacity estimate of the backends the provider builds.
func (p *Provider) Capacity() int64 {
	if p.cfg.Capacity <= 0 {
		return DefaultCapacity
	}
	return p.cfg.Capacity
}

// Probe performs the write/read/delete capability check on a fresh store handle.
func (p *Provider) Probe(ctx context.Context) error {
	store, err := p.open(ctx)
	if err != nil {
		return unavailable("probe", "failed to open key-value store", err)
	}
	defer store.Close()

	if err := probe(ctx, store, NewKeys(p.cfg.Prefix)); err != nil {
		return unavailable("probe", "key-value store failed the capability check", err)
	}
	return nil
}

// New implements storage.Provider.
func (p *Provider) New() storage.Backend {
	return NewBackend(p.cfg, p.open, p.checksummer, p.logger, p.opts...)
}
