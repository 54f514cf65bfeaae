package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/prn-tf/folio-storage/internal/domain"
	"github.com/prn-tf/folio-storage/internal/storage"
)

// Provider detects and builds the durable backend.
type Provider struct {
	cfg         Config
	checksummer storage.Checksummer
	logger      zerolog.Logger
	opts        []Option
	open        Opener
}

var _ storage.Provider = (*Provider)(nil)

// NewProvider creates a durable backend provider.
func NewProvider(cfg Config, checksummer storage.Checksummer, logger zerolog.Logger, opts ...Option) *Provider {
	return &Provider{
		cfg:         cfg,
		checksummer: checksummer,
		logger:      logger,
		opts:        opts,
		// Probe with the same opener the backend will use.
		open: NewBackend(cfg, checksummer, logger, opts...).open,
	}
}

// Method implements storage.Provider.
func (p *Provider) Method() domain.StorageMethod {
	return domain.MethodDurableDB
}

// Probe opens a throwaway database next to the configured path, writes to it
// and removes it.
func (p *Provider) Probe(ctx context.Context) error {
	cfg := p.cfg
	if cfg.Path != MemoryPath {
		cfg.Path = filepath.Join(filepath.Dir(cfg.Path), fmt.Sprintf(".folio-probe-%s.db", uuid.NewString()))
		defer removeDatabaseFiles(cfg.Path)
	}

	db, err := p.open(ctx, cfg)
	if err != nil {
		return domain.NewBackendError(domain.KindDurableUnavailable, domain.MethodDurableDB, "probe",
			"durable database cannot be opened", err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, `CREATE TABLE probe (v INTEGER)`); err != nil {
		return classify("probe", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO probe (v) VALUES (1)`); err != nil {
		return classify("probe", err)
	}

	return nil
}

// New implements storage.Provider.
func (p *Provider) New() storage.Backend {
	return NewBackend(p.cfg, p.checksummer, p.logger, p.opts...)
}

// removeDatabaseFiles deletes a database file and its journal companions.
func removeDatabaseFiles(path string) {
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		_ = os.Remove(path + suffix)
	}
}
