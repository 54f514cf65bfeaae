// Package memory implements the volatile folio storage backend.
// Data lives in process memory only and is lost on Close or restart.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/folio-storage/internal/domain"
	"github.com/prn-tf/folio-storage/internal/storage"
)

// DefaultCapacity is the nominal capacity usage is reported against.
const DefaultCapacity = 1 << 30

// Backend is a map-backed storage backend. It never fails on capacity.
type Backend struct {
	capacity    int64
	checksummer storage.Checksummer
	now         func() time.Time
	logger      zerolog.Logger

	mu       sync.RWMutex
	ready    bool
	files    map[string]*domain.StoredFile
	metadata map[string]json.RawMessage
	used     int64
}

var _ storage.Backend = (*Backend)(nil)

// NewBackend creates an uninitialized memory backend.
func NewBackend(capacity int64, checksummer storage.Checksummer, logger zerolog.Logger) *Backend {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Backend{
		capacity:    capacity,
		checksummer: checksummer,
		now:         time.Now,
		logger:      logger.With().Str("backend", string(domain.MethodMemory)).Logger(),
	}
}

// Method implements storage.Backend.
func (b *Backend) Method() domain.StorageMethod {
	return domain.MethodMemory
}

// Initialize implements storage.Backend.
func (b *Backend) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.ready {
		return nil
	}
	b.files = make(map[string]*domain.StoredFile)
	b.metadata = make(map[string]json.RawMessage)
	b.used = 0
	b.ready = true

	b.logger.Warn().Msg("using volatile memory storage, files will not survive a restart")
	return nil
}

// IsReady implements storage.Backend.
func (b *Backend) IsReady() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ready
}

// Close drops all data.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.files = nil
	b.metadata = nil
	b.used = 0
	b.ready = false
	return nil
}

// StoreFile implements storage.Backend.
func (b *Backend) StoreFile(ctx context.Context, id string, file *domain.File, category domain.Category, processed *domain.ProcessedFile) error {
	sf, err := storage.BuildStoredFile(id, file, category, processed, b.checksummer, b.now())
	if err != nil {
		return err
	}
	// Own the bytes so later caller mutation cannot alter stored content.
	sf.Data = append([]byte(nil), sf.Data...)

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.ready {
		return storage.ErrNotReady(domain.MethodMemory, "store")
	}
	if _, exists := b.files[id]; exists {
		return domain.NewBackendError(domain.KindValidationFailed, domain.MethodMemory, "store",
			fmt.Sprintf("file id %q already exists", id), nil)
	}

	b.files[id] = sf
	b.used += sf.Size
	return nil
}

// RetrieveFile implements storage.Backend.
func (b *Backend) RetrieveFile(ctx context.Context, id string) (*domain.File, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.ready {
		return nil, storage.ErrNotReady(domain.MethodMemory, "retrieve")
	}

	sf, exists := b.files[id]
	if !exists {
		return nil, nil
	}
	if err := storage.VerifyStoredFile(sf, b.checksummer, domain.MethodMemory); err != nil {
		return nil, err
	}

	f := sf.ToFile()
	f.Data = append([]byte(nil), sf.Data...)
	return f, nil
}

// DeleteFile implements storage.Backend.
func (b *Backend) DeleteFile(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.ready {
		return storage.ErrNotReady(domain.MethodMemory, "delete")
	}
	if sf, exists := b.files[id]; exists {
		b.used -= sf.Size
		delete(b.files, id)
	}
	return nil
}

// ListFiles implements storage.Backend.
func (b *Backend) ListFiles(ctx context.Context, category domain.Category) ([]domain.StoredFileInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.ready {
		return nil, storage.ErrNotReady(domain.MethodMemory, "list")
	}

	files := make([]*domain.StoredFile, 0, len(b.files))
	for _, sf := range b.files {
		files = append(files, sf)
	}
	return storage.ToInfo(files, category), nil
}

// GetStorageUsage implements storage.Backend.
func (b *Backend) GetStorageUsage(ctx context.Context) (domain.StorageUsage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.ready {
		return domain.StorageUsage{}, storage.ErrNotReady(domain.MethodMemory, "usage")
	}
	return domain.NewStorageUsage(b.used, b.capacity), nil
}

// ClearAllFiles implements storage.Backend.
func (b *Backend) ClearAllFiles(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.ready {
		return storage.ErrNotReady(domain.MethodMemory, "clear")
	}
	b.files = make(map[string]*domain.StoredFile)
	b.used = 0
	return nil
}

// StoreMetadata implements storage.Backend.
func (b *Backend) StoreMetadata(ctx context.Context, key string, value any) error {
	data, err := storage.MarshalMetadata(domain.MethodMemory, key, value)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.ready {
		return storage.ErrNotReady(domain.MethodMemory, "store_metadata")
	}
	b.metadata[key] = data
	return nil
}

// RetrieveMetadata implements storage.Backend.
func (b *Backend) RetrieveMetadata(ctx context.Context, key string) (json.RawMessage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.ready {
		return nil, storage.ErrNotReady(domain.MethodMemory, "retrieve_metadata")
	}
	value, exists := b.metadata[key]
	if !exists {
		return nil, nil
	}
	return append(json.RawMessage(nil), value...), nil
}

// Provider builds memory backends. Memory storage is always available.
type Provider struct {
	capacity    int64
	checksummer storage.Checksummer
	logger      zerolog.Logger
}

var _ storage.Provider = (*Provider)(nil)

// NewProvider creates a memory backend provider.
func NewProvider(capacity int64, checksummer storage.Checksummer, logger zerolog.Logger) *Provider {
	return &Provider{capacity: capacity, checksummer: checksummer, logger: logger}
}

// Method implements storage.Provider.
func (p *Provider) Method() domain.StorageMethod {
	return domain.MethodMemory
}

// Probe implements storage.Provider.
func (p *Provider) Probe(ctx context.Context) error {
	return ctx.Err()
}

// New implements storage.Provider.
func (p *Provider) New() storage.Backend {
	return NewBackend(p.capacity, p.checksummer, p.logger)
}
