package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/folio-storage/internal/config"
	"github.com/prn-tf/folio-storage/internal/domain"
	"github.com/prn-tf/folio-storage/internal/pkg/crypto"
	"github.com/prn-tf/folio-storage/internal/storage"
)

// DefaultCapacity is the capacity estimate of a string-only store.
const DefaultCapacity = 5 * 1024 * 1024

// Config holds the backend settings.
type Config struct {
	// Prefix namespaces every key the backend writes.
	Prefix string

	// Capacity is the fixed capacity estimate in bytes.
	Capacity int64
}

// ConfigFrom converts application configuration into backend settings.
func ConfigFrom(cfg config.KVConfig) Config {
	c := Config{Prefix: cfg.Prefix, Capacity: cfg.Capacity}
	if c.Capacity <= 0 {
		c.Capacity = DefaultCapacity
	}
	return c
}

// record is the serialized form of a file entry.
type record struct {
	ID       string                    `json:"id"`
	Name     string                    `json:"name"`
	Size     int64                     `json:"size"`
	Type     string                    `json:"type"`
	Category domain.Category           `json:"category"`
	Data     string                    `json:"data"`
	Metadata domain.StoredFileMetadata `json:"metadata"`
}

func (r *record) info() domain.StoredFileInfo {
	return domain.StoredFileInfo{
		ID:         r.ID,
		Name:       r.Name,
		Size:       r.Size,
		Type:       r.Type,
		Category:   r.Category,
		StoredAt:   r.Metadata.StoredAt,
		Compressed: r.Metadata.Compressed,
	}
}

// usageCounter is the running usage entry.
type usageCounter struct {
	// TotalSize is the number of store bytes consumed by file entries (key plus value).
	TotalSize int64 `json:"totalSize"`
	FileCount int64 `json:"fileCount"`
}

// Option configures a Backend.
type Option func(*Backend)

// WithClock replaces the time source used for stored-at timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		b.now = now
	}
}

// Backend is the string-only key-value storage backend.
type Backend struct {
	cfg         Config
	keys        Keys
	open        Opener
	checksummer storage.Checksummer
	now         func() time.Time
	logger      zerolog.Logger

	// mu guards store and serializes the read-modify-write of the usage counter.
	mu    sync.RWMutex
	store Store
}

var _ storage.Backend = (*Backend)(nil)

// NewBackend creates an uninitialized KV backend.
func NewBackend(cfg Config, open Opener, checksummer storage.Checksummer, logger zerolog.Logger, opts ...Option) *Backend {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	b := &Backend{
		cfg:         cfg,
		keys:        NewKeys(cfg.Prefix),
		open:        open,
		checksummer: checksummer,
		now:         time.Now,
		logger:      logger.With().Str("backend", string(domain.MethodKVString)).Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Method implements storage.Backend.
func (b *Backend) Method() domain.StorageMethod {
	return domain.MethodKVString
}

// Capacity returns the fixed capacity estimate.
func (b *Backend) Capacity() int64 {
	return b.cfg.Capacity
}

// Initialize opens the store and verifies it with a write/read/delete round trip.
// It runs once.
func (b *Backend) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.store != nil {
		return nil
	}

	store, err := b.open(ctx)
	if err != nil {
		return unavailable("initialize", "failed to open key-value store", err)
	}

	if err := probe(ctx, store, b.keys); err != nil {
		store.Close()
		return unavailable("initialize", "key-value store failed the capability check", err)
	}

	b.store = store

	usage, err := b.loadUsage(ctx)
	if err != nil {
		b.store = nil
		store.Close()
		return err
	}

	b.logger.Info().
		Int64("used", usage.TotalSize).
		Int64("files", usage.FileCount).
		Int64("capacity", b.cfg.Capacity).
		Msg("key-value storage initialized")

	return nil
}

// IsReady implements storage.Backend.
func (b *Backend) IsReady() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.store != nil
}

// Close implements storage.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.store == nil {
		return nil
	}
	err := b.store.Close()
	b.store = nil
	return err
}

// StoreFile implements storage.Backend. The capacity pre-check uses the running counter.
func (b *Backend) StoreFile(ctx context.Context, id string, file *domain.File, category domain.Category, processed *domain.ProcessedFile) error {
	sf, err := storage.BuildStoredFile(id, file, category, processed, b.checksummer, b.now())
	if err != nil {
		return err
	}

	rec := record{
		ID:       sf.ID,
		Name:     sf.Name,
		Size:     sf.Size,
		Type:     sf.MimeType,
		Category: sf.Category,
		Data:     crypto.EncodeBase64(sf.Data),
		Metadata: sf.Metadata,
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return unavailable("store", "failed to serialize file entry", err)
	}

	key := b.keys.File(id)
	size := entrySize(key, string(value))

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.store == nil {
		return storage.ErrNotReady(domain.MethodKVString, "store")
	}

	if _, err := b.store.Get(ctx, key); err == nil {
		return domain.NewBackendError(domain.KindValidationFailed, domain.MethodKVString, "store",
			fmt.Sprintf("file id %q already exists", id), nil)
	} else if !errors.Is(err, ErrKeyNotFound) {
		return unavailable("store", "failed to read file entry", err)
	}

	usage, err := b.loadUsage(ctx)
	if err != nil {
		return err
	}
	if usage.TotalSize+size > b.cfg.Capacity {
		return domain.NewBackendError(domain.KindQuotaExceeded, domain.MethodKVString, "store",
			fmt.Sprintf("storing %d bytes would exceed the %d byte capacity (%d used)", size, b.cfg.Capacity, usage.TotalSize), nil)
	}

	if err := b.store.Set(ctx, key, string(value)); err != nil {
		return classify("store", err)
	}

	usage.TotalSize += size
	usage.FileCount++
	b.saveUsage(ctx, usage)

	b.logger.Debug().
		Str("id", id).
		Str("category", string(category)).
		Int64("size", sf.Size).
		Int64("entry_size", size).
		Msg("file stored")

	return nil
}

// RetrieveFile implements storage.Backend.
func (b *Backend) RetrieveFile(ctx context.Context, id string) (*domain.File, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.store == nil {
		return nil, storage.ErrNotReady(domain.MethodKVString, "retrieve")
	}

	value, err := b.store.Get(ctx, b.keys.File(id))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, nil
		}
		return nil, unavailable("retrieve", "failed to read file entry", err)
	}

	sf, err := decodeRecord(value)
	if err != nil {
		b.logger.Warn().Err(err).Str("id", id).Msg("unreadable file entry")
		return nil, domain.NewBackendError(domain.KindFileCorrupted, domain.MethodKVString, "retrieve",
			fmt.Sprintf("file entry %q is unreadable", id), err)
	}

	if err := storage.VerifyStoredFile(sf, b.checksummer, domain.MethodKVString); err != nil {
		b.logger.Warn().Str("id", id).Msg("checksum validation failed")
		return nil, err
	}

	return sf.ToFile(), nil
}

// DeleteFile implements storage.Backend.
func (b *Backend) DeleteFile(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.store == nil {
		return storage.ErrNotReady(domain.MethodKVString, "delete")
	}

	key := b.keys.File(id)
	value, err := b.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil
		}
		return unavailable("delete", "failed to read file entry", err)
	}

	usage, err := b.loadUsage(ctx)
	if err != nil {
		return err
	}

	if err := b.store.Delete(ctx, key); err != nil {
		return unavailable("delete", "failed to delete file entry", err)
	}

	usage.TotalSize -= entrySize(key, value)
	usage.FileCount--
	if usage.TotalSize < 0 || usage.FileCount < 0 {
		// Drifted counter; the next read rescans.
		b.dropUsage(ctx)
		return nil
	}
	b.saveUsage(ctx, usage)
	return nil
}

// ListFiles implements storage.Backend. It scans every file entry.
func (b *Backend) ListFiles(ctx context.Context, category domain.Category) ([]domain.StoredFileInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.store == nil {
		return nil, storage.ErrNotReady(domain.MethodKVString, "list")
	}

	keys, err := b.store.Keys(ctx, b.keys.FilePrefix())
	if err != nil {
		return nil, unavailable("list", "failed to enumerate file entries", err)
	}

	infos := make([]domain.StoredFileInfo, 0, len(keys))
	for _, key := range keys {
		value, err := b.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, ErrKeyNotFound) {
				continue
			}
			return nil, unavailable("list", "failed to read file entry", err)
		}

		var rec record
		if err := json.Unmarshal([]byte(value), &rec); err != nil {
			b.logger.Warn().Err(err).Str("key", key).Msg("skipping unreadable file entry")
			continue
		}
		if category != "" && rec.Category != category {
			continue
		}
		infos = append(infos, rec.info())
	}

	storage.SortNewestFirst(infos)
	return infos, nil
}

// GetStorageUsage reports the running counter against the capacity estimate.
func (b *Backend) GetStorageUsage(ctx context.Context) (domain.StorageUsage, error) {
	// loadUsage may rewrite the counter.
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.store == nil {
		return domain.StorageUsage{}, storage.ErrNotReady(domain.MethodKVString, "usage")
	}

	usage, err := b.loadUsage(ctx)
	if err != nil {
		return domain.StorageUsage{}, err
	}
	return domain.NewStorageUsage(usage.TotalSize, b.cfg.Capacity), nil
}

// ClearAllFiles implements storage.Backend. Application metadata is kept.
func (b *Backend) ClearAllFiles(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.store == nil {
		return storage.ErrNotReady(domain.MethodKVString, "clear")
	}

	keys, err := b.store.Keys(ctx, b.keys.FilePrefix())
	if err != nil {
		return unavailable("clear", "failed to enumerate file entries", err)
	}
	if err := b.store.Delete(ctx, keys...); err != nil {
		return unavailable("clear", "failed to delete file entries", err)
	}

	b.saveUsage(ctx, usageCounter{})
	b.logger.Info().Int("files", len(keys)).Msg("all files cleared")
	return nil
}

// StoreMetadata implements storage.Backend.
func (b *Backend) StoreMetadata(ctx context.Context, key string, value any) error {
	data, err := storage.MarshalMetadata(domain.MethodKVString, key, value)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.store == nil {
		return storage.ErrNotReady(domain.MethodKVString, "store_metadata")
	}
	if err := b.store.Set(ctx, b.keys.Metadata(key), string(data)); err != nil {
		return classify("store_metadata", err)
	}
	return nil
}

// RetrieveMetadata implements storage.Backend.
func (b *Backend) RetrieveMetadata(ctx context.Context, key string) (json.RawMessage, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.store == nil {
		return nil, storage.ErrNotReady(domain.MethodKVString, "retrieve_metadata")
	}

	value, err := b.store.Get(ctx, b.keys.Metadata(key))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return nil, nil
		}
		return nil, unavailable("retrieve_metadata", "failed to read metadata", err)
	}
	return json.RawMessage(value), nil
}

// loadUsage reads the running counter, rebuilding it by a full rescan when it is
// missing, unparsable or negative. The caller must hold mu.
func (b *Backend) loadUsage(ctx context.Context) (usageCounter, error) {
	value, err := b.store.Get(ctx, b.keys.Usage())
	switch {
	case err == nil:
		var usage usageCounter
		if jsonErr := json.Unmarshal([]byte(value), &usage); jsonErr == nil && usage.TotalSize >= 0 && usage.FileCount >= 0 {
			return usage, nil
		}
		b.logger.Warn().Str("value", value).Msg("usage counter is corrupt, rescanning")
	case errors.Is(err, ErrKeyNotFound):
		b.logger.Debug().Msg("usage counter missing, rescanning")
	default:
		return usageCounter{}, unavailable("usage", "failed to read usage counter", err)
	}

	return b.rescanUsage(ctx)
}

// rescanUsage recomputes the counter from every file entry and writes it back.
func (b *Backend) rescanUsage(ctx context.Context) (usageCounter, error) {
	keys, err := b.store.Keys(ctx, b.keys.FilePrefix())
	if err != nil {
		return usageCounter{}, unavailable("usage", "failed to enumerate file entries", err)
	}

	var usage usageCounter
	for _, key := range keys {
		value, err := b.store.Get(ctx, key)
		if err != nil {
			if errors.Is(err, ErrKeyNotFound) {
				continue
			}
			return usageCounter{}, unavailable("usage", "failed to read file entry", err)
		}
		usage.TotalSize += entrySize(key, value)
		usage.FileCount++
	}

	b.saveUsage(ctx, usage)
	return usage, nil
}

// saveUsage writes the counter. A failed write drops the counter so the next
// read rescans instead of trusting a stale value.
func (b *Backend) saveUsage(ctx context.Context, usage usageCounter) {
	data, err := json.Marshal(usage)
	if err == nil {
		err = b.store.Set(ctx, b.keys.Usage(), string(data))
	}
	if err != nil {
		b.logger.Warn().Err(err).Msg("failed to write usage counter")
		b.dropUsage(ctx)
	}
}

func (b *Backend) dropUsage(ctx context.Context) {
	if err := b.store.Delete(ctx, b.keys.Usage()); err != nil {
		b.logger.Warn().Err(err).Msg("failed to drop usage counter")
	}
}

// decodeRecord parses a file entry back into a stored file.
func decodeRecord(value string) (*domain.StoredFile, error) {
	var rec record
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		return nil, fmt.Errorf("failed to parse file entry: %w", err)
	}
	data, err := crypto.DecodeBase64(rec.Data)
	if err != nil {
		return nil, err
	}
	return &domain.StoredFile{
		ID:       rec.ID,
		Name:     rec.Name,
		Size:     rec.Size,
		MimeType: rec.Type,
		Category: rec.Category,
		Data:     data,
		Metadata: rec.Metadata,
	}, nil
}

// probe performs a write/read/delete round trip on a throwaway key.
func probe(ctx context.Context, store Store, keys Keys) error {
	if err := store.Ping(ctx); err != nil {
		return err
	}

	key := keys.Probe()
	if err := store.Set(ctx, key, "1"); err != nil {
		return err
	}
	defer store.Delete(ctx, key)

	value, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	if value != "1" {
		return fmt.Errorf("probe read back %q", value)
	}
	return store.Delete(ctx, key)
}

// classify maps a store write failure to the storage error taxonomy.
func classify(op string, err error) error {
	if errors.Is(err, ErrStoreFull) {
		return domain.NewBackendError(domain.KindQuotaExceeded, domain.MethodKVString, op,
			"key-value store is full", err)
	}
	return unavailable(op, "key-value store write failed", err)
}

func unavailable(op, msg string, err error) error {
	return domain.NewBackendError(domain.KindStorageUnavailable, domain.MethodKVString, op, msg, err)
}
