package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/folio-storage/internal/domain"
	"github.com/prn-tf/folio-storage/internal/storage"
)

// QuotaEstimator reports the quota the host grants the database, overriding the
// configured estimate. It returns ok=false when no estimate is available.
type QuotaEstimator func(ctx context.Context) (quota int64, ok bool)

// Option configures a Backend.
type Option func(*Backend)

// WithOpener replaces the database opener.
func WithOpener(open Opener) Option {
	return func(b *Backend) {
		b.open = open
	}
}

// WithQuotaEstimator installs a quota estimator.
func WithQuotaEstimator(est QuotaEstimator) Option {
	return func(b *Backend) {
		b.estimator = est
	}
}

// WithClock replaces the time source used for stored-at timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) {
		b.now = now
	}
}

// Backend is the durable storage backend.
type Backend struct {
	cfg         Config
	open        Opener
	estimator   QuotaEstimator
	checksummer storage.Checksummer
	now         func() time.Time
	logger      zerolog.Logger

	mu sync.RWMutex
	db *DB
}

var _ storage.Backend = (*Backend)(nil)

// NewBackend creates an uninitialized durable backend.
func NewBackend(cfg Config, checksummer storage.Checksummer, logger zerolog.Logger, opts ...Option) *Backend {
	b := &Backend{
		cfg:         cfg,
		open:        OpenSQLite,
		checksummer: checksummer,
		now:         time.Now,
		logger:      logger.With().Str("backend", string(domain.MethodDurableDB)).Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Method implements storage.Backend.
func (b *Backend) Method() domain.StorageMethod {
	return domain.MethodDurableDB
}

// Initialize opens the database and applies migrations. It runs once.
func (b *Backend) Initialize(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db != nil {
		return nil
	}

	db, err := NewDB(ctx, b.cfg, b.open, b.logger)
	if err != nil {
		return domain.NewBackendError(domain.KindDurableUnavailable, domain.MethodDurableDB, "initialize",
			"failed to open durable database", err)
	}

	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return domain.NewBackendError(domain.KindDurableUnavailable, domain.MethodDurableDB, "initialize",
			"failed to migrate durable database", err)
	}

	b.db = db
	return nil
}

// IsReady implements storage.Backend.
func (b *Backend) IsReady() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.db != nil
}

// Close implements storage.Backend.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// handle returns the open database or a not-ready error.
func (b *Backend) handle(op string) (*DB, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil {
		return nil, storage.ErrNotReady(domain.MethodDurableDB, op)
	}
	return b.db, nil
}

// StoreFile persists a file in one transaction, refusing writes beyond the quota.
func (b *Backend) StoreFile(ctx context.Context, id string, file *domain.File, category domain.Category, processed *domain.ProcessedFile) error {
	db, err := b.handle("store")
	if err != nil {
		return err
	}

	sf, err := storage.BuildStoredFile(id, file, category, processed, b.checksummer, b.now())
	if err != nil {
		return err
	}

	quota := b.quota(ctx)

	err = db.WithTx(ctx, func(tx *sql.Tx) error {
		var used int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM files`).Scan(&used); err != nil {
			return fmt.Errorf("failed to sum usage: %w", err)
		}
		if used+sf.Size > quota {
			return domain.NewBackendError(domain.KindQuotaExceeded, domain.MethodDurableDB, "store",
				fmt.Sprintf("storing %d bytes would exceed the %d byte quota (%d used)", sf.Size, quota, used), nil)
		}

		query := `
			INSERT INTO files (id, name, size, mime_type, category, data, original_size,
				compressed, stored_at, checksum, checksum_algorithm)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`
		_, err := tx.ExecContext(ctx, query,
			sf.ID,
			sf.Name,
			sf.Size,
			sf.MimeType,
			string(sf.Category),
			sf.Data,
			sf.Metadata.OriginalSize,
			sf.Metadata.Compressed,
			sf.Metadata.StoredAt.UnixNano(),
			sf.Metadata.Checksum,
			sf.Metadata.ChecksumAlgorithm,
		)
		if err != nil {
			return fmt.Errorf("failed to insert file: %w", err)
		}
		return nil
	})
	if err != nil {
		return classify("store", err)
	}

	b.logger.Debug().
		Str("id", sf.ID).
		Str("category", string(sf.Category)).
		Int64("size", sf.Size).
		Bool("compressed", sf.Metadata.Compressed).
		Msg("file stored")

	return nil
}

// RetrieveFile implements storage.Backend.
func (b *Backend) RetrieveFile(ctx context.Context, id string) (*domain.File, error) {
	db, err := b.handle("retrieve")
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, name, size, mime_type, category, data, original_size,
			compressed, stored_at, checksum, checksum_algorithm
		FROM files
		WHERE id = ?
	`

	sf := &domain.StoredFile{}
	var category string
	var storedAt int64

	err = db.QueryRowContext(ctx, query, id).Scan(
		&sf.ID,
		&sf.Name,
		&sf.Size,
		&sf.MimeType,
		&category,
		&sf.Data,
		&sf.Metadata.OriginalSize,
		&sf.Metadata.Compressed,
		&storedAt,
		&sf.Metadata.Checksum,
		&sf.Metadata.ChecksumAlgorithm,
	)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, classify("retrieve", err)
	}

	sf.Category = domain.Category(category)
	sf.Metadata.StoredAt = time.Unix(0, storedAt).UTC()

	if err := storage.VerifyStoredFile(sf, b.checksummer, domain.MethodDurableDB); err != nil {
		b.logger.Warn().Str("id", id).Msg("checksum validation failed")
		return nil, err
	}

	return sf.ToFile(), nil
}

// DeleteFile implements storage.Backend.
func (b *Backend) DeleteFile(ctx context.Context, id string) error {
	db, err := b.handle("delete")
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, id); err != nil {
		return classify("delete", err)
	}
	return nil
}

// ListFiles implements storage.Backend. The category filter uses idx_files_category.
func (b *Backend) ListFiles(ctx context.Context, category domain.Category) ([]domain.StoredFileInfo, error) {
	db, err := b.handle("list")
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString(`SELECT id, name, size, mime_type, category, stored_at, compressed FROM files`)
	var args []interface{}
	if category != "" {
		sb.WriteString(` WHERE category = ?`)
		args = append(args, string(category))
	}
	sb.WriteString(` ORDER BY stored_at DESC, id DESC`)

	rows, err := db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, classify("list", err)
	}
	defer rows.Close()

	infos := make([]domain.StoredFileInfo, 0)
	for rows.Next() {
		var info domain.StoredFileInfo
		var cat string
		var storedAt int64
		if err := rows.Scan(&info.ID, &info.Name, &info.Size, &info.Type, &cat, &storedAt, &info.Compressed); err != nil {
			return nil, classify("list", fmt.Errorf("failed to scan file: %w", err))
		}
		info.Category = domain.Category(cat)
		info.StoredAt = time.Unix(0, storedAt).UTC()
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list", err)
	}

	return infos, nil
}

// GetStorageUsage sums stored sizes against the quota.
func (b *Backend) GetStorageUsage(ctx context.Context) (domain.StorageUsage, error) {
	db, err := b.handle("usage")
	if err != nil {
		return domain.StorageUsage{}, err
	}

	var used int64
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM files`).Scan(&used); err != nil {
		return domain.StorageUsage{}, classify("usage", err)
	}

	return domain.NewStorageUsage(used, b.quota(ctx)), nil
}

// ClearAllFiles implements storage.Backend. Application metadata is kept.
func (b *Backend) ClearAllFiles(ctx context.Context) error {
	db, err := b.handle("clear")
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM files`); err != nil {
		return classify("clear", err)
	}

	b.logger.Info().Msg("all files cleared")
	return nil
}

// StoreMetadata implements storage.Backend.
func (b *Backend) StoreMetadata(ctx context.Context, key string, value any) error {
	db, err := b.handle("store_metadata")
	if err != nil {
		return err
	}

	data, err := storage.MarshalMetadata(domain.MethodDurableDB, key, value)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO metadata (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	if _, err := db.ExecContext(ctx, query, key, string(data), b.now().UnixNano()); err != nil {
		return classify("store_metadata", err)
	}
	return nil
}

// RetrieveMetadata implements storage.Backend.
func (b *Backend) RetrieveMetadata(ctx context.Context, key string) (json.RawMessage, error) {
	db, err := b.handle("retrieve_metadata")
	if err != nil {
		return nil, err
	}

	var value string
	err = db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, classify("retrieve_metadata", err)
	}
	return json.RawMessage(value), nil
}

// quota returns the estimator's quota when present, the configured estimate otherwise.
func (b *Backend) quota(ctx context.Context) int64 {
	if b.estimator != nil {
		if q, ok := b.estimator(ctx); ok && q > 0 {
			return q
		}
	}
	return b.cfg.EstimatedQuota
}
