// Package storage defines the contract shared by the folio storage backends.
// Three variants exist: a durable SQLite database, a string-only key-value store
// and a volatile in-process map. The service layer picks one at runtime.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/prn-tf/folio-storage/internal/domain"
)

// Backend defines the interface every persistence variant implements.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Initialize prepares the backend for use.
	// Calling it on an already initialized backend is a no-op.
	Initialize(ctx context.Context) error

	// StoreFile persists a file under id.
	// processed, when not nil, carries the exact bytes to persist (e.g. a compressed image).
	// The checksum is computed over the persisted bytes.
	//
	// Returns:
	//   - QUOTA_EXCEEDED if the backend ran out of capacity
	//   - a backend-specific unavailability error for any other failure
	StoreFile(ctx context.Context, id string, file *domain.File, category domain.Category, processed *domain.ProcessedFile) error

	// RetrieveFile reads a file back and revalidates its checksum.
	// Returns (nil, nil) when id is absent and FILE_CORRUPTED when validation fails.
	RetrieveFile(ctx context.Context, id string) (*domain.File, error)

	// DeleteFile removes a file. Deleting an absent id is not an error.
	DeleteFile(ctx context.Context, id string) error

	// ListFiles returns info projections, newest first.
	// An empty category lists all files.
	ListFiles(ctx context.Context, category domain.Category) ([]domain.StoredFileInfo, error)

	// GetStorageUsage reports bytes used against the backend's quota.
	GetStorageUsage(ctx context.Context) (domain.StorageUsage, error)

	// ClearAllFiles removes every file and resets usage accounting.
	ClearAllFiles(ctx context.Context) error

	// StoreMetadata stores a JSON-serializable application value under key.
	StoreMetadata(ctx context.Context, key string, value any) error

	// RetrieveMetadata returns the raw JSON stored under key, or nil when absent.
	RetrieveMetadata(ctx context.Context, key string) (json.RawMessage, error)

	// IsReady returns true between a successful Initialize and Close.
	IsReady() bool

	// Close releases the backend's resources.
	Close() error

	// Method identifies the variant.
	Method() domain.StorageMethod
}

// Provider detects and constructs one backend variant.
type Provider interface {
	// Method identifies the variant the provider builds.
	Method() domain.StorageMethod

	// Probe checks whether the variant can be used at all, without side effects
	// visible to a later backend.
	Probe(ctx context.Context) error

	// New constructs an uninitialized backend.
	New() Backend
}

// Checksummer computes and validates payload digests.
// *crypto.Checksummer implements it.
type Checksummer interface {
	Generate(data []byte) (checksum, algorithm string)
	Validate(data []byte, expected string) bool
}

// Payload is the exact content a backend persists.
type Payload struct {
	Data         []byte
	MimeType     string
	Compressed   bool
	OriginalSize int64
}

// PreparePayload chooses the bytes to persist: the processed bytes when present,
// the raw file content otherwise.
func PreparePayload(file *domain.File, processed *domain.ProcessedFile) Payload {
	if processed != nil && processed.Data != nil {
		mimeType := processed.MimeType
		if mimeType == "" {
			mimeType = file.MimeType
		}
		originalSize := processed.OriginalSize
		if originalSize == 0 {
			originalSize = file.Size
		}
		return Payload{
			Data:         processed.Data,
			MimeType:     mimeType,
			Compressed:   processed.Compressed,
			OriginalSize: originalSize,
		}
	}

	originalSize := file.Size
	if originalSize == 0 {
		originalSize = int64(len(file.Data))
	}
	return Payload{
		Data:         file.Data,
		MimeType:     file.MimeType,
		OriginalSize: originalSize,
	}
}

// BuildStoredFile assembles the record a backend persists, with the checksum
// computed over the payload bytes.
func BuildStoredFile(id string, file *domain.File, category domain.Category, processed *domain.ProcessedFile, checksummer Checksummer, now time.Time) (*domain.StoredFile, error) {
	if id == "" {
		return nil, domain.NewStorageError(domain.KindValidationFailed, "file id is required", nil)
	}
	if file == nil {
		return nil, domain.NewStorageError(domain.KindValidationFailed, "no file provided", nil)
	}
	if !category.IsValid() {
		return nil, domain.NewStorageError(domain.KindValidationFailed,
			fmt.Sprintf("unknown category %q", category), nil)
	}

	payload := PreparePayload(file, processed)
	checksum, algorithm := checksummer.Generate(payload.Data)

	return &domain.StoredFile{
		ID:       id,
		Name:     file.Name,
		Size:     int64(len(payload.Data)),
		MimeType: payload.MimeType,
		Category: category,
		Data:     payload.Data,
		Metadata: domain.StoredFileMetadata{
			OriginalSize:      payload.OriginalSize,
			Compressed:        payload.Compressed,
			StoredAt:          now.UTC(),
			Checksum:          checksum,
			ChecksumAlgorithm: algorithm,
		},
	}, nil
}

// VerifyStoredFile revalidates the checksum of a record read back from a backend.
func VerifyStoredFile(sf *domain.StoredFile, checksummer Checksummer, method domain.StorageMethod) error {
	if checksummer.Validate(sf.Data, sf.Metadata.Checksum) {
		return nil
	}
	return domain.NewBackendError(domain.KindFileCorrupted, method, "retrieve",
		fmt.Sprintf("checksum mismatch for file %q (%s)", sf.ID, sf.Name), nil)
}

// ToInfo projects stored records, keeps those matching category (all when empty)
// and sorts them newest first.
func ToInfo(files []*domain.StoredFile, category domain.Category) []domain.StoredFileInfo {
	infos := make([]domain.StoredFileInfo, 0, len(files))
	for _, f := range files {
		if category != "" && f.Category != category {
			continue
		}
		infos = append(infos, f.Info())
	}
	SortNewestFirst(infos)
	return infos
}

// SortNewestFirst orders infos by StoredAt descending, then by id for stability.
func SortNewestFirst(infos []domain.StoredFileInfo) {
	sort.SliceStable(infos, func(i, j int) bool {
		if !infos[i].StoredAt.Equal(infos[j].StoredAt) {
			return infos[i].StoredAt.After(infos[j].StoredAt)
		}
		return infos[i].ID > infos[j].ID
	})
}

// UnavailableKind returns the error kind a backend raises when it cannot operate.
func UnavailableKind(method domain.StorageMethod) domain.ErrorKind {
	if method == domain.MethodDurableDB {
		return domain.KindDurableUnavailable
	}
	return domain.KindStorageUnavailable
}

// ErrNotReady returns the error raised by operations on an uninitialized backend.
func ErrNotReady(method domain.StorageMethod, op string) error {
	return domain.NewBackendError(UnavailableKind(method), method, op,
		"backend is not initialized", nil)
}

// MarshalMetadata serializes an application metadata value.
func MarshalMetadata(method domain.StorageMethod, key string, value any) ([]byte, error) {
	if key == "" {
		return nil, domain.NewStorageError(domain.KindValidationFailed, "metadata key is required", nil)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, domain.NewBackendError(domain.KindValidationFailed, method, "store_metadata",
			fmt.Sprintf("metadata %q is not serializable", key), err)
	}
	return data, nil
}
