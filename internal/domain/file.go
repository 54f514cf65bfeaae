// Package domain contains the core entities of the folio storage layer.
package domain

import (
	"fmt"
	"time"
)

// Category classifies an uploaded file. Limits and allow-lists are configured per category.
type Category string

const (
	// CategoryVideo holds lecture recordings, talks and demos.
	CategoryVideo Category = "video"

	// CategoryDocument holds papers, CVs, slides and images.
	CategoryDocument Category = "document"
)

// IsValid returns true if the category is one of the known categories.
func (c Category) IsValid() bool {
	switch c {
	case CategoryVideo, CategoryDocument:
		return true
	default:
		return false
	}
}

// ParseCategory converts a string into a Category.
// An empty string yields the zero Category, which means "all categories" in listings.
func ParseCategory(s string) (Category, error) {
	if s == "" {
		return "", nil
	}
	c := Category(s)
	if !c.IsValid() {
		return "", NewStorageError(KindValidationFailed, fmt.Sprintf("unknown category %q", s), nil)
	}
	return c, nil
}

// File is a file as handed over by the caller or returned on retrieval.
type File struct {
	// Name is the original file name.
	Name string `json:"name"`

	// MimeType is the declared content type (e.g. "application/pdf").
	MimeType string `json:"type"`

	// Size is the size of Data in bytes.
	Size int64 `json:"size"`

	// Data is the file content.
	Data []byte `json:"-"`

	// LastModified is the client-side modification time, or the stored-at time on retrieval.
	LastModified time.Time `json:"last_modified"`
}

// NewFile creates a File from in-memory content.
func NewFile(name, mimeType string, data []byte) *File {
	return &File{
		Name:         name,
		MimeType:     mimeType,
		Size:         int64(len(data)),
		Data:         data,
		LastModified: time.Now().UTC(),
	}
}

// ContentSize is the number of bytes that would be persisted: len(Data) when
// content is present, the declared Size otherwise.
func (f *File) ContentSize() int64 {
	if f.Data != nil {
		return int64(len(f.Data))
	}
	return f.Size
}

// StoredFileMetadata describes how a payload was stored.
type StoredFileMetadata struct {
	// OriginalSize is the size before compression.
	OriginalSize int64 `json:"originalSize"`

	// Compressed is true if the stored payload is a re-encoded image.
	Compressed bool `json:"compressed"`

	// StoredAt is the time the file was persisted.
	StoredAt time.Time `json:"storedAt"`

	// Checksum is the digest of the stored (post-compression) bytes.
	Checksum string `json:"checksum"`

	// ChecksumAlgorithm names the digest used for Checksum ("sha256" or "xxhash64").
	ChecksumAlgorithm string `json:"checksumAlgorithm,omitempty"`
}

// StoredFile is the backend-internal representation of a persisted file.
type StoredFile struct {
	ID       string             `json:"id"`
	Name     string             `json:"name"`
	Size     int64              `json:"size"`
	MimeType string             `json:"type"`
	Category Category           `json:"category"`
	Data     []byte             `json:"-"`
	Metadata StoredFileMetadata `json:"metadata"`
}

// ToFile converts the stored representation back into a File.
func (f *StoredFile) ToFile() *File {
	return &File{
		Name:         f.Name,
		MimeType:     f.MimeType,
		Size:         int64(len(f.Data)),
		Data:         f.Data,
		LastModified: f.Metadata.StoredAt,
	}
}

// Info projects the stored file without its payload.
func (f *StoredFile) Info() StoredFileInfo {
	return StoredFileInfo{
		ID:         f.ID,
		Name:       f.Name,
		Size:       f.Size,
		Type:       f.MimeType,
		Category:   f.Category,
		StoredAt:   f.Metadata.StoredAt,
		Compressed: f.Metadata.Compressed,
	}
}

// StoredFileInfo is the lightweight projection returned by listings.
type StoredFileInfo struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	Type       string    `json:"type"`
	Category   Category  `json:"category"`
	StoredAt   time.Time `json:"storedAt"`
	Compressed bool      `json:"compressed"`
}

// ProcessedFile is the output of the file processor: the exact bytes to persist.
type ProcessedFile struct {
	Data []byte

	// MimeType is the type of Data, which differs from the input type when an
	// image was re-encoded in another format.
	MimeType string

	Metadata     ProcessedMetadata
	Compressed   bool
	OriginalSize int64
	FinalSize    int64
}

// ProcessedMetadata carries what the processor learned about the file.
type ProcessedMetadata struct {
	// DetectedType is the content-sniffed MIME type.
	DetectedType string

	// Width and Height are set for decodable images.
	Width  int
	Height int
}
