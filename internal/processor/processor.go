// Package processor validates uploaded files and prepares the exact bytes to persist.
package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"github.com/prn-tf/folio-storage/internal/config"
	"github.com/prn-tf/folio-storage/internal/domain"
	"github.com/prn-tf/folio-storage/internal/pkg/crypto"
)

// genericType is the type browsers and HTTP clients send when they don't know better.
const genericType = "application/octet-stream"

// CategoryLimits holds the validation policy of one category.
type CategoryLimits struct {
	MaxSize      int64
	AllowedTypes []string
}

// CompressionConfig holds image compression settings.
type CompressionConfig struct {
	Enabled   bool
	MaxWidth  int
	MaxHeight int

	// Quality is the re-encoding quality between 0 and 1.
	Quality float64
}

// Config holds the processor policy.
type Config struct {
	Limits      map[domain.Category]CategoryLimits
	Compression CompressionConfig
}

// DefaultConfig returns the default policy: documents up to 10MB, videos up to 150MB.
func DefaultConfig() Config {
	return NewConfig(config.Default().Processor)
}

// NewConfig converts application configuration into a processor policy.
func NewConfig(cfg config.ProcessorConfig) Config {
	return Config{
		Limits: map[domain.Category]CategoryLimits{
			domain.CategoryDocument: {
				MaxSize:      cfg.Documents.MaxSize,
				AllowedTypes: cfg.Documents.AllowedTypes,
			},
			domain.CategoryVideo: {
				MaxSize:      cfg.Videos.MaxSize,
				AllowedTypes: cfg.Videos.AllowedTypes,
			},
		},
		Compression: CompressionConfig{
			Enabled:   cfg.Compression.Enabled,
			MaxWidth:  cfg.Compression.MaxWidth,
			MaxHeight: cfg.Compression.MaxHeight,
			Quality:   cfg.Compression.Quality,
		},
	}
}

// Processor validates and processes files before they reach a backend.
type Processor struct {
	cfg         Config
	checksummer *crypto.Checksummer
	logger      zerolog.Logger
}

// New creates a new Processor.
func New(cfg Config, checksummer *crypto.Checksummer, logger zerolog.Logger) *Processor {
	return &Processor{
		cfg:         cfg,
		checksummer: checksummer,
		logger:      logger.With().Str("component", "processor").Logger(),
	}
}

// ValidateFile checks size and type against the category policy.
// It never touches a backend.
func (p *Processor) ValidateFile(file *domain.File, category domain.Category) error {
	if file == nil {
		return domain.NewStorageError(domain.KindValidationFailed, "no file provided", nil)
	}

	limits, ok := p.cfg.Limits[category]
	if !ok {
		return domain.NewStorageError(domain.KindValidationFailed,
			fmt.Sprintf("unknown category %q", category), nil)
	}

	size := file.ContentSize()
	if size <= 0 {
		return domain.NewStorageError(domain.KindValidationFailed,
			fmt.Sprintf("file %q is empty", file.Name), nil)
	}

	if size > limits.MaxSize {
		return domain.NewStorageError(domain.KindFileTooLarge,
			fmt.Sprintf("file %q is %s, the %s limit is %s", file.Name,
				humanize.IBytes(uint64(size)), category, humanize.IBytes(uint64(limits.MaxSize))), nil)
	}

	mimeType := p.EffectiveType(file)
	if !typeAllowed(mimeType, limits.AllowedTypes) {
		return domain.NewStorageError(domain.KindInvalidFileType,
			fmt.Sprintf("type %q is not allowed for %s files", mimeType, category), nil)
	}

	return nil
}

// ProcessFile returns the bytes to persist. Images are compressed when enabled;
// a failed or non-shrinking compression falls back to the raw bytes.
func (p *Processor) ProcessFile(ctx context.Context, file *domain.File, category domain.Category) (*domain.ProcessedFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if file == nil {
		return nil, domain.NewStorageError(domain.KindValidationFailed, "no file provided", nil)
	}

	meta := p.ExtractMetadata(file)
	mimeType := p.EffectiveType(file)

	result := &domain.ProcessedFile{
		Data:         file.Data,
		MimeType:     mimeType,
		Metadata:     meta,
		OriginalSize: int64(len(file.Data)),
		FinalSize:    int64(len(file.Data)),
	}

	if !p.cfg.Compression.Enabled || !isImage(mimeType) {
		return result, nil
	}

	compressed, outType, err := p.compress(file, mimeType)
	if err != nil {
		p.logger.Warn().
			Err(err).
			Str("name", file.Name).
			Str("category", string(category)).
			Msg("image compression failed, storing original")
		return result, nil
	}

	if len(compressed) >= len(file.Data) {
		p.logger.Debug().
			Str("name", file.Name).
			Int("original", len(file.Data)).
			Int("compressed", len(compressed)).
			Msg("compression did not shrink image, storing original")
		return result, nil
	}

	result.Data = compressed
	result.MimeType = outType
	result.Compressed = true
	result.FinalSize = int64(len(compressed))

	p.logger.Debug().
		Str("name", file.Name).
		Int64("original", result.OriginalSize).
		Int64("compressed", result.FinalSize).
		Msg("image compressed")

	return result, nil
}

// CompressImage re-encodes an image within the configured bounds.
func (p *Processor) CompressImage(file *domain.File) ([]byte, error) {
	data, _, err := p.compress(file, p.EffectiveType(file))
	return data, err
}

// GenerateFileID returns a practically unique id for the file.
func (p *Processor) GenerateFileID(file *domain.File) (string, error) {
	return crypto.GenerateFileID(file.Name, file.ContentSize(), file.MimeType)
}

// GenerateChecksum returns the checksum of data and the digest algorithm used.
func (p *Processor) GenerateChecksum(data []byte) (string, string) {
	return p.checksummer.Generate(data)
}

// ValidateFileIntegrity recomputes the checksum of data and compares.
func (p *Processor) ValidateFileIntegrity(data []byte, expected string) bool {
	return p.checksummer.Validate(data, expected)
}

// ExtractMetadata sniffs the content type and image dimensions.
func (p *Processor) ExtractMetadata(file *domain.File) domain.ProcessedMetadata {
	var meta domain.ProcessedMetadata
	if file == nil || len(file.Data) == 0 {
		return meta
	}

	meta.DetectedType = normalizeType(mimetype.Detect(file.Data).String())
	if isImage(meta.DetectedType) {
		if w, h, ok := imageDimensions(file.Data); ok {
			meta.Width, meta.Height = w, h
		}
	}
	return meta
}

// EffectiveType returns the declared type, or the sniffed one when the declared
// type is missing or generic.
func (p *Processor) EffectiveType(file *domain.File) string {
	declared := normalizeType(file.MimeType)
	if declared != "" && declared != genericType {
		return declared
	}
	if len(file.Data) == 0 {
		return declared
	}
	return normalizeType(mimetype.Detect(file.Data).String())
}

// normalizeType lowercases a MIME type and strips parameters.
func normalizeType(t string) string {
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = t[:i]
	}
	return strings.ToLower(strings.TrimSpace(t))
}

// typeAllowed matches a MIME type against an allow-list supporting "type/*" entries.
func typeAllowed(mimeType string, allowed []string) bool {
	if mimeType == "" {
		return false
	}
	for _, a := range allowed {
		a = normalizeType(a)
		if a == mimeType {
			return true
		}
		if strings.HasSuffix(a, "/*") && strings.HasPrefix(mimeType, strings.TrimSuffix(a, "*")) {
			return true
		}
	}
	return false
}

func isImage(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/")
}
