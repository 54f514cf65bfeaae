package processor

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/prn-tf/folio-storage/internal/domain"
	"github.com/prn-tf/folio-storage/internal/pkg/crypto"
)

func newTestProcessor(t *testing.T) *Processor {
	t.Helper()
	logger := zerolog.Nop()
	return New(DefaultConfig(), crypto.NewChecksummer(logger), logger)
}

func gradient(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: uint8((x + y) % 256), A: 255})
		}
	}
	return img
}

func encodeJPEG(t *testing.T, img image.Image, quality int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}))
	return buf.Bytes()
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	require.NoError(t, enc.Encode(&buf, img))
	return buf.Bytes()
}

var pdfData = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")

// =============================================================================
// Validation
// =============================================================================

func TestProcessor_ValidateFile(t *testing.T) {
	p := newTestProcessor(t)

	tests := []struct {
		name     string
		file     *domain.File
		category domain.Category
		wantErr  error
	}{
		{
			name:     "pdf document",
			file:     domain.NewFile("paper.pdf", "application/pdf", make([]byte, 2048)),
			category: domain.CategoryDocument,
		},
		{
			name:     "mp4 video",
			file:     domain.NewFile("talk.mp4", "video/mp4", make([]byte, 4096)),
			category: domain.CategoryVideo,
		},
		{
			name:     "type with parameters",
			file:     domain.NewFile("notes.txt", "Text/Plain; charset=utf-8", []byte("hello")),
			category: domain.CategoryDocument,
		},
		{
			name:     "empty file",
			file:     domain.NewFile("empty.pdf", "application/pdf", nil),
			category: domain.CategoryDocument,
			wantErr:  domain.ErrValidationFailed,
		},
		{
			name:     "nil file",
			category: domain.CategoryDocument,
			wantErr:  domain.ErrValidationFailed,
		},
		{
			name:     "unknown category",
			file:     domain.NewFile("paper.pdf", "application/pdf", []byte("x")),
			category: domain.Category("audio"),
			wantErr:  domain.ErrValidationFailed,
		},
		{
			name: "video over limit",
			file: &domain.File{
				Name:     "lecture.mp4",
				MimeType: "video/mp4",
				Size:     200 * 1024 * 1024,
			},
			category: domain.CategoryVideo,
			wantErr:  domain.ErrFileTooLarge,
		},
		{
			name: "document at limit",
			file: &domain.File{
				Name:     "big.pdf",
				MimeType: "application/pdf",
				Size:     10 * 1024 * 1024,
				Data:     []byte("x"),
			},
			category: domain.CategoryDocument,
		},
		{
			name:     "video type as document",
			file:     domain.NewFile("talk.mp4", "video/mp4", []byte("x")),
			category: domain.CategoryDocument,
			wantErr:  domain.ErrInvalidFileType,
		},
		{
			name:     "executable",
			file:     domain.NewFile("setup.exe", "application/x-msdownload", []byte("MZ")),
			category: domain.CategoryDocument,
			wantErr:  domain.ErrInvalidFileType,
		},
		{
			name:     "sniffed pdf without declared type",
			file:     domain.NewFile("paper", "", pdfData),
			category: domain.CategoryDocument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.ValidateFile(tt.file, tt.category)
			if tt.wantErr != nil {
				require.Error(t, err)
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestProcessor_ValidateFile_SizeCheckedBeforeType(t *testing.T) {
	p := newTestProcessor(t)

	file := &domain.File{Name: "huge.exe", MimeType: "application/x-msdownload", Size: 500 * 1024 * 1024}
	err := p.ValidateFile(file, domain.CategoryVideo)
	require.Equal(t, domain.KindFileTooLarge, domain.KindOf(err))
}

func TestProcessor_ValidateFile_UsesContentLength(t *testing.T) {
	p := newTestProcessor(t)

	tests := []struct {
		name     string
		file     *domain.File
		category domain.Category
		want     domain.ErrorKind
	}{
		{
			name:     "understated size with oversized data",
			file:     &domain.File{Name: "huge.pdf", MimeType: "application/pdf", Size: 1024, Data: make([]byte, 20<<20)},
			category: domain.CategoryDocument,
			want:     domain.KindFileTooLarge,
		},
		{
			name:     "overstated size with empty data",
			file:     &domain.File{Name: "empty.pdf", MimeType: "application/pdf", Size: 4096, Data: []byte{}},
			category: domain.CategoryDocument,
			want:     domain.KindValidationFailed,
		},
		{
			name:     "declared size without data",
			file:     &domain.File{Name: "talk.mp4", MimeType: "video/mp4", Size: 200 << 20},
			category: domain.CategoryVideo,
			want:     domain.KindFileTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.ValidateFile(tt.file, tt.category)
			require.Error(t, err)
			require.Equal(t, tt.want, domain.KindOf(err))
		})
	}

	ok := &domain.File{Name: "small.pdf", MimeType: "application/pdf", Size: 50 << 20, Data: pdfData}
	require.NoError(t, p.ValidateFile(ok, domain.CategoryDocument))
}

func TestTypeAllowed_Wildcard(t *testing.T) {
	require.True(t, typeAllowed("video/x-matroska", []string{"video/*"}))
	require.False(t, typeAllowed("audio/mpeg", []string{"video/*"}))
	require.False(t, typeAllowed("", []string{"video/*"}))
}

// =============================================================================
// Processing
// =============================================================================

func TestProcessor_ProcessFile_NonImagePassthrough(t *testing.T) {
	p := newTestProcessor(t)
	file := domain.NewFile("paper.pdf", "application/pdf", pdfData)

	out, err := p.ProcessFile(context.Background(), file, domain.CategoryDocument)
	require.NoError(t, err)
	require.False(t, out.Compressed)
	require.Equal(t, pdfData, out.Data)
	require.Equal(t, "application/pdf", out.MimeType)
	require.Equal(t, int64(len(pdfData)), out.OriginalSize)
	require.Equal(t, out.OriginalSize, out.FinalSize)
	require.Equal(t, "application/pdf", out.Metadata.DetectedType)
}

func TestProcessor_ProcessFile_CompressesLargeJPEG(t *testing.T) {
	p := newTestProcessor(t)
	data := encodeJPEG(t, gradient(2400, 1600), 100)
	file := domain.NewFile("photo.jpg", "image/jpeg", data)

	out, err := p.ProcessFile(context.Background(), file, domain.CategoryDocument)
	require.NoError(t, err)
	require.True(t, out.Compressed)
	require.Less(t, out.FinalSize, out.OriginalSize)
	require.Equal(t, "image/jpeg", out.MimeType)
	require.Equal(t, 2400, out.Metadata.Width)
	require.Equal(t, 1600, out.Metadata.Height)

	cfg, _, err := image.DecodeConfig(bytes.NewReader(out.Data))
	require.NoError(t, err)
	require.Equal(t, 1620, cfg.Width)
	require.Equal(t, 1080, cfg.Height)
}

func TestProcessor_ProcessFile_KeepsOriginalWhenNotSmaller(t *testing.T) {
	p := newTestProcessor(t)
	data := encodePNG(t, gradient(10, 10))
	file := domain.NewFile("icon.png", "image/png", data)

	out, err := p.ProcessFile(context.Background(), file, domain.CategoryDocument)
	require.NoError(t, err)
	require.False(t, out.Compressed)
	require.Equal(t, data, out.Data)
	require.Equal(t, "image/png", out.MimeType)
}

func TestProcessor_ProcessFile_UndecodableImageStoredRaw(t *testing.T) {
	p := newTestProcessor(t)
	data := []byte("not really a jpeg")
	file := domain.NewFile("broken.jpg", "image/jpeg", data)

	out, err := p.ProcessFile(context.Background(), file, domain.CategoryDocument)
	require.NoError(t, err)
	require.False(t, out.Compressed)
	require.Equal(t, data, out.Data)
}

func TestProcessor_ProcessFile_CompressionDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Compression.Enabled = false
	p := New(cfg, crypto.NewChecksummer(zerolog.Nop()), zerolog.Nop())

	data := encodeJPEG(t, gradient(2400, 1600), 100)
	out, err := p.ProcessFile(context.Background(), domain.NewFile("photo.jpg", "image/jpeg", data), domain.CategoryDocument)
	require.NoError(t, err)
	require.False(t, out.Compressed)
	require.Equal(t, data, out.Data)
}

func TestProcessor_ProcessFile_CanceledContext(t *testing.T) {
	p := newTestProcessor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.ProcessFile(ctx, domain.NewFile("paper.pdf", "application/pdf", pdfData), domain.CategoryDocument)
	require.ErrorIs(t, err, context.Canceled)
}

func TestProcessor_CompressImage(t *testing.T) {
	p := newTestProcessor(t)

	t.Run("png keeps format", func(t *testing.T) {
		data := encodePNG(t, gradient(3000, 2000))
		out, err := p.CompressImage(domain.NewFile("scan.png", "image/png", data))
		require.NoError(t, err)

		cfg, format, err := image.DecodeConfig(bytes.NewReader(out))
		require.NoError(t, err)
		require.Equal(t, "png", format)
		require.Equal(t, 1620, cfg.Width)
		require.Equal(t, 1080, cfg.Height)
	})

	t.Run("not an image", func(t *testing.T) {
		_, err := p.CompressImage(domain.NewFile("paper.pdf", "application/pdf", pdfData))
		require.ErrorIs(t, err, domain.ErrCompressionFailed)
	})

	t.Run("corrupt image", func(t *testing.T) {
		_, err := p.CompressImage(domain.NewFile("bad.png", "image/png", []byte("garbage")))
		require.ErrorIs(t, err, domain.ErrCompressionFailed)
	})
}

func TestTargetDimensions(t *testing.T) {
	tests := []struct {
		name       string
		w, h       int
		maxW, maxH int
		wantW      int
		wantH      int
	}{
		{"within bounds", 800, 600, 1920, 1080, 800, 600},
		{"wide", 3840, 1080, 1920, 1080, 1920, 540},
		{"tall", 1000, 4000, 1920, 1080, 270, 1080},
		{"both over", 3000, 2000, 1920, 1080, 1620, 1080},
		{"exact", 1920, 1080, 1920, 1080, 1920, 1080},
		{"no width bound", 5000, 500, 0, 1080, 5000, 500},
		{"tiny result clamps to one", 10000, 1, 100, 100, 100, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, h := TargetDimensions(tt.w, tt.h, tt.maxW, tt.maxH)
			require.Equal(t, tt.wantW, w)
			require.Equal(t, tt.wantH, h)
			require.LessOrEqual(t, w, tt.w)
			require.LessOrEqual(t, h, tt.h)
		})
	}
}

// =============================================================================
// Identity and integrity
// =============================================================================

func TestProcessor_GenerateFileID_Unique(t *testing.T) {
	p := newTestProcessor(t)
	file := domain.NewFile("paper.pdf", "application/pdf", pdfData)

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id, err := p.GenerateFileID(file)
		require.NoError(t, err)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestProcessor_Checksum(t *testing.T) {
	p := newTestProcessor(t)

	sum, algo := p.GenerateChecksum(pdfData)
	require.Equal(t, crypto.AlgorithmSHA256, algo)
	require.True(t, p.ValidateFileIntegrity(pdfData, sum))

	mutated := append([]byte(nil), pdfData...)
	mutated[3] ^= 0x01
	require.False(t, p.ValidateFileIntegrity(mutated, sum))
}

func TestProcessor_EffectiveType(t *testing.T) {
	p := newTestProcessor(t)

	require.Equal(t, "application/pdf", p.EffectiveType(domain.NewFile("a", "APPLICATION/PDF", nil)))
	require.Equal(t, "application/pdf", p.EffectiveType(domain.NewFile("a", "application/octet-stream", pdfData)))
	require.Equal(t, "", p.EffectiveType(domain.NewFile("a", "", nil)))
}

func TestProcessor_ExtractMetadata(t *testing.T) {
	p := newTestProcessor(t)

	meta := p.ExtractMetadata(domain.NewFile("shot.png", "", encodePNG(t, gradient(40, 30))))
	require.Equal(t, "image/png", meta.DetectedType)
	require.Equal(t, 40, meta.Width)
	require.Equal(t, 30, meta.Height)

	meta = p.ExtractMetadata(domain.NewFile("paper", "application/octet-stream", pdfData))
	require.Equal(t, "application/pdf", meta.DetectedType)
	require.Zero(t, meta.Width)

	require.Equal(t, domain.ProcessedMetadata{}, p.ExtractMetadata(nil))
}
