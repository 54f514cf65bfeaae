package processor

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"math"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/prn-tf/folio-storage/internal/domain"
)

// compress decodes, scales and re-encodes an image. It returns the encoded bytes
// and their MIME type.
func (p *Processor) compress(file *domain.File, mimeType string) ([]byte, string, error) {
	if file == nil || !isImage(mimeType) {
		return nil, "", domain.NewStorageError(domain.KindCompressionFailed, "input is not an image", nil)
	}

	src, format, err := image.Decode(bytes.NewReader(file.Data))
	if err != nil {
		return nil, "", domain.NewStorageError(domain.KindCompressionFailed,
			fmt.Sprintf("failed to decode %q", file.Name), err)
	}

	bounds := src.Bounds()
	width, height := TargetDimensions(bounds.Dx(), bounds.Dy(), p.cfg.Compression.MaxWidth, p.cfg.Compression.MaxHeight)
	if width <= 0 || height <= 0 {
		return nil, "", domain.NewStorageError(domain.KindCompressionFailed, "image has no drawable area", nil)
	}

	img := src
	if width != bounds.Dx() || height != bounds.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
		img = dst
	}

	var buf bytes.Buffer
	outType := "image/jpeg"
	switch format {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		err = enc.Encode(&buf, img)
		outType = "image/png"
	default:
		err = jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality(p.cfg.Compression.Quality)})
	}
	if err != nil {
		return nil, "", domain.NewStorageError(domain.KindCompressionFailed,
			fmt.Sprintf("failed to encode %q", file.Name), err)
	}
	if buf.Len() == 0 {
		return nil, "", domain.NewStorageError(domain.KindCompressionFailed, "encoder produced no output", nil)
	}

	return buf.Bytes(), outType, nil
}

// TargetDimensions scales (width, height) down so that width <= maxWidth and
// height <= maxHeight, preserving the aspect ratio. It never upscales.
// A non-positive bound disables that constraint.
func TargetDimensions(width, height, maxWidth, maxHeight int) (int, int) {
	if width <= 0 || height <= 0 {
		return width, height
	}

	ratio := 1.0
	if maxWidth > 0 && width > maxWidth {
		ratio = math.Min(ratio, float64(maxWidth)/float64(width))
	}
	if maxHeight > 0 && height > maxHeight {
		ratio = math.Min(ratio, float64(maxHeight)/float64(height))
	}
	if ratio == 1.0 {
		return width, height
	}

	w := int(math.Round(float64(width) * ratio))
	h := int(math.Round(float64(height) * ratio))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}

// jpegQuality maps a 0-1 quality to the 1-100 JPEG scale.
func jpegQuality(q float64) int {
	v := int(math.Round(q * 100))
	if v < 1 {
		return 1
	}
	if v > 100 {
		return 100
	}
	return v
}

// imageDimensions reads the image header only.
func imageDimensions(data []byte) (int, int, bool) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, false
	}
	return cfg.Width, cfg.Height, true
}
