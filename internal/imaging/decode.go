// Package imaging turns uploaded bytes into a validated in-memory image.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/Brownie44l1/detect-api/internal/detection"
)

const (
	DefaultMaxBytes  int64 = 32 << 20
	DefaultMaxPixels       = 40_000_000
)

// UploadedImage is a decoded upload. It belongs to the request that
// produced it.
type UploadedImage struct {
	Data     []byte
	Filename string
	Format   string
	Width    int
	Height   int
	Image    image.Image
}

type Decoder struct {
	MaxBytes  int64
	MaxPixels int
}

func NewDecoder(maxBytes int64, maxPixels int) *Decoder {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Decoder{MaxBytes: maxBytes, MaxPixels: maxPixels}
}

// Decode parses data as a raster image. Every failure is an
// ImageDecodeError carrying the parser's complaint.
func (d *Decoder) Decode(data []byte, filename string) (*UploadedImage, error) {
	if len(data) == 0 {
		return nil, detection.ImageDecodeError("empty image data", nil)
	}
	if d.MaxBytes > 0 && int64(len(data)) > d.MaxBytes {
		return nil, detection.ImageDecodeError(
			fmt.Sprintf("image is %d bytes, limit is %d", len(data), d.MaxBytes), nil)
	}

	// Check the header before allocating pixels.
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, detection.ImageDecodeError("cannot identify image file", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, detection.ImageDecodeError(
			fmt.Sprintf("invalid image dimensions %dx%d", cfg.Width, cfg.Height), nil)
	}
	// Divide rather than multiply: huge header dimensions overflow int.
	if d.MaxPixels > 0 && cfg.Width > d.MaxPixels/cfg.Height {
		return nil, detection.ImageDecodeError(
			fmt.Sprintf("image is %dx%d, exceeds %d pixel limit", cfg.Width, cfg.Height, d.MaxPixels), nil)
	}

	img, err := decodePixels(data)
	if err != nil {
		return nil, detection.ImageDecodeError(fmt.Sprintf("decode %s image", format), err)
	}

	b := img.Bounds()
	return &UploadedImage{
		Data:     data,
		Filename: filename,
		Format:   format,
		Width:    b.Dx(),
		Height:   b.Dy(),
		Image:    img,
	}, nil
}

// decodePixels runs the registered codec. Codecs can panic on hostile
// input; the panic is returned as an error.
func decodePixels(data []byte) (img image.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			img, err = nil, fmt.Errorf("decoder panic: %v", r)
		}
	}()

	img, _, err = image.Decode(bytes.NewReader(data))
	return img, err
}
