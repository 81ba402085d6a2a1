// Package vision holds the image plumbing of the frame pipeline: decoding,
// tier resizing into pooled buffers, degraded-path downsampling, pixel
// statistics and upstream frame sources.
package vision

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

// Image preprocessing errors
var (
	ErrInvalidImage      = errors.New("vision: invalid image data")
	ErrInvalidDimensions = errors.New("vision: invalid dimensions")
	ErrEmptyImage        = errors.New("vision: empty image data")
	ErrNilImage          = errors.New("vision: nil image")
)

// DecodeImage decodes image data from common formats (PNG, JPEG, GIF).
func DecodeImage(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmptyImage
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	return img, nil
}

// ScaleInto stretches src over the whole of dst. It ignores aspect ratio,
// matching what pose models expect from a square input.
// ApproxBiLinear keeps the per-frame cost low on the scheduler loop.
func ScaleInto(dst draw.Image, src image.Image) error {
	if src == nil {
		return ErrNilImage
	}
	if dst.Bounds().Empty() || src.Bounds().Empty() {
		return ErrInvalidDimensions
	}
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return nil
}

// ResizeSquare returns a freshly allocated size x size copy of src.
func ResizeSquare(src image.Image, size int) (*image.RGBA, error) {
	if size <= 0 {
		return nil, ErrInvalidDimensions
	}
	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	if err := ScaleInto(dst, src); err != nil {
		return nil, err
	}
	return dst, nil
}

// Downsample scales src by 1/factor in each dimension with CatmullRom,
// keeping at least one pixel per side. A factor of 1 or less returns src.
func Downsample(src image.Image, factor int) (image.Image, error) {
	if src == nil {
		return nil, ErrNilImage
	}
	if factor <= 1 {
		return src, nil
	}
	b := src.Bounds()
	if b.Empty() {
		return nil, ErrInvalidDimensions
	}

	w := max(1, b.Dx()/factor)
	h := max(1, b.Dy()/factor)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst, nil
}

// LetterboxSquare fits src inside a size x size black square keeping its
// aspect ratio. Remote vision models get the letterboxed version so the
// returned coordinates map back without distortion.
func LetterboxSquare(src image.Image, size int) (*image.RGBA, error) {
	if src == nil {
		return nil, ErrNilImage
	}
	if size <= 0 || src.Bounds().Empty() {
		return nil, ErrInvalidDimensions
	}

	b := src.Bounds()
	scale := float64(size) / float64(max(b.Dx(), b.Dy()))
	w := max(1, int(float64(b.Dx())*scale))
	h := max(1, int(float64(b.Dy())*scale))

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)

	offX := (size - w) / 2
	offY := (size - h) / 2
	draw.CatmullRom.Scale(dst, image.Rect(offX, offY, offX+w, offY+h), src, b, draw.Over, nil)
	return dst, nil
}

// ConvertToRGBA returns src as *image.RGBA, copying only when needed.
func ConvertToRGBA(src image.Image) *image.RGBA {
	if rgba, ok := src.(*image.RGBA); ok {
		return rgba
	}
	b := src.Bounds()
	rgba := image.NewRGBA(b)
	draw.Draw(rgba, b, src, b.Min, draw.Src)
	return rgba
}

// EncodeJPEG encodes img as JPEG at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("vision: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
