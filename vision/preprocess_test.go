package vision

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"
)

// gradientImage creates a test image with a horizontal red and vertical
// green gradient.
func gradientImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r := uint8((x * 255) / width)
			g := uint8((y * 255) / height)
			img.Set(x, y, color.RGBA{r, g, 128, 255})
		}
	}
	return img
}

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func TestDecodeImage(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		wantErr error
	}{
		{name: "empty data", data: []byte{}, wantErr: ErrEmptyImage},
		{name: "invalid data", data: []byte{0x00, 0x01, 0x02}, wantErr: ErrInvalidImage},
		{name: "valid PNG", data: encodePNG(t, gradientImage(10, 10))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := DecodeImage(tt.data)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("DecodeImage() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeImage() unexpected error: %v", err)
			}
			if img.Bounds().Dx() != 10 || img.Bounds().Dy() != 10 {
				t.Errorf("DecodeImage() bounds = %v", img.Bounds())
			}
		})
	}
}

func TestResizeSquare(t *testing.T) {
	tests := []struct {
		name    string
		src     image.Image
		size    int
		wantErr error
	}{
		{name: "upscale", src: gradientImage(100, 80), size: 256},
		{name: "downscale to medium tier", src: gradientImage(640, 480), size: 192},
		{name: "downscale to low tier", src: gradientImage(640, 480), size: 128},
		{name: "zero size", src: gradientImage(10, 10), size: 0, wantErr: ErrInvalidDimensions},
		{name: "nil source", src: nil, size: 64, wantErr: ErrNilImage},
		{name: "empty source", src: image.NewRGBA(image.Rect(0, 0, 0, 0)), size: 64, wantErr: ErrInvalidDimensions},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResizeSquare(tt.src, tt.size)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("ResizeSquare() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResizeSquare() unexpected error: %v", err)
			}
			if got.Bounds().Dx() != tt.size || got.Bounds().Dy() != tt.size {
				t.Errorf("ResizeSquare() bounds = %v, want %dx%d", got.Bounds(), tt.size, tt.size)
			}
		})
	}
}

func TestScaleInto_SharedBuffer(t *testing.T) {
	pix := make([]uint8, 32*32*4)
	dst := &image.RGBA{Pix: pix, Stride: 32 * 4, Rect: image.Rect(0, 0, 32, 32)}

	if err := ScaleInto(dst, gradientImage(64, 64)); err != nil {
		t.Fatalf("ScaleInto() error = %v", err)
	}

	// Right edge is red-heavy, left edge is not.
	left := pix[dst.PixOffset(0, 16)]
	right := pix[dst.PixOffset(31, 16)]
	if right <= left {
		t.Errorf("gradient lost in resize: left=%d right=%d", left, right)
	}
}

func TestDownsample(t *testing.T) {
	tests := []struct {
		name         string
		w, h, factor int
		wantW, wantH int
	}{
		{"half", 640, 480, 2, 320, 240},
		{"quarter", 640, 480, 4, 160, 120},
		{"factor one returns source", 50, 40, 1, 50, 40},
		{"tiny image keeps one pixel", 1, 1, 2, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Downsample(gradientImage(tt.w, tt.h), tt.factor)
			if err != nil {
				t.Fatalf("Downsample() error = %v", err)
			}
			if got.Bounds().Dx() != tt.wantW || got.Bounds().Dy() != tt.wantH {
				t.Errorf("Downsample() = %dx%d, want %dx%d", got.Bounds().Dx(), got.Bounds().Dy(), tt.wantW, tt.wantH)
			}
		})
	}

	if _, err := Downsample(nil, 2); !errors.Is(err, ErrNilImage) {
		t.Errorf("Downsample(nil) error = %v", err)
	}
}

func TestLetterboxSquare(t *testing.T) {
	got, err := LetterboxSquare(gradientImage(200, 100), 100)
	if err != nil {
		t.Fatalf("LetterboxSquare() error = %v", err)
	}
	if got.Bounds() != image.Rect(0, 0, 100, 100) {
		t.Fatalf("bounds = %v", got.Bounds())
	}
	// 200x100 scaled to 100x50 leaves 25px black bars top and bottom.
	if c := got.RGBAAt(50, 5); c.R != 0 || c.G != 0 || c.B != 0 {
		t.Errorf("top bar pixel = %v, want black", c)
	}
	if c := got.RGBAAt(50, 50); c.B == 0 {
		t.Errorf("centre pixel = %v, want image content", c)
	}
}

func TestConvertToRGBA(t *testing.T) {
	rgba := image.NewRGBA(image.Rect(0, 0, 4, 4))
	if ConvertToRGBA(rgba) != rgba {
		t.Error("ConvertToRGBA copied an *image.RGBA")
	}

	gray := image.NewGray(image.Rect(0, 0, 4, 4))
	gray.SetGray(1, 1, color.Gray{Y: 200})
	got := ConvertToRGBA(gray)
	if c := got.RGBAAt(1, 1); c.R != 200 || c.A != 255 {
		t.Errorf("converted pixel = %v", c)
	}
}

func TestEncodeJPEG(t *testing.T) {
	data, err := EncodeJPEG(gradientImage(16, 16), 80)
	if err != nil {
		t.Fatalf("EncodeJPEG() error = %v", err)
	}
	img, err := DecodeImage(data)
	if err != nil {
		t.Fatalf("round trip decode: %v", err)
	}
	if img.Bounds().Dx() != 16 {
		t.Errorf("decoded width = %d", img.Bounds().Dx())
	}
}

func TestMeasureLuma(t *testing.T) {
	// A bright block in the lower right quadrant pulls the centroid there.
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	for y := 60; y < 80; y++ {
		for x := 70; x < 90; x++ {
			img.Set(x, y, color.RGBA{255, 255, 255, 255})
		}
	}

	stats := MeasureLuma(img, 1)
	if stats.CentroidX < 0.75 || stats.CentroidX > 0.85 {
		t.Errorf("CentroidX = %v, want ~0.8", stats.CentroidX)
	}
	if stats.CentroidY < 0.65 || stats.CentroidY > 0.75 {
		t.Errorf("CentroidY = %v, want ~0.7", stats.CentroidY)
	}
	if stats.Mean <= 0 || stats.Mean >= 0.1 {
		t.Errorf("Mean = %v, want 0.04", stats.Mean)
	}

	dark := MeasureLuma(image.NewRGBA(image.Rect(0, 0, 10, 10)), 2)
	if dark.CentroidX != 0.5 || dark.CentroidY != 0.5 {
		t.Errorf("black image centroid = (%v, %v), want centre", dark.CentroidX, dark.CentroidY)
	}
}
