package vision

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// Frame is one image produced by a FrameSource.
type Frame struct {
	Image     image.Image
	Source    string
	Sequence  uint64
	Timestamp time.Time
}

// FrameSource produces frames for the pipeline. Next returns io.EOF when
// the source is exhausted.
type FrameSource interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif"}

// DirectorySource replays the images in a directory in lexical order.
type DirectorySource struct {
	files []string
	loop  bool

	mu  sync.Mutex
	pos int
	seq uint64
}

// NewDirectorySource lists dir for decodable images. With loop set the
// source wraps around instead of returning io.EOF.
func NewDirectorySource(dir string, loop bool) (*DirectorySource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("vision: read frame dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if slices.Contains(imageExtensions, ext) {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("vision: no images in %s", dir)
	}
	slices.Sort(files)

	return &DirectorySource{files: files, loop: loop}, nil
}

// Len returns the number of images found.
func (s *DirectorySource) Len() int { return len(s.files) }

// Next decodes the next image file. It returns io.EOF after the last file
// unless the source loops.
func (s *DirectorySource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	s.mu.Lock()
	if s.pos >= len(s.files) {
		if !s.loop {
			s.mu.Unlock()
			return Frame{}, io.EOF
		}
		s.pos = 0
	}
	path := s.files[s.pos]
	s.pos++
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return Frame{}, fmt.Errorf("vision: read frame: %w", err)
	}
	img, err := DecodeImage(data)
	if err != nil {
		return Frame{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	return Frame{Image: img, Source: path, Sequence: seq, Timestamp: time.Now()}, nil
}

// Close implements FrameSource.
func (s *DirectorySource) Close() error { return nil }

// SyntheticSource renders a bright figure moving on a dark background.
// It stands in for a camera when no frame directory is configured.
type SyntheticSource struct {
	width, height int
	limit         uint64

	mu  sync.Mutex
	seq uint64
}

// NewSyntheticSource creates a width x height generator. A limit of 0
// means unbounded.
func NewSyntheticSource(width, height int, limit uint64) *SyntheticSource {
	return &SyntheticSource{width: width, height: height, limit: limit}
}

// Next renders the next generated frame, or io.EOF once the limit is reached.
func (s *SyntheticSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	s.mu.Lock()
	if s.limit > 0 && s.seq >= s.limit {
		s.mu.Unlock()
		return Frame{}, io.EOF
	}
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	return Frame{
		Image:     s.render(seq),
		Source:    "synthetic",
		Sequence:  seq,
		Timestamp: time.Now(),
	}, nil
}

func (s *SyntheticSource) render(seq uint64) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))

	// The figure sways horizontally with a period of 120 frames.
	phase := float64(seq%120) / 120 * 2 * math.Pi
	cx := float64(s.width)/2 + math.Sin(phase)*float64(s.width)/4
	cy := float64(s.height) / 2
	rx := float64(s.width) / 10
	ry := float64(s.height) / 3

	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			dx := (float64(x) - cx) / rx
			dy := (float64(y) - cy) / ry
			if dx*dx+dy*dy <= 1 {
				img.SetRGBA(x, y, color.RGBA{230, 220, 210, 255})
			} else {
				img.SetRGBA(x, y, color.RGBA{20, 20, 30, 255})
			}
		}
	}
	return img
}

// Close implements FrameSource.
func (s *SyntheticSource) Close() error { return nil }
