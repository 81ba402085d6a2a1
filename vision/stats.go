package vision

import (
	"image"
	"math"
)

// LumaStats summarises the brightness distribution of an image.
type LumaStats struct {
	// Mean luminance in [0, 1].
	Mean float64
	// StdDev of luminance.
	StdDev float64
	// CentroidX, CentroidY are the brightness-weighted centre in
	// normalized [0, 1] coordinates.
	CentroidX float64
	CentroidY float64
	// SpreadX, SpreadY are the brightness-weighted standard deviations of
	// pixel position, normalized to the image size.
	SpreadX float64
	SpreadY float64
}

// MeasureLuma computes LumaStats, sampling every step-th pixel in each
// direction. step < 1 is treated as 1.
func MeasureLuma(img image.Image, step int) LumaStats {
	if step < 1 {
		step = 1
	}
	rgba := ConvertToRGBA(img)
	b := rgba.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return LumaStats{}
	}

	var n, sum, sumSq, wsum, wx, wy, wxx, wyy float64
	for y := b.Min.Y; y < b.Max.Y; y += step {
		for x := b.Min.X; x < b.Max.X; x += step {
			i := rgba.PixOffset(x, y)
			p := rgba.Pix[i : i+3 : i+3]
			l := (0.299*float64(p[0]) + 0.587*float64(p[1]) + 0.114*float64(p[2])) / 255

			nx := (float64(x-b.Min.X) + 0.5) / float64(w)
			ny := (float64(y-b.Min.Y) + 0.5) / float64(h)

			n++
			sum += l
			sumSq += l * l
			wsum += l
			wx += l * nx
			wy += l * ny
			wxx += l * nx * nx
			wyy += l * ny * ny
		}
	}

	stats := LumaStats{Mean: sum / n, CentroidX: 0.5, CentroidY: 0.5}
	stats.StdDev = math.Sqrt(math.Max(0, sumSq/n-stats.Mean*stats.Mean))
	if wsum > 0 {
		stats.CentroidX = wx / wsum
		stats.CentroidY = wy / wsum
		stats.SpreadX = math.Sqrt(math.Max(0, wxx/wsum-stats.CentroidX*stats.CentroidX))
		stats.SpreadY = math.Sqrt(math.Max(0, wyy/wsum-stats.CentroidY*stats.CentroidY))
	}
	return stats
}
