package cropper

import "math"

const (
	MinStrokeWidth = 3
	MaxStrokeWidth = 30
)

// strokeBand maps images with a diagonal above minDiagonal to a base width
// of diagonal/divisor, never below floor.
type strokeBand struct {
	minDiagonal float64
	divisor     float64
	floor       float64
}

// bands are ordered by descending diagonal; the last one catches the rest.
var bands = []strokeBand{
	{8000, 400, 8},
	{5000, 500, 6},
	{3000, 800, 4},
	{0, 1000, 3},
}

// StrokeWidth returns the crop outline thickness in image pixels for an
// image of the given diagonal shown at viewScale. It grows with the image
// and as the image is zoomed out, and is clamped to [3, 30].
func StrokeWidth(imageDiagonal, viewScale float64) int {
	if imageDiagonal < 0 {
		imageDiagonal = 0
	}
	if viewScale <= 0 {
		viewScale = 1
	}

	band := bands[len(bands)-1]
	for _, b := range bands {
		if imageDiagonal > b.minDiagonal {
			band = b
			break
		}
	}
	base := math.Max(imageDiagonal/band.divisor, band.floor)

	// zooming out thickens the outline so it stays visible on screen
	adjust := math.Max(1/viewScale, 0.3)
	if imageDiagonal > bands[0].minDiagonal {
		adjust *= 2
	}

	width := int(math.Round(base * adjust))
	return max(MinStrokeWidth, min(width, MaxStrokeWidth))
}
