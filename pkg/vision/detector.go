package vision

import (
	"errors"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// ErrInvalidCrop is returned when the requested window is empty.
var ErrInvalidCrop = errors.New("crop window must be positive")

// SubjectDetector suggests where a fixed-size crop should go by looking for
// the window with the most edge and contrast energy.
type SubjectDetector struct {
	config DetectionConfig
}

// DetectionConfig holds configuration for subject detection
type DetectionConfig struct {
	// WorkSize is the long side of the downscaled copy the map is computed on
	WorkSize       int
	ContrastWeight float64
	ColorWeight    float64
	// CenterBias pulls equal-scoring windows towards the image centre
	CenterBias float64
}

// DefaultConfig returns the default detection settings
func DefaultConfig() DetectionConfig {
	return DetectionConfig{
		WorkSize:       256,
		ContrastWeight: 0.8,
		ColorWeight:    0.2,
		CenterBias:     0.05,
	}
}

// New creates a new SubjectDetector with default configuration
func New() *SubjectDetector {
	return &SubjectDetector{config: DefaultConfig()}
}

// NewWithConfig creates a new SubjectDetector with custom configuration
func NewWithConfig(config DetectionConfig) *SubjectDetector {
	if config.WorkSize <= 0 {
		config.WorkSize = DefaultConfig().WorkSize
	}
	return &SubjectDetector{config: config}
}

// Region represents a rectangular region of interest in image pixels
type Region struct {
	X      int
	Y      int
	Width  int
	Height int
	Score  float64
}

// Center returns the center point of the region
func (r Region) Center() (float64, float64) {
	return float64(r.X) + float64(r.Width)/2, float64(r.Y) + float64(r.Height)/2
}

// SuggestCrop returns the cropW x cropH window with the highest mean saliency.
// The window is clamped to the image when it is larger than the image.
func (d *SubjectDetector) SuggestCrop(img image.Image, cropW, cropH int) (Region, error) {
	if cropW <= 0 || cropH <= 0 {
		return Region{}, ErrInvalidCrop
	}
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width == 0 || height == 0 {
		return Region{}, ErrInvalidCrop
	}
	cropW = min(cropW, width)
	cropH = min(cropH, height)

	var work *image.NRGBA
	ratio := 1.0
	if long := max(width, height); long > d.config.WorkSize {
		ratio = float64(d.config.WorkSize) / float64(long)
		work = imaging.Resize(img, max(1, int(float64(width)*ratio)), max(1, int(float64(height)*ratio)), imaging.Box)
	} else {
		work = imaging.Clone(img)
	}

	sal := d.calculateSaliencyMap(work)
	table := newSummedArea(sal)

	ww := max(1, min(table.w, int(math.Round(float64(cropW)*ratio))))
	wh := max(1, min(table.h, int(math.Round(float64(cropH)*ratio))))

	// Centre window first so it wins ties.
	bestX, bestY := (table.w-ww)/2, (table.h-wh)/2
	bestScore := d.windowScore(table, bestX, bestY, ww, wh)

	for y := 0; y+wh <= table.h; y++ {
		for x := 0; x+ww <= table.w; x++ {
			if s := d.windowScore(table, x, y, ww, wh); s > bestScore {
				bestScore, bestX, bestY = s, x, y
			}
		}
	}

	// Map back to image pixels, keeping the full-size window inside the image.
	cx := (float64(bestX) + float64(ww)/2) / ratio
	cy := (float64(bestY) + float64(wh)/2) / ratio
	x := clampInt(int(math.Floor(cx-float64(cropW)/2)), 0, width-cropW)
	y := clampInt(int(math.Floor(cy-float64(cropH)/2)), 0, height-cropH)

	return Region{
		X:      x + bounds.Min.X,
		Y:      y + bounds.Min.Y,
		Width:  cropW,
		Height: cropH,
		Score:  bestScore,
	}, nil
}

// SuggestCenter returns the centre of SuggestCrop's window.
func (d *SubjectDetector) SuggestCenter(img image.Image, cropW, cropH int) (float64, float64, error) {
	r, err := d.SuggestCrop(img, cropW, cropH)
	if err != nil {
		return 0, 0, err
	}
	x, y := r.Center()
	return x, y, nil
}

func (d *SubjectDetector) windowScore(t *summedArea, x, y, w, h int) float64 {
	mean := t.sum(x, y, w, h) / float64(w*h)
	if d.config.CenterBias == 0 {
		return mean
	}
	// Normalised distance of the window centre from the image centre.
	dx := (float64(x)+float64(w)/2)/float64(t.w) - 0.5
	dy := (float64(y)+float64(h)/2)/float64(t.h) - 0.5
	return mean * (1 - d.config.CenterBias*math.Hypot(dx, dy))
}

func (d *SubjectDetector) calculateSaliencyMap(img *image.NRGBA) [][]float64 {
	width, height := img.Bounds().Dx(), img.Bounds().Dy()

	lum := make([][]float64, height)
	for y := range lum {
		lum[y] = make([]float64, width)
		for x := 0; x < width; x++ {
			i := y*img.Stride + x*4
			r, g, b := float64(img.Pix[i]), float64(img.Pix[i+1]), float64(img.Pix[i+2])
			lum[y][x] = (0.299*r + 0.587*g + 0.114*b) / 255
		}
	}

	var mean float64
	for y := range lum {
		for x := range lum[y] {
			mean += lum[y][x]
		}
	}
	mean /= float64(width * height)

	saliencyMap := make([][]float64, height)
	for y := range saliencyMap {
		saliencyMap[y] = make([]float64, width)
		for x := 0; x < width; x++ {
			// Central differences, zero on the border.
			var edge float64
			if x > 0 && x < width-1 && y > 0 && y < height-1 {
				gx := lum[y][x+1] - lum[y][x-1]
				gy := lum[y+1][x] - lum[y-1][x]
				edge = math.Hypot(gx, gy)
			}
			contrast := math.Abs(lum[y][x] - mean)
			saliencyMap[y][x] = d.config.ContrastWeight*edge + d.config.ColorWeight*contrast
		}
	}
	return saliencyMap
}

type summedArea struct {
	w, h int
	s    []float64
}

func newSummedArea(m [][]float64) *summedArea {
	h := len(m)
	w := 0
	if h > 0 {
		w = len(m[0])
	}
	t := &summedArea{w: w, h: h, s: make([]float64, (w+1)*(h+1))}
	for y := 0; y < h; y++ {
		var row float64
		for x := 0; x < w; x++ {
			row += m[y][x]
			t.s[(y+1)*(w+1)+x+1] = t.s[y*(w+1)+x+1] + row
		}
	}
	return t
}

func (t *summedArea) sum(x, y, w, h int) float64 {
	stride := t.w + 1
	x1, y1 := x+w, y+h
	return t.s[y1*stride+x1] - t.s[y*stride+x1] - t.s[y1*stride+x] + t.s[y*stride+x]
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
