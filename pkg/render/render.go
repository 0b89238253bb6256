// Package render draws crop session snapshots into view-sized frames.
package render

import (
	"image"
	"image/color"
	"math"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"

	"github.com/menta2k/image-prep/pkg/session"
)

// Config controls the look of a rendered frame.
type Config struct {
	Background color.Color
	Outline    color.Color
	// Dash is the on/off length of the outline dashes in view pixels; 0 draws a solid outline.
	Dash         int
	Interpolator draw.Interpolator
}

// DefaultConfig returns a dark background with a dashed red outline.
func DefaultConfig() Config {
	return Config{
		Background:   color.RGBA{40, 40, 40, 255},
		Outline:      color.RGBA{255, 0, 0, 255},
		Dash:         12,
		Interpolator: draw.ApproxBiLinear,
	}
}

// Renderer paints one source image as seen through a session's viewport.
type Renderer struct {
	src    image.Image
	config Config

	mu     sync.Mutex
	frame  *image.RGBA
	frames int
}

// New creates a Renderer with the default look.
func New(src image.Image) *Renderer {
	return NewWithConfig(src, DefaultConfig())
}

// NewWithConfig creates a Renderer with a custom look.
func NewWithConfig(src image.Image, config Config) *Renderer {
	def := DefaultConfig()
	if config.Background == nil {
		config.Background = def.Background
	}
	if config.Outline == nil {
		config.Outline = def.Outline
	}
	if config.Interpolator == nil {
		config.Interpolator = def.Interpolator
	}
	return &Renderer{src: src, config: config}
}

// Attach subscribes the renderer to a session and draws the current state.
// The returned function detaches it.
func (r *Renderer) Attach(s *session.Session) func() {
	r.store(r.Render(s.Snapshot()))
	return s.Subscribe(func(snap session.Snapshot) {
		r.store(r.Render(snap))
	})
}

func (r *Renderer) store(frame *image.RGBA) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frame = frame
	r.frames++
}

// Frame returns the last frame drawn by an attached renderer.
func (r *Renderer) Frame() *image.RGBA {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frame
}

// Frames returns how many frames have been drawn since Attach.
func (r *Renderer) Frames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// Render draws snap into a new view-sized frame.
func (r *Renderer) Render(snap session.Snapshot) *image.RGBA {
	w := int(math.Ceil(snap.View.Width))
	h := int(math.Ceil(snap.View.Height))
	dst := image.NewRGBA(image.Rect(0, 0, max(w, 1), max(h, 1)))
	draw.Draw(dst, dst.Bounds(), image.NewUniform(r.config.Background), image.Point{}, draw.Src)

	t := snap.Transform
	sb := r.src.Bounds()
	// source pixel (x, y) lands at view (x*scale + offX, y*scale + offY)
	s2d := f64.Aff3{
		t.Scale, 0, t.OffsetX - float64(sb.Min.X)*t.Scale,
		0, t.Scale, t.OffsetY - float64(sb.Min.Y)*t.Scale,
	}
	r.config.Interpolator.Transform(dst, s2d, r.src, sb, draw.Over, nil)

	if snap.Rect != nil {
		x0 := int(math.Round(float64(snap.Rect.X)*t.Scale + t.OffsetX))
		y0 := int(math.Round(float64(snap.Rect.Y)*t.Scale + t.OffsetY))
		x1 := int(math.Round(float64(snap.Rect.X+snap.Rect.Width)*t.Scale + t.OffsetX))
		y1 := int(math.Round(float64(snap.Rect.Y+snap.Rect.Height)*t.Scale + t.OffsetY))
		thickness := max(1, int(math.Round(float64(snap.StrokeWidth)*t.Scale)))
		r.outline(dst, image.Rect(x0, y0, x1, y1), thickness)
	}
	return dst
}

// outline draws a dashed border of the given thickness just inside rect.
func (r *Renderer) outline(dst *image.RGBA, rect image.Rectangle, thickness int) {
	c := color.RGBAModel.Convert(r.config.Outline).(color.RGBA)
	thickness = min(thickness, rect.Dx()/2+1, rect.Dy()/2+1)
	clip := dst.Bounds()

	set := func(x, y, along int) {
		if r.config.Dash > 0 && (along/r.config.Dash)%2 == 1 {
			return
		}
		if image.Pt(x, y).In(clip) {
			dst.SetRGBA(x, y, c)
		}
	}

	for i := 0; i < thickness; i++ {
		for x := rect.Min.X; x < rect.Max.X; x++ {
			set(x, rect.Min.Y+i, x-rect.Min.X)
			set(x, rect.Max.Y-1-i, x-rect.Min.X)
		}
		for y := rect.Min.Y; y < rect.Max.Y; y++ {
			set(rect.Min.X+i, y, y-rect.Min.Y)
			set(rect.Max.X-1-i, y, y-rect.Min.Y)
		}
	}
}
