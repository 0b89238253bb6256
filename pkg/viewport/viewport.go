// Package viewport maps between view (screen) coordinates and image-pixel
// coordinates for a zoomable, pannable image view.
package viewport

import (
	"fmt"
	"math"
)

// Point is a position in either view or image space.
type Point struct {
	X, Y float64
}

// Pt is shorthand for Point{X: x, Y: y}.
func Pt(x, y float64) Point {
	return Point{X: x, Y: y}
}

// Add returns p translated by q.
func (p Point) Add(q Point) Point {
	return Point{p.X + q.X, p.Y + q.Y}
}

// Sub returns p - q.
func (p Point) Sub(q Point) Point {
	return Point{p.X - q.X, p.Y - q.Y}
}

func (p Point) String() string {
	return fmt.Sprintf("(%.2f,%.2f)", p.X, p.Y)
}

// Size is a width and height in pixels.
type Size struct {
	Width, Height float64
}

// Sz is shorthand for Size{Width: w, Height: h}.
func Sz(w, h float64) Size {
	return Size{Width: w, Height: h}
}

// Center returns the midpoint of a rectangle of this size anchored at the origin.
func (s Size) Center() Point {
	return Point{s.Width / 2, s.Height / 2}
}

// Empty reports whether either side is non-positive.
func (s Size) Empty() bool {
	return s.Width <= 0 || s.Height <= 0
}

// ViewTransform maps image space to view space:
//
//	view = image*Scale + Offset
type ViewTransform struct {
	Scale   float64 `json:"scale"`
	OffsetX float64 `json:"offset_x"`
	OffsetY float64 `json:"offset_y"`
}

// Identity is the 1:1 transform with no offset.
var Identity = ViewTransform{Scale: 1}

// Apply maps an image-space point to view space.
func (t ViewTransform) Apply(p Point) Point {
	return Point{p.X*t.Scale + t.OffsetX, p.Y*t.Scale + t.OffsetY}
}

// Invert maps a view-space point back to image space.
func (t ViewTransform) Invert(p Point) Point {
	return Point{(p.X - t.OffsetX) / t.Scale, (p.Y - t.OffsetY) / t.Scale}
}

// Zoomed multiplies the scale by factor keeping the image point under
// anchor fixed in view space.
func (t ViewTransform) Zoomed(factor float64, anchor Point) ViewTransform {
	img := t.Invert(anchor)
	scale := t.Scale * factor
	return ViewTransform{
		Scale:   scale,
		OffsetX: anchor.X - img.X*scale,
		OffsetY: anchor.Y - img.Y*scale,
	}
}

// Panned translates the transform by a view-space delta.
func (t ViewTransform) Panned(delta Point) ViewTransform {
	t.OffsetX += delta.X
	t.OffsetY += delta.Y
	return t
}

// Fit returns the aspect-preserving transform that shows the whole image
// centred in view, independent of any previous zoom or pan.
func Fit(image, view Size) ViewTransform {
	if image.Empty() || view.Empty() {
		return Identity
	}
	scale := math.Min(view.Width/image.Width, view.Height/image.Height)
	return centred(scale, image, view)
}

func centred(scale float64, image, view Size) ViewTransform {
	return ViewTransform{
		Scale:   scale,
		OffsetX: (view.Width - image.Width*scale) / 2,
		OffsetY: (view.Height - image.Height*scale) / 2,
	}
}

// Config holds zoom limits and step factors.
type Config struct {
	MinScale      float64
	MaxScale      float64
	ZoomInFactor  float64
	ZoomOutFactor float64
}

// DefaultConfig returns the limits used by the crop view.
func DefaultConfig() Config {
	return Config{
		MinScale:      0.1,
		MaxScale:      5.0,
		ZoomInFactor:  1.25,
		ZoomOutFactor: 0.8,
	}
}

// Validate checks that the limits describe a usable range.
func (c Config) Validate() error {
	if c.MinScale <= 0 || c.MaxScale < c.MinScale {
		return fmt.Errorf("invalid scale range [%g, %g]", c.MinScale, c.MaxScale)
	}
	if c.ZoomInFactor <= 1 || c.ZoomOutFactor <= 0 || c.ZoomOutFactor >= 1 {
		return fmt.Errorf("invalid zoom factors %g/%g", c.ZoomInFactor, c.ZoomOutFactor)
	}
	return nil
}

// Viewport owns the zoom/pan state of one image view. It is not safe for
// concurrent use; events are expected one at a time from the UI thread.
type Viewport struct {
	config    Config
	transform ViewTransform
	image     Size
	view      Size
}

// New creates a Viewport with the default limits.
func New(image, view Size) *Viewport {
	v, _ := NewWithConfig(image, view, DefaultConfig())
	return v
}

// NewWithConfig creates a Viewport fitted to the image.
func NewWithConfig(image, view Size, config Config) (*Viewport, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	v := &Viewport{config: config, image: image, view: view}
	v.FitToImage(image, view)
	return v, nil
}

// Config returns the zoom limits.
func (v *Viewport) Config() Config {
	return v.config
}

// Transform returns the current transform.
func (v *Viewport) Transform() ViewTransform {
	return v.transform
}

// Scale returns the current zoom factor.
func (v *Viewport) Scale() float64 {
	return v.transform.Scale
}

// ImageSize returns the size of the displayed image.
func (v *Viewport) ImageSize() Size {
	return v.image
}

// ViewSize returns the size of the view surface.
func (v *Viewport) ViewSize() Size {
	return v.view
}

// ViewCenter returns the centre of the view surface.
func (v *Viewport) ViewCenter() Point {
	return v.view.Center()
}

// FitToImage shows the whole image centred in view. The fit scale is
// clamped into [MinScale, MaxScale];
// an image too large to fit at MinScale is shown centred at MinScale.
func (v *Viewport) FitToImage(image, view Size) {
	v.image, v.view = image, view
	if image.Empty() || view.Empty() {
		v.transform = ViewTransform{Scale: v.clamp(1)}
		return
	}
	fit := Fit(image, view)
	v.transform = centred(v.clamp(fit.Scale), image, view)
}

// Fit refits the current image into the current view.
func (v *Viewport) Fit() {
	v.FitToImage(v.image, v.view)
}

// Resize changes the view size without touching the transform.
func (v *Viewport) Resize(view Size) {
	v.view = view
}

// Zoom multiplies the scale by factor around anchor. Zooms that would leave
// [MinScale, MaxScale] are rejected and Zoom reports false, as are
// non-finite factors or anchors.
func (v *Viewport) Zoom(factor float64, anchor Point) bool {
	if !finite(factor) || factor <= 0 || !finite(anchor.X) || !finite(anchor.Y) {
		return false
	}
	scale := v.transform.Scale * factor
	if scale < v.config.MinScale || scale > v.config.MaxScale {
		return false
	}
	v.transform = v.transform.Zoomed(factor, anchor)
	return true
}

// ZoomIn applies the discrete zoom-in step around the view centre.
func (v *Viewport) ZoomIn() bool {
	return v.Zoom(v.config.ZoomInFactor, v.ViewCenter())
}

// ZoomOut applies the discrete zoom-out step around the view centre.
func (v *Viewport) ZoomOut() bool {
	return v.Zoom(v.config.ZoomOutFactor, v.ViewCenter())
}

// Pan translates the view. Panning past the image edge is allowed.
func (v *Viewport) Pan(delta Point) {
	v.transform = v.transform.Panned(delta)
}

// ToImageSpace maps a view point to image pixels.
func (v *Viewport) ToImageSpace(p Point) Point {
	return v.transform.Invert(p)
}

// ToViewSpace maps an image pixel to the view.
func (v *Viewport) ToViewSpace(p Point) Point {
	return v.transform.Apply(p)
}

func (v *Viewport) clamp(scale float64) float64 {
	return math.Max(v.config.MinScale, math.Min(v.config.MaxScale, scale))
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
