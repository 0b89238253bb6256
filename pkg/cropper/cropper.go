package cropper

import (
	"errors"
	"fmt"
	"image"
	"math"
)

// ErrInvalidImageSize is returned when the selector is created for an empty image.
var ErrInvalidImageSize = errors.New("invalid image dimensions")

// Config holds the crop size limits.
type Config struct {
	// MinSize is the smallest width or height a crop may have, unless the
	// image itself is smaller.
	MinSize int
	// InitialSize is the square size a new CropSpec starts at before clamping.
	InitialSize int
}

// DefaultConfig returns the limits used by the crop view.
func DefaultConfig() Config {
	return Config{
		MinSize:     100,
		InitialSize: 2048,
	}
}

// CropSpec is the requested crop size.
type CropSpec struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	LockAspect  bool    `json:"lock_aspect"`
	AspectRatio float64 `json:"aspect_ratio"`
}

// CropRect is a crop rectangle in image-pixel space.
type CropRect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Rectangle converts the rect to an image.Rectangle anchored at the origin.
func (r CropRect) Rectangle() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// Center returns the midpoint of the rect.
func (r CropRect) Center() (float64, float64) {
	return float64(r.X) + float64(r.Width)/2, float64(r.Y) + float64(r.Height)/2
}

// Within reports whether the rect lies fully inside a width x height image.
func (r CropRect) Within(width, height int) bool {
	return r.X >= 0 && r.Y >= 0 && r.Width > 0 && r.Height > 0 &&
		r.X+r.Width <= width && r.Y+r.Height <= height
}

func (r CropRect) String() string {
	return fmt.Sprintf("%dx%d+%d+%d", r.Width, r.Height, r.X, r.Y)
}

// Dimension names the side of the CropSpec being edited.
type Dimension int

const (
	Width Dimension = iota
	Height
)

// Adjustment reports that a requested size was corrected to fit the image
// or the minimum size. It is a notice for the user, not an error.
type Adjustment struct {
	RequestedWidth  int    `json:"requested_width"`
	RequestedHeight int    `json:"requested_height"`
	Width           int    `json:"width"`
	Height          int    `json:"height"`
	Reason          string `json:"reason"`
}

func (a *Adjustment) String() string {
	return fmt.Sprintf("%dx%d adjusted to %dx%d: %s", a.RequestedWidth, a.RequestedHeight, a.Width, a.Height, a.Reason)
}

// DragState is the pointer interaction state.
type DragState int

const (
	Idle DragState = iota
	Dragging
)

func (s DragState) String() string {
	if s == Dragging {
		return "dragging"
	}
	return "idle"
}

// Selector owns the crop spec and rectangle of one image. Every rectangle
// it produces lies fully inside the image. It is not safe for concurrent use.
type Selector struct {
	config Config
	width  int
	height int

	spec  CropSpec
	state DragState

	rect      *CropRect
	committed bool
}

// New creates a Selector for a width x height image with the default limits.
func New(width, height int) (*Selector, error) {
	return NewWithConfig(width, height, DefaultConfig())
}

// NewWithConfig creates a Selector with custom limits.
func NewWithConfig(width, height int, config Config) (*Selector, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidImageSize, width, height)
	}
	if config.MinSize <= 0 {
		config.MinSize = DefaultConfig().MinSize
	}
	if config.InitialSize <= 0 {
		config.InitialSize = DefaultConfig().InitialSize
	}

	s := &Selector{config: config, width: width, height: height}
	s.spec.Width = s.clampDim(config.InitialSize, width)
	s.spec.Height = s.clampDim(config.InitialSize, height)
	s.spec.AspectRatio = float64(s.spec.Width) / float64(s.spec.Height)
	return s, nil
}

// Config returns the selector limits.
func (s *Selector) Config() Config {
	return s.config
}

// ImageSize returns the image dimensions the selector is bound to.
func (s *Selector) ImageSize() (int, int) {
	return s.width, s.height
}

// Spec returns the current crop spec.
func (s *Selector) Spec() CropSpec {
	return s.spec
}

// State returns the drag state.
func (s *Selector) State() DragState {
	return s.state
}

// SetSpec sets both dimensions. With the aspect lock on, width is
// authoritative and height is derived from it.
func (s *Selector) SetSpec(width, height int) *Adjustment {
	return s.edit(Width, width, height)
}

// SetWidth edits the width. With the aspect lock on, height follows.
func (s *Selector) SetWidth(width int) *Adjustment {
	return s.edit(Width, width, s.spec.Height)
}

// SetHeight edits the height. With the aspect lock on, width follows.
func (s *Selector) SetHeight(height int) *Adjustment {
	return s.edit(Height, s.spec.Width, height)
}

// SetAspectLock turns the aspect lock on or off. Turning it on captures the
// current width/height ratio.
func (s *Selector) SetAspectLock(enabled bool) {
	if enabled {
		s.spec.AspectRatio = float64(s.spec.Width) / float64(s.spec.Height)
	}
	s.spec.LockAspect = enabled
}

// edit applies a user size edit. The edited dimension is clamped first; a
// derived dimension is computed from the clamped value and clamped again,
// which may break the exact ratio at extreme sizes.
func (s *Selector) edit(dim Dimension, width, height int) *Adjustment {
	reqW, reqH := width, height
	var w, h int

	if dim == Width {
		w = s.clampDim(width, s.width)
		if s.spec.LockAspect {
			reqH = int(math.Round(float64(w) / s.spec.AspectRatio))
			h = s.clampDim(reqH, s.height)
		} else {
			h = s.clampDim(height, s.height)
		}
	} else {
		h = s.clampDim(height, s.height)
		if s.spec.LockAspect {
			reqW = int(math.Round(float64(h) * s.spec.AspectRatio))
			w = s.clampDim(reqW, s.width)
		} else {
			w = s.clampDim(width, s.width)
		}
	}

	s.resize(w, h)

	if w == reqW && h == reqH {
		return nil
	}
	return &Adjustment{
		RequestedWidth:  reqW,
		RequestedHeight: reqH,
		Width:           w,
		Height:          h,
		Reason:          s.reason(reqW, reqH, w, h),
	}
}

func (s *Selector) reason(reqW, reqH, w, h int) string {
	if reqW < w || reqH < h {
		return fmt.Sprintf("minimum crop size is %d", s.config.MinSize)
	}
	return fmt.Sprintf("crop cannot exceed the image (%dx%d)", s.width, s.height)
}

// clampDim clamps v to [MinSize, limit]; the image bound wins when the image
// is smaller than MinSize.
func (s *Selector) clampDim(v, limit int) int {
	lo := min(s.config.MinSize, limit)
	return max(lo, min(v, limit))
}

// resize stores a new spec size and re-centres any existing rect on it.
func (s *Selector) resize(w, h int) {
	s.spec.Width, s.spec.Height = w, h
	if s.rect != nil {
		cx, cy := s.rect.Center()
		r := s.place(cx, cy)
		s.rect = &r
	}
}

// place centres a spec-sized rect on (cx, cy) and shifts it inside the image.
func (s *Selector) place(cx, cy float64) CropRect {
	w := min(s.spec.Width, s.width)
	h := min(s.spec.Height, s.height)
	x := int(math.Floor(cx - float64(w)/2))
	y := int(math.Floor(cy - float64(h)/2))
	return CropRect{
		X:      max(0, min(x, s.width-w)),
		Y:      max(0, min(y, s.height-h)),
		Width:  w,
		Height: h,
	}
}

// contains reports whether an image-space point lies on the image.
func (s *Selector) contains(x, y float64) bool {
	return x >= 0 && y >= 0 && x < float64(s.width) && y < float64(s.height)
}

// BeginDrag starts a drag at an image-space point and places the rect there.
// Points outside the image are ignored and BeginDrag reports false. A new
// drag discards any committed rect.
func (s *Selector) BeginDrag(x, y float64) bool {
	if !s.contains(x, y) {
		return false
	}
	s.committed = false
	s.state = Dragging
	r := s.place(x, y)
	s.rect = &r
	return true
}

// UpdateDrag replaces the rect with one centred on the latest pointer
// position. The pointer may leave the image; the rect stays inside.
func (s *Selector) UpdateDrag(x, y float64) bool {
	if s.state != Dragging {
		return false
	}
	r := s.place(x, y)
	s.rect = &r
	return true
}

// EndDrag commits the last rect and returns to Idle.
func (s *Selector) EndDrag() *CropRect {
	if s.state != Dragging {
		return s.Result()
	}
	s.state = Idle
	s.committed = s.rect != nil
	return s.Result()
}

// PlaceAt commits a rect centred on an image-space point without a drag.
// It is used to seed a suggested selection.
func (s *Selector) PlaceAt(x, y float64) *CropRect {
	if s.state == Dragging {
		return nil
	}
	r := s.place(x, y)
	s.rect = &r
	s.committed = true
	return s.Result()
}

// Result returns the committed rect, or nil when nothing is committed.
func (s *Selector) Result() *CropRect {
	if !s.committed || s.rect == nil {
		return nil
	}
	r := *s.rect
	return &r
}

// Current returns the rect to draw, which may still be moving.
func (s *Selector) Current() *CropRect {
	if s.rect == nil {
		return nil
	}
	r := *s.rect
	return &r
}

// Clear drops the rect and any drag in progress.
func (s *Selector) Clear() {
	s.rect = nil
	s.committed = false
	s.state = Idle
}

// StrokeWidth returns the outline thickness for the current image at scale.
func (s *Selector) StrokeWidth(scale float64) int {
	return StrokeWidth(math.Hypot(float64(s.width), float64(s.height)), scale)
}
