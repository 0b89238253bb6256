// Package session binds a viewport and a crop selector to one oversized
// image and reports how the user chose to bring it within bounds.
package session

import (
	"errors"
	"fmt"
	"slices"

	"github.com/menta2k/image-prep/internal/logger"
	"github.com/menta2k/image-prep/pkg/cropper"
	"github.com/menta2k/image-prep/pkg/normalize"
	"github.com/menta2k/image-prep/pkg/viewport"
)

var (
	// ErrNotOversized is returned by Open for an image that already fits.
	ErrNotOversized = errors.New("image does not exceed the maximum dimension")

	// ErrNoRegionSelected is returned by Confirm before a rect is committed.
	ErrNoRegionSelected = errors.New("no region selected")

	// ErrSessionClosed is returned by edits after Confirm or Cancel.
	ErrSessionClosed = errors.New("session is closed")
)

// State is the lifecycle state of a session.
type State int

const (
	Configuring State = iota
	Selecting
	Confirmed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Configuring:
		return "configuring"
	case Selecting:
		return "selecting"
	case Confirmed:
		return "confirmed"
	case Cancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further edits are accepted.
func (s State) Terminal() bool {
	return s == Confirmed || s == Cancelled
}

// Config holds the limits of a session.
type Config struct {
	MaxDimension    int
	MinCropSize     int
	InitialCropSize int
	PresetSizes     []int
	// LockAspect turns the aspect lock on when the session opens.
	LockAspect bool
	Viewport   viewport.Config
}

// DefaultConfig returns the defaults of the crop dialog.
func DefaultConfig() Config {
	return Config{
		MaxDimension:    normalize.DefaultMaxDimension,
		MinCropSize:     cropper.DefaultConfig().MinSize,
		InitialCropSize: cropper.DefaultConfig().InitialSize,
		PresetSizes:     cropper.DefaultPresetSizes,
		LockAspect:      true,
		Viewport:        viewport.DefaultConfig(),
	}
}

// Snapshot is the full state a renderer needs to draw the session.
type Snapshot struct {
	State       State                  `json:"state"`
	ImageWidth  int                    `json:"image_width"`
	ImageHeight int                    `json:"image_height"`
	View        viewport.Size          `json:"view"`
	Transform   viewport.ViewTransform `json:"transform"`
	Spec        cropper.CropSpec       `json:"spec"`
	Rect        *cropper.CropRect      `json:"rect,omitempty"`
	Committed   bool                   `json:"committed"`
	Dragging    bool                   `json:"dragging"`
	StrokeWidth int                    `json:"stroke_width"`
	Notice      *cropper.Adjustment    `json:"notice,omitempty"`
}

type subscriber struct {
	id int
	fn func(Snapshot)
}

// Session is one crop dialog over one image. It is driven from a single
// goroutine; every handler updates the state fully before subscribers are
// notified.
type Session struct {
	config   Config
	width    int
	height   int
	view     *viewport.Viewport
	selector *cropper.Selector
	state    State
	outcome  *Outcome
	notice   *cropper.Adjustment

	panning bool
	panLast viewport.Point

	subscribers []subscriber
	nextID      int
}

// Open starts a session for a width x height image shown in a view of the
// given size. The image must exceed MaxDimension.
func Open(width, height int, view viewport.Size, config Config) (*Session, error) {
	def := DefaultConfig()
	if config.MaxDimension <= 0 {
		config.MaxDimension = def.MaxDimension
	}
	if config.PresetSizes == nil {
		config.PresetSizes = def.PresetSizes
	}
	if config.Viewport == (viewport.Config{}) {
		config.Viewport = def.Viewport
	}
	if !normalize.NeedsResize(width, height, config.MaxDimension) {
		return nil, fmt.Errorf("%w: %dx%d within %d", ErrNotOversized, width, height, config.MaxDimension)
	}

	selector, err := cropper.NewWithConfig(width, height, cropper.Config{
		MinSize:     config.MinCropSize,
		InitialSize: config.InitialCropSize,
	})
	if err != nil {
		return nil, err
	}
	selector.SetAspectLock(config.LockAspect)
	vp, err := viewport.NewWithConfig(viewport.Sz(float64(width), float64(height)), view, config.Viewport)
	if err != nil {
		return nil, fmt.Errorf("viewport: %w", err)
	}

	return &Session{
		config:   config,
		width:    width,
		height:   height,
		view:     vp,
		selector: selector,
		state:    Configuring,
	}, nil
}

// Config returns the session limits.
func (s *Session) Config() Config {
	return s.config
}

// State returns the lifecycle state.
func (s *Session) State() State {
	return s.state
}

// ImageSize returns the image dimensions.
func (s *Session) ImageSize() (int, int) {
	return s.width, s.height
}

// Spec returns the crop spec.
func (s *Session) Spec() cropper.CropSpec {
	return s.selector.Spec()
}

// Transform returns the view transform.
func (s *Session) Transform() viewport.ViewTransform {
	return s.view.Transform()
}

// Result returns the committed crop rect, nil if there is none.
func (s *Session) Result() *cropper.CropRect {
	return s.selector.Result()
}

// Notice returns the adjustment raised by the last size edit, if any.
func (s *Session) Notice() *cropper.Adjustment {
	return s.notice
}

// Snapshot captures the current state.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		State:       s.state,
		ImageWidth:  s.width,
		ImageHeight: s.height,
		View:        s.view.ViewSize(),
		Transform:   s.view.Transform(),
		Spec:        s.selector.Spec(),
		Rect:        s.selector.Current(),
		Committed:   s.selector.Result() != nil,
		Dragging:    s.selector.State() == cropper.Dragging,
		StrokeWidth: s.selector.StrokeWidth(s.view.Scale()),
		Notice:      s.notice,
	}
}

// Subscribe registers fn to receive a snapshot after every handled event.
// The returned function removes the subscription.
func (s *Session) Subscribe(fn func(Snapshot)) func() {
	id := s.nextID
	s.nextID++
	s.subscribers = append(s.subscribers, subscriber{id: id, fn: fn})
	return func() {
		// Build a new slice so a notify loop in progress keeps its view
		kept := make([]subscriber, 0, len(s.subscribers))
		for _, sub := range s.subscribers {
			if sub.id != id {
				kept = append(kept, sub)
			}
		}
		s.subscribers = kept
	}
}

func (s *Session) notify() {
	if len(s.subscribers) == 0 {
		return
	}
	snap := s.Snapshot()
	for _, sub := range slices.Clone(s.subscribers) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.WithField("subscriber", sub.id).
						WithField("panic", r).
						Error("Session subscriber panicked while handling snapshot")
				}
			}()
			sub.fn(snap)
		}()
	}
}

// SetSpec edits both crop dimensions.
func (s *Session) SetSpec(width, height int) (*cropper.Adjustment, error) {
	return s.editSpec(func() *cropper.Adjustment { return s.selector.SetSpec(width, height) })
}

// SetWidth edits the crop width.
func (s *Session) SetWidth(width int) (*cropper.Adjustment, error) {
	return s.editSpec(func() *cropper.Adjustment { return s.selector.SetWidth(width) })
}

// SetHeight edits the crop height.
func (s *Session) SetHeight(height int) (*cropper.Adjustment, error) {
	return s.editSpec(func() *cropper.Adjustment { return s.selector.SetHeight(height) })
}

// ApplyPreset applies a quick size.
func (s *Session) ApplyPreset(p cropper.Preset) (*cropper.Adjustment, error) {
	return s.editSpec(func() *cropper.Adjustment { return s.selector.ApplyPreset(p) })
}

// ApplyPresetSize applies a square quick size.
func (s *Session) ApplyPresetSize(size int) (*cropper.Adjustment, error) {
	return s.editSpec(func() *cropper.Adjustment { return s.selector.ApplyPresetSize(size) })
}

// SetAspectLock toggles the aspect lock.
func (s *Session) SetAspectLock(enabled bool) error {
	if s.state.Terminal() {
		return ErrSessionClosed
	}
	s.selector.SetAspectLock(enabled)
	s.notify()
	return nil
}

// Presets lists the quick sizes for this image.
func (s *Session) Presets() []cropper.Preset {
	return s.selector.Presets(s.config.PresetSizes)
}

func (s *Session) editSpec(fn func() *cropper.Adjustment) (*cropper.Adjustment, error) {
	if s.state.Terminal() {
		return nil, ErrSessionClosed
	}
	s.notice = fn()
	s.notify()
	return s.notice, nil
}

// Zoom zooms around a view-space anchor. Out-of-range zooms are rejected.
func (s *Session) Zoom(factor float64, anchor viewport.Point) bool {
	if s.state.Terminal() {
		return false
	}
	ok := s.view.Zoom(factor, anchor)
	if ok {
		s.notify()
	}
	return ok
}

// Scroll applies one wheel step at the pointer position.
func (s *Session) Scroll(up bool, anchor viewport.Point) bool {
	factor := s.config.Viewport.ZoomOutFactor
	if up {
		factor = s.config.Viewport.ZoomInFactor
	}
	return s.Zoom(factor, anchor)
}

// ZoomIn applies the zoom-in step around the view centre.
func (s *Session) ZoomIn() bool {
	return s.Zoom(s.config.Viewport.ZoomInFactor, s.view.ViewCenter())
}

// ZoomOut applies the zoom-out step around the view centre.
func (s *Session) ZoomOut() bool {
	return s.Zoom(s.config.Viewport.ZoomOutFactor, s.view.ViewCenter())
}

// Pan translates the view.
func (s *Session) Pan(delta viewport.Point) bool {
	if s.state.Terminal() {
		return false
	}
	s.view.Pan(delta)
	s.notify()
	return true
}

// Fit shows the whole image.
func (s *Session) Fit() bool {
	if s.state.Terminal() {
		return false
	}
	s.view.Fit()
	s.notify()
	return true
}

// Resize changes the view size and refits the image.
func (s *Session) Resize(view viewport.Size) bool {
	if s.state.Terminal() {
		return false
	}
	s.view.FitToImage(s.view.ImageSize(), view)
	s.notify()
	return true
}

// HandleKey handles the crop view shortcuts: '+' or '=' zooms in, '-' zooms
// out and space fits the image.
func (s *Session) HandleKey(key rune) bool {
	switch key {
	case '+', '=':
		return s.ZoomIn()
	case '-':
		return s.ZoomOut()
	case ' ':
		return s.Fit()
	}
	return false
}

// BeginPan starts a pan gesture at a view point.
func (s *Session) BeginPan(p viewport.Point) bool {
	if s.state.Terminal() {
		return false
	}
	s.panning = true
	s.panLast = p
	return true
}

// UpdatePan moves the view by the pointer delta since the last event.
func (s *Session) UpdatePan(p viewport.Point) bool {
	if !s.panning || s.state.Terminal() {
		return false
	}
	delta := p.Sub(s.panLast)
	s.panLast = p
	return s.Pan(delta)
}

// EndPan finishes a pan gesture.
func (s *Session) EndPan() {
	s.panning = false
}

// PointerDown starts a selection drag at a view point. Points off the image
// are ignored.
func (s *Session) PointerDown(p viewport.Point) bool {
	if s.state.Terminal() {
		return false
	}
	ip := s.view.ToImageSpace(p)
	if !s.selector.BeginDrag(ip.X, ip.Y) {
		return false
	}
	s.state = Selecting
	s.notify()
	return true
}

// PointerMove moves the selection with the pointer.
func (s *Session) PointerMove(p viewport.Point) bool {
	if s.state.Terminal() {
		return false
	}
	ip := s.view.ToImageSpace(p)
	if !s.selector.UpdateDrag(ip.X, ip.Y) {
		return false
	}
	s.notify()
	return true
}

// PointerUp commits the selection.
func (s *Session) PointerUp(p viewport.Point) bool {
	if s.state.Terminal() || s.selector.State() != cropper.Dragging {
		return false
	}
	ip := s.view.ToImageSpace(p)
	s.selector.UpdateDrag(ip.X, ip.Y)
	s.selector.EndDrag()
	s.notify()
	return true
}

// Suggest commits a rect centred on an image-space point, for example a
// saliency suggestion, as if the user had clicked there.
func (s *Session) Suggest(x, y float64) bool {
	if s.state.Terminal() || s.selector.State() == cropper.Dragging {
		return false
	}
	if s.selector.PlaceAt(x, y) == nil {
		return false
	}
	s.state = Selecting
	s.notify()
	return true
}

// Confirm finishes the session with the committed rect. Without one the
// session stays open in Selecting and ErrNoRegionSelected is returned.
func (s *Session) Confirm() (Outcome, error) {
	switch s.state {
	case Confirmed:
		return *s.outcome, nil
	case Cancelled:
		return Outcome{}, ErrSessionClosed
	}

	rect := s.selector.Result()
	if rect == nil {
		s.state = Selecting
		s.notify()
		return Outcome{}, ErrNoRegionSelected
	}

	out := Cropped(*rect)
	s.outcome = &out
	s.state = Confirmed
	s.notify()
	return out, nil
}

// Cancel closes the session without a crop. Late pointer events are ignored
// afterwards.
func (s *Session) Cancel() Outcome {
	if s.state == Confirmed {
		return *s.outcome
	}
	s.selector.Clear()
	s.panning = false
	out := CancelledOutcome()
	s.outcome = &out
	s.state = Cancelled
	s.notify()
	return out
}

// Outcome returns the terminal outcome once the session is closed.
func (s *Session) Outcome() (Outcome, bool) {
	if s.outcome == nil {
		return Outcome{}, false
	}
	return *s.outcome, true
}
