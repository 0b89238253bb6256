// Package imageprep prepares large photographs for an external object
// detector.
//
// An image whose longest side exceeds the maximum dimension needs a
// decision: either the user selects a fixed-size region in an interactive
// crop session, or the image is scaled down proportionally. Every image then
// gets a colour pass (alpha flattened onto white, palette and grayscale
// images converted to RGB) and is written back only when its pixels changed.
//
// Basic usage:
//
//	p := imageprep.New(imageprep.Options{})
//
//	img, err := p.Load(ctx, "tray.jpg")
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	// Scale oversized images without asking
//	res, err := p.Prepare(ctx, img, imageprep.ScaleChooser())
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("%s: %s, %dx%d\n", img.Path, res.Outcome.Kind, res.Width, res.Height)
//
// The package ties together these components:
//
//  1. Processing (pkg/processing): decoding, encoding and annotation
//  2. Normalize (pkg/normalize): resize and colour fix-up
//  3. Session (pkg/session): the crop decision, built on pkg/cropper and pkg/viewport
//  4. Detection (pkg/detection): the vision-model detector and its dispatcher
package imageprep

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/menta2k/image-prep/internal/observer"
	"github.com/menta2k/image-prep/pkg/detection"
	"github.com/menta2k/image-prep/pkg/normalize"
	"github.com/menta2k/image-prep/pkg/processing"
	"github.com/menta2k/image-prep/pkg/session"
	"github.com/menta2k/image-prep/pkg/viewport"
	"github.com/menta2k/image-prep/pkg/vision"
)

// Version of the image-prep library
const Version = "1.0.0"

// ErrNoDetector is returned by Detect when the pipeline has no detector.
var ErrNoDetector = errors.New("no detector configured")

// Options configures a Pipeline. Zero values take the package defaults.
type Options struct {
	Processor processing.Config
	Normalize normalize.Config
	Session   session.Config
	// Detector is optional; without it Detect fails with ErrNoDetector.
	Detector detection.Detector
	// Events receives pipeline events; may be nil.
	Events *observer.EventPublisher
	// Concurrency bounds Batch. Defaults to 4.
	Concurrency int
}

// Pipeline loads, prepares and detects images
type Pipeline struct {
	processor  *processing.Processor
	normalizer *normalize.Normalizer
	session    session.Config
	dispatcher *detection.Dispatcher
	suggester  *vision.SubjectDetector
	events     *observer.EventPublisher
	limit      int
}

// New creates a pipeline
func New(opts Options) *Pipeline {
	p := &Pipeline{
		processor:  processing.NewProcessorWithConfig(opts.Processor),
		normalizer: normalize.NewWithConfig(opts.Normalize),
		suggester:  vision.New(),
		events:     opts.Events,
		limit:      opts.Concurrency,
	}
	p.session = sessionConfig(opts.Session, p.normalizer.Config().MaxDimension)
	if opts.Detector != nil {
		p.dispatcher = detection.NewDispatcher(opts.Detector)
	}
	if p.limit <= 0 {
		p.limit = 4
	}
	return p
}

// sessionConfig fills the unset fields of c from the session defaults. An
// entirely empty config also gets the default aspect lock.
func sessionConfig(c session.Config, maxDimension int) session.Config {
	def := session.DefaultConfig()
	if c.MinCropSize == 0 && c.InitialCropSize == 0 && c.PresetSizes == nil &&
		!c.LockAspect && c.Viewport == (viewport.Config{}) {
		c.LockAspect = def.LockAspect
	}
	if c.MaxDimension <= 0 {
		c.MaxDimension = maxDimension
	}
	if c.MinCropSize <= 0 {
		c.MinCropSize = def.MinCropSize
	}
	if c.InitialCropSize <= 0 {
		c.InitialCropSize = def.InitialCropSize
	}
	if c.PresetSizes == nil {
		c.PresetSizes = def.PresetSizes
	}
	if c.Viewport == (viewport.Config{}) {
		c.Viewport = def.Viewport
	}
	return c
}

// Processor exposes the decoder/encoder used by the pipeline
func (p *Pipeline) Processor() *processing.Processor {
	return p.processor
}

// MaxDimension is the longest side a prepared image may have
func (p *Pipeline) MaxDimension() int {
	return p.session.MaxDimension
}

func (p *Pipeline) notify(ctx context.Context, event observer.PipelineEvent) {
	p.events.NotifyObservers(ctx, event)
}

// Load decodes a file path or http(s) URL
func (p *Pipeline) Load(ctx context.Context, source string) (*normalize.Image, error) {
	start := time.Now()
	im, err := p.processor.LoadImageSmart(ctx, source)
	if err != nil {
		p.notify(ctx, observer.NewEvent(observer.ImageLoadFailed, source).Took(start).Failed(err))
		return nil, err
	}
	w, h := im.Size()
	p.notify(ctx, observer.NewEvent(observer.ImageLoaded, source).Took(start).
		With("width", w).With("height", h).With("format", string(im.Format)))
	return im, nil
}

// NeedsDecision reports whether im exceeds the maximum dimension
func (p *Pipeline) NeedsDecision(im *normalize.Image) bool {
	w, h := im.Size()
	return normalize.NeedsResize(w, h, p.session.MaxDimension)
}

// OpenSession starts a crop session for an oversized image
func (p *Pipeline) OpenSession(im *normalize.Image, view viewport.Size) (*session.Session, error) {
	w, h := im.Size()
	s, err := session.Open(w, h, view, p.session)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", im.Path, err)
	}
	return s, nil
}

// SuggestCrop commits a rectangle over the most detailed region of the
// image, as if the user had clicked there. The user may still move it.
func (p *Pipeline) SuggestCrop(s *session.Session, im *normalize.Image) error {
	spec := s.Spec()
	x, y, err := p.suggester.SuggestCenter(im.Pixels(), spec.Width, spec.Height)
	if err != nil {
		return err
	}
	s.Suggest(x, y)
	return nil
}

// PrepareResult describes what Prepare did to an image
type PrepareResult struct {
	Outcome session.Outcome `json:"outcome"`
	Width   int             `json:"width"`
	Height  int             `json:"height"`
	Changed bool            `json:"changed"`
	Written bool            `json:"written"`
	// Converted is true when the colour pass rewrote the pixels
	Converted bool `json:"converted"`
}

// Resolve applies a decision to im: crop to the rectangle, or scale down
// for the scaled and cancelled outcomes. The colour pass always runs.
func (p *Pipeline) Resolve(ctx context.Context, im *normalize.Image, outcome session.Outcome) (PrepareResult, error) {
	var (
		res normalize.Result
		err error
	)
	switch outcome.Kind {
	case session.KindCropped:
		if outcome.Rect == nil {
			return PrepareResult{}, fmt.Errorf("%s: %w", im.Path, session.ErrNoRegionSelected)
		}
		res, err = p.normalizer.ApplyCrop(ctx, im, outcome.Rect.Rectangle())
	case session.KindScaled, session.KindCancelled:
		res, err = p.normalizer.ApplyScale(ctx, im, p.session.MaxDimension)
		if err == nil && outcome.Kind == session.KindCancelled {
			// A cancelled session falls back to scaling.
			outcome = session.Scaled(res.Ratio)
		}
	default:
		return PrepareResult{}, fmt.Errorf("unknown outcome %q", outcome.Kind)
	}
	if err != nil {
		return PrepareResult{}, err
	}
	return p.finish(ctx, im, outcome, res)
}

// Chooser decides how an oversized image is brought within bounds
type Chooser interface {
	Choose(ctx context.Context, p *Pipeline, im *normalize.Image) (session.Outcome, error)
}

// ChooserFunc adapts a function to the Chooser interface
type ChooserFunc func(ctx context.Context, p *Pipeline, im *normalize.Image) (session.Outcome, error)

// Choose calls f(ctx, p, im)
func (f ChooserFunc) Choose(ctx context.Context, p *Pipeline, im *normalize.Image) (session.Outcome, error) {
	return f(ctx, p, im)
}

// ScaleChooser always answers "scale"
func ScaleChooser() Chooser {
	return ChooserFunc(func(ctx context.Context, p *Pipeline, im *normalize.Image) (session.Outcome, error) {
		w, h := im.Size()
		return session.ScaleOutcome(w, h, p.MaxDimension()), nil
	})
}

// SessionChooser opens a crop session in a view of the given size and
// hands it to drive. The session outcome is used once drive returns; a
// session drive left open is cancelled.
func SessionChooser(view viewport.Size, drive func(ctx context.Context, s *session.Session, im *normalize.Image) error) Chooser {
	return ChooserFunc(func(ctx context.Context, p *Pipeline, im *normalize.Image) (session.Outcome, error) {
		s, err := p.OpenSession(im, view)
		if err != nil {
			return session.Outcome{}, err
		}
		if err := drive(ctx, s, im); err != nil {
			s.Cancel()
			return session.Outcome{}, err
		}
		if out, ok := s.Outcome(); ok {
			return out, nil
		}
		return s.Cancel(), nil
	})
}

// Prepare brings im within the maximum dimension, asking chooser when it is
// oversized, runs the colour pass and writes the image back to its path if
// the pixels changed.
func (p *Pipeline) Prepare(ctx context.Context, im *normalize.Image, chooser Chooser) (PrepareResult, error) {
	if !p.NeedsDecision(im) {
		res, err := p.normalizer.Apply(ctx, im, p.session.MaxDimension)
		if err != nil {
			p.notify(ctx, observer.NewEvent(observer.PrepareFailed, im.Path).Failed(err))
			return PrepareResult{}, err
		}
		return p.finish(ctx, im, session.Outcome{}, res)
	}

	w, h := im.Size()
	p.notify(ctx, observer.NewEvent(observer.DecisionRequired, im.Path).With("width", w).With("height", h))

	if chooser == nil {
		chooser = ScaleChooser()
	}
	outcome, err := chooser.Choose(ctx, p, im)
	if err != nil {
		p.notify(ctx, observer.NewEvent(observer.PrepareFailed, im.Path).Failed(err))
		return PrepareResult{}, err
	}
	res, err := p.Resolve(ctx, im, outcome)
	if err != nil {
		p.notify(ctx, observer.NewEvent(observer.PrepareFailed, im.Path).Failed(err))
		return PrepareResult{}, err
	}
	return res, nil
}

func (p *Pipeline) finish(ctx context.Context, im *normalize.Image, outcome session.Outcome, res normalize.Result) (PrepareResult, error) {
	w, h := im.Size()
	out := PrepareResult{
		Outcome:   outcome,
		Width:     w,
		Height:    h,
		Changed:   res.Changed,
		Converted: res.Converted,
	}
	if res.Changed && isLocal(im.Path) {
		if err := p.processor.Save(im.Pixels(), im.Path); err != nil {
			err = fmt.Errorf("failed to write %s: %w", im.Path, err)
			p.notify(ctx, observer.NewEvent(observer.PrepareFailed, im.Path).Failed(err))
			return out, err
		}
		out.Written = true
	}
	p.notify(ctx, observer.NewEvent(observer.ImagePrepared, im.Path).
		With("kind", string(outcome.Kind)).With("changed", out.Changed).With("written", out.Written))
	return out, nil
}

func isLocal(path string) bool {
	return path != "" && !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://")
}

// Detect runs the detector on the prepared image. A second call for the
// same image while the first is running fails with detection.ErrDetectionInFlight.
func (p *Pipeline) Detect(ctx context.Context, im *normalize.Image) (*detection.Result, error) {
	if p.dispatcher == nil {
		return nil, ErrNoDetector
	}
	start := time.Now()
	p.notify(ctx, observer.NewEvent(observer.DetectionStarted, im.Path))

	res, err := p.dispatcher.Run(ctx, im.Path, im.Pixels())
	if err != nil {
		p.notify(ctx, observer.NewEvent(observer.DetectionFailed, im.Path).Took(start).Failed(err))
		return nil, err
	}
	p.notify(ctx, observer.NewEvent(observer.DetectionCompleted, im.Path).Took(start).With("count", res.Count))
	return res, nil
}

// SaveResult writes the annotated image of a detection to path
func (p *Pipeline) SaveResult(res *detection.Result, path string) error {
	if res == nil || res.Annotated == nil {
		return fmt.Errorf("no annotated image to save")
	}
	return p.processor.Save(res.Annotated, path)
}

// BatchResult is the outcome for one path of Batch
type BatchResult struct {
	Path   string        `json:"path"`
	Result PrepareResult `json:"result"`
	Err    error         `json:"-"`
	Error  string        `json:"error,omitempty"`
}

// Batch loads and prepares every path concurrently. Per-image failures are
// recorded in the results; the returned error is only set when ctx ends.
func (p *Pipeline) Batch(ctx context.Context, paths []string, chooser Chooser) ([]BatchResult, error) {
	results := make([]BatchResult, len(paths))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.limit)

	for i, path := range paths {
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			r := BatchResult{Path: path}
			im, err := p.Load(ctx, path)
			if err == nil {
				r.Result, err = p.Prepare(ctx, im, chooser)
			}
			if err != nil {
				r.Err, r.Error = err, err.Error()
			}

			mu.Lock()
			results[i] = r
			mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	return results, err
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
