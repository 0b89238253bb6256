package imageprep

import (
	"context"
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/menta2k/image-prep/internal/observer"
	"github.com/menta2k/image-prep/pkg/detection"
	"github.com/menta2k/image-prep/pkg/normalize"
	"github.com/menta2k/image-prep/pkg/processing"
	"github.com/menta2k/image-prep/pkg/session"
	"github.com/menta2k/image-prep/pkg/viewport"
)

// createTestImage creates a simple test image
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	// Create a pattern with a bright subject in the center
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x > width/3 && x < 2*width/3 && y > height/3 && y < 2*height/3 {
				img.Set(x, y, color.RGBA{255, 255, 255, 255})
			} else {
				img.Set(x, y, color.RGBA{64, 64, 64, 255})
			}
		}
	}

	return img
}

func writeTestImage(t testing.TB, dir, name string, width, height int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := processing.NewProcessor().Save(createTestImage(width, height), path); err != nil {
		t.Fatalf("Failed to write test image: %v", err)
	}
	return path
}

func load(t *testing.T, p *Pipeline, path string) *normalize.Image {
	t.Helper()
	im, err := p.Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return im
}

func TestNew(t *testing.T) {
	p := New(Options{})
	if p.MaxDimension() != normalize.DefaultMaxDimension {
		t.Errorf("Expected max dimension %d, got %d", normalize.DefaultMaxDimension, p.MaxDimension())
	}
	if !p.session.LockAspect {
		t.Error("Expected aspect lock on by default")
	}
	if p.Processor() == nil {
		t.Error("processor is nil")
	}

	p = New(Options{Normalize: normalize.Config{MaxDimension: 500}})
	if p.MaxDimension() != 500 {
		t.Errorf("Expected max dimension from the normalizer, got %d", p.MaxDimension())
	}
}

func TestNewKeepsPartialSessionConfig(t *testing.T) {
	custom := viewport.Config{MinScale: 0.5, MaxScale: 2, ZoomInFactor: 1.1, ZoomOutFactor: 0.9}
	p := New(Options{Session: session.Config{Viewport: custom}})
	if p.session.Viewport != custom {
		t.Errorf("Expected custom viewport limits, got %+v", p.session.Viewport)
	}
	if p.session.LockAspect {
		t.Error("Expected the explicit aspect lock setting to be kept")
	}
	def := session.DefaultConfig()
	if p.session.MinCropSize != def.MinCropSize || p.session.InitialCropSize != def.InitialCropSize || len(p.session.PresetSizes) != len(def.PresetSizes) {
		t.Errorf("Expected unset fields to take defaults, got %+v", p.session)
	}

	p = New(Options{Session: session.Config{LockAspect: true, MinCropSize: 50}})
	if !p.session.LockAspect || p.session.MinCropSize != 50 {
		t.Errorf("Expected LockAspect and MinCropSize to be kept, got %+v", p.session)
	}
	if p.session.Viewport != def.Viewport || p.session.MaxDimension != normalize.DefaultMaxDimension {
		t.Errorf("Expected default viewport and max dimension, got %+v", p.session)
	}
}

func TestPrepareWithinBoundsIsNotWritten(t *testing.T) {
	path := writeTestImage(t, t.TempDir(), "small.jpg", 800, 600)
	before, _ := os.Stat(path)

	p := New(Options{})
	im := load(t, p, path)
	if p.NeedsDecision(im) {
		t.Fatal("800x600 must not need a decision")
	}

	res, err := p.Prepare(context.Background(), im, nil)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if res.Changed || res.Written {
		t.Errorf("Expected unchanged image, got %+v", res)
	}
	after, _ := os.Stat(path)
	if !after.ModTime().Equal(before.ModTime()) {
		t.Error("File must not be rewritten")
	}
}

func TestPrepareScale(t *testing.T) {
	path := writeTestImage(t, t.TempDir(), "wide.jpg", 3000, 1000)

	p := New(Options{})
	im := load(t, p, path)
	if !p.NeedsDecision(im) {
		t.Fatal("3000x1000 must need a decision")
	}

	res, err := p.Prepare(context.Background(), im, ScaleChooser())
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if res.Outcome.Kind != session.KindScaled {
		t.Errorf("Expected scaled outcome, got %s", res.Outcome.Kind)
	}
	if res.Width != 2048 || res.Height != 682 {
		t.Errorf("Expected 2048x682, got %dx%d", res.Width, res.Height)
	}
	if !res.Written {
		t.Error("Expected scaled image to be written back")
	}

	reloaded := load(t, p, path)
	if w, h := reloaded.Size(); w != 2048 || h != 682 {
		t.Errorf("Expected file to hold 2048x682, got %dx%d", w, h)
	}
}

func TestPrepareWithSession(t *testing.T) {
	path := writeTestImage(t, t.TempDir(), "wide.png", 3000, 1000)
	// Fit scale 0.25, so the view centre maps to image (1500, 500)
	view := viewport.Sz(750, 500)

	p := New(Options{})
	im := load(t, p, path)

	chooser := SessionChooser(view, func(ctx context.Context, s *session.Session, im *normalize.Image) error {
		if _, err := s.Confirm(); !errors.Is(err, session.ErrNoRegionSelected) {
			t.Errorf("Expected ErrNoRegionSelected before a selection, got %v", err)
		}
		center := view.Center()
		if !s.PointerDown(center) || !s.PointerUp(center) {
			t.Error("Expected the drag at the view centre to be accepted")
		}
		_, err := s.Confirm()
		return err
	})

	res, err := p.Prepare(context.Background(), im, chooser)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if res.Outcome.Kind != session.KindCropped || res.Outcome.Rect == nil {
		t.Fatalf("Expected cropped outcome, got %+v", res.Outcome)
	}
	if res.Width != 2048 || res.Height != 1000 {
		t.Errorf("Expected 2048x1000 crop, got %dx%d", res.Width, res.Height)
	}
	if r := res.Outcome.Rect; r.X != 476 || r.Y != 0 {
		t.Errorf("Expected crop centred at x=476, got %v", r)
	}
	if !res.Written {
		t.Error("Expected cropped image to be written back")
	}
}

func TestPrepareCancelledFallsBackToScale(t *testing.T) {
	path := writeTestImage(t, t.TempDir(), "tall.jpg", 1000, 4096)

	p := New(Options{})
	im := load(t, p, path)

	chooser := SessionChooser(viewport.Sz(400, 400), func(ctx context.Context, s *session.Session, im *normalize.Image) error {
		s.Cancel()
		return nil
	})

	res, err := p.Prepare(context.Background(), im, chooser)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if res.Outcome.Kind != session.KindScaled || res.Outcome.Ratio != 0.5 {
		t.Errorf("Expected scaled fallback with ratio 0.5, got %+v", res.Outcome)
	}
	if res.Width != 500 || res.Height != 2048 {
		t.Errorf("Expected 500x2048, got %dx%d", res.Width, res.Height)
	}
}

func TestPrepareChooserError(t *testing.T) {
	path := writeTestImage(t, t.TempDir(), "wide.jpg", 3000, 1000)
	p := New(Options{})
	im := load(t, p, path)

	boom := errors.New("user closed the window")
	_, err := p.Prepare(context.Background(), im, ChooserFunc(func(ctx context.Context, p *Pipeline, im *normalize.Image) (session.Outcome, error) {
		return session.Outcome{}, boom
	}))
	if !errors.Is(err, boom) {
		t.Errorf("Expected chooser error, got %v", err)
	}
	if w, _ := im.Size(); w != 3000 {
		t.Error("Image must be untouched after a failed decision")
	}
}

func TestSuggestCrop(t *testing.T) {
	path := writeTestImage(t, t.TempDir(), "wide.png", 3000, 1000)
	p := New(Options{})
	im := load(t, p, path)

	s, err := p.OpenSession(im, viewport.Sz(800, 600))
	if err != nil {
		t.Fatalf("OpenSession failed: %v", err)
	}
	if err := p.SuggestCrop(s, im); err != nil {
		t.Fatalf("SuggestCrop failed: %v", err)
	}
	out, err := s.Confirm()
	if err != nil {
		t.Fatalf("Expected suggested rect to be confirmable, got %v", err)
	}
	if !out.Rect.Within(3000, 1000) {
		t.Errorf("Suggested rect %v leaves the image", out.Rect)
	}
}

func TestOpenSessionRejectsSmallImage(t *testing.T) {
	p := New(Options{})
	im := normalize.NewImage("small", normalize.PNG, createTestImage(100, 100))
	if _, err := p.OpenSession(im, viewport.Sz(400, 400)); !errors.Is(err, session.ErrNotOversized) {
		t.Errorf("Expected ErrNotOversized, got %v", err)
	}
}

func TestDetect(t *testing.T) {
	metrics := observer.NewMetricsObserver()
	events := observer.NewEventPublisher()
	events.Subscribe(metrics)

	det := detection.DetectorFunc(func(ctx context.Context, img image.Image) (*detection.Result, error) {
		return &detection.Result{Count: 7, Annotated: img}, nil
	})
	p := New(Options{Detector: det, Events: events})
	im := normalize.NewImage("tray.png", normalize.PNG, createTestImage(64, 64))

	res, err := p.Detect(context.Background(), im)
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if res.Count != 7 {
		t.Errorf("Expected count 7, got %d", res.Count)
	}

	out := filepath.Join(t.TempDir(), "processed_tray.png")
	if err := p.SaveResult(res, out); err != nil {
		t.Fatalf("SaveResult failed: %v", err)
	}
	if got := metrics.GetMetrics()["objects_counted"]; got != int64(7) {
		t.Errorf("Expected 7 objects counted, got %v", got)
	}

	if _, err := New(Options{}).Detect(context.Background(), im); !errors.Is(err, ErrNoDetector) {
		t.Errorf("Expected ErrNoDetector, got %v", err)
	}
}

func TestBatch(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writeTestImage(t, dir, "a.jpg", 400, 300),
		writeTestImage(t, dir, "b.png", 2500, 500),
		filepath.Join(dir, "missing.jpg"),
	}

	metrics := observer.NewMetricsObserver()
	events := observer.NewEventPublisher()
	events.Subscribe(metrics)

	p := New(Options{Events: events, Concurrency: 2})
	results, err := p.Batch(context.Background(), paths, ScaleChooser())
	if err != nil {
		t.Fatalf("Batch failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	if results[0].Err != nil || results[0].Result.Changed {
		t.Errorf("Expected a.jpg unchanged, got %+v", results[0])
	}
	if results[1].Err != nil || results[1].Result.Width != 2048 {
		t.Errorf("Expected b.png scaled to 2048 wide, got %+v", results[1])
	}
	if results[2].Err == nil || results[2].Error == "" {
		t.Error("Expected missing file to be reported")
	}

	m := metrics.GetMetrics()
	if m["images_loaded"] != int64(2) || m["load_failures"] != int64(1) || m["images_prepared"] != int64(2) {
		t.Errorf("Unexpected metrics %v", m)
	}
}

func TestNewVisionClient(t *testing.T) {
	for _, backend := range []string{"ollama", "llamacpp"} {
		if _, err := NewVisionClient(backend, "http://localhost:11434"); err != nil {
			t.Errorf("%s: unexpected error %v", backend, err)
		}
	}
	if _, err := NewVisionClient("carrier-pigeon", "http://localhost"); err == nil {
		t.Error("Expected error for unknown backend")
	}
	if _, err := NewDetector("ollama", "not a url", detection.DefaultConfig()); err == nil {
		t.Error("Expected error for invalid URL")
	}
}

func TestGetVersion(t *testing.T) {
	if GetVersion() != Version {
		t.Errorf("Expected version %s, got %s", Version, GetVersion())
	}
}

func BenchmarkPrepareScale(b *testing.B) {
	img := createTestImage(4000, 3000)
	p := New(Options{})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		im := normalize.NewImage("", normalize.JPEG, img)
		if _, err := p.Prepare(context.Background(), im, ScaleChooser()); err != nil {
			b.Fatal(err)
		}
	}
}
