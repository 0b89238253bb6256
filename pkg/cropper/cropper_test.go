package cropper

import (
	"math"
	"math/rand"
	"strings"
	"testing"
)

func newSelector(t *testing.T, width, height int) *Selector {
	t.Helper()
	s, err := New(width, height)
	if err != nil {
		t.Fatalf("New(%d, %d) failed: %v", width, height, err)
	}
	return s
}

func TestNew(t *testing.T) {
	s := newSelector(t, 6000, 4000)

	spec := s.Spec()
	if spec.Width != 2048 || spec.Height != 2048 {
		t.Errorf("Expected initial spec 2048x2048, got %dx%d", spec.Width, spec.Height)
	}
	if spec.LockAspect {
		t.Error("Expected aspect lock to be off by default")
	}
	if s.State() != Idle {
		t.Errorf("Expected Idle, got %s", s.State())
	}
	if s.Result() != nil || s.Current() != nil {
		t.Error("Expected no rect before any interaction")
	}

	if _, err := New(0, 10); err == nil {
		t.Error("Expected error for empty image")
	}
}

func TestNewClampsInitialSpec(t *testing.T) {
	s := newSelector(t, 1500, 60)
	spec := s.Spec()
	if spec.Width != 1500 || spec.Height != 60 {
		t.Errorf("Expected 1500x60, got %dx%d", spec.Width, spec.Height)
	}
}

func TestSetSpecClamps(t *testing.T) {
	s := newSelector(t, 3000, 2500)

	tests := []struct {
		name        string
		w, h        int
		expW, expH  int
		expectAdj   bool
		expectLower bool
	}{
		{"within bounds", 800, 600, 800, 600, false, false},
		{"too wide", 5000, 600, 3000, 600, true, false},
		{"too tall", 800, 9000, 800, 2500, true, false},
		{"below minimum", 20, 600, 100, 600, true, true},
		{"negative", -5, -5, 100, 100, true, true},
	}

	for _, tt := range tests {
		adj := s.SetSpec(tt.w, tt.h)
		spec := s.Spec()
		if spec.Width != tt.expW || spec.Height != tt.expH {
			t.Errorf("%s: expected %dx%d, got %dx%d", tt.name, tt.expW, tt.expH, spec.Width, spec.Height)
		}
		if (adj != nil) != tt.expectAdj {
			t.Errorf("%s: expected adjustment=%v, got %v", tt.name, tt.expectAdj, adj)
		}
		if adj != nil && adj.Width != spec.Width {
			t.Errorf("%s: adjustment reports %d, spec is %d", tt.name, adj.Width, spec.Width)
		}
		if adj != nil && strings.Contains(adj.Reason, "minimum") != tt.expectLower {
			t.Errorf("%s: unexpected reason %q", tt.name, adj.Reason)
		}
	}
}

func TestImageSmallerThanMinimum(t *testing.T) {
	s := newSelector(t, 40, 40)
	s.SetSpec(100, 100)

	spec := s.Spec()
	if spec.Width != 40 || spec.Height != 40 {
		t.Errorf("Expected the image bound to win, got %dx%d", spec.Width, spec.Height)
	}
}

func TestAspectLock(t *testing.T) {
	s := newSelector(t, 4000, 3000)
	s.SetSpec(1600, 900)
	s.SetAspectLock(true)

	r := s.Spec().AspectRatio
	if math.Abs(r-1600.0/900.0) > 1e-9 {
		t.Fatalf("Expected captured ratio %f, got %f", 1600.0/900.0, r)
	}

	for _, w := range []int{333, 1000, 1234, 2000, 3999} {
		s.SetSpec(w, 1)
		spec := s.Spec()
		expH := int(math.Round(float64(w) / r))
		if spec.Width != w || spec.Height != expH {
			t.Errorf("SetSpec(%d, _): expected %dx%d, got %dx%d", w, w, expH, spec.Width, spec.Height)
		}
	}

	s.SetHeight(1800)
	spec := s.Spec()
	if spec.Height != 1800 || spec.Width != 3200 {
		t.Errorf("Expected 3200x1800 after height edit, got %dx%d", spec.Width, spec.Height)
	}
}

func TestAspectLockDerivedValueIsClamped(t *testing.T) {
	s := newSelector(t, 4000, 1000)
	s.SetSpec(400, 100)
	s.SetAspectLock(true)

	adj := s.SetWidth(4000)
	spec := s.Spec()
	if spec.Width != 4000 || spec.Height != 1000 {
		t.Errorf("Expected 4000x1000, got %dx%d", spec.Width, spec.Height)
	}
	if adj != nil {
		t.Errorf("Unexpected adjustment %v", adj)
	}

	s.SetAspectLock(false)
	s.SetSpec(200, 100)
	s.SetAspectLock(true)
	adj = s.SetWidth(3000)
	spec = s.Spec()
	if spec.Width != 3000 || spec.Height != 1000 {
		t.Errorf("Expected derived height clamped to 1000, got %dx%d", spec.Width, spec.Height)
	}
	if adj == nil || adj.RequestedHeight != 1500 {
		t.Errorf("Expected notice for derived height 1500, got %v", adj)
	}
}

func TestAspectLockOffDoesNotRecompute(t *testing.T) {
	s := newSelector(t, 4000, 3000)
	s.SetSpec(1000, 500)
	s.SetAspectLock(true)
	s.SetAspectLock(false)

	s.SetWidth(2000)
	if h := s.Spec().Height; h != 500 {
		t.Errorf("Expected height to stay 500 with lock off, got %d", h)
	}
}

func TestApplyPresetAdjustment(t *testing.T) {
	s := newSelector(t, 500, 300)

	adj := s.ApplyPresetSize(2048)
	spec := s.Spec()
	if spec.Width != 500 || spec.Height != 300 {
		t.Errorf("Expected 500x300, got %dx%d", spec.Width, spec.Height)
	}
	if adj == nil {
		t.Fatal("Expected an adjustment notice")
	}
	if adj.RequestedWidth != 2048 || adj.Width != 500 || adj.Height != 300 {
		t.Errorf("Unexpected adjustment %v", adj)
	}

	if adj := s.ApplyPresetSize(200); adj != nil {
		t.Errorf("Expected no notice for a fitting preset, got %v", adj)
	}
}

func TestApplyPresetRecapturesRatio(t *testing.T) {
	s := newSelector(t, 6000, 4000)
	s.SetSpec(1600, 900)
	s.SetAspectLock(true)

	s.ApplyPresetSize(1024)
	spec := s.Spec()
	if spec.Width != 1024 || spec.Height != 1024 {
		t.Errorf("Expected preset to bypass the lock, got %dx%d", spec.Width, spec.Height)
	}
	if spec.AspectRatio != 1 || !spec.LockAspect {
		t.Errorf("Expected recaptured ratio 1 with lock on, got %f lock=%v", spec.AspectRatio, spec.LockAspect)
	}

	s.ApplyPreset(Preset{Maximum: true})
	spec = s.Spec()
	if spec.Width != 6000 || spec.Height != 4000 {
		t.Errorf("Expected maximum preset 6000x4000, got %dx%d", spec.Width, spec.Height)
	}
}

func TestPresets(t *testing.T) {
	tests := []struct {
		name   string
		w, h   int
		sizes  []int
		labels []string
	}{
		{"large landscape", 6000, 4000, []int{1024, 2048, 4096}, []string{"1024", "2048", "4096", "Max (6000x4000)"}},
		{"medium", 3000, 2500, []int{1024, 2048, 4096}, []string{"1024", "2048", "Max (3000x2500)"}},
		{"exact square", 2048, 2048, []int{1024, 2048, 4096}, []string{"1024", "2048"}},
		{"odd square", 3000, 3000, []int{1024, 2048, 4096}, []string{"1024", "2048", "Max (3000x3000)"}},
		{"duplicates", 5000, 100, []int{1024, 1024, 0}, []string{"1024", "Max (5000x100)"}},
	}

	for _, tt := range tests {
		presets := Presets(tt.sizes, tt.w, tt.h)
		if len(presets) != len(tt.labels) {
			t.Errorf("%s: expected %d presets, got %d (%v)", tt.name, len(tt.labels), len(presets), presets)
			continue
		}
		for i, p := range presets {
			if p.Label != tt.labels[i] {
				t.Errorf("%s: preset %d expected %q, got %q", tt.name, i, tt.labels[i], p.Label)
			}
			if p.Width > tt.w || p.Height > tt.h {
				t.Errorf("%s: preset %s exceeds the image", tt.name, p.Label)
			}
		}
	}
}

func TestDragOutsideImageIgnored(t *testing.T) {
	s := newSelector(t, 40, 40)
	s.SetSpec(100, 100)

	if s.BeginDrag(50, 50) {
		t.Error("Expected drag outside the image to be rejected")
	}
	if s.State() != Idle {
		t.Errorf("Expected Idle, got %s", s.State())
	}
	if s.Result() != nil {
		t.Error("Expected no result")
	}
	if s.UpdateDrag(20, 20) {
		t.Error("Expected UpdateDrag without a drag to be ignored")
	}
	if s.BeginDrag(40, 0) || s.BeginDrag(-0.5, 3) {
		t.Error("Expected points on or past the edge to be rejected")
	}
}

func TestDragLifecycle(t *testing.T) {
	s := newSelector(t, 3000, 2000)
	s.SetSpec(1000, 800)

	if !s.BeginDrag(1500, 1000) {
		t.Fatal("BeginDrag rejected")
	}
	if s.State() != Dragging {
		t.Errorf("Expected Dragging, got %s", s.State())
	}
	if s.Result() != nil {
		t.Error("Expected no committed rect while dragging")
	}
	cur := s.Current()
	if cur == nil || *cur != (CropRect{1000, 600, 1000, 800}) {
		t.Errorf("Expected centred rect, got %v", cur)
	}

	s.UpdateDrag(2900, 100)
	res := s.EndDrag()
	if res == nil || *res != (CropRect{2000, 0, 1000, 800}) {
		t.Errorf("Expected rect clamped to the corner, got %v", res)
	}
	if s.State() != Idle {
		t.Errorf("Expected Idle after EndDrag, got %s", s.State())
	}

	s.BeginDrag(10, 10)
	if s.Result() != nil {
		t.Error("Expected a new drag to discard the committed rect")
	}
	s.EndDrag()
	if res := s.Result(); res == nil || res.X != 0 || res.Y != 0 {
		t.Errorf("Expected rect at origin, got %v", res)
	}
}

func TestSpecEditKeepsCentre(t *testing.T) {
	s := newSelector(t, 4000, 3000)
	s.SetSpec(1000, 1000)
	s.BeginDrag(2000, 1500)
	s.EndDrag()

	s.SetSpec(500, 300)
	res := s.Result()
	if res == nil {
		t.Fatal("Expected rect to survive a spec edit")
	}
	cx, cy := res.Center()
	if cx != 2000 || cy != 1500 {
		t.Errorf("Expected centre (2000,1500), got (%f,%f)", cx, cy)
	}
	if res.Width != 500 || res.Height != 300 {
		t.Errorf("Expected 500x300, got %dx%d", res.Width, res.Height)
	}

	s.SetSpec(4000, 3000)
	if res := s.Result(); *res != (CropRect{0, 0, 4000, 3000}) {
		t.Errorf("Expected full-image rect, got %v", res)
	}
}

func TestClear(t *testing.T) {
	s := newSelector(t, 3000, 3000)
	s.BeginDrag(100, 100)
	s.Clear()

	if s.State() != Idle || s.Result() != nil || s.Current() != nil {
		t.Error("Expected Clear to drop everything")
	}
	if s.UpdateDrag(200, 200) {
		t.Error("Expected late drag events to be ignored")
	}
}

func TestPlaceAt(t *testing.T) {
	s := newSelector(t, 3000, 3000)
	s.SetSpec(1000, 1000)

	res := s.PlaceAt(2990, 10)
	if res == nil || *res != (CropRect{2000, 0, 1000, 1000}) {
		t.Errorf("Expected clamped committed rect, got %v", res)
	}
}

func TestRectStaysWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 50; round++ {
		w, h := 1+rng.Intn(5000), 1+rng.Intn(5000)
		s := newSelector(t, w, h)

		for step := 0; step < 200; step++ {
			switch rng.Intn(7) {
			case 0:
				s.SetSpec(rng.Intn(7000)-500, rng.Intn(7000)-500)
			case 1:
				s.SetAspectLock(rng.Intn(2) == 0)
			case 2:
				s.BeginDrag(rng.Float64()*float64(w+200)-100, rng.Float64()*float64(h+200)-100)
			case 3, 4:
				s.UpdateDrag(rng.Float64()*float64(3*w)-float64(w), rng.Float64()*float64(3*h)-float64(h))
			case 5:
				s.EndDrag()
			case 6:
				s.ApplyPresetSize(DefaultPresetSizes[rng.Intn(len(DefaultPresetSizes))])
			}

			spec := s.Spec()
			if spec.Width > w || spec.Height > h || spec.Width < 1 || spec.Height < 1 {
				t.Fatalf("image %dx%d: spec %dx%d out of bounds", w, h, spec.Width, spec.Height)
			}
			for _, r := range []*CropRect{s.Current(), s.Result()} {
				if r != nil && !r.Within(w, h) {
					t.Fatalf("image %dx%d: rect %v out of bounds", w, h, r)
				}
			}
		}
	}
}

func BenchmarkUpdateDrag(b *testing.B) {
	s, _ := New(6000, 4000)
	s.BeginDrag(10, 10)
	for i := 0; i < b.N; i++ {
		s.UpdateDrag(float64(i%6000), float64(i%4000))
	}
}
