package cropper

import (
	"fmt"
	"slices"
)

// DefaultPresetSizes are the square quick sizes offered by the crop view.
var DefaultPresetSizes = []int{1024, 2048, 4096}

// Preset is a one-click crop size.
type Preset struct {
	Label string `json:"label"`
	// Size is the requested square side; zero for the maximum preset.
	Size    int  `json:"size,omitempty"`
	Width   int  `json:"width"`
	Height  int  `json:"height"`
	Maximum bool `json:"maximum,omitempty"`
}

// Presets lists the squares from candidates that do not exceed the larger
// image dimension, followed by a maximum preset of the exact image size when
// that differs from every offered square.
func Presets(candidates []int, width, height int) []Preset {
	longest := max(width, height)
	var presets []Preset
	var offered []int

	for _, size := range candidates {
		if size <= 0 || size > longest || slices.Contains(offered, size) {
			continue
		}
		offered = append(offered, size)
		presets = append(presets, Preset{
			Label:  fmt.Sprintf("%d", size),
			Size:   size,
			Width:  min(size, width),
			Height: min(size, height),
		})
	}

	if width != height || !slices.Contains(offered, longest) {
		presets = append(presets, Preset{
			Label:   fmt.Sprintf("Max (%dx%d)", width, height),
			Width:   width,
			Height:  height,
			Maximum: true,
		})
	}
	return presets
}

// Presets lists the quick sizes for the selector's image.
func (s *Selector) Presets(candidates []int) []Preset {
	if candidates == nil {
		candidates = DefaultPresetSizes
	}
	return Presets(candidates, s.width, s.height)
}

// ApplyPreset applies a quick size. The aspect lock is bypassed while the
// preset is applied and the ratio is recaptured afterwards if it is on.
func (s *Selector) ApplyPreset(p Preset) *Adjustment {
	if p.Maximum {
		return s.applySize(s.width, s.height, s.width, s.height)
	}
	return s.ApplyPresetSize(p.Size)
}

// ApplyPresetSize sets a square of size clamped to the image. A notice is
// returned when either side had to shrink.
func (s *Selector) ApplyPresetSize(size int) *Adjustment {
	return s.applySize(size, size, size, size)
}

func (s *Selector) applySize(reqW, reqH, w, h int) *Adjustment {
	w = s.clampDim(w, s.width)
	h = s.clampDim(h, s.height)

	s.resize(w, h)
	if s.spec.LockAspect {
		s.spec.AspectRatio = float64(w) / float64(h)
	}

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
