package session

import (
	"github.com/menta2k/image-prep/pkg/cropper"
	"github.com/menta2k/image-prep/pkg/normalize"
)

// Kind names how an oversized image is brought within bounds.
type Kind string

const (
	KindCropped   Kind = "cropped"
	KindScaled    Kind = "scaled"
	KindCancelled Kind = "cancelled"
)

// Outcome is the decision reported to the caller. The caller materialises
// the crop or scale and runs the colour pass afterwards.
type Outcome struct {
	Kind  Kind              `json:"kind"`
	Rect  *cropper.CropRect `json:"rect,omitempty"`
	Ratio float64           `json:"ratio,omitempty"`
}

// Cropped builds a crop outcome.
func Cropped(rect cropper.CropRect) Outcome {
	return Outcome{Kind: KindCropped, Rect: &rect}
}

// Scaled builds a proportional downscale outcome.
func Scaled(ratio float64) Outcome {
	return Outcome{Kind: KindScaled, Ratio: ratio}
}

// CancelledOutcome builds the outcome of a cancelled session.
func CancelledOutcome() Outcome {
	return Outcome{Kind: KindCancelled}
}

// ScaleOutcome builds the auto-scale fallback for a width x height image.
func ScaleOutcome(width, height, maxDimension int) Outcome {
	_, _, ratio := normalize.ScaledSize(width, height, maxDimension)
	return Scaled(ratio)
}
