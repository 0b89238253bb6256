package normalize

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
)

// ErrImageBusy is returned when another operation is already rewriting the
// same Image.
var ErrImageBusy = errors.New("image is being processed")

// Image is a decoded raster bound to the file it was loaded from. Its pixels
// are never edited in place; every operation swaps in a new raster. At most
// one writer may run against an Image at a time.
type Image struct {
	Path   string
	Format Encoding

	busy atomic.Bool

	mu     sync.RWMutex
	pixels image.Image
}

// NewImage wraps decoded pixels. format may be empty when unknown.
func NewImage(path string, format Encoding, pixels image.Image) *Image {
	return &Image{Path: path, Format: format, pixels: pixels}
}

// Pixels returns the current raster.
func (im *Image) Pixels() image.Image {
	im.mu.RLock()
	defer im.mu.RUnlock()
	return im.pixels
}

// Size returns the current width and height.
func (im *Image) Size() (int, int) {
	b := im.Pixels().Bounds()
	return b.Dx(), b.Dy()
}

// ColorModel classifies the current raster.
func (im *Image) ColorModel() ColorModel {
	return ColorModelOf(im.Pixels())
}

// Busy reports whether a writer currently holds the image.
func (im *Image) Busy() bool {
	return im.busy.Load()
}

// Update runs fn against the current pixels and stores its result if fn
// reports a change. It fails fast with ErrImageBusy instead of queueing
// behind another writer. On error the previous pixels are kept.
func (im *Image) Update(ctx context.Context, fn func(image.Image) (image.Image, bool, error)) (bool, error) {
	if !im.busy.CompareAndSwap(false, true) {
		return false, fmt.Errorf("%s: %w", im.Path, ErrImageBusy)
	}
	defer im.busy.Store(false)

	if err := ctx.Err(); err != nil {
		return false, err
	}

	out, changed, err := fn(im.Pixels())
	if err != nil {
		return false, err
	}
	if !changed || out == nil {
		return false, nil
	}

	im.mu.Lock()
	im.pixels = out
	im.mu.Unlock()
	return true, nil
}

// encodingFor falls back to the normalizer default for images of unknown format.
func (n *Normalizer) encodingFor(im *Image) Encoding {
	if im.Format != "" {
		return im.Format
	}
	return n.config.Encoding
}

// Apply normalizes im in place of its pixels, using the image's own format
// as the target encoding.
func (n *Normalizer) Apply(ctx context.Context, im *Image, maxDimension int) (Result, error) {
	var res Result
	_, err := im.Update(ctx, func(px image.Image) (image.Image, bool, error) {
		r, err := n.NormalizeFor(px, maxDimension, n.encodingFor(im))
		if err != nil {
			return nil, false, err
		}
		res = r
		return r.Image, r.Changed, nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// ApplyCrop crops im to rect and runs the colour pass for a geometry change.
func (n *Normalizer) ApplyCrop(ctx context.Context, im *Image, rect image.Rectangle) (Result, error) {
	var res Result
	_, err := im.Update(ctx, func(px image.Image) (image.Image, bool, error) {
		cropped, err := n.Crop(px, rect)
		if err != nil {
			return nil, false, err
		}
		out, converted, err := n.FixColorFor(cropped, true, n.encodingFor(im))
		if err != nil {
			return nil, false, err
		}
		res = describe(out, true, converted, 1)
		return out, true, nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

// ApplyScale runs the proportional downscale fallback followed by the colour pass.
func (n *Normalizer) ApplyScale(ctx context.Context, im *Image, maxDimension int) (Result, error) {
	var res Result
	_, err := im.Update(ctx, func(px image.Image) (image.Image, bool, error) {
		scaled, ratio, err := n.Scale(px, maxDimension)
		if err != nil {
			return nil, false, err
		}
		resized := ratio != 1
		out, converted, err := n.FixColorFor(scaled, resized, n.encodingFor(im))
		if err != nil {
			return nil, false, err
		}
		res = describe(out, resized, converted, ratio)
		return out, res.Changed, nil
	})
	if err != nil {
		return Result{}, err
	}
	return res, nil
}

func describe(img image.Image, resized, converted bool, ratio float64) Result {
	b := img.Bounds()
	return Result{
		Image:      img,
		Changed:    resized || converted,
		Resized:    resized,
		Converted:  converted,
		Ratio:      ratio,
		Width:      b.Dx(),
		Height:     b.Dy(),
		ColorModel: ColorModelOf(img),
	}
}
