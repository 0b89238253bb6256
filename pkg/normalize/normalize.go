// Package normalize prepares decoded images for the detector: bounded
// dimensions and an alpha-free direct RGB colour model where the target
// encoding or a geometry change requires it.
package normalize

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// DefaultMaxDimension is the longest side accepted by the detector.
const DefaultMaxDimension = 2048

var (
	// ErrNormalize wraps every failure raised while resizing, cropping or
	// converting an image. The source image is left untouched.
	ErrNormalize = errors.New("normalize failed")

	// ErrPixelBudget is returned when an image exceeds Config.MaxPixels.
	ErrPixelBudget = errors.New("image exceeds pixel budget")

	// ErrCropOutOfBounds is returned by Crop when the rectangle leaves the image.
	ErrCropOutOfBounds = errors.New("crop rectangle outside image bounds")
)

// ColorModel classifies how an image stores its pixels.
type ColorModel int

const (
	ColorOther ColorModel = iota
	ColorRGB
	ColorRGBA
	ColorIndexed
	ColorGrayscale
)

func (m ColorModel) String() string {
	switch m {
	case ColorRGB:
		return "RGB"
	case ColorRGBA:
		return "RGBA"
	case ColorIndexed:
		return "indexed"
	case ColorGrayscale:
		return "grayscale"
	default:
		return "other"
	}
}

type opaquer interface {
	Opaque() bool
}

// ColorModelOf inspects the concrete image type. Direct-colour images with
// at least one translucent pixel report ColorRGBA.
func ColorModelOf(img image.Image) ColorModel {
	switch img.(type) {
	case *image.Paletted:
		return ColorIndexed
	case *image.Gray, *image.Gray16:
		return ColorGrayscale
	case *image.YCbCr:
		return ColorRGB
	case *image.RGBA, *image.NRGBA, *image.RGBA64, *image.NRGBA64, *image.NYCbCrA:
		if isOpaque(img) {
			return ColorRGB
		}
		return ColorRGBA
	}
	return ColorOther
}

// HasAlpha reports whether any pixel of img is not fully opaque.
func HasAlpha(img image.Image) bool {
	return !isOpaque(img)
}

func isOpaque(img image.Image) bool {
	if o, ok := img.(opaquer); ok {
		return o.Opaque()
	}
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0xffff {
				return false
			}
		}
	}
	return true
}

// Encoding is the file format an image will be written in.
type Encoding string

const (
	JPEG Encoding = "jpeg"
	PNG  Encoding = "png"
	WebP Encoding = "webp"
)

// SupportsAlpha reports whether the encoding can store a transparency channel.
func (e Encoding) SupportsAlpha() bool {
	return e == PNG || e == WebP
}

// ParseEncoding accepts format names as returned by image.Decode and file
// extensions with or without the leading dot.
func ParseEncoding(name string) (Encoding, error) {
	switch strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), ".") {
	case "jpg", "jpeg":
		return JPEG, nil
	case "png":
		return PNG, nil
	case "webp":
		return WebP, nil
	}
	return "", fmt.Errorf("unsupported encoding %q", name)
}

// EncodingFromPath derives the encoding from a file name extension.
func EncodingFromPath(path string) (Encoding, error) {
	return ParseEncoding(filepath.Ext(path))
}

// Config holds the normalization limits.
type Config struct {
	MaxDimension int
	// Encoding is used when the image carries no format of its own.
	Encoding Encoding
	// MaxPixels rejects decoded rasters larger than width*height; 0 disables the check.
	MaxPixels int64
	// Background is the colour translucent pixels are composited onto.
	Background color.Color
}

// DefaultConfig returns the limits used by the desktop front-end.
func DefaultConfig() Config {
	return Config{
		MaxDimension: DefaultMaxDimension,
		Encoding:     JPEG,
		MaxPixels:    200_000_000,
		Background:   color.White,
	}
}

// Normalizer is stateless apart from its configuration and safe for
// concurrent use on different images.
type Normalizer struct {
	config Config
}

// New creates a Normalizer with the default configuration.
func New() *Normalizer {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a Normalizer, filling zero fields from DefaultConfig.
func NewWithConfig(config Config) *Normalizer {
	def := DefaultConfig()
	if config.MaxDimension <= 0 {
		config.MaxDimension = def.MaxDimension
	}
	if config.Encoding == "" {
		config.Encoding = def.Encoding
	}
	if config.Background == nil {
		config.Background = def.Background
	}
	return &Normalizer{config: config}
}

// Config returns the normalizer configuration.
func (n *Normalizer) Config() Config {
	return n.config
}

// Result describes the outcome of one normalization pass.
type Result struct {
	Image image.Image
	// Changed is true when the pixels differ from the input and should be persisted.
	Changed   bool
	Resized   bool
	Converted bool
	// Ratio is the applied scale factor, 1 when the image was not resized.
	Ratio         float64
	Width, Height int
	ColorModel    ColorModel
}

// NeedsResize reports whether the longest side of a width x height image
// exceeds maxDimension.
func NeedsResize(width, height, maxDimension int) bool {
	return max(width, height) > maxDimension
}

// ScaledSize returns the floor-rounded dimensions after fitting the longest
// side to maxDimension. Images already within bounds are returned unchanged.
func ScaledSize(width, height, maxDimension int) (int, int, float64) {
	long := max(width, height)
	if long <= maxDimension || long == 0 {
		return width, height, 1
	}
	// integer arithmetic keeps the long side at exactly maxDimension
	w := int(int64(width) * int64(maxDimension) / int64(long))
	h := int(int64(height) * int64(maxDimension) / int64(long))
	return max(w, 1), max(h, 1), float64(maxDimension) / float64(long)
}

// Normalize brings img within maxDimension and fixes its colour model for
// the configured encoding. Normalizing its own output again is a no-op.
func (n *Normalizer) Normalize(img image.Image, maxDimension int) (Result, error) {
	return n.NormalizeFor(img, maxDimension, n.config.Encoding)
}

// NormalizeFor is Normalize with an explicit target encoding.
func (n *Normalizer) NormalizeFor(img image.Image, maxDimension int, enc Encoding) (res Result, err error) {
	if err := n.check(img); err != nil {
		return Result{}, err
	}
	if maxDimension <= 0 {
		return Result{}, fmt.Errorf("%w: max dimension must be positive, got %d", ErrNormalize, maxDimension)
	}
	defer recoverInto(&err, &res)

	b := img.Bounds()
	src := ColorModelOf(img)
	out := img
	ratio := 1.0
	resized := false

	if NeedsResize(b.Dx(), b.Dy(), maxDimension) {
		var w, h int
		w, h, ratio = ScaledSize(b.Dx(), b.Dy(), maxDimension)
		out = imaging.Resize(img, w, h, imaging.Lanczos)
		resized = true
	}

	out, converted := n.fixColor(out, src, resized, enc)

	ob := out.Bounds()
	return Result{
		Image:      out,
		Changed:    resized || converted,
		Resized:    resized,
		Converted:  converted,
		Ratio:      ratio,
		Width:      ob.Dx(),
		Height:     ob.Dy(),
		ColorModel: ColorModelOf(out),
	}, nil
}

// FixColor runs only the colour-model pass. geometryChanged must be true when
// the caller cropped or scaled the image beforehand.
func (n *Normalizer) FixColor(img image.Image, geometryChanged bool) (image.Image, bool, error) {
	return n.FixColorFor(img, geometryChanged, n.config.Encoding)
}

// FixColorFor is FixColor with an explicit target encoding.
func (n *Normalizer) FixColorFor(img image.Image, geometryChanged bool, enc Encoding) (out image.Image, converted bool, err error) {
	if err := n.check(img); err != nil {
		return nil, false, err
	}
	defer func() {
		if r := recover(); r != nil {
			out, converted = nil, false
			err = fmt.Errorf("%w: %v", ErrNormalize, r)
		}
	}()
	out, converted = n.fixColor(img, ColorModelOf(img), geometryChanged, enc)
	return out, converted, nil
}

// Scale is the automatic fallback: a proportional Lanczos downscale that fits
// the longest side to maxDimension. No colour fix-up is applied.
func (n *Normalizer) Scale(img image.Image, maxDimension int) (out image.Image, ratio float64, err error) {
	if err := n.check(img); err != nil {
		return nil, 0, err
	}
	if maxDimension <= 0 {
		return nil, 0, fmt.Errorf("%w: max dimension must be positive, got %d", ErrNormalize, maxDimension)
	}
	b := img.Bounds()
	w, h, ratio := ScaledSize(b.Dx(), b.Dy(), maxDimension)
	if ratio == 1 {
		return img, 1, nil
	}
	defer func() {
		if r := recover(); r != nil {
			out, ratio = nil, 0
			err = fmt.Errorf("%w: %v", ErrNormalize, r)
		}
	}()
	return imaging.Resize(img, w, h, imaging.Lanczos), ratio, nil
}

// Crop materialises a crop rectangle given in image-pixel space relative to
// the image origin.
func (n *Normalizer) Crop(img image.Image, rect image.Rectangle) (image.Image, error) {
	if err := n.check(img); err != nil {
		return nil, err
	}
	b := img.Bounds()
	abs := rect.Add(b.Min)
	if rect.Empty() || !abs.In(b) {
		return nil, fmt.Errorf("%w: %w: %v not in %dx%d", ErrNormalize, ErrCropOutOfBounds, rect, b.Dx(), b.Dy())
	}
	return imaging.Crop(img, abs), nil
}

func (n *Normalizer) check(img image.Image) error {
	if img == nil {
		return fmt.Errorf("%w: nil image", ErrNormalize)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return fmt.Errorf("%w: invalid dimensions %dx%d", ErrNormalize, b.Dx(), b.Dy())
	}
	if n.config.MaxPixels > 0 && int64(b.Dx())*int64(b.Dy()) > n.config.MaxPixels {
		return fmt.Errorf("%w: %w: %dx%d", ErrNormalize, ErrPixelBudget, b.Dx(), b.Dy())
	}
	return nil
}

// fixColor flattens anything that is not opaque direct RGB when the target
// encoding lacks alpha or the geometry changed in this pass. src is the
// colour model of the image before any resize.
func (n *Normalizer) fixColor(img image.Image, src ColorModel, geometryChanged bool, enc Encoding) (image.Image, bool) {
	if enc.SupportsAlpha() && !geometryChanged {
		return img, false
	}
	if src == ColorRGB && ColorModelOf(img) == ColorRGB {
		return img, false
	}
	return n.flatten(img), true
}

// flatten composites img onto an opaque background using its alpha channel.
func (n *Normalizer) flatten(img image.Image) *image.NRGBA {
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), n.config.Background)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

func recoverInto(err *error, res *Result) {
	if r := recover(); r != nil {
		*res = Result{}
		*err = fmt.Errorf("%w: %v", ErrNormalize, r)
	}
}
