package processing

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/image-prep/pkg/normalize"
)

var (
	// ErrDecode is returned for unreadable or corrupt image data.
	ErrDecode = errors.New("failed to decode image")

	// ErrUnsupportedFormat is returned for formats outside Config.AllowedFormats.
	ErrUnsupportedFormat = errors.New("unsupported image format")

	// ErrImageTooSmall is returned for images below Config.MinImageSize.
	ErrImageTooSmall = errors.New("image too small")
)

// Config holds the processor settings
type Config struct {
	// AllowedFormats lists accepted encodings by name (jpg, jpeg, png, webp)
	AllowedFormats []string
	JPEGQuality    int
	WebPLossless   bool
	MinImageSize   int
	HTTPTimeout    time.Duration
	UserAgent      string
	// MaxDownloadBytes limits images fetched by URL; 0 disables the check
	MaxDownloadBytes int64
}

// DefaultConfig returns the processor defaults
func DefaultConfig() Config {
	return Config{
		AllowedFormats:   []string{"jpg", "jpeg", "png", "webp"},
		JPEGQuality:      95,
		MinImageSize:     1,
		HTTPTimeout:      30 * time.Second,
		UserAgent:        "Image-Prep/1.0",
		MaxDownloadBytes: 64 << 20,
	}
}

// Processor handles image processing operations
type Processor struct {
	config Config
	client *http.Client
}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return NewProcessorWithConfig(DefaultConfig())
}

// NewProcessorWithConfig creates a processor with custom settings
func NewProcessorWithConfig(config Config) *Processor {
	def := DefaultConfig()
	if len(config.AllowedFormats) == 0 {
		config.AllowedFormats = def.AllowedFormats
	}
	if config.JPEGQuality <= 0 || config.JPEGQuality > 100 {
		config.JPEGQuality = def.JPEGQuality
	}
	if config.HTTPTimeout <= 0 {
		config.HTTPTimeout = def.HTTPTimeout
	}
	if config.UserAgent == "" {
		config.UserAgent = def.UserAgent
	}
	return &Processor{
		config: config,
		client: &http.Client{Timeout: config.HTTPTimeout},
	}
}

// Config returns the processor settings
func (p *Processor) Config() Config {
	return p.config
}

// Allowed reports whether a format name or file extension is accepted
func (p *Processor) Allowed(format string) bool {
	format = strings.TrimPrefix(strings.ToLower(format), ".")
	for _, f := range p.config.AllowedFormats {
		if strings.EqualFold(f, format) {
			return true
		}
	}
	return false
}

// Decode decodes image data, applying the EXIF orientation, and reports its encoding
func (p *Processor) Decode(r io.Reader) (image.Image, normalize.Encoding, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image data: %w", err)
	}

	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if !p.Allowed(format) {
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	enc, err := normalize.ParseEncoding(format)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil && enc == normalize.WebP {
		// Fallback: explicit WebP decode
		img, err = webp.Decode(bytes.NewReader(data))
	}
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if err := p.ValidateImage(img); err != nil {
		return nil, "", err
	}
	return img, enc, nil
}

// Load decodes a file into an image bound to its path
func (p *Processor) Load(path string) (*normalize.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image file: %w", err)
	}
	defer f.Close()

	img, enc, err := p.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return normalize.NewImage(path, enc, img), nil
}

// LoadImageFromURL downloads and loads an image from a URL
func (p *Processor) LoadImageFromURL(ctx context.Context, imageURL string) (image.Image, normalize.Encoding, error) {
	parsedURL, err := url.Parse(imageURL)
	if err != nil {
		return nil, "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, "", fmt.Errorf("unsupported URL scheme: %s (only http and https are supported)", parsedURL.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", p.config.UserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("failed to download image: HTTP %d %s", resp.StatusCode, resp.Status)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		return nil, "", fmt.Errorf("URL does not point to an image (Content-Type: %s)", contentType)
	}

	var body io.Reader = resp.Body
	if p.config.MaxDownloadBytes > 0 {
		body = io.LimitReader(resp.Body, p.config.MaxDownloadBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read image data: %w", err)
	}
	if p.config.MaxDownloadBytes > 0 && int64(len(data)) > p.config.MaxDownloadBytes {
		return nil, "", fmt.Errorf("image exceeds %d bytes", p.config.MaxDownloadBytes)
	}

	return p.Decode(bytes.NewReader(data))
}

// LoadImageSmart loads an image from either a file path or URL
func (p *Processor) LoadImageSmart(ctx context.Context, source string) (*normalize.Image, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		img, enc, err := p.LoadImageFromURL(ctx, source)
		if err != nil {
			return nil, err
		}
		return normalize.NewImage(source, enc, img), nil
	}
	return p.Load(source)
}

// PrepareImageForModel converts an image to base64 for sending to vision models
func (p *Processor) PrepareImageForModel(img image.Image, format string, maxDim int, quality int) (string, error) {
	if maxDim > 0 {
		b := img.Bounds()
		if normalize.NeedsResize(b.Dx(), b.Dy(), maxDim) {
			w, h, _ := normalize.ScaledSize(b.Dx(), b.Dy(), maxDim)
			img = imaging.Resize(img, w, h, imaging.Lanczos)
		}
	}

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return "", err
		}
	default: // jpg
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return "", err
		}
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// ModelMIMEType is the MIME type of the payload PrepareImageForModel produces
// for format
func ModelMIMEType(format string) string {
	if strings.EqualFold(format, "png") {
		return "image/png"
	}
	return "image/jpeg"
}

// Encode writes img in the given encoding
func (p *Processor) Encode(w io.Writer, img image.Image, enc normalize.Encoding) error {
	switch enc {
	case normalize.WebP:
		opts := &webp.Options{Lossless: p.config.WebPLossless, Quality: float32(p.config.JPEGQuality)}
		return webp.Encode(w, img, opts)
	case normalize.PNG:
		return imaging.Encode(w, img, imaging.PNG)
	case normalize.JPEG:
		return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(p.config.JPEGQuality))
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedFormat, enc)
}

// SaveImage saves an image to a file with the specified format and quality
func (p *Processor) SaveImage(img image.Image, path, format string, quality int, lossless bool) error {
	switch strings.ToLower(format) {
	case "webp":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		opts := &webp.Options{Lossless: lossless, Quality: float32(quality)}
		return webp.Encode(f, img, opts)
	case "png":
		return imaging.Save(img, path)
	default: // jpg/jpeg
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	}
}

// Save writes an image to path in the encoding its extension names
func (p *Processor) Save(img image.Image, path string) error {
	enc, err := normalize.EncodingFromPath(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
	return p.SaveImage(img, path, string(enc), p.config.JPEGQuality, p.config.WebPLossless)
}

// ImageInfo contains basic image metadata
type ImageInfo struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	AspectRatio float64 `json:"aspect_ratio"`
	Area        int     `json:"area"`
	ColorModel  string  `json:"color_model"`
}

// GetImageInfo returns basic information about an image
func (p *Processor) GetImageInfo(img image.Image) ImageInfo {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()

	info := ImageInfo{
		Width:      width,
		Height:     height,
		Area:       width * height,
		ColorModel: normalize.ColorModelOf(img).String(),
	}
	if height > 0 {
		info.AspectRatio = float64(width) / float64(height)
	}
	return info
}

// ValidateImage checks if an image meets minimum requirements
func (p *Processor) ValidateImage(img image.Image) error {
	if img == nil {
		return fmt.Errorf("%w: nil image", ErrDecode)
	}
	bounds := img.Bounds()
	if bounds.Dx() < p.config.MinImageSize || bounds.Dy() < p.config.MinImageSize {
		return fmt.Errorf("%w: %dx%d (minimum: %d)",
			ErrImageTooSmall, bounds.Dx(), bounds.Dy(), p.config.MinImageSize)
	}
	return nil
}
