package detection

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/menta2k/image-prep/pkg/client"
	"github.com/menta2k/image-prep/pkg/processing"
	"github.com/menta2k/image-prep/pkg/types"
)

// CheckPrompt asks for a plain description so a caller can confirm the model
// receives the image at all
const CheckPrompt = `What do you see in this image? Describe it briefly.`

// DefaultPrompt asks the model to count plants
const DefaultPrompt = `You are a plant counter for top-down photographs of trays and fields.

Return JSON only:
{
  "count": 0,
  "detections": [
    {"label": "plant", "confidence": 0.0, "box": {"x": 0.0, "y": 0.0, "w": 0.0, "h": 0.0}}
  ],
  "description": "short neutral sentence (≤ 20 words)"
}

HARD RULES
- Count every individual plant, including partially visible ones at the edges.
- "count" must equal the number of entries in "detections".
- All coordinates are normalized to [0,1] (NOT pixels); x,y is the top-left corner.
- If there are no plants, return {"count":0,"detections":[],"description":"no plants"}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// ErrEmptyImage is returned when Detect is called without an image
var ErrEmptyImage = errors.New("no image to detect")

// Result is what the detector reports for one image
type Result struct {
	Count       int               `json:"count"`
	Detections  []types.Detection `json:"detections"`
	Description string            `json:"description"`
	Annotated   image.Image       `json:"-"`
}

// Detector turns a prepared image into a count and an annotated image
type Detector interface {
	Detect(ctx context.Context, img image.Image) (*Result, error)
}

// Checker is implemented by detectors that can confirm the model sees images
type Checker interface {
	CheckVision(ctx context.Context, img image.Image) (string, error)
}

// DetectorFunc adapts a function to the Detector interface
type DetectorFunc func(ctx context.Context, img image.Image) (*Result, error)

// Detect calls f(ctx, img)
func (f DetectorFunc) Detect(ctx context.Context, img image.Image) (*Result, error) {
	return f(ctx, img)
}

// Config holds the vision detector settings
type Config struct {
	Model   string
	Prompt  string
	MaxDim  int
	Format  string
	Quality int
}

// DefaultConfig returns the settings used with a local Ollama server
func DefaultConfig() Config {
	return Config{
		Model:   "minicpm-v4",
		Prompt:  DefaultPrompt,
		MaxDim:  1024,
		Format:  "jpg",
		Quality: 90,
	}
}

// VisionDetector counts objects with a vision model
type VisionDetector struct {
	client    client.VisionClient
	processor *processing.Processor
	config    Config
}

// NewDetector creates a new detector with a vision client
func NewDetector(client client.VisionClient) *VisionDetector {
	return NewDetectorWithConfig(client, DefaultConfig())
}

// NewDetectorWithConfig creates a detector with custom settings
func NewDetectorWithConfig(client client.VisionClient, config Config) *VisionDetector {
	def := DefaultConfig()
	if config.Prompt == "" {
		config.Prompt = def.Prompt
	}
	if config.Model == "" {
		config.Model = def.Model
	}
	if config.Format == "" {
		config.Format = def.Format
	}
	if config.Quality <= 0 {
		config.Quality = def.Quality
	}
	return &VisionDetector{
		client:    client,
		processor: processing.NewProcessor(),
		config:    config,
	}
}

// Config returns the detector settings after defaults were applied
func (d *VisionDetector) Config() Config {
	return d.config
}

// Detect sends the image to the model and draws the detections on a copy of it
func (d *VisionDetector) Detect(ctx context.Context, img image.Image) (*Result, error) {
	if img == nil {
		return nil, ErrEmptyImage
	}

	imgB64, err := d.processor.PrepareImageForModel(img, d.config.Format, d.config.MaxDim, d.config.Quality)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	counted, err := d.client.CountObjects(ctx, d.config.Model, d.config.Prompt, imgB64)
	if err != nil {
		return nil, fmt.Errorf("detector: %w", err)
	}

	detections := make([]types.Detection, 0, len(counted.Detections))
	for _, det := range counted.Detections {
		det.Label = strings.ToLower(strings.TrimSpace(det.Label))
		if det.Box.W <= 0 || det.Box.H <= 0 {
			continue
		}
		detections = append(detections, det)
	}

	return &Result{
		Count:       counted.Count,
		Detections:  detections,
		Description: strings.TrimSpace(counted.Description),
		Annotated:   d.processor.AnnotateDetections(img, detections),
	}, nil
}

// CheckVision sends img with CheckPrompt and returns the model's description
func (d *VisionDetector) CheckVision(ctx context.Context, img image.Image) (string, error) {
	if img == nil {
		return "", ErrEmptyImage
	}
	imgB64, err := d.processor.PrepareImageForModel(img, d.config.Format, d.config.MaxDim, d.config.Quality)
	if err != nil {
		return "", err
	}
	reply, err := d.client.SimpleQuery(ctx, d.config.Model, CheckPrompt, imgB64)
	if err != nil {
		return "", fmt.Errorf("vision check failed: %w", err)
	}
	return strings.TrimSpace(reply), nil
}
