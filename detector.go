package imageprep

import (
	"fmt"
	"strings"

	"github.com/menta2k/image-prep/pkg/client"
	"github.com/menta2k/image-prep/pkg/detection"
	"github.com/menta2k/image-prep/pkg/llamacpp"
	"github.com/menta2k/image-prep/pkg/ollama"
	"github.com/menta2k/image-prep/pkg/processing"
)

// Supported detector backends
const (
	BackendOllama   = "ollama"
	BackendLlamaCpp = "llamacpp"
)

// NewVisionClient connects to an Ollama or llama.cpp server
func NewVisionClient(backend, serverURL string) (client.VisionClient, error) {
	switch strings.ToLower(backend) {
	case BackendOllama, "":
		c, err := ollama.NewClient(serverURL)
		if err != nil {
			return nil, err
		}
		return c, nil
	case BackendLlamaCpp, "llama.cpp", "openai":
		c, err := llamacpp.NewClient(serverURL)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("unknown detector backend %q", backend)
}

// NewDetector builds the vision-model detector for a backend. The llama.cpp
// data URL is labelled with the payload format the detector sends.
func NewDetector(backend, serverURL string, config detection.Config) (*detection.VisionDetector, error) {
	c, err := NewVisionClient(backend, serverURL)
	if err != nil {
		return nil, err
	}
	det := detection.NewDetectorWithConfig(c, config)
	if lc, ok := c.(*llamacpp.Client); ok {
		lc.MIMEType = processing.ModelMIMEType(det.Config().Format)
	}
	return det, nil
}
