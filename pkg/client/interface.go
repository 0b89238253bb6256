package client

import (
	"context"

	"github.com/menta2k/image-prep/pkg/types"
)

// VisionClient is a vision model backend able to look at a base64 encoded image.
type VisionClient interface {
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	CountObjects(ctx context.Context, model, prompt, imgB64 string) (*types.CountResult, error)
}
