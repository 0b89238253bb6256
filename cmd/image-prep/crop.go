package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	imageprep "github.com/menta2k/image-prep"
	"github.com/menta2k/image-prep/internal/logger"
	"github.com/menta2k/image-prep/pkg/normalize"
	"github.com/menta2k/image-prep/pkg/render"
	"github.com/menta2k/image-prep/pkg/session"
)

// cropOptions are the crop command flags
type cropOptions struct {
	x, y          float64
	width, height int
	preset        int
	free          bool
	preview       string
}

// NewCropCmd creates the crop command.
func NewCropCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crop <image>",
		Short: "Crop an oversized image to a fixed-size region",
		Long: `Crop runs the crop session headlessly: the crop rectangle is placed
centred on --x/--y in image pixels, or on the most detailed region of the
image when no position is given. The rectangle is kept inside the image and
the result is written back to the file.

Images within the maximum dimension only get the colour pass.

Examples:
  # Crop a 2048 square around (1500, 900)
  image-prep crop --x 1500 --y 900 tray.jpg

  # Use the 1024 preset and save what the crop view would show
  image-prep crop --preset 1024 --preview view.png tray.jpg`,
		Args: cobra.ExactArgs(1),
		RunE: runCropCmd,
	}

	cmd.Flags().Float64("x", -1, "Crop centre x in image pixels")
	cmd.Flags().Float64("y", -1, "Crop centre y in image pixels")
	cmd.Flags().IntP("width", "W", 0, "Crop width in pixels")
	cmd.Flags().IntP("height", "H", 0, "Crop height in pixels")
	cmd.Flags().IntP("preset", "p", 0, "Preset crop size (1024, 2048, 4096)")
	cmd.Flags().Bool("free", false, "Unlock the aspect ratio")
	cmd.Flags().String("preview", "", "Write the crop view to this image file")

	return cmd
}

func cropFlags(cmd *cobra.Command) cropOptions {
	var o cropOptions
	o.x, _ = cmd.Flags().GetFloat64("x")
	o.y, _ = cmd.Flags().GetFloat64("y")
	o.width, _ = cmd.Flags().GetInt("width")
	o.height, _ = cmd.Flags().GetInt("height")
	o.preset, _ = cmd.Flags().GetInt("preset")
	o.free, _ = cmd.Flags().GetBool("free")
	o.preview, _ = cmd.Flags().GetString("preview")
	return o
}

// runCropCmd executes the crop command.
func runCropCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	opts := cropFlags(cmd)

	p, _ := newPipeline(cfg, nil)
	im, err := p.Load(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	chooser := imageprep.SessionChooser(cfg.ViewSize(), func(ctx context.Context, s *session.Session, im *normalize.Image) error {
		return driveCrop(p, s, im, opts)
	})
	res, err := p.Prepare(cmd.Context(), im, chooser)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], describeResult(res))
	return nil
}

// applySize edits the crop size from the --width/--height flags. A single
// flag edits that side and lets the aspect lock derive the other; both
// flags together are taken literally.
func applySize(s *session.Session, width, height int) error {
	var err error
	switch {
	case width > 0 && height > 0:
		if err = s.SetAspectLock(false); err == nil {
			_, err = s.SetSpec(width, height)
		}
	case width > 0:
		_, err = s.SetWidth(width)
	case height > 0:
		_, err = s.SetHeight(height)
	}
	return err
}

// driveCrop applies the flags to the session and confirms it
func driveCrop(p *imageprep.Pipeline, s *session.Session, im *normalize.Image, opts cropOptions) error {
	var r *render.Renderer
	if opts.preview != "" {
		r = render.New(im.Pixels())
		defer r.Attach(s)()
	}

	if opts.free {
		if err := s.SetAspectLock(false); err != nil {
			return err
		}
	}
	if opts.preset > 0 {
		if _, err := s.ApplyPresetSize(opts.preset); err != nil {
			return err
		}
	}
	if err := applySize(s, opts.width, opts.height); err != nil {
		return err
	}

	if opts.x >= 0 && opts.y >= 0 {
		s.Suggest(opts.x, opts.y)
	} else if err := p.SuggestCrop(s, im); err != nil {
		return err
	}

	if n := s.Notice(); n != nil {
		logger.WithField("notice", n.String()).Warn("Crop size adjusted")
	}

	if r != nil {
		if err := p.Processor().Save(r.Frame(), opts.preview); err != nil {
			return fmt.Errorf("failed to write preview: %w", err)
		}
		logger.WithFields(logrus.Fields{"path": opts.preview, "frames": r.Frames()}).Info("Preview written")
	}

	_, err := s.Confirm()
	return err
}
