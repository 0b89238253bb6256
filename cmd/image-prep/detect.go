package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	imageprep "github.com/menta2k/image-prep"
	"github.com/menta2k/image-prep/internal/config"
	"github.com/menta2k/image-prep/internal/utils"
	"github.com/menta2k/image-prep/pkg/detection"
)

// NewDetectCmd creates the detect command.
func NewDetectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detect <image>",
		Short: "Count objects in an image with the vision-model detector",
		Long: `Detect sends a prepared image to the configured detector backend
(Ollama or a llama.cpp server) and writes a copy with the detections
outlined in red to the result directory.

Oversized images are scaled down first.

Examples:
  # Use a local Ollama server
  image-prep detect tray.jpg

  # Confirm the model receives the image before counting
  image-prep detect --check tray.jpg

  # Use a llama.cpp server and write the result next to the input
  image-prep detect --backend llamacpp --url http://localhost:8080 --out . tray.jpg`,
		Args: cobra.ExactArgs(1),
		RunE: runDetectCmd,
	}

	cmd.Flags().StringP("backend", "b", "", "Detector backend: ollama or llamacpp (default from config)")
	cmd.Flags().StringP("url", "u", "", "Detector server URL (default from config)")
	cmd.Flags().StringP("model", "m", "", "Vision model name (default from config)")
	cmd.Flags().StringP("out", "o", "", "Directory for the annotated image (default from config)")
	cmd.Flags().DurationP("timeout", "t", 0, "Detection timeout (default from config)")
	cmd.Flags().Bool("check", false, "Ask the model to describe the image before counting")

	return cmd
}

func applyDetectFlags(cmd *cobra.Command, cfg *config.Config) {
	if v, _ := cmd.Flags().GetString("backend"); v != "" {
		cfg.Detector.Backend = v
	}
	if v, _ := cmd.Flags().GetString("url"); v != "" {
		cfg.Detector.URL = v
	}
	if v, _ := cmd.Flags().GetString("model"); v != "" {
		cfg.Detector.Model = v
	}
	if v, _ := cmd.Flags().GetString("out"); v != "" {
		cfg.Output.ResultDir = v
	}
	if v, _ := cmd.Flags().GetDuration("timeout"); v > 0 {
		cfg.Detector.Timeout = v
	}
}

// runDetectCmd executes the detect command.
func runDetectCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyDetectFlags(cmd, cfg)

	det, err := newDetector(cfg)
	if err != nil {
		return err
	}
	return detect(cmd, cfg, det, args[0])
}

func detect(cmd *cobra.Command, cfg *config.Config, det detection.Detector, source string) error {
	p, _ := newPipeline(cfg, det)
	im, err := p.Load(cmd.Context(), source)
	if err != nil {
		return err
	}
	if _, err := p.Prepare(cmd.Context(), im, imageprep.ScaleChooser()); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Detector.Timeout)
	defer cancel()

	w := cmd.OutOrStdout()
	if check, _ := cmd.Flags().GetBool("check"); check {
		checker, ok := det.(detection.Checker)
		if !ok {
			return fmt.Errorf("detector does not support a vision check")
		}
		reply, err := checker.CheckVision(ctx, im.Pixels())
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s: model sees: %s\n", source, reply)
	}

	res, err := p.Detect(ctx, im)
	if err != nil {
		return err
	}

	if err := utils.EnsureDir(cfg.Output.ResultDir); err != nil {
		return err
	}
	out := filepath.Join(cfg.Output.ResultDir, utils.ResultFilename(source))
	if err := p.SaveResult(res, out); err != nil {
		return err
	}

	fmt.Fprintf(w, "%s: %d objects\n", source, res.Count)
	if res.Description != "" {
		fmt.Fprintf(w, "  %s\n", res.Description)
	}
	for _, d := range res.Detections {
		fmt.Fprintf(w, "  %-12s %.2f  box=%.3fx%.3f@%.3f,%.3f\n", d.Label, d.Confidence, d.Box.W, d.Box.H, d.Box.X, d.Box.Y)
	}
	fmt.Fprintf(w, "  wrote %s\n", out)
	return nil
}
