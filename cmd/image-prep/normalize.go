package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	imageprep "github.com/menta2k/image-prep"
	"github.com/menta2k/image-prep/internal/logger"
	"github.com/menta2k/image-prep/internal/utils"
)

// NewNormalizeCmd creates the normalize command.
func NewNormalizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "normalize [paths...]",
		Short: "Scale oversized images down and fix their colour mode",
		Long: `Normalize prepares every image in place without asking: images larger
than the maximum dimension are scaled down proportionally, and every image
is converted to RGB. Files whose pixels do not change are left untouched.

Directories are searched recursively for jpg, png and webp files.

Examples:
  # Normalize a folder with 8 workers
  image-prep normalize -j 8 photos/

  # Use a smaller limit and print a JSON report
  image-prep normalize --max-dimension 1024 --json a.jpg b.png`,
		Args: cobra.MinimumNArgs(1),
		RunE: runNormalizeCmd,
	}

	cmd.Flags().IntP("concurrency", "j", 0, "Number of images processed at once (default from config)")
	cmd.Flags().IntP("max-dimension", "m", 0, "Longest side allowed in pixels (default from config)")
	cmd.Flags().Bool("json", false, "Output a JSON report")

	return cmd
}

// runNormalizeCmd executes the normalize command.
func runNormalizeCmd(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if n, _ := cmd.Flags().GetInt("concurrency"); n > 0 {
		cfg.Normalize.Concurrency = n
	}
	if n, _ := cmd.Flags().GetInt("max-dimension"); n > 0 {
		cfg.Normalize.MaxDimension = n
	}

	paths, err := utils.ExpandImagePaths(args)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no images found in %v", args)
	}

	p, metrics := newPipeline(cfg, nil)
	results, err := p.Batch(cmd.Context(), paths, imageprep.ScaleChooser())
	if err != nil {
		return err
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		printBatch(cmd.OutOrStdout(), results)
	}

	logger.WithFields(logrus.Fields(metrics.GetMetrics())).Debug("Normalize finished")

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d images failed", failed, len(results))
	}
	return nil
}

func printBatch(w io.Writer, results []imageprep.BatchResult) {
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(w, "%s: error: %v\n", r.Path, r.Err)
			continue
		}
		fmt.Fprintf(w, "%s: %s\n", r.Path, describeResult(r.Result))
	}
}

func describeResult(res imageprep.PrepareResult) string {
	action := "unchanged"
	switch {
	case res.Outcome.Kind != "":
		action = string(res.Outcome.Kind)
		if res.Outcome.Rect != nil {
			action += " " + res.Outcome.Rect.String()
		}
	case res.Converted:
		action = "converted"
	}
	s := fmt.Sprintf("%s, %dx%d", action, res.Width, res.Height)
	if res.Written {
		s += " (written)"
	}
	return s
}
