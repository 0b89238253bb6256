package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	imageprep "github.com/menta2k/image-prep"
	"github.com/menta2k/image-prep/internal/config"
	"github.com/menta2k/image-prep/internal/logger"
	"github.com/menta2k/image-prep/internal/observer"
	"github.com/menta2k/image-prep/pkg/detection"
)

// NewRootCmd creates the root command for image-prep.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image-prep",
		Short: "Prepare large photographs for an object detector",
		Long: `image-prep normalizes photographs before they are sent to a vision-model
object detector. Images whose longest side exceeds the maximum dimension
are either cropped to a fixed-size region or scaled down proportionally.
Every image is converted to RGB, with transparency flattened onto white,
and written back only when its pixels changed.

Configuration is read from --config, or from the XDG config directory
(~/.config/image-prep/config.yaml) when present.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags that apply to all commands
	cmd.PersistentFlags().StringP("config", "c", "", "Configuration file path (YAML or JSON)")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")
	cmd.PersistentFlags().String("log-format", "", "Log format: json or text (default from config)")

	// Add subcommands
	cmd.AddCommand(NewNormalizeCmd())
	cmd.AddCommand(NewCropCmd())
	cmd.AddCommand(NewDetectCmd())
	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := NewRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration named by --config and configures the
// global logger from it. Logs go to stderr so command output stays clean.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	level := cfg.Log.Level
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	}
	format := cfg.Log.Format
	if f, _ := cmd.Flags().GetString("log-format"); f != "" {
		format = f
	}
	logger.Configure(level, format)
	logger.Logger.SetOutput(cmd.ErrOrStderr())

	return cfg, nil
}

// newPipeline wires a pipeline to the logging and metrics observers.
// det may be nil.
func newPipeline(cfg *config.Config, det detection.Detector) (*imageprep.Pipeline, *observer.MetricsObserver) {
	metrics := observer.NewMetricsObserver()
	events := observer.NewEventPublisher()
	events.Subscribe(observer.NewLoggingObserver(logger.Logger))
	events.Subscribe(metrics)

	p := imageprep.New(imageprep.Options{
		Processor:   cfg.ProcessorConfig(),
		Normalize:   cfg.NormalizerConfig(),
		Session:     cfg.SessionOptions(),
		Detector:    det,
		Events:      events,
		Concurrency: cfg.Normalize.Concurrency,
	})
	return p, metrics
}

// newDetector builds the detector named by the detector section
func newDetector(cfg *config.Config) (detection.Detector, error) {
	det, err := imageprep.NewDetector(cfg.Detector.Backend, cfg.Detector.URL, cfg.DetectionConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create %s detector: %w", cfg.Detector.Backend, err)
	}
	return det, nil
}
