package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/menta2k/image-prep/internal/logger"
	"github.com/menta2k/image-prep/internal/server"
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the upload, crop and detection API over HTTP",
		Long: `Serve starts the HTTP API:

  GET  /health                health check
  GET  /metrics               pipeline counters
  POST /images                upload an image (multipart field "image")
  GET  /images/:id            image size and state
  GET  /images/:id/suggest    suggested crop rectangle
  POST /images/:id/prepare    {"mode":"crop","center":{"x":..,"y":..}} or {"mode":"scale"}
  POST /images/:id/detect     run the detector on the prepared image
  GET  /images/:id/result     annotated detection result`,
		Args: cobra.NoArgs,
		RunE: runServeCmd,
	}

	cmd.Flags().String("host", "", "Listen host (default from config)")
	cmd.Flags().StringP("port", "p", "", "Listen port (default from config)")

	return cmd
}

// runServeCmd executes the serve command.
func runServeCmd(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("host"); v != "" {
		cfg.Server.Host = v
	}
	if v, _ := cmd.Flags().GetString("port"); v != "" {
		cfg.Server.Port = v
	}

	det, err := newDetector(cfg)
	if err != nil {
		return err
	}
	p, metrics := newPipeline(cfg, det)

	handler, err := server.NewHandler(p, cfg, metrics)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.RequestTimeout,
		WriteTimeout: cfg.Server.RequestTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"address":  cfg.ServerAddress(),
			"timeout":  cfg.Server.RequestTimeout,
			"detector": cfg.Detector.Backend,
		}).Info("Starting HTTP server")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
		return nil
	case <-cmd.Context().Done():
	}

	logger.Info("Shutting down server...")

	// Create a deadline for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return err
	}

	logger.Info("Server exited")
	return nil
}
