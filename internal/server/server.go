// Package server exposes the preparation pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	imageprep "github.com/menta2k/image-prep"
	"github.com/menta2k/image-prep/internal/config"
	apperrors "github.com/menta2k/image-prep/internal/errors"
	"github.com/menta2k/image-prep/internal/logger"
	"github.com/menta2k/image-prep/internal/observer"
	"github.com/menta2k/image-prep/internal/utils"
	"github.com/menta2k/image-prep/pkg/cropper"
	"github.com/menta2k/image-prep/pkg/normalize"
	"github.com/menta2k/image-prep/pkg/session"
	"github.com/menta2k/image-prep/pkg/types"
)

// Prepare modes
const (
	ModeCrop  = "crop"
	ModeScale = "scale"
)

// PrepareRequest selects how an oversized image is brought within bounds.
// For crop mode, Rect places the crop by its top-left corner and size and
// Center places a crop of the current size around a point. With neither,
// the crop is centred on the most detailed region of the image.
type PrepareRequest struct {
	Mode   string            `json:"mode" binding:"required,oneof=crop scale"`
	Rect   *cropper.CropRect `json:"rect,omitempty"`
	Center *Point            `json:"center,omitempty"`
	Preset int               `json:"preset,omitempty"`
}

// Point is an image-space position
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ImageResponse describes an uploaded image
type ImageResponse struct {
	ID            string                   `json:"id"`
	Name          string                   `json:"name"`
	Width         int                      `json:"width"`
	Height        int                      `json:"height"`
	AspectRatio   float64                  `json:"aspect_ratio"`
	Format        string                   `json:"format"`
	ColorModel    string                   `json:"color_model"`
	NeedsDecision bool                     `json:"needs_decision"`
	MaxDimension  int                      `json:"max_dimension"`
	PresetSizes   []int                    `json:"preset_sizes,omitempty"`
	Uploaded      time.Time                `json:"uploaded"`
	Prepared      *imageprep.PrepareResult `json:"prepared,omitempty"`
	Count         *int                     `json:"count,omitempty"`
	ResultURL     string                   `json:"result_url,omitempty"`
}

// PrepareResponse is returned by the prepare endpoint
type PrepareResponse struct {
	imageprep.PrepareResult
	Adjustment *cropper.Adjustment `json:"adjustment,omitempty"`
}

// DetectResponse is returned by the detect endpoint
type DetectResponse struct {
	ID          string            `json:"id"`
	Count       int               `json:"count"`
	Detections  []types.Detection `json:"detections"`
	Description string            `json:"description,omitempty"`
	ResultURL   string            `json:"result_url"`
	DurationMS  int64             `json:"duration_ms"`
}

// SuggestResponse is the crop the server would pick without a position
type SuggestResponse struct {
	ID   string            `json:"id"`
	Rect *cropper.CropRect `json:"rect"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Server holds the uploads and the pipeline that works on them
type Server struct {
	pipeline *imageprep.Pipeline
	cfg      *config.Config
	metrics  *observer.MetricsObserver
	store    *store
}

// New creates a server, making sure the upload and result directories exist.
// metrics may be nil.
func New(pipeline *imageprep.Pipeline, cfg *config.Config, metrics *observer.MetricsObserver) (*Server, error) {
	for _, dir := range []string{cfg.Output.UploadDir, cfg.Output.ResultDir} {
		if err := utils.EnsureDir(dir); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return &Server{
		pipeline: pipeline,
		cfg:      cfg,
		metrics:  metrics,
		store:    newStore(),
	}, nil
}

// NewHandler creates a server and returns its routes
func NewHandler(pipeline *imageprep.Pipeline, cfg *config.Config, metrics *observer.MetricsObserver) (http.Handler, error) {
	s, err := New(pipeline, cfg, metrics)
	if err != nil {
		return nil, err
	}
	return s.Handler(), nil
}

// Handler returns the gin engine serving the API
func (s *Server) Handler() http.Handler {
	r := gin.New()

	// Add middleware
	r.Use(
		gin.Recovery(),
		requestLogger(),
		requestSizeLimiter(s.cfg.Server.MaxRequestBodySize),
		errorHandler(),
	)

	// Configure routes
	r.GET("/health", s.healthCheck)
	r.GET("/metrics", s.getMetrics)

	images := r.Group("/images")
	images.POST("", s.uploadImage)
	images.GET("/:id", s.getImage)
	images.GET("/:id/suggest", s.suggestCrop)
	images.POST("/:id/prepare", s.prepareImage)
	images.POST("/:id/detect", s.detectImage)
	images.GET("/:id/result", s.getResult)

	return r
}

func (s *Server) withTimeout(c *gin.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Server.RequestTimeout <= 0 {
		return context.WithCancel(c.Request.Context())
	}
	return context.WithTimeout(c.Request.Context(), s.cfg.Server.RequestTimeout)
}

func (s *Server) uploadImage(c *gin.Context) {
	file, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, http.StatusRequestEntityTooLarge, "upload too large", err)
			return
		}
		respondError(c, http.StatusBadRequest, "missing image file", err)
		return
	}

	if !utils.HasExtension(file.Filename, s.cfg.Processing.AllowedFormats) {
		err := apperrors.NewValidationError("file type not allowed", fmt.Errorf("%q", file.Filename))
		respondError(c, err.StatusCode, "invalid upload", err)
		return
	}

	unique := utils.UniqueFilename(file.Filename)
	dst := filepath.Join(s.cfg.Output.UploadDir, unique)
	if err := c.SaveUploadedFile(file, dst); err != nil {
		respondError(c, http.StatusInternalServerError, "failed to store upload", err)
		return
	}

	ctx, cancel := s.withTimeout(c)
	defer cancel()

	im, err := s.pipeline.Load(ctx, dst)
	if err != nil {
		os.Remove(dst)
		fail(c, "failed to load image", err)
		return
	}

	id, _, _ := strings.Cut(unique, "_")
	rec := &record{
		ID:       id,
		Name:     utils.OriginalName(unique),
		Uploaded: time.Now().UTC(),
		Image:    im,
	}
	s.store.put(rec)

	logger.WithFields(logrus.Fields{
		"id":   id,
		"name": rec.Name,
		"size": utils.FormatFileSize(file.Size),
	}).Info("Image uploaded")

	c.JSON(http.StatusCreated, s.describe(*rec))
}

func (s *Server) lookup(c *gin.Context) (record, bool) {
	id := c.Param("id")
	rec, ok := s.store.get(id)
	if !ok {
		err := apperrors.NewNotFoundError("image not found", fmt.Errorf("id %q", id))
		respondError(c, err.StatusCode, "unknown image", err)
	}
	return rec, ok
}

func (s *Server) describe(rec record) ImageResponse {
	info := s.pipeline.Processor().GetImageInfo(rec.Image.Pixels())
	resp := ImageResponse{
		ID:            rec.ID,
		Name:          rec.Name,
		Width:         info.Width,
		Height:        info.Height,
		AspectRatio:   info.AspectRatio,
		Format:        string(rec.Image.Format),
		ColorModel:    info.ColorModel,
		NeedsDecision: s.pipeline.NeedsDecision(rec.Image),
		MaxDimension:  s.pipeline.MaxDimension(),
		Uploaded:      rec.Uploaded,
		Prepared:      rec.Prepared,
	}
	if resp.NeedsDecision {
		resp.PresetSizes = s.cfg.Session.PresetSizes
	}
	if rec.Detection != nil {
		count := rec.Detection.Count
		resp.Count = &count
	}
	if rec.ResultPath != "" {
		resp.ResultURL = resultURL(rec.ID)
	}
	return resp
}

func resultURL(id string) string {
	return "/images/" + id + "/result"
}

func (s *Server) getImage(c *gin.Context) {
	rec, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.describe(rec))
}

func (s *Server) suggestCrop(c *gin.Context) {
	rec, ok := s.lookup(c)
	if !ok {
		return
	}
	sess, err := s.pipeline.OpenSession(rec.Image, s.cfg.ViewSize())
	if err != nil {
		fail(c, "cannot suggest a crop", err)
		return
	}
	defer sess.Cancel()

	if err := s.pipeline.SuggestCrop(sess, rec.Image); err != nil {
		fail(c, "cannot suggest a crop", err)
		return
	}
	c.JSON(http.StatusOK, SuggestResponse{ID: rec.ID, Rect: sess.Result()})
}

func (s *Server) prepareImage(c *gin.Context) {
	rec, ok := s.lookup(c)
	if !ok {
		return
	}

	var req PrepareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request format", err)
		return
	}

	ctx, cancel := s.withTimeout(c)
	defer cancel()

	var notice *cropper.Adjustment
	chooser := imageprep.ScaleChooser()
	if req.Mode == ModeCrop {
		chooser = s.cropChooser(req, &notice)
	}

	res, err := s.pipeline.Prepare(ctx, rec.Image, chooser)
	if err != nil {
		fail(c, "failed to prepare image", err)
		return
	}
	s.store.update(rec.ID, func(r *record) { r.Prepared = &res })

	logger.WithFields(logrus.Fields{
		"id":      rec.ID,
		"mode":    req.Mode,
		"outcome": res.Outcome.Kind,
		"width":   res.Width,
		"height":  res.Height,
		"written": res.Written,
	}).Info("Image prepared")

	c.JSON(http.StatusOK, PrepareResponse{PrepareResult: res, Adjustment: notice})
}

// cropChooser drives a crop session from a prepare request instead of
// pointer events
func (s *Server) cropChooser(req PrepareRequest, notice **cropper.Adjustment) imageprep.Chooser {
	return imageprep.SessionChooser(s.cfg.ViewSize(), func(ctx context.Context, sess *session.Session, im *normalize.Image) error {
		if req.Preset > 0 {
			if _, err := sess.ApplyPresetSize(req.Preset); err != nil {
				return err
			}
		}
		switch {
		case req.Rect != nil:
			// A full rect fixes both sides, so the ratio comes from the request
			if err := sess.SetAspectLock(false); err != nil {
				return err
			}
			if _, err := sess.SetSpec(req.Rect.Width, req.Rect.Height); err != nil {
				return err
			}
			spec := sess.Spec()
			sess.Suggest(float64(req.Rect.X)+float64(spec.Width)/2, float64(req.Rect.Y)+float64(spec.Height)/2)
		case req.Center != nil:
			sess.Suggest(req.Center.X, req.Center.Y)
		default:
			if err := s.pipeline.SuggestCrop(sess, im); err != nil {
				return err
			}
		}
		*notice = sess.Notice()
		_, err := sess.Confirm()
		return err
	})
}

func (s *Server) detectImage(c *gin.Context) {
	rec, ok := s.lookup(c)
	if !ok {
		return
	}
	if s.pipeline.NeedsDecision(rec.Image) {
		err := apperrors.NewValidationError("image must be prepared before detection", nil)
		respondError(c, err.StatusCode, "image not prepared", err)
		return
	}

	ctx, cancel := s.withTimeout(c)
	defer cancel()

	start := time.Now()
	res, err := s.pipeline.Detect(ctx, rec.Image)
	if errors.Is(err, imageprep.ErrNoDetector) {
		respondError(c, http.StatusServiceUnavailable, "detection unavailable", err)
		return
	}
	if err != nil {
		fail(c, "detection failed", err)
		return
	}

	out := filepath.Join(s.cfg.Output.ResultDir, utils.ResultFilename(rec.Image.Path))
	if err := s.pipeline.SaveResult(res, out); err != nil {
		fail(c, "failed to save result", err)
		return
	}
	s.store.update(rec.ID, func(r *record) {
		r.Detection = res
		r.ResultPath = out
	})

	c.JSON(http.StatusOK, DetectResponse{
		ID:          rec.ID,
		Count:       res.Count,
		Detections:  res.Detections,
		Description: res.Description,
		ResultURL:   resultURL(rec.ID),
		DurationMS:  time.Since(start).Milliseconds(),
	})
}

func (s *Server) getResult(c *gin.Context) {
	rec, ok := s.lookup(c)
	if !ok {
		return
	}
	if rec.ResultPath == "" {
		err := apperrors.NewNotFoundError("no detection result yet", nil)
		respondError(c, err.StatusCode, "no result", err)
		return
	}
	c.File(rec.ResultPath)
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "available",
		"version": imageprep.GetVersion(),
		"images":  s.store.len(),
		"time":    time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.metrics == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, s.metrics.GetMetrics())
}

// Middleware and helper functions
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"ip":         c.ClientIP(),
		}).Debug("Request handled")
	}
}

func requestSizeLimiter(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}

func errorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			err := c.Errors.Last()
			fail(c, "request processing failed", err.Err)
		}
	}
}

// fail responds with the status code of err's error class
func fail(c *gin.Context, message string, err error) {
	appErr := apperrors.FromError(err)
	respondError(c, appErr.StatusCode, message, appErr)
}

func respondError(c *gin.Context, code int, message string, err error) {
	// Log the error with context
	logger.WithError(err).WithFields(logrus.Fields{
		"status_code": code,
		"message":     message,
		"path":        c.Request.URL.Path,
		"method":      c.Request.Method,
		"ip":          c.ClientIP(),
	}).Error("Request failed")

	c.AbortWithStatusJSON(code, ErrorResponse{
		Error:   http.StatusText(code),
		Message: fmt.Sprintf("%s: %v", message, err),
	})
}
