package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	imageprep "github.com/menta2k/image-prep"
	"github.com/menta2k/image-prep/internal/config"
	"github.com/menta2k/image-prep/internal/observer"
	"github.com/menta2k/image-prep/pkg/detection"
	"github.com/menta2k/image-prep/pkg/normalize"
	"github.com/menta2k/image-prep/pkg/processing"
	"github.com/menta2k/image-prep/pkg/session"
	"github.com/menta2k/image-prep/pkg/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// createTestImage creates a simple test image
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8(x % 256), uint8(y % 256), 128, 255})
		}
	}
	return img
}

func newTestServer(t *testing.T, det detection.Detector) (*Server, http.Handler, *observer.MetricsObserver) {
	t.Helper()
	cfg := config.Default()
	cfg.Output.UploadDir = t.TempDir()
	cfg.Output.ResultDir = t.TempDir()

	metrics := observer.NewMetricsObserver()
	events := observer.NewEventPublisher()
	events.Subscribe(metrics)

	p := imageprep.New(imageprep.Options{
		Processor: cfg.ProcessorConfig(),
		Normalize: cfg.NormalizerConfig(),
		Session:   cfg.SessionOptions(),
		Detector:  det,
		Events:    events,
	})
	s, err := New(p, cfg, metrics)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s, s.Handler(), metrics
}

func uploadBody(t *testing.T, name string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("image", name)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(data)
	mw.Close()
	return body, mw.FormDataContentType()
}

func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := processing.NewProcessor().Encode(&buf, createTestImage(width, height), normalize.PNG); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return buf.Bytes()
}

func do(h http.Handler, method, path string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func upload(t *testing.T, h http.Handler, name string, width, height int) ImageResponse {
	t.Helper()
	body, ct := uploadBody(t, name, encodePNG(t, width, height))
	w := do(h, http.MethodPost, "/images", body, ct)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201 on upload, got %d: %s", w.Code, w.Body.String())
	}
	var resp ImageResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode upload response: %v", err)
	}
	return resp
}

func prepare(t *testing.T, h http.Handler, id, payload string) *httptest.ResponseRecorder {
	t.Helper()
	return do(h, http.MethodPost, "/images/"+id+"/prepare", bytes.NewBufferString(payload), "application/json")
}

func TestHealthCheck(t *testing.T) {
	_, h, _ := newTestServer(t, nil)
	w := do(h, http.MethodGet, "/health", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &body)
	if body["status"] != "available" || body["version"] != imageprep.Version {
		t.Errorf("Unexpected health response %v", body)
	}
}

func TestUploadAndDescribe(t *testing.T) {
	s, h, _ := newTestServer(t, nil)
	resp := upload(t, h, "my tray.png", 3000, 1000)

	if len(resp.ID) != 32 {
		t.Errorf("Expected a 32 character id, got %q", resp.ID)
	}
	if resp.Name != "my_tray.png" {
		t.Errorf("Expected sanitized name, got %s", resp.Name)
	}
	if !resp.NeedsDecision || resp.MaxDimension != 2048 {
		t.Errorf("Expected oversized image, got %+v", resp)
	}
	if len(resp.PresetSizes) != 3 {
		t.Errorf("Expected presets for an oversized image, got %v", resp.PresetSizes)
	}
	if s.store.len() != 1 {
		t.Errorf("Expected 1 stored image, got %d", s.store.len())
	}

	w := do(h, http.MethodGet, "/images/"+resp.ID, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var got ImageResponse
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.Width != 3000 || got.Height != 1000 || got.Format != "png" {
		t.Errorf("Unexpected description %+v", got)
	}
	if got.AspectRatio != 3 || got.ColorModel == "" {
		t.Errorf("Expected aspect ratio 3 and a colour model, got %+v", got)
	}
}

func TestUploadRejected(t *testing.T) {
	s, h, metrics := newTestServer(t, nil)

	tests := []struct {
		name     string
		filename string
		data     []byte
		expected int
	}{
		{"disallowed extension", "anim.gif", []byte("GIF89a"), http.StatusBadRequest},
		{"corrupt image", "broken.png", []byte("not an image"), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := uploadBody(t, tt.filename, tt.data)
			w := do(h, http.MethodPost, "/images", body, ct)
			if w.Code != tt.expected {
				t.Errorf("Expected %d, got %d: %s", tt.expected, w.Code, w.Body.String())
			}
		})
	}

	w := do(h, http.MethodPost, "/images", bytes.NewBufferString("{}"), "application/json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 without a file, got %d", w.Code)
	}
	if s.store.len() != 0 {
		t.Errorf("Rejected uploads must not be stored, got %d", s.store.len())
	}
	if got := metrics.GetMetrics()["load_failures"]; got != int64(1) {
		t.Errorf("Expected 1 load failure, got %v", got)
	}
}

func TestUnknownImage(t *testing.T) {
	_, h, _ := newTestServer(t, nil)
	for _, path := range []string{"/images/nope", "/images/nope/result", "/images/nope/suggest"} {
		if w := do(h, http.MethodGet, path, nil, ""); w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, w.Code)
		}
	}
}

func TestPrepareCrop(t *testing.T) {
	_, h, _ := newTestServer(t, nil)
	id := upload(t, h, "wide.png", 3000, 1000).ID

	w := prepare(t, h, id, `{"mode":"crop","center":{"x":1500,"y":500}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp PrepareResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Outcome.Kind != session.KindCropped || resp.Outcome.Rect == nil {
		t.Fatalf("Expected cropped outcome, got %+v", resp.Outcome)
	}
	if r := resp.Outcome.Rect; r.X != 476 || r.Y != 0 || r.Width != 2048 || r.Height != 1000 {
		t.Errorf("Expected 2048x1000+476+0, got %v", r)
	}
	if !resp.Written {
		t.Error("Expected the upload to be rewritten")
	}

	w = do(h, http.MethodGet, "/images/"+id, nil, "")
	var got ImageResponse
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.NeedsDecision || got.Width != 2048 || got.Prepared == nil {
		t.Errorf("Expected prepared 2048 wide image, got %+v", got)
	}
}

func TestPrepareCropFromRect(t *testing.T) {
	_, h, _ := newTestServer(t, nil)
	id := upload(t, h, "wide.png", 3000, 1000).ID

	// Starts past the right edge, so the placement is clamped
	w := prepare(t, h, id, `{"mode":"crop","rect":{"x":2500,"y":0,"width":2048,"height":1000}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp PrepareResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if r := resp.Outcome.Rect; r == nil || !r.Within(3000, 1000) || r.X+r.Width != 3000 {
		t.Errorf("Expected rect clamped to the right edge, got %v", r)
	}
}

func TestPrepareCropRectKeepsRequestedSize(t *testing.T) {
	_, h, _ := newTestServer(t, nil)
	id := upload(t, h, "wide.png", 3000, 1000).ID

	// Square rect while the initial crop is 2048x1000
	w := prepare(t, h, id, `{"mode":"crop","rect":{"x":0,"y":0,"width":1000,"height":1000}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp PrepareResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	r := resp.Outcome.Rect
	if r == nil || r.X != 0 || r.Y != 0 || r.Width != 1000 || r.Height != 1000 {
		t.Errorf("Expected 1000x1000+0+0, got %v", r)
	}
	if resp.Width != 1000 || resp.Height != 1000 {
		t.Errorf("Expected a 1000x1000 image, got %dx%d", resp.Width, resp.Height)
	}
	if resp.Adjustment != nil {
		t.Errorf("Expected no adjustment, got %+v", resp.Adjustment)
	}
}

func TestPrepareCropRectClampedReportsAdjustment(t *testing.T) {
	_, h, _ := newTestServer(t, nil)
	id := upload(t, h, "wide.png", 3000, 1000).ID

	w := prepare(t, h, id, `{"mode":"crop","rect":{"x":0,"y":0,"width":1200,"height":1500}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp PrepareResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Width != 1200 || resp.Height != 1000 {
		t.Errorf("Expected 1200x1000, got %dx%d", resp.Width, resp.Height)
	}
	if resp.Adjustment == nil || resp.Adjustment.RequestedHeight != 1500 {
		t.Errorf("Expected an adjustment for the clamped height, got %+v", resp.Adjustment)
	}
}

func TestPrepareScale(t *testing.T) {
	_, h, _ := newTestServer(t, nil)
	id := upload(t, h, "tall.png", 1000, 4096).ID

	w := prepare(t, h, id, `{"mode":"scale"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp PrepareResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Outcome.Kind != session.KindScaled || resp.Width != 500 || resp.Height != 2048 {
		t.Errorf("Expected 500x2048 scaled, got %+v", resp.PrepareResult)
	}
}

func TestPrepareInvalidMode(t *testing.T) {
	_, h, _ := newTestServer(t, nil)
	id := upload(t, h, "wide.png", 3000, 1000).ID

	for _, payload := range []string{`{"mode":"rotate"}`, `{}`, `not json`} {
		if w := prepare(t, h, id, payload); w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", payload, w.Code)
		}
	}
}

func TestSuggest(t *testing.T) {
	_, h, _ := newTestServer(t, nil)
	wide := upload(t, h, "wide.png", 3000, 1000).ID
	small := upload(t, h, "small.png", 400, 300).ID

	w := do(h, http.MethodGet, "/images/"+wide+"/suggest", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp SuggestResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Rect == nil || !resp.Rect.Within(3000, 1000) {
		t.Errorf("Expected a rect inside the image, got %v", resp.Rect)
	}

	if w := do(h, http.MethodGet, "/images/"+small+"/suggest", nil, ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for an image within bounds, got %d", w.Code)
	}
}

func TestDetect(t *testing.T) {
	det := detection.DetectorFunc(func(ctx context.Context, img image.Image) (*detection.Result, error) {
		return &detection.Result{
			Count:      1,
			Detections: []types.Detection{{Label: "plant", Box: types.Box{X: 0.1, Y: 0.1, W: 0.2, H: 0.2}}},
			Annotated:  img,
		}, nil
	})
	_, h, metrics := newTestServer(t, det)

	wide := upload(t, h, "wide.png", 3000, 1000).ID
	if w := do(h, http.MethodPost, "/images/"+wide+"/detect", nil, ""); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 before prepare, got %d", w.Code)
	}

	id := upload(t, h, "tray.png", 800, 600).ID
	if w := do(h, http.MethodGet, "/images/"+id+"/result", nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 before detection, got %d", w.Code)
	}

	w := do(h, http.MethodPost, "/images/"+id+"/detect", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp DetectResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 1 || len(resp.Detections) != 1 {
		t.Errorf("Unexpected detection response %+v", resp)
	}

	w = do(h, http.MethodGet, resp.ResultURL, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for result, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "image/png") {
		t.Errorf("Expected image/png, got %s", ct)
	}

	if got := metrics.GetMetrics()["objects_counted"]; got != int64(1) {
		t.Errorf("Expected 1 object counted, got %v", got)
	}
}

func TestDetectInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	det := detection.DetectorFunc(func(ctx context.Context, img image.Image) (*detection.Result, error) {
		close(started)
		<-release
		return &detection.Result{Annotated: img}, nil
	})
	_, h, _ := newTestServer(t, det)
	id := upload(t, h, "tray.png", 400, 300).ID

	done := make(chan int)
	go func() {
		done <- do(h, http.MethodPost, "/images/"+id+"/detect", nil, "").Code
	}()
	<-started

	if w := do(h, http.MethodPost, "/images/"+id+"/detect", nil, ""); w.Code != http.StatusConflict {
		t.Errorf("Expected 409 while detection runs, got %d", w.Code)
	}
	close(release)
	if code := <-done; code != http.StatusOK {
		t.Errorf("Expected first detection to succeed, got %d", code)
	}
}

func TestDetectWithoutDetector(t *testing.T) {
	_, h, _ := newTestServer(t, nil)
	id := upload(t, h, "tray.png", 400, 300).ID
	if w := do(h, http.MethodPost, "/images/"+id+"/detect", nil, ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}

func TestRequestSizeLimit(t *testing.T) {
	s, _, _ := newTestServer(t, nil)
	s.cfg.Server.MaxRequestBodySize = 1024
	h := s.Handler()

	body, ct := uploadBody(t, "big.png", encodePNG(t, 300, 300))
	w := do(h, http.MethodPost, "/images", body, ct)
	if w.Code != http.StatusRequestEntityTooLarge && w.Code != http.StatusBadRequest {
		t.Errorf("Expected the oversized body to be rejected, got %d", w.Code)
	}
	if s.store.len() != 0 {
		t.Error("Oversized upload must not be stored")
	}
}
