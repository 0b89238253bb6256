package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/menta2k/image-prep/pkg/cropper"
	"github.com/menta2k/image-prep/pkg/detection"
	"github.com/menta2k/image-prep/pkg/normalize"
	"github.com/menta2k/image-prep/pkg/processing"
	"github.com/menta2k/image-prep/pkg/session"
	"github.com/menta2k/image-prep/pkg/viewport"
)

// AppName names the configuration and data directories.
const AppName = "image-prep"

// Configuration validation errors, returned wrapped by Validate.
var (
	ErrInvalidMaxDimension = errors.New("normalize.max_dimension must be positive")
	ErrInvalidCropSize     = errors.New("session.min_crop_size must be positive and not exceed session.initial_crop_size")
	ErrInvalidZoomRange    = errors.New("session zoom limits must satisfy 0 < min_scale <= max_scale")
	ErrInvalidQuality      = errors.New("quality must be between 1 and 100")
	ErrInvalidFormat       = errors.New("unsupported output format")
	ErrInvalidBackend      = errors.New("detector.backend must be ollama or llamacpp")
	ErrInvalidPort         = errors.New("server.port must be between 1 and 65535")
	ErrInvalidTimeout      = errors.New("timeouts must be positive")
	ErrInvalidConcurrency  = errors.New("batch concurrency must be positive")
	ErrNoAllowedFormats    = errors.New("processing.allowed_formats cannot be empty")
)

// ErrConfigNotFound is returned when the configuration file does not exist.
var ErrConfigNotFound = errors.New("configuration file not found")

// Config holds the application configuration
type Config struct {
	Normalize  NormalizeConfig  `json:"normalize" yaml:"normalize"`
	Session    SessionConfig    `json:"session" yaml:"session"`
	Processing ProcessingConfig `json:"processing" yaml:"processing"`
	Detector   DetectorConfig   `json:"detector" yaml:"detector"`
	Output     OutputConfig     `json:"output" yaml:"output"`
	Server     ServerConfig     `json:"server" yaml:"server"`
	Log        LogConfig        `json:"log" yaml:"log"`
}

// NormalizeConfig holds the pipeline limits
type NormalizeConfig struct {
	MaxDimension int   `json:"max_dimension" yaml:"max_dimension"`
	MaxPixels    int64 `json:"max_pixels" yaml:"max_pixels"`
	// Concurrency bounds batch normalization
	Concurrency int `json:"concurrency" yaml:"concurrency"`
}

// SessionConfig holds the crop tool limits
type SessionConfig struct {
	MinCropSize     int     `json:"min_crop_size" yaml:"min_crop_size"`
	InitialCropSize int     `json:"initial_crop_size" yaml:"initial_crop_size"`
	PresetSizes     []int   `json:"preset_sizes" yaml:"preset_sizes"`
	LockAspect      bool    `json:"lock_aspect" yaml:"lock_aspect"`
	MinScale        float64 `json:"min_scale" yaml:"min_scale"`
	MaxScale        float64 `json:"max_scale" yaml:"max_scale"`
	ViewWidth       int     `json:"view_width" yaml:"view_width"`
	ViewHeight      int     `json:"view_height" yaml:"view_height"`
}

// ProcessingConfig holds decode settings
type ProcessingConfig struct {
	AllowedFormats []string      `json:"allowed_formats" yaml:"allowed_formats"`
	MinImageSize   int           `json:"min_image_size" yaml:"min_image_size"`
	FetchTimeout   time.Duration `json:"fetch_timeout" yaml:"fetch_timeout"`
}

// DetectorConfig holds the vision backend settings
type DetectorConfig struct {
	Backend string        `json:"backend" yaml:"backend"`
	URL     string        `json:"url" yaml:"url"`
	Model   string        `json:"model" yaml:"model"`
	Prompt  string        `json:"prompt,omitempty" yaml:"prompt,omitempty"`
	MaxDim  int           `json:"max_dim" yaml:"max_dim"`
	Format  string        `json:"format" yaml:"format"`
	Quality int           `json:"quality" yaml:"quality"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// OutputConfig holds configuration for output generation
type OutputConfig struct {
	Quality   int    `json:"quality" yaml:"quality"`
	Lossless  bool   `json:"lossless" yaml:"lossless"`
	UploadDir string `json:"upload_dir" yaml:"upload_dir"`
	ResultDir string `json:"result_dir" yaml:"result_dir"`
	Suffix    string `json:"suffix" yaml:"suffix"`
}

// ServerConfig holds the HTTP front-end settings
type ServerConfig struct {
	Host               string        `json:"host" yaml:"host"`
	Port               string        `json:"port" yaml:"port"`
	RequestTimeout     time.Duration `json:"request_timeout" yaml:"request_timeout"`
	MaxRequestBodySize int64         `json:"max_request_body_size" yaml:"max_request_body_size"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Normalize: NormalizeConfig{
			MaxDimension: normalize.DefaultMaxDimension,
			MaxPixels:    normalize.DefaultConfig().MaxPixels,
			Concurrency:  4,
		},
		Session: SessionConfig{
			MinCropSize:     cropper.DefaultConfig().MinSize,
			InitialCropSize: cropper.DefaultConfig().InitialSize,
			PresetSizes:     append([]int(nil), cropper.DefaultPresetSizes...),
			LockAspect:      true,
			MinScale:        viewport.DefaultConfig().MinScale,
			MaxScale:        viewport.DefaultConfig().MaxScale,
			ViewWidth:       1200,
			ViewHeight:      800,
		},
		Processing: ProcessingConfig{
			AllowedFormats: []string{"png", "jpg", "jpeg", "webp"},
			MinImageSize:   1,
			FetchTimeout:   30 * time.Second,
		},
		Detector: DetectorConfig{
			Backend: "ollama",
			URL:     "http://localhost:11434",
			Model:   detection.DefaultConfig().Model,
			MaxDim:  detection.DefaultConfig().MaxDim,
			Format:  detection.DefaultConfig().Format,
			Quality: detection.DefaultConfig().Quality,
			Timeout: 300 * time.Second,
		},
		Output: OutputConfig{
			Quality:   95,
			UploadDir: "./uploads",
			ResultDir: "./results",
			Suffix:    "_result",
		},
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               "8080",
			RequestTimeout:     5 * time.Minute,
			MaxRequestBodySize: 64 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file. Fields missing
// from the file keep their default values.
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigNotFound, filename)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Load reads the file at path, or the default config path when path is
// empty, applies environment overrides and validates the result. A missing
// default file yields the defaults.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = GetConfigPath()
	}

	cfg, err := LoadFromFile(path)
	if errors.Is(err, ErrConfigNotFound) && !explicit {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, err
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveToFile saves configuration to a JSON or YAML file
func (c *Config) SaveToFile(filename string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides fields from environment variables
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("HOST"); v != "" {
		c.Server.Host = strings.TrimSpace(v)
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("DETECTOR_BACKEND"); v != "" {
		c.Detector.Backend = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("DETECTOR_URL"); v != "" {
		c.Detector.URL = strings.TrimSpace(v)
	}
	if v := os.Getenv("DETECTOR_MODEL"); v != "" {
		c.Detector.Model = strings.TrimSpace(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("UPLOAD_DIR"); v != "" {
		c.Output.UploadDir = v
	}
	if v := os.Getenv("RESULT_DIR"); v != "" {
		c.Output.ResultDir = v
	}

	if v := os.Getenv("MAX_DIMENSION"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid MAX_DIMENSION %q: %w", v, err)
		}
		c.Normalize.MaxDimension = n
	}
	if v := os.Getenv("REQUEST_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid REQUEST_TIMEOUT %q: %w", v, err)
		}
		c.Server.RequestTimeout = d
	}
	if v := os.Getenv("MAX_REQUEST_BODY_SIZE"); v != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid MAX_REQUEST_BODY_SIZE %q: %w", v, err)
		}
		c.Server.MaxRequestBodySize = n
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Normalize.MaxDimension < 1 {
		return ErrInvalidMaxDimension
	}
	if c.Normalize.Concurrency < 1 {
		return ErrInvalidConcurrency
	}

	if c.Session.MinCropSize < 1 || c.Session.InitialCropSize < c.Session.MinCropSize {
		return ErrInvalidCropSize
	}
	if c.Session.MinScale <= 0 || c.Session.MaxScale < c.Session.MinScale {
		return ErrInvalidZoomRange
	}

	if len(c.Processing.AllowedFormats) == 0 {
		return ErrNoAllowedFormats
	}
	for _, f := range c.Processing.AllowedFormats {
		if _, err := normalize.ParseEncoding(f); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidFormat, f)
		}
	}

	switch c.Detector.Backend {
	case "ollama", "llamacpp":
	default:
		return fmt.Errorf("%w (got %q)", ErrInvalidBackend, c.Detector.Backend)
	}
	if c.Detector.Format != "jpg" && c.Detector.Format != "png" {
		return fmt.Errorf("%w: detector.format %q", ErrInvalidFormat, c.Detector.Format)
	}
	if c.Detector.Quality < 1 || c.Detector.Quality > 100 {
		return fmt.Errorf("detector.quality: %w", ErrInvalidQuality)
	}
	if c.Output.Quality < 1 || c.Output.Quality > 100 {
		return fmt.Errorf("output.quality: %w", ErrInvalidQuality)
	}

	p, err := strconv.Atoi(strings.TrimSpace(c.Server.Port))
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("%w (got %q)", ErrInvalidPort, c.Server.Port)
	}
	if c.Server.RequestTimeout <= 0 || c.Detector.Timeout <= 0 || c.Processing.FetchTimeout <= 0 {
		return ErrInvalidTimeout
	}

	return nil
}

// ServerAddress returns host:port for the HTTP listener
func (c *Config) ServerAddress() string {
	return net.JoinHostPort(strings.TrimSpace(c.Server.Host), strings.TrimSpace(c.Server.Port))
}

// NormalizerConfig converts the normalize section
func (c *Config) NormalizerConfig() normalize.Config {
	nc := normalize.DefaultConfig()
	nc.MaxDimension = c.Normalize.MaxDimension
	nc.MaxPixels = c.Normalize.MaxPixels
	return nc
}

// SessionOptions converts the session section
func (c *Config) SessionOptions() session.Config {
	sc := session.DefaultConfig()
	sc.MaxDimension = c.Normalize.MaxDimension
	sc.MinCropSize = c.Session.MinCropSize
	sc.InitialCropSize = c.Session.InitialCropSize
	sc.PresetSizes = append([]int(nil), c.Session.PresetSizes...)
	sc.LockAspect = c.Session.LockAspect
	sc.Viewport.MinScale = c.Session.MinScale
	sc.Viewport.MaxScale = c.Session.MaxScale
	return sc
}

// ViewSize returns the configured crop view size
func (c *Config) ViewSize() viewport.Size {
	return viewport.Sz(float64(c.Session.ViewWidth), float64(c.Session.ViewHeight))
}

// ProcessorConfig converts the processing and output sections
func (c *Config) ProcessorConfig() processing.Config {
	return processing.Config{
		AllowedFormats: append([]string(nil), c.Processing.AllowedFormats...),
		JPEGQuality:    c.Output.Quality,
		WebPLossless:   c.Output.Lossless,
		MinImageSize:   c.Processing.MinImageSize,
		HTTPTimeout:    c.Processing.FetchTimeout,
	}
}

// DetectionConfig converts the detector section
func (c *Config) DetectionConfig() detection.Config {
	return detection.Config{
		Model:   c.Detector.Model,
		Prompt:  c.Detector.Prompt,
		MaxDim:  c.Detector.MaxDim,
		Format:  c.Detector.Format,
		Quality: c.Detector.Quality,
	}
}

// XDGConfigDir returns the XDG config directory for the application.
// On Linux: ~/.config/image-prep
func XDGConfigDir() string {
	return filepath.Join(xdg.ConfigHome, AppName)
}

// XDGDataDir returns the XDG data directory, used for uploads and results
// when the server runs without explicit directories.
func XDGDataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	return filepath.Join(XDGConfigDir(), "config.yaml")
}
