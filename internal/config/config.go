package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/bdougie/visiondetect/internal/storage"
)

// Defaults for program configuration
const (
	DefaultWorkers      = 4  // Adjust based on your CPU cores
	DefaultBatchSize    = 10 // Number of frame results to batch write
	DefaultFrameRate    = 30
	DefaultIoUThreshold = 0.5
	DefaultListen       = ":8000"
)

// Config is the full runtime configuration
type Config struct {
	FramesDir  string // intermediate frames, one subdirectory per job
	OutputDir  string // processed videos
	UploadDir  string // uploaded source videos
	ResultsDir string // JSON detection logs

	FFmpeg       string
	FrameRate    int
	IoUThreshold float64
	Workers      int
	BatchSize    int
	AnnotateAll  bool
	// Compare each frame only with the previous frame's accepted detections
	AcceptedBaseline bool

	Detector      string // "yolo" or "ollama"
	ModelPath     string
	OnnxLib       string
	OllamaURL     string
	OllamaPort    int
	OllamaModel   string
	ConfThreshold float64

	Listen string
	// Accept JSON submissions naming any server-side file, not only files under UploadDir
	AllowLocalPaths bool
	Postgres        storage.PostgresConfig
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		FramesDir:     "frames",
		OutputDir:     "static",
		UploadDir:     "uploads",
		ResultsDir:    "results",
		FFmpeg:        "ffmpeg",
		FrameRate:     DefaultFrameRate,
		IoUThreshold:  DefaultIoUThreshold,
		Workers:       DefaultWorkers,
		BatchSize:     DefaultBatchSize,
		Detector:      "yolo",
		ModelPath:     "yolov8n.onnx",
		OllamaURL:     "http://localhost",
		OllamaPort:    11434,
		OllamaModel:   "llama3.2-vision:11b",
		ConfThreshold: 0.5,
		Listen:        DefaultListen,
	}
}

// FromEnv returns Default overlaid with VISION_* environment variables
func FromEnv() (Config, error) {
	return Load(os.LookupEnv)
}

// Load overlays Default with values from lookup
func Load(lookup func(string) (string, bool)) (Config, error) {
	c := Default()
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok && v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("VISION_FRAMES_DIR", &c.FramesDir)
	str("VISION_OUTPUT_DIR", &c.OutputDir)
	str("VISION_UPLOAD_DIR", &c.UploadDir)
	str("VISION_RESULTS_DIR", &c.ResultsDir)
	str("VISION_FFMPEG", &c.FFmpeg)
	num("VISION_FRAME_RATE", &c.FrameRate)
	float("VISION_IOU_THRESHOLD", &c.IoUThreshold)
	num("VISION_WORKERS", &c.Workers)
	num("VISION_BATCH_SIZE", &c.BatchSize)
	flag("VISION_ANNOTATE_ALL", &c.AnnotateAll)
	flag("VISION_ACCEPTED_BASELINE", &c.AcceptedBaseline)
	str("VISION_DETECTOR", &c.Detector)
	str("VISION_MODEL", &c.ModelPath)
	str("VISION_ONNX_LIB", &c.OnnxLib)
	str("VISION_OLLAMA_URL", &c.OllamaURL)
	num("VISION_OLLAMA_PORT", &c.OllamaPort)
	str("VISION_OLLAMA_MODEL", &c.OllamaModel)
	float("VISION_CONF_THRESHOLD", &c.ConfThreshold)
	str("VISION_LISTEN", &c.Listen)
	flag("VISION_ALLOW_LOCAL_PATHS", &c.AllowLocalPaths)
	str("VISION_POSTGRES_URL", &c.Postgres.URL)
	str("VISION_POSTGRES_HOST", &c.Postgres.Host)
	str("VISION_POSTGRES_PORT", &c.Postgres.Port)
	str("VISION_POSTGRES_USER", &c.Postgres.User)
	str("VISION_POSTGRES_PASSWORD", &c.Postgres.Password)
	str("VISION_POSTGRES_DB", &c.Postgres.DBName)

	if err := errors.Join(errs...); err != nil {
		return c, err
	}
	return c, nil
}

// Validate checks value ranges
func (c Config) Validate() error {
	var errs []error
	if c.FrameRate <= 0 {
		errs = append(errs, fmt.Errorf("frame rate must be positive, got %d", c.FrameRate))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.IoUThreshold <= 0 || c.IoUThreshold > 1 {
		errs = append(errs, fmt.Errorf("IoU threshold must be in (0, 1], got %v", c.IoUThreshold))
	}
	if c.ConfThreshold < 0 || c.ConfThreshold > 1 {
		errs = append(errs, fmt.Errorf("confidence threshold must be in [0, 1], got %v", c.ConfThreshold))
	}
	switch c.Detector {
	case "yolo", "ollama":
	default:
		errs = append(errs, fmt.Errorf("unknown detector %q", c.Detector))
	}
	return errors.Join(errs...)
}
