package detector

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"runtime"
	"sort"
	"sync"

	"github.com/nfnt/resize"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/bdougie/visiondetect/internal/annotate"
	"github.com/bdougie/visiondetect/internal/geometry"
	"github.com/bdougie/visiondetect/internal/models"
)

const (
	DefaultImageSize     = 640
	DefaultConfThreshold = 0.5
	DefaultNMSThreshold  = 0.7
)

// YOLOConfig describes an exported YOLOv8-style ONNX model
type YOLOConfig struct {
	ModelPath     string
	SharedLibPath string // onnxruntime shared library; empty picks one under ./third_party
	ImageSize     int
	ConfThreshold float32
	NMSThreshold  float64
	Classes       []string
}

// YOLO runs a YOLOv8-style ONNX model through onnxruntime
type YOLO struct {
	mu      sync.Mutex
	cfg     YOLOConfig
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	anchors int
	logger  *slog.Logger
}

var (
	ortOnce sync.Once
	ortErr  error
)

// getSharedLibPath returns the path to the ONNXRuntime shared library for this platform
func getSharedLibPath() string {
	if runtime.GOOS == "windows" {
		if runtime.GOARCH == "amd64" {
			return "./third_party/onnxruntime.dll"
		}
	}
	if runtime.GOOS == "darwin" {
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.dylib"
		}
	}
	if runtime.GOOS == "linux" {
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.so"
		}
		return "./third_party/onnxruntime.so"
	}
	return ""
}

func initEnvironment(libPath string) error {
	ortOnce.Do(func() {
		if libPath == "" {
			libPath = getSharedLibPath()
		}
		if libPath == "" {
			ortErr = fmt.Errorf("no onnxruntime library for %s/%s", runtime.GOOS, runtime.GOARCH)
			return
		}
		ort.SetSharedLibraryPath(libPath)
		ortErr = ort.InitializeEnvironment()
	})
	return ortErr
}

// NewYOLO loads the model and allocates its input and output tensors
func NewYOLO(cfg YOLOConfig, logger *slog.Logger) (*YOLO, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("no ONNX model path given")
	}
	if cfg.ImageSize <= 0 {
		cfg.ImageSize = DefaultImageSize
	}
	if cfg.ConfThreshold <= 0 {
		cfg.ConfThreshold = DefaultConfThreshold
	}
	if cfg.NMSThreshold <= 0 {
		cfg.NMSThreshold = DefaultNMSThreshold
	}
	if len(cfg.Classes) == 0 {
		cfg.Classes = COCOClasses
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := initEnvironment(cfg.SharedLibPath); err != nil {
		return nil, fmt.Errorf("failed to initialize onnxruntime: %w", err)
	}

	size := int64(cfg.ImageSize)
	// YOLOv8 emits one candidate per anchor cell over strides 8, 16 and 32
	anchors := (size/8)*(size/8) + (size/16)*(size/16) + (size/32)*(size/32)

	inputTensor, err := ort.NewTensor(ort.NewShape(1, 3, size, size), make([]float32, 3*size*size))
	if err != nil {
		return nil, err
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(4+len(cfg.Classes)), anchors))
	if err != nil {
		inputTensor.Destroy()
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, err
	}
	defer options.Destroy()

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{"images"},
		[]string{"output0"},
		[]ort.ArbitraryTensor{inputTensor},
		[]ort.ArbitraryTensor{outputTensor},
		options,
	)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to load model '%s': %w", cfg.ModelPath, err)
	}

	logger.Info("YOLO model loaded", "model", cfg.ModelPath, "size", cfg.ImageSize, "classes", len(cfg.Classes))
	return &YOLO{
		cfg:     cfg,
		session: session,
		input:   inputTensor,
		output:  outputTensor,
		anchors: int(anchors),
		logger:  logger,
	}, nil
}

// Detect runs inference on one frame. Calls are serialized on the shared tensors.
func (y *YOLO) Detect(ctx context.Context, in Input) ([]models.Detection, error) {
	img := in.Image
	if img == nil {
		rgba, err := annotate.LoadFrame(in.Path)
		if err != nil {
			return nil, err
		}
		img = rgba
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	input := prepareInput(img, y.cfg.ImageSize)
	size := img.Bounds().Size()

	y.mu.Lock()
	copy(y.input.GetData(), input)
	err := y.session.Run()
	var output []float32
	if err == nil {
		output = append(output, y.output.GetData()...)
	}
	y.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("inference error: %w", err)
	}

	return processOutput(output, y.anchors, y.cfg, float64(size.X), float64(size.Y)), nil
}

// Close destroys the session and tensors
func (y *YOLO) Close() error {
	y.mu.Lock()
	defer y.mu.Unlock()
	var errs []error
	if y.session != nil {
		errs = append(errs, y.session.Destroy())
		y.session = nil
	}
	if y.input != nil {
		errs = append(errs, y.input.Destroy())
		y.input = nil
	}
	if y.output != nil {
		errs = append(errs, y.output.Destroy())
		y.output = nil
	}
	return errors.Join(errs...)
}

// prepareInput resizes img to size x size and lays it out as planar RGB in [0, 1]
func prepareInput(img image.Image, size int) []float32 {
	resized := resize.Resize(uint(size), uint(size), img, resize.Lanczos3)
	input := make([]float32, size*size*3)
	plane := size * size

	idx := 0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := resized.At(x, y).RGBA()
			input[idx] = float32(r>>8) / 255.0
			input[idx+plane] = float32(g>>8) / 255.0
			input[idx+2*plane] = float32(b>>8) / 255.0
			idx++
		}
	}
	return input
}

// processOutput decodes a [1, 4+classes, anchors] tensor into boxes scaled to the
// frame, then applies per-frame non-maximum suppression
func processOutput(output []float32, anchors int, cfg YOLOConfig, imgWidth, imgHeight float64) []models.Detection {
	var boxes []models.Detection
	scaleX := imgWidth / float64(cfg.ImageSize)
	scaleY := imgHeight / float64(cfg.ImageSize)

	for i := 0; i < anchors; i++ {
		classID, prob := 0, float32(0)
		for j := range cfg.Classes {
			if curr := output[anchors*(j+4)+i]; curr > prob {
				prob = curr
				classID = j
			}
		}
		if prob < cfg.ConfThreshold {
			continue
		}

		xc := float64(output[i])
		yc := float64(output[anchors+i])
		w := float64(output[2*anchors+i])
		h := float64(output[3*anchors+i])

		boxes = append(boxes, models.Detection{
			Label:      cfg.Classes[classID],
			Confidence: float64(prob),
			Box: geometry.NewBox(
				clamp((xc-w/2)*scaleX, imgWidth),
				clamp((yc-h/2)*scaleY, imgHeight),
				clamp((xc+w/2)*scaleX, imgWidth),
				clamp((yc+h/2)*scaleY, imgHeight),
			),
		})
	}

	return nms(boxes, cfg.NMSThreshold)
}

func nms(boxes []models.Detection, threshold float64) []models.Detection {
	sort.SliceStable(boxes, func(i, j int) bool {
		return boxes[i].Confidence > boxes[j].Confidence
	})

	var kept []models.Detection
	removed := make([]bool, len(boxes))
	for i := range boxes {
		if removed[i] {
			continue
		}
		kept = append(kept, boxes[i])
		for j := i + 1; j < len(boxes); j++ {
			if !removed[j] && geometry.IoU(boxes[i].Box, boxes[j].Box) > threshold {
				removed[j] = true
			}
		}
	}
	return kept
}

func clamp(v, hi float64) float64 {
	return max(0, min(hi, v))
}
