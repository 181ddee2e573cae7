package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bdougie/visiondetect/internal/models"
)

// FramePattern is the ffmpeg image sequence pattern used for extracted frames.
// Numbering starts at 1.
const FramePattern = "frame%06d.png"

// DefaultFrameRate is the encode rate used when none is configured
const DefaultFrameRate = 30

// ErrNoFrames is returned when asked to encode an empty frame sequence
var ErrNoFrames = errors.New("no frames to encode")

// ToolError reports a failed ffmpeg invocation together with its output
type ToolError struct {
	Tool   string
	Args   []string
	Output string
	Err    error
}

func (e *ToolError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
	}
	// ffmpeg prints its banner first; the cause is at the end
	if len(out) > 2048 {
		out = "..." + out[len(out)-2048:]
	}
	return fmt.Sprintf("%s failed: %v\nOutput: %s", e.Tool, e.Err, out)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// FFmpeg decodes videos into numbered frames and encodes frames back into video
type FFmpeg struct {
	Binary string
	Logger *slog.Logger
}

// NewFFmpeg returns an adapter that runs the given ffmpeg binary ("ffmpeg" if empty)
func NewFFmpeg(binary string, logger *slog.Logger) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FFmpeg{Binary: binary, Logger: logger}
}

// ExtractArgs returns the ffmpeg arguments that write every frame of videoPath into frameDir
func ExtractArgs(videoPath, frameDir string) []string {
	return []string{
		"-hide_banner",
		"-y",
		"-i", videoPath,
		"-vf", `select=not(mod(n\,1))`,
		"-vsync", "vfr",
		filepath.Join(frameDir, FramePattern),
	}
}

// EncodeArgs returns the ffmpeg arguments that encode the frames in frameDir at fps
func EncodeArgs(frameDir, outputPath string, fps int) []string {
	rate := strconv.Itoa(fps)
	return []string{
		"-hide_banner",
		"-y",
		"-framerate", rate,
		"-start_number", "1",
		"-i", filepath.Join(frameDir, FramePattern),
		"-c:v", "libx264",
		"-r", rate,
		"-pix_fmt", "yuv420p",
		outputPath,
	}
}

// Extract writes every frame of videoPath into frameDir and returns them in order
func (f *FFmpeg) Extract(ctx context.Context, videoPath, frameDir string) ([]models.Frame, error) {
	// Check if video file exists
	if _, err := os.Stat(videoPath); err != nil {
		return nil, fmt.Errorf("video file does not exist at path: '%s': %w", videoPath, err)
	}

	if err := os.MkdirAll(frameDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create frame directory '%s': %w", frameDir, err)
	}

	f.Logger.Info("Extracting frames", "video", videoPath, "dir", frameDir)
	if err := f.run(ctx, ExtractArgs(videoPath, frameDir)); err != nil {
		return nil, err
	}

	frames, err := ListFrames(frameDir)
	if err != nil {
		return nil, err
	}
	f.Logger.Info("Extracted frames", "count", len(frames))
	return frames, nil
}

// Encode assembles frames, which must all live in one directory and follow
// FramePattern, into outputPath at fps frames per second
func (f *FFmpeg) Encode(ctx context.Context, frames []models.Frame, outputPath string, fps int) error {
	if len(frames) == 0 {
		return ErrNoFrames
	}
	if fps <= 0 {
		fps = DefaultFrameRate
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("failed to create output directory for '%s': %w", outputPath, err)
	}

	frameDir := filepath.Dir(frames[0].Path)
	f.Logger.Info("Encoding video", "frames", len(frames), "fps", fps, "output", outputPath)
	return f.run(ctx, EncodeArgs(frameDir, outputPath, fps))
}

func (f *FFmpeg) run(ctx context.Context, args []string) error {
	cmd := exec.CommandContext(ctx, f.Binary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &ToolError{Tool: f.Binary, Args: args, Output: string(output), Err: err}
	}
	return nil
}

// ListFrames returns the frames in dir named after FramePattern, in ascending order.
// The sequence must start at 1 and have no gaps.
func ListFrames(dir string) ([]models.Frame, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frames directory '%s': %w", dir, err)
	}

	var numbers []int
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		if n, ok := frameNumber(file.Name()); ok {
			numbers = append(numbers, n)
		}
	}
	sort.Ints(numbers)

	frames := make([]models.Frame, 0, len(numbers))
	for i, n := range numbers {
		if n != i+1 {
			return nil, fmt.Errorf("frame sequence in '%s' has a gap: expected frame %d, found %d", dir, i+1, n)
		}
		frames = append(frames, models.Frame{
			Index: i,
			Path:  filepath.Join(dir, FrameName(n)),
		})
	}
	return frames, nil
}

// FrameName returns the file name of the n-th frame (1-based)
func FrameName(n int) string {
	return fmt.Sprintf(FramePattern, n)
}

func frameNumber(name string) (int, bool) {
	var n int
	if _, err := fmt.Sscanf(name, FramePattern, &n); err != nil {
		return 0, false
	}
	if n < 1 || name != FrameName(n) {
		return 0, false
	}
	return n, true
}
