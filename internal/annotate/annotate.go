package annotate

import (
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"os"

	"github.com/fogleman/gg"

	"github.com/bdougie/visiondetect/internal/models"
)

const lineWidth = 2

// Annotate draws a rectangle and a "label confidence" caption for every detection,
// directly into img. Pixels outside the strokes and captions are left alone.
func Annotate(img *image.RGBA, detections []models.Detection) {
	if len(detections) == 0 {
		return
	}
	dc := gg.NewContextForRGBA(img)
	dc.SetRGB255(0, 0, 255)
	dc.SetLineWidth(lineWidth)
	for _, d := range detections {
		x1, y1, x2, y2 := d.Box.Ints()
		dc.DrawRectangle(float64(x1), float64(y1), float64(x2-x1), float64(y2-y1))
		dc.Stroke()
		dc.DrawString(Caption(d), float64(x1), float64(y1))
	}
}

// Caption is the text burned above a detection box
func Caption(d models.Detection) string {
	return fmt.Sprintf("%s %.2f", d.Label, d.Confidence)
}

// AnnotateFile loads the frame at path, draws the detections and overwrites the file.
// An empty detection list leaves the file untouched.
func AnnotateFile(path string, detections []models.Detection) error {
	if len(detections) == 0 {
		return nil
	}
	img, err := LoadFrame(path)
	if err != nil {
		return err
	}
	Annotate(img, detections)
	return SaveFrame(path, img)
}

// LoadFrame decodes a PNG or JPEG frame into an RGBA buffer
func LoadFrame(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open frame '%s': %w", path, err)
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame '%s': %w", path, err)
	}
	if rgba, ok := src.(*image.RGBA); ok {
		return rgba, nil
	}
	b := src.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), src, b.Min, draw.Src)
	return rgba, nil
}

// SaveFrame writes img to path as PNG, replacing any existing file
func SaveFrame(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create frame '%s': %w", path, err)
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode frame '%s': %w", path, err)
	}
	return f.Close()
}
