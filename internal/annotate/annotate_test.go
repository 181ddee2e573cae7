package annotate

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/bdougie/visiondetect/internal/geometry"
	"github.com/bdougie/visiondetect/internal/models"
	"github.com/stretchr/testify/require"
)

var white = color.RGBA{255, 255, 255, 255}

func blank(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, white)
		}
	}
	return img
}

func TestAnnotateDrawsBox(t *testing.T) {
	img := blank(100, 100)
	Annotate(img, []models.Detection{{
		Label:      "cat",
		Confidence: 0.9,
		Box:        geometry.NewBox(20, 30, 80, 90),
	}})

	require.NotEqual(t, white, img.RGBAAt(20, 60), "left edge")
	require.NotEqual(t, white, img.RGBAAt(50, 90), "bottom edge")
	require.Equal(t, white, img.RGBAAt(50, 60), "interior is not filled")
	require.Equal(t, white, img.RGBAAt(5, 95), "outside the box")
	require.Equal(t, white, img.RGBAAt(95, 5), "outside the caption")
}

func TestAnnotateEmptyIsNoop(t *testing.T) {
	img := blank(32, 32)
	before := append([]uint8(nil), img.Pix...)
	Annotate(img, nil)
	require.Equal(t, before, img.Pix)
}

func TestCaption(t *testing.T) {
	require.Equal(t, "cat 0.90", Caption(models.Detection{Label: "cat", Confidence: 0.9}))
	require.Equal(t, "person 0.12", Caption(models.Detection{Label: "person", Confidence: 0.1234}))
}

func TestAnnotateFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame000001.png")
	require.NoError(t, SaveFrame(path, blank(64, 64)))

	require.NoError(t, AnnotateFile(path, []models.Detection{{
		Label:      "dog",
		Confidence: 0.5,
		Box:        geometry.NewBox(10, 20, 40, 50),
	}}))

	img, err := LoadFrame(path)
	require.NoError(t, err)
	require.Equal(t, 64, img.Bounds().Dx())
	require.NotEqual(t, white, img.RGBAAt(10, 35))
	require.Equal(t, white, img.RGBAAt(60, 60))
}

func TestLoadFrameMissing(t *testing.T) {
	_, err := LoadFrame(filepath.Join(t.TempDir(), "nope.png"))
	require.Error(t, err)
}
