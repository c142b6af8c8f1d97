package browser

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
)

// testPNG renders a PNG with varied pixel noise so JPEG re-encoding sees
// realistic compression behavior.
func testPNG(width, height int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x * 17) % 256),
				G: uint8((y * 13) % 256),
				B: uint8(((x + y) * 7) % 256),
				A: 255,
			})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

func TestNormalizeScreenshotPassthrough(t *testing.T) {
	data := testPNG(100, 80)

	shot, err := NormalizeScreenshot(data)
	if err != nil {
		t.Fatalf("NormalizeScreenshot() error = %v", err)
	}
	if shot.Resized {
		t.Error("small capture should not be resized")
	}
	if shot.ContentType != "image/png" {
		t.Errorf("ContentType = %q, want image/png", shot.ContentType)
	}
	if shot.Width != 100 || shot.Height != 80 {
		t.Errorf("dimensions = %dx%d, want 100x80", shot.Width, shot.Height)
	}
	if !bytes.Equal(shot.Buffer, data) {
		t.Error("passthrough capture was modified")
	}
}

func TestNormalizeScreenshotResizesWideCapture(t *testing.T) {
	data := testPNG(3000, 1500)

	shot, err := NormalizeScreenshot(data)
	if err != nil {
		t.Fatalf("NormalizeScreenshot() error = %v", err)
	}
	if !shot.Resized {
		t.Error("oversized capture should be resized")
	}
	if shot.Width > ScreenshotMaxSide || shot.Height > ScreenshotMaxSide {
		t.Errorf("dimensions = %dx%d exceed limit", shot.Width, shot.Height)
	}
	if shot.ContentType != "image/jpeg" {
		t.Errorf("ContentType = %q, want image/jpeg", shot.ContentType)
	}
	if len(shot.Buffer) > ScreenshotMaxBytes {
		t.Errorf("buffer = %d bytes exceeds limit", len(shot.Buffer))
	}
	// Aspect ratio preserved: 3000x1500 scales to 2000x1000.
	if shot.Width != 2000 || shot.Height != 1000 {
		t.Errorf("dimensions = %dx%d, want 2000x1000", shot.Width, shot.Height)
	}
}

func TestNormalizeScreenshotTallCapture(t *testing.T) {
	data := testPNG(1000, 4000)

	shot, err := NormalizeScreenshot(data)
	if err != nil {
		t.Fatalf("NormalizeScreenshot() error = %v", err)
	}
	if shot.Height != 2000 || shot.Width != 500 {
		t.Errorf("dimensions = %dx%d, want 500x2000", shot.Width, shot.Height)
	}
}

func TestNormalizeScreenshotRejectsGarbage(t *testing.T) {
	if _, err := NormalizeScreenshot([]byte("not an image")); err == nil {
		t.Error("expected decode error")
	}
}
