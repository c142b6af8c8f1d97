package browser

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // register PNG decoder for chromedp captures

	"golang.org/x/image/draw"
)

// Screenshot output limits. Captures beyond these are resized and
// re-encoded before they reach the model.
const (
	ScreenshotMaxSide  = 2000
	ScreenshotMaxBytes = 5 * 1024 * 1024
)

// Screenshot is a normalized capture ready for base64 embedding.
type Screenshot struct {
	Buffer      []byte
	ContentType string
	Width       int
	Height      int
	Resized     bool
}

// NormalizeScreenshot fits a raw capture within the side and byte limits,
// walking a size/quality grid until one combination is small enough.
// Captures already within limits pass through untouched.
func NormalizeScreenshot(data []byte) (*Screenshot, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if len(data) <= ScreenshotMaxBytes && width <= ScreenshotMaxSide && height <= ScreenshotMaxSide {
		return &Screenshot{
			Buffer:      data,
			ContentType: "image/" + format,
			Width:       width,
			Height:      height,
		}, nil
	}

	maxDim := width
	if height > maxDim {
		maxDim = height
	}
	sides := sideGrid(maxDim)
	qualities := []int{85, 75, 65, 55, 45, 35}

	var smallest int
	for _, side := range sides {
		for _, quality := range qualities {
			shot, err := resizeAndEncode(img, side, quality)
			if err != nil {
				continue
			}
			if smallest == 0 || len(shot.Buffer) < smallest {
				smallest = len(shot.Buffer)
			}
			if len(shot.Buffer) <= ScreenshotMaxBytes {
				shot.Resized = true
				return shot, nil
			}
		}
	}

	return nil, fmt.Errorf("screenshot could not be reduced below %d MB (got %.2f MB)",
		ScreenshotMaxBytes/(1024*1024), float64(smallest)/(1024*1024))
}

func resizeAndEncode(img image.Image, maxSide, quality int) (*Screenshot, error) {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	newWidth, newHeight := width, height
	if width > maxSide || height > maxSide {
		if width > height {
			newWidth = maxSide
			newHeight = height * maxSide / width
		} else {
			newHeight = maxSide
			newWidth = width * maxSide / height
		}
	}

	resized := img
	if newWidth != width || newHeight != height {
		dst := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
		draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
		resized = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, resized, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return &Screenshot{
		Buffer:      buf.Bytes(),
		ContentType: "image/jpeg",
		Width:       newWidth,
		Height:      newHeight,
	}, nil
}

// sideGrid returns descending candidate side lengths capped at the limit.
func sideGrid(maxDim int) []int {
	candidates := []int{ScreenshotMaxSide, 1800, 1600, 1400, 1200, 1000, 800}
	var grid []int
	for _, side := range candidates {
		if side > maxDim {
			continue
		}
		grid = append(grid, side)
	}
	if len(grid) == 0 {
		grid = []int{maxDim}
	}
	return grid
}
