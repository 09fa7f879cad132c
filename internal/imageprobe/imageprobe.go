// Package imageprobe implements the PreToolUse file-read image-dimension
// probe (§4.2): a cheap bounds check that denies reading an oversized image
// before its pixels ever enter the agent's context, since an over-large
// image causes a fatal API error (§4.5's image_too_large pattern) rather
// than a recoverable tool failure.
package imageprobe

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// MaxDimension is the largest pixel extent, on either axis, a session is
// allowed to read without resizing first.
const MaxDimension = 2000

var imageExt = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true,
	".heic": true, ".heif": true, ".webp": true, ".bmp": true, ".tiff": true,
}

// IsImagePath reports whether path names a file the probe should inspect.
func IsImagePath(path string) bool {
	return imageExt[strings.ToLower(filepath.Ext(path))]
}

// Check decodes the whole image via imaging.Open (acceptable here because
// the probe runs once per PreToolUse call, not per byte streamed to the
// agent), reads its bounds, and returns a
// denial message when either axis exceeds MaxDimension. A nil return means
// the read may proceed.
func Check(path string) error {
	if !IsImagePath(path) {
		return nil
	}
	img, err := imaging.Open(path)
	if err != nil {
		// Decode failure is the downstream tool's problem, not the probe's to
		// deny on — let the read proceed and fail naturally if corrupt.
		return nil
	}
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w > MaxDimension || h > MaxDimension {
		return fmt.Errorf("image %s is %dx%d, exceeds the %d px limit on each axis — resize it before reading (e.g. with the image tool) and try again", filepath.Base(path), w, h, MaxDimension)
	}
	return nil
}
