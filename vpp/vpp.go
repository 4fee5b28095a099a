// Package vpp - frame preprocessing: crop, scale and pixel-format
// conversion in front of the inference engine.
package vpp

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-va/dnn"
	"github.com/nvr-ai/go-va/frame"
)

// ErrInvalidCrop reports a crop rectangle that clamps to nothing inside the
// frame. Callers skip the region and continue; the frame itself stays valid.
var ErrInvalidCrop = errors.New("vpp: crop rectangle outside frame")

// Rect is a crop rectangle given by two diagonal points in pixel
// coordinates.
type Rect struct {
	X0 float32
	Y0 float32
	X1 float32
	Y1 float32
}

// Converter crops, scales and converts frames into the format a model input
// expects. A nil rect means the whole frame.
type Converter interface {
	CropAndScale(f *frame.Frame, r *Rect, outW, outH int, outFormat frame.PixelFormat) (*frame.Frame, error)
}

// ForFrame picks the backend for a frame: surface-backed frames take the
// OpenCV path, host frames the software path.
func ForFrame(f *frame.Frame) Converter {
	if f.Memory == dnn.MemorySurface {
		return OpenCV{}
	}
	return Software{}
}

// Scale runs a whole-frame CropAndScale.
func Scale(c Converter, f *frame.Frame, outW, outH int, outFormat frame.PixelFormat) (*frame.Frame, error) {
	return c.CropAndScale(f, nil, outW, outH, outFormat)
}

// clampCrop rounds and clamps a crop rectangle against the frame bounds.
// The origin clamps to zero; a clamped origin outside the frame or a
// non-positive clamped extent is ErrInvalidCrop.
func clampCrop(f *frame.Frame, r *Rect) (x, y, w, h int, err error) {
	if r == nil {
		return 0, 0, f.Width, f.Height, nil
	}
	x = int(math32.Round(r.X0))
	y = int(math32.Round(r.Y0))
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	if x >= f.Width || y >= f.Height {
		return 0, 0, 0, 0, errors.Wrapf(ErrInvalidCrop, "origin (%d,%d) in %dx%d", x, y, f.Width, f.Height)
	}
	w = int(math32.Round(r.X1)) - x
	h = int(math32.Round(r.Y1)) - y
	if w > f.Width-x {
		w = f.Width - x
	}
	if h > f.Height-y {
		h = f.Height - y
	}
	if w <= 0 || h <= 0 {
		return 0, 0, 0, 0, errors.Wrapf(ErrInvalidCrop, "extent %dx%d", w, h)
	}
	return x, y, w, h, nil
}
