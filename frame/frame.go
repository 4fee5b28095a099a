// Package frame - video frames, pixel formats and attached inference
// metadata.
package frame

import (
	"image"
	"image/color"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-va/dnn"
	"github.com/nvr-ai/go-va/metadata"
)

// PixelFormat identifies the pixel layout of a frame.
type PixelFormat int

const (
	// FormatNone is the zero value; no frame carries it.
	FormatNone PixelFormat = iota
	// FormatGray8 is a single 8-bit luma plane.
	FormatGray8
	// FormatBGRA is packed 8-bit BGRA.
	FormatBGRA
	// FormatBGR0 is packed 8-bit BGR with an unused fourth byte.
	FormatBGR0
	// FormatBGR24 is packed 8-bit BGR.
	FormatBGR24
	// FormatRGB24 is packed 8-bit RGB.
	FormatRGB24
	// FormatRGBPlanar is 8-bit RGB split into three planes (GBR plane order
	// on the wire, exposed here as R, G, B planes 0..2).
	FormatRGBPlanar
	// FormatYUV420P is planar YUV 4:2:0; converter input only.
	FormatYUV420P
)

func (f PixelFormat) String() string {
	switch f {
	case FormatGray8:
		return "gray8"
	case FormatBGRA:
		return "bgra"
	case FormatBGR0:
		return "bgr0"
	case FormatBGR24:
		return "bgr24"
	case FormatRGB24:
		return "rgb24"
	case FormatRGBPlanar:
		return "rgbp"
	case FormatYUV420P:
		return "yuv420p"
	default:
		return "none"
	}
}

// PlaneCount returns how many planes the format uses.
func (f PixelFormat) PlaneCount() int {
	switch f {
	case FormatRGBPlanar, FormatYUV420P:
		return 3
	case FormatNone:
		return 0
	default:
		return 1
	}
}

// PixelStep returns the byte step between packed pixels, or 1 for planar
// formats.
func (f PixelFormat) PixelStep() int {
	switch f {
	case FormatBGRA, FormatBGR0:
		return 4
	case FormatBGR24, FormatRGB24:
		return 3
	default:
		return 1
	}
}

// Channels returns the channel count presented to a model.
func (f PixelFormat) Channels() int {
	switch f {
	case FormatGray8:
		return 1
	case FormatBGRA, FormatBGR0:
		return 4
	case FormatBGR24, FormatRGB24, FormatRGBPlanar, FormatYUV420P:
		return 3
	default:
		return 0
	}
}

// Frame is one video frame plus the inference metadata attached to it.
// Metadata lists are nil until a stage attaches them and travel with the
// frame until Release.
type Frame struct {
	Width  int
	Height int
	Format PixelFormat
	// Memory selects the converter backend: host buffers take the software
	// path, surface-backed frames the OpenCV path.
	Memory  dnn.MemoryType
	Planes  [dnn.MaxIOPlanes][]byte
	Strides [dnn.MaxIOPlanes]int

	// PTS is the presentation timestamp in 90kHz ticks.
	PTS    int64
	Source string

	Detections      *metadata.DetectionList
	Classifications *metadata.ClassificationList
}

// New allocates a host frame of the given format.
func New(width, height int, format PixelFormat) (*Frame, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("frame: invalid dimensions %dx%d", width, height)
	}
	f := &Frame{Width: width, Height: height, Format: format, Memory: dnn.MemoryHost}
	switch format {
	case FormatGray8:
		f.Strides[0] = width
		f.Planes[0] = make([]byte, width*height)
	case FormatBGRA, FormatBGR0, FormatBGR24, FormatRGB24:
		f.Strides[0] = width * format.PixelStep()
		f.Planes[0] = make([]byte, f.Strides[0]*height)
	case FormatRGBPlanar:
		for i := 0; i < 3; i++ {
			f.Strides[i] = width
			f.Planes[i] = make([]byte, width*height)
		}
	case FormatYUV420P:
		f.Strides[0] = width
		f.Planes[0] = make([]byte, width*height)
		cw, ch := (width+1)/2, (height+1)/2
		for i := 1; i < 3; i++ {
			f.Strides[i] = cw
			f.Planes[i] = make([]byte, cw*ch)
		}
	default:
		return nil, errors.Errorf("frame: cannot allocate format %s", format)
	}
	return f, nil
}

// NewBGR24 allocates a packed BGR frame.
func NewBGR24(width, height int) (*Frame, error) { return New(width, height, FormatBGR24) }

// NewGray8 allocates a single-plane luma frame.
func NewGray8(width, height int) (*Frame, error) { return New(width, height, FormatGray8) }

// NewRGBPlanar allocates a three-plane RGB frame.
func NewRGBPlanar(width, height int) (*Frame, error) { return New(width, height, FormatRGBPlanar) }

// Bounds returns the frame rectangle.
func (f *Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// Release drops the attached metadata. The pixel planes stay valid; the
// garbage collector reclaims them with the frame.
func (f *Frame) Release() {
	f.Detections = nil
	f.Classifications = nil
}

// EnsureDetections returns the detection list, attaching an empty one first
// when needed.
func (f *Frame) EnsureDetections() *metadata.DetectionList {
	if f.Detections == nil {
		f.Detections = &metadata.DetectionList{}
	}
	return f.Detections
}

// EnsureClassifications returns the classification list, attaching an empty
// one first when needed.
func (f *Frame) EnsureClassifications() *metadata.ClassificationList {
	if f.Classifications == nil {
		f.Classifications = &metadata.ClassificationList{}
	}
	return f.Classifications
}

// FromImage converts a decoded image into a packed BGR frame.
func FromImage(img image.Image) (*Frame, error) {
	b := img.Bounds()
	f, err := NewBGR24(b.Dx(), b.Dy())
	if err != nil {
		return nil, err
	}
	dst := f.Planes[0]
	for y := 0; y < f.Height; y++ {
		row := y * f.Strides[0]
		for x := 0; x < f.Width; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			dst[row+3*x+0] = byte(bl >> 8)
			dst[row+3*x+1] = byte(g >> 8)
			dst[row+3*x+2] = byte(r >> 8)
		}
	}
	return f, nil
}

// ToImage converts a packed BGR frame back into an image, for the CLI and
// tests.
func (f *Frame) ToImage() (image.Image, error) {
	if f.Format != FormatBGR24 {
		return nil, errors.Errorf("frame: ToImage needs bgr24, have %s", f.Format)
	}
	img := image.NewRGBA(f.Bounds())
	src := f.Planes[0]
	for y := 0; y < f.Height; y++ {
		row := y * f.Strides[0]
		for x := 0; x < f.Width; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: src[row+3*x+2],
				G: src[row+3*x+1],
				B: src[row+3*x+0],
				A: 0xff,
			})
		}
	}
	return img, nil
}
