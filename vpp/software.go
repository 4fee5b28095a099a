package vpp

import (
	"image"
	"image/draw"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-va/frame"
)

// Software converts host frames on the CPU. Cropping addresses plane
// offsets directly; scaling is bilinear, matching the hardware-free path of
// video pipelines.
type Software struct{}

// CropAndScale implements Converter.
func (Software) CropAndScale(
	f *frame.Frame,
	r *Rect,
	outW, outH int,
	outFormat frame.PixelFormat,
) (*frame.Frame, error) {
	if outW <= 0 || outH <= 0 {
		return nil, errors.Errorf("vpp: invalid output size %dx%d", outW, outH)
	}
	x, y, w, h, err := clampCrop(f, r)
	if err != nil {
		return nil, err
	}
	img, err := readRGBA(f, x, y, w, h)
	if err != nil {
		return nil, err
	}
	if w != outW || h != outH {
		scaled := resize.Resize(uint(outW), uint(outH), img, resize.Bilinear)
		img = toRGBA(scaled)
	}
	out, err := frame.New(outW, outH, outFormat)
	if err != nil {
		return nil, err
	}
	out.PTS, out.Source = f.PTS, f.Source
	if err := pack(out, img); err != nil {
		return nil, err
	}
	return out, nil
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}

// readRGBA copies the crop region into an RGBA working image.
func readRGBA(f *frame.Frame, x, y, w, h int) (*image.RGBA, error) {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	dst := img.Pix
	switch f.Format {
	case frame.FormatGray8:
		for row := 0; row < h; row++ {
			src := f.Planes[0][(y+row)*f.Strides[0]+x:]
			for col := 0; col < w; col++ {
				v := src[col]
				o := row*img.Stride + 4*col
				dst[o], dst[o+1], dst[o+2], dst[o+3] = v, v, v, 0xff
			}
		}
	case frame.FormatBGRA, frame.FormatBGR0:
		for row := 0; row < h; row++ {
			src := f.Planes[0][(y+row)*f.Strides[0]+4*x:]
			for col := 0; col < w; col++ {
				o := row*img.Stride + 4*col
				dst[o] = src[4*col+2]
				dst[o+1] = src[4*col+1]
				dst[o+2] = src[4*col]
				dst[o+3] = 0xff
			}
		}
	case frame.FormatBGR24:
		for row := 0; row < h; row++ {
			src := f.Planes[0][(y+row)*f.Strides[0]+3*x:]
			for col := 0; col < w; col++ {
				o := row*img.Stride + 4*col
				dst[o] = src[3*col+2]
				dst[o+1] = src[3*col+1]
				dst[o+2] = src[3*col]
				dst[o+3] = 0xff
			}
		}
	case frame.FormatRGB24:
		for row := 0; row < h; row++ {
			src := f.Planes[0][(y+row)*f.Strides[0]+3*x:]
			for col := 0; col < w; col++ {
				o := row*img.Stride + 4*col
				dst[o] = src[3*col]
				dst[o+1] = src[3*col+1]
				dst[o+2] = src[3*col+2]
				dst[o+3] = 0xff
			}
		}
	case frame.FormatRGBPlanar:
		for row := 0; row < h; row++ {
			off := (y+row)*f.Strides[0] + x
			for col := 0; col < w; col++ {
				o := row*img.Stride + 4*col
				dst[o] = f.Planes[0][off+col]
				dst[o+1] = f.Planes[1][off+col]
				dst[o+2] = f.Planes[2][off+col]
				dst[o+3] = 0xff
			}
		}
	case frame.FormatYUV420P:
		ycc := &image.YCbCr{
			Y:              f.Planes[0],
			Cb:             f.Planes[1],
			Cr:             f.Planes[2],
			YStride:        f.Strides[0],
			CStride:        f.Strides[1],
			SubsampleRatio: image.YCbCrSubsampleRatio420,
			Rect:           f.Bounds(),
		}
		draw.Draw(img, img.Bounds(), ycc, image.Pt(x, y), draw.Src)
	default:
		return nil, errors.Errorf("vpp: unsupported source format %s", f.Format)
	}
	return img, nil
}

// pack writes an RGBA working image into the output frame's format.
func pack(out *frame.Frame, img *image.RGBA) error {
	src := img.Pix
	switch out.Format {
	case frame.FormatGray8:
		for row := 0; row < out.Height; row++ {
			dst := out.Planes[0][row*out.Strides[0]:]
			for col := 0; col < out.Width; col++ {
				o := row*img.Stride + 4*col
				// BT.601 luma, same coefficients the YUV conversion uses.
				r, g, b := int(src[o]), int(src[o+1]), int(src[o+2])
				dst[col] = byte((19595*r + 38470*g + 7471*b + 1<<15) >> 16)
			}
		}
	case frame.FormatBGR24:
		for row := 0; row < out.Height; row++ {
			dst := out.Planes[0][row*out.Strides[0]:]
			for col := 0; col < out.Width; col++ {
				o := row*img.Stride + 4*col
				dst[3*col] = src[o+2]
				dst[3*col+1] = src[o+1]
				dst[3*col+2] = src[o]
			}
		}
	case frame.FormatRGB24:
		for row := 0; row < out.Height; row++ {
			dst := out.Planes[0][row*out.Strides[0]:]
			for col := 0; col < out.Width; col++ {
				o := row*img.Stride + 4*col
				dst[3*col] = src[o]
				dst[3*col+1] = src[o+1]
				dst[3*col+2] = src[o+2]
			}
		}
	case frame.FormatRGBPlanar:
		for row := 0; row < out.Height; row++ {
			off := row * out.Strides[0]
			for col := 0; col < out.Width; col++ {
				o := row*img.Stride + 4*col
				out.Planes[0][off+col] = src[o]
				out.Planes[1][off+col] = src[o+1]
				out.Planes[2][off+col] = src[o+2]
			}
		}
	default:
		return errors.Errorf("vpp: unsupported output format %s", out.Format)
	}
	return nil
}
