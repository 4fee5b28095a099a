package vpp

import (
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-va/frame"
)

// OpenCV converts frames through gocv mats. Surface-backed frames land
// here; the mat region/resize/convert chain mirrors what a hardware
// post-processor would do.
type OpenCV struct{}

// CropAndScale implements Converter.
func (OpenCV) CropAndScale(
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

	mat, err := matFromFrame(f)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	region := mat.Region(image.Rect(x, y, x+w, y+h))
	defer region.Close()

	scaled := gocv.NewMat()
	defer scaled.Close()
	gocv.Resize(region, &scaled, image.Pt(outW, outH), 0, 0, gocv.InterpolationLinear)

	return frameFromMat(&scaled, outFormat, f)
}

// matFromFrame loads the frame into a BGR (or gray) mat. Rows are copied
// out when the stride exceeds the packed width.
func matFromFrame(f *frame.Frame) (gocv.Mat, error) {
	switch f.Format {
	case frame.FormatGray8:
		return packedMat(f, gocv.MatTypeCV8UC1, 1)
	case frame.FormatBGR24:
		return packedMat(f, gocv.MatTypeCV8UC3, 3)
	case frame.FormatBGRA, frame.FormatBGR0:
		m, err := packedMat(f, gocv.MatTypeCV8UC4, 4)
		if err != nil {
			return m, err
		}
		defer m.Close()
		bgr := gocv.NewMat()
		gocv.CvtColor(m, &bgr, gocv.ColorBGRAToBGR)
		return bgr, nil
	case frame.FormatRGB24:
		m, err := packedMat(f, gocv.MatTypeCV8UC3, 3)
		if err != nil {
			return m, err
		}
		defer m.Close()
		bgr := gocv.NewMat()
		gocv.CvtColor(m, &bgr, gocv.ColorRGBToBGR)
		return bgr, nil
	case frame.FormatRGBPlanar:
		planes := make([]gocv.Mat, 3)
		// Merge as B,G,R channel order.
		for i, p := range []int{2, 1, 0} {
			data := contiguous(f.Planes[p], f.Strides[p], f.Width, f.Height, 1)
			m, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC1, data)
			if err != nil {
				return gocv.NewMat(), errors.Wrap(err, "vpp: plane mat")
			}
			planes[i] = m
		}
		defer func() {
			for i := range planes {
				planes[i].Close()
			}
		}()
		bgr := gocv.NewMat()
		gocv.Merge(planes, &bgr)
		return bgr, nil
	default:
		return gocv.NewMat(), errors.Errorf("vpp: unsupported source format %s", f.Format)
	}
}

func packedMat(f *frame.Frame, t gocv.MatType, step int) (gocv.Mat, error) {
	data := contiguous(f.Planes[0], f.Strides[0], f.Width, f.Height, step)
	m, err := gocv.NewMatFromBytes(f.Height, f.Width, t, data)
	if err != nil {
		return gocv.NewMat(), errors.Wrap(err, "vpp: frame mat")
	}
	return m, nil
}

func contiguous(plane []byte, stride, width, height, step int) []byte {
	packed := width * step
	if stride == packed {
		return plane[:packed*height]
	}
	out := make([]byte, packed*height)
	for row := 0; row < height; row++ {
		copy(out[row*packed:(row+1)*packed], plane[row*stride:row*stride+packed])
	}
	return out
}

// frameFromMat packs a BGR (or gray) mat into the requested output format.
func frameFromMat(m *gocv.Mat, outFormat frame.PixelFormat, src *frame.Frame) (*frame.Frame, error) {
	out, err := frame.New(m.Cols(), m.Rows(), outFormat)
	if err != nil {
		return nil, err
	}
	out.PTS, out.Source = src.PTS, src.Source

	switch outFormat {
	case frame.FormatBGR24:
		copy(out.Planes[0], m.ToBytes())
	case frame.FormatRGB24:
		rgb := gocv.NewMat()
		defer rgb.Close()
		gocv.CvtColor(*m, &rgb, gocv.ColorBGRToRGB)
		copy(out.Planes[0], rgb.ToBytes())
	case frame.FormatGray8:
		gray := gocv.NewMat()
		defer gray.Close()
		if m.Channels() == 1 {
			copy(out.Planes[0], m.ToBytes())
			break
		}
		gocv.CvtColor(*m, &gray, gocv.ColorBGRToGray)
		copy(out.Planes[0], gray.ToBytes())
	case frame.FormatRGBPlanar:
		rgb := gocv.NewMat()
		defer rgb.Close()
		gocv.CvtColor(*m, &rgb, gocv.ColorBGRToRGB)
		planes := gocv.Split(rgb)
		for i := range planes {
			copy(out.Planes[i], planes[i].ToBytes())
			planes[i].Close()
		}
	default:
		return nil, errors.Errorf("vpp: unsupported output format %s", outFormat)
	}
	return out, nil
}
