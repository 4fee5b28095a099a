package frame

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-va/metadata"
)

func TestNewAllocatesPlanes(t *testing.T) {
	tests := []struct {
		format  PixelFormat
		planes  int
		stride0 int
	}{
		{FormatGray8, 1, 10},
		{FormatBGR24, 1, 30},
		{FormatBGRA, 1, 40},
		{FormatRGBPlanar, 3, 10},
		{FormatYUV420P, 3, 10},
	}
	for _, tt := range tests {
		t.Run(tt.format.String(), func(t *testing.T) {
			f, err := New(10, 8, tt.format)
			require.NoError(t, err)
			assert.Equal(t, tt.stride0, f.Strides[0])
			for i := 0; i < tt.planes; i++ {
				assert.NotEmpty(t, f.Planes[i], "plane %d", i)
			}
			for i := tt.planes; i < len(f.Planes); i++ {
				assert.Nil(t, f.Planes[i], "plane %d", i)
			}
		})
	}
}

func TestNewRejectsBadDimensions(t *testing.T) {
	_, err := New(0, 10, FormatBGR24)
	assert.Error(t, err)
	_, err = New(10, -1, FormatBGR24)
	assert.Error(t, err)
}

func TestFromImageToImageRoundTrip(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 4, 2))
	src.SetRGBA(1, 0, color.RGBA{R: 200, G: 100, B: 50, A: 255})

	f, err := FromImage(src)
	require.NoError(t, err)
	assert.Equal(t, FormatBGR24, f.Format)
	// BGR order in the plane
	assert.Equal(t, byte(50), f.Planes[0][3*1])
	assert.Equal(t, byte(100), f.Planes[0][3*1+1])
	assert.Equal(t, byte(200), f.Planes[0][3*1+2])

	back, err := f.ToImage()
	require.NoError(t, err)
	r, g, b, _ := back.At(1, 0).RGBA()
	assert.Equal(t, uint32(200), r>>8)
	assert.Equal(t, uint32(100), g>>8)
	assert.Equal(t, uint32(50), b>>8)
}

func TestReleaseDropsMetadata(t *testing.T) {
	f, err := NewBGR24(4, 4)
	require.NoError(t, err)
	f.EnsureDetections().Append(&metadata.Detection{XMax: 1, YMax: 1})
	f.EnsureClassifications().Append(&metadata.Classification{Name: "age"})

	f.Release()
	assert.Nil(t, f.Detections)
	assert.Nil(t, f.Classifications)
	assert.NotNil(t, f.Planes[0], "pixel data survives release")
}

func TestEnsureListsAttachOnce(t *testing.T) {
	f, err := NewBGR24(4, 4)
	require.NoError(t, err)
	first := f.EnsureDetections()
	assert.Same(t, first, f.EnsureDetections())
}
