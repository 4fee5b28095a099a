package postproc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-va/dnn"
	"github.com/nvr-ai/go-va/metadata"
)

func detectionTensor(records ...[]float32) *dnn.TensorMeta {
	data := make([]float32, 0, len(records)*7)
	for _, r := range records {
		data = append(data, r...)
	}
	return &dnn.TensorMeta{
		LayerName: "detection_out",
		Dims:      []int{1, 1, len(records), 7},
		Precision: dnn.PrecisionFP32,
		Layout:    dnn.LayoutNCHW,
		Data:      data,
	}
}

func TestExtractBoundingBoxes(t *testing.T) {
	labels := metadata.NewLabelTable([]string{"background", "person", "face"})
	meta := detectionTensor(
		[]float32{0, 2, 0.9, 0.1, 0.1, 0.5, 0.5},
	)

	dets, err := ExtractBoundingBoxes(meta, 100, 100, DetectionParams{Threshold: 0.5}, labels)
	require.NoError(t, err, "extraction should succeed on a well-formed SSD tensor")
	require.Len(t, dets, 1)

	d := dets[0]
	assert.Equal(t, float32(10), d.XMin, "x_min should denormalize against the region width")
	assert.Equal(t, float32(10), d.YMin)
	assert.Equal(t, float32(50), d.XMax)
	assert.Equal(t, float32(50), d.YMax)
	assert.Equal(t, 2, d.LabelID)
	assert.Equal(t, "face", d.Label())
	assert.InDelta(t, 0.9, d.Confidence, 1e-6)
}

func TestExtractBoundingBoxesInvariants(t *testing.T) {
	meta := detectionTensor(
		[]float32{0, 1, 0.8, -0.2, -0.1, 1.3, 1.2}, // spills outside the region
		[]float32{0, 1, 0.7, 0.6, 0.6, 0.4, 0.4},   // inverted corners still clamp
	)
	dets, err := ExtractBoundingBoxes(meta, 64, 48, DetectionParams{Threshold: 0.1}, nil)
	require.NoError(t, err)
	require.Len(t, dets, 2)

	for i, d := range dets {
		assert.GreaterOrEqual(t, d.XMin, float32(0), "detection %d x_min", i)
		assert.GreaterOrEqual(t, d.YMin, float32(0), "detection %d y_min", i)
		assert.LessOrEqual(t, d.XMax, float32(64), "detection %d x_max", i)
		assert.LessOrEqual(t, d.YMax, float32(48), "detection %d y_max", i)
		assert.True(t, d.Confidence >= 0 && d.Confidence <= 1, "confidence in [0,1]")
	}
}

// Backends do not sort proposals by confidence: a sub-threshold record in
// the middle must not hide later records above the threshold.
func TestExtractBoundingBoxesUnsortedThreshold(t *testing.T) {
	meta := detectionTensor(
		[]float32{0, 1, 0.9, 0.1, 0.1, 0.2, 0.2},
		[]float32{0, 1, 0.2, 0.3, 0.3, 0.4, 0.4}, // below threshold
		[]float32{0, 1, 0.8, 0.5, 0.5, 0.6, 0.6},
	)
	dets, err := ExtractBoundingBoxes(meta, 100, 100, DetectionParams{Threshold: 0.5}, nil)
	require.NoError(t, err)
	require.Len(t, dets, 2, "the record after the sub-threshold one must still be extracted")
	assert.InDelta(t, 0.9, dets[0].Confidence, 1e-6)
	assert.InDelta(t, 0.8, dets[1].Confidence, 1e-6)
}

func TestExtractBoundingBoxesEndSentinel(t *testing.T) {
	meta := detectionTensor(
		[]float32{0, 1, 0.9, 0.1, 0.1, 0.2, 0.2},
		[]float32{-1, 0, 0, 0, 0, 0, 0}, // end of list
		[]float32{0, 1, 0.9, 0.5, 0.5, 0.6, 0.6},
	)
	dets, err := ExtractBoundingBoxes(meta, 100, 100, DetectionParams{Threshold: 0.5}, nil)
	require.NoError(t, err)
	assert.Len(t, dets, 1, "a negative image_id ends the scan")
}

func TestExtractBoundingBoxesMaxResults(t *testing.T) {
	meta := detectionTensor(
		[]float32{0, 1, 0.9, 0.1, 0.1, 0.2, 0.2},
		[]float32{0, 1, 0.8, 0.3, 0.3, 0.4, 0.4},
		[]float32{0, 1, 0.7, 0.5, 0.5, 0.6, 0.6},
	)
	dets, err := ExtractBoundingBoxes(meta, 100, 100, DetectionParams{Threshold: 0.1, MaxResults: 2}, nil)
	require.NoError(t, err)
	assert.Len(t, dets, 2)
}

func TestExtractBoundingBoxesRejectsNonSSD(t *testing.T) {
	meta := &dnn.TensorMeta{
		Dims: []int{1, 1, 2, 5},
		Data: make([]float32, 10),
	}
	_, err := ExtractBoundingBoxes(meta, 100, 100, DetectionParams{}, nil)
	assert.Error(t, err, "object size other than 7 is not an SSD DetectionOutput")
}
