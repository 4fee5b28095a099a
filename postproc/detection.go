// Package postproc - converts raw output tensors into typed detections and
// classifications.
package postproc

import (
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-va/dnn"
	"github.com/nvr-ai/go-va/metadata"
)

// ssdObjectSize is the record width of SSD DetectionOutput layers:
// [image_id, label_id, confidence, x_min, y_min, x_max, y_max].
const ssdObjectSize = 7

// DetectionParams tunes bounding-box extraction.
type DetectionParams struct {
	// Threshold drops proposals below this confidence.
	Threshold float32
	// MaxResults caps the returned detections; 0 means no cap.
	MaxResults int
}

// ExtractBoundingBoxes reads an SSD detection tensor into pixel-space
// detections against a region of roiW x roiH.
//
// All proposals are scanned; sub-threshold records are skipped rather than
// treated as an end marker, since backends do not guarantee
// confidence-sorted output. A negative image_id is the end-of-list
// sentinel. Coordinates are denormalized, rounded and clamped to the
// region.
func ExtractBoundingBoxes(
	meta *dnn.TensorMeta,
	roiW, roiH int,
	p DetectionParams,
	labels *metadata.LabelTable,
) ([]*metadata.Detection, error) {
	objectSize := meta.ObjectSize()
	proposals := meta.ProposalCount()
	if objectSize != ssdObjectSize {
		return nil, errors.Errorf("postproc: output object size %d, want %d (SSD DetectionOutput)", objectSize, ssdObjectSize)
	}
	if len(meta.Data) < proposals*objectSize {
		return nil, errors.Errorf("postproc: tensor data %d floats, need %d", len(meta.Data), proposals*objectSize)
	}

	var out []*metadata.Detection
	for i := 0; i < proposals; i++ {
		rec := meta.Data[i*objectSize:]
		imageID := int(rec[0])
		if imageID != 0 {
			// single region per extraction; negative ids end the list
			break
		}
		confidence := rec[2]
		if confidence < p.Threshold {
			continue
		}

		d := &metadata.Detection{
			XMin:       clampCoord(rec[3], roiW),
			YMin:       clampCoord(rec[4], roiH),
			XMax:       clampCoord(rec[5], roiW),
			YMax:       clampCoord(rec[6], roiH),
			Confidence: confidence,
			LabelID:    int(rec[1]),
			Labels:     labels,
		}
		out = append(out, d)
		if p.MaxResults > 0 && len(out) >= p.MaxResults {
			break
		}
	}
	return out, nil
}

// clampCoord denormalizes one coordinate to pixels, rounds it, and clamps
// it into [0, extent].
func clampCoord(v float32, extent int) float32 {
	px := int(v*float32(extent) + 0.5)
	if px < 0 {
		px = 0
	}
	if px > extent {
		px = extent
	}
	return float32(px)
}
