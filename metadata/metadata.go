// Package metadata - typed inference results attached to frames: detections,
// classifications, shared label tables, and the emitted JSON event.
package metadata

import (
	"gorgonia.org/tensor"
)

// LabelTable is an immutable, ordered set of class labels. Tables are shared
// by pointer between stages and results; nobody mutates one after creation.
type LabelTable struct {
	labels []string
}

// NewLabelTable copies the given labels into a table.
func NewLabelTable(labels []string) *LabelTable {
	return &LabelTable{labels: append([]string(nil), labels...)}
}

// Len returns the label count.
func (t *LabelTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.labels)
}

// Label returns the label at id, or "" when the table is nil or id is out
// of range.
func (t *LabelTable) Label(id int) string {
	if t == nil || id < 0 || id >= len(t.labels) {
		return ""
	}
	return t.labels[id]
}

// Labels returns the backing slice. Callers must not modify it.
func (t *LabelTable) Labels() []string {
	if t == nil {
		return nil
	}
	return t.labels
}

// Detection is one detected region. Coordinates are pixels in the frame the
// detection was extracted against, with (XMin,YMin) the top-left corner.
type Detection struct {
	XMin       float32
	YMin       float32
	XMax       float32
	YMax       float32
	Confidence float32
	LabelID    int
	ObjectID   int
	Labels     *LabelTable
}

// Label resolves LabelID against the attached table.
func (d *Detection) Label() string { return d.Labels.Label(d.LabelID) }

// Classification is one secondary inference result. DetectID links it to the
// detection it was produced for; WholeFrame marks results computed on the
// full frame.
type Classification struct {
	DetectID     int
	Name         string
	LayerName    string
	Model        string
	ModelVersion int
	LabelID      int
	Confidence   float32
	Value        float32
	// Attributes holds the resolved label text for compound and index
	// converters, where a single label id cannot represent the result.
	Attributes string
	Labels     *LabelTable
	// Tensor is an owned copy of the raw output, set by the raw converter.
	// Face embeddings travel here.
	Tensor *tensor.Dense
}

// WholeFrame marks a classification computed on the full frame rather than
// a detected region.
const WholeFrame = -1

// Label resolves LabelID against the attached table.
func (c *Classification) Label() string { return c.Labels.Label(c.LabelID) }

// DetectionList is the ordered detections attached to one frame. Iteration
// order is insertion order.
type DetectionList struct {
	Items []*Detection
}

// Append adds a detection at the end.
func (l *DetectionList) Append(d *Detection) { l.Items = append(l.Items, d) }

// Len returns the detection count; safe on nil.
func (l *DetectionList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.Items)
}

// ClassificationList is the ordered classifications attached to one frame.
// Iteration order is insertion order, which fixes the key order of the
// emitted event objects.
type ClassificationList struct {
	Items []*Classification
}

// Append adds a classification at the end.
func (l *ClassificationList) Append(c *Classification) { l.Items = append(l.Items, c) }

// Len returns the classification count; safe on nil.
func (l *ClassificationList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.Items)
}

// ForDetection returns the classifications linked to the given detect id,
// in insertion order.
func (l *ClassificationList) ForDetection(detectID int) []*Classification {
	if l == nil {
		return nil
	}
	var out []*Classification
	for _, c := range l.Items {
		if c.DetectID == detectID {
			out = append(out, c)
		}
	}
	return out
}
