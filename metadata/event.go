package metadata

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// Event is one emitted metadata record for a frame that carried detections.
// Key order on the wire is fixed: timestamp, source, resolution, tag,
// objects.
type Event struct {
	Timestamp int64
	Source    string
	Width     int
	Height    int
	Tags      map[string]string
	Objects   []*Object
}

// Object groups one detection with the classifications linked to it, in
// cascade order.
type Object struct {
	Detection       *Detection
	Classifications []*Classification
}

// NewEvent assembles the event for one frame. Frames without detections
// produce no event (nil). Classifications are distributed to objects by
// detect id; whole-frame classifications are not serialized.
func NewEvent(
	timestamp int64,
	source string,
	width, height int,
	tags map[string]string,
	dets *DetectionList,
	cls *ClassificationList,
) *Event {
	if dets.Len() == 0 {
		return nil
	}
	ev := &Event{
		Timestamp: timestamp,
		Source:    source,
		Width:     width,
		Height:    height,
		Tags:      tags,
	}
	for i, d := range dets.Items {
		ev.Objects = append(ev.Objects, &Object{
			Detection:       d,
			Classifications: cls.ForDetection(i),
		})
	}
	return ev
}

type resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type modelRef struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

type boundingBox struct {
	XMin float32 `json:"x_min"`
	YMin float32 `json:"y_min"`
	XMax float32 `json:"x_max"`
	YMax float32 `json:"y_max"`
}

type detectionJSON struct {
	BoundingBox boundingBox `json:"bounding_box"`
	ObjectID    int         `json:"object_id"`
	Label       string      `json:"label"`
	LabelID     int         `json:"label_id"`
	Confidence  float32     `json:"confidence"`
	Model       modelRef    `json:"model"`
}

type labelClassJSON struct {
	Label      string   `json:"label"`
	LabelID    int      `json:"label_id"`
	Confidence float32  `json:"confidence"`
	Model      modelRef `json:"model"`
}

type valueClassJSON struct {
	Value      float32  `json:"value"`
	Confidence float32  `json:"confidence"`
	Model      modelRef `json:"model"`
}

func modelOf(name string, version int) modelRef {
	if version <= 0 {
		version = 1
	}
	return modelRef{Name: name, Version: version}
}

// MarshalJSON writes the event with fixed key order.
func (e *Event) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	writeField(&buf, "timestamp", e.Timestamp, false)
	writeField(&buf, "source", e.Source, false)
	writeField(&buf, "resolution", resolution{e.Width, e.Height}, false)
	if len(e.Tags) > 0 {
		writeField(&buf, "tag", e.Tags, false)
	}
	writeField(&buf, "objects", e.Objects, true)
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON writes the detection block first, then each classification as
// a sub-object keyed by its name, in insertion order. A map cannot carry
// that order, so the object is assembled by hand.
func (o *Object) MarshalJSON() ([]byte, error) {
	d := o.Detection
	if d == nil {
		return nil, errors.New("metadata: object without detection")
	}
	// Raw tensor results without a resolved label or value are in-process
	// only (embeddings feeding the matcher); they never hit the wire.
	cls := make([]*Classification, 0, len(o.Classifications))
	for _, c := range o.Classifications {
		if c.Tensor != nil && c.Labels == nil && c.Attributes == "" {
			continue
		}
		cls = append(cls, c)
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	dj := detectionJSON{
		BoundingBox: boundingBox{d.XMin, d.YMin, d.XMax, d.YMax},
		ObjectID:    d.ObjectID,
		Label:       d.Label(),
		LabelID:     d.LabelID,
		Confidence:  d.Confidence,
		Model:       modelOf("", 0),
	}
	writeField(&buf, "detection", dj, len(cls) == 0)
	for i, c := range cls {
		last := i == len(cls)-1
		if c.Labels != nil || c.Attributes != "" {
			label := c.Attributes
			if label == "" {
				label = c.Label()
			}
			writeField(&buf, c.Name, labelClassJSON{
				Label:      label,
				LabelID:    c.LabelID,
				Confidence: c.Confidence,
				Model:      modelOf(c.Model, c.ModelVersion),
			}, last)
			continue
		}
		writeField(&buf, c.Name, valueClassJSON{
			Value:      c.Value,
			Confidence: c.Confidence,
			Model:      modelOf(c.Model, c.ModelVersion),
		}, last)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func writeField(buf *bytes.Buffer, key string, v interface{}, last bool) {
	k, _ := json.Marshal(key)
	buf.Write(k)
	buf.WriteByte(':')
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte("null")
	}
	buf.Write(b)
	if !last {
		buf.WriteByte(',')
	}
}
