// Package modelproc - model-proc documents: the JSON file that tells a
// stage how to feed a model and how to read its outputs.
package modelproc

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-va/frame"
	"github.com/nvr-ai/go-va/metadata"
)

// MaxOutputs caps the output_postproc array length.
const MaxOutputs = 4

// InputPreproc tells a stage how to prepare frames for the model input.
type InputPreproc struct {
	// ColorFormat is the pixel format the model expects. BGR24 when the
	// document does not say.
	ColorFormat frame.PixelFormat
	// ObjectClass restricts a classify stage to detections with this label.
	ObjectClass string
	LayerName   string
}

// OutputPostproc tells a stage how to convert one output layer into
// classifications.
type OutputPostproc struct {
	LayerName     string
	Converter     string
	Method        string
	AttributeName string
	Threshold     float64
	// TensorToTextScale multiplies the raw value for tensor2text output;
	// 0 is treated as 1.0.
	TensorToTextScale     float64
	TensorToTextPrecision int
	Labels                *metadata.LabelTable
}

// Document is one parsed model-proc file.
type Document struct {
	Preproc   InputPreproc
	Postprocs []OutputPostproc
}

// FindByLayer returns the postproc entry for the layer, or nil when the
// document has none (the raw converter applies then).
func (d *Document) FindByLayer(name string) *OutputPostproc {
	if d == nil {
		return nil
	}
	for i := range d.Postprocs {
		if d.Postprocs[i].LayerName == name {
			return &d.Postprocs[i]
		}
	}
	return nil
}

// Default returns a document with no postprocs and the BGR24 input format
// the converters can actually produce.
func Default() *Document {
	return &Document{Preproc: InputPreproc{ColorFormat: frame.FormatBGR24}}
}

type wirePreproc struct {
	ColorFormat string `json:"color_format"`
	ObjectClass string `json:"object_class"`
	LayerName   string `json:"layer_name"`
}

type wirePostproc struct {
	LayerName             string   `json:"layer_name"`
	Converter             string   `json:"converter"`
	Method                string   `json:"method"`
	AttributeName         string   `json:"attribute_name"`
	Threshold             float64  `json:"threshold"`
	TensorToTextScale     float64  `json:"tensor_to_text_scale"`
	TensorToTextPrecision int      `json:"tensor_to_text_precision"`
	Labels                []string `json:"labels"`
}

type wireDoc struct {
	InputPreproc   []wirePreproc  `json:"input_preproc"`
	OutputPostproc []wirePostproc `json:"output_postproc"`
}

// Parse decodes a model-proc document. Only the first input_preproc entry
// is honored; multiple inputs are not supported.
func Parse(data []byte) (*Document, error) {
	var w wireDoc
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.Wrap(err, "modelproc: parse")
	}
	if len(w.InputPreproc) > 1 {
		return nil, errors.Errorf("modelproc: %d input_preproc entries, multiple inputs not supported", len(w.InputPreproc))
	}
	if len(w.OutputPostproc) > MaxOutputs {
		return nil, errors.Errorf("modelproc: %d output_postproc entries, max %d", len(w.OutputPostproc), MaxOutputs)
	}

	doc := Default()
	if len(w.InputPreproc) == 1 {
		p := w.InputPreproc[0]
		switch p.ColorFormat {
		case "", "BGR":
			doc.Preproc.ColorFormat = frame.FormatBGR24
		case "RGB":
			doc.Preproc.ColorFormat = frame.FormatRGB24
		default:
			return nil, errors.Errorf("modelproc: unknown color_format %q", p.ColorFormat)
		}
		doc.Preproc.ObjectClass = p.ObjectClass
		doc.Preproc.LayerName = p.LayerName
	}
	for _, p := range w.OutputPostproc {
		out := OutputPostproc{
			LayerName:             p.LayerName,
			Converter:             p.Converter,
			Method:                p.Method,
			AttributeName:         p.AttributeName,
			Threshold:             p.Threshold,
			TensorToTextScale:     p.TensorToTextScale,
			TensorToTextPrecision: p.TensorToTextPrecision,
		}
		if len(p.Labels) > 0 {
			out.Labels = metadata.NewLabelTable(p.Labels)
		}
		doc.Postprocs = append(doc.Postprocs, out)
	}
	return doc, nil
}

// Load reads and parses a model-proc file. Failures here are configuration
// errors: the caller refuses to start.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "modelproc: read %s", path)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "modelproc: %s", path)
	}
	return doc, nil
}
