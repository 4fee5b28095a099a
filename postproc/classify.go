package postproc

import (
	"strings"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-va/dnn"
	"github.com/nvr-ai/go-va/metadata"
	"github.com/nvr-ai/go-va/modelproc"
)

// Converter names accepted in model-proc documents.
const (
	ConverterAttributes = "attributes"
	ConverterTensorText = "tensor2text"
)

// defaultCompoundThreshold applies when the document gives none.
const defaultCompoundThreshold = 0.5

// Apply converts one batch slice of an output tensor into a classification
// for the given detection. A nil proc entry copies the raw tensor instead,
// which is how embedding outputs reach the identify stage.
func Apply(
	proc *modelproc.OutputPostproc,
	meta *dnn.TensorMeta,
	batchIndex, batchSize, detectID int,
	modelName string,
) (*metadata.Classification, error) {
	n := meta.UnbatchedLen(batchSize)
	if n <= 0 || (batchIndex+1)*n > len(meta.Data) {
		return nil, errors.Errorf("postproc: batch slice %d/%d outside tensor of %d floats", batchIndex, batchSize, len(meta.Data))
	}
	data := meta.Data[batchIndex*n : (batchIndex+1)*n]

	c := &metadata.Classification{
		DetectID:  detectID,
		LayerName: meta.LayerName,
		Model:     modelName,
	}

	if proc == nil || proc.Converter == "" {
		return rawTensor(c, data)
	}
	switch proc.Converter {
	case ConverterAttributes:
		return attributesToText(c, proc, data)
	case ConverterTensorText:
		return tensorToText(c, proc, data)
	default:
		return nil, errors.Errorf("postproc: undefined converter %q", proc.Converter)
	}
}

func attributesToText(c *metadata.Classification, proc *modelproc.OutputPostproc, data []float32) (*metadata.Classification, error) {
	if len(data) == 0 {
		return nil, errors.New("postproc: empty output tensor")
	}
	c.Name = proc.AttributeName

	switch proc.Method {
	case "max":
		index, confidence := 0, data[0]
		for i := 1; i < len(data); i++ {
			if data[i] > confidence {
				index, confidence = i, data[i]
			}
		}
		c.LabelID = index
		c.Confidence = confidence
		c.Labels = proc.Labels

	case "compound":
		threshold := float32(defaultCompoundThreshold)
		if proc.Threshold != 0 {
			threshold = float32(proc.Threshold)
		}
		var attrs strings.Builder
		var confidence float32
		for i := 0; i < proc.Labels.Len() && i < len(data); i++ {
			if data[i] >= threshold {
				attrs.WriteString(proc.Labels.Label(i))
			}
			if data[i] > confidence {
				confidence = data[i]
			}
		}
		c.Attributes = attrs.String()
		c.Confidence = confidence

	case "index":
		var attrs strings.Builder
		for i := 0; i < proc.Labels.Len() && i < len(data); i++ {
			value := int(data[i])
			if value < 0 || value >= proc.Labels.Len() {
				break
			}
			attrs.WriteString(proc.Labels.Label(value))
		}
		c.Attributes = attrs.String()

	default:
		return nil, errors.Errorf("postproc: undefined attributes method %q", proc.Method)
	}
	return c, nil
}

func tensorToText(c *metadata.Classification, proc *modelproc.OutputPostproc, data []float32) (*metadata.Classification, error) {
	if len(data) == 0 {
		return nil, errors.New("postproc: empty output tensor")
	}
	scale := 1.0
	if proc.TensorToTextScale != 0 {
		scale = proc.TensorToTextScale
	}
	c.Name = proc.AttributeName
	c.Value = data[0] * float32(scale)
	return c, nil
}

// rawTensor copies the batch slice into an owned buffer; the result stays
// valid after the engine's next Infer.
func rawTensor(c *metadata.Classification, data []float32) (*metadata.Classification, error) {
	owned := make([]float32, len(data))
	copy(owned, data)
	c.Name = "default"
	c.Tensor = tensor.New(tensor.WithShape(len(owned)), tensor.WithBacking(owned))
	return c, nil
}
