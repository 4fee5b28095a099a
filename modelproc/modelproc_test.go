package modelproc

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-va/frame"
)

func TestParseFull(t *testing.T) {
	doc, err := Parse([]byte(`{
		"input_preproc": [
			{"color_format": "RGB", "object_class": "face", "layer_name": "data"}
		],
		"output_postproc": [
			{
				"layer_name": "prob",
				"converter": "attributes",
				"method": "max",
				"attribute_name": "gender",
				"labels": ["female", "male"]
			},
			{
				"layer_name": "age_conv",
				"converter": "tensor2text",
				"attribute_name": "age",
				"tensor_to_text_scale": 100,
				"tensor_to_text_precision": 1
			}
		]
	}`))
	require.NoError(t, err)

	assert.Equal(t, frame.FormatRGB24, doc.Preproc.ColorFormat)
	assert.Equal(t, "face", doc.Preproc.ObjectClass)
	assert.Equal(t, "data", doc.Preproc.LayerName)

	require.Len(t, doc.Postprocs, 2)
	gender := doc.FindByLayer("prob")
	require.NotNil(t, gender)
	assert.Equal(t, "max", gender.Method)
	assert.Equal(t, "gender", gender.AttributeName)
	require.NotNil(t, gender.Labels)
	assert.Equal(t, "male", gender.Labels.Label(1))

	age := doc.FindByLayer("age_conv")
	require.NotNil(t, age)
	assert.Equal(t, "tensor2text", age.Converter)
	assert.Equal(t, 100.0, age.TensorToTextScale)
	assert.Equal(t, 1, age.TensorToTextPrecision)
}

func TestParseColorFormatDefaultsToBGR(t *testing.T) {
	for _, raw := range []string{
		`{}`,
		`{"input_preproc": []}`,
		`{"input_preproc": [{"color_format": ""}]}`,
		`{"input_preproc": [{"color_format": "BGR"}]}`,
	} {
		doc, err := Parse([]byte(raw))
		require.NoError(t, err, raw)
		assert.Equal(t, frame.FormatBGR24, doc.Preproc.ColorFormat, raw)
	}
}

func TestParseRejectsUnknownColorFormat(t *testing.T) {
	_, err := Parse([]byte(`{"input_preproc": [{"color_format": "NV12"}]}`))
	assert.Error(t, err)
}

func TestParseRejectsMultipleInputs(t *testing.T) {
	_, err := Parse([]byte(`{"input_preproc": [{}, {}]}`))
	assert.Error(t, err)
}

func TestParseRejectsTooManyOutputs(t *testing.T) {
	_, err := Parse([]byte(`{"output_postproc": [{}, {}, {}, {}, {}]}`))
	assert.Error(t, err, "more than %d output entries must be rejected", MaxOutputs)
}

func TestFindByLayerMisses(t *testing.T) {
	doc := Default()
	assert.Nil(t, doc.FindByLayer("anything"), "no entry means the raw converter applies")
	var nilDoc *Document
	assert.Nil(t, nilDoc.FindByLayer("anything"))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestLoadLabelFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.txt")
	require.NoError(t, os.WriteFile(path, []byte("background, person ,face,\r\n"), 0o644))

	labels, err := LoadLabelFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, labels.Len())
	assert.Equal(t, "background", labels.Label(0))
	assert.Equal(t, "person", labels.Label(1), "tokens are trimmed")
	assert.Equal(t, "face", labels.Label(2))
}

func TestLoadLabelFileEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labels.txt")
	require.NoError(t, os.WriteFile(path, []byte("\n"), 0o644))

	_, err := LoadLabelFile(path)
	assert.Error(t, err)
}
