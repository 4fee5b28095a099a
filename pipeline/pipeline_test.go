package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-va/dnn"
	"github.com/nvr-ai/go-va/executors/executortest"
	"github.com/nvr-ai/go-va/frame"
	"github.com/nvr-ai/go-va/inference"
	"github.com/nvr-ai/go-va/metadata"
	"github.com/nvr-ai/go-va/modelproc"
)

// detectorFake scripts an SSD DetectionOutput model: a 64x64 image input
// and one [1,1,N,7] output holding the given records.
func detectorFake(records ...[]float32) *executortest.Fake {
	data := make([]float32, 0, len(records)*7)
	for _, r := range records {
		data = append(data, r...)
	}
	dims := []int{1, 1, len(records), 7}
	return &executortest.Fake{Proto: executortest.Model{
		Input: &dnn.ModelInfo{Tensors: []dnn.TensorInfo{{
			LayerName: "data",
			Dims:      []int{1, 3, 64, 64},
		}}},
		Output: &dnn.ModelInfo{Tensors: []dnn.TensorInfo{{
			LayerName: "detection_out",
			Dims:      dims,
			Precision: dnn.PrecisionFP32,
			Layout:    dnn.LayoutNCHW,
		}}},
		Outputs: map[int]*dnn.IOData{0: executortest.FloatIOData(dims, data)},
	}}
}

// classifierFake scripts a single-output classification model.
func classifierFake(layer string, scores []float32) *executortest.Fake {
	dims := []int{1, len(scores)}
	return &executortest.Fake{Proto: executortest.Model{
		Input: &dnn.ModelInfo{Tensors: []dnn.TensorInfo{{
			LayerName: "data",
			Dims:      []int{1, 3, 32, 32},
		}}},
		Output: &dnn.ModelInfo{Tensors: []dnn.TensorInfo{{
			LayerName: layer,
			Dims:      dims,
			Precision: dnn.PrecisionFP32,
			Layout:    dnn.LayoutNC,
		}}},
		Outputs: map[int]*dnn.IOData{0: executortest.FloatIOData(dims, scores)},
	}}
}

func newEngine(t *testing.T, fake *executortest.Fake, path string) *inference.Engine {
	t.Helper()
	params := inference.DefaultParams()
	params.ModelPath = path
	e, err := inference.New(params, fake, nil)
	require.NoError(t, err)
	return e
}

func testDetector(t *testing.T, cfg DetectorConfig, records ...[]float32) *Detector {
	t.Helper()
	return NewDetector("detect", newEngine(t, detectorFake(records...), "det.onnx"), cfg, nil)
}

// funcStage adapts a function into a Stage for scheduling tests.
type funcStage struct {
	name string
	fn   func(ctx context.Context, f *frame.Frame) error
}

func (s *funcStage) Name() string { return s.name }
func (s *funcStage) Close() error { return nil }
func (s *funcStage) Process(ctx context.Context, f *frame.Frame) error {
	return s.fn(ctx, f)
}

func TestCascadeOrderingDetectionMajor(t *testing.T) {
	det := testDetector(t, DetectorConfig{Threshold: 0.5},
		[]float32{0, 1, 0.9, 0.1, 0.1, 0.5, 0.5},
		[]float32{0, 1, 0.8, 0.2, 0.2, 0.6, 0.6},
	)

	gender := ClassifyStage{
		Name:      "gender",
		Engine:    newEngine(t, classifierFake("gender_prob", []float32{0.2, 0.8}), "gender.onnx"),
		ModelName: "gender.onnx",
		Doc: &modelproc.Document{
			Preproc: modelproc.InputPreproc{ColorFormat: frame.FormatBGR24},
			Postprocs: []modelproc.OutputPostproc{{
				LayerName:     "gender_prob",
				Converter:     "attributes",
				Method:        "max",
				AttributeName: "gender",
				Labels:        metadata.NewLabelTable([]string{"female", "male"}),
			}},
		},
	}
	age := ClassifyStage{
		Name:      "age",
		Engine:    newEngine(t, classifierFake("age_conv", []float32{0.35}), "age.onnx"),
		ModelName: "age.onnx",
		Doc: &modelproc.Document{
			Preproc: modelproc.InputPreproc{ColorFormat: frame.FormatBGR24},
			Postprocs: []modelproc.OutputPostproc{{
				LayerName:         "age_conv",
				Converter:         "tensor2text",
				AttributeName:     "age",
				TensorToTextScale: 100,
			}},
		},
	}
	emotion := ClassifyStage{
		Name:      "emotion",
		Engine:    newEngine(t, classifierFake("em_prob", []float32{0.1, 0.7, 0.2}), "emotion.onnx"),
		ModelName: "emotion.onnx",
		Doc: &modelproc.Document{
			Preproc: modelproc.InputPreproc{ColorFormat: frame.FormatBGR24},
			Postprocs: []modelproc.OutputPostproc{{
				LayerName:     "em_prob",
				Converter:     "attributes",
				Method:        "max",
				AttributeName: "emotion",
				Labels:        metadata.NewLabelTable([]string{"neutral", "happy", "sad"}),
			}},
		},
	}

	var emitted []*frame.Frame
	pipe, err := New(Config{
		Stages: []Stage{det, NewClassifier("classify", []ClassifyStage{gender, age, emotion}, nil)},
		Emit: func(f *frame.Frame) error {
			emitted = append(emitted, f)
			return nil
		},
	}, nil)
	require.NoError(t, err)
	defer pipe.Close() //nolint:errcheck

	f, err := frame.NewBGR24(100, 100)
	require.NoError(t, err)
	require.NoError(t, pipe.Process(context.Background(), f))

	require.Len(t, emitted, 1)
	require.Equal(t, 2, f.Detections.Len())
	assert.Equal(t, 0, f.Detections.Items[0].ObjectID)
	assert.Equal(t, 1, f.Detections.Items[1].ObjectID)

	// all stages for detection 0 first, then all stages for detection 1
	require.Equal(t, 6, f.Classifications.Len())
	wantNames := []string{"gender", "age", "emotion", "gender", "age", "emotion"}
	wantDets := []int{0, 0, 0, 1, 1, 1}
	for i, c := range f.Classifications.Items {
		assert.Equal(t, wantNames[i], c.Name, "classification %d", i)
		assert.Equal(t, wantDets[i], c.DetectID, "classification %d", i)
	}
	assert.Equal(t, "male", f.Classifications.Items[0].Label())
	assert.InDelta(t, 35.0, f.Classifications.Items[1].Value, 1e-4)
}

func TestDetectorInterval(t *testing.T) {
	det := testDetector(t, DetectorConfig{Threshold: 0.5, Interval: 2},
		[]float32{0, 1, 0.9, 0.1, 0.1, 0.5, 0.5},
	)

	var withDets int
	pipe, err := New(Config{
		Stages: []Stage{det},
		Emit: func(f *frame.Frame) error {
			if f.Detections.Len() > 0 {
				withDets++
			}
			return nil
		},
	}, nil)
	require.NoError(t, err)
	defer pipe.Close() //nolint:errcheck

	for i := 0; i < 4; i++ {
		f, err := frame.NewBGR24(100, 100)
		require.NoError(t, err)
		f.PTS = int64(i)
		require.NoError(t, pipe.Process(context.Background(), f))
	}
	assert.Equal(t, 2, withDets, "with interval 2 every other frame is inferred")
}

func TestClassifierSkipsRegionOutsideFrame(t *testing.T) {
	stage := ClassifyStage{
		Name:      "gender",
		Engine:    newEngine(t, classifierFake("gender_prob", []float32{0.2, 0.8}), "gender.onnx"),
		ModelName: "gender.onnx",
		Doc: &modelproc.Document{
			Preproc: modelproc.InputPreproc{ColorFormat: frame.FormatBGR24},
			Postprocs: []modelproc.OutputPostproc{{
				LayerName:     "gender_prob",
				Converter:     "attributes",
				Method:        "max",
				AttributeName: "gender",
				Labels:        metadata.NewLabelTable([]string{"female", "male"}),
			}},
		},
	}
	c := NewClassifier("classify", []ClassifyStage{stage}, nil)

	f, err := frame.NewBGR24(100, 100)
	require.NoError(t, err)
	list := f.EnsureDetections()
	list.Append(&metadata.Detection{XMin: 150, YMin: 150, XMax: 200, YMax: 200, ObjectID: 0})
	list.Append(&metadata.Detection{XMin: 10, YMin: 10, XMax: 50, YMax: 50, ObjectID: 1})

	require.NoError(t, c.Process(context.Background(), f))

	require.Equal(t, 1, f.Classifications.Len(), "only the in-frame detection is classified")
	assert.Equal(t, 1, f.Classifications.Items[0].DetectID)
}

func TestClassifierObjectClassFilter(t *testing.T) {
	fake := classifierFake("gender_prob", []float32{0.2, 0.8})
	stage := ClassifyStage{
		Name:      "gender",
		Engine:    newEngine(t, fake, "gender.onnx"),
		ModelName: "gender.onnx",
		Doc: &modelproc.Document{
			Preproc: modelproc.InputPreproc{ColorFormat: frame.FormatBGR24, ObjectClass: "face"},
			Postprocs: []modelproc.OutputPostproc{{
				LayerName:     "gender_prob",
				Converter:     "attributes",
				Method:        "max",
				AttributeName: "gender",
				Labels:        metadata.NewLabelTable([]string{"female", "male"}),
			}},
		},
	}
	c := NewClassifier("classify", []ClassifyStage{stage}, nil)

	labels := metadata.NewLabelTable([]string{"background", "person", "face"})
	f, err := frame.NewBGR24(100, 100)
	require.NoError(t, err)
	list := f.EnsureDetections()
	list.Append(&metadata.Detection{XMin: 10, YMin: 10, XMax: 40, YMax: 40, LabelID: 1, Labels: labels})
	list.Append(&metadata.Detection{XMin: 50, YMin: 50, XMax: 80, YMax: 80, LabelID: 2, Labels: labels, ObjectID: 1})

	require.NoError(t, c.Process(context.Background(), f))

	require.Equal(t, 1, f.Classifications.Len(), "the person detection is filtered out")
	assert.Equal(t, 1, f.Classifications.Items[0].DetectID)
	assert.Equal(t, 1, fake.Loaded[0].InferCount, "filtered detections never reach the engine")
}

func TestClassifierLabelMismatchIsFatal(t *testing.T) {
	stage := ClassifyStage{
		Name:   "gender",
		Engine: newEngine(t, classifierFake("gender_prob", []float32{0.2, 0.8}), "gender.onnx"),
		Doc: &modelproc.Document{
			Preproc: modelproc.InputPreproc{ColorFormat: frame.FormatBGR24, ObjectClass: "face"},
		},
	}
	c := NewClassifier("classify", []ClassifyStage{stage}, nil)

	f, err := frame.NewBGR24(100, 100)
	require.NoError(t, err)
	// no label table on the detection while the stage filters by class
	f.EnsureDetections().Append(&metadata.Detection{XMin: 10, YMin: 10, XMax: 40, YMax: 40, LabelID: 3})

	err = c.Process(context.Background(), f)
	assert.True(t, errors.Is(err, ErrLabelMismatch))
}

func TestRecoverableErrorEmitsClearedFrame(t *testing.T) {
	attach := &funcStage{name: "attach", fn: func(_ context.Context, f *frame.Frame) error {
		f.EnsureDetections().Append(&metadata.Detection{XMax: 10, YMax: 10})
		return nil
	}}
	failing := &funcStage{name: "flaky", fn: func(context.Context, *frame.Frame) error {
		return &inference.InferenceError{Model: "m.onnx", Err: errors.New("device reset")}
	}}

	var emitted []*frame.Frame
	pipe, err := New(Config{
		Stages: []Stage{attach, failing},
		Emit: func(f *frame.Frame) error {
			emitted = append(emitted, f)
			return nil
		},
	}, nil)
	require.NoError(t, err)
	defer pipe.Close() //nolint:errcheck

	f, err := frame.NewBGR24(16, 16)
	require.NoError(t, err)
	require.NoError(t, pipe.Process(context.Background(), f), "per-frame failures do not stop the stream")

	require.Len(t, emitted, 1, "the frame survives with its metadata dropped")
	assert.Nil(t, emitted[0].Detections)
	assert.Nil(t, emitted[0].Classifications)
}

func TestConfigurationErrorStopsPipeline(t *testing.T) {
	broken := &funcStage{name: "broken", fn: func(context.Context, *frame.Frame) error {
		return errors.New("bad model-proc")
	}}
	pipe, err := New(Config{Stages: []Stage{broken}}, nil)
	require.NoError(t, err)
	defer pipe.Close() //nolint:errcheck

	f, err := frame.NewBGR24(16, 16)
	require.NoError(t, err)
	err = pipe.Process(context.Background(), f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `stage "broken"`)
}

func TestLoadBalancedEmitsInSubmissionOrder(t *testing.T) {
	const frames = 8
	// earlier frames take longer, so completion order is reversed
	slow := &funcStage{name: "slow", fn: func(_ context.Context, f *frame.Frame) error {
		time.Sleep(time.Duration(frames-f.PTS) * 2 * time.Millisecond)
		return nil
	}}

	var order []int64
	pipe, err := New(Config{
		Stages:  []Stage{slow},
		Mode:    LoadBalanced,
		Workers: 4,
		Emit: func(f *frame.Frame) error {
			order = append(order, f.PTS)
			return nil
		},
	}, nil)
	require.NoError(t, err)
	defer pipe.Close() //nolint:errcheck

	ctx := context.Background()
	for i := 0; i < frames; i++ {
		f, err := frame.NewBGR24(16, 16)
		require.NoError(t, err)
		f.PTS = int64(i)
		require.NoError(t, pipe.Process(ctx, f))
	}
	require.NoError(t, pipe.Drain(ctx))

	require.Len(t, order, frames)
	for i, pts := range order {
		assert.Equal(t, int64(i), pts, "emission restores submission order")
	}
}

func TestLoadBalancedFatalErrorSurfacesOnDrain(t *testing.T) {
	flaky := &funcStage{name: "flaky", fn: func(_ context.Context, f *frame.Frame) error {
		if f.PTS == 2 {
			return errors.New("bad configuration")
		}
		return nil
	}}
	pipe, err := New(Config{Stages: []Stage{flaky}, Mode: LoadBalanced, Workers: 2}, nil)
	require.NoError(t, err)
	defer pipe.Close() //nolint:errcheck

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		f, ferr := frame.NewBGR24(16, 16)
		require.NoError(t, ferr)
		f.PTS = int64(i)
		if perr := pipe.Process(ctx, f); perr != nil {
			// the fatal error may already be visible at admission
			assert.Contains(t, perr.Error(), "bad configuration")
			return
		}
	}
	err = pipe.Drain(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad configuration")
}

func TestNewRequiresStages(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.Error(t, err)
}
