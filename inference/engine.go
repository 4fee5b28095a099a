// Package inference - the inference engine: model lifecycle, frame
// submission and typed result access over a backend executor.
package inference

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-va/dnn"
	"github.com/nvr-ai/go-va/executors"
	"github.com/nvr-ai/go-va/frame"
)

// ErrUnsupportedFormat reports a frame whose pixel format has no tensor
// mapping. The caller drops the frame from the stage and continues.
var ErrUnsupportedFormat = errors.New("inference: unsupported pixel format")

// InferenceError wraps a per-frame executor failure. Recoverable: the
// caller drops the frame and the stream continues.
type InferenceError struct {
	Model string
	Err   error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference: model %q: %v", e.Model, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// Preprocessor prepares one frame for one model input, typically a crop,
// scale and format conversion through vpp.
type Preprocessor interface {
	Process(e *Engine, inputIndex int, in *frame.Frame) (*frame.Frame, error)
}

// Params configures an engine. Use DefaultParams as the base; zero values
// for precision and layout fall back to U8/NCHW.
type Params struct {
	ModelPath    string
	Device       dnn.Device
	BatchSize    int
	CPUExtension string
	GPUExtension string

	InputPrecision dnn.Precision
	InputLayout    dnn.Layout
	InputIsImage   bool

	Preprocessor Preprocessor
}

// DefaultParams returns the parameter set shared by the video filters:
// batch of one, unsigned 8-bit NCHW image input.
func DefaultParams() Params {
	return Params{
		BatchSize:      1,
		InputPrecision: dnn.PrecisionU8,
		InputLayout:    dnn.LayoutNCHW,
		InputIsImage:   true,
	}
}

// Engine owns one loaded model and its negotiated IO descriptors.
type Engine struct {
	log        *zap.Logger
	model      executors.Model
	modelPath  string
	batchSize  int
	preprocess Preprocessor

	inputInfo  *dnn.ModelInfo
	outputInfo *dnn.ModelInfo

	closed bool
}

// New loads and finalizes a model on the executor. Any failure is a
// configuration error wrapped in ModelLoadError; a partially loaded model
// is closed before returning.
func New(params Params, exec executors.Executor, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if params.BatchSize <= 0 {
		params.BatchSize = 1
	}
	if params.InputPrecision == dnn.PrecisionUnspecified {
		params.InputPrecision = dnn.PrecisionU8
	}
	if params.InputLayout == dnn.LayoutAny {
		params.InputLayout = dnn.LayoutNCHW
	}

	model, err := exec.LoadModel(executors.ModelConfig{
		Path:         params.ModelPath,
		Device:       params.Device,
		BatchSize:    params.BatchSize,
		CPUExtension: params.CPUExtension,
		GPUExtension: params.GPUExtension,
	})
	if err != nil {
		return nil, loadErr(params, err)
	}

	e := &Engine{
		log:        logger,
		model:      model,
		modelPath:  params.ModelPath,
		batchSize:  params.BatchSize,
		preprocess: params.Preprocessor,
	}

	fail := func(err error) (*Engine, error) {
		_ = model.Close()
		return nil, loadErr(params, err)
	}

	if e.inputInfo, err = model.InputInfo(); err != nil {
		return fail(err)
	}
	if e.outputInfo, err = model.OutputInfo(); err != nil {
		return fail(err)
	}
	for i := range e.inputInfo.Tensors {
		t := &e.inputInfo.Tensors[i]
		t.Precision = params.InputPrecision
		t.Layout = params.InputLayout
		t.IsImage = params.InputIsImage
		t.BatchSize = params.BatchSize
	}
	if err = model.SetInputInfo(e.inputInfo); err != nil {
		return fail(err)
	}
	if err = model.Create(); err != nil {
		return fail(err)
	}

	e.DumpModelInfo()
	return e, nil
}

func loadErr(params Params, err error) error {
	var mle *executors.ModelLoadError
	if errors.As(err, &mle) {
		return err
	}
	return &executors.ModelLoadError{Path: params.ModelPath, Device: params.Device, Err: err}
}

// BatchSize returns the negotiated batch size.
func (e *Engine) BatchSize() int { return e.batchSize }

// ModelPath returns the path the engine was loaded from.
func (e *Engine) ModelPath() string { return e.modelPath }

// InputInfo returns the negotiated input descriptors.
func (e *Engine) InputInfo() *dnn.ModelInfo { return e.inputInfo }

// OutputInfo returns the output descriptors as reported by the model.
func (e *Engine) OutputInfo() *dnn.ModelInfo { return e.outputInfo }

// SubmitFrame tags a frame's planes as model input for one batch slot.
// The frame's pixel data is not copied; it must stay valid through Infer.
func (e *Engine) SubmitFrame(f *frame.Frame, inputIndex, batchIndex int) error {
	var (
		precision dnn.Precision
		format    dnn.DataFormat
		channels  int
	)
	switch f.Format {
	case frame.FormatGray8:
		precision, format, channels = dnn.PrecisionU8, dnn.FormatGrayPlanar, 1
	case frame.FormatBGRA, frame.FormatBGR0:
		precision, format, channels = dnn.PrecisionU8, dnn.FormatBGRPacked, 4
	case frame.FormatBGR24:
		precision, format, channels = dnn.PrecisionU8, dnn.FormatBGRPacked, 3
	case frame.FormatRGBPlanar:
		precision, format, channels = dnn.PrecisionU8, dnn.FormatRGBPlanar, 3
	default:
		return errors.Wrapf(ErrUnsupportedFormat, "%s", f.Format)
	}

	data := &dnn.IOData{
		Width:      f.Width,
		Height:     f.Height,
		Channels:   channels,
		Format:     format,
		Precision:  precision,
		Memory:     f.Memory,
		BatchIndex: batchIndex,
		Index:      inputIndex,
		IsImage:    true,
	}
	data.Planes = f.Planes
	data.Strides = f.Strides

	return e.model.SetInput(data)
}

// Infer runs the model on the submitted inputs. Executor failures come
// back as *InferenceError; the inputs for that round are consumed either
// way.
func (e *Engine) Infer(ctx context.Context) error {
	if err := e.model.Infer(ctx); err != nil {
		return &InferenceError{Model: e.modelPath, Err: err}
	}
	return nil
}

// FilterFrame preprocesses and submits the frame for every input and batch
// slot, then runs one inference.
func (e *Engine) FilterFrame(ctx context.Context, f *frame.Frame) error {
	for i := range e.inputInfo.Tensors {
		for j := 0; j < e.batchSize; j++ {
			in := f
			if e.preprocess != nil {
				processed, err := e.preprocess.Process(e, i, f)
				if err != nil {
					return err
				}
				in = processed
			}
			if err := e.SubmitFrame(in, i, j); err != nil {
				return err
			}
		}
	}
	return e.Infer(ctx)
}

// Result exposes one output tensor of the last Infer. The float view is
// only valid until the next Infer on this engine; callers copy what they
// keep.
func (e *Engine) Result(outputIndex int) (*dnn.TensorMeta, error) {
	if outputIndex < 0 || outputIndex >= e.outputInfo.Len() {
		return nil, errors.Errorf("inference: output index %d out of range [0,%d)", outputIndex, e.outputInfo.Len())
	}
	data, err := e.model.Result(outputIndex)
	if err != nil {
		return nil, &InferenceError{Model: e.modelPath, Err: err}
	}
	if data.Precision != dnn.PrecisionFP32 {
		return nil, errors.Errorf("inference: output %d precision %s, want fp32", outputIndex, data.Precision)
	}
	info := e.outputInfo.At(outputIndex)
	return &dnn.TensorMeta{
		LayerName: info.LayerName,
		ModelName: e.modelPath,
		Dims:      info.Dims,
		Precision: data.Precision,
		Layout:    info.Layout,
		TotalSize: data.Size,
		Data:      floatView(data.Planes[0]),
	}, nil
}

func floatView(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out
}

// DumpModelInfo logs the negotiated IO descriptors at debug level.
func (e *Engine) DumpModelInfo() {
	for i := range e.inputInfo.Tensors {
		e.log.Debug("model input", zap.Int("id", i), zap.Stringer("tensor", &e.inputInfo.Tensors[i]))
	}
	for i := range e.outputInfo.Tensors {
		e.log.Debug("model output", zap.Int("id", i), zap.Stringer("tensor", &e.outputInfo.Tensors[i]))
	}
}

// Close releases the model. Safe to call more than once.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	return e.model.Close()
}
