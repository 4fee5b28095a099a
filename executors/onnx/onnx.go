// Package onnx - ONNX Runtime model executor.
package onnx

import (
	"context"
	"encoding/binary"
	"math"
	"os"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-va/dnn"
	"github.com/nvr-ai/go-va/executors"
)

// Backend is the name this executor registers under.
const Backend = executors.BackendONNX

// sharedLibEnv overrides the runtime shared library location.
const sharedLibEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

var (
	initOnce sync.Once
	initErr  error
)

func init() {
	executors.Register(Backend, func(logger *zap.Logger) (executors.Executor, error) {
		return NewExecutor(logger)
	})
}

func initRuntime() error {
	initOnce.Do(func() {
		if path := os.Getenv(sharedLibEnv); path != "" {
			ort.SetSharedLibraryPath(path)
		}
		initErr = ort.InitializeEnvironment()
	})
	return initErr
}

// Executor loads models through ONNX Runtime sessions.
type Executor struct {
	log *zap.Logger
}

// NewExecutor initializes the shared runtime once and returns an executor.
func NewExecutor(logger *zap.Logger) (*Executor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := initRuntime(); err != nil {
		return nil, errors.Wrap(err, "onnx: initialize runtime")
	}
	return &Executor{log: logger}, nil
}

// LoadModel queries the model's IO shapes; the session itself is built in
// Create, after the engine has negotiated input descriptors.
func (e *Executor) LoadModel(cfg executors.ModelConfig) (executors.Model, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(cfg.Path)
	if err != nil {
		return nil, &executors.ModelLoadError{Path: cfg.Path, Device: cfg.Device, Err: err}
	}
	m := &model{
		log:    e.log,
		cfg:    cfg,
		input:  toModelInfo(inputs, cfg.BatchSize),
		output: toModelInfo(outputs, cfg.BatchSize),
	}
	return m, nil
}

func toModelInfo(infos []ort.InputOutputInfo, batchSize int) *dnn.ModelInfo {
	if batchSize <= 0 {
		batchSize = 1
	}
	mi := &dnn.ModelInfo{}
	for _, info := range infos {
		dims := make([]int, len(info.Dimensions))
		for i, d := range info.Dimensions {
			if d <= 0 {
				// dynamic axis: the leading one is the batch, anything else
				// is pinned to 1
				if i == 0 {
					d = int64(batchSize)
				} else {
					d = 1
				}
			}
			dims[i] = int(d)
		}
		layout := dnn.LayoutAny
		switch len(dims) {
		case 4:
			layout = dnn.LayoutNCHW
		case 2:
			layout = dnn.LayoutNC
		case 1:
			layout = dnn.Layout1D
		}
		mi.Tensors = append(mi.Tensors, dnn.TensorInfo{
			LayerName: info.Name,
			Dims:      dims,
			Precision: dnn.PrecisionFP32,
			Layout:    layout,
			BatchSize: batchSize,
		})
	}
	return mi
}

// model is one ONNX Runtime session with preallocated IO tensors.
type model struct {
	log *zap.Logger
	cfg executors.ModelConfig

	input  *dnn.ModelInfo
	output *dnn.ModelInfo

	session *ort.AdvancedSession
	inTens  []*ort.Tensor[float32]
	outTens []*ort.Tensor[float32]
	// outBufs holds the byte views handed out by Result; rewritten on each
	// call, valid until the next Infer.
	outBufs [][]byte

	closed bool
}

func (m *model) InputInfo() (*dnn.ModelInfo, error)  { return m.input, nil }
func (m *model) OutputInfo() (*dnn.ModelInfo, error) { return m.output, nil }

// SetInputInfo accepts the engine's overrides. The session always feeds
// float32 tensors; U8 image input is converted during SetInput.
func (m *model) SetInputInfo(info *dnn.ModelInfo) error {
	m.input = info
	return nil
}

// Create finalizes the compute graph: session options, execution providers
// per device, preallocated IO tensors.
func (m *model) Create() error {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return m.loadErr(err)
	}
	defer options.Destroy()
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		return m.loadErr(err)
	}

	switch m.cfg.Device {
	case dnn.DeviceGPU:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return m.loadErr(err)
		}
		defer cuda.Destroy()
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return m.loadErr(err)
		}
	case dnn.DeviceMyriad, dnn.DeviceHDDL, dnn.DeviceGNA, dnn.DeviceHetero, dnn.DeviceFPGA:
		if err := options.AppendExecutionProviderOpenVINO(map[string]string{
			"device_type": openVINODevice(m.cfg.Device),
		}); err != nil {
			return m.loadErr(err)
		}
	case dnn.DeviceDefault, dnn.DeviceBalanced, dnn.DeviceCPU:
		// runtime default CPU provider
	}

	var inputNames, outputNames []string
	var inputVals, outputVals []ort.ArbitraryTensor

	for _, t := range m.input.Tensors {
		shape := toShape(t.Dims)
		tensor, err := ort.NewEmptyTensor[float32](shape)
		if err != nil {
			m.destroyTensors()
			return m.loadErr(err)
		}
		m.inTens = append(m.inTens, tensor)
		inputNames = append(inputNames, t.LayerName)
		inputVals = append(inputVals, tensor)
	}
	for _, t := range m.output.Tensors {
		shape := toShape(t.Dims)
		tensor, err := ort.NewEmptyTensor[float32](shape)
		if err != nil {
			m.destroyTensors()
			return m.loadErr(err)
		}
		m.outTens = append(m.outTens, tensor)
		outputNames = append(outputNames, t.LayerName)
		outputVals = append(outputVals, tensor)
	}
	m.outBufs = make([][]byte, len(m.outTens))

	session, err := ort.NewAdvancedSession(
		m.cfg.Path, inputNames, outputNames, inputVals, outputVals, options)
	if err != nil {
		m.destroyTensors()
		return m.loadErr(err)
	}
	m.session = session

	m.log.Debug("onnx session created",
		zap.String("model", m.cfg.Path),
		zap.Stringer("device", m.cfg.Device),
		zap.Int("inputs", len(inputNames)),
		zap.Int("outputs", len(outputNames)))
	return nil
}

func (m *model) loadErr(err error) error {
	return &executors.ModelLoadError{Path: m.cfg.Path, Device: m.cfg.Device, Err: err}
}

func openVINODevice(d dnn.Device) string {
	switch d {
	case dnn.DeviceMyriad:
		return "MYRIAD"
	case dnn.DeviceHDDL:
		return "HDDL"
	case dnn.DeviceGNA:
		return "GNA"
	case dnn.DeviceFPGA:
		return "FPGA"
	default:
		return "HETERO:CPU,GPU"
	}
}

func toShape(dims []int) ort.Shape {
	out := make([]int64, len(dims))
	for i, d := range dims {
		out[i] = int64(d)
	}
	return ort.NewShape(out...)
}

// SetInput converts one tagged buffer into the session's input tensor. U8
// image data is normalized into NCHW float32 at the buffer's batch slot.
func (m *model) SetInput(data *dnn.IOData) error {
	if m.session == nil {
		return errors.New("onnx: SetInput before Create")
	}
	if data.Index < 0 || data.Index >= len(m.inTens) {
		return errors.Errorf("onnx: input index %d out of range", data.Index)
	}
	info := m.input.At(data.Index)
	dst := m.inTens[data.Index].GetData()

	if !data.IsImage {
		return fillPlain(dst, data, info)
	}

	channels := info.Channels()
	width, height := info.Width(), info.Height()
	if width != data.Width || height != data.Height {
		return errors.Errorf("onnx: input %dx%d, model wants %dx%d", data.Width, data.Height, width, height)
	}
	planeSize := width * height
	batchOff := data.BatchIndex * channels * planeSize
	if batchOff+channels*planeSize > len(dst) {
		return errors.Errorf("onnx: batch index %d outside input tensor", data.BatchIndex)
	}

	switch data.Format {
	case dnn.FormatBGRPacked:
		step := data.Channels
		for y := 0; y < height; y++ {
			row := data.Planes[0][y*data.Strides[0]:]
			for x := 0; x < width; x++ {
				for c := 0; c < channels; c++ {
					dst[batchOff+c*planeSize+y*width+x] = float32(row[x*step+c])
				}
			}
		}
	case dnn.FormatRGBPlanar, dnn.FormatGrayPlanar:
		for c := 0; c < channels; c++ {
			for y := 0; y < height; y++ {
				row := data.Planes[c][y*data.Strides[c]:]
				for x := 0; x < width; x++ {
					dst[batchOff+c*planeSize+y*width+x] = float32(row[x])
				}
			}
		}
	default:
		return errors.Errorf("onnx: unsupported input data format %d", data.Format)
	}
	return nil
}

func fillPlain(dst []float32, data *dnn.IOData, info *dnn.TensorInfo) error {
	n := info.ElementCount() / maxInt(info.BatchSize, 1)
	off := data.BatchIndex * n
	raw := data.Planes[0]
	if data.Precision != dnn.PrecisionFP32 || len(raw) < 4*n || off+n > len(dst) {
		return errors.Errorf("onnx: bad non-image input for layer %q", info.LayerName)
	}
	for i := 0; i < n; i++ {
		dst[off+i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Infer runs the session on the filled input tensors.
func (m *model) Infer(ctx context.Context) error {
	if m.session == nil {
		return errors.New("onnx: Infer before Create")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.session.Run()
}

// Result exposes one output tensor. The returned bytes are rewritten on
// the next Infer.
func (m *model) Result(outputIndex int) (*dnn.IOData, error) {
	if outputIndex < 0 || outputIndex >= len(m.outTens) {
		return nil, errors.Errorf("onnx: output index %d out of range", outputIndex)
	}
	data := m.outTens[outputIndex].GetData()
	buf := m.outBufs[outputIndex]
	if len(buf) != 4*len(data) {
		buf = make([]byte, 4*len(data))
		m.outBufs[outputIndex] = buf
	}
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	out := &dnn.IOData{
		Precision: dnn.PrecisionFP32,
		Format:    dnn.FormatGeneric1D,
		Size:      len(buf),
		Index:     outputIndex,
	}
	out.Planes[0] = buf
	out.Strides[0] = len(buf)
	return out, nil
}

// Close destroys the session and its tensors. Idempotent.
func (m *model) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	if m.session != nil {
		m.session.Destroy()
		m.session = nil
	}
	m.destroyTensors()
	return nil
}

func (m *model) destroyTensors() {
	for _, t := range m.inTens {
		t.Destroy()
	}
	for _, t := range m.outTens {
		t.Destroy()
	}
	m.inTens, m.outTens = nil, nil
}
