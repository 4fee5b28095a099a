// Package executortest - scriptable in-memory executor used by engine,
// postprocessing and pipeline tests.
package executortest

import (
	"context"
	"encoding/binary"
	"math"
	"sync"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-va/dnn"
	"github.com/nvr-ai/go-va/executors"
)

// Fake implements executors.Executor. Every LoadModel call clones the
// prototype model so each engine gets an independent script.
type Fake struct {
	// Proto is cloned for each loaded model.
	Proto Model
	// LoadErr, when set, fails every LoadModel call.
	LoadErr error

	mu     sync.Mutex
	Loaded []*Model
	// Configs records the ModelConfig of each load in order.
	Configs []executors.ModelConfig
}

// LoadModel returns a fresh scripted model.
func (f *Fake) LoadModel(cfg executors.ModelConfig) (executors.Model, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Configs = append(f.Configs, cfg)
	if f.LoadErr != nil {
		return nil, &executors.ModelLoadError{Path: cfg.Path, Device: cfg.Device, Err: f.LoadErr}
	}
	m := f.Proto.clone()
	f.Loaded = append(f.Loaded, m)
	return m, nil
}

// Model is one scripted network.
type Model struct {
	// Input and Output describe the network IO. Tests set these before the
	// engine queries them.
	Input  *dnn.ModelInfo
	Output *dnn.ModelInfo

	// CreateErr fails Create; InferErr fails every Infer.
	CreateErr error
	InferErr  error

	// OnInfer, when set, runs on each Infer with the inputs submitted since
	// the previous Infer. It may replace Outputs to script data-dependent
	// results.
	OnInfer func(m *Model, pending []dnn.IOData) error

	// Outputs holds the result buffer per output index.
	Outputs map[int]*dnn.IOData

	mu         sync.Mutex
	created    bool
	closed     bool
	pending    []dnn.IOData
	Submitted  []dnn.IOData
	InferCount int
	CloseCount int
}

func (m *Model) clone() *Model {
	c := &Model{
		CreateErr: m.CreateErr,
		InferErr:  m.InferErr,
		OnInfer:   m.OnInfer,
		Outputs:   map[int]*dnn.IOData{},
	}
	if m.Input != nil {
		in := *m.Input
		in.Tensors = append([]dnn.TensorInfo(nil), m.Input.Tensors...)
		c.Input = &in
	}
	if m.Output != nil {
		out := *m.Output
		out.Tensors = append([]dnn.TensorInfo(nil), m.Output.Tensors...)
		c.Output = &out
	}
	for i, d := range m.Outputs {
		c.Outputs[i] = d
	}
	return c
}

// InputInfo returns the scripted input descriptors.
func (m *Model) InputInfo() (*dnn.ModelInfo, error) {
	if m.Input == nil {
		return nil, errors.New("executortest: no input info scripted")
	}
	return m.Input, nil
}

// OutputInfo returns the scripted output descriptors.
func (m *Model) OutputInfo() (*dnn.ModelInfo, error) {
	if m.Output == nil {
		return nil, errors.New("executortest: no output info scripted")
	}
	return m.Output, nil
}

// SetInputInfo replaces the input descriptors, as the engine does after
// overriding precision and layout.
func (m *Model) SetInputInfo(info *dnn.ModelInfo) error {
	m.Input = info
	return nil
}

// Create finalizes the model.
func (m *Model) Create() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CreateErr != nil {
		return m.CreateErr
	}
	m.created = true
	return nil
}

// SetInput records the submitted buffer.
func (m *Model) SetInput(data *dnn.IOData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("executortest: SetInput on closed model")
	}
	m.pending = append(m.pending, *data)
	m.Submitted = append(m.Submitted, *data)
	return nil
}

// Infer consumes the pending inputs and publishes the scripted outputs.
func (m *Model) Infer(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.InferCount++
	pending := m.pending
	m.pending = nil
	err := m.InferErr
	hook := m.OnInfer
	m.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		return hook(m, pending)
	}
	return nil
}

// Result returns the scripted output for the index.
func (m *Model) Result(outputIndex int) (*dnn.IOData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.Outputs[outputIndex]
	if !ok {
		return nil, errors.Errorf("executortest: no output scripted at index %d", outputIndex)
	}
	return d, nil
}

// Close is idempotent; CloseCount still counts every call.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CloseCount++
	m.closed = true
	return nil
}

// SetFloatOutput scripts a little-endian FP32 buffer at the output index.
//
// Arguments:
//   - index: The output index.
//   - dims: The tensor dimensions.
//   - data: The float values, len must equal the product of dims.
func (m *Model) SetFloatOutput(index int, dims []int, data []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Outputs == nil {
		m.Outputs = map[int]*dnn.IOData{}
	}
	m.Outputs[index] = FloatIOData(dims, data)
}

// FloatIOData packs float values into an FP32 IOData buffer.
func FloatIOData(dims []int, data []float32) *dnn.IOData {
	buf := make([]byte, 4*len(data))
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	d := &dnn.IOData{
		Precision: dnn.PrecisionFP32,
		Format:    dnn.FormatGeneric1D,
		Size:      len(buf),
	}
	d.Planes[0] = buf
	d.Strides[0] = len(buf)
	return d
}
