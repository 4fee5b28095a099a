// Package executors - model executor boundary between the inference engine
// and the backend runtimes.
package executors

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-va/dnn"
)

// Backend names a model executor implementation.
type Backend string

// BackendONNX is the ONNX Runtime backend.
const BackendONNX Backend = "onnx"

// ModelConfig carries everything a backend needs to load one model.
type ModelConfig struct {
	// Path is the model file on disk.
	Path string
	// Device is the requested execution target.
	Device dnn.Device
	// BatchSize is the requested batch size; values below 1 are coerced to 1
	// by the engine before the config reaches a backend.
	BatchSize int
	// CPUExtension and GPUExtension are optional backend extension library
	// paths, passed through untouched.
	CPUExtension string
	GPUExtension string
}

// Executor loads models on a backend runtime.
type Executor interface {
	LoadModel(cfg ModelConfig) (Model, error)
}

// Model is one loaded network. The lifecycle is: query or override IO info,
// Create, then any number of SetInput/Infer/Result rounds, then Close.
//
// Buffers returned by Result stay valid only until the next Infer on the
// same model; callers copy anything they keep.
type Model interface {
	InputInfo() (*dnn.ModelInfo, error)
	OutputInfo() (*dnn.ModelInfo, error)
	SetInputInfo(info *dnn.ModelInfo) error
	Create() error
	SetInput(data *dnn.IOData) error
	Infer(ctx context.Context) error
	Result(outputIndex int) (*dnn.IOData, error)
	Close() error
}

// ModelLoadError reports a model that could not be loaded or finalized.
// Load errors are fatal: the owning stage refuses to start.
type ModelLoadError struct {
	Path   string
	Device dnn.Device
	Err    error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("executors: load model %q on %s: %v", e.Path, e.Device, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// Factory builds an executor for a backend.
type Factory func(logger *zap.Logger) (Executor, error)

var (
	factoryMu sync.RWMutex
	factories = map[Backend]Factory{}
)

// Register installs a backend factory. Backends call this from init; a
// duplicate registration panics.
func Register(b Backend, f Factory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if _, dup := factories[b]; dup {
		panic("executors: duplicate backend " + string(b))
	}
	factories[b] = f
}

// Backends returns the registered backend names, sorted.
func Backends() []Backend {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	out := make([]Backend, 0, len(factories))
	for b := range factories {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// New creates an executor for the named backend.
//
// Arguments:
//   - b: The backend name.
//   - logger: Logger for the backend; nil means no logging.
//
// Returns:
//   - Executor: The backend executor.
//   - error: An error when the backend is not registered or fails to start.
func New(b Backend, logger *zap.Logger) (Executor, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	factoryMu.RLock()
	f, ok := factories[b]
	factoryMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("executors: unknown backend %q (registered: %v)", b, Backends())
	}
	return f(logger)
}
