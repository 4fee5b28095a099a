package dnn

import "fmt"

// TensorInfo describes one input or output tensor of a loaded model.
type TensorInfo struct {
	LayerName string
	Dims      []int
	Precision Precision
	Layout    Layout
	IsImage   bool
	BatchSize int
}

// ElementCount returns the product of all dimensions.
func (t *TensorInfo) ElementCount() int {
	n := 1
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

// Width returns the W dimension for an NCHW image tensor, 0 otherwise.
func (t *TensorInfo) Width() int {
	if len(t.Dims) == 4 {
		return t.Dims[3]
	}
	return 0
}

// Height returns the H dimension for an NCHW image tensor, 0 otherwise.
func (t *TensorInfo) Height() int {
	if len(t.Dims) == 4 {
		return t.Dims[2]
	}
	return 0
}

// Channels returns the C dimension for an NCHW image tensor, 0 otherwise.
func (t *TensorInfo) Channels() int {
	if len(t.Dims) == 4 {
		return t.Dims[1]
	}
	return 0
}

func (t *TensorInfo) String() string {
	return fmt.Sprintf("layer %q dims %v %s %s image=%v batch=%d",
		t.LayerName, t.Dims, t.Precision, t.Layout, t.IsImage, t.BatchSize)
}

// ModelInfo is the ordered set of tensors on one side (input or output)
// of a model.
type ModelInfo struct {
	Tensors []TensorInfo
}

// Len returns the tensor count.
func (m *ModelInfo) Len() int { return len(m.Tensors) }

// At returns the i-th tensor descriptor.
func (m *ModelInfo) At(i int) *TensorInfo { return &m.Tensors[i] }

// ByLayer returns the descriptor with the given layer name, or nil.
func (m *ModelInfo) ByLayer(name string) *TensorInfo {
	for i := range m.Tensors {
		if m.Tensors[i].LayerName == name {
			return &m.Tensors[i]
		}
	}
	return nil
}

// IOData is one tagged image or data buffer handed to a model executor.
// Planes and strides follow the frame they were filled from.
type IOData struct {
	Planes  [MaxIOPlanes][]byte
	Strides [MaxIOPlanes]int

	Width    int
	Height   int
	Channels int
	Size     int

	Format    DataFormat
	Precision Precision
	Memory    MemoryType

	BatchIndex int
	Index      int
	IsImage    bool
}

// TensorMeta describes one output tensor after an inference pass. Data
// aliases executor-owned memory and is only valid until the next Infer
// call on the same model; callers copy what they keep.
type TensorMeta struct {
	LayerName string
	ModelName string
	Dims      []int
	Precision Precision
	Layout    Layout
	Data      []float32
	TotalSize int
}

// ObjectSize returns the innermost dimension, the per-record width of
// detection-style outputs.
func (t *TensorMeta) ObjectSize() int {
	if len(t.Dims) == 0 {
		return 0
	}
	return t.Dims[len(t.Dims)-1]
}

// ProposalCount returns the second-innermost dimension, the record count
// of detection-style outputs.
func (t *TensorMeta) ProposalCount() int {
	if len(t.Dims) < 2 {
		return 0
	}
	return t.Dims[len(t.Dims)-2]
}

// UnbatchedLen returns the element count of one batch slice.
func (t *TensorMeta) UnbatchedLen(batchSize int) int {
	if batchSize <= 0 {
		batchSize = 1
	}
	n := 1
	for _, d := range t.Dims {
		n *= d
	}
	return n / batchSize
}
