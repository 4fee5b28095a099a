// Package dnn - shape, precision, layout and device descriptors shared
// between the inference engine and the model executor backends.
package dnn

import (
	"fmt"
	"strings"
)

// Device identifies the hardware target a model executes on.
type Device int

const (
	// DeviceDefault lets the executor pick a target.
	DeviceDefault Device = iota
	// DeviceBalanced distributes work across available targets.
	DeviceBalanced
	// DeviceCPU runs inference on the host CPU.
	DeviceCPU
	// DeviceGPU runs inference on a GPU.
	DeviceGPU
	// DeviceFPGA runs inference on an FPGA board.
	DeviceFPGA
	// DeviceMyriad runs inference on a Myriad VPU stick.
	DeviceMyriad
	// DeviceHDDL runs inference on an HDDL accelerator card.
	DeviceHDDL
	// DeviceGNA runs inference on a GNA coprocessor.
	DeviceGNA
	// DeviceHetero splits a single graph across several targets.
	DeviceHetero
)

var deviceNames = map[Device]string{
	DeviceDefault:  "default",
	DeviceBalanced: "balanced",
	DeviceCPU:      "cpu",
	DeviceGPU:      "gpu",
	DeviceFPGA:     "fpga",
	DeviceMyriad:   "myriad",
	DeviceHDDL:     "hddl",
	DeviceGNA:      "gna",
	DeviceHetero:   "hetero",
}

func (d Device) String() string {
	if s, ok := deviceNames[d]; ok {
		return s
	}
	return fmt.Sprintf("device(%d)", int(d))
}

// ParseDevice maps a config string to a Device. The empty string is the
// default device.
func ParseDevice(s string) (Device, error) {
	if s == "" {
		return DeviceDefault, nil
	}
	for d, name := range deviceNames {
		if strings.EqualFold(s, name) {
			return d, nil
		}
	}
	return DeviceDefault, fmt.Errorf("dnn: unknown device %q", s)
}

// Precision is the element type of a tensor.
type Precision int

const (
	// PrecisionUnspecified means the backend default applies.
	PrecisionUnspecified Precision = iota
	// PrecisionMixed can be reported by a network, never by a tensor.
	PrecisionMixed
	// PrecisionFP32 is 32-bit floating point.
	PrecisionFP32
	// PrecisionFP16 is 16-bit floating point.
	PrecisionFP16
	// PrecisionQ78 is 16-bit fixed point.
	PrecisionQ78
	// PrecisionI16 is 16-bit signed integer.
	PrecisionI16
	// PrecisionU8 is 8-bit unsigned integer.
	PrecisionU8
	// PrecisionI8 is 8-bit signed integer.
	PrecisionI8
	// PrecisionU16 is 16-bit unsigned integer.
	PrecisionU16
	// PrecisionI32 is 32-bit signed integer.
	PrecisionI32
)

func (p Precision) String() string {
	switch p {
	case PrecisionMixed:
		return "mixed"
	case PrecisionFP32:
		return "fp32"
	case PrecisionFP16:
		return "fp16"
	case PrecisionQ78:
		return "q78"
	case PrecisionI16:
		return "i16"
	case PrecisionU8:
		return "u8"
	case PrecisionI8:
		return "i8"
	case PrecisionU16:
		return "u16"
	case PrecisionI32:
		return "i32"
	default:
		return "unspecified"
	}
}

// Size returns the width of one element in bytes, or 0 when unknown.
func (p Precision) Size() int {
	switch p {
	case PrecisionU8, PrecisionI8:
		return 1
	case PrecisionFP16, PrecisionQ78, PrecisionI16, PrecisionU16:
		return 2
	case PrecisionFP32, PrecisionI32:
		return 4
	default:
		return 0
	}
}

// Layout is the memory ordering of a tensor.
type Layout int

const (
	// LayoutAny means the backend default applies.
	LayoutAny Layout = iota
	// LayoutNCHW is batch-channel-height-width.
	LayoutNCHW
	// LayoutNHWC is batch-height-width-channel.
	LayoutNHWC
	// LayoutCHW is a single image.
	LayoutCHW
	// LayoutNC is a 2D batch-channel tensor.
	LayoutNC
	// LayoutC is a bias vector.
	LayoutC
	// Layout1D is a flat output vector.
	Layout1D
)

func (l Layout) String() string {
	switch l {
	case LayoutNCHW:
		return "nchw"
	case LayoutNHWC:
		return "nhwc"
	case LayoutCHW:
		return "chw"
	case LayoutNC:
		return "nc"
	case LayoutC:
		return "c"
	case Layout1D:
		return "1d"
	default:
		return "any"
	}
}

// DataFormat is the channel ordering of image data handed to an executor.
type DataFormat int

const (
	// FormatBGRPacked is interleaved BGR (or BGRx with 4 channels).
	FormatBGRPacked DataFormat = iota
	// FormatBGRPlanar is planar BGR.
	FormatBGRPlanar
	// FormatRGBPacked is interleaved RGB.
	FormatRGBPacked
	// FormatRGBPlanar is planar RGB.
	FormatRGBPlanar
	// FormatGrayPlanar is a single luma plane.
	FormatGrayPlanar
	// FormatGeneric1D is a flat non-image buffer.
	FormatGeneric1D
	// FormatGeneric2D is a 2D non-image buffer.
	FormatGeneric2D
)

// MemoryType distinguishes host-allocated pixel buffers from opaque
// hardware surfaces.
type MemoryType int

const (
	// MemoryHost is an ordinary byte slice in process memory.
	MemoryHost MemoryType = iota
	// MemorySurface is backed by a hardware surface or device-side matrix.
	MemorySurface
)

// MaxTensorDims bounds the dimension vector of a single tensor.
const MaxTensorDims = 4

// MaxIOPlanes bounds the plane count of image data handed to an executor.
const MaxIOPlanes = 4
