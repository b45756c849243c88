package dltensor

import (
	"fmt"
	"unsafe"
)

// DeviceType identifies the memory space a tensor lives in. Values match
// the exchange protocol's device codes.
type DeviceType int32

const (
	DeviceCPU      DeviceType = 1
	DeviceCUDA     DeviceType = 2
	DeviceCUDAHost DeviceType = 3 // pinned host memory, visible to both sides
)

func (t DeviceType) String() string {
	switch t {
	case DeviceCPU:
		return "cpu"
	case DeviceCUDA:
		return "cuda"
	case DeviceCUDAHost:
		return "cuda_host"
	default:
		return fmt.Sprintf("device(%d)", int32(t))
	}
}

// Device is a device kind plus ordinal.
type Device struct {
	Type DeviceType
	ID   int32
}

func (d Device) String() string {
	return fmt.Sprintf("%s:%d", d.Type, d.ID)
}

// HostVisible reports whether the device memory can be addressed by the
// host directly.
func (d Device) HostVisible() bool {
	return d.Type == DeviceCPU || d.Type == DeviceCUDAHost
}

// Descriptor describes a strided multi-dimensional buffer without owning
// it. Field set and meaning follow the DLPack DLTensor layout: Strides are
// in element units, nil Strides means densely packed row-major.
type Descriptor struct {
	Device     Device
	Data       unsafe.Pointer
	DType      ExchangeDType
	Shape      []int64
	Strides    []int64
	ByteOffset uint64
}

// DenseStrides computes row-major element strides for shape.
func DenseStrides(shape []int64) []int64 {
	strides := make([]int64, len(shape))
	stride := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

// Rank returns the number of axes.
func (d *Descriptor) Rank() int {
	return len(d.Shape)
}

// NumElements returns the total element count.
func (d *Descriptor) NumElements() int64 {
	n := int64(1)
	for _, e := range d.Shape {
		n *= e
	}
	return n
}

// ItemSize returns the byte size of one element.
func (d *Descriptor) ItemSize() int64 {
	return int64(d.DType.Bits) / 8 * int64(d.DType.Lanes)
}

// SizeBytes returns the densely packed byte size of the tensor.
func (d *Descriptor) SizeBytes() int64 {
	return d.NumElements() * d.ItemSize()
}

// IsContiguous reports whether the memory is densely packed row-major.
// Absent strides are contiguous by definition.
func (d *Descriptor) IsContiguous() bool {
	if d.Strides == nil {
		return true
	}
	stride := int64(1)
	for i := len(d.Shape) - 1; i >= 0; i-- {
		// Axes of extent 1 impose no constraint on the stride.
		if d.Shape[i] != 1 && d.Strides[i] != stride {
			return false
		}
		stride *= d.Shape[i]
	}
	return true
}

// DataType resolves the descriptor's exchange triple to the internal tag.
func (d *Descriptor) DataType() (DataType, error) {
	return FromExchangeType(d.DType)
}

func validateShape(shape []int64) error {
	for i, e := range shape {
		if e < 0 {
			return fmt.Errorf("dltensor: negative extent %d at axis %d", e, i)
		}
	}
	return nil
}

// FromBuffer builds a descriptor over a contiguous pipeline buffer without
// copying. The source layout is already dense, so no strides are
// synthesized and consumers keep the packed fast path.
func FromBuffer(data unsafe.Pointer, shape []int64, dt DataType, dev Device) (*Descriptor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	xdt, err := ToExchangeType(dt)
	if err != nil {
		return nil, err
	}
	return &Descriptor{
		Device: dev,
		Data:   data,
		DType:  xdt,
		Shape:  shape,
	}, nil
}

// FromStrided builds a descriptor from a foreign strided representation
// whose strides are in bytes, converting them to element units. A stride
// set that turns out to be densely packed row-major collapses to nil so the
// contiguous fast path is preserved.
func FromStrided(data unsafe.Pointer, shape, byteStrides []int64, dt DataType, dev Device) (*Descriptor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	xdt, err := ToExchangeType(dt)
	if err != nil {
		return nil, err
	}
	desc := &Descriptor{
		Device: dev,
		Data:   data,
		DType:  xdt,
		Shape:  shape,
	}
	if byteStrides == nil {
		return desc, nil
	}
	if len(byteStrides) != len(shape) {
		return nil, fmt.Errorf("dltensor: rank mismatch, %d strides for %d axes",
			len(byteStrides), len(shape))
	}
	itemSize := desc.ItemSize()
	strides := make([]int64, len(byteStrides))
	for i, bs := range byteStrides {
		if bs%itemSize != 0 {
			return nil, fmt.Errorf("dltensor: byte stride %d at axis %d not divisible by item size %d",
				bs, i, itemSize)
		}
		strides[i] = bs / itemSize
	}
	desc.Strides = strides
	if desc.IsContiguous() {
		desc.Strides = nil
	}
	return desc, nil
}

// HostBytes returns the dense host memory of the descriptor as a byte
// slice view. The descriptor must be contiguous and host visible.
func (d *Descriptor) HostBytes() ([]byte, error) {
	if !d.Device.HostVisible() {
		return nil, fmt.Errorf("dltensor: %s memory is not host visible", d.Device)
	}
	if !d.IsContiguous() {
		return nil, fmt.Errorf("dltensor: strided descriptor has no flat host view")
	}
	n := d.SizeBytes()
	if n == 0 {
		return nil, nil
	}
	return unsafe.Slice((*byte)(unsafe.Add(d.Data, d.ByteOffset)), n), nil
}

// CopyToHost gathers the descriptor's elements into dst in dense row-major
// order, de-striding as needed. dst must hold SizeBytes() bytes and the
// source must be host visible.
func CopyToHost(dst []byte, d *Descriptor) error {
	if !d.Device.HostVisible() {
		return fmt.Errorf("dltensor: cannot host-copy from %s", d.Device)
	}
	want := d.SizeBytes()
	if int64(len(dst)) < want {
		return fmt.Errorf("dltensor: destination holds %d bytes, need %d", len(dst), want)
	}
	if want == 0 {
		return nil
	}
	if d.IsContiguous() {
		src := unsafe.Slice((*byte)(unsafe.Add(d.Data, d.ByteOffset)), want)
		copy(dst, src)
		return nil
	}
	itemSize := d.ItemSize()
	byteStrides := make([]int64, len(d.Strides))
	for i, s := range d.Strides {
		byteStrides[i] = s * itemSize
	}
	gather(dst, unsafe.Add(d.Data, d.ByteOffset), d.Shape, byteStrides, itemSize)
	return nil
}

// gather walks the outer axes recursively and copies the innermost axis as
// one run when it is unit-stride, element by element otherwise.
func gather(dst []byte, src unsafe.Pointer, shape, byteStrides []int64, itemSize int64) int64 {
	if len(shape) == 1 {
		if byteStrides[0] == itemSize {
			n := shape[0] * itemSize
			copy(dst[:n], unsafe.Slice((*byte)(src), n))
			return n
		}
		written := int64(0)
		for i := int64(0); i < shape[0]; i++ {
			elem := unsafe.Slice((*byte)(unsafe.Add(src, i*byteStrides[0])), itemSize)
			copy(dst[written:], elem)
			written += itemSize
		}
		return written
	}
	written := int64(0)
	for i := int64(0); i < shape[0]; i++ {
		written += gather(dst[written:], unsafe.Add(src, i*byteStrides[0]),
			shape[1:], byteStrides[1:], itemSize)
	}
	return written
}
