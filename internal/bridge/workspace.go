// Package bridge marshals pipeline batches into exchange capsules, hands
// them to an externally defined function, and materializes the results
// back into pipeline-owned storage.
package bridge

import (
	"fmt"

	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/dltensor"
	"github.com/23skdu/longbow-nock/internal/workpool"
)

// ListOptions controls TensorList allocation.
type ListOptions struct {
	// Contiguous packs all samples into one allocation with per-sample
	// offsets; otherwise each sample owns its buffer.
	Contiguous bool

	// Pinned requests page-locked host memory.
	Pinned bool

	// Layout is an optional per-axis layout tag, e.g. "HWC".
	Layout string
}

// TensorList is a pipeline-owned batch of same-dtype tensors. Samples may
// have different shapes. Device lists are contiguous; host lists default
// to one buffer per sample.
type TensorList struct {
	backend device.Backend
	dtype   dltensor.DataType
	layout  string
	pinned  bool

	shapes [][]int64

	// contiguous backing
	buf     *device.Buffer
	offsets []int64

	// per-sample backing
	bufs []*device.Buffer
}

// NewTensorList allocates a fresh batch with the given per-sample shapes.
func NewTensorList(b device.Backend, dt dltensor.DataType, shapes [][]int64, opts ListOptions) (*TensorList, error) {
	tl := &TensorList{
		backend: b,
		dtype:   dt,
		layout:  opts.Layout,
		pinned:  opts.Pinned,
		shapes:  shapes,
	}
	itemSize := int64(dt.Size())

	alloc := b.Allocate
	if opts.Pinned {
		alloc = b.AllocatePinned
	}

	if opts.Contiguous {
		tl.offsets = make([]int64, len(shapes))
		total := int64(0)
		for i, shape := range shapes {
			tl.offsets[i] = total
			total += numElements(shape) * itemSize
		}
		tl.buf = alloc(int(total))
		if tl.buf == nil {
			return nil, fmt.Errorf("bridge: allocation of %d bytes failed", total)
		}
		return tl, nil
	}

	tl.bufs = make([]*device.Buffer, len(shapes))
	for i, shape := range shapes {
		tl.bufs[i] = alloc(int(numElements(shape) * itemSize))
		if tl.bufs[i] == nil {
			return nil, fmt.Errorf("bridge: allocation for sample %d failed", i)
		}
	}
	return tl, nil
}

func numElements(shape []int64) int64 {
	n := int64(1)
	for _, e := range shape {
		n *= e
	}
	return n
}

// NumSamples returns the batch size.
func (tl *TensorList) NumSamples() int { return len(tl.shapes) }

// DataType returns the element type shared by all samples.
func (tl *TensorList) DataType() dltensor.DataType { return tl.dtype }

// Layout returns the per-axis layout tag, empty when untagged.
func (tl *TensorList) Layout() string { return tl.layout }

// SetLayout tags the list with a layout string.
func (tl *TensorList) SetLayout(layout string) { tl.layout = layout }

// Contiguous reports whether all samples share one allocation.
func (tl *TensorList) Contiguous() bool { return tl.buf != nil }

// Pinned reports whether the backing memory is page-locked.
func (tl *TensorList) Pinned() bool { return tl.pinned }

// SampleShape returns the shape of sample i.
func (tl *TensorList) SampleShape(i int) []int64 { return tl.shapes[i] }

// SampleSizeBytes returns the dense byte size of sample i.
func (tl *TensorList) SampleSizeBytes(i int) int64 {
	return numElements(tl.shapes[i]) * int64(tl.dtype.Size())
}

func (tl *TensorList) sampleBuffer(i int) (*device.Buffer, int64) {
	if tl.buf != nil {
		return tl.buf, tl.offsets[i]
	}
	return tl.bufs[i], 0
}

// SampleBytes returns the host view of sample i, nil on device memory.
func (tl *TensorList) SampleBytes(i int) []byte {
	buf, off := tl.sampleBuffer(i)
	bs := buf.Bytes()
	if bs == nil {
		return nil
	}
	return bs[off : off+tl.SampleSizeBytes(i)]
}

// exchangeDevice maps the backing memory to the exchange protocol's
// device code: pinned host memory is advertised as such so the external
// side can use async transfers against it.
func (tl *TensorList) exchangeDevice() dltensor.Device {
	dev := tl.backend.Device()
	if tl.pinned && dev.Type == dltensor.DeviceCPU {
		dev.Type = dltensor.DeviceCUDAHost
	}
	return dev
}

// SampleDescriptor builds a zero-copy descriptor over sample i.
func (tl *TensorList) SampleDescriptor(i int) (*dltensor.Descriptor, error) {
	buf, off := tl.sampleBuffer(i)
	desc, err := dltensor.FromBuffer(buf.Ptr(), tl.shapes[i], tl.dtype, tl.exchangeDevice())
	if err != nil {
		return nil, err
	}
	desc.ByteOffset = uint64(off)
	return desc, nil
}

// SampleCapsule wraps sample i into a capsule whose payload retains the
// backing buffer, keeping the memory alive however long the receiver
// holds the capsule.
func (tl *TensorList) SampleCapsule(i int) (*dltensor.Capsule, error) {
	desc, err := tl.SampleDescriptor(i)
	if err != nil {
		return nil, err
	}
	buf, _ := tl.sampleBuffer(i)
	buf.Retain()
	return dltensor.Wrap(desc, buf, buf.Release), nil
}

// Capsules builds the whole slot view in one pass: for a contiguous list
// the descriptors are all sliced off the single backing allocation.
func (tl *TensorList) Capsules() ([]*dltensor.Capsule, error) {
	caps := make([]*dltensor.Capsule, tl.NumSamples())
	for i := range caps {
		c, err := tl.SampleCapsule(i)
		if err != nil {
			for _, done := range caps[:i] {
				done.Release()
			}
			return nil, err
		}
		caps[i] = c
	}
	return caps, nil
}

// Release drops the list's own references. Samples pinned by live
// capsules stay alive until those capsules release.
func (tl *TensorList) Release() {
	if tl.buf != nil {
		tl.buf.Release()
		tl.buf = nil
	}
	for _, b := range tl.bufs {
		b.Release()
	}
	tl.bufs = nil
}

// Workspace carries the per-invocation inputs plus the execution
// resources the bridge copies and synchronizes with.
type Workspace struct {
	inputs  []*TensorList
	backend device.Backend
	pool    *workpool.Pool
	stream  *device.Stream
}

// NewWorkspace creates a workspace bound to a backend, a thread pool for
// host copies, and an optional device stream.
func NewWorkspace(b device.Backend, pool *workpool.Pool, stream *device.Stream) *Workspace {
	return &Workspace{backend: b, pool: pool, stream: stream}
}

// AddInput appends one input slot.
func (ws *Workspace) AddInput(tl *TensorList) {
	ws.inputs = append(ws.inputs, tl)
}

// NumInput returns the input slot count.
func (ws *Workspace) NumInput() int { return len(ws.inputs) }

// Input returns input slot idx.
func (ws *Workspace) Input(idx int) *TensorList { return ws.inputs[idx] }

// BatchSize returns the sample count of the first input, 0 without inputs.
func (ws *Workspace) BatchSize() int {
	if len(ws.inputs) == 0 {
		return 0
	}
	return ws.inputs[0].NumSamples()
}

// Backend returns the workspace's memory backend.
func (ws *Workspace) Backend() device.Backend { return ws.backend }

// Pool returns the host copy thread pool.
func (ws *Workspace) Pool() *workpool.Pool { return ws.pool }

// Stream returns the invocation stream, nil on synchronous host setups.
func (ws *Workspace) Stream() *device.Stream { return ws.stream }
