// Package device provides the memory and stream model underneath the
// exchange bridge: refcounted buffers that capsules can pin, backends that
// allocate them, and FIFO device streams that order asynchronous copies.
package device

import (
	"sync/atomic"
	"unsafe"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-nock/internal/dltensor"
)

// Buffer is a refcounted slab of device or host memory. Host buffers ride
// on an Arrow buffer and inherit its Retain/Release accounting; device
// buffers carry a raw pointer plus their own count and free function.
//
// A capsule built over a Buffer retains it, so the memory outlives the
// originating batch even if the batch is recycled first.
type Buffer struct {
	dev    dltensor.Device
	host   *memory.Buffer
	devPtr unsafe.Pointer
	freeFn func()
	refs   atomic.Int64
	pinned bool
	length int
}

func newHostBuffer(alloc memory.Allocator, dev dltensor.Device, n int, pinned bool) *Buffer {
	b := memory.NewResizableBuffer(alloc)
	b.Resize(n)
	return &Buffer{dev: dev, host: b, pinned: pinned, length: n}
}

func newDeviceBuffer(dev dltensor.Device, ptr unsafe.Pointer, n int, freeFn func()) *Buffer {
	b := &Buffer{dev: dev, devPtr: ptr, freeFn: freeFn, length: n}
	b.refs.Store(1)
	return b
}

// Len returns the buffer size in bytes.
func (b *Buffer) Len() int { return b.length }

// Device returns the memory space the buffer lives in.
func (b *Buffer) Device() dltensor.Device { return b.dev }

// Pinned reports whether a host buffer is page-locked for async device
// transfers.
func (b *Buffer) Pinned() bool { return b.pinned }

// Bytes returns the host view of the buffer, nil for device memory.
func (b *Buffer) Bytes() []byte {
	if b.host != nil {
		return b.host.Bytes()[:b.length]
	}
	if b.dev.HostVisible() && b.devPtr != nil {
		return unsafe.Slice((*byte)(b.devPtr), b.length)
	}
	return nil
}

// Ptr returns the raw data pointer used in exchange descriptors.
func (b *Buffer) Ptr() unsafe.Pointer {
	if b.host != nil {
		bs := b.Bytes()
		if len(bs) == 0 {
			return nil
		}
		return unsafe.Pointer(&bs[0])
	}
	return b.devPtr
}

// Retain adds a reference, pinning the memory.
func (b *Buffer) Retain() {
	if b.host != nil {
		b.host.Retain()
		return
	}
	b.refs.Add(1)
}

// Release drops a reference; the backing memory is freed when the count
// reaches zero.
func (b *Buffer) Release() {
	if b.host != nil {
		b.host.Release()
		return
	}
	if b.refs.Add(-1) == 0 && b.freeFn != nil {
		b.freeFn()
	}
}

// resize grows or shrinks a pooled host buffer in place.
func (b *Buffer) resize(n int) {
	b.host.ResizeNoShrink(n)
	b.length = n
}
