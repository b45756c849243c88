//go:build linux && cuda

package device

/*
#cgo LDFLAGS: -lcudart
#include <cuda_runtime.h>
*/
import "C"
import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/23skdu/longbow-nock/internal/dltensor"
)

// Check interface compliance
var _ Backend = (*CUDABackend)(nil)

// CUDABackend allocates device memory through the CUDA runtime. Each
// bridge stream is backed by a real cudaStream_t; enqueued batch copies
// issue cudaMemcpyAsync on it, so Sync gives the usual stream-ordering
// guarantee across both queues.
type CUDABackend struct {
	deviceID int
	mu       sync.Mutex
	cstreams map[Handle]C.cudaStream_t
}

func NewCUDABackend(deviceID int) Backend {
	if rc := C.cudaSetDevice(C.int(deviceID)); rc != C.cudaSuccess {
		panic(fmt.Sprintf("cudaSetDevice(%d): %s", deviceID, cudaErr(rc)))
	}
	return &CUDABackend{
		deviceID: deviceID,
		cstreams: make(map[Handle]C.cudaStream_t),
	}
}

func cudaErr(rc C.cudaError_t) string {
	return C.GoString(C.cudaGetErrorString(rc))
}

func (b *CUDABackend) Name() string {
	return "CUDA"
}

func (b *CUDABackend) Device() dltensor.Device {
	return dltensor.Device{Type: dltensor.DeviceCUDA, ID: int32(b.deviceID)}
}

func (b *CUDABackend) Allocate(n int) *Buffer {
	var ptr unsafe.Pointer
	if rc := C.cudaMalloc(&ptr, C.size_t(n)); rc != C.cudaSuccess {
		panic(fmt.Sprintf("cudaMalloc(%d): %s", n, cudaErr(rc)))
	}
	return newDeviceBuffer(b.Device(), ptr, n, func() {
		C.cudaFree(ptr)
	})
}

func (b *CUDABackend) AllocatePinned(n int) *Buffer {
	var ptr unsafe.Pointer
	if rc := C.cudaMallocHost(&ptr, C.size_t(n)); rc != C.cudaSuccess {
		panic(fmt.Sprintf("cudaMallocHost(%d): %s", n, cudaErr(rc)))
	}
	dev := dltensor.Device{Type: dltensor.DeviceCUDAHost, ID: int32(b.deviceID)}
	buf := newDeviceBuffer(dev, ptr, n, func() {
		C.cudaFreeHost(ptr)
	})
	buf.pinned = true
	return buf
}

func (b *CUDABackend) GetBuffer(n int) *Buffer {
	// No pooling of device memory; cudaMalloc already sub-allocates.
	return b.Allocate(n)
}

func (b *CUDABackend) PutBuffer(buf *Buffer) {
	if buf != nil {
		buf.Release()
	}
}

func (b *CUDABackend) NewStream() *Stream {
	var cs C.cudaStream_t
	if rc := C.cudaStreamCreate(&cs); rc != C.cudaSuccess {
		panic(fmt.Sprintf("cudaStreamCreate: %s", cudaErr(rc)))
	}
	s := newStream(b.Device())
	s.setSyncHook(func() {
		C.cudaStreamSynchronize(cs)
	})
	b.mu.Lock()
	b.cstreams[s.Handle()] = cs
	b.mu.Unlock()
	return s
}

func (b *CUDABackend) EnqueueCopyBatch(s *Stream, dst *Buffer, offsets []int64, srcs []*dltensor.Descriptor) error {
	if len(offsets) != len(srcs) {
		return fmt.Errorf("device: %d offsets for %d sources", len(offsets), len(srcs))
	}
	for i, src := range srcs {
		if !src.IsContiguous() {
			return fmt.Errorf("device: strided device copy not supported (source %d)", i)
		}
	}
	b.mu.Lock()
	cs, ok := b.cstreams[s.Handle()]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("device: stream %d not owned by CUDA backend", s.Handle())
	}
	s.Enqueue(func() {
		for i, src := range srcs {
			n := src.SizeBytes()
			if n == 0 {
				continue
			}
			dstPtr := unsafe.Add(dst.Ptr(), offsets[i])
			srcPtr := unsafe.Add(src.Data, src.ByteOffset)
			rc := C.cudaMemcpyAsync(dstPtr, srcPtr, C.size_t(n), C.cudaMemcpyDefault, cs)
			if rc != C.cudaSuccess {
				panic(fmt.Sprintf("cudaMemcpyAsync: %s", cudaErr(rc)))
			}
		}
	})
	return nil
}

func (b *CUDABackend) Synchronize() {
	C.cudaDeviceSynchronize()
}
