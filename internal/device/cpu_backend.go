package device

import (
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-nock/internal/dltensor"
)

// ensure interface compliance
var _ Backend = (*CPUBackend)(nil)

// CPUBackend allocates host memory from an Arrow allocator. Its streams
// still execute asynchronously, so stream-ordering semantics hold on pure
// host setups too.
type CPUBackend struct {
	alloc   memory.Allocator
	pool    sync.Pool
	mu      sync.Mutex
	streams []*Stream
}

func NewCPUBackend() *CPUBackend {
	return &CPUBackend{alloc: memory.NewGoAllocator()}
}

func (b *CPUBackend) Name() string {
	return "CPU"
}

func (b *CPUBackend) Device() dltensor.Device {
	return dltensor.Device{Type: dltensor.DeviceCPU, ID: 0}
}

func (b *CPUBackend) Allocate(n int) *Buffer {
	return newHostBuffer(b.alloc, b.Device(), n, false)
}

func (b *CPUBackend) AllocatePinned(n int) *Buffer {
	// Host backend: plain memory, flagged so descriptors report it as
	// pinned to the external side.
	return newHostBuffer(b.alloc, b.Device(), n, true)
}

func (b *CPUBackend) GetBuffer(n int) *Buffer {
	if v := b.pool.Get(); v != nil {
		buf := v.(*Buffer)
		poolHits.Inc()
		buf.resize(n)
		return buf
	}
	poolMisses.Inc()
	return b.Allocate(n)
}

func (b *CPUBackend) PutBuffer(buf *Buffer) {
	if buf == nil || buf.host == nil {
		return // don't pool foreign buffers
	}
	b.pool.Put(buf)
}

func (b *CPUBackend) NewStream() *Stream {
	s := newStream(b.Device())
	b.mu.Lock()
	b.streams = append(b.streams, s)
	b.mu.Unlock()
	return s
}

func (b *CPUBackend) EnqueueCopyBatch(s *Stream, dst *Buffer, offsets []int64, srcs []*dltensor.Descriptor) error {
	if len(offsets) != len(srcs) {
		return fmt.Errorf("device: %d offsets for %d sources", len(offsets), len(srcs))
	}
	copyAll := func() {
		out := dst.Bytes()
		for i, src := range srcs {
			end := offsets[i] + src.SizeBytes()
			if err := dltensor.CopyToHost(out[offsets[i]:end], src); err != nil {
				panic(fmt.Sprintf("device: batched copy: %v", err))
			}
		}
	}
	if s == nil {
		copyAll()
		return nil
	}
	s.Enqueue(copyAll)
	return nil
}

func (b *CPUBackend) Synchronize() {
	b.mu.Lock()
	streams := append([]*Stream(nil), b.streams...)
	b.mu.Unlock()
	for _, s := range streams {
		s.Sync()
	}
}
