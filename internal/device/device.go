package device

import (
	"github.com/23skdu/longbow-nock/internal/dltensor"
)

// Backend allocates buffers and issues copies for one memory space.
type Backend interface {
	Name() string

	// Device returns the memory space this backend allocates in.
	Device() dltensor.Device

	// Allocate returns a fresh buffer of n bytes owned by the caller.
	Allocate(n int) *Buffer

	// AllocatePinned returns host memory page-locked for async device
	// transfers. On a pure host backend it is ordinary memory flagged
	// pinned.
	AllocatePinned(n int) *Buffer

	// GetBuffer returns a pooled buffer of n bytes. The caller must be
	// the buffer's sole owner when handing it back via PutBuffer.
	GetBuffer(n int) *Buffer

	// PutBuffer returns a buffer to the pool.
	PutBuffer(b *Buffer)

	// NewStream creates a work queue on this backend's device.
	NewStream() *Stream

	// EnqueueCopyBatch enqueues one batched transfer on s: for each i,
	// srcs[i] is gathered densely into dst at offsets[i]. The call
	// returns once the copy is queued, not complete; srcs must stay
	// valid until the stream reaches the copy. With a nil stream the
	// copy runs synchronously.
	EnqueueCopyBatch(s *Stream, dst *Buffer, offsets []int64, srcs []*dltensor.Descriptor) error

	// Synchronize blocks until all work issued by this backend is done.
	Synchronize()
}
