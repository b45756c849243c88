package dltensor

import "sync/atomic"

// Export is a deferred-export handle for foreign consumers: it holds one
// capsule plus the device hint and hands the capsule over at most once.
type Export struct {
	capsule  *Capsule
	device   Device
	order    func(consumerStream uint64)
	exported atomic.Bool
}

// NewExport wraps a Created capsule for deferred hand-over. order, when
// non-nil, is called with the consumer's stream handle before the capsule
// is handed over, so the producer can order its pending device work
// against the consumer's queue.
func NewExport(c *Capsule, order func(consumerStream uint64)) *Export {
	return &Export{capsule: c, device: c.Descriptor().Device, order: order}
}

// DLPackDevice reports the device the tensor lives on, queried by
// consumers before deciding how to import.
func (e *Export) DLPackDevice() (DeviceType, int32) {
	return e.device.Type, e.device.ID
}

// DLPack transfers the capsule to the consumer. consumerStream, when
// non-nil, identifies the stream the consumer will read on. Exporting
// twice is fatal.
func (e *Export) DLPack(consumerStream *uint64) *Capsule {
	if !e.exported.CompareAndSwap(false, true) {
		panic("dltensor: capsule exported twice")
	}
	if e.order != nil && consumerStream != nil {
		e.order(*consumerStream)
	}
	return e.capsule
}
