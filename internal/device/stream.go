package device

import (
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-nock/internal/dltensor"
)

// Handle identifies a stream process-wide. Foreign code receives the
// current handle as an integer and may look the stream up to enqueue its
// own work onto the same queue.
type Handle uint64

// Stream is a FIFO work queue modelling a device stream from the host's
// point of view: Enqueue returns immediately, queued work executes in
// order on a dedicated goroutine, Sync blocks until everything enqueued
// before it has run.
type Stream struct {
	handle   Handle
	dev      dltensor.Device
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []func()
	closed   bool
	syncHook func()
}

var (
	nextHandle atomic.Uint64

	streamsMu sync.RWMutex
	streams   = map[Handle]*Stream{}
)

func newStream(dev dltensor.Device) *Stream {
	s := &Stream{
		handle: Handle(nextHandle.Add(1)),
		dev:    dev,
	}
	s.cond = sync.NewCond(&s.mu)

	streamsMu.Lock()
	streams[s.handle] = s
	streamsMu.Unlock()

	go s.run()
	return s
}

func (s *Stream) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		task := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		task()
	}
}

// Handle returns the stream's process-wide identifier.
func (s *Stream) Handle() Handle { return s.handle }

// Device returns the device the stream issues work for.
func (s *Stream) Device() dltensor.Device { return s.dev }

// Enqueue appends work to the stream. It never blocks on pending work.
func (s *Stream) Enqueue(task func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		panic("device: enqueue on closed stream")
	}
	s.queue = append(s.queue, task)
	s.mu.Unlock()
	s.cond.Signal()
}

// Marker enqueues a marker and returns a channel that is closed once all
// work enqueued before the marker has completed.
func (s *Stream) Marker() <-chan struct{} {
	done := make(chan struct{})
	s.Enqueue(func() { close(done) })
	return done
}

// Sync blocks the calling thread until the stream has drained everything
// enqueued so far.
func (s *Stream) Sync() {
	<-s.Marker()
	if s.syncHook != nil {
		s.syncHook()
	}
}

// setSyncHook installs backend-specific completion work run at the end of
// every Sync, e.g. a real device-stream synchronize.
func (s *Stream) setSyncHook(hook func()) {
	s.syncHook = hook
}

// Close drains the stream and stops its worker. The handle is removed
// from the process-wide registry.
func (s *Stream) Close() {
	s.Sync()

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Signal()

	streamsMu.Lock()
	delete(streams, s.handle)
	streamsMu.Unlock()
}

// LookupStream resolves a handle to its live stream, nil if unknown.
func LookupStream(h Handle) *Stream {
	streamsMu.RLock()
	defer streamsMu.RUnlock()
	return streams[h]
}
