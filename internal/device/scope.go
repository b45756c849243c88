package device

import "sync/atomic"

// The current stream is the one value shared with foreign code during an
// invocation. It is set strictly inside the bracketed scope of one call
// into the external function; the invocation lock in the bridge keeps
// scopes from interleaving.

var currentStream atomic.Uint64

// StreamScope restores the previous current stream on exit. Acquire with
// ScopeStream, release with Exit (deferred), so every exit path restores.
type StreamScope struct {
	prev uint64
}

// ScopeStream installs s as the process-wide current stream and returns
// the scope guard. A nil stream clears the current value for the scope.
func ScopeStream(s *Stream) StreamScope {
	var h uint64
	if s != nil {
		h = uint64(s.handle)
	}
	return StreamScope{prev: currentStream.Swap(h)}
}

// Exit restores the stream that was current before the scope was entered.
func (sc StreamScope) Exit() {
	currentStream.Store(sc.prev)
}

// CurrentStream returns the handle of the stream bound to the running
// invocation, 0 when none is bound. Foreign code uses this to enqueue its
// own device work onto the pipeline's queue.
func CurrentStream() Handle {
	return Handle(currentStream.Load())
}

// SynchronizeIfRequested blocks until all work previously enqueued on the
// current stream has completed, when wait is true. When wait is false it
// returns immediately and ordering is the external function's duty.
func SynchronizeIfRequested(wait bool) {
	if !wait {
		return
	}
	if s := LookupStream(CurrentStream()); s != nil {
		s.Sync()
	}
}
