package dltensor

import (
	"fmt"
	"sync/atomic"
)

// Capsule token names of the exchange protocol. A capsule is renamed to
// the consumed token once ownership has been transferred.
const (
	CapsuleName         = "dltensor"
	ConsumedCapsuleName = "used_dltensor"
)

// CapsuleState is the explicit lifetime tag of a capsule.
type CapsuleState int32

const (
	StateCreated CapsuleState = iota
	StateConsumed
	StateReleased
)

func (s CapsuleState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConsumed:
		return "consumed"
	case StateReleased:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Capsule is the single-owner handle that carries one descriptor across
// the call boundary. It holds a payload pinning the originating buffer and
// a deleter that runs exactly once over the capsule's lifetime.
//
// Lifecycle violations (double consume, double release, touching a
// released capsule) are programmer errors in calling code and panic rather
// than return: continuing past one risks silent memory corruption.
type Capsule struct {
	desc    *Descriptor
	payload any
	deleter func()
	state   atomic.Int32
}

// Wrap creates a capsule in the Created state. payload pins whatever keeps
// the descriptor's memory alive; deleter unpins it and is invoked exactly
// once by Release.
func Wrap(desc *Descriptor, payload any, deleter func()) *Capsule {
	if desc == nil {
		panic("dltensor: Wrap with nil descriptor")
	}
	return &Capsule{desc: desc, payload: payload, deleter: deleter}
}

// State returns the current lifetime tag.
func (c *Capsule) State() CapsuleState {
	return CapsuleState(c.state.Load())
}

// Name returns the boundary token identifying the capsule, which changes
// once the capsule has been consumed.
func (c *Capsule) Name() string {
	if c.State() == StateCreated {
		return CapsuleName
	}
	return ConsumedCapsuleName
}

// Descriptor returns the wrapped descriptor for inspection without a state
// transition. Touching a released capsule is fatal.
func (c *Capsule) Descriptor() *Descriptor {
	if c.State() == StateReleased {
		panic("dltensor: descriptor access on released capsule")
	}
	return c.desc
}

// Consume transfers ownership of the descriptor to the caller. Only a
// Created capsule can be consumed; anything else is a fatal double-consume.
func (c *Capsule) Consume() *Descriptor {
	if !c.state.CompareAndSwap(int32(StateCreated), int32(StateConsumed)) {
		panic(fmt.Sprintf("dltensor: consume of %s capsule", c.State()))
	}
	return c.desc
}

// Release runs the deleter and invalidates the capsule. Releasing twice is
// a fatal double-release: it indicates a use-after-free somewhere in the
// calling code and must abort rather than be ignored.
func (c *Capsule) Release() {
	prev := CapsuleState(c.state.Swap(int32(StateReleased)))
	if prev == StateReleased {
		panic("dltensor: double release of capsule")
	}
	if c.deleter != nil {
		c.deleter()
	}
	c.desc = nil
	c.payload = nil
	c.deleter = nil
}
