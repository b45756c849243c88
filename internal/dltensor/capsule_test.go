package dltensor

import (
	"math/rand"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCapsule(t *testing.T, released *int) *Capsule {
	t.Helper()
	data := make([]byte, 8)
	desc, err := FromBuffer(unsafe.Pointer(&data[0]), []int64{8}, Uint8, Device{DeviceCPU, 0})
	require.NoError(t, err)
	return Wrap(desc, data, func() { *released++ })
}

func TestCapsuleLifecycle(t *testing.T) {
	released := 0
	c := testCapsule(t, &released)

	assert.Equal(t, StateCreated, c.State())
	assert.Equal(t, CapsuleName, c.Name())

	desc := c.Consume()
	assert.NotNil(t, desc)
	assert.Equal(t, StateConsumed, c.State())
	assert.Equal(t, ConsumedCapsuleName, c.Name())
	assert.Equal(t, 0, released)

	c.Release()
	assert.Equal(t, StateReleased, c.State())
	assert.Equal(t, 1, released)
}

func TestCapsuleReleaseWithoutConsume(t *testing.T) {
	// Cleanup path when the external call raises before taking ownership.
	released := 0
	c := testCapsule(t, &released)
	c.Release()
	assert.Equal(t, 1, released)
}

func TestCapsuleDoubleConsume(t *testing.T) {
	released := 0
	c := testCapsule(t, &released)
	c.Consume()
	assert.Panics(t, func() { c.Consume() })
}

func TestCapsuleDoubleRelease(t *testing.T) {
	released := 0
	c := testCapsule(t, &released)
	c.Consume()
	c.Release()
	assert.Panics(t, func() { c.Release() })
	assert.Equal(t, 1, released)
}

func TestCapsuleUseAfterRelease(t *testing.T) {
	released := 0
	c := testCapsule(t, &released)
	c.Release()
	assert.Panics(t, func() { c.Descriptor() })
	assert.Panics(t, func() { c.Consume() })
}

// TestCapsuleFuzzLifecycle drives random op sequences and checks that
// every illegal transition panics and the deleter count never leaves one.
func TestCapsuleFuzzLifecycle(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 1000; trial++ {
		released := 0
		c := testCapsule(t, &released)
		consumed := false
		dead := false

		for op := 0; op < 8; op++ {
			switch rng.Intn(3) {
			case 0: // consume
				if !dead && !consumed {
					c.Consume()
					consumed = true
				} else {
					assert.Panics(t, func() { c.Consume() }, "trial %d", trial)
				}
			case 1: // release
				if !dead {
					c.Release()
					dead = true
				} else {
					assert.Panics(t, func() { c.Release() }, "trial %d", trial)
				}
			case 2: // inspect
				if !dead {
					assert.NotNil(t, c.Descriptor())
				} else {
					assert.Panics(t, func() { c.Descriptor() }, "trial %d", trial)
				}
			}
		}
		if dead {
			assert.Equal(t, 1, released, "trial %d", trial)
		} else {
			assert.Equal(t, 0, released, "trial %d", trial)
		}
	}
}

func TestExportHandsOverOnce(t *testing.T) {
	released := 0
	c := testCapsule(t, &released)

	var ordered []uint64
	e := NewExport(c, func(h uint64) { ordered = append(ordered, h) })

	devType, devID := e.DLPackDevice()
	assert.Equal(t, DeviceCPU, devType)
	assert.Equal(t, int32(0), devID)

	consumer := uint64(42)
	got := e.DLPack(&consumer)
	assert.Same(t, c, got)
	assert.Equal(t, []uint64{42}, ordered)

	assert.Panics(t, func() { e.DLPack(nil) })
}
