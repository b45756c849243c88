package bridge

import (
	"math/rand"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/dltensor"
	"github.com/23skdu/longbow-nock/internal/workpool"
)

// foreignTensor simulates an externally produced result: memory the
// pipeline may copy from but never frees itself.
type foreignTensor struct {
	data     []byte
	released *int
}

func newForeignCapsule(t *testing.T, rng *rand.Rand, shape []int64, released *int) (*dltensor.Capsule, []byte) {
	t.Helper()
	n := int64(1)
	for _, e := range shape {
		n *= e
	}
	ft := &foreignTensor{data: make([]byte, n), released: released}
	rng.Read(ft.data)

	var ptr unsafe.Pointer
	if n > 0 {
		ptr = unsafe.Pointer(&ft.data[0])
	}
	desc, err := dltensor.FromBuffer(ptr, shape, dltensor.Uint8, dltensor.Device{Type: dltensor.DeviceCPU})
	require.NoError(t, err)
	return dltensor.Wrap(desc, ft, func() { *ft.released++ }), ft.data
}

func randomShapes(rng *rand.Rand, batchSize int) [][]int64 {
	shapes := make([][]int64, batchSize)
	for i := range shapes {
		// Mixed sample sizes, some empty.
		shapes[i] = []int64{rng.Int63n(17), rng.Int63n(13)}
	}
	return shapes
}

func TestMaterializeCPUMatchesSequentialReference(t *testing.T) {
	for _, batchSize := range []int{0, 1, 37, 256} {
		t.Run(map[int]string{0: "Empty", 1: "Single", 37: "Odd", 256: "Large"}[batchSize], func(t *testing.T) {
			rng := rand.New(rand.NewSource(int64(batchSize)))
			ws := testWorkspace(t)

			released := 0
			shapes := randomShapes(rng, batchSize)
			caps := make([]*dltensor.Capsule, batchSize)
			reference := make([][]byte, batchSize)
			for i := range caps {
				var src []byte
				caps[i], src = newForeignCapsule(t, rng, shapes[i], &released)
				// Strictly sequential reference copy.
				reference[i] = append([]byte(nil), src...)
			}

			out, err := MaterializeCPU(ws, caps, "")
			require.NoError(t, err)
			require.Equal(t, batchSize, out.NumSamples())
			assert.Equal(t, batchSize, released)

			for i := 0; i < batchSize; i++ {
				assert.Equal(t, shapes[i], out.SampleShape(i))
				assert.Equal(t, reference[i], append([]byte(nil), out.SampleBytes(i)...), "sample %d", i)
			}
		})
	}
}

func TestMaterializeCPUStridedSource(t *testing.T) {
	ws := testWorkspace(t)

	// Column-major 2x3 foreign tensor must be de-strided on copy-back.
	src := []byte{1, 4, 2, 5, 3, 6}
	desc, err := dltensor.FromStrided(unsafe.Pointer(&src[0]), []int64{2, 3}, []int64{1, 2},
		dltensor.Uint8, dltensor.Device{Type: dltensor.DeviceCPU})
	require.NoError(t, err)
	c := dltensor.Wrap(desc, src, nil)

	out, err := MaterializeCPU(ws, []*dltensor.Capsule{c}, "")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, out.SampleBytes(0))
}

func TestMaterializeRankMismatch(t *testing.T) {
	ws := testWorkspace(t)
	rng := rand.New(rand.NewSource(1))

	released := 0
	a, _ := newForeignCapsule(t, rng, []int64{2, 2}, &released)
	b, _ := newForeignCapsule(t, rng, []int64{4}, &released)

	_, err := MaterializeCPU(ws, []*dltensor.Capsule{a, b}, "")
	assert.ErrorIs(t, err, ErrInconsistentRank)
	// No leak on the error path.
	assert.Equal(t, 2, released)
}

func TestMaterializeLayoutTag(t *testing.T) {
	ws := testWorkspace(t)
	rng := rand.New(rand.NewSource(2))

	t.Run("Matching rank", func(t *testing.T) {
		released := 0
		c, _ := newForeignCapsule(t, rng, []int64{3, 4}, &released)
		out, err := MaterializeCPU(ws, []*dltensor.Capsule{c}, "HW")
		require.NoError(t, err)
		assert.Equal(t, "HW", out.Layout())
	})

	t.Run("Wrong rank", func(t *testing.T) {
		released := 0
		c, _ := newForeignCapsule(t, rng, []int64{3, 4}, &released)
		_, err := MaterializeCPU(ws, []*dltensor.Capsule{c}, "HWC")
		assert.ErrorIs(t, err, ErrLayoutTag)
		assert.Equal(t, 1, released)
	})
}

func TestMaterializeGPUReturnsOnEnqueue(t *testing.T) {
	backend := device.NewCPUBackend()
	stream := backend.NewStream()
	defer stream.Close()
	ws := NewWorkspace(backend, workpool.New(2), stream)
	rng := rand.New(rand.NewSource(3))

	released := 0
	shapes := [][]int64{{4}, {2, 3}, {5}}
	caps := make([]*dltensor.Capsule, len(shapes))
	reference := make([][]byte, len(shapes))
	for i := range caps {
		var src []byte
		caps[i], src = newForeignCapsule(t, rng, shapes[i], &released)
		reference[i] = append([]byte(nil), src...)
	}

	// Gate the stream: the call must return with the copy still queued.
	release := make(chan struct{})
	stream.Enqueue(func() { <-release })

	out, err := MaterializeGPU(ws, caps, "")
	require.NoError(t, err)
	assert.True(t, out.Contiguous())
	assert.Equal(t, 0, released, "sources must stay pinned until the stream runs the copy")

	close(release)
	stream.Sync()

	assert.Equal(t, len(shapes), released)
	for i := range shapes {
		assert.Equal(t, reference[i], append([]byte(nil), out.SampleBytes(i)...), "sample %d", i)
	}
}
