package client

import (
	"testing"
	"unsafe"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-nock/internal/dltensor"
)

func hostCapsule(t *testing.T, data []byte, shape []int64) *dltensor.Capsule {
	t.Helper()
	var ptr unsafe.Pointer
	if len(data) > 0 {
		ptr = unsafe.Pointer(&data[0])
	}
	desc, err := dltensor.FromBuffer(ptr, shape, dltensor.Uint8, dltensor.Device{Type: dltensor.DeviceCPU})
	require.NoError(t, err)
	return dltensor.Wrap(desc, data, nil)
}

func TestCodecRoundTrip(t *testing.T) {
	codec := NewTensorCodec(memory.NewGoAllocator())

	samples := [][]byte{
		{1, 2, 3, 4, 5, 6},
		{7, 8},
		{},
	}
	shapes := [][]int64{{2, 3}, {2, 1}, {0, 4}}
	caps := make([]*dltensor.Capsule, len(samples))
	for i := range samples {
		caps[i] = hostCapsule(t, samples[i], shapes[i])
	}

	rec, meta, err := codec.EncodeSlot(caps, "HW")
	require.NoError(t, err)
	assert.Equal(t, int64(3), rec.NumRows())

	decoded, layout, err := codec.DecodeSlot(rec, meta)
	require.NoError(t, err)
	assert.Equal(t, "HW", layout)
	require.Len(t, decoded, 3)

	// The decoded views must survive the caller dropping the record.
	rec.Release()

	for i, c := range decoded {
		desc := c.Consume()
		assert.Equal(t, shapes[i], desc.Shape, "sample %d", i)
		dt, err := desc.DataType()
		require.NoError(t, err)
		assert.Equal(t, dltensor.Uint8, dt)
		view, err := desc.HostBytes()
		require.NoError(t, err)
		if len(samples[i]) == 0 {
			assert.Empty(t, view)
		} else {
			assert.Equal(t, samples[i], view)
		}
		c.Release()
	}
}

func TestCodecEmptySlot(t *testing.T) {
	codec := NewTensorCodec(memory.NewGoAllocator())

	rec, meta, err := codec.EncodeSlot(nil, "")
	require.NoError(t, err)
	defer rec.Release()
	assert.Equal(t, int64(0), rec.NumRows())

	decoded, layout, err := codec.DecodeSlot(rec, meta)
	require.NoError(t, err)
	assert.Empty(t, decoded)
	assert.Empty(t, layout)
}

func TestCodecGathersStridedSource(t *testing.T) {
	codec := NewTensorCodec(memory.NewGoAllocator())

	// Column-major 2x3: must arrive dense row-major on the other side.
	src := []byte{1, 4, 2, 5, 3, 6}
	desc, err := dltensor.FromStrided(unsafe.Pointer(&src[0]), []int64{2, 3}, []int64{1, 2},
		dltensor.Uint8, dltensor.Device{Type: dltensor.DeviceCPU})
	require.NoError(t, err)

	rec, meta, err := codec.EncodeSlot([]*dltensor.Capsule{dltensor.Wrap(desc, src, nil)}, "")
	require.NoError(t, err)
	defer rec.Release()

	decoded, _, err := codec.DecodeSlot(rec, meta)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	got := decoded[0].Consume()
	view, err := got.HostBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, view)
	assert.Nil(t, got.Strides)
	decoded[0].Release()
}

func TestCodecRejectsMixedDtypes(t *testing.T) {
	codec := NewTensorCodec(memory.NewGoAllocator())

	a := hostCapsule(t, []byte{1}, []int64{1})

	f64, err := wrapFloat64([]float64{1}, []int64{1})
	require.NoError(t, err)

	_, _, err = codec.EncodeSlot([]*dltensor.Capsule{a, f64}, "")
	assert.Error(t, err)
}
