package client

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-nock/internal/dltensor"
)

func float64Capsule(t *testing.T, vals []float64, shape []int64) *dltensor.Capsule {
	t.Helper()
	c, err := wrapFloat64(vals, shape)
	require.NoError(t, err)
	return c
}

func sampleFloat64s(t *testing.T, c *dltensor.Capsule) []float64 {
	t.Helper()
	desc := c.Consume()
	bs, err := desc.HostBytes()
	require.NoError(t, err)
	if len(bs) == 0 {
		return nil
	}
	out := make([]float64, desc.NumElements())
	copy(out, unsafe.Slice((*float64)(unsafe.Pointer(&bs[0])), len(out)))
	c.Release()
	return out
}

func TestIdentityViewsSameMemory(t *testing.T) {
	data := []byte{1, 2, 3}
	in := hostCapsule(t, data, []int64{3})
	srcPtr := in.Descriptor().Data

	outs, err := Identity()([][]*dltensor.Capsule{{in}})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	require.Len(t, outs[0], 1)

	out := outs[0][0]
	assert.Equal(t, srcPtr, out.Descriptor().Data)
	out.Consume()
	out.Release()
	// The view's release tears down the source too.
	assert.Equal(t, dltensor.StateReleased, in.State())
}

func TestScale(t *testing.T) {
	in := float64Capsule(t, []float64{1, 2, 3}, []int64{3})

	outs, err := Scale(2.5)([][]*dltensor.Capsule{{in}})
	require.NoError(t, err)
	assert.Equal(t, []float64{2.5, 5, 7.5}, sampleFloat64s(t, outs[0][0]))
}

func TestScaleRejectsNonFloat64(t *testing.T) {
	in := hostCapsule(t, []byte{1}, []int64{1})
	_, err := Scale(2)([][]*dltensor.Capsule{{in}})
	assert.Error(t, err)
}

func TestAffine(t *testing.T) {
	m := mat.NewDense(2, 2, []float64{1, 2, 3, 4})

	t.Run("Matching dims", func(t *testing.T) {
		in := float64Capsule(t, []float64{1, 0, 0, 1, 1, 1}, []int64{3, 2})

		outs, err := Affine(m)([][]*dltensor.Capsule{{in}})
		require.NoError(t, err)

		var want mat.Dense
		want.Mul(mat.NewDense(3, 2, []float64{1, 0, 0, 1, 1, 1}), m)
		got := sampleFloat64s(t, outs[0][0])
		assert.Equal(t, want.RawMatrix().Data, got)
	})

	t.Run("Inner dimension mismatch", func(t *testing.T) {
		in := float64Capsule(t, []float64{1, 2, 3}, []int64{1, 3})
		_, err := Affine(m)([][]*dltensor.Capsule{{in}})
		assert.Error(t, err)
	})

	t.Run("Wrong rank", func(t *testing.T) {
		in := float64Capsule(t, []float64{1, 2}, []int64{2})
		_, err := Affine(m)([][]*dltensor.Capsule{{in}})
		assert.Error(t, err)
	})
}
