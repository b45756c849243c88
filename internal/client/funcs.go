package client

import (
	"context"
	"fmt"
	"unsafe"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-nock/internal/bridge"
	"github.com/23skdu/longbow-nock/internal/dltensor"
)

// Built-in external functions. They run in-process through AsFunction or
// behind a FunctionServer.

// AsFunction lifts a slot handler into the invoker's function signature.
func AsFunction(h SlotHandler) bridge.Function {
	return func(_ context.Context, args *bridge.CallArgs) ([][]*dltensor.Capsule, error) {
		return h(slotsOf(args))
	}
}

// Identity hands every input back as an output view of the same memory.
func Identity() SlotHandler {
	return func(slots [][]*dltensor.Capsule) ([][]*dltensor.Capsule, error) {
		outs := make([][]*dltensor.Capsule, len(slots))
		for i, slot := range slots {
			outs[i] = make([]*dltensor.Capsule, len(slot))
			for j, c := range slot {
				desc := c.Consume()
				view := *desc
				outs[i][j] = dltensor.Wrap(&view, c, c.Release)
			}
		}
		return outs, nil
	}
}

// Scale multiplies every float64 sample by alpha, producing fresh host
// tensors of the same shape.
func Scale(alpha float64) SlotHandler {
	return mapSamples(func(src []float64, shape []int64) (*dltensor.Capsule, error) {
		dst := make([]float64, len(src))
		floats.ScaleTo(dst, alpha, src)
		return wrapFloat64(dst, shape)
	})
}

// Affine multiplies every 2-D float64 sample by m on the right:
// a (r,k) sample becomes (r,c) for a (k,c) matrix.
func Affine(m *mat.Dense) SlotHandler {
	return mapSamples(func(src []float64, shape []int64) (*dltensor.Capsule, error) {
		if len(shape) != 2 {
			return nil, fmt.Errorf("client: affine needs rank-2 samples, got rank %d", len(shape))
		}
		k, c := m.Dims()
		if int(shape[1]) != k {
			return nil, fmt.Errorf("client: affine got (%d,%d) sample for a (%d,%d) matrix",
				shape[0], shape[1], k, c)
		}
		r := int(shape[0])
		dst := make([]float64, r*c)
		out := mat.NewDense(r, c, dst)
		out.Mul(mat.NewDense(r, k, src), m)
		return wrapFloat64(dst, []int64{int64(r), int64(c)})
	})
}

// mapSamples applies f independently to every float64 sample of every
// slot, releasing each input once its replacement exists.
func mapSamples(f func(src []float64, shape []int64) (*dltensor.Capsule, error)) SlotHandler {
	return func(slots [][]*dltensor.Capsule) ([][]*dltensor.Capsule, error) {
		outs := make([][]*dltensor.Capsule, len(slots))
		for i, slot := range slots {
			outs[i] = make([]*dltensor.Capsule, len(slot))
			for j, c := range slot {
				desc := c.Consume()
				src, err := float64View(desc)
				if err != nil {
					c.Release()
					return nil, err
				}
				out, err := f(src, desc.Shape)
				c.Release()
				if err != nil {
					return nil, err
				}
				outs[i][j] = out
			}
		}
		return outs, nil
	}
}

// float64View returns the sample's elements densely, gathering strided
// sources and viewing contiguous ones in place.
func float64View(desc *dltensor.Descriptor) ([]float64, error) {
	dt, err := desc.DataType()
	if err != nil {
		return nil, err
	}
	if dt != dltensor.Float64 {
		return nil, fmt.Errorf("client: want float64 samples, got %s", dt)
	}
	n := desc.NumElements()
	if n == 0 {
		return nil, nil
	}
	if desc.IsContiguous() && desc.Device.HostVisible() {
		bs, err := desc.HostBytes()
		if err != nil {
			return nil, err
		}
		return unsafe.Slice((*float64)(unsafe.Pointer(&bs[0])), n), nil
	}
	scratch := make([]byte, desc.SizeBytes())
	if err := dltensor.CopyToHost(scratch, desc); err != nil {
		return nil, err
	}
	return unsafe.Slice((*float64)(unsafe.Pointer(&scratch[0])), n), nil
}

func wrapFloat64(data []float64, shape []int64) (*dltensor.Capsule, error) {
	var ptr unsafe.Pointer
	if len(data) > 0 {
		ptr = unsafe.Pointer(&data[0])
	}
	desc, err := dltensor.FromBuffer(ptr, shape, dltensor.Float64, dltensor.Device{Type: dltensor.DeviceCPU})
	if err != nil {
		return nil, err
	}
	return dltensor.Wrap(desc, data, nil), nil
}
