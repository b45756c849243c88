package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/dltensor"
	"github.com/23skdu/longbow-nock/internal/workpool"
)

// identity consumes every input capsule and hands back views of the same
// memory, one output slot per input slot.
func identity(_ context.Context, args *CallArgs) ([][]*dltensor.Capsule, error) {
	var bySlot [][]*dltensor.Capsule
	add := func(slot int, c *dltensor.Capsule) {
		for len(bySlot) <= slot {
			bySlot = append(bySlot, nil)
		}
		desc := c.Consume()
		view := *desc
		bySlot[slot] = append(bySlot[slot], dltensor.Wrap(&view, c, c.Release))
	}
	if args.Mode == ModeBatch {
		for slot, caps := range args.Args {
			for _, c := range caps {
				add(slot, c)
			}
		}
	} else {
		for _, row := range args.Args {
			for slot, c := range row {
				add(slot, c)
			}
		}
	}
	return bySlot, nil
}

func TestInvokerIdentityEndToEnd(t *testing.T) {
	// 3 samples of shape (28,28) uint8 through an identity function must
	// come back bit-identical in a fresh batch.
	ws := testWorkspace(t)
	shapes := [][]int64{{28, 28}, {28, 28}, {28, 28}}
	in := makeList(t, ws, shapes, 5, ListOptions{})
	ws.AddInput(in)

	inv, err := NewInvoker(DefaultConfig(), identity)
	require.NoError(t, err)

	outs, err := inv.Run(context.Background(), ws)
	require.NoError(t, err)
	require.Len(t, outs, 1)

	out := outs[0]
	assert.Equal(t, 3, out.NumSamples())
	assert.Equal(t, dltensor.Uint8, out.DataType())
	for i := 0; i < 3; i++ {
		assert.Equal(t, []int64{28, 28}, out.SampleShape(i))
		assert.Equal(t, in.SampleBytes(i), out.SampleBytes(i), "sample %d", i)
	}
}

func TestInvokerBatchProcessing(t *testing.T) {
	ws := testWorkspace(t)
	ws.AddInput(makeList(t, ws, [][]int64{{2}, {3}}, 1, ListOptions{}))
	ws.AddInput(makeList(t, ws, [][]int64{{2}, {3}}, 9, ListOptions{}))

	var seen ArgMode
	fn := func(ctx context.Context, args *CallArgs) ([][]*dltensor.Capsule, error) {
		seen = args.Mode
		return identity(ctx, args)
	}

	cfg := DefaultConfig()
	cfg.BatchProcessing = true
	cfg.NumOutputs = 2
	inv, err := NewInvoker(cfg, fn)
	require.NoError(t, err)

	outs, err := inv.Run(context.Background(), ws)
	require.NoError(t, err)
	assert.Equal(t, ModeBatch, seen)
	require.Len(t, outs, 2)
	assert.Equal(t, []byte{9, 9}, outs[1].SampleBytes(0))
}

func TestInvokerArityMismatch(t *testing.T) {
	ws := testWorkspace(t)
	ws.AddInput(makeList(t, ws, [][]int64{{2}}, 1, ListOptions{}))

	cfg := DefaultConfig()
	cfg.NumOutputs = 2
	inv, err := NewInvoker(cfg, identity)
	require.NoError(t, err)

	_, err = inv.Run(context.Background(), ws)
	assert.ErrorIs(t, err, ErrArityMismatch)
}

func TestInvokerExternalErrorPropagatesOpaquely(t *testing.T) {
	ws := testWorkspace(t)
	ws.AddInput(makeList(t, ws, [][]int64{{2}}, 1, ListOptions{}))

	boom := errors.New("segfault in user code")
	inv, err := NewInvoker(DefaultConfig(), func(context.Context, *CallArgs) ([][]*dltensor.Capsule, error) {
		return nil, boom
	})
	require.NoError(t, err)

	_, err = inv.Run(context.Background(), ws)
	assert.ErrorIs(t, err, boom)
}

func TestInvokerReleasesUnconsumedInputs(t *testing.T) {
	ws := testWorkspace(t)
	tl := makeList(t, ws, [][]int64{{2}, {2}}, 1, ListOptions{})
	ws.AddInput(tl)

	// The function ignores its arguments entirely.
	cfg := DefaultConfig()
	cfg.NumOutputs = 0
	inv, err := NewInvoker(cfg, func(context.Context, *CallArgs) ([][]*dltensor.Capsule, error) {
		return nil, nil
	})
	require.NoError(t, err)

	outs, err := inv.Run(context.Background(), ws)
	require.NoError(t, err)
	assert.Empty(t, outs)
	// The input buffers are back to a single reference; releasing the
	// list must not panic on a double free.
	assert.NotPanics(t, func() { tl.Release() })
}

func TestInvokerConfigValidation(t *testing.T) {
	t.Run("Negative outputs", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.NumOutputs = -1
		_, err := NewInvoker(cfg, identity)
		assert.Error(t, err)
	})

	t.Run("More layouts than outputs", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.NumOutputs = 1
		cfg.OutputLayouts = []string{"HW", "HW"}
		_, err := NewInvoker(cfg, identity)
		assert.ErrorIs(t, err, ErrLayoutTag)
	})

	t.Run("Fewer layouts than outputs is fine", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.NumOutputs = 3
		cfg.OutputLayouts = []string{"HW"}
		_, err := NewInvoker(cfg, identity)
		assert.NoError(t, err)
	})

	t.Run("Nil function", func(t *testing.T) {
		_, err := NewInvoker(DefaultConfig(), nil)
		assert.Error(t, err)
	})
}

func TestInvokerStreamScopeAndSynchronize(t *testing.T) {
	backend := device.NewCPUBackend()
	stream := backend.NewStream()
	defer stream.Close()
	ws := NewWorkspace(backend, workpool.New(2), stream)
	ws.AddInput(makeList(t, ws, [][]int64{{1}}, 1, ListOptions{}))

	// Pending device work enqueued before the invocation.
	fired := false
	stream.Enqueue(func() {
		time.Sleep(10 * time.Millisecond)
		fired = true
	})

	var observedHandle device.Handle
	var observedFired bool
	fn := func(ctx context.Context, args *CallArgs) ([][]*dltensor.Capsule, error) {
		// Inside the bracketed scope the stream is the current one and,
		// with synchronize_stream on, its prior work has completed.
		observedHandle = device.CurrentStream()
		observedFired = fired
		return identity(ctx, args)
	}

	inv, err := NewInvoker(DefaultConfig(), fn)
	require.NoError(t, err)

	_, err = inv.Run(context.Background(), ws)
	require.NoError(t, err)
	assert.Equal(t, stream.Handle(), observedHandle)
	assert.True(t, observedFired)
	// Scope restored after the invocation.
	assert.Equal(t, device.Handle(0), device.CurrentStream())
}

func TestInvokerEmptyWorkspace(t *testing.T) {
	ws := testWorkspace(t)
	cfg := DefaultConfig()
	cfg.NumOutputs = 0
	inv, err := NewInvoker(cfg, func(_ context.Context, args *CallArgs) ([][]*dltensor.Capsule, error) {
		if len(args.Args) != 0 {
			return nil, errors.New("expected empty args")
		}
		return nil, nil
	})
	require.NoError(t, err)

	outs, err := inv.Run(context.Background(), ws)
	require.NoError(t, err)
	assert.Empty(t, outs)
}
