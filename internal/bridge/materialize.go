package bridge

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-nock/internal/dltensor"
)

// ErrInconsistentRank is a configuration error: the samples of one output
// slot do not agree on rank. Detected during shape aggregation, before
// any copy is issued.
var ErrInconsistentRank = errors.New("bridge: inconsistent rank across output samples")

// ErrLayoutTag is a configuration error: a layout tag does not match the
// rank of the output it is assigned to.
var ErrLayoutTag = errors.New("bridge: layout tag does not match output rank")

// aggregateOutput consumes the result capsules of one output slot and
// validates them as a batch: uniform rank, uniform dtype, optional layout
// tag matching the rank.
func aggregateOutput(results []*dltensor.Capsule, layout string) (descs []*dltensor.Descriptor, shapes [][]int64, dt dltensor.DataType, err error) {
	descs = make([]*dltensor.Descriptor, len(results))
	for i, c := range results {
		descs[i] = c.Consume()
	}
	if len(descs) == 0 {
		// Rank of an empty batch is unknowable; a layout tag is kept
		// as-is.
		return descs, nil, 0, nil
	}

	dt, err = descs[0].DataType()
	if err != nil {
		return nil, nil, 0, err
	}
	rank := descs[0].Rank()
	if layout != "" && len(layout) != rank {
		return nil, nil, 0, fmt.Errorf("%w: tag %q for rank %d", ErrLayoutTag, layout, rank)
	}

	shapes = make([][]int64, len(descs))
	for i, d := range descs {
		if d.Rank() != rank {
			return nil, nil, 0, fmt.Errorf("%w: sample 0 has rank %d, sample %d has rank %d",
				ErrInconsistentRank, rank, i, d.Rank())
		}
		if d.DType != descs[0].DType {
			return nil, nil, 0, fmt.Errorf("bridge: dtype mismatch across output samples: %s vs %s",
				descs[0].DType, d.DType)
		}
		shapes[i] = d.Shape
	}
	return descs, shapes, dt, nil
}

func releaseAll(caps []*dltensor.Capsule) {
	for _, c := range caps {
		if c.State() != dltensor.StateReleased {
			c.Release()
		}
	}
}

// MaterializeCPU copies one output slot's externally produced tensors
// into a freshly allocated host batch. Per-sample copy jobs run on the
// workspace thread pool, weighted by byte size so large samples are
// scheduled first; the call blocks on the pool barrier and is fully
// synchronous. The result capsules are released before returning.
func MaterializeCPU(ws *Workspace, results []*dltensor.Capsule, layout string) (*TensorList, error) {
	descs, shapes, dt, err := aggregateOutput(results, layout)
	if err != nil {
		releaseAll(results)
		return nil, err
	}

	out, err := NewTensorList(ws.Backend(), dt, shapes, ListOptions{Layout: layout})
	if err != nil {
		releaseAll(results)
		return nil, err
	}

	pool := ws.Pool()
	total := int64(0)
	for i, d := range descs {
		i, d := i, d
		size := d.SizeBytes()
		total += size
		pool.AddWork(size, func(int) {
			if err := dltensor.CopyToHost(out.SampleBytes(i), d); err != nil {
				panic(fmt.Sprintf("bridge: output copy of sample %d: %v", i, err))
			}
		})
	}
	pool.RunAll()

	releaseAll(results)
	outputBytesCopied.Add(float64(total))
	return out, nil
}

// MaterializeGPU copies one output slot into a freshly allocated
// contiguous device batch with a single batched transfer enqueued on the
// invocation stream. It returns once the copy is enqueued, not complete;
// downstream consumers rely on stream ordering. The result capsules are
// released on the same stream, after the copy.
func MaterializeGPU(ws *Workspace, results []*dltensor.Capsule, layout string) (*TensorList, error) {
	descs, shapes, dt, err := aggregateOutput(results, layout)
	if err != nil {
		releaseAll(results)
		return nil, err
	}

	out, err := NewTensorList(ws.Backend(), dt, shapes, ListOptions{Contiguous: true, Layout: layout})
	if err != nil {
		releaseAll(results)
		return nil, err
	}

	stream := ws.Stream()
	if err := ws.Backend().EnqueueCopyBatch(stream, out.buf, out.offsets, descs); err != nil {
		releaseAll(results)
		out.Release()
		return nil, err
	}

	total := int64(0)
	for _, d := range descs {
		total += d.SizeBytes()
	}
	outputBytesCopied.Add(float64(total))

	// Foreign memory must outlive the async copy: release it in stream
	// order, behind the transfer.
	if stream != nil {
		stream.Enqueue(func() { releaseAll(results) })
	} else {
		releaseAll(results)
	}
	return out, nil
}
