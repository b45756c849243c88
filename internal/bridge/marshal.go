package bridge

import (
	"fmt"

	"github.com/23skdu/longbow-nock/internal/dltensor"
)

// ArgMode selects how capsules are grouped for the external call.
type ArgMode int

const (
	// ModeBatch groups one capsule list per input slot.
	ModeBatch ArgMode = iota
	// ModePerSample groups one capsule tuple per sample, each holding
	// one capsule per input slot.
	ModePerSample
)

// CallArgs is the argument set for one external invocation. It is built
// fresh per call and torn down after the call returns or fails; capsules
// the receiver did not consume are released by ReleaseUnconsumed.
type CallArgs struct {
	Mode ArgMode

	// Args is indexed [slot][sample] in batch mode and [sample][slot]
	// in per-sample mode.
	Args [][]*dltensor.Capsule
}

// PrepareBatch marshals the workspace in batch mode: one descriptor per
// sample, grouped by input slot. Zero inputs yield an empty set.
func PrepareBatch(ws *Workspace) (*CallArgs, error) {
	args := &CallArgs{Mode: ModeBatch}
	for idx := 0; idx < ws.NumInput(); idx++ {
		caps, err := ws.Input(idx).Capsules()
		if err != nil {
			args.ReleaseUnconsumed()
			return nil, fmt.Errorf("bridge: marshal input %d: %w", idx, err)
		}
		args.Args = append(args.Args, caps)
		capsulesMarshaled.Add(float64(len(caps)))
	}
	return args, nil
}

// PrepareBatchPerSample marshals the workspace in per-sample mode: the
// same descriptors as batch mode, regrouped so each sample's full
// argument tuple is one unit. Slot views are built once and sliced by
// index, so contiguous device lists incur no extra device work.
func PrepareBatchPerSample(ws *Workspace) (*CallArgs, error) {
	args := &CallArgs{Mode: ModePerSample}
	if ws.NumInput() == 0 {
		return args, nil
	}

	batchSize := ws.BatchSize()
	rows := make([][]*dltensor.Capsule, batchSize)
	for s := range rows {
		rows[s] = make([]*dltensor.Capsule, ws.NumInput())
	}

	for idx := 0; idx < ws.NumInput(); idx++ {
		caps, err := ws.Input(idx).Capsules()
		if err == nil && len(caps) != batchSize {
			err = fmt.Errorf("%d samples, expected %d", len(caps), batchSize)
			for _, c := range caps {
				c.Release()
			}
		}
		if err != nil {
			args.Args = rows
			args.ReleaseUnconsumed()
			return nil, fmt.Errorf("bridge: marshal input %d: %w", idx, err)
		}
		for s, c := range caps {
			rows[s][idx] = c
		}
		capsulesMarshaled.Add(float64(len(caps)))
	}
	args.Args = rows
	return args, nil
}

// ReleaseUnconsumed releases every capsule the receiver left in the
// Created state. Consumed capsules are the receiver's to release.
func (a *CallArgs) ReleaseUnconsumed() {
	for _, group := range a.Args {
		for _, c := range group {
			if c != nil && c.State() == dltensor.StateCreated {
				c.Release()
			}
		}
	}
}

// Flatten returns all capsules in slot-major order regardless of mode.
func (a *CallArgs) Flatten() []*dltensor.Capsule {
	var out []*dltensor.Capsule
	if a.Mode == ModeBatch {
		for _, slot := range a.Args {
			out = append(out, slot...)
		}
		return out
	}
	if len(a.Args) == 0 {
		return nil
	}
	for idx := range a.Args[0] {
		for _, row := range a.Args {
			out = append(out, row[idx])
		}
	}
	return out
}
