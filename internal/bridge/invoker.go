package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/dltensor"
)

// ErrArityMismatch is a configuration error: the external function
// returned a different number of output slots than NumOutputs. The layer
// neither pads nor truncates.
var ErrArityMismatch = errors.New("bridge: external function output arity does not match num_outputs")

// Function is the externally defined capability the bridge calls into.
// It receives the marshaled argument set and returns one capsule list per
// output slot, or an opaque failure. The function must consume a capsule
// before touching its descriptor and must not modify input tensors.
type Function func(ctx context.Context, args *CallArgs) ([][]*dltensor.Capsule, error)

// Config is the operator-facing configuration surface of one bridge
// instance.
type Config struct {
	// SynchronizeStream blocks on the invocation stream before
	// dispatch, so the external function observes a consistent
	// snapshot. Disable only for functions that order their own device
	// work against the current stream.
	SynchronizeStream bool

	// BatchProcessing invokes the function once per batch instead of
	// grouping arguments per sample.
	BatchProcessing bool

	// NumOutputs is the number of output slots the function produces.
	NumOutputs int

	// OutputLayouts holds optional layout tags for the first outputs;
	// remaining outputs stay untagged. More tags than outputs is a
	// configuration error.
	OutputLayouts []string
}

// DefaultConfig mirrors the operator defaults: synchronized stream, one
// output, per-sample argument grouping.
func DefaultConfig() Config {
	return Config{SynchronizeStream: true, NumOutputs: 1}
}

func (c Config) validate() error {
	if c.NumOutputs < 0 {
		return fmt.Errorf("bridge: num_outputs must be >= 0, got %d", c.NumOutputs)
	}
	if len(c.OutputLayouts) > c.NumOutputs {
		return fmt.Errorf("%w: %d tags for %d outputs", ErrLayoutTag, len(c.OutputLayouts), c.NumOutputs)
	}
	return nil
}

// invokeMu is the host-runtime exclusive-execution lock: at most one
// external invocation runs host-side logic at any instant. Device work
// scheduled by either side stays asynchronous relative to the holder.
var invokeMu sync.Mutex

// Invoker runs external invocations for one configured function.
type Invoker struct {
	cfg Config
	fn  Function
}

// NewInvoker validates the configuration and binds it to fn.
func NewInvoker(cfg Config, fn Function) (*Invoker, error) {
	if fn == nil {
		return nil, errors.New("bridge: nil external function")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Invoker{cfg: cfg, fn: fn}, nil
}

// Run executes one invocation: marshal the workspace, bracket the
// current-stream scope, optionally synchronize, call the function, and
// materialize its outputs into fresh pipeline batches. External-call
// failures propagate opaquely. No retries on any path; a hung function
// blocks indefinitely and is the caller's responsibility.
func (inv *Invoker) Run(ctx context.Context, ws *Workspace) ([]*TensorList, error) {
	invokeMu.Lock()
	defer invokeMu.Unlock()

	start := time.Now()
	invocationsTotal.Inc()
	defer func() {
		invokeDuration.Observe(time.Since(start).Seconds())
	}()

	scope := device.ScopeStream(ws.Stream())
	defer scope.Exit()

	device.SynchronizeIfRequested(inv.cfg.SynchronizeStream)

	var args *CallArgs
	var err error
	if inv.cfg.BatchProcessing {
		args, err = PrepareBatch(ws)
	} else {
		args, err = PrepareBatchPerSample(ws)
	}
	if err != nil {
		invocationErrors.Inc()
		return nil, err
	}
	defer args.ReleaseUnconsumed()

	log.Debug().
		Int("inputs", ws.NumInput()).
		Int("batch_size", ws.BatchSize()).
		Bool("batch_processing", inv.cfg.BatchProcessing).
		Msg("dispatching external function")

	outs, err := inv.fn(ctx, args)
	if err != nil {
		invocationErrors.Inc()
		for _, slot := range outs {
			releaseAll(slot)
		}
		return nil, fmt.Errorf("bridge: external function: %w", err)
	}

	if len(outs) != inv.cfg.NumOutputs {
		invocationErrors.Inc()
		for _, slot := range outs {
			releaseAll(slot)
		}
		return nil, fmt.Errorf("%w: got %d, configured %d", ErrArityMismatch, len(outs), inv.cfg.NumOutputs)
	}

	hostBacked := ws.Backend().Device().Type == dltensor.DeviceCPU
	results := make([]*TensorList, 0, len(outs))
	for i, slot := range outs {
		layout := ""
		if i < len(inv.cfg.OutputLayouts) {
			layout = inv.cfg.OutputLayouts[i]
		}

		var out *TensorList
		if hostBacked {
			out, err = MaterializeCPU(ws, slot, layout)
		} else {
			out, err = MaterializeGPU(ws, slot, layout)
		}
		if err != nil {
			invocationErrors.Inc()
			for _, done := range results {
				done.Release()
			}
			for _, rest := range outs[i+1:] {
				releaseAll(rest)
			}
			return nil, fmt.Errorf("bridge: output %d: %w", i, err)
		}
		results = append(results, out)
	}
	return results, nil
}
