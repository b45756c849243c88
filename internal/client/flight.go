package client

import (
	"context"
	"errors"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-nock/internal/bridge"
	"github.com/23skdu/longbow-nock/internal/dltensor"
)

// ErrCircuitOpen is returned while the breaker keeps calls away from an
// endpoint that has been failing.
var ErrCircuitOpen = errors.New("client: remote function circuit open")

// RemoteFunction runs the external side of an invocation on a Flight
// endpoint: each call streams the input slots through one DoExchange and
// decodes the returned slots. A circuit breaker guards the endpoint.
type RemoteFunction struct {
	conn    *grpc.ClientConn
	client  flight.Client
	codec   *TensorCodec
	breaker *CircuitBreaker
}

// NewRemoteFunction connects to a function server at addr.
func NewRemoteFunction(addr string) (*RemoteFunction, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &RemoteFunction{
		conn:    conn,
		client:  flight.NewClientFromConn(conn, nil),
		codec:   NewTensorCodec(memory.NewGoAllocator()),
		breaker: NewCircuitBreaker(5, 30*time.Second),
	}, nil
}

// Fn adapts the connection to the invoker's function signature.
func (r *RemoteFunction) Fn() bridge.Function {
	return r.call
}

// Close closes the underlying connection.
func (r *RemoteFunction) Close() error {
	return r.conn.Close()
}

func (r *RemoteFunction) call(ctx context.Context, args *bridge.CallArgs) ([][]*dltensor.Capsule, error) {
	if !r.breaker.Allow() {
		return nil, ErrCircuitOpen
	}
	outs, err := r.exchange(ctx, slotsOf(args))
	if err != nil {
		r.breaker.Failure()
		return nil, err
	}
	r.breaker.Success()
	return outs, nil
}

// slotsOf regroups the argument set slot-major regardless of mode.
func slotsOf(args *bridge.CallArgs) [][]*dltensor.Capsule {
	if args.Mode == bridge.ModeBatch {
		return args.Args
	}
	var slots [][]*dltensor.Capsule
	for _, row := range args.Args {
		for i, c := range row {
			for len(slots) <= i {
				slots = append(slots, nil)
			}
			slots[i] = append(slots[i], c)
		}
	}
	return slots
}

func (r *RemoteFunction) exchange(ctx context.Context, slots [][]*dltensor.Capsule) ([][]*dltensor.Capsule, error) {
	stream, err := r.client.DoExchange(ctx)
	if err != nil {
		return nil, err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(tensorSchema), ipc.WithAllocator(r.codec.mem))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorCMD,
		Cmd:  []byte("invoke"),
	})
	for _, slot := range slots {
		rec, meta, err := r.codec.EncodeSlot(slot, "")
		if err != nil {
			return nil, err
		}
		werr := writer.WriteWithAppMetadata(rec, meta)
		rec.Release()
		if werr != nil {
			return nil, werr
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(r.codec.mem))
	if err != nil {
		return nil, err
	}
	defer reader.Release()

	var outs [][]*dltensor.Capsule
	for reader.Next() {
		caps, _, err := r.codec.DecodeSlot(reader.Record(), reader.LatestAppMetadata())
		if err != nil {
			for _, slot := range outs {
				releaseSlot(slot)
			}
			return nil, err
		}
		outs = append(outs, caps)
	}
	if err := reader.Err(); err != nil {
		for _, slot := range outs {
			releaseSlot(slot)
		}
		return nil, err
	}
	return outs, nil
}
