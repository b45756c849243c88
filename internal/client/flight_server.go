package client

import (
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-nock/internal/dltensor"
)

// SlotHandler transforms slot-major input batches into slot-major output
// batches. The handler owns the input capsules.
type SlotHandler func(slots [][]*dltensor.Capsule) ([][]*dltensor.Capsule, error)

// FunctionServer hosts a slot handler behind Flight DoExchange so a
// pipeline elsewhere can bind it as a remote function.
type FunctionServer struct {
	flight.BaseFlightServer
	handler SlotHandler
	codec   *TensorCodec
}

// NewFunctionServer wraps handler for registration on a Flight server.
func NewFunctionServer(handler SlotHandler) *FunctionServer {
	return &FunctionServer{
		handler: handler,
		codec:   NewTensorCodec(memory.NewGoAllocator()),
	}
}

func (s *FunctionServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.codec.mem))
	if err != nil {
		return err
	}
	defer reader.Release()

	var slots [][]*dltensor.Capsule
	for reader.Next() {
		caps, _, err := s.codec.DecodeSlot(reader.Record(), reader.LatestAppMetadata())
		if err != nil {
			for _, slot := range slots {
				releaseSlot(slot)
			}
			return err
		}
		slots = append(slots, caps)
	}
	if err := reader.Err(); err != nil {
		for _, slot := range slots {
			releaseSlot(slot)
		}
		return err
	}

	log.Debug().Int("slots", len(slots)).Msg("DoExchange invocation received")

	outs, err := s.handler(slots)
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(tensorSchema), ipc.WithAllocator(s.codec.mem))
	for _, slot := range outs {
		rec, meta, err := s.codec.EncodeSlot(slot, "")
		if err != nil {
			return err
		}
		werr := writer.WriteWithAppMetadata(rec, meta)
		rec.Release()
		if werr != nil {
			return werr
		}
	}
	return writer.Close()
}

// StartFunctionServer blocks serving handler on addr.
func StartFunctionServer(addr string, handler SlotHandler) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(NewFunctionServer(handler))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting remote function server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
