//go:build ignore

package main

import (
	"context"
	"fmt"
	"os"
	"time"
	"unsafe"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-nock/internal/bridge"
	"github.com/23skdu/longbow-nock/internal/client"
	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/dltensor"
	"github.com/23skdu/longbow-nock/internal/workpool"
)

// Manual end-to-end check against a running function server, e.g.
//
//	nock -flight :9090 -func scale -alpha 2
//	go run scripts/verify_flight.go localhost:9090
func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Info().Str("addr", addr).Msg("Connecting to function server")

	// Retry connection loop
	var rf *client.RemoteFunction
	var err error

	for i := 0; i < 10; i++ {
		rf, err = client.NewRemoteFunction(addr)
		if err == nil {
			break
		}
		log.Warn().Err(err).Msg("Connection failed, retrying...")
		time.Sleep(1 * time.Second)
	}

	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect after retries")
	}
	defer rf.Close()

	backend := device.NewCPUBackend()
	ws := bridge.NewWorkspace(backend, workpool.New(0), nil)

	shapes := [][]int64{{4}, {4}, {4}}
	tl, err := bridge.NewTensorList(backend, dltensor.Float64, shapes, bridge.ListOptions{})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build batch")
	}
	for i := 0; i < tl.NumSamples(); i++ {
		bs := tl.SampleBytes(i)
		fs := unsafe.Slice((*float64)(unsafe.Pointer(&bs[0])), 4)
		for j := range fs {
			fs[j] = float64(i*4 + j)
		}
	}
	ws.AddInput(tl)

	inv, err := bridge.NewInvoker(bridge.DefaultConfig(), rf.Fn())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure invoker")
	}

	log.Info().Int("samples", len(shapes)).Msg("Invoking")

	start := time.Now()
	outs, err := inv.Run(context.Background(), ws)
	if err != nil {
		log.Fatal().Err(err).Msg("Invocation failed")
	}
	elapsed := time.Since(start)

	log.Info().Dur("elapsed", elapsed).Msg("Received outputs")

	if len(outs) != 1 {
		log.Fatal().Int("expected", 1).Int("got", len(outs)).Msg("Slot count mismatch")
	}
	out := outs[0]
	if out.NumSamples() != len(shapes) {
		log.Fatal().Int("expected", len(shapes)).Int("got", out.NumSamples()).Msg("Sample count mismatch")
	}

	for i := 0; i < out.NumSamples(); i++ {
		bs := out.SampleBytes(i)
		fs := unsafe.Slice((*float64)(unsafe.Pointer(&bs[0])), 4)
		log.Info().Int("index", i).Floats64("values", fs).Msg("Sample received")
	}

	fmt.Println("VERIFICATION PASSED")
}
