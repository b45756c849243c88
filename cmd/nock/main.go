package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime/pprof"
	"time"
	"unsafe"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gonum.org/v1/gonum/mat"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-nock/internal/bridge"
	"github.com/23skdu/longbow-nock/internal/client"
	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/dltensor"
	"github.com/23skdu/longbow-nock/internal/workpool"
)

var (
	listenAddr    = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr    = flag.String("flight", "", "Address to serve the function over Flight (e.g. :9090)")
	remoteAddr    = flag.String("remote", "", "Remote function server address (e.g. localhost:9090)")
	funcName      = flag.String("func", "identity", "Built-in function (identity, scale, affine)")
	scaleAlpha    = flag.Float64("alpha", 2.0, "Scale factor for the scale/affine functions")
	affineDim     = flag.Int("affine-dim", 4, "Square matrix size for the affine function")
	batchProc     = flag.Bool("batch", false, "Hand the function whole batches instead of per-sample groups")
	syncStream    = flag.Bool("sync-stream", true, "Synchronize the invocation stream before dispatch")
	numWorkers    = flag.Int("workers", 0, "Copy-back worker threads (0 = NumCPU)")
	maxConcurrent = flag.Int("max-concurrent", 16384, "Maximum admission weight for concurrent requests")
	cpuProfile    = flag.String("cpuprofile", "", "Write cpu profile to file")
	enableOTel    = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	soakDuration  = flag.Duration("duration", 0, "Run soak invocations for specified duration (e.g. 10s, 20m)")
)

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	handler, err := buildHandler(*funcName, *scaleAlpha, *affineDim)
	if err != nil {
		log.Fatal().Err(err).Msg("Unknown function")
	}

	backend := device.NewCPUBackend()
	pool := workpool.New(*numWorkers)

	var fn bridge.Function
	if *remoteAddr != "" {
		rf, err := client.NewRemoteFunction(*remoteAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to remote function")
		}
		defer rf.Close()
		log.Info().Str("addr", *remoteAddr).Msg("Bound remote function")
		fn = rf.Fn()
	} else {
		fn = client.AsFunction(handler)
	}

	cfg := bridge.DefaultConfig()
	cfg.BatchProcessing = *batchProc
	cfg.SynchronizeStream = *syncStream
	inv, err := bridge.NewInvoker(cfg, fn)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to configure invoker")
	}

	if *listenAddr != "" {
		srv := NewServer(inv, backend, pool, *maxConcurrent)
		go startServer(*listenAddr, srv)
		if *flightAddr == "" {
			select {}
		}
	}

	if *flightAddr != "" {
		client.StartFunctionServer(*flightAddr, handler)
		return
	}

	runDemo(inv, backend, pool, *soakDuration)
}

func buildHandler(name string, alpha float64, dim int) (client.SlotHandler, error) {
	switch name {
	case "identity":
		return client.Identity(), nil
	case "scale":
		return client.Scale(alpha), nil
	case "affine":
		// alpha times the identity matrix
		m := mat.NewDense(dim, dim, nil)
		for i := 0; i < dim; i++ {
			m.Set(i, i, alpha)
		}
		return client.Affine(m), nil
	default:
		return nil, fmt.Errorf("no built-in function %q", name)
	}
}

// demoBatch builds a float64 batch with ramp-valued samples.
func demoBatch(backend device.Backend, shapes [][]int64) (*bridge.TensorList, error) {
	tl, err := bridge.NewTensorList(backend, dltensor.Float64, shapes, bridge.ListOptions{})
	if err != nil {
		return nil, err
	}
	for i := 0; i < tl.NumSamples(); i++ {
		bs := tl.SampleBytes(i)
		if len(bs) == 0 {
			continue
		}
		fs := unsafe.Slice((*float64)(unsafe.Pointer(&bs[0])), len(bs)/8)
		for j := range fs {
			fs[j] = float64(i*len(fs) + j)
		}
	}
	return tl, nil
}

func runDemo(inv *bridge.Invoker, backend device.Backend, pool *workpool.Pool, soak time.Duration) {
	shapes := [][]int64{{4, 4}, {2, 4}, {8, 4}}

	runOnce := func() (int, error) {
		ws := bridge.NewWorkspace(backend, pool, nil)
		tl, err := demoBatch(backend, shapes)
		if err != nil {
			return 0, err
		}
		ws.AddInput(tl)

		outs, err := inv.Run(context.Background(), ws)
		tl.Release()
		if err != nil {
			return 0, err
		}
		n := 0
		for _, out := range outs {
			n += out.NumSamples()
			out.Release()
		}
		return n, nil
	}

	if soak > 0 {
		log.Info().Str("duration", soak.String()).Msg("Starting soak run")
		startTime := time.Now()
		endTime := startTime.Add(soak)
		var totalSamples int64
		var iter int

		for time.Now().Before(endTime) {
			n, err := runOnce()
			if err != nil {
				log.Fatal().Err(err).Msg("Soak invocation failed")
			}
			totalSamples += int64(n)
			iter++

			if iter%100 == 0 {
				elapsed := time.Since(startTime)
				log.Info().
					Str("elapsed", elapsed.Round(time.Second).String()).
					Int("iter", iter).
					Int64("total_samples", totalSamples).
					Float64("sps", float64(totalSamples)/elapsed.Seconds()).
					Msg("Soak progress")
			}
		}

		totalElapsed := time.Since(startTime)
		log.Info().
			Int64("total_samples", totalSamples).
			Dur("total_time", totalElapsed).
			Float64("avg_sps", float64(totalSamples)/totalElapsed.Seconds()).
			Msg("Soak run complete")
		return
	}

	start := time.Now()
	n, err := runOnce()
	if err != nil {
		log.Fatal().Err(err).Msg("Invocation failed")
	}
	log.Info().
		Int("samples", n).
		Dur("elapsed", time.Since(start)).
		Msg("Invocation complete")
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("nock"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
