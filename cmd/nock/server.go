package main

import (
	"fmt"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-nock/internal/bridge"
	"github.com/23skdu/longbow-nock/internal/device"
	"github.com/23skdu/longbow-nock/internal/dltensor"
	"github.com/23skdu/longbow-nock/internal/workpool"
)

var (
	samplesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "nock_http_samples_processed_total",
		Help: "The total number of samples run through the invoke endpoint",
	})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "nock_http_request_duration_seconds",
		Help:    "Time spent processing invoke requests",
		Buckets: prometheus.DefBuckets,
	})
)

// tensorPayload is one slot on the wire: a dtype triple, per-sample
// shapes, and dense row-major sample bytes.
type tensorPayload struct {
	Code    uint8     `cbor:"code"`
	Bits    uint8     `cbor:"bits"`
	Lanes   uint16    `cbor:"lanes"`
	Shapes  [][]int64 `cbor:"shapes"`
	Samples [][]byte  `cbor:"samples"`
}

type invokeRequest struct {
	Inputs []tensorPayload `cbor:"inputs"`
}

type invokeResponse struct {
	Outputs []tensorPayload `cbor:"outputs"`
}

type Server struct {
	invoker *bridge.Invoker
	backend device.Backend
	pool    *workpool.Pool
	sem     *semaphore.Weighted
}

func NewServer(inv *bridge.Invoker, backend device.Backend, pool *workpool.Pool, maxConcurrent int) *Server {
	return &Server{
		invoker: inv,
		backend: backend,
		pool:    pool,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

func startServer(addr string, srv *Server) {
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/invoke", srv.handleInvoke)
	http.HandleFunc("/health", srv.handleHealth)

	log.Info().Str("addr", addr).Msg("Starting Nock Server")
	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("nock-server")

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleInvoke")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req invokeRequest
	if err := cbor.NewDecoder(r.Body).Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}

	batchSize := 0
	if len(req.Inputs) > 0 {
		batchSize = len(req.Inputs[0].Shapes)
	}
	span.SetAttributes(
		attribute.Int("inputs", len(req.Inputs)),
		attribute.Int("batch_size", batchSize),
	)

	// Admission control
	weight := int64(batchSize) + 1
	if err := s.sem.Acquire(ctx, weight); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(weight)

	ws := bridge.NewWorkspace(s.backend, s.pool, nil)
	var inputs []*bridge.TensorList
	defer func() {
		for _, tl := range inputs {
			tl.Release()
		}
	}()

	for slot, in := range req.Inputs {
		tl, err := s.buildInput(in)
		if err != nil {
			span.RecordError(err)
			http.Error(w, fmt.Sprintf("Bad Request (input %d): %v", slot, err), http.StatusBadRequest)
			return
		}
		inputs = append(inputs, tl)
		ws.AddInput(tl)
	}

	outs, err := s.invoker.Run(ctx, ws)
	if err != nil {
		span.RecordError(err)
		log.Error().Err(err).Msg("Invocation failed")
		http.Error(w, "Invocation failed", http.StatusInternalServerError)
		return
	}

	resp := invokeResponse{Outputs: make([]tensorPayload, 0, len(outs))}
	for _, out := range outs {
		pl, err := buildPayload(out)
		out.Release()
		if err != nil {
			span.RecordError(err)
			http.Error(w, "Invocation failed", http.StatusInternalServerError)
			return
		}
		resp.Outputs = append(resp.Outputs, pl)
	}
	samplesProcessed.Add(float64(batchSize))

	w.Header().Set("Content-Type", "application/cbor")
	if err := cbor.NewEncoder(w).Encode(&resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) buildInput(in tensorPayload) (*bridge.TensorList, error) {
	dt, err := dltensor.FromExchangeType(dltensor.ExchangeDType{
		Code:  dltensor.TypeCode(in.Code),
		Bits:  in.Bits,
		Lanes: in.Lanes,
	})
	if err != nil {
		return nil, err
	}
	if len(in.Samples) != len(in.Shapes) {
		return nil, fmt.Errorf("%d sample payloads for %d shapes", len(in.Samples), len(in.Shapes))
	}

	tl, err := bridge.NewTensorList(s.backend, dt, in.Shapes, bridge.ListOptions{})
	if err != nil {
		return nil, err
	}
	for i, sample := range in.Samples {
		dst := tl.SampleBytes(i)
		if len(dst) != len(sample) {
			tl.Release()
			return nil, fmt.Errorf("sample %d holds %d bytes, shape needs %d", i, len(sample), len(dst))
		}
		copy(dst, sample)
	}
	return tl, nil
}

func buildPayload(out *bridge.TensorList) (tensorPayload, error) {
	xdt, err := dltensor.ToExchangeType(out.DataType())
	if err != nil {
		return tensorPayload{}, err
	}
	pl := tensorPayload{
		Code:    uint8(xdt.Code),
		Bits:    xdt.Bits,
		Lanes:   xdt.Lanes,
		Shapes:  make([][]int64, 0, out.NumSamples()),
		Samples: make([][]byte, 0, out.NumSamples()),
	}
	for i := 0; i < out.NumSamples(); i++ {
		pl.Shapes = append(pl.Shapes, out.SampleShape(i))
		pl.Samples = append(pl.Samples, append([]byte(nil), out.SampleBytes(i)...))
	}
	return pl, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
