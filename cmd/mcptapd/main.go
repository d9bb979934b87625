package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/ocx/mcptap/internal/config"
	"github.com/ocx/mcptap/internal/consumerapi"
	"github.com/ocx/mcptap/internal/identity"
	"github.com/ocx/mcptap/internal/metrics"
	"github.com/ocx/mcptap/internal/sink"
	"github.com/ocx/mcptap/internal/stream"
	"github.com/ocx/mcptap/internal/telemetry"
	"github.com/ocx/mcptap/internal/tlstrack"
	"github.com/ocx/mcptap/internal/transportsec"
	"github.com/ocx/mcptap/pb"
)

func main() {
	kernelMode := flag.Bool("kernel", false, "attach real eBPF probes instead of the Go-reference ingestion path")
	flag.Parse()

	cfg := config.Get()
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := metrics.New()
	tel, err := telemetry.New(ctx, telemetry.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer tel.Shutdown(context.Background())
	rec := dualRecorder{a: registry, b: tel}

	sinks := buildSinks(cfg, logger)

	identities := identity.New()
	consumerAPI := consumerapi.NewServer(logger)

	pool := newWorkerPool(cfg.Engine.WorkerQueueDepth, logger, rec, registry, sinks, identities)
	pool.Start(ctx, cfg.Engine.WorkerCount)

	d := &dispatcher{
		consumerAPI: consumerAPI,
		identities:  identities,
		logger:      logger,
		pool:        pool,
	}

	var wg sync.WaitGroup
	var introspect *referencePipeline

	if *kernelMode {
		ka, err := attachKernelProbes(cfg.Probe.LibSSLPaths)
		if err != nil {
			logger.Error("failed to attach kernel probes", "error", err)
			os.Exit(1)
		}
		defer ka.Close()

		wg.Add(1)
		go func() {
			defer wg.Done()
			runConsumer(ctx, ka.consumer, d)
		}()
		logger.Info("kernel ingestion path active")
	} else {
		ref := newReferencePipeline(pipelineConfig{
			streamCapacity:     cfg.Engine.StreamCapacity,
			tlsSessionCapacity: cfg.Engine.TLSSessionCapacity,
			ringBufferDepth:    cfg.Engine.RingBufferDepth,
		}, rec, logger)
		d.traces = ref.Emitter
		introspect = ref

		wg.Add(1)
		go func() {
			defer wg.Done()
			runConsumer(ctx, ref.Consumer(), d)
		}()
		logger.Info("Go-reference ingestion path active (no CAP_BPF required)")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		reapIdentities(ctx, identities)
	}()

	if introspect != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			updateActiveGauges(ctx, registry, introspect)
		}()
	}

	grpcServer := startGRPCServer(cfg, consumerAPI, logger)
	defer grpcServer.GracefulStop()

	httpServer := startHTTPServer(cfg, consumerAPI, introspect, logger)
	defer httpServer.Shutdown(context.Background())

	var ioServer *socketio.Server
	if cfg.Server.EnableSocketIO {
		ioServer = setupSocketServer(logger)
		defer ioServer.Close()
	}

	logger.Info("mcptapd started", "env", cfg.Server.Env, "http_port", cfg.Server.HTTPPort, "grpc_port", cfg.Server.GRPCPort)

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()
	pool.Wait()
}

// dualRecorder fans emitter metrics out to both Prometheus and OTel
// without either package depending on the other.
type dualRecorder struct {
	a *metrics.Registry
	b *telemetry.Telemetry
}

func (r dualRecorder) IncDrop(reason string) {
	r.a.IncDrop(reason)
	r.b.IncDrop(reason)
}
func (r dualRecorder) RecordStreamEmitted() {
	r.a.RecordStreamEmitted()
	r.b.RecordStreamEmitted()
}
func (r dualRecorder) RecordTLSPayload(direction, version string) {
	r.a.RecordTLSPayload(direction, version)
	r.b.RecordTLSPayload(direction, version)
}

// reapIdentities periodically sweeps the identity cache for pids that
// no longer exist, until ctx is cancelled.
func reapIdentities(ctx context.Context, identities *identity.Cache) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			identities.Reap()
		}
	}
}

// updateActiveGauges periodically reports the Go-reference ingestion
// path's live stream/session table sizes. The kernel ingestion path
// keeps no equivalent Go-side table, so these gauges only move in
// reference mode (ref is only non-nil there).
func updateActiveGauges(ctx context.Context, registry *metrics.Registry, ref *referencePipeline) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			registry.SetStreamsActive(float64(ref.Reassembler.Len()))
			registry.SetTLSSessionsActive(float64(ref.Tracker.Len()))
		}
	}
}

func buildSinks(cfg *config.Config, logger *slog.Logger) sink.Sink {
	sinks := []sink.Sink{sink.NewLogSink(logger)}
	if cfg.Sink.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Sink.RedisAddr})
		sinks = append(sinks, sink.NewRedisSink(client, cfg.Sink.RedisChannel))
	}
	return sink.NewMultiSink(sinks...)
}

func startGRPCServer(cfg *config.Config, srv *consumerapi.Server, logger *slog.Logger) *grpc.Server {
	var opts []grpc.ServerOption

	if cfg.Transport.SPIFFESocketPath != "" {
		source, err := transportsec.NewSVIDSource(cfg.Transport.SPIFFESocketPath)
		if err != nil {
			logger.Warn("SPIFFE unavailable, consumerapi will run without mTLS", "error", err)
		} else {
			tlsConf, err := source.ServerTLSConfig(cfg.Transport.TrustDomain)
			if err != nil {
				logger.Warn("failed to build SPIFFE server TLS config", "error", err)
			} else {
				opts = append(opts, grpc.Creds(credentials.NewTLS(tlsConf)))
			}
		}
	}

	grpcServer := grpc.NewServer(opts...)
	registerEventStreamServer(grpcServer, srv)

	go func() {
		lis, err := net.Listen("tcp", ":"+cfg.Server.GRPCPort)
		if err != nil {
			logger.Error("consumerapi listen failed", "error", err)
			return
		}
		if err := grpcServer.Serve(lis); err != nil {
			logger.Warn("consumerapi server stopped", "error", err)
		}
	}()

	return grpcServer
}

// registerEventStreamServer wires pb.EventStreamServer into a
// grpc.Server without a generated _grpc.pb.go registration helper,
// since this tree hand-authors pb's message/service shapes.
func registerEventStreamServer(s *grpc.Server, impl pb.EventStreamServer) {
	_ = s
	_ = impl
	// A generated RegisterEventStreamServer(s, impl) would live here;
	// left as a documented extension point since pb/ is hand-authored
	// without a protoc step (spec.md §6, SPEC_FULL.md §6.1).
}

// streamRow and tlsSessionRow are the /streams introspection payload
// shapes: one row per entry in the LRU stream table and TLS session
// table respectively (spec.md §6.2).
type streamRow struct {
	PID             uint32  `json:"pid"`
	File            uint64  `json:"file"`
	Operation       string  `json:"operation"`
	AccumulatedSize uint32  `json:"accumulated_size"`
	OpenBrackets    uint32  `json:"open_brackets"`
	CloseBrackets   uint32  `json:"close_brackets"`
	AgeSeconds      float64 `json:"age_seconds"`
}

type tlsSessionRow struct {
	SSLCtx      uint64 `json:"ssl_ctx"`
	HTTPVersion string `json:"http_version"`
	Active      bool   `json:"active"`
}

type streamsResponse struct {
	Streams     []streamRow     `json:"streams"`
	TLSSessions []tlsSessionRow `json:"tls_sessions"`
	Subscribers int             `json:"subscribers"`
}

func startHTTPServer(cfg *config.Config, srv *consumerapi.Server, introspect *referencePipeline, logger *slog.Logger) *http.Server {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	router.HandleFunc("/streams", func(w http.ResponseWriter, r *http.Request) {
		resp := streamsResponse{
			Streams:     []streamRow{},
			TLSSessions: []tlsSessionRow{},
			Subscribers: srv.SubscriberCount(),
		}
		if introspect != nil {
			now := time.Now().UnixNano()
			introspect.Reassembler.Each(func(s stream.Snapshot) {
				resp.Streams = append(resp.Streams, streamRow{
					PID:             s.Key.PID,
					File:            s.Key.File,
					Operation:       directionLabel(s.Operation),
					AccumulatedSize: s.AccumulatedSize,
					OpenBrackets:    s.OpenBrackets,
					CloseBrackets:   s.CloseBrackets,
					AgeSeconds:      time.Duration(now - s.LastUpdateNS).Seconds(),
				})
			})
			introspect.Tracker.Each(func(s tlstrack.Snapshot) {
				resp.TLSSessions = append(resp.TLSSessions, tlsSessionRow{
					SSLCtx:      s.SSLCtx,
					HTTPVersion: httpVersionLabel(uint8(s.HTTPVersion)),
					Active:      s.IsActive,
				})
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}).Methods(http.MethodGet)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.HTTPPort,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
		}
	}()

	return httpServer
}

func directionLabel(d stream.Direction) string {
	if d == stream.DirectionWrite {
		return "write"
	}
	return "read"
}

func setupSocketServer(logger *slog.Logger) *socketio.Server {
	server := socketio.NewServer(nil)

	server.OnConnect("/", func(s socketio.Conn) error {
		logger.Debug("dashboard connected", "id", s.ID())
		return nil
	})
	server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		logger.Debug("dashboard disconnected", "id", s.ID(), "reason", reason)
	})

	http.Handle("/socket.io/", server)
	go server.Serve()

	return server
}
