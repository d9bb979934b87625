package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"

	"github.com/ocx/mcptap/internal/consumerapi"
	"github.com/ocx/mcptap/internal/emitter"
	"github.com/ocx/mcptap/internal/identity"
	"github.com/ocx/mcptap/internal/sink"
	"github.com/ocx/mcptap/internal/stream"
	"github.com/ocx/mcptap/internal/tlstrack"
	"github.com/ocx/mcptap/internal/wire"
	"github.com/ocx/mcptap/pb"
)

// kernelAttachment holds everything torn down on shutdown for the
// kernel-resident ingestion path.
type kernelAttachment struct {
	objs     mcptapObjects
	links    []link.Link
	reader   *ringbuf.Reader
	consumer emitter.Consumer
}

// attachKernelProbes loads the compiled eBPF objects and attaches the
// kprobe/uprobe set spec.md §6 names. In this reference tree the
// object loader is mocked (bpf_gen.go); the attach calls below are
// written exactly as they would run against a real compiled object so
// promoting this to a live build is a loader swap, not a rewrite.
func attachKernelProbes(libsslPaths []string) (*kernelAttachment, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, err
	}

	var ka kernelAttachment
	if err := loadMcptapObjects(&ka.objs, nil); err != nil {
		return nil, err
	}

	attach := func(l link.Link, err error) error {
		if err != nil {
			return err
		}
		ka.links = append(ka.links, l)
		return nil
	}

	if err := attach(link.Kprobe("vfs_read", ka.objs.KprobeVfsRead, nil)); err != nil {
		return nil, err
	}
	if err := attach(link.Kretprobe("vfs_read", ka.objs.KretprobeVfsRead, nil)); err != nil {
		return nil, err
	}
	if err := attach(link.Kprobe("vfs_write", ka.objs.KprobeVfsWrite, nil)); err != nil {
		return nil, err
	}
	if err := attach(link.Kretprobe("vfs_write", ka.objs.KretprobeVfsWrite, nil)); err != nil {
		return nil, err
	}
	if err := attach(link.Tracepoint("sched", "sched_process_exit", ka.objs.TracepointSchedProcessExit, nil)); err != nil {
		return nil, err
	}

	for _, libssl := range libsslPaths {
		ex, err := link.OpenExecutable(libssl)
		if err != nil {
			slog.Warn("skipping libssl attach, binary not found", "path", libssl, "error", err)
			continue
		}

		sslProbes := []struct {
			symbol string
			prog   *ebpf.Program
			ret    bool
		}{
			{"SSL_new", ka.objs.UretprobeSSLNew, true},
			{"SSL_do_handshake", ka.objs.UprobeSSLDoHandshake, false},
			{"SSL_do_handshake", ka.objs.UretprobeSSLDoHandshake, true},
			{"SSL_read", ka.objs.UprobeSSLRead, false},
			{"SSL_read", ka.objs.UretprobeSSLRead, true},
			{"SSL_read_ex", ka.objs.UprobeSSLReadEx, false},
			{"SSL_read_ex", ka.objs.UretprobeSSLReadEx, true},
			{"SSL_write", ka.objs.UprobeSSLWrite, false},
			{"SSL_write", ka.objs.UretprobeSSLWrite, true},
			{"SSL_write_ex", ka.objs.UprobeSSLWriteEx, false},
			{"SSL_write_ex", ka.objs.UretprobeSSLWriteEx, true},
			{"SSL_free", ka.objs.UprobeSSLFree, false},
		}

		for _, p := range sslProbes {
			var (
				l   link.Link
				err error
			)
			if p.ret {
				l, err = ex.Uretprobe(p.symbol, p.prog, nil)
			} else {
				l, err = ex.Uprobe(p.symbol, p.prog, nil)
			}
			if err != nil {
				return nil, err
			}
			ka.links = append(ka.links, l)
		}
	}

	rd, err := ringbuf.NewReader(ka.objs.Events)
	if err != nil {
		return nil, err
	}
	ka.reader = rd
	ka.consumer = emitter.NewBPFReader(rd)

	return &ka, nil
}

func (ka *kernelAttachment) Close() {
	if ka == nil {
		return
	}
	if ka.reader != nil {
		ka.reader.Close()
	}
	for _, l := range ka.links {
		l.Close()
	}
	ka.objs.Close()
}

// traceSource looks up the best-effort TraceID correlated with a pid;
// satisfied by *emitter.Emitter in reference-pipeline mode, nil in
// kernel mode where no trace ids are minted.
type traceSource interface {
	TraceIDFor(pid uint32) (string, bool)
}

// dispatcher forwards one decoded ring buffer record to every downstream
// consumer: the consumer-facing gRPC API and the configured sinks,
// with identity resolution alongside. The gRPC publish and pb.Event
// construction happen inline (cheap, non-blocking); sink forwarding
// and identity resolution are I/O-bound and run on the bounded worker
// pool instead of spawning per-event goroutines (spec.md §7: the
// producer never blocks, but unbounded fan-out is not "never
// blocking", it's an unbounded queue by another name).
type dispatcher struct {
	consumerAPI *consumerapi.Server
	identities  *identity.Cache
	logger      *slog.Logger
	pool        *workerPool
	traces      traceSource
}

func (d *dispatcher) handle(record []byte) {
	ev, ok := emitter.DecodeRecord(record)
	if !ok {
		d.logger.Warn("dispatch: failed to decode ring buffer record")
		return
	}

	comm := trimComm(ev.Comm)
	version := httpVersionLabel(uint8(ev.HTTPVersion))

	var traceID string
	if d.traces != nil {
		traceID, _ = d.traces.TraceIDFor(ev.PID)
	}

	pbEvent := &pb.Event{
		Type:               wireTypeToPB(ev.Type),
		PID:                ev.PID,
		Comm:               comm,
		SSLCtx:             ev.SSLCtx,
		HTTPVersion:        version,
		Size:               ev.BufSize,
		Payload:            ev.Buf,
		TraceID:            traceID,
		ObservedAtUnixNano: time.Now().UnixNano(),
	}
	d.consumerAPI.Publish(pbEvent)

	fwd := sink.ForwardEventFromRecord(ev.Type, ev.PID, comm)
	fwd.SSLCtx = ev.SSLCtx
	fwd.HTTPVersion = version
	fwd.Size = ev.BufSize
	fwd.Payload = ev.Buf
	fwd.TraceID = traceID
	d.pool.Submit(dispatchJob{
		fwd:             fwd,
		pid:             ev.PID,
		resolveIdentity: d.identities != nil,
	})
}

func wireTypeToPB(t wire.EventType) pb.EventType {
	switch t {
	case wire.EventRead:
		return pb.EventType_READ
	case wire.EventWrite:
		return pb.EventType_WRITE
	case wire.EventTLSPayloadSend:
		return pb.EventType_TLS_PAYLOAD_SEND
	case wire.EventTLSPayloadRecv:
		return pb.EventType_TLS_PAYLOAD_RECV
	case wire.EventTLSFree:
		return pb.EventType_TLS_FREE
	case wire.EventLibrary:
		return pb.EventType_LIBRARY_LOAD
	default:
		return pb.EventType_READ
	}
}

func trimComm(c [16]byte) string {
	n := 0
	for n < len(c) && c[n] != 0 {
		n++
	}
	return string(c[:n])
}

func httpVersionLabel(v uint8) string {
	switch v {
	case 1:
		return "http1"
	case 2:
		return "http2"
	default:
		return "unknown"
	}
}

// runConsumer drains consumer until ctx is cancelled or the underlying
// ring buffer closes, handing each record to d.handle.
func runConsumer(ctx context.Context, consumer emitter.Consumer, d *dispatcher) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		record, ok := consumer.Next()
		if !ok {
			return
		}
		d.handle(record)
	}
}

// referencePipeline wires the Go-reference Stream Reassembler and TLS
// Session Tracker to an Emitter writing into an in-process
// MemRingBuffer, then drains that ring with the same dispatcher used
// for the kernel path. This is the runnable ingestion path for
// fragments arriving from the LD_PRELOAD shim or any other out-of-
// kernel producer (spec.md §1, SPEC_FULL.md §2).
type referencePipeline struct {
	Reassembler *stream.Reassembler
	Tracker     *tlstrack.Tracker
	Emitter     *emitter.Emitter
	ring        *emitter.MemRingBuffer
}

func newReferencePipeline(cfg pipelineConfig, rec emitter.Recorder, logger *slog.Logger) *referencePipeline {
	ring := emitter.NewMemRingBuffer(cfg.ringBufferDepth)
	em := emitter.New(ring, logger, rec)

	return &referencePipeline{
		Reassembler: stream.New(cfg.streamCapacity, em),
		Tracker:     tlstrack.New(cfg.tlsSessionCapacity, em),
		Emitter:     em,
		ring:        ring,
	}
}

func (p *referencePipeline) Consumer() emitter.Consumer { return p.ring }

type pipelineConfig struct {
	streamCapacity     int
	tlsSessionCapacity int
	ringBufferDepth    int
}
