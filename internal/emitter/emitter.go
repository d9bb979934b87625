package emitter

import (
	"log/slog"

	"github.com/ocx/mcptap/internal/lru"
	"github.com/ocx/mcptap/internal/stream"
	"github.com/ocx/mcptap/internal/tlstrack"
	"github.com/ocx/mcptap/internal/wire"
)

// traceIDCacheSize bounds the PID->TraceID side channel the same way
// the stream/session tables themselves are bounded.
const traceIDCacheSize = 4096

// Recorder is an optional hook for metrics (internal/metrics.Registry
// satisfies this without emitter depending on it directly).
type Recorder interface {
	IncDrop(reason string)
	RecordStreamEmitted()
	RecordTLSPayload(direction, version string)
}

// Emitter implements stream.Sink and tlstrack.Sink on top of a
// RingBuffer: every completed stream or classifiable TLS payload is
// wire-encoded and reserved/filled/submitted, or logged and counted as
// dropped if the ring has no room (spec §7).
type Emitter struct {
	rb     RingBuffer
	logger *slog.Logger
	rec    Recorder

	// traceIDs is a best-effort, out-of-band side channel correlating a
	// pid with the most recent stream/session TraceID emitted for it.
	// The wire layout never carries a trace ID (spec.md §6 stays
	// unchanged); this exists purely so a downstream consumer that
	// only has a decoded wire record's pid can still recover the
	// correlation id for logging, at the cost of being approximate
	// when a pid has more than one stream or session in flight at
	// once.
	traceIDs *lru.Cache[uint32, string]
}

// New creates an Emitter publishing onto rb. logger and rec may be
// nil; a nil logger falls back to slog.Default(), a nil rec disables
// metrics recording.
func New(rb RingBuffer, logger *slog.Logger, rec Recorder) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		rb:       rb,
		logger:   logger,
		rec:      rec,
		traceIDs: lru.New[uint32, string](traceIDCacheSize, nil),
	}
}

// TraceIDFor returns the most recently recorded TraceID for pid, if
// any. Used by the consumer-facing projection (§6) to stamp its
// TraceID field; never consulted by the ingestion/emission path itself.
func (e *Emitter) TraceIDFor(pid uint32) (string, bool) {
	return e.traceIDs.Get(pid)
}

func (e *Emitter) recordDrop(reason string) {
	if e.rec != nil {
		e.rec.IncDrop(reason)
	}
}

// publish reserves a slot sized to record, fills it, and submits it.
// On reservation failure the record is logged and counted as dropped,
// never retried (spec §7: the producer never blocks on a full ring).
func (e *Emitter) publish(kind string, record []byte) bool {
	slot, err := e.rb.Reserve(len(record))
	if err != nil {
		e.logger.Warn("ring buffer reservation failed, dropping event", "event", kind)
		e.recordDrop("ring_full")
		return false
	}
	copy(slot, record)
	e.rb.Submit(slot)
	return true
}

// EmitStream implements stream.Sink: a reassembled JSON-RPC message is
// encoded as a READ or WRITE event.
func (e *Emitter) EmitStream(ev stream.EmittedEvent) {
	eventType := wire.EventWrite
	if ev.Operation == stream.DirectionRead {
		eventType = wire.EventRead
	}
	e.traceIDs.Put(ev.Key.PID, ev.TraceID.String())
	record := EncodeDataEvent(eventType, ev.Key.PID, ev.Comm, ev.Payload)
	if e.publish(eventType.String(), record) && e.rec != nil {
		e.rec.RecordStreamEmitted()
	}
}

// DropStream implements stream.Sink: a stream discarded without
// emission is logged and counted, never forwarded on the ring.
func (e *Emitter) DropStream(key stream.Key, reason stream.DropReason) {
	e.logger.Debug("stream dropped", "pid", key.PID, "file", key.File, "reason", reason)
	e.recordDrop(string(reason))
}

// EmitTLSPayload implements tlstrack.Sink: a classifiable TLS
// application payload is encoded as a TLS_PAYLOAD_SEND/RECV event.
func (e *Emitter) EmitTLSPayload(ev tlstrack.PayloadEmission) {
	eventType := wire.EventTLSPayloadRecv
	if ev.Direction == tlstrack.DirectionSend {
		eventType = wire.EventTLSPayloadSend
	}
	e.traceIDs.Put(ev.PID, ev.TraceID.String())
	comm := wire.CommFrom("") // TLS events do not carry comm at this layer
	record := EncodeTLSPayloadEvent(eventType, ev.PID, comm, ev.SSLCtx, ev.HTTPVersion, ev.Payload)
	if e.publish(eventType.String(), record) && e.rec != nil {
		e.rec.RecordTLSPayload(tlsDirectionLabel(ev.Direction), tlsVersionLabel(ev.HTTPVersion))
	}
}

func tlsDirectionLabel(d tlstrack.SessionDirection) string {
	if d == tlstrack.DirectionSend {
		return "send"
	}
	return "recv"
}

func tlsVersionLabel(v wire.HTTPVersion) string {
	switch v {
	case wire.HTTPVersion1:
		return "http1"
	case wire.HTTPVersion2:
		return "http2"
	default:
		return "unknown"
	}
}

// EmitTLSFree implements tlstrack.Sink.
func (e *Emitter) EmitTLSFree(pid uint32, sslCtx uint64) {
	comm := wire.CommFrom("")
	record := EncodeTLSFreeEvent(pid, comm, sslCtx)
	e.publish(wire.EventTLSFree.String(), record)
}
