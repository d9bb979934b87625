// Package sink forwards decoded ring buffer events to external
// collaborators: the ring-buffer consumer daemon and any other
// downstream subscriber (spec §6 Non-goals names the daemon itself as
// out of scope, but mcptapd still needs somewhere to forward to).
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/mcptap/internal/wire"
)

// ForwardEvent is the decoded, JSON-friendly shape every Sink receives
// regardless of which wire variant produced it.
type ForwardEvent struct {
	Type        string `json:"type"`
	PID         uint32 `json:"pid"`
	Comm        string `json:"comm,omitempty"`
	SSLCtx      uint64 `json:"ssl_ctx,omitempty"`
	HTTPVersion string `json:"http_version,omitempty"`
	Size        uint32 `json:"size,omitempty"`
	Payload     []byte `json:"payload,omitempty"`
	// TraceID correlates this event with the stream/session it was
	// reassembled from (best-effort; empty on the kernel ingestion
	// path, which mints no trace ids).
	TraceID    string    `json:"trace_id,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// Sink forwards a decoded event onward. Implementations should not
// block the caller indefinitely — mcptapd calls Forward from its
// worker pool, not from the ring buffer consumer loop itself.
type Sink interface {
	Forward(ctx context.Context, ev ForwardEvent) error
}

// LogSink forwards events as structured log lines; the default when no
// other sink is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink. A nil logger falls back to slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Forward(_ context.Context, ev ForwardEvent) error {
	s.logger.Info("event",
		"type", ev.Type,
		"pid", ev.PID,
		"comm", ev.Comm,
		"http_version", ev.HTTPVersion,
		"size", ev.Size,
	)
	return nil
}

// RedisSink publishes events as JSON on a Redis Pub/Sub channel, for
// fan-out to any number of external consumers without mcptapd knowing
// about them.
type RedisSink struct {
	client  *redis.Client
	channel string
}

// NewRedisSink creates a RedisSink publishing to channel.
func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	if channel == "" {
		channel = "mcptap:events"
	}
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Forward(ctx context.Context, ev ForwardEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("sink: marshal event: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		return fmt.Errorf("sink: publish to %s: %w", s.channel, err)
	}
	return nil
}

// MultiSink fans a single event out to every configured Sink,
// continuing past individual failures so one slow/broken sink cannot
// block the others.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a MultiSink over sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) Forward(ctx context.Context, ev ForwardEvent) error {
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Forward(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ForwardEventFromRecord builds a ForwardEvent from the already-decoded
// common header fields (type, pid, comm), stamping ObservedAt; type-specific
// fields are filled by the caller, which already knows the variant
// from the emitter that produced the record.
func ForwardEventFromRecord(eventType wire.EventType, pid uint32, comm string) ForwardEvent {
	return ForwardEvent{
		Type:       eventType.String(),
		PID:        pid,
		Comm:       comm,
		ObservedAt: time.Now(),
	}
}
