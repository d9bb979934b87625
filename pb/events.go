// Package pb holds the gRPC service and message types for mcptapd's
// consumer-facing event stream, hand-written in the shape protoc-gen-go
// would produce for:
//
//	service EventStream {
//	  rpc Subscribe(Filter) returns (stream Event);
//	}
package pb

import (
	"context"

	"google.golang.org/grpc"
)

// EventType mirrors wire.EventType without importing internal/wire, so
// pb stays dependency-free the way generated code would be.
type EventType int32

const (
	EventType_READ EventType = iota
	EventType_WRITE
	EventType_TLS_PAYLOAD_SEND
	EventType_TLS_PAYLOAD_RECV
	EventType_TLS_FREE
	EventType_LIBRARY_LOAD
)

// Filter narrows a Subscribe call to the event types and/or PIDs a
// consumer cares about. An empty filter matches everything.
type Filter struct {
	Types []EventType
	PIDs  []uint32
}

// Event is one decoded, forwardable record.
type Event struct {
	Type        EventType
	PID         uint32
	Comm        string
	SSLCtx      uint64
	HTTPVersion string
	Size        uint32
	Payload     []byte
	// TraceID correlates this event with the stream/session it was
	// reassembled from, for log correlation only — it has no bearing
	// on the wire layout and is empty when no correlation is available
	// (e.g. the kernel ingestion path mints no trace IDs).
	TraceID            string
	ObservedAtUnixNano int64
}

// EventStreamClient is the client side of the Subscribe RPC.
type EventStreamClient interface {
	Subscribe(ctx context.Context, in *Filter, opts ...grpc.CallOption) (EventStream_SubscribeClient, error)
}

// EventStream_SubscribeClient receives Events pushed by the server.
type EventStream_SubscribeClient interface {
	Recv() (*Event, error)
	grpc.ClientStream
}

// EventStreamServer is the server side of the Subscribe RPC.
type EventStreamServer interface {
	Subscribe(*Filter, EventStream_SubscribeServer) error
}

// EventStream_SubscribeServer pushes Events to one subscriber.
type EventStream_SubscribeServer interface {
	Send(*Event) error
	grpc.ServerStream
}

// UnimplementedEventStreamServer embeds into real implementations to
// satisfy forward compatibility the way protoc-gen-go's unimplemented
// stubs do.
type UnimplementedEventStreamServer struct{}

func (UnimplementedEventStreamServer) Subscribe(*Filter, EventStream_SubscribeServer) error {
	return nil
}

// Matches reports whether ev passes f. A zero-value Filter matches
// everything.
func (f *Filter) Matches(ev *Event) bool {
	if f == nil {
		return true
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if t == ev.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.PIDs) > 0 {
		ok := false
		for _, pid := range f.PIDs {
			if pid == ev.PID {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}
