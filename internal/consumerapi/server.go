// Package consumerapi implements the gRPC server external collaborators
// subscribe to for decoded events (spec §6 Non-goals excludes the
// collaborator itself, not the feed mcptapd exposes to it).
package consumerapi

import (
	"log/slog"
	"sync"

	"github.com/ocx/mcptap/pb"
)

const subscriberQueueDepth = 256

// Server fans published events out to every active Subscribe call.
type Server struct {
	pb.UnimplementedEventStreamServer

	mu          sync.Mutex
	nextID      uint64
	subscribers map[uint64]chan *pb.Event
	logger      *slog.Logger
}

// NewServer creates an empty Server.
func NewServer(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{subscribers: make(map[uint64]chan *pb.Event), logger: logger}
}

// Publish fans ev out to every subscriber's queue; each Subscribe call
// applies its own filter when draining that queue. A
// subscriber whose queue is full has this event dropped rather than
// blocking the publisher, mirroring the engine's own backpressure
// policy for the ring buffer.
func (s *Server) Publish(ev *pb.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			s.logger.Warn("consumerapi: subscriber queue full, dropping event")
		}
	}
}

// Subscribe implements pb.EventStreamServer. It blocks for the
// lifetime of the stream, pushing matching events as they are
// published.
func (s *Server) Subscribe(filter *pb.Filter, stream pb.EventStream_SubscribeServer) error {
	ch := make(chan *pb.Event, subscriberQueueDepth)

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subscribers[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-ch:
			if !filter.Matches(ev) {
				continue
			}
			if err := stream.Send(ev); err != nil {
				return err
			}
		}
	}
}

// SubscriberCount reports the number of active Subscribe calls. The
// /streams operational endpoint includes it alongside the stream/TLS
// session table snapshot.
func (s *Server) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}
