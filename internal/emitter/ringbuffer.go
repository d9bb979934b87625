package emitter

import (
	"errors"
	"sync"

	"github.com/cilium/ebpf/ringbuf"
)

// ErrReservationFailed is returned by Reserve when the ring buffer has
// no room; callers must drop the record rather than block (spec §7:
// producers never block on a full ring).
var ErrReservationFailed = errors.New("emitter: ring buffer reservation failed")

// RingBuffer models the kernel ring buffer's reserve/submit/discard
// contract on the producer side. A slot obtained from Reserve must be
// filled in place and then either Submit'ed (published to consumers)
// or Discard'ed (released without publishing); a producer must never
// hold a slot indefinitely.
type RingBuffer interface {
	Reserve(size int) ([]byte, error)
	Submit(slot []byte)
	Discard(slot []byte)
}

// Consumer is the pull-side of a ring buffer: Next blocks until a
// record is published or the buffer is closed.
type Consumer interface {
	Next() ([]byte, bool)
}

// MemRingBuffer is the in-process ring buffer used by the Go-reference
// ingestion path (and by tests): a bounded channel standing in for the
// kernel ring. depth counts slots that are reserved or submitted but
// not yet drained by Next (Discard frees its slot); Reserve fails once depth
// reaches capacity, mirroring a full kernel ring rather than growing
// without bound.
type MemRingBuffer struct {
	mu       sync.Mutex
	capacity int
	depth    int
	records  chan []byte
}

// NewMemRingBuffer creates a MemRingBuffer holding up to capacity
// unread records.
func NewMemRingBuffer(capacity int) *MemRingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemRingBuffer{capacity: capacity, records: make(chan []byte, capacity)}
}

func (m *MemRingBuffer) Reserve(size int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.depth >= m.capacity {
		return nil, ErrReservationFailed
	}
	m.depth++
	return make([]byte, size), nil
}

// Submit publishes slot to consumers. Reserve's bound on depth
// guarantees the channel always has room, so this never blocks.
func (m *MemRingBuffer) Submit(slot []byte) {
	m.records <- slot
}

// Discard releases a reserved slot without publishing it, immediately
// freeing its capacity since no consumer will ever see it.
func (m *MemRingBuffer) Discard(slot []byte) {
	m.mu.Lock()
	m.depth--
	m.mu.Unlock()
}

// Next blocks for the next published record, decrementing depth. ok is
// false once the buffer will never produce another record (not used
// by MemRingBuffer today; present for Consumer symmetry with BPFReader).
func (m *MemRingBuffer) Next() ([]byte, bool) {
	rec, ok := <-m.records
	if ok {
		m.mu.Lock()
		m.depth--
		m.mu.Unlock()
	}
	return rec, ok
}

// BPFReader wraps a cilium/ebpf ringbuf.Reader: the consumer side of
// the real kernel ring buffer. It is not a RingBuffer producer (the
// kernel program is the producer there); its Next implementation
// mirrors MemRingBuffer's so cmd/mcptapd's downstream fan-out is
// identical regardless of ingestion path.
type BPFReader struct {
	reader *ringbuf.Reader
}

// NewBPFReader wraps an already-opened ringbuf.Reader.
func NewBPFReader(reader *ringbuf.Reader) *BPFReader {
	return &BPFReader{reader: reader}
}

// Next blocks until the kernel publishes a record or the reader is
// closed, in which case ok is false.
func (r *BPFReader) Next() ([]byte, bool) {
	rec, err := r.reader.Read()
	if err != nil {
		return nil, false
	}
	raw := make([]byte, len(rec.RawSample))
	copy(raw, rec.RawSample)
	return raw, true
}

// Close stops the underlying kernel ring buffer reader, unblocking any
// in-flight Next call with ringbuf.ErrClosed.
func (r *BPFReader) Close() error {
	return r.reader.Close()
}
