// Package stream implements the Stream Reassembler: the per-(pid, file)
// state machine that turns per-syscall byte fragments into whole,
// bracket-complete JSON-RPC messages. It is the authoritative,
// tested Go reference for bpf/json.h's aggregation logic; the kernel
// program mirrors its control flow exactly because it cannot be
// unit-tested directly.
package stream

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/mcptap/internal/bracket"
	"github.com/ocx/mcptap/internal/classifier"
	"github.com/ocx/mcptap/internal/lru"
	"github.com/ocx/mcptap/internal/wire"
)

// Direction is the operation a stream was created under. It is fixed
// at creation and never mutates (spec §3 StreamState invariant).
type Direction uint8

const (
	DirectionRead Direction = iota
	DirectionWrite
)

// Key identifies a stream: a (pid, file_handle) pair, stable for the
// life of an open file within a process.
type Key struct {
	PID  uint32
	File uint64
}

// State is a single stream's accumulated bytes and bracket counts.
// Exactly one goroutine mutates a given State at a time in practice
// (the reassembler serializes table access through its mutex), so no
// internal locking is needed here — see Reassembler.
type State struct {
	Operation       Direction
	Comm            [wire.CommLen]byte
	AccumulatedSize uint32
	OpenBrackets    uint32
	CloseBrackets   uint32
	LastUpdateNS    int64
	TraceID         uuid.UUID

	data [wire.MaxAggSize]byte
}

// reset zeroes a pooled State for reuse, mirroring the kernel's
// per-CPU pre-zeroed scratch slot (spec §4.3, §9).
func (s *State) reset() {
	s.Operation = 0
	s.AccumulatedSize = 0
	s.OpenBrackets = 0
	s.CloseBrackets = 0
	s.LastUpdateNS = 0
	s.TraceID = uuid.UUID{}
}

// Bytes returns the accumulated payload.
func (s *State) Bytes() []byte {
	return s.data[:s.AccumulatedSize]
}

// IsComplete implements the structural completeness heuristic from
// spec §4.3: at least one opening brace seen, and counts balanced.
func (s *State) IsComplete() bool {
	return bracket.Complete(int(s.OpenBrackets), int(s.CloseBrackets))
}

// AppendResult is the outcome of appending a fragment to a State.
type AppendResult int

const (
	AppendOK AppendResult = iota
	AppendOverflow
)

// Append copies buf into state's accumulation buffer. Partial appends
// are never permitted: either the full length fits, or the call is an
// overflow and no bytes are copied (spec §4.3 append contract).
func Append(s *State, buf []byte) AppendResult {
	n := len(buf)
	if n == 0 || n > wire.MaxAggSize {
		return AppendOverflow
	}
	if uint32(n) > wire.MaxAggSize-s.AccumulatedSize {
		return AppendOverflow
	}

	offset := s.AccumulatedSize
	copy(s.data[offset:offset+uint32(n)], buf)
	s.AccumulatedSize += uint32(n)

	// Counts run across the whole stream, so a fragment may close braces
	// opened by earlier fragments. A fragment that closes more braces
	// than the stream has opened leaves the counts unchanged.
	open, close_ := s.OpenBrackets, s.CloseBrackets
	for _, c := range buf {
		if c == '{' {
			open++
		} else if c == '}' {
			if close_++; close_ > open {
				return AppendOK
			}
		}
	}
	s.OpenBrackets, s.CloseBrackets = open, close_
	return AppendOK
}

// DropReason records why a stream's state was discarded without
// emission, for metrics/logging (spec §7).
type DropReason string

const (
	DropOverflow   DropReason = "overflow"
	DropLRUEvicted DropReason = "lru_evicted"
)

// EmittedEvent is what the reassembler hands to its sink on
// completion: the framed payload plus the identity needed to fill the
// wire event header.
type EmittedEvent struct {
	Key       Key
	Operation Direction
	Comm      [wire.CommLen]byte
	Payload   []byte // owned by the caller once returned; copy before reuse
	TraceID   uuid.UUID
}

// Sink receives completed streams. Implementations must not block —
// the reassembler calls Sink synchronously from on_fragment's call
// path, which in the kernel-resident form is a non-preemptible probe
// body (spec §5).
type Sink interface {
	EmitStream(EmittedEvent)
	DropStream(Key, DropReason)
}

// Clock abstracts "now" for testability; defaults to time.Now().UnixNano.
type Clock func() int64

func systemClock() int64 { return time.Now().UnixNano() }

// Reassembler is the per-(pid, file) stream table described in spec
// §4.3. It owns a bounded LRU (capacity spec'd at 256) and a scratch
// pool used to construct new States without large on-stack allocation
// (spec §9) — sync.Pool is this engine's userspace analogue of the
// kernel's per-CPU scratch array.
type Reassembler struct {
	mu    sync.Mutex
	table *lru.Cache[Key, *State]
	pool  sync.Pool
	sink  Sink
	clock Clock
}

// New creates a Reassembler bounded to capacity streams (spec: 256),
// publishing completions and drops to sink.
func New(capacity int, sink Sink) *Reassembler {
	r := &Reassembler{sink: sink, clock: systemClock}
	r.table = lru.New[Key, *State](capacity, func(k Key, s *State) {
		r.sink.DropStream(k, DropLRUEvicted)
		r.pool.Put(s)
	})
	r.pool.New = func() any { return new(State) }
	return r
}

// OnFragment implements spec §4.3's on_fragment: admits, appends, and
// either emits-and-removes or drops-and-removes a stream as dictated
// by the bracket-completion and overflow rules.
func (r *Reassembler) OnFragment(key Key, dir Direction, comm [wire.CommLen]byte, buf []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state, existing := r.table.Get(key)
	if !existing {
		if !classifier.LooksLikeJSONObject(buf) {
			return // ClassifierReject: silently ignore, the common case
		}
		state = r.pool.Get().(*State)
		state.reset()
		state.Operation = dir
		state.Comm = comm
		state.TraceID = uuid.New()
	}
	state.LastUpdateNS = r.clock()

	if Append(state, buf) == AppendOverflow {
		if existing {
			r.table.Remove(key)
		}
		r.sink.DropStream(key, DropOverflow)
		r.pool.Put(state)
		return
	}

	if state.IsComplete() {
		if existing {
			r.table.Remove(key)
		}
		r.emitAndRelease(key, state)
		return
	}

	// Not yet complete: (re-)install so the next fragment finds it.
	// Put on an already-installed key just refreshes recency.
	r.table.Put(key, state)
}

func (r *Reassembler) emitAndRelease(key Key, state *State) {
	payload := make([]byte, state.AccumulatedSize)
	copy(payload, state.Bytes())
	r.sink.EmitStream(EmittedEvent{
		Key:       key,
		Operation: state.Operation,
		Comm:      state.Comm,
		Payload:   payload,
		TraceID:   state.TraceID,
	})
	r.pool.Put(state)
}

// Len reports the number of streams currently tracked, for
// introspection (/streams).
func (r *Reassembler) Len() int {
	return r.table.Len()
}

// Snapshot describes one tracked stream for introspection purposes.
type Snapshot struct {
	Key             Key
	Operation       Direction
	AccumulatedSize uint32
	OpenBrackets    uint32
	CloseBrackets   uint32
	LastUpdateNS    int64
}

// Each calls fn for every currently tracked stream.
func (r *Reassembler) Each(fn func(Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table.Each(func(k Key, s *State) {
		fn(Snapshot{
			Key:             k,
			Operation:       s.Operation,
			AccumulatedSize: s.AccumulatedSize,
			OpenBrackets:    s.OpenBrackets,
			CloseBrackets:   s.CloseBrackets,
			LastUpdateNS:    s.LastUpdateNS,
		})
	})
}
