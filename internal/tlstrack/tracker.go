// Package tlstrack implements the TLS Session Tracker: per-SSL-context
// state tracking handshake readiness, inferred HTTP version, and the
// client-only directional polarity filter described in spec §4.4. It
// emits payload events directly — TLS records already frame
// application payloads at this layer's granularity, so there is no
// reassembly step here (contrast internal/stream).
package tlstrack

import (
	"sync"

	"github.com/google/uuid"

	"github.com/ocx/mcptap/internal/lru"
	"github.com/ocx/mcptap/internal/wire"
)

// SessionDirection is the TLS-level polarity of a payload: SSL_write
// (outbound, expected REQUEST) or SSL_read (inbound, expected RESPONSE).
type SessionDirection uint8

const (
	DirectionSend SessionDirection = iota
	DirectionRecv
)

// Session is the per-SSL-context state (spec §3 TlsSession).
type Session struct {
	HTTPVersion wire.HTTPVersion
	IsActive    bool
	TraceID     uuid.UUID
}

// PayloadEmission is handed to the Sink when a TLS application payload
// is classifiable and passes the polarity filter.
type PayloadEmission struct {
	PID         uint32
	SSLCtx      uint64
	Direction   SessionDirection
	HTTPVersion wire.HTTPVersion
	Payload     []byte
	TraceID     uuid.UUID
}

// Sink receives TLS events. Must not block (spec §5).
type Sink interface {
	EmitTLSPayload(PayloadEmission)
	EmitTLSFree(pid uint32, sslCtx uint64)
}

// Tracker holds the TLS session table plus transient per-pid argument
// stashes bridging a probe's *_enter and *_exit callbacks.
type Tracker struct {
	mu       sync.Mutex
	sessions *lru.Cache[uint64, *Session]
	sink     Sink

	handshakeArgs map[uint32]uint64 // pid -> ssl ctx stashed at handshake enter
	readArgs      map[uint32]uint64 // pid -> ssl ctx stashed at SSL_read enter
}

// New creates a Tracker bounded to capacity sessions.
func New(capacity int, sink Sink) *Tracker {
	return &Tracker{
		sessions:      lru.New[uint64, *Session](capacity, nil),
		sink:          sink,
		handshakeArgs: make(map[uint32]uint64),
		readArgs:      make(map[uint32]uint64),
	}
}

// OnSSLNew handles the SSL_new return probe: a session is created with
// HTTPVersion=UNKNOWN and IsActive=false.
func (t *Tracker) OnSSLNew(sslCtx uint64) {
	t.sessions.Put(sslCtx, &Session{TraceID: uuid.New()})
}

// OnHandshakeEnter stashes the SSL context for the handshake-exit probe.
func (t *Tracker) OnHandshakeEnter(pid uint32, sslCtx uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handshakeArgs[pid] = sslCtx
}

// OnHandshakeExit pops the stashed SSL context; ret==1 marks the
// session active (spec §4.4 on_handshake_exit).
func (t *Tracker) OnHandshakeExit(pid uint32, ret int32) {
	t.mu.Lock()
	sslCtx, ok := t.handshakeArgs[pid]
	delete(t.handshakeArgs, pid)
	t.mu.Unlock()
	if !ok {
		return
	}
	if session, found := t.sessions.Get(sslCtx); found && ret == 1 {
		session.IsActive = true
	}
}

// OnSSLReadEnter stashes the SSL context for the matching read-exit
// probe.
func (t *Tracker) OnSSLReadEnter(pid uint32, sslCtx uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readArgs[pid] = sslCtx
}

// OnSSLReadExit pops the stashed context; ret<=0 discards (spec:
// "pop; if ret <= 0, discard"). Otherwise classifies/emits with
// direction RECV. payload must already be sized to ret bytes — the
// real uprobe copies exactly that many bytes out of the stashed buffer
// address at exit time.
func (t *Tracker) OnSSLReadExit(pid uint32, ret int32, payload []byte) {
	t.mu.Lock()
	sslCtx, ok := t.readArgs[pid]
	delete(t.readArgs, pid)
	t.mu.Unlock()
	if !ok || ret <= 0 {
		return
	}
	t.handlePayload(pid, sslCtx, DirectionRecv, payload)
}

// OnSSLWrite handles SSL_write directly (it is hooked on return, where
// both the buffer and the byte count are already known; spec: "if
// num <= 0, discard. Proceed with direction = SEND").
func (t *Tracker) OnSSLWrite(pid uint32, sslCtx uint64, num int32, payload []byte) {
	if num <= 0 {
		return
	}
	t.handlePayload(pid, sslCtx, DirectionSend, payload)
}

// OnSSLReadExEnter/OnSSLWriteExEnter/OnSSLReadExExit/OnSSLWriteExExit
// mirror the _ex variants (spec: "same, but num is the requested
// count and the actual count is fetched indirectly via a
// caller-provided out_count pointer on exit"). actualCount is the
// already-dereferenced out_count value.

func (t *Tracker) OnSSLReadExEnter(pid uint32, sslCtx uint64) {
	t.OnSSLReadEnter(pid, sslCtx)
}

func (t *Tracker) OnSSLReadExExit(pid uint32, ok bool, actualCount int32, payload []byte) {
	ret := int32(-1)
	if ok {
		ret = actualCount
	}
	t.OnSSLReadExit(pid, ret, payload)
}

func (t *Tracker) OnSSLWriteExEnter(pid uint32, sslCtx uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handshakeArgs[writeExKey(pid)] = sslCtx // reuse stash map, distinct namespace
}

func (t *Tracker) OnSSLWriteExExit(pid uint32, ok bool, actualCount int32, payload []byte) {
	t.mu.Lock()
	sslCtx, found := t.handshakeArgs[writeExKey(pid)]
	delete(t.handshakeArgs, writeExKey(pid))
	t.mu.Unlock()
	if !found || !ok || actualCount <= 0 {
		return
	}
	t.handlePayload(pid, sslCtx, DirectionSend, payload)
}

// writeExKey keeps SSL_write_ex's stash out of the plain handshake/read
// pid keyspaces without a third map; pids are 32-bit so the high bit is
// free for our synthetic tagging.
func writeExKey(pid uint32) uint32 { return pid | 0x8000_0000 }

// OnSSLFree handles the SSL_free entry probe: the session is deleted
// and a TLS_FREE event is emitted unconditionally (spec §4.4).
func (t *Tracker) OnSSLFree(pid uint32, sslCtx uint64) {
	t.sessions.Delete(sslCtx)
	t.sink.EmitTLSFree(pid, sslCtx)
}

// handlePayload implements the version-inference and polarity-filter
// state machine shared by all payload-carrying probes (spec §4.4
// steps 1-4 plus the directional filter and "fixed once" rule).
func (t *Tracker) handlePayload(pid uint32, sslCtx uint64, dir SessionDirection, payload []byte) {
	session, ok := t.sessions.Get(sslCtx)
	if !ok {
		// SSL_new was never observed for this context (e.g. tracer
		// attached mid-connection); track it from here on.
		session = &Session{TraceID: uuid.New()}
		t.sessions.Put(sslCtx, session)
	}

	if session.HTTPVersion == wire.HTTPVersionUnknown {
		c := classify(payload)
		if c.version == wire.HTTPVersionUnknown {
			return // VersionUnidentified: wait for a later payload
		}
		if c.version == wire.HTTPVersion1 {
			expected := MessageResponse
			if dir == DirectionSend {
				expected = MessageRequest
			}
			if c.kind != expected {
				return // DirectionMismatch: session stays UNKNOWN
			}
		}
		// HTTP/2's preface/frame heuristic carries no polarity signal
		// at this granularity; the first classifiable payload fixes it
		// regardless of direction.
		session.HTTPVersion = c.version
	}

	t.sink.EmitTLSPayload(PayloadEmission{
		PID:         pid,
		SSLCtx:      sslCtx,
		Direction:   dir,
		HTTPVersion: session.HTTPVersion,
		Payload:     payload,
		TraceID:     session.TraceID,
	})
}

// Snapshot describes one tracked session for introspection purposes.
type Snapshot struct {
	SSLCtx      uint64
	HTTPVersion wire.HTTPVersion
	IsActive    bool
}

// Each calls fn for every currently tracked session.
func (t *Tracker) Each(fn func(Snapshot)) {
	t.sessions.Each(func(k uint64, s *Session) {
		fn(Snapshot{SSLCtx: k, HTTPVersion: s.HTTPVersion, IsActive: s.IsActive})
	})
}

// Len reports the number of tracked sessions.
func (t *Tracker) Len() int {
	return t.sessions.Len()
}
