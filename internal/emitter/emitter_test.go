package emitter

import (
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/mcptap/internal/stream"
	"github.com/ocx/mcptap/internal/tlstrack"
	"github.com/ocx/mcptap/internal/wire"
)

type countingDrops struct {
	counts   map[string]int
	emitted  int
	tlsEmits int
}

func newCountingDrops() *countingDrops { return &countingDrops{counts: make(map[string]int)} }

func (c *countingDrops) IncDrop(reason string)                      { c.counts[reason]++ }
func (c *countingDrops) RecordStreamEmitted()                       { c.emitted++ }
func (c *countingDrops) RecordTLSPayload(direction, version string) { c.tlsEmits++ }

func TestEmitStream_EncodesAndPublishes(t *testing.T) {
	rb := NewMemRingBuffer(4)
	e := New(rb, nil, nil)

	payload := []byte(`{"a":1}`)
	e.EmitStream(stream.EmittedEvent{
		Key:       stream.Key{PID: 42, File: 1},
		Operation: stream.DirectionRead,
		Payload:   payload,
	})

	rec, ok := rb.Next()
	require.True(t, ok)
	typ, ok := DecodeEventType(rec)
	require.True(t, ok)
	assert.Equal(t, wire.EventRead, typ)
	pid := binary.LittleEndian.Uint32(rec[4:8])
	assert.Equal(t, uint32(42), pid)
}

// P8: truncation transparency — size reflects the true length even
// when buf_size is capped at MaxBufSize.
func TestEncodeDataEvent_TruncationTransparency(t *testing.T) {
	comm := wire.CommFrom("test")
	big := make([]byte, wire.MaxBufSize+100)
	for i := range big {
		big[i] = 'x'
	}

	rec := EncodeDataEvent(wire.EventWrite, 1, comm, big)
	hs := headerSize()
	size := binary.LittleEndian.Uint32(rec[hs : hs+4])
	bufSize := binary.LittleEndian.Uint32(rec[hs+4 : hs+8])

	assert.Equal(t, uint32(len(big)), size)
	assert.Equal(t, uint32(wire.MaxBufSize), bufSize)
}

func TestEmitter_ReservationFailure_DropsAndCounts(t *testing.T) {
	rb := NewMemRingBuffer(1)
	drops := newCountingDrops()
	e := New(rb, nil, drops)

	// Fills the ring's one slot without draining it via Next.
	e.EmitStream(stream.EmittedEvent{Key: stream.Key{PID: 1, File: 1}, Payload: []byte(`{}`)})
	// depth is already at capacity; this reservation must fail.
	e.EmitStream(stream.EmittedEvent{Key: stream.Key{PID: 2, File: 2}, Payload: []byte(`{}`)})

	assert.Equal(t, 1, drops.counts["ring_full"])
}

func TestDropStream_RecordsReasonNotPublished(t *testing.T) {
	rb := NewMemRingBuffer(4)
	drops := newCountingDrops()
	e := New(rb, nil, drops)

	e.DropStream(stream.Key{PID: 1, File: 1}, stream.DropOverflow)

	assert.Equal(t, 1, drops.counts[string(stream.DropOverflow)])
	assert.Equal(t, 0, len(rb.records))
}

func TestEmitTLSPayload_EncodesVersionAndDirection(t *testing.T) {
	rb := NewMemRingBuffer(4)
	e := New(rb, nil, nil)

	e.EmitTLSPayload(tlstrack.PayloadEmission{
		PID:         7,
		SSLCtx:      0xabc,
		Direction:   tlstrack.DirectionSend,
		HTTPVersion: wire.HTTPVersion1,
		Payload:     []byte("GET / HTTP/1.1\r\n\r\n"),
	})

	rec, ok := rb.Next()
	require.True(t, ok)
	typ, ok := DecodeEventType(rec)
	require.True(t, ok)
	assert.Equal(t, wire.EventTLSPayloadSend, typ)
}

func TestEmitStream_RecordsTraceIDForPID(t *testing.T) {
	rb := NewMemRingBuffer(4)
	e := New(rb, nil, nil)

	id := uuid.New()
	e.EmitStream(stream.EmittedEvent{
		Key:     stream.Key{PID: 55, File: 1},
		Payload: []byte(`{}`),
		TraceID: id,
	})

	got, ok := e.TraceIDFor(55)
	require.True(t, ok)
	assert.Equal(t, id.String(), got)

	_, ok = e.TraceIDFor(999)
	assert.False(t, ok)
}

func TestEmitTLSFree_Encodes(t *testing.T) {
	rb := NewMemRingBuffer(4)
	e := New(rb, nil, nil)

	e.EmitTLSFree(9, 0xdead)

	rec, ok := rb.Next()
	require.True(t, ok)
	typ, ok := DecodeEventType(rec)
	require.True(t, ok)
	assert.Equal(t, wire.EventTLSFree, typ)
	hs := headerSize()
	sslCtx := binary.LittleEndian.Uint64(rec[hs : hs+8])
	assert.Equal(t, uint64(0xdead), sslCtx)
}

func TestMemRingBuffer_ReserveFailsAtCapacity(t *testing.T) {
	rb := NewMemRingBuffer(1)

	_, err := rb.Reserve(8)
	require.NoError(t, err)

	_, err = rb.Reserve(8)
	assert.ErrorIs(t, err, ErrReservationFailed)
}

func TestMemRingBuffer_DiscardFreesCapacity(t *testing.T) {
	rb := NewMemRingBuffer(1)

	slot, err := rb.Reserve(8)
	require.NoError(t, err)
	rb.Discard(slot)

	_, err = rb.Reserve(8)
	assert.NoError(t, err)
}

func TestDecodeRecord_RoundTripsDataEvent(t *testing.T) {
	comm := wire.CommFrom("curl")
	rec := EncodeDataEvent(wire.EventRead, 123, comm, []byte(`{"a":1}`))

	ev, ok := DecodeRecord(rec)
	require.True(t, ok)
	assert.Equal(t, wire.EventRead, ev.Type)
	assert.Equal(t, uint32(123), ev.PID)
	assert.Equal(t, []byte(`{"a":1}`), ev.Buf)
	assert.Equal(t, uint32(7), ev.Size)
	assert.Equal(t, uint32(7), ev.BufSize)
}

func TestDecodeRecord_RoundTripsTLSPayloadEvent(t *testing.T) {
	comm := wire.CommFrom("curl")
	rec := EncodeTLSPayloadEvent(wire.EventTLSPayloadRecv, 7, comm, 0xabc, wire.HTTPVersion1, []byte("HTTP/1.1 200 OK\r\n"))

	ev, ok := DecodeRecord(rec)
	require.True(t, ok)
	assert.Equal(t, wire.EventTLSPayloadRecv, ev.Type)
	assert.Equal(t, uint64(0xabc), ev.SSLCtx)
	assert.Equal(t, wire.HTTPVersion1, ev.HTTPVersion)
}

func TestDecodeRecord_RoundTripsTLSFreeEvent(t *testing.T) {
	comm := wire.CommFrom("curl")
	rec := EncodeTLSFreeEvent(9, comm, 0xdead)

	ev, ok := DecodeRecord(rec)
	require.True(t, ok)
	assert.Equal(t, wire.EventTLSFree, ev.Type)
	assert.Equal(t, uint64(0xdead), ev.SSLCtx)
}

func TestDecodeRecord_TooShortRejected(t *testing.T) {
	_, ok := DecodeRecord([]byte{1, 2, 3})
	assert.False(t, ok)
}
