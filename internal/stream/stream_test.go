package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/mcptap/internal/wire"
)

type recordingSink struct {
	emitted []EmittedEvent
	dropped map[Key]DropReason
}

func newRecordingSink() *recordingSink {
	return &recordingSink{dropped: make(map[Key]DropReason)}
}

func (s *recordingSink) EmitStream(e EmittedEvent) { s.emitted = append(s.emitted, e) }
func (s *recordingSink) DropStream(k Key, r DropReason) { s.dropped[k] = r }

var testComm = wire.CommFrom("test")

// Scenario 1: single-fragment complete JSON.
func TestOnFragment_SingleFragmentComplete(t *testing.T) {
	sink := newRecordingSink()
	r := New(256, sink)
	key := Key{PID: 100, File: 1}

	payload := []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	r.OnFragment(key, DirectionRead, testComm, payload)

	require.Len(t, sink.emitted, 1)
	assert.Equal(t, payload, sink.emitted[0].Payload)
	assert.Equal(t, DirectionRead, sink.emitted[0].Operation)
	assert.Equal(t, 0, r.Len())
}

// Scenario 2: two-fragment reassembly.
func TestOnFragment_TwoFragmentReassembly(t *testing.T) {
	sink := newRecordingSink()
	r := New(256, sink)
	key := Key{PID: 200, File: 2}

	r.OnFragment(key, DirectionRead, testComm, []byte(`{"a":{"b":1`))
	assert.Empty(t, sink.emitted)
	assert.Equal(t, 1, r.Len())

	r.OnFragment(key, DirectionRead, testComm, []byte(`}}`))
	require.Len(t, sink.emitted, 1)
	assert.Equal(t, []byte(`{"a":{"b":1}}`), sink.emitted[0].Payload)
	assert.Equal(t, 13, len(sink.emitted[0].Payload))
	assert.Equal(t, 0, r.Len())
}

// Scenario 3: overflow.
func TestOnFragment_Overflow(t *testing.T) {
	sink := newRecordingSink()
	r := New(256, sink)
	key := Key{PID: 300, File: 3}

	big := make([]byte, 65530)
	big[0] = '{'
	for i := 1; i < 5; i++ {
		big[i] = '{'
	}
	r.OnFragment(key, DirectionRead, testComm, big)
	assert.Equal(t, 1, r.Len())

	overflow := make([]byte, 100)
	r.OnFragment(key, DirectionRead, testComm, overflow)

	assert.Empty(t, sink.emitted)
	assert.Equal(t, DropOverflow, sink.dropped[key])
	assert.Equal(t, 0, r.Len())
}

// Scenario 4: classifier reject.
func TestOnFragment_ClassifierReject(t *testing.T) {
	sink := newRecordingSink()
	r := New(256, sink)
	key := Key{PID: 400, File: 4}

	r.OnFragment(key, DirectionRead, testComm, []byte("GET /path HTTP/1.1\r\n\r\n"))

	assert.Empty(t, sink.emitted)
	assert.Empty(t, sink.dropped)
	assert.Equal(t, 0, r.Len())
}

// P1: open >= close at every observable state, or dropped.
func TestProperty_BracketMonotonicityOrDropped(t *testing.T) {
	sink := newRecordingSink()
	r := New(256, sink)
	key := Key{PID: 1, File: 1}

	r.OnFragment(key, DirectionRead, testComm, []byte(`{"ab": 1`))
	r.Each(func(s Snapshot) {
		assert.GreaterOrEqual(t, s.OpenBrackets, s.CloseBrackets)
	})

	r.OnFragment(key, DirectionRead, testComm, []byte(`}`))
	// Now emitted/dropped; no observable state remains either way.
	assert.Equal(t, 0, r.Len())
}

// P2: accumulated size never exceeds MAX_AGG; overflow implies drop.
func TestProperty_SizeBound(t *testing.T) {
	sink := newRecordingSink()
	r := New(256, sink)
	key := Key{PID: 2, File: 2}

	r.OnFragment(key, DirectionRead, testComm, []byte(`{"x": 1,`))
	r.Each(func(s Snapshot) {
		assert.LessOrEqual(t, s.AccumulatedSize, uint32(wire.MaxAggSize))
	})

	huge := make([]byte, wire.MaxAggSize+1)
	r.OnFragment(key, DirectionRead, testComm, huge)
	assert.Equal(t, DropOverflow, sink.dropped[key])
}

// P3: at most one event emitted per stream lifetime.
func TestProperty_EmissionExclusivity(t *testing.T) {
	sink := newRecordingSink()
	r := New(256, sink)
	key := Key{PID: 3, File: 3}

	r.OnFragment(key, DirectionRead, testComm, []byte(`{"a": 1}`))
	require.Len(t, sink.emitted, 1)

	// A later fragment on the same key starts a fresh stream (the
	// previous one already emitted and was removed).
	r.OnFragment(key, DirectionRead, testComm, []byte(`{"b": 2}`))
	assert.Len(t, sink.emitted, 2)
}

// P4: completeness implies exactly one event with size=accumulated_size
// and removal from the table.
func TestProperty_CompletenessImpliesEmission(t *testing.T) {
	sink := newRecordingSink()
	r := New(256, sink)
	key := Key{PID: 4, File: 4}

	payload := []byte(`{"a":1,"b":{"c":2}}`)
	r.OnFragment(key, DirectionRead, testComm, payload)

	require.Len(t, sink.emitted, 1)
	assert.Equal(t, len(payload), len(sink.emitted[0].Payload))
	assert.Equal(t, 0, r.Len())
}

func TestDirection_FixedAtCreation(t *testing.T) {
	sink := newRecordingSink()
	r := New(256, sink)
	key := Key{PID: 5, File: 5}

	r.OnFragment(key, DirectionWrite, testComm, []byte(`{"ab": 1`))
	// A later fragment claiming READ direction does not reclassify the
	// stream; it is still appended under the original operation.
	r.OnFragment(key, DirectionRead, testComm, []byte(`}`))

	require.Len(t, sink.emitted, 1)
	assert.Equal(t, DirectionWrite, sink.emitted[0].Operation)
}

func TestLRUEviction_DropsQuietly(t *testing.T) {
	sink := newRecordingSink()
	r := New(2, sink)

	r.OnFragment(Key{PID: 1, File: 1}, DirectionRead, testComm, []byte(`{"ab": 1`))
	r.OnFragment(Key{PID: 2, File: 2}, DirectionRead, testComm, []byte(`{"ab": 1`))
	r.OnFragment(Key{PID: 3, File: 3}, DirectionRead, testComm, []byte(`{"ab": 1`))

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, DropLRUEvicted, sink.dropped[Key{PID: 1, File: 1}])
}
