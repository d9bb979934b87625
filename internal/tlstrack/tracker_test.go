package tlstrack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/mcptap/internal/wire"
)

type recordingSink struct {
	payloads []PayloadEmission
	freed    []uint64
}

func (s *recordingSink) EmitTLSPayload(e PayloadEmission) { s.payloads = append(s.payloads, e) }
func (s *recordingSink) EmitTLSFree(pid uint32, sslCtx uint64) {
	s.freed = append(s.freed, sslCtx)
}

const testSSL uint64 = 0xdeadbeef

// Scenario 5: TLS request classification via SSL_write.
func TestOnSSLWrite_ClassifiesHTTP1Request(t *testing.T) {
	sink := &recordingSink{}
	tr := New(1024, sink)
	tr.OnSSLNew(testSSL)

	payload := []byte("POST /mcp HTTP/1.1\r\nHost: x\r\n\r\n{}")
	tr.OnSSLWrite(1, testSSL, int32(len(payload)), payload)

	require.Len(t, sink.payloads, 1)
	assert.Equal(t, wire.HTTPVersion1, sink.payloads[0].HTTPVersion)
	assert.Equal(t, DirectionSend, sink.payloads[0].Direction)
}

// Scenario 6: version locked on first classifiable payload, reused
// unconditionally afterward regardless of direction/content.
func TestVersionLocksOnFirstClassifiablePayload(t *testing.T) {
	sink := &recordingSink{}
	tr := New(1024, sink)
	tr.OnSSLNew(testSSL)

	req := []byte("GET /mcp HTTP/1.1\r\n\r\n")
	tr.OnSSLWrite(1, testSSL, int32(len(req)), req)
	require.Len(t, sink.payloads, 1)
	assert.Equal(t, wire.HTTPVersion1, sink.payloads[0].HTTPVersion)

	// A second payload that wouldn't classify on its own (e.g. raw JSON
	// with no request/status line) still gets emitted with the
	// already-fixed version, tagged by its own direction.
	tr.OnSSLReadEnter(1, testSSL)
	body := []byte(`{"jsonrpc":"2.0","result":{}}`)
	tr.OnSSLReadExit(1, int32(len(body)), body)

	require.Len(t, sink.payloads, 2)
	assert.Equal(t, wire.HTTPVersion1, sink.payloads[1].HTTPVersion)
	assert.Equal(t, DirectionRecv, sink.payloads[1].Direction)
}

// P6: HTTP version is monotonic — never changes once non-UNKNOWN.
func TestProperty_VersionMonotonicity(t *testing.T) {
	sink := &recordingSink{}
	tr := New(1024, sink)
	tr.OnSSLNew(testSSL)

	req := []byte("GET / HTTP/1.1\r\n\r\n")
	tr.OnSSLWrite(1, testSSL, int32(len(req)), req)

	// Even if a later payload looks like an HTTP/2 preface, the fixed
	// version must not move.
	tr.OnSSLWrite(1, testSSL, int32(len(http2Preface)), http2Preface)

	require.Len(t, sink.payloads, 2)
	assert.Equal(t, wire.HTTPVersion1, sink.payloads[0].HTTPVersion)
	assert.Equal(t, wire.HTTPVersion1, sink.payloads[1].HTTPVersion)
}

// P7: polarity filter — a status line arriving via SSL_write (SEND,
// expected REQUEST) is a direction mismatch; session stays UNKNOWN and
// nothing is emitted.
func TestProperty_PolarityFilter_DirectionMismatch(t *testing.T) {
	sink := &recordingSink{}
	tr := New(1024, sink)
	tr.OnSSLNew(testSSL)

	status := []byte("HTTP/1.1 200 OK\r\n\r\n")
	tr.OnSSLWrite(1, testSSL, int32(len(status)), status)

	assert.Empty(t, sink.payloads)

	var snap Snapshot
	tr.Each(func(s Snapshot) { snap = s })
	assert.Equal(t, wire.HTTPVersionUnknown, snap.HTTPVersion)
}

// A response arriving via SSL_read (RECV, expected RESPONSE) matches
// polarity and fixes the version.
func TestProperty_PolarityFilter_MatchingDirectionFixesVersion(t *testing.T) {
	sink := &recordingSink{}
	tr := New(1024, sink)
	tr.OnSSLNew(testSSL)

	status := []byte("HTTP/1.1 200 OK\r\n\r\n")
	tr.OnSSLReadEnter(1, testSSL)
	tr.OnSSLReadExit(1, int32(len(status)), status)

	require.Len(t, sink.payloads, 1)
	assert.Equal(t, wire.HTTPVersion1, sink.payloads[0].HTTPVersion)
}

func TestOnSSLReadExit_NonPositiveRetDiscards(t *testing.T) {
	sink := &recordingSink{}
	tr := New(1024, sink)
	tr.OnSSLNew(testSSL)

	tr.OnSSLReadEnter(1, testSSL)
	tr.OnSSLReadExit(1, 0, nil)

	assert.Empty(t, sink.payloads)
}

func TestOnSSLWrite_NonPositiveNumDiscards(t *testing.T) {
	sink := &recordingSink{}
	tr := New(1024, sink)
	tr.OnSSLNew(testSSL)

	tr.OnSSLWrite(1, testSSL, 0, []byte("GET / HTTP/1.1\r\n\r\n"))

	assert.Empty(t, sink.payloads)
}

func TestHandshakeExit_MarksSessionActiveOnSuccess(t *testing.T) {
	sink := &recordingSink{}
	tr := New(1024, sink)
	tr.OnSSLNew(testSSL)

	tr.OnHandshakeEnter(1, testSSL)
	tr.OnHandshakeExit(1, 1)

	var snap Snapshot
	tr.Each(func(s Snapshot) { snap = s })
	assert.True(t, snap.IsActive)
}

func TestHandshakeExit_FailureLeavesSessionInactive(t *testing.T) {
	sink := &recordingSink{}
	tr := New(1024, sink)
	tr.OnSSLNew(testSSL)

	tr.OnHandshakeEnter(1, testSSL)
	tr.OnHandshakeExit(1, 0)

	var snap Snapshot
	tr.Each(func(s Snapshot) { snap = s })
	assert.False(t, snap.IsActive)
}

func TestOnSSLFree_RemovesSessionAndEmits(t *testing.T) {
	sink := &recordingSink{}
	tr := New(1024, sink)
	tr.OnSSLNew(testSSL)

	tr.OnSSLFree(1, testSSL)

	assert.Equal(t, 0, tr.Len())
	require.Len(t, sink.freed, 1)
	assert.Equal(t, testSSL, sink.freed[0])
}

func TestSSLReadEx_RoundTrip(t *testing.T) {
	sink := &recordingSink{}
	tr := New(1024, sink)
	tr.OnSSLNew(testSSL)

	status := []byte("HTTP/1.1 200 OK\r\n\r\n")
	tr.OnSSLReadExEnter(1, testSSL)
	tr.OnSSLReadExExit(1, true, int32(len(status)), status)

	require.Len(t, sink.payloads, 1)
	assert.Equal(t, wire.HTTPVersion1, sink.payloads[0].HTTPVersion)
}

func TestSSLWriteEx_RoundTrip(t *testing.T) {
	sink := &recordingSink{}
	tr := New(1024, sink)
	tr.OnSSLNew(testSSL)

	req := []byte("GET / HTTP/1.1\r\n\r\n")
	tr.OnSSLWriteExEnter(1, testSSL)
	tr.OnSSLWriteExExit(1, true, int32(len(req)), req)

	require.Len(t, sink.payloads, 1)
	assert.Equal(t, DirectionSend, sink.payloads[0].Direction)
}

func TestSSLWriteEx_FailureDiscards(t *testing.T) {
	sink := &recordingSink{}
	tr := New(1024, sink)
	tr.OnSSLNew(testSSL)

	req := []byte("GET / HTTP/1.1\r\n\r\n")
	tr.OnSSLWriteExEnter(1, testSSL)
	tr.OnSSLWriteExExit(1, false, 0, req)

	assert.Empty(t, sink.payloads)
}
