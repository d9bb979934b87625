package tlstrack

import (
	"bytes"

	"github.com/ocx/mcptap/internal/wire"
)

// http2Preface is the fixed HTTP/2 connection preface every HTTP/2
// connection begins with, regardless of polarity.
var http2Preface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

// MessageKind distinguishes an HTTP/1 request line from a status line;
// meaningless for HTTP/2 (framed, not line-oriented).
type MessageKind uint8

const (
	MessageUnknown MessageKind = iota
	MessageRequest
	MessageResponse
)

// classification is the result of inspecting a TLS application payload.
type classification struct {
	version wire.HTTPVersion
	kind    MessageKind
}

var http1Methods = [][]byte{
	[]byte("GET "), []byte("POST "), []byte("PUT "), []byte("DELETE "),
	[]byte("HEAD "), []byte("OPTIONS "), []byte("PATCH "), []byte("CONNECT "),
	[]byte("TRACE "),
}

var http1StatusPrefixes = [][]byte{
	[]byte("HTTP/1.0 "), []byte("HTTP/1.1 "),
}

// classify inspects the first bytes of a TLS application payload and
// infers its HTTP version and, for HTTP/1, request/response polarity.
// Returns MessageUnknown/HTTPVersionUnknown when the payload matches
// neither an HTTP/2 preface/frame nor an HTTP/1 request or status line
// (spec §4.4 step 1-4).
func classify(payload []byte) classification {
	if looksLikeHTTP2(payload) {
		return classification{version: wire.HTTPVersion2}
	}
	if isHTTP1RequestLine(payload) {
		return classification{version: wire.HTTPVersion1, kind: MessageRequest}
	}
	if isHTTP1StatusLine(payload) {
		return classification{version: wire.HTTPVersion1, kind: MessageResponse}
	}
	return classification{}
}

func looksLikeHTTP2(payload []byte) bool {
	if bytes.HasPrefix(payload, http2Preface) {
		return true
	}
	// A bare HTTP/2 frame header: 9-byte length(3)+type(1)+flags(1)+
	// stream-id(4). We recognize only the common SETTINGS frame
	// (type 0x4) sent as the first frame after the preface by a peer
	// whose preface bytes were already consumed upstream.
	if len(payload) >= 9 && payload[3] == 0x04 {
		return true
	}
	return false
}

func isHTTP1RequestLine(payload []byte) bool {
	for _, m := range http1Methods {
		if bytes.HasPrefix(payload, m) {
			return bytes.Contains(firstLine(payload), []byte("HTTP/1."))
		}
	}
	return false
}

func isHTTP1StatusLine(payload []byte) bool {
	for _, p := range http1StatusPrefixes {
		if bytes.HasPrefix(payload, p) {
			return true
		}
	}
	return false
}

func firstLine(payload []byte) []byte {
	if i := bytes.IndexByte(payload, '\n'); i >= 0 {
		return payload[:i]
	}
	return payload
}
