// Package emitter bridges the stream reassembler and TLS session
// tracker to the downstream ring buffer: it encodes wire.go's
// fixed-layout records and enforces the reserve/fill/submit-or-discard
// contract described for the kernel-resident emitter, so the very same
// encoding is produced whether a record originates in-kernel or from
// this package's Go-reference producer path.
package emitter

import (
	"encoding/binary"

	"github.com/ocx/mcptap/internal/wire"
)

func putHeader(b []byte, h wire.Header) {
	b[0] = byte(h.EventType)
	binary.LittleEndian.PutUint32(b[4:8], h.PID)
	copy(b[8:8+wire.CommLen], h.Comm[:])
}

func headerSize() int { return 8 + wire.CommLen }

// EncodeDataEvent serializes a READ/WRITE event (wire.DataEvent),
// truncating buf to wire.MaxBufSize per the buf_size invariant (spec
// P8: a truncated event is always smaller, never corrupted).
func EncodeDataEvent(eventType wire.EventType, pid uint32, comm [wire.CommLen]byte, buf []byte) []byte {
	hs := headerSize()
	out := make([]byte, hs+4+4+wire.MaxBufSize)
	putHeader(out, wire.Header{EventType: eventType, PID: pid, Comm: comm})

	bufSize := wire.TruncatedSize(len(buf))
	binary.LittleEndian.PutUint32(out[hs:hs+4], uint32(len(buf)))
	binary.LittleEndian.PutUint32(out[hs+4:hs+8], bufSize)
	copy(out[hs+8:hs+8+int(bufSize)], buf[:bufSize])
	return out
}

// EncodeTLSPayloadEvent serializes an SSL_read/SSL_write event
// (wire.TLSPayloadEvent).
func EncodeTLSPayloadEvent(eventType wire.EventType, pid uint32, comm [wire.CommLen]byte, sslCtx uint64, version wire.HTTPVersion, buf []byte) []byte {
	hs := headerSize()
	out := make([]byte, hs+8+4+4+1+wire.MaxBufSize)
	putHeader(out, wire.Header{EventType: eventType, PID: pid, Comm: comm})

	off := hs
	binary.LittleEndian.PutUint64(out[off:off+8], sslCtx)
	off += 8
	bufSize := wire.TruncatedSize(len(buf))
	binary.LittleEndian.PutUint32(out[off:off+4], uint32(len(buf)))
	off += 4
	binary.LittleEndian.PutUint32(out[off:off+4], bufSize)
	off += 4
	out[off] = byte(version)
	off++
	copy(out[off:off+int(bufSize)], buf[:bufSize])
	return out
}

// EncodeTLSFreeEvent serializes an SSL_free event (wire.TLSFreeEvent).
func EncodeTLSFreeEvent(pid uint32, comm [wire.CommLen]byte, sslCtx uint64) []byte {
	hs := headerSize()
	out := make([]byte, hs+8)
	putHeader(out, wire.Header{EventType: wire.EventTLSFree, PID: pid, Comm: comm})
	binary.LittleEndian.PutUint64(out[hs:hs+8], sslCtx)
	return out
}

// EncodeLibraryEvent serializes a library-enumeration event
// (wire.LibraryEvent). The producer (an external collaborator, spec
// §6 Non-goals) is out of scope here; this exists so the ring buffer
// and its consumers handle the variant uniformly.
func EncodeLibraryEvent(pid uint32, comm [wire.CommLen]byte, inode uint64, mntNsID uint32, path string) []byte {
	hs := headerSize()
	out := make([]byte, hs+8+4+wire.PathMax)
	putHeader(out, wire.Header{EventType: wire.EventLibrary, PID: pid, Comm: comm})

	off := hs
	binary.LittleEndian.PutUint64(out[off:off+8], inode)
	off += 8
	binary.LittleEndian.PutUint32(out[off:off+4], mntNsID)
	off += 4
	n := len(path)
	if n > wire.PathMax {
		n = wire.PathMax
	}
	copy(out[off:off+n], path[:n])
	return out
}

// DecodeEventType reads the common header's event type from a raw
// ring buffer record without decoding the rest of its payload.
func DecodeEventType(record []byte) (wire.EventType, bool) {
	if len(record) < headerSize() {
		return 0, false
	}
	return wire.EventType(record[0]), true
}

// DecodedEvent is the common shape the downstream forwarders
// (consumerapi, internal/sink) consume for every variant DecodeRecord
// decodes.
type DecodedEvent struct {
	Type        wire.EventType
	PID         uint32
	Comm        [wire.CommLen]byte
	SSLCtx      uint64
	HTTPVersion wire.HTTPVersion
	Size        uint32
	BufSize     uint32
	Buf         []byte
}

func decodeHeader(record []byte) (wire.Header, bool) {
	if len(record) < headerSize() {
		return wire.Header{}, false
	}
	var h wire.Header
	h.EventType = wire.EventType(record[0])
	h.PID = binary.LittleEndian.Uint32(record[4:8])
	copy(h.Comm[:], record[8:8+wire.CommLen])
	return h, true
}

// DecodeRecord decodes a raw ring buffer record, dispatching on the
// common header's type. It decodes the READ/WRITE, TLS payload and
// TLS_FREE variants; LIBRARY records and unknown types return false.
func DecodeRecord(record []byte) (DecodedEvent, bool) {
	h, ok := decodeHeader(record)
	if !ok {
		return DecodedEvent{}, false
	}
	hs := headerSize()

	switch h.EventType {
	case wire.EventRead, wire.EventWrite:
		if len(record) < hs+8 {
			return DecodedEvent{}, false
		}
		size := binary.LittleEndian.Uint32(record[hs : hs+4])
		bufSize := binary.LittleEndian.Uint32(record[hs+4 : hs+8])
		buf := record[hs+8:]
		if uint32(len(buf)) < bufSize {
			bufSize = uint32(len(buf))
		}
		return DecodedEvent{
			Type: h.EventType, PID: h.PID, Comm: h.Comm,
			Size: size, BufSize: bufSize, Buf: buf[:bufSize],
		}, true

	case wire.EventTLSPayloadSend, wire.EventTLSPayloadRecv:
		if len(record) < hs+8+4+4+1 {
			return DecodedEvent{}, false
		}
		off := hs
		sslCtx := binary.LittleEndian.Uint64(record[off : off+8])
		off += 8
		size := binary.LittleEndian.Uint32(record[off : off+4])
		off += 4
		bufSize := binary.LittleEndian.Uint32(record[off : off+4])
		off += 4
		version := wire.HTTPVersion(record[off])
		off++
		buf := record[off:]
		if uint32(len(buf)) < bufSize {
			bufSize = uint32(len(buf))
		}
		return DecodedEvent{
			Type: h.EventType, PID: h.PID, Comm: h.Comm,
			SSLCtx: sslCtx, HTTPVersion: version,
			Size: size, BufSize: bufSize, Buf: buf[:bufSize],
		}, true

	case wire.EventTLSFree:
		if len(record) < hs+8 {
			return DecodedEvent{}, false
		}
		sslCtx := binary.LittleEndian.Uint64(record[hs : hs+8])
		return DecodedEvent{Type: h.EventType, PID: h.PID, Comm: h.Comm, SSLCtx: sslCtx}, true

	default:
		return DecodedEvent{}, false
	}
}
