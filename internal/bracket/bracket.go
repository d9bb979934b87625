// Package bracket implements the bounded-iteration structural JSON-object
// heuristic: Count mirrors the BPF bracket-counting helper's chunked scan
// (bpf/json.h's count_brackets_callback) over a single span, and Complete
// is the completion check the stream reassembler uses.
package bracket

const (
	// ChunkSize matches the kernel side's fixed 64-byte scan window.
	ChunkSize = 64
	// MaxChunks bounds total work to MaxChunks*ChunkSize bytes (64 KiB),
	// mirroring the bpf_loop(1024, ...) budget in the kernel program.
	MaxChunks = 1024
	// MaxScanBytes is the largest span Count will ever examine.
	MaxScanBytes = MaxChunks * ChunkSize
)

// Count scans buf in fixed ChunkSize chunks, up to MaxChunks chunks,
// accumulating '{' and '}' counts. It returns early, with invalid=true,
// the moment close exceeds open — at that point the span cannot be part
// of a well-formed JSON object no matter what follows.
//
// String escaping and quoting are deliberately unmodelled: this is a
// structural heuristic, not a parser.
func Count(buf []byte) (open, close_ int, invalid bool) {
	limit := len(buf)
	if limit > MaxScanBytes {
		limit = MaxScanBytes
	}

	for offset := 0; offset < limit; offset += ChunkSize {
		end := offset + ChunkSize
		if end > limit {
			end = limit
		}
		for _, b := range buf[offset:end] {
			switch b {
			case '{':
				open++
			case '}':
				close_++
				if close_ > open {
					return open, close_, true
				}
			}
		}
	}
	return open, close_, false
}

// Complete reports the structural-completion heuristic: at least one
// opening brace seen, and opening/closing counts balanced.
func Complete(open, close_ int) bool {
	return open > 0 && open == close_
}
