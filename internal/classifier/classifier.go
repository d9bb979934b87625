// Package classifier implements the Fragment Classifier: a cheap, pure
// predicate gating whether a fragment is worth admitting into stream
// reassembly at all. It mirrors bpf/json.h's is_json_data leading-byte
// check (bracket counting is a separate step, in json.h's
// update_bracket_counts and in internal/stream, which is where the real
// completion decision happens).
package classifier

// leadingWindow is the number of leading bytes inspected for the first
// non-whitespace character. Anything shorter is too small to be a
// useful fragment and is rejected outright.
const leadingWindow = 8

func isWhitespace(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r':
		return true
	default:
		return false
	}
}

// LooksLikeJSONObject reports whether the first non-whitespace byte
// within the leading 8 bytes of buf is '{'. It is a pure filter, not a
// validator: a true result only admits the fragment into reassembly,
// where the bracket counter makes the real completeness decision.
func LooksLikeJSONObject(buf []byte) bool {
	limit := len(buf)
	if limit > leadingWindow {
		limit = leadingWindow
	}
	if limit < leadingWindow {
		return false
	}

	for _, b := range buf[:limit] {
		if isWhitespace(b) {
			continue
		}
		return b == '{'
	}
	// All leading bytes were whitespace; no non-whitespace byte found.
	return false
}
