package classifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLooksLikeJSONObject(t *testing.T) {
	cases := []struct {
		name string
		buf  []byte
		want bool
	}{
		{"exact json opening", []byte(`{"jsonrpc":"2.0"}`), true},
		{"leading whitespace", []byte("   \t{\"a\":1}"), true},
		{"leading CRLF", []byte("\r\n{\"a\":1}"), true},
		{"http request line", []byte("GET /path HTTP/1.1\r\n"), false},
		{"empty", nil, false},
		{"too short", []byte("{\"a\""), false},
		{"all whitespace", []byte("        "), false},
		{"array not object", []byte(`["a","b"]`), false},
		{"brace after 8 bytes", []byte("12345678{"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, LooksLikeJSONObject(tc.buf))
		})
	}
}

func TestLooksLikeJSONObject_Idempotent(t *testing.T) {
	buf := []byte(`{"id":1,"method":"ping"}`)
	first := LooksLikeJSONObject(buf)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, LooksLikeJSONObject(buf))
	}
}
