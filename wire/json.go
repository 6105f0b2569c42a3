package wire

import (
	"fmt"
	"unicode/utf8"

	json "github.com/goccy/go-json"
)

// marshalParams encodes params the way the reference peers do: map keys
// sorted, ", " and ": " separators, non-ASCII characters escaped.
func marshalParams(params []any) ([]byte, error) {
	compact, err := json.MarshalNoEscape(params)
	if err != nil {
		return nil, err
	}
	return spaced(compact), nil
}

// spaced rewrites compact JSON with a space after every separator outside
// string literals and with non-ASCII runes escaped as \uXXXX.
func spaced(compact []byte) []byte {
	out := make([]byte, 0, len(compact)+len(compact)/4)
	inString, escaped := false, false
	for i := 0; i < len(compact); {
		c := compact[i]
		if c >= utf8.RuneSelf {
			r, size := utf8.DecodeRune(compact[i:])
			out = appendEscapedRune(out, r)
			i += size
			continue
		}
		out = append(out, c)
		i++
		switch {
		case inString && escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case !inString && (c == ',' || c == ':'):
			out = append(out, ' ')
		}
	}
	return out
}

func appendEscapedRune(out []byte, r rune) []byte {
	if r > 0xffff {
		r -= 0x10000
		hi := 0xd800 + (r>>10)&0x3ff
		lo := 0xdc00 + r&0x3ff
		return append(out, fmt.Sprintf(`\u%04x\u%04x`, hi, lo)...)
	}
	return append(out, fmt.Sprintf(`\u%04x`, r)...)
}
