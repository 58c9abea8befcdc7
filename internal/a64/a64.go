// Package a64 encodes integers with a 64-character alphabet whose characters sort in ASCII order,
// so zero-padded encodings sort the same way as the numbers they encode.
package a64

import (
	"fmt"
	"strings"
)

const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz{}"

// EncodeInt encodes a non-negative integer.
func EncodeInt(v int64) string {
	return EncodeIntPadded(v, 0)
}

// EncodeIntPadded encodes v and left-pads the result with '0' up to padTo characters.
func EncodeIntPadded(v int64, padTo int) string {
	if v < 0 {
		panic(fmt.Sprintf("a64: cannot encode negative value %d", v))
	}
	var buf [11]byte
	i := len(buf)
	for {
		i--
		buf[i] = alphabet[v&63]
		v >>= 6
		if v == 0 {
			break
		}
	}
	s := string(buf[i:])
	if len(s) < padTo {
		s = strings.Repeat("0", padTo-len(s)) + s
	}
	return s
}

// DecodeInt reverses EncodeInt.
func DecodeInt(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("a64: empty string")
	}
	var v int64
	for i := 0; i < len(s); i++ {
		idx := strings.IndexByte(alphabet, s[i])
		if idx < 0 {
			return 0, fmt.Errorf("a64: invalid character %q", s[i])
		}
		v = v<<6 | int64(idx)
	}
	return v, nil
}
