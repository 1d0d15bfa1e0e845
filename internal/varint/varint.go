// Package varint implements the variable-length length encoding used by
// the reliable output channel's multi-data coalescing envelope (§4.3).
package varint

import (
	"encoding/binary"
	"errors"
)

// ErrTruncated is returned by Decode when buf does not contain a complete
// encoded value.
var ErrTruncated = errors.New("varint: truncated input")

// Size returns the number of bytes Encode will produce for n.
func Size(n uint32) int {
	switch {
	case n < 0xFF:
		return 1
	case n < 0xFFFF:
		return 3
	default:
		return 7
	}
}

// Encode appends the variable-length encoding of n to dst and returns the
// extended slice. Values < 0xFF are a single byte; values < 0xFFFF are
// 0xFF followed by 2 big-endian bytes; larger values are 0xFF 0xFF 0xFF
// followed by 4 big-endian bytes.
func Encode(dst []byte, n uint32) []byte {
	switch {
	case n < 0xFF:
		return append(dst, byte(n))
	case n < 0xFFFF:
		dst = append(dst, 0xFF)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(n))
		return append(dst, b[:]...)
	default:
		dst = append(dst, 0xFF, 0xFF, 0xFF)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], n)
		return append(dst, b[:]...)
	}
}

// Decode reads a variable-length value from the front of buf, returning
// the value and the number of bytes consumed.
func Decode(buf []byte) (value uint32, consumed int, err error) {
	if len(buf) < 1 {
		return 0, 0, ErrTruncated
	}
	if buf[0] != 0xFF {
		return uint32(buf[0]), 1, nil
	}
	if len(buf) < 3 {
		return 0, 0, ErrTruncated
	}
	if buf[1] != 0xFF || buf[2] != 0xFF {
		return uint32(binary.BigEndian.Uint16(buf[1:3])), 3, nil
	}
	if len(buf) < 7 {
		return 0, 0, ErrTruncated
	}
	return binary.BigEndian.Uint32(buf[3:7]), 7, nil
}
