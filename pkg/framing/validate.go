// Package framing implements §4.1's packet validation, the compression
// envelope, and contextual packet assembly/disassembly.
package framing

import (
	"bytes"
	"compress/zlib"
	"errors"
	"io"

	"github.com/samsamfire/soe/pkg/wire"
)

// Result is the outcome of Validate.
type Result int

const (
	Valid Result = iota
	TooShort
	CRCMismatch
	InvalidOpCode
)

func (r Result) String() string {
	switch r {
	case Valid:
		return "valid"
	case TooShort:
		return "too-short"
	case CRCMismatch:
		return "crc-mismatch"
	case InvalidOpCode:
		return "invalid-op-code"
	default:
		return "unknown"
	}
}

// ErrNotCompressed is returned by Decompress when the envelope's boolean
// flag says the payload is already raw.
var ErrNotCompressed = errors.New("framing: payload is not compressed")

// Params bundles the per-session negotiated settings Validate needs.
type Params struct {
	CRCSeed            uint32
	CRCLength          int // 0..4
	CompressionEnabled bool
}

// contextualPrefixLen is 2 (op code) plus 1 for the compression flag byte,
// present only on contextual packets when compression is negotiated.
func (p Params) contextualPrefixLen() int {
	n := 2
	if p.CompressionEnabled {
		n++
	}
	return n
}

// minBodyLen gives the minimum total packet length (including the 2-byte
// op code, any compression flag, and the CRC trailer) for op, per §4.1's
// per-op-code minima.
func minBodyLen(op wire.OpCode, p Params) (int, bool) {
	if op.Contextless() {
		switch op {
		case wire.OpSessionRequest:
			// u32+u32+u32+nul terminator (empty string) = 13
			return 2 + 13, true
		case wire.OpSessionResponse:
			return 2 + 4 + 4 + 1 + 1 + 1 + 4 + 4, true
		case wire.OpUnknownSender:
			return 2, true
		case wire.OpRemapConnection:
			return 2 + 4 + 4, true
		default:
			return 0, false
		}
	}

	prefix := p.contextualPrefixLen()
	trailer := p.CRCLength
	switch op {
	case wire.OpHeartbeat:
		return prefix + trailer, true
	case wire.OpMultiPacket:
		return prefix + 2 + trailer, true
	case wire.OpReliableData, wire.OpReliableDataFrag:
		return prefix + 2 + 1 + trailer, true
	case wire.OpAcknowledge, wire.OpAcknowledgeAll:
		return prefix + 2 + trailer, true
	case wire.OpDisconnect:
		return prefix + 6 + trailer, true
	case wire.OpNetStatusRequest, wire.OpNetStatusResponse:
		return prefix + trailer, true
	default:
		return 0, false
	}
}

// Validate implements §4.1's validation algorithm.
func Validate(packet []byte, p Params) (Result, wire.OpCode) {
	if len(packet) < 2 {
		return InvalidOpCode, 0
	}
	op := wire.OpCode(uint16(packet[0])<<8 | uint16(packet[1]))
	if !op.Known() {
		return InvalidOpCode, op
	}

	minLen, ok := minBodyLen(op, p)
	if !ok {
		return InvalidOpCode, op
	}
	if len(packet) < minLen {
		return TooShort, op
	}

	if op.Contextless() || p.CRCLength == 0 {
		return Valid, op
	}

	if !wire.CheckTrailer(p.CRCSeed, p.CRCLength, packet) {
		return CRCMismatch, op
	}
	return Valid, op
}

// Decompress expands a zlib-compressed contextual payload, bounded to
// 3x maxLen bytes per §4.1. The reference encoder never emits a
// compressed payload (the flag is always written zero outbound); this
// path exists to interoperate with peers that do compress.
func Decompress(payload []byte, maxLen int) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	limited := io.LimitReader(r, int64(maxLen*3)+1)
	out, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if len(out) > maxLen*3 {
		return nil, errors.New("framing: decompressed payload exceeds bound")
	}
	return out, nil
}

// StripCompressionFlag reads the 1-byte compression flag following the op
// code (when negotiated) and returns the remaining body plus whether the
// body is zlib-compressed.
func StripCompressionFlag(body []byte, compressionEnabled bool) (rest []byte, compressed bool, err error) {
	if !compressionEnabled {
		return body, false, nil
	}
	if len(body) < 1 {
		return nil, false, wire.ErrShortBuffer
	}
	return body[1:], body[0] != 0, nil
}
