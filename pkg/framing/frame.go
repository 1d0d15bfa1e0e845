package framing

import "github.com/samsamfire/soe/pkg/wire"

// HeaderLen returns the number of bytes a contextual packet's header
// occupies ahead of the payload: the 2-byte op code plus, when
// compression is negotiated, the 1-byte compression flag.
func (p Params) HeaderLen() int {
	return p.contextualPrefixLen()
}

// TrailerLen returns the number of CRC trailer bytes a contextual packet
// carries.
func (p Params) TrailerLen() int {
	return p.CRCLength
}

// BuildContextual assembles a full datagram for a contextual op code:
// header (op code + compression flag, always written zero per §4.5, no
// compression is applied outbound) + payload + CRC trailer.
func BuildContextual(op wire.OpCode, payload []byte, p Params) []byte {
	out := make([]byte, 0, p.HeaderLen()+len(payload)+p.TrailerLen())
	out = append(out, byte(op>>8), byte(op))
	if p.CompressionEnabled {
		out = append(out, 0) // compression flag: always raw outbound
	}
	out = append(out, payload...)
	out = wire.AppendTrailer(out, p.CRCSeed, p.CRCLength, out)
	return out
}

// BuildContextless assembles a full datagram for a contextless op code:
// just the op code followed by the payload, with neither compression flag
// nor CRC trailer.
func BuildContextless(op wire.OpCode, payload []byte) []byte {
	out := make([]byte, 0, 2+len(payload))
	out = append(out, byte(op>>8), byte(op))
	out = append(out, payload...)
	return out
}

// StripContextual unwraps a contextual packet already known to be Valid
// (it performs no validation of its own), returning the op-code body with compression flag and CRC
// trailer removed, plus whether the body was marked compressed.
func StripContextual(packet []byte, p Params) (body []byte, compressed bool, err error) {
	body = packet[2 : len(packet)-p.TrailerLen()]
	return StripCompressionFlag(body, p.CompressionEnabled)
}
