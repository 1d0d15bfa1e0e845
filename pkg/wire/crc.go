package wire

import "hash/crc32"

// ieeeTable is the standard polynomial 0xEDB88320 table §4.1/§6 specify.
var ieeeTable = crc32.MakeTable(crc32.IEEE)

// CRC32 computes the session's CRC-32 over data, using seed as the
// starting register (XORed with 0xFFFFFFFF at entry and exit, per §4.1).
// crc32.Update applies both inversions itself.
func CRC32(seed uint32, data []byte) uint32 {
	return crc32.Update(seed, ieeeTable, data)
}

// AppendTrailer appends the low length bytes (big-endian) of the CRC-32
// of data to dst, for length in {0,1,2,3,4}.
func AppendTrailer(dst []byte, seed uint32, length int, data []byte) []byte {
	if length == 0 {
		return dst
	}
	sum := CRC32(seed, data)
	var b [4]byte
	b[0] = byte(sum >> 24)
	b[1] = byte(sum >> 16)
	b[2] = byte(sum >> 8)
	b[3] = byte(sum)
	return append(dst, b[4-length:]...)
}

// CheckTrailer verifies that the last length bytes of packet equal the low
// length bytes of the CRC-32 of packet[:len(packet)-length], computed with
// seed.
func CheckTrailer(seed uint32, length int, packet []byte) bool {
	if length == 0 {
		return true
	}
	if len(packet) < length {
		return false
	}
	split := len(packet) - length
	sum := CRC32(seed, packet[:split])
	var b [4]byte
	b[0] = byte(sum >> 24)
	b[1] = byte(sum >> 16)
	b[2] = byte(sum >> 8)
	b[3] = byte(sum)
	expected := b[4-length:]
	trailer := packet[split:]
	for i := range expected {
		if expected[i] != trailer[i] {
			return false
		}
	}
	return true
}
