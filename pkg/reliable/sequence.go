package reliable

// reconstructSequence implements §4.2: given the 16-bit wire sequence,
// the current 64-bit reference, and the window size n (must be < 0x8000),
// return the unambiguous 64-bit true sequence.
func reconstructSequence(s16 uint16, cur uint64, n uint64) uint64 {
	seq := (cur &^ 0xFFFF) | uint64(s16)
	if int64(seq) > int64(cur)+int64(n) {
		seq -= 0x10000
	}
	if int64(seq) < int64(cur)-int64(n) {
		seq += 0x10000
	}
	return seq
}
