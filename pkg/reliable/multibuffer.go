package reliable

import (
	"time"

	"github.com/samsamfire/soe/internal/bufpool"
	"github.com/samsamfire/soe/internal/varint"
	"github.com/samsamfire/soe/pkg/wire"
)

// reservedSeqLen is the header room kept at the front of a multi-buffer
// for the 2-byte sequence that stash assignment writes in once the buffer
// is flushed (§3 "Multi-buffer", §4.3).
const reservedSeqLen = 2

// markerLen is the width of the multi-data marker (§6, GLOSSARY).
const markerLen = 2

const multiBufHeaderLen = reservedSeqLen + markerLen

// multiBuffer accumulates small application payloads into a single
// coalesced reliable-data packet (§3, §4.3).
type multiBuffer struct {
	buf                   *bufpool.Buffer
	writePos              int
	itemCount             int
	firstItemPayloadStart int
	firstAppend           time.Time
}

func newMultiBuffer(pool *bufpool.Pool) *multiBuffer {
	b := pool.Rent()
	raw := b.Raw()
	raw[0], raw[1] = 0, 0
	raw[2], raw[3] = wire.MultiDataMarker[0], wire.MultiDataMarker[1]
	return &multiBuffer{buf: b, writePos: multiBufHeaderLen}
}

// contentLen is the number of bytes used since the reserved sequence
// placeholder (i.e. marker + items so far).
func (m *multiBuffer) contentLen() int {
	return m.writePos - reservedSeqLen
}

// tryAppend attempts to add payload as a new multi-data item, given the
// negotiated max data length. It reports whether the item fit and whether
// the buffer became exactly full as a result (§4.3 step 2).
func (m *multiBuffer) tryAppend(maxDataLen int, payload []byte) (fit bool, full bool) {
	cost := varint.Size(uint32(len(payload))) + len(payload)
	capacity := maxDataLen - reservedSeqLen
	if m.contentLen()+cost > capacity {
		return false, false
	}
	raw := m.buf.Raw()
	if m.writePos+cost > len(raw) {
		return false, false
	}
	if m.itemCount == 0 {
		m.firstItemPayloadStart = m.writePos + varint.Size(uint32(len(payload)))
		m.firstAppend = time.Now()
	}
	extended := varint.Encode(raw[:m.writePos], uint32(len(payload)))
	extended = append(extended, payload...)
	m.writePos = len(extended)
	m.itemCount++
	full = m.contentLen() == capacity
	return true, full
}

// flush finalizes the buffer per §4.3's single-item header-overwrite
// optimisation (itemCount==1) or the general multi-item case. It returns
// a nil buffer and ok == false if there is nothing to flush (itemCount==0,
// a no-op).
func (m *multiBuffer) flush() (buf *bufpool.Buffer, fragment bool, ok bool) {
	switch m.itemCount {
	case 0:
		return nil, false, false
	case 1:
		start := m.firstItemPayloadStart - reservedSeqLen
		m.buf.SetRange(start, m.writePos)
		return m.buf, false, true
	default:
		m.buf.SetRange(0, m.writePos)
		return m.buf, false, true
	}
}
