package reliable

import (
	"encoding/binary"
	"time"

	"github.com/samsamfire/soe/internal/cipher"
	"github.com/samsamfire/soe/internal/varint"
	log "github.com/sirupsen/logrus"
)

// MaxAckDelay bounds how long Input may hold a pending AcknowledgeAll
// before DueAck reports it due (§4.4, §6, §9). A var, not a const, per
// §9's "expose it as a tunable".
var MaxAckDelay = 30 * time.Millisecond

type inSlot struct {
	occupied bool
	fragment bool
	seq      uint64
	payload  []byte
}

// InputConfig configures a new Input channel.
type InputConfig struct {
	WindowSize    int // N_in
	Cipher        *cipher.State
	MaxAckDelay   time.Duration
	DataAckWindow int  // §4.4 tick condition (b); 0 disables the count-based trigger
	AckAllEnabled bool // §3 "acknowledge-all flag"
	Deliver       func(item []byte)
	Logger        *log.Entry
}

// Input is the reliable input channel (§3 "Input window", §4.4):
// ordering, deduplication, fragment reassembly, multi-data dispatch, and
// acknowledgement scheduling.
type Input struct {
	n           uint64
	windowStart uint64
	slots       []inSlot
	cipher      *cipher.State
	deliver     func([]byte)
	maxAckDelay time.Duration
	logger      *log.Entry

	reassembling  bool
	expectedLen   uint32
	reassembleBuf []byte

	dirty      bool
	dirtySince time.Time

	dataAckWindow int
	ackAllEnabled bool
	lastAckSent   int64 // -1 until the first AcknowledgeAll is sent

	pendingAcks []uint16
	duplicates  int
}

// markDirty flags a pending AcknowledgeAll, stamping the moment it first
// became pending so DueAck can honour MaxAckDelay from there rather than
// from whenever it happens to be polled.
func (in *Input) markDirty() {
	if !in.dirty {
		in.dirty = true
		in.dirtySince = time.Now()
	}
}

// NewInput creates an Input channel starting at sequence 0.
func NewInput(cfg InputConfig) *Input {
	if cfg.Logger == nil {
		cfg.Logger = log.NewEntry(log.StandardLogger())
	}
	delay := cfg.MaxAckDelay
	if delay == 0 {
		delay = MaxAckDelay
	}
	return &Input{
		n:             uint64(cfg.WindowSize),
		slots:         make([]inSlot, cfg.WindowSize),
		cipher:        cfg.Cipher,
		deliver:       cfg.Deliver,
		maxAckDelay:   delay,
		dataAckWindow: cfg.DataAckWindow,
		ackAllEnabled: cfg.AckAllEnabled,
		lastAckSent:   -1,
		logger:        cfg.Logger.WithField("component", "reliable.input"),
	}
}

// WindowStart exposes the next sequence expected in order (§8).
func (in *Input) WindowStart() uint64 { return in.windowStart }

// Receive processes one reliable-data or reliable-data-fragment packet
// body, of the form [2-byte sequence][payload] (§4.3 stash layout mirrored
// on receive, §4.4 "Receive"). Immediate per-sequence Acknowledge
// courtesies (§8 scenario 4) queue onto TakeAcks; callers should drain and
// send those right after Receive returns.
func (in *Input) Receive(fragment bool, body []byte) {
	if len(body) < 2 {
		in.logger.Warn("reliable data packet shorter than the sequence header")
		return
	}
	wireSeq := binary.BigEndian.Uint16(body[0:2])
	payload := body[2:]

	seq := reconstructSequence(wireSeq, in.windowStart, in.n)

	if seq < in.windowStart {
		// Already delivered: a stale retransmit.
		in.duplicates++
		in.markDirty()
		return
	}
	if seq >= in.windowStart+in.n {
		in.logger.WithField("seq", seq).Warn("reliable data sequence outside input window, dropped")
		return
	}

	idx := seq % in.n
	if in.slots[idx].occupied && in.slots[idx].seq == seq {
		in.duplicates++
		in.markDirty()
		return
	}
	if in.slots[idx].occupied {
		panic("reliable: input stash slot already holds a different sequence")
	}

	outOfOrder := seq != in.windowStart
	stored := append([]byte(nil), payload...)
	in.slots[idx] = inSlot{occupied: true, fragment: fragment, seq: seq, payload: stored}

	if outOfOrder {
		// Courtesy ack for a stashed-but-undeliverable packet, so the
		// sender can retire its stash slot without waiting out a timeout.
		in.pendingAcks = append(in.pendingAcks, uint16(seq))
	}

	delivered, lastSeq := in.drain()
	switch {
	case delivered == 1:
		in.pendingAcks = append(in.pendingAcks, uint16(lastSeq))
	case delivered > 1:
		// §4.4 step 5: acknowledge-all mode owes a per-packet Acknowledge
		// for every receive, even one that unblocks a cascade of
		// already-stashed packets. Outside that mode the backlog waits for
		// the periodic AcknowledgeAll scheduled by DueAck instead.
		if in.ackAllEnabled {
			in.pendingAcks = append(in.pendingAcks, uint16(seq))
		} else {
			in.markDirty()
		}
	}
}

// drain delivers every contiguously available slot starting at
// window_start_in, advancing the window as it goes (§4.4). It reports how
// many items were delivered and the last sequence delivered, so Receive
// can decide between an immediate single Acknowledge and a deferred
// AcknowledgeAll for a multi-item batch drain.
func (in *Input) drain() (delivered int, lastSeq uint64) {
	for {
		idx := in.windowStart % in.n
		slot := &in.slots[idx]
		if !slot.occupied || slot.seq != in.windowStart {
			return delivered, lastSeq
		}
		in.dispatch(slot.fragment, slot.payload)
		*slot = inSlot{}
		lastSeq = in.windowStart
		in.windowStart++
		delivered++
	}
}

// TakeAcks returns and clears the immediate single-sequence Acknowledge
// courtesies queued by Receive (§8 scenario 4).
func (in *Input) TakeAcks() []uint16 {
	if len(in.pendingAcks) == 0 {
		return nil
	}
	acks := in.pendingAcks
	in.pendingAcks = nil
	return acks
}

// Duplicates returns the number of stale or repeated sequences observed
// (§8 scenario 6).
func (in *Input) Duplicates() int { return in.duplicates }

// dispatch routes one delivered slot's payload through fragment
// reassembly or multi-data splitting as appropriate (§4.3 "Multi-buffer",
// §4.4 fragment reassembly).
func (in *Input) dispatch(fragment bool, payload []byte) {
	if fragment {
		in.dispatchFragment(payload)
		return
	}

	if len(payload) >= 2 && payload[0] == 0x00 && payload[1] == 0x19 {
		in.dispatchMultiData(payload[2:])
		return
	}

	in.deliverItem(payload)
}

func (in *Input) dispatchFragment(payload []byte) {
	if !in.reassembling {
		if len(payload) < 4 {
			in.logger.Warn("master fragment shorter than its length prefix, discarded")
			return
		}
		in.expectedLen = binary.BigEndian.Uint32(payload[0:4])
		in.reassembleBuf = append([]byte(nil), payload[4:]...)
		in.reassembling = true
	} else {
		in.reassembleBuf = append(in.reassembleBuf, payload...)
	}

	if uint32(len(in.reassembleBuf)) >= in.expectedLen {
		complete := in.reassembleBuf[:in.expectedLen]
		in.reassembling = false
		in.expectedLen = 0
		in.reassembleBuf = nil
		in.deliverItem(complete)
	}
}

func (in *Input) dispatchMultiData(rest []byte) {
	for len(rest) > 0 {
		length, consumed, err := varint.Decode(rest)
		if err != nil {
			in.logger.WithError(err).Warn("truncated multi-data length prefix, remainder discarded")
			return
		}
		rest = rest[consumed:]
		if int(length) > len(rest) {
			in.logger.Warn("multi-data item length exceeds remaining packet, remainder discarded")
			return
		}
		in.deliverItem(rest[:length])
		rest = rest[length:]
	}
}

// deliverItem undoes the leading-zero escape applied by Output.Enqueue,
// decrypts, and hands the application payload to the configured callback.
func (in *Input) deliverItem(raw []byte) {
	item := raw
	if in.cipher != nil {
		if len(item) > 1 && item[0] == 0x00 {
			item = item[1:]
		}
		decrypted := append([]byte(nil), item...)
		in.cipher.Transform(decrypted)
		item = decrypted
	}
	if in.deliver != nil {
		in.deliver(item)
	}
}

// DueAck reports whether an AcknowledgeAll naming the highest contiguously
// received sequence (to_ack = window_start - 1) is due (§4.4 "Acknowledgement
// scheduling (tick)"). In acknowledge-all mode the per-packet Acknowledge
// emitted from Receive already covers every sequence, so no periodic
// ack-all is ever due. Otherwise one is due once to_ack has moved past the
// last ack-all sent and either MaxAckDelay has elapsed since it became
// dirty, or the backlog has grown to half the data-ack window. Callers
// send it and then must not call DueAck again until more data arrives.
func (in *Input) DueAck(now time.Time) (wireSeq uint16, ok bool) {
	if in.ackAllEnabled || !in.dirty || in.windowStart == 0 {
		return 0, false
	}
	toAck := int64(in.windowStart - 1)
	if toAck <= in.lastAckSent {
		in.dirty = false
		return 0, false
	}

	timeDue := now.Sub(in.dirtySince) >= in.maxAckDelay
	countDue := in.dataAckWindow > 0 && toAck >= in.lastAckSent+int64(in.dataAckWindow)/2
	if !timeDue && !countDue {
		return 0, false
	}

	in.dirty = false
	in.lastAckSent = toAck
	return uint16(toAck), true
}
