// Package reliable implements the per-session reliable input and output
// channels: ordering, deduplication, stash discipline, fragment
// reassembly, multi-payload coalescing, retransmission, and acknowledgement
// processing (§4.3, §4.4).
package reliable

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/samsamfire/soe/internal/bufpool"
	"github.com/samsamfire/soe/internal/cipher"
	"github.com/samsamfire/soe/pkg/wire"
	log "github.com/sirupsen/logrus"
)

// AckWait is the retransmission timer floor (§4.3, §6). Fixed per §9's
// "Open question" resolution: no dynamic RTO in this implementation.
var AckWait = 500 * time.Millisecond

// ErrReliableOverflow is returned by Output.Enqueue when neither the
// stash ring nor its bounded overflow queue can accommodate a new
// sequence. Per §7/§9, the overflow queue here is bounded (backpressure at
// enqueue) rather than unbounded — see DESIGN.md.
var ErrReliableOverflow = errors.New("reliable: output overflow")

// FrameSender transmits a contextual reliable packet body under the given
// op code. Implementations own the session's compression/CRC framing and
// the underlying socket send (§4.5, §4.6).
type FrameSender interface {
	Send(op wire.OpCode, body []byte) error
}

type outSlot struct {
	occupied bool
	fragment bool
	seq      uint64
	buf      *bufpool.Buffer
	lastSent time.Time
}

type outEntry struct {
	seq      uint64
	fragment bool
	buf      *bufpool.Buffer
}

// OutputConfig configures a new Output channel.
type OutputConfig struct {
	Pool        *bufpool.Pool
	WindowSize  int // N_out
	OverflowCap int // bound on the spill queue (§7/§9 decision)
	CoalesceHold time.Duration
	Cipher      *cipher.State // nil if encryption disabled
	Logger      *log.Entry
}

// Output is the reliable output channel (§3 "Output window", §4.3).
type Output struct {
	pool         *bufpool.Pool
	n            uint64
	windowStart  uint64
	current      uint64
	total        uint64
	slots        []outSlot
	overflow     []outEntry
	overflowCap  int
	maxDataLen   int
	lenLocked    bool
	multi        *multiBuffer
	cipher       *cipher.State
	coalesceHold time.Duration
	logger       *log.Entry
}

// NewOutput creates an Output channel. SetMaxDataLength must be called
// before the first Enqueue.
func NewOutput(cfg OutputConfig) *Output {
	if cfg.Logger == nil {
		cfg.Logger = log.NewEntry(log.StandardLogger())
	}
	o := &Output{
		pool:         cfg.Pool,
		n:            uint64(cfg.WindowSize),
		slots:        make([]outSlot, cfg.WindowSize),
		overflowCap:  cfg.OverflowCap,
		cipher:       cfg.Cipher,
		coalesceHold: cfg.CoalesceHold,
		logger:       cfg.Logger.WithField("component", "reliable.output"),
	}
	o.multi = newMultiBuffer(o.pool)
	return o
}

// SetMaxDataLength sets the reliable payload capacity of a single
// datagram (negotiated UDP length minus contextual header/trailer). It
// may only be called again before any sequence has ever been produced;
// doing so afterwards is a programmer error (§4.3, §7).
func (o *Output) SetMaxDataLength(n int) {
	if o.lenLocked {
		panic("reliable: max data length changed after output production began")
	}
	o.maxDataLen = n
}

// WindowStart, Current, and Total expose the three ordering pointers for
// tests and invariant checks (§3 "Output window", §8).
func (o *Output) WindowStart() uint64 { return o.windowStart }
func (o *Output) Current() uint64     { return o.current }
func (o *Output) Total() uint64       { return o.total }

// Enqueue turns an application send into one or more stashed reliable
// packets: encrypt, then coalesce or fragment (§4.3 "Enqueue").
func (o *Output) Enqueue(payload []byte) error {
	data := append([]byte(nil), payload...)
	if o.cipher != nil {
		o.cipher.Transform(data)
		if len(data) > 0 && data[0] == 0 {
			data = append([]byte{0}, data...)
		}
	}

	if fit, full := o.multi.tryAppend(o.maxDataLen, data); fit {
		if full {
			return o.flushMulti()
		}
		return nil
	}

	if o.multi.itemCount > 0 {
		if err := o.flushMulti(); err != nil {
			return err
		}
	}

	if fit, full := o.multi.tryAppend(o.maxDataLen, data); fit {
		if full {
			return o.flushMulti()
		}
		return nil
	}

	return o.emitFragments(data)
}

func (o *Output) flushMulti() error {
	buf, fragment, ok := o.multi.flush()
	if !ok {
		return nil
	}
	if err := o.stash(buf, fragment); err != nil {
		return err
	}
	o.multi = newMultiBuffer(o.pool)
	return nil
}

// emitFragments implements §4.3's fragment emission: a master fragment
// carrying the 4-byte total length, followed by follow-on fragments with
// no length prefix, until all bytes are stashed. Each fragment's size is
// the configured nominal capacity except the last, which simply takes
// whatever remains provided it fits the buffer's physical capacity,
// avoiding an otherwise-tiny trailing fragment (§8 scenario 3).
func (o *Output) emitFragments(data []byte) error {
	bufCap := o.pool.BufferSize()
	remaining := len(data)
	offset := 0
	first := true
	for remaining > 0 {
		overhead := 2
		if first {
			overhead += 4
		}
		nominal := o.maxDataLen - overhead
		physical := bufCap - overhead
		if nominal <= 0 || physical <= 0 {
			return fmt.Errorf("reliable: max data length %d too small to fragment", o.maxDataLen)
		}

		var chunk int
		if remaining <= physical {
			chunk = remaining
		} else {
			chunk = nominal
		}

		buf := o.pool.Rent()
		raw := buf.Raw()
		pos := 2
		if first {
			binary.BigEndian.PutUint32(raw[pos:], uint32(len(data)))
			pos += 4
		}
		copy(raw[pos:], data[offset:offset+chunk])
		buf.SetRange(0, pos+chunk)

		if err := o.stash(buf, true); err != nil {
			return err
		}

		offset += chunk
		remaining -= chunk
		first = false
	}
	return nil
}

// stash implements §4.3's "Stash assignment": write the sequence into the
// reserved header slot and index by sequence mod N_out, spilling to the
// bounded overflow queue if the slot is occupied.
func (o *Output) stash(buf *bufpool.Buffer, fragment bool) error {
	seq := o.total
	o.total++
	o.lenLocked = true

	binary.BigEndian.PutUint16(buf.Bytes()[0:2], uint16(seq))
	idx := seq % o.n

	if o.slots[idx].occupied {
		if len(o.overflow) >= o.overflowCap {
			return ErrReliableOverflow
		}
		o.overflow = append(o.overflow, outEntry{seq: seq, fragment: fragment, buf: buf})
		return nil
	}
	o.slots[idx] = outSlot{occupied: true, fragment: fragment, seq: seq, buf: buf}
	return nil
}

// Tick implements §4.3's per-iteration output processing: drain overflow,
// flush a stale multi-buffer, retransmit the oldest unacked slot if it has
// aged past AckWait, and emit everything due for first transmission.
func (o *Output) Tick(ctx context.Context, now time.Time, sender FrameSender) (resends int, err error) {
	o.drainOverflow()

	if o.multi.itemCount > 0 && now.Sub(o.multi.firstAppend) >= o.coalesceHold {
		if err := o.flushMulti(); err != nil {
			return 0, err
		}
	}

	headIdx := o.windowStart % o.n
	if o.windowStart < o.total {
		head := &o.slots[headIdx]
		if head.occupied && head.seq == o.windowStart && !head.lastSent.IsZero() && now.Sub(head.lastSent) >= AckWait {
			o.current = o.windowStart
		}
	}

	limit := o.total
	if o.current+o.n < limit {
		limit = o.current + o.n
	}

	for o.current < limit {
		if err := ctx.Err(); err != nil {
			return resends, err
		}
		idx := o.current % o.n
		slot := &o.slots[idx]
		if slot.occupied && slot.seq == o.current {
			op := wire.OpReliableData
			if slot.fragment {
				op = wire.OpReliableDataFrag
			}
			if sendErr := sender.Send(op, slot.buf.Bytes()); sendErr != nil {
				return resends, sendErr
			}
			if !slot.lastSent.IsZero() {
				resends++
			}
			slot.lastSent = now
		}
		o.current++
	}
	return resends, nil
}

func (o *Output) drainOverflow() {
	for len(o.overflow) > 0 {
		front := o.overflow[0]
		idx := front.seq % o.n
		if o.slots[idx].occupied {
			break
		}
		o.slots[idx] = outSlot{occupied: true, fragment: front.fragment, seq: front.seq, buf: front.buf}
		o.overflow = o.overflow[1:]
	}
}

// HandleAck processes a single-sequence Acknowledge (§4.3 "Ack
// processing").
func (o *Output) HandleAck(wireSeq uint16) {
	seq := reconstructSequence(wireSeq, o.windowStart, o.n)
	idx := seq % o.n
	slot := &o.slots[idx]
	if slot.occupied && slot.seq == seq {
		slot.buf.Release()
		*slot = outSlot{}
	}
	o.advanceWindowStart()
}

// HandleAckAll processes an AcknowledgeAll naming the highest
// contiguously acknowledged sequence (§4.3 "Ack processing").
func (o *Output) HandleAckAll(wireSeq uint16) {
	highest := reconstructSequence(wireSeq, o.windowStart, o.n)
	for seq := o.windowStart; seq <= highest && seq < o.total; seq++ {
		idx := seq % o.n
		slot := &o.slots[idx]
		if slot.occupied && slot.seq == seq {
			slot.buf.Release()
			*slot = outSlot{}
		}
	}
	o.advanceWindowStart()
}

func (o *Output) advanceWindowStart() {
	for o.windowStart < o.current {
		idx := o.windowStart % o.n
		slot := &o.slots[idx]
		if slot.occupied && slot.seq == o.windowStart {
			break
		}
		o.windowStart++
	}
	if o.current < o.windowStart {
		o.current = o.windowStart
	}
}
