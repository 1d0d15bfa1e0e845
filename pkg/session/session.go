// Package session implements the per-endpoint session state machine:
// negotiation, heartbeat, inactivity, termination, and contextual framing
// (§4.5).
package session

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/samsamfire/soe/internal/bufpool"
	"github.com/samsamfire/soe/internal/cipher"
	"github.com/samsamfire/soe/internal/varint"
	"github.com/samsamfire/soe/pkg/framing"
	"github.com/samsamfire/soe/pkg/reliable"
	"github.com/samsamfire/soe/pkg/wire"
	log "github.com/sirupsen/logrus"
)

// Role distinguishes which side of the handshake a Handler plays.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// State is the session's position in the negotiation/lifetime machine
// (§4.5).
type State int

const (
	StateNegotiating State = iota
	StateWaitingToOpen
	StateRunning
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateWaitingToOpen:
		return "waiting-to-open"
	case StateRunning:
		return "running"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// RawSender delivers an already-framed datagram to the remote endpoint.
// The owning socket handler supplies this (§4.6); a session never opens a
// socket itself.
type RawSender interface {
	SendRaw(packet []byte) error
}

// Config bundles everything a Handler needs to negotiate and run a
// session. Non-negotiated fields (window sizes, timeouts, the buffer
// pool) are fixed for the session's lifetime; negotiated fields (remote
// UDP length, CRC seed/length, compression) are filled in by the
// handshake.
type Config struct {
	ProtocolVersion     uint32
	ApplicationProtocol string
	LocalUDPLength      int
	DefaultCRCLength    int

	WindowSizeIn  int
	WindowSizeOut int
	OverflowCap   int
	CoalesceHold  time.Duration
	MaxAckDelay   time.Duration
	DataAckWindow int  // §3, §4.4 tick condition (b)
	AckAllEnabled bool // §3 "acknowledge-all flag"

	HeartbeatAfter    time.Duration
	InactivityTimeout time.Duration

	Pool      *bufpool.Pool
	SendCipher *cipher.State // nil disables application encryption
	RecvCipher *cipher.State

	Deliver  func(item []byte)
	OnOpened func()
	OnClosed func(reason wire.DisconnectReason, byRemote bool)

	Logger *log.Entry
}

// Handler is one negotiated (or negotiating) session with a single
// remote endpoint. It owns a reliable.Output and reliable.Input and
// drives them from HandlePacket and Tick; it never touches a socket
// directly, instead writing framed datagrams to its RawSender (§4.5).
type Handler struct {
	// mu guards every field below against the concurrent access a caller
	// gets for free by construction: HandlePacket/Tick run off the socket
	// handler's receive/sweep loop while Send/Close are typically called
	// from whatever application goroutine produces outbound data (kcp-go's
	// UDPSession.mu guards the same split between its update loop and
	// Write/Close callers).
	mu     sync.Mutex
	cfg    Config
	role   Role
	sender RawSender
	logger *log.Entry

	state     State
	sessionID uint32
	remoteLen int
	params    framing.Params
	byRemote  bool

	out *reliable.Output
	in  *reliable.Input

	lastReceived    time.Time
	lastContextual  time.Time
	lastHeartbeat   time.Time
}

// NewServer creates a session awaiting the initial session-request from
// remote (§4.5 "Server negotiation"). It sends nothing until a request
// arrives.
func NewServer(cfg Config, sender RawSender) *Handler {
	h := newHandler(RoleServer, cfg, sender)
	h.state = StateNegotiating
	return h
}

// NewClient creates a session and immediately sends a session-request
// carrying a fresh random session id (§4.5 "Client negotiation").
func NewClient(cfg Config, sender RawSender) *Handler {
	h := newHandler(RoleClient, cfg, sender)
	h.state = StateNegotiating
	h.sessionID = rand.Uint32()

	req := wire.SessionRequest{
		ProtocolVersion:     cfg.ProtocolVersion,
		SessionID:           h.sessionID,
		UDPLength:           uint32(cfg.LocalUDPLength),
		ApplicationProtocol: cfg.ApplicationProtocol,
	}
	if err := h.sender.SendRaw(framing.BuildContextless(wire.OpSessionRequest, req.Encode())); err != nil {
		h.logger.WithError(err).Warn("failed to send session-request")
	}
	return h
}

func newHandler(role Role, cfg Config, sender RawSender) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = log.NewEntry(log.StandardLogger())
	}
	logger := cfg.Logger.WithFields(log.Fields{"component": "session", "role": role.String()})

	h := &Handler{
		cfg:    cfg,
		role:   role,
		sender: sender,
		logger: logger,
	}

	h.out = reliable.NewOutput(reliable.OutputConfig{
		Pool:         cfg.Pool,
		WindowSize:   cfg.WindowSizeOut,
		OverflowCap:  cfg.OverflowCap,
		CoalesceHold: cfg.CoalesceHold,
		Cipher:       cfg.SendCipher,
		Logger:       logger,
	})
	h.in = reliable.NewInput(reliable.InputConfig{
		WindowSize:    cfg.WindowSizeIn,
		Cipher:        cfg.RecvCipher,
		MaxAckDelay:   cfg.MaxAckDelay,
		DataAckWindow: cfg.DataAckWindow,
		AckAllEnabled: cfg.AckAllEnabled,
		Deliver:       cfg.Deliver,
		Logger:        logger,
	})

	now := time.Now()
	h.lastReceived = now
	h.lastContextual = now
	h.lastHeartbeat = now
	return h
}

// State reports the handler's current lifecycle state.
func (h *Handler) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// SessionID reports the negotiated (or client-generated) session id.
func (h *Handler) SessionID() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID
}

// Role reports whether this handler is playing the client or server side.
func (h *Handler) Role() Role { return h.role }

// CRCSeed reports the negotiated CRC seed. The owning socket handler reads
// this alongside SessionID to match an incoming remap-connection packet
// against the session it names (§1 Non-goals' "documented port remap
// request", §4.6).
func (h *Handler) CRCSeed() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.params.CRCSeed
}

// Rebind swaps the RawSender this session writes to, without otherwise
// disturbing its state. The socket handler calls this when it re-keys the
// session under a new remote endpoint after a remap-connection.
func (h *Handler) Rebind(sender RawSender) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sender = sender
}

// Send hands an application payload to the reliable output channel. It
// fails if the session has not finished negotiating.
func (h *Handler) Send(payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateRunning {
		return ErrNotRunning
	}
	err := h.out.Enqueue(payload)
	if errors.Is(err, reliable.ErrReliableOverflow) {
		h.terminate(wire.DisconnectReliableOverflow, true, false)
	}
	return err
}

// Close requests idempotent termination with the given reason, notifying
// the remote with a disconnect packet when the session is running
// (§4.5 "Termination").
func (h *Handler) Close(reason wire.DisconnectReason) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.terminate(reason, true, false)
}

// sendContextual assembles and transmits one contextual datagram using
// the session's negotiated framing parameters (§4.5 "Contextual send").
func (h *Handler) sendContextual(op wire.OpCode, body []byte) error {
	return h.sender.SendRaw(framing.BuildContextual(op, body, h.params))
}

// frameAdapter lets reliable.Output drive sendContextual through the
// reliable.FrameSender interface without the reliable package knowing
// anything about framing.Params.
type frameAdapter struct{ h *Handler }

func (f frameAdapter) Send(op wire.OpCode, body []byte) error {
	return f.h.sendContextual(op, body)
}

// recomputeMaxOutputDataLength sets the output channel's per-datagram
// budget once the remote's UDP length and this session's CRC/compression
// parameters are known (§4.5, both negotiation branches).
func (h *Handler) recomputeMaxOutputDataLength() {
	maxLen := h.remoteLen - h.params.HeaderLen() - h.params.TrailerLen()
	h.out.SetMaxDataLength(maxLen)
}

// HandlePacket processes one received, already endpoint-demultiplexed
// datagram (§4.1 validation, §4.5/§4.6 dispatch). The socket handler
// calls this once per datagram for the session it was addressed to.
func (h *Handler) HandlePacket(raw []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateTerminated {
		return
	}
	now := time.Now()
	h.lastReceived = now

	result, op := framing.Validate(raw, h.params)
	if result != framing.Valid {
		h.logger.WithFields(log.Fields{"result": result, "op": op}).Debug("dropped invalid packet")
		if h.state == StateRunning && !op.Contextless() {
			h.terminate(wire.DisconnectCorruptPacket, true, false)
		}
		return
	}

	if op.Contextless() {
		h.handleContextless(op, raw[2:])
		return
	}
	h.handleContextual(now, op, raw)
}

func (h *Handler) handleContextless(op wire.OpCode, body []byte) {
	switch op {
	case wire.OpSessionRequest:
		h.handleSessionRequest(body)
	case wire.OpSessionResponse:
		h.handleSessionResponse(body)
	case wire.OpRemapConnection:
		h.handleRemapConnection(body)
	case wire.OpUnknownSender:
		h.logger.Debug("received unknown-sender notice")
	}
}

func (h *Handler) handleSessionRequest(body []byte) {
	if h.role != RoleServer || h.state != StateNegotiating {
		h.terminate(wire.DisconnectConnectError, true, false)
		return
	}
	req, err := wire.DecodeSessionRequest(body)
	if err != nil {
		h.logger.WithError(err).Warn("malformed session-request")
		return
	}
	if req.ProtocolVersion != h.cfg.ProtocolVersion || req.ApplicationProtocol != h.cfg.ApplicationProtocol {
		h.terminate(wire.DisconnectProtocolMismatch, true, false)
		return
	}

	h.sessionID = req.SessionID
	h.remoteLen = int(req.UDPLength)
	h.params = framing.Params{
		CRCSeed:            rand.Uint32(),
		CRCLength:          h.cfg.DefaultCRCLength,
		CompressionEnabled: false,
	}
	h.recomputeMaxOutputDataLength()

	resp := wire.SessionResponse{
		SessionID:          h.sessionID,
		CRCSeed:            h.params.CRCSeed,
		CRCLength:          uint8(h.params.CRCLength),
		CompressionEnabled: h.params.CompressionEnabled,
		UDPLength:          uint32(h.cfg.LocalUDPLength),
		ProtocolVersion:    h.cfg.ProtocolVersion,
	}
	if err := h.sender.SendRaw(framing.BuildContextless(wire.OpSessionResponse, resp.Encode())); err != nil {
		h.logger.WithError(err).Warn("failed to send session-response")
	}
	h.state = StateWaitingToOpen
}

func (h *Handler) handleSessionResponse(body []byte) {
	if h.role != RoleClient || h.state != StateNegotiating {
		return
	}
	resp, err := wire.DecodeSessionResponse(body)
	if err != nil {
		h.logger.WithError(err).Warn("malformed session-response")
		return
	}
	if resp.ProtocolVersion != h.cfg.ProtocolVersion {
		h.terminate(wire.DisconnectProtocolMismatch, true, false)
		return
	}

	h.sessionID = resp.SessionID
	h.remoteLen = int(resp.UDPLength)
	h.params = framing.Params{
		CRCSeed:            resp.CRCSeed,
		CRCLength:          int(resp.CRCLength),
		CompressionEnabled: resp.CompressionEnabled,
	}
	h.recomputeMaxOutputDataLength()
	h.enterRunning()
}

// handleRemapConnection processes a remap-connection packet that the
// socket handler has already matched to this session by SessionID and
// CRCSeed and re-keyed under the new source endpoint (soenet.Handler's
// dispatch/tryRemap). By the time this runs the fields below already hold
// these values; re-assigning them is a confirmation, not the actual
// migration, which happens one layer down in the endpoint map.
func (h *Handler) handleRemapConnection(body []byte) {
	remap, err := wire.DecodeRemapConnection(body)
	if err != nil {
		h.logger.WithError(err).Warn("malformed remap-connection")
		return
	}
	h.sessionID = remap.SessionID
	h.params.CRCSeed = remap.CRCSeed
	h.logger.Info("session remap-connection confirmed")
}

func (h *Handler) handleContextual(now time.Time, op wire.OpCode, raw []byte) {
	body, compressed, err := framing.StripContextual(raw, h.params)
	if err != nil {
		h.logger.WithError(err).Debug("failed to strip contextual envelope")
		return
	}
	if compressed {
		decoded, err := framing.Decompress(body, h.remoteLen)
		if err != nil {
			h.logger.WithError(err).Warn("failed to decompress contextual payload")
			return
		}
		body = decoded
	}

	h.lastContextual = now
	if h.state == StateWaitingToOpen {
		h.enterRunning()
	}
	if h.state != StateRunning {
		return
	}

	switch op {
	case wire.OpHeartbeat:
		if h.role == RoleServer {
			if err := h.sendContextual(wire.OpHeartbeat, nil); err != nil {
				h.logger.WithError(err).Debug("failed to echo heartbeat")
			}
		}
	case wire.OpDisconnect:
		d, err := wire.DecodeDisconnect(body)
		if err != nil {
			h.logger.WithError(err).Warn("malformed disconnect")
			return
		}
		h.terminate(d.Reason, false, true)
	case wire.OpReliableData:
		h.in.Receive(false, body)
		h.flushImmediateAcks()
	case wire.OpReliableDataFrag:
		h.in.Receive(true, body)
		h.flushImmediateAcks()
	case wire.OpAcknowledge:
		if seq, ok := readSeq(body); ok {
			h.out.HandleAck(seq)
		}
	case wire.OpAcknowledgeAll:
		if seq, ok := readSeq(body); ok {
			h.out.HandleAckAll(seq)
		}
	case wire.OpMultiPacket:
		h.handleMultiPacket(body)
	case wire.OpNetStatusRequest:
		if err := h.sendContextual(wire.OpNetStatusResponse, nil); err != nil {
			h.logger.WithError(err).Debug("failed to answer net-status request")
		}
	case wire.OpNetStatusResponse:
		// Informational only; the core records no RTT statistics (see
		// SPEC_FULL.md's supplemented-features note on 0x07/0x08).
	}
}

// handleMultiPacket dispatches a sequence of varint-length-prefixed inner
// packets, each repeating the 2-byte op code followed by the same body a
// standalone contextual packet of that op would carry (§6 "multi-packet").
// Inner packets carry neither their own compression flag nor CRC trailer:
// those belong to the outer envelope, already stripped by the caller.
func (h *Handler) handleMultiPacket(body []byte) {
	for len(body) > 0 {
		length, consumed, err := varint.Decode(body)
		if err != nil {
			h.logger.WithError(err).Debug("truncated multi-packet length prefix, remainder discarded")
			return
		}
		body = body[consumed:]
		if int(length) > len(body) || length < 2 {
			h.logger.Debug("multi-packet inner length exceeds remaining payload, remainder discarded")
			return
		}
		inner := body[:length]
		body = body[length:]

		innerOp := wire.OpCode(uint16(inner[0])<<8 | uint16(inner[1]))
		rest := inner[2:]

		switch innerOp {
		case wire.OpReliableData:
			h.in.Receive(false, rest)
			h.flushImmediateAcks()
		case wire.OpReliableDataFrag:
			h.in.Receive(true, rest)
			h.flushImmediateAcks()
		case wire.OpAcknowledge:
			if seq, ok := readSeq(rest); ok {
				h.out.HandleAck(seq)
			}
		case wire.OpAcknowledgeAll:
			if seq, ok := readSeq(rest); ok {
				h.out.HandleAckAll(seq)
			}
		default:
			h.logger.WithField("op", innerOp).Debug("unsupported nested multi-packet op")
		}
	}
}

func (h *Handler) enterRunning() {
	h.state = StateRunning
	now := time.Now()
	h.lastContextual = now
	h.lastHeartbeat = now
	if h.cfg.OnOpened != nil {
		h.cfg.OnOpened()
	}
}

func (h *Handler) flushImmediateAcks() {
	for _, seq := range h.in.TakeAcks() {
		if err := h.sendContextual(wire.OpAcknowledge, encodeSeq(seq)); err != nil {
			h.logger.WithError(err).Debug("failed to send acknowledge")
		}
	}
}

// Tick drives the session's time-based behavior: inactivity detection,
// client-side heartbeat, output retransmission/emission, and deferred
// acknowledge-all (§4.5, §4.3, §4.4).
func (h *Handler) Tick(ctx context.Context, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateTerminated {
		return
	}

	if h.cfg.InactivityTimeout > 0 && now.Sub(h.lastReceived) >= h.cfg.InactivityTimeout {
		h.terminate(wire.DisconnectTimeout, true, false)
		return
	}

	if h.state != StateRunning {
		return
	}

	if h.role == RoleClient && h.cfg.HeartbeatAfter > 0 &&
		now.Sub(h.lastContextual) >= h.cfg.HeartbeatAfter &&
		now.Sub(h.lastHeartbeat) >= h.cfg.HeartbeatAfter {
		if err := h.sendContextual(wire.OpHeartbeat, nil); err != nil {
			h.logger.WithError(err).Debug("failed to send heartbeat")
		}
		h.lastHeartbeat = now
	}

	if _, err := h.out.Tick(ctx, now, frameAdapter{h}); err != nil {
		if errors.Is(err, reliable.ErrReliableOverflow) {
			h.terminate(wire.DisconnectReliableOverflow, true, false)
			return
		}
		h.logger.WithError(err).Warn("output tick failed")
	}

	if seq, ok := h.in.DueAck(now); ok {
		if err := h.sendContextual(wire.OpAcknowledgeAll, encodeSeq(seq)); err != nil {
			h.logger.WithError(err).Debug("failed to send acknowledge-all")
		}
	}
}

// terminate implements §4.5's idempotent termination: best-effort output
// flush, optional disconnect notice, state transition, callback.
func (h *Handler) terminate(reason wire.DisconnectReason, notifyRemote, byRemote bool) {
	if h.state == StateTerminated {
		return
	}

	_, _ = h.out.Tick(context.Background(), time.Now(), frameAdapter{h})

	if notifyRemote && h.state == StateRunning {
		d := wire.Disconnect{SessionID: h.sessionID, Reason: reason}
		_ = h.sendContextual(wire.OpDisconnect, d.Encode())
	}

	h.state = StateTerminated
	h.byRemote = byRemote
	h.logger.WithFields(log.Fields{"reason": reason, "by_remote": byRemote}).Info("session terminated")

	if h.cfg.OnClosed != nil {
		h.cfg.OnClosed(reason, byRemote)
	}
}

func encodeSeq(seq uint16) []byte {
	w := wire.NewWriter(make([]byte, 0, 2))
	w.WriteUint16(seq)
	return w.Bytes()
}

func readSeq(body []byte) (uint16, bool) {
	r := wire.NewReader(body)
	seq, err := r.ReadUint16()
	if err != nil {
		return 0, false
	}
	return seq, true
}
