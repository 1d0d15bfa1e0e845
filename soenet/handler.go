// Package soenet supplies the UDP socket driver and endpoint demultiplexer
// spec.md's §6 describes only as an external collaborator interface: it
// binds a net.UDPConn, maps remote endpoints to pkg/session.Handler
// instances, and drives the single-threaded receive/dispatch/tick loop
// §4.6 and §5 specify.
package soenet

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/samsamfire/soe/internal/bufpool"
	"github.com/samsamfire/soe/pkg/session"
	"github.com/samsamfire/soe/pkg/wire"
	log "github.com/sirupsen/logrus"
)

// Callbacks bundles the application hooks the core treats as external
// collaborators (§1 "the application callbacks... and the byte-pool
// allocator"). All three are optional.
type Callbacks struct {
	OnSessionOpened func(remote *net.UDPAddr, sess *session.Handler)
	OnSessionClosed func(remote *net.UDPAddr, sess *session.Handler, reason wire.DisconnectReason, byRemote bool)
	OnData          func(remote *net.UDPAddr, sess *session.Handler, payload []byte)
}

// Config bundles socket-handler-level settings layered over the
// negotiated-per-session session.Config every new Handler receives
// (§4.6, §6's socket driver interface).
type Config struct {
	SessionDefaults session.Config
	ReadBufferSize  int
	SweepInterval   time.Duration
	Callbacks       Callbacks
	Logger          *log.Entry
}

// endpointSender implements session.RawSender for one remote endpoint.
// Listen-created handlers share one unconnected socket across every
// session and must address each write; Dial-created handlers own a
// connected socket and must not (net.UDPConn.WriteToUDP on an
// already-connected socket returns ErrWriteToConnected).
type endpointSender struct {
	conn      *net.UDPConn
	addr      *net.UDPAddr
	connected bool
}

func (s *endpointSender) SendRaw(packet []byte) error {
	if s.connected {
		_, err := s.conn.Write(packet)
		return err
	}
	_, err := s.conn.WriteToUDP(packet, s.addr)
	return err
}

// Handler owns the UDP socket and the remote-endpoint → session map
// (§4.6, §9 "the socket owns the session map and is the sole site
// permitted to remove and dispose sessions").
type Handler struct {
	cfg    Config
	conn   *net.UDPConn
	pool   *bufpool.Pool
	logger *log.Entry

	connected bool

	mu       sync.Mutex
	sessions map[string]*session.Handler
}

// Listen opens a UDP socket bound to localAddr, ready to accept
// server-mode sessions from any remote endpoint (§4.6).
func Listen(localAddr string, pool *bufpool.Pool, cfg Config) (*Handler, error) {
	addr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	return newHandler(conn, pool, cfg), nil
}

// Dial opens a UDP socket connected to remoteAddr and immediately starts
// a client-mode session against it (§4.5 "Client negotiation"). The
// returned session.Handler is also reachable afterward through the
// ordinary endpoint lookup.
func Dial(remoteAddr string, pool *bufpool.Pool, cfg Config) (*Handler, *session.Handler, error) {
	addr, err := net.ResolveUDPAddr("udp", remoteAddr)
	if err != nil {
		return nil, nil, err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, nil, err
	}

	h := newHandler(conn, pool, cfg)
	h.connected = true

	sess := session.NewClient(h.sessionConfig(addr), &endpointSender{conn: conn, addr: addr, connected: true})
	h.mu.Lock()
	h.sessions[addr.String()] = sess
	h.mu.Unlock()
	return h, sess, nil
}

func newHandler(conn *net.UDPConn, pool *bufpool.Pool, cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = log.NewEntry(log.StandardLogger())
	}
	if cfg.ReadBufferSize == 0 {
		cfg.ReadBufferSize = 2048
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 100 * time.Millisecond
	}
	return &Handler{
		cfg:      cfg,
		conn:     conn,
		pool:     pool,
		logger:   cfg.Logger.WithField("component", "soenet"),
		sessions: map[string]*session.Handler{},
	}
}

// sessionConfig builds the per-session session.Config for remote,
// wrapping the handler-level Callbacks around whatever hooks
// SessionDefaults already carries.
func (h *Handler) sessionConfig(remote *net.UDPAddr) session.Config {
	cfg := h.cfg.SessionDefaults
	cfg.Pool = h.pool

	innerDeliver := cfg.Deliver
	innerOpened := cfg.OnOpened
	innerClosed := cfg.OnClosed

	cfg.Deliver = func(item []byte) {
		if h.cfg.Callbacks.OnData != nil {
			h.cfg.Callbacks.OnData(remote, h.sessionFor(remote), item)
		}
		if innerDeliver != nil {
			innerDeliver(item)
		}
	}
	cfg.OnOpened = func() {
		if h.cfg.Callbacks.OnSessionOpened != nil {
			h.cfg.Callbacks.OnSessionOpened(remote, h.sessionFor(remote))
		}
		if innerOpened != nil {
			innerOpened()
		}
	}
	cfg.OnClosed = func(reason wire.DisconnectReason, byRemote bool) {
		if h.cfg.Callbacks.OnSessionClosed != nil {
			h.cfg.Callbacks.OnSessionClosed(remote, h.sessionFor(remote), reason, byRemote)
		}
		if innerClosed != nil {
			innerClosed(reason, byRemote)
		}
	}
	return cfg
}

func (h *Handler) sessionFor(remote *net.UDPAddr) *session.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[remote.String()]
}

// Run drives the single-threaded receive/dispatch/sweep loop until ctx
// is cancelled or the socket read fails for a reason other than a
// deadline (§4.6, §5 "a single-threaded cooperative loop drives the
// socket handler: one receive, one dispatch, one sweep of per-session
// ticks, repeat").
func (h *Handler) Run(ctx context.Context) error {
	buf := make([]byte, h.cfg.ReadBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		_ = h.conn.SetReadDeadline(time.Now().Add(h.cfg.SweepInterval))
		n, remote, err := h.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				h.sweep(ctx)
				continue
			}
			return err
		}

		packet := append([]byte(nil), buf[:n]...)
		sess := h.dispatch(remote, packet)
		if sess != nil {
			h.safeHandle(sess, remote, packet)
		}
		h.sweep(ctx)
	}
}

// dispatch looks up the session owning remote, creating a server-mode
// one on first contact (§4.6 "look up the sender; if absent, create a
// server-mode session for that endpoint") — unless the first contact from
// this endpoint is itself a remap-connection, the one documented session
// migration path (§1 Non-goals), in which case the existing session named
// by the packet is re-keyed instead of a blank one being created. Returns
// nil if an unmatched remap-connection was dropped.
func (h *Handler) dispatch(remote *net.UDPAddr, packet []byte) *session.Handler {
	key := remote.String()

	h.mu.Lock()
	sess, ok := h.sessions[key]
	h.mu.Unlock()
	if ok {
		return sess
	}

	if remapped, isRemap := h.tryRemap(remote, packet); isRemap {
		return remapped
	}

	sess = session.NewServer(h.sessionConfig(remote), &endpointSender{conn: h.conn, addr: remote})
	h.mu.Lock()
	if existing, raced := h.sessions[key]; raced {
		h.mu.Unlock()
		return existing
	}
	h.sessions[key] = sess
	h.mu.Unlock()
	return sess
}

// tryRemap recognizes a contextless remap-connection packet from an
// endpoint with no session yet, and re-keys the session it names (matched
// by SessionID and CRCSeed, the only identifying fields the wire format
// carries) under the new remote address instead of leaving dispatch to
// auto-create an unrelated blank one. isRemap reports whether packet was a
// remap-connection at all; sess is nil when it was but named no session
// still tracked here, in which case the packet is dropped.
func (h *Handler) tryRemap(remote *net.UDPAddr, packet []byte) (sess *session.Handler, isRemap bool) {
	if len(packet) < 2 || wire.OpCode(uint16(packet[0])<<8|uint16(packet[1])) != wire.OpRemapConnection {
		return nil, false
	}
	remap, err := wire.DecodeRemapConnection(packet[2:])
	if err != nil {
		h.logger.WithError(err).Warn("malformed remap-connection")
		return nil, true
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for oldKey, candidate := range h.sessions {
		if candidate.State() == session.StateTerminated {
			continue
		}
		if candidate.SessionID() != remap.SessionID || candidate.CRCSeed() != remap.CRCSeed {
			continue
		}
		delete(h.sessions, oldKey)
		candidate.Rebind(&endpointSender{conn: h.conn, addr: remote})
		h.sessions[remote.String()] = candidate
		h.logger.WithFields(log.Fields{"old_remote": oldKey, "new_remote": remote.String()}).Info("session remapped to new endpoint")
		return candidate, true
	}

	h.logger.WithField("remote", remote).Warn("remap-connection named no tracked session, dropped")
	return nil, true
}

// safeHandle guards a session's receive path: a panic is the programmer-
// error class of failure §7 assigns to application-released.
func (h *Handler) safeHandle(sess *session.Handler, remote *net.UDPAddr, packet []byte) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.WithFields(log.Fields{"remote": remote, "panic": r}).Error("session handlePacket panicked")
			sess.Close(wire.DisconnectApplicationReleased)
		}
	}()
	sess.HandlePacket(packet)
}

// sweep implements §4.6's "after processing the incoming packet, iterate
// sessions: terminated sessions are removed; live sessions receive a
// tick. If a session's handlePacket or tick throws, terminate with
// application-released and remove."
func (h *Handler) sweep(ctx context.Context) {
	h.mu.Lock()
	keys := make([]string, 0, len(h.sessions))
	for k := range h.sessions {
		keys = append(keys, k)
	}
	h.mu.Unlock()

	for _, k := range keys {
		h.mu.Lock()
		sess, ok := h.sessions[k]
		h.mu.Unlock()
		if !ok {
			continue
		}
		if sess.State() == session.StateTerminated {
			h.mu.Lock()
			delete(h.sessions, k)
			h.mu.Unlock()
			continue
		}
		h.tickOne(ctx, sess)
	}
}

func (h *Handler) tickOne(ctx context.Context, sess *session.Handler) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.WithField("panic", r).Error("session tick panicked")
			sess.Close(wire.DisconnectApplicationReleased)
		}
	}()
	sess.Tick(ctx, time.Now())
}

// Close shuts down the underlying socket. Active sessions are left as-is;
// callers wanting a graceful drain should Close their sessions first.
func (h *Handler) Close() error {
	return h.conn.Close()
}

// SessionCount reports the number of live sessions.
func (h *Handler) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Session returns the session bound to remote, if any.
func (h *Handler) Session(remote *net.UDPAddr) (*session.Handler, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sess, ok := h.sessions[remote.String()]
	return sess, ok
}
