package soenet

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/samsamfire/soe/internal/bufpool"
	"github.com/samsamfire/soe/pkg/session"
	"github.com/samsamfire/soe/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSessionDefaults() session.Config {
	return session.Config{
		ProtocolVersion:     3,
		ApplicationProtocol: "test",
		LocalUDPLength:      512,
		DefaultCRCLength:    2,
		WindowSizeIn:        8,
		WindowSizeOut:       8,
		OverflowCap:         8,
		MaxAckDelay:         time.Millisecond,
		HeartbeatAfter:      20 * time.Millisecond,
		InactivityTimeout:   time.Hour,
	}
}

// runUntil polls cond until it is true or the deadline passes, to avoid a
// fixed sleep racing the background Run loop.
func runUntil(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not satisfied within %s", timeout)
}

func TestDialAndListenEstablishSession(t *testing.T) {
	pool := bufpool.New(512, 32)

	var mu sync.Mutex
	var opened int
	serverCfg := Config{
		SessionDefaults: testSessionDefaults(),
		Callbacks: Callbacks{
			OnSessionOpened: func(remote *net.UDPAddr, sess *session.Handler) {
				mu.Lock()
				opened++
				mu.Unlock()
			},
		},
	}
	server, err := Listen("127.0.0.1:0", pool, serverCfg)
	require.NoError(t, err)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Run(ctx)

	client, clientSess, err := Dial(server.conn.LocalAddr().String(), pool, Config{SessionDefaults: testSessionDefaults()})
	require.NoError(t, err)
	defer client.Close()
	go client.Run(ctx)

	runUntil(t, func() bool { return clientSess.State() == session.StateRunning }, 2*time.Second)
	// The server opens only on the client's first contextual packet (its
	// heartbeat), which follows the client reaching running.
	runUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return opened == 1
	}, 2*time.Second)

	mu.Lock()
	got := opened
	mu.Unlock()
	assert.Equal(t, 1, got)
	assert.Equal(t, 1, server.SessionCount())
}

func TestDataDeliveredAcrossRealSocket(t *testing.T) {
	pool := bufpool.New(512, 32)

	var mu sync.Mutex
	var delivered [][]byte
	serverCfg := Config{
		SessionDefaults: testSessionDefaults(),
		Callbacks: Callbacks{
			OnData: func(remote *net.UDPAddr, sess *session.Handler, payload []byte) {
				mu.Lock()
				delivered = append(delivered, append([]byte(nil), payload...))
				mu.Unlock()
			},
		},
	}
	server, err := Listen("127.0.0.1:0", pool, serverCfg)
	require.NoError(t, err)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Run(ctx)

	client, clientSess, err := Dial(server.conn.LocalAddr().String(), pool, Config{SessionDefaults: testSessionDefaults()})
	require.NoError(t, err)
	defer client.Close()
	go client.Run(ctx)

	runUntil(t, func() bool { return clientSess.State() == session.StateRunning }, 2*time.Second)

	require.NoError(t, clientSess.Send([]byte("ping")))

	runUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 1
	}, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []byte("ping"), delivered[0])
}

func TestSessionRemovedAfterClose(t *testing.T) {
	pool := bufpool.New(512, 32)

	server, err := Listen("127.0.0.1:0", pool, Config{SessionDefaults: testSessionDefaults(), SweepInterval: 10 * time.Millisecond})
	require.NoError(t, err)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go server.Run(ctx)

	client, clientSess, err := Dial(server.conn.LocalAddr().String(), pool, Config{SessionDefaults: testSessionDefaults()})
	require.NoError(t, err)
	defer client.Close()
	go client.Run(ctx)

	runUntil(t, func() bool { return clientSess.State() == session.StateRunning }, 2*time.Second)
	runUntil(t, func() bool { return server.SessionCount() == 1 }, 2*time.Second)

	clientSess.Close(wire.DisconnectApplication)
	runUntil(t, func() bool { return server.SessionCount() == 0 }, 2*time.Second)
}

func TestDispatchDoesNotDuplicateSessionOnRace(t *testing.T) {
	pool := bufpool.New(512, 32)
	server, err := Listen("127.0.0.1:0", pool, Config{SessionDefaults: testSessionDefaults()})
	require.NoError(t, err)
	defer server.Close()

	remote, err := net.ResolveUDPAddr("udp", "127.0.0.1:9999")
	require.NoError(t, err)
	packet := []byte{0x00, 0x01, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}

	var wg sync.WaitGroup
	results := make([]*session.Handler, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = server.dispatch(remote, packet)
		}(i)
	}
	wg.Wait()

	for i := 1; i < 4; i++ {
		assert.Same(t, results[0], results[i])
	}
	assert.Equal(t, 1, server.SessionCount())
}

func TestDispatchRemapsExistingSessionToNewEndpoint(t *testing.T) {
	pool := bufpool.New(512, 32)
	server, err := Listen("127.0.0.1:0", pool, Config{SessionDefaults: testSessionDefaults()})
	require.NoError(t, err)
	defer server.Close()

	oldRemote, err := net.ResolveUDPAddr("udp", "127.0.0.1:9001")
	require.NoError(t, err)
	newRemote, err := net.ResolveUDPAddr("udp", "127.0.0.1:9002")
	require.NoError(t, err)

	req := wire.SessionRequest{ProtocolVersion: 3, SessionID: 42, UDPLength: 512, ApplicationProtocol: "test"}
	reqPacket := append([]byte{0x00, 0x01}, req.Encode()...)
	sess := server.dispatch(oldRemote, reqPacket)
	require.NotNil(t, sess)
	sess.HandlePacket(reqPacket)
	require.Equal(t, uint32(42), sess.SessionID())

	remap := wire.RemapConnection{SessionID: sess.SessionID(), CRCSeed: sess.CRCSeed()}
	remapPacket := append([]byte{0x00, 0x1E}, remap.Encode()...)

	got := server.dispatch(newRemote, remapPacket)
	require.Same(t, sess, got)

	_, stillAtOld := server.Session(oldRemote)
	assert.False(t, stillAtOld)
	movedSess, atNew := server.Session(newRemote)
	assert.True(t, atNew)
	assert.Same(t, sess, movedSess)
	assert.Equal(t, 1, server.SessionCount())
}

func TestDispatchDropsRemapNamingUnknownSession(t *testing.T) {
	pool := bufpool.New(512, 32)
	server, err := Listen("127.0.0.1:0", pool, Config{SessionDefaults: testSessionDefaults()})
	require.NoError(t, err)
	defer server.Close()

	remote, err := net.ResolveUDPAddr("udp", "127.0.0.1:9003")
	require.NoError(t, err)

	remap := wire.RemapConnection{SessionID: 999, CRCSeed: 111}
	remapPacket := append([]byte{0x00, 0x1E}, remap.Encode()...)

	got := server.dispatch(remote, remapPacket)
	assert.Nil(t, got)
	assert.Equal(t, 0, server.SessionCount())
}

func TestEndpointSenderUsesConnectedWriteWhenDialed(t *testing.T) {
	pool := bufpool.New(512, 32)
	server, err := Listen("127.0.0.1:0", pool, Config{SessionDefaults: testSessionDefaults()})
	require.NoError(t, err)
	defer server.Close()

	client, _, err := Dial(server.conn.LocalAddr().String(), pool, Config{SessionDefaults: testSessionDefaults()})
	require.NoError(t, err)
	defer client.Close()

	assert.True(t, client.connected)
}
