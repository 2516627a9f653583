package node

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/malbeclabs/signalnode/config"
	"github.com/malbeclabs/signalnode/internal/keypair"
	"github.com/malbeclabs/signalnode/internal/packet"
	"github.com/malbeclabs/signalnode/internal/signaling"
	"github.com/malbeclabs/signalnode/internal/tunnel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	kp, err := keypair.Generate(true)
	require.NoError(t, err)

	cfg := Config{
		Keypair: kp,
		Relays:  []config.RelayAddr{{Host: "127.0.0.1", Port: 6667}},
	}
	cfg, err = cfg.Validate()
	require.NoError(t, err)
	cfg.Registerer = prometheus.NewRegistry()

	svc, err := NewService(cfg)
	require.NoError(t, err)
	svc.sig = signaling.NewClient(kp.Address, testHandlers(svc))
	svc.runCtx, svc.runCancel = context.WithCancel(context.Background())
	t.Cleanup(svc.runCancel)
	return svc
}

// testHandlers wires svc's own callbacks the same way Connect does, without
// going through a live IRC connection.
func testHandlers(svc *Service) signaling.Handlers {
	return signaling.Handlers{
		OnSYN:        svc.onSYN,
		OnSYNACK:     svc.onSYNACK,
		OnDisconnect: svc.onIRCDisconnect,
	}
}

func ipLoopback() net.IP { return net.IPv4(127, 0, 0, 1) }

func tunnelPair(t *testing.T) (*tunnel.Handle, *tunnel.Handle) {
	t.Helper()
	ln, err := tunnel.Listen()
	require.NoError(t, err)
	defer ln.Close()

	_, port := ln.Addr()

	type acceptResult struct {
		h   *tunnel.Handle
		err error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		h, err := ln.Accept(context.Background())
		acceptCh <- acceptResult{h, err}
	}()

	client, err := tunnel.Dial(context.Background(), ipLoopback(), port)
	require.NoError(t, err)

	r := <-acceptCh
	require.NoError(t, r.err)
	return client, r.h
}

func TestChunk(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		size int
		want int
	}{
		{"empty", nil, 10, 0},
		{"exact", make([]byte, 10), 10, 1},
		{"remainder", make([]byte, 25), 10, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := chunk(tt.data, tt.size)
			require.Len(t, chunks, tt.want)
			var total int
			for _, c := range chunks {
				total += len(c)
				require.LessOrEqual(t, len(c), tt.size)
			}
			require.Equal(t, len(tt.data), total)
		})
	}
}

func TestNodeSend_RejectsInvalidAddress(t *testing.T) {
	svc := newTestService(t)
	err := svc.NodeSend(keypair.NodeAddress("not-a-real-address"), []byte("hi"))
	require.Error(t, err)
}

func TestNodeSend_RejectsEmptyPayload(t *testing.T) {
	svc := newTestService(t)
	peer, err := keypair.Generate(true)
	require.NoError(t, err)
	err = svc.NodeSend(peer.Address, nil)
	require.Error(t, err)
}

func TestNodeSend_Enqueues(t *testing.T) {
	svc := newTestService(t)
	peer, err := keypair.Generate(true)
	require.NoError(t, err)

	require.NoError(t, svc.NodeSend(peer.Address, []byte("hello")))
	require.NoError(t, svc.NodeSend(peer.Address, []byte(" world")))

	svc.outboxMu.Lock()
	queue := svc.outbox[peer.Address]
	svc.outboxMu.Unlock()
	require.Len(t, queue, 2)
}

func TestNodeReceived_DrainsAndConcatenates(t *testing.T) {
	svc := newTestService(t)
	peer, err := keypair.Generate(true)
	require.NoError(t, err)

	svc.inboxMu.Lock()
	svc.inbox = []inboxItem{
		{from: peer.Address, data: []byte("foo")},
		{from: peer.Address, data: []byte("bar")},
	}
	svc.inboxMu.Unlock()

	got := svc.NodeReceived()
	require.Equal(t, []byte("foobar"), got[peer.Address])

	again := svc.NodeReceived()
	require.Empty(t, again)
}

func TestNodesConnected_OnlyReturnsConnectedState(t *testing.T) {
	svc := newTestService(t)
	connecting, err := keypair.Generate(true)
	require.NoError(t, err)
	connected, err := keypair.Generate(true)
	require.NoError(t, err)

	svc.peersMu.Lock()
	svc.peers[connecting.Address] = &peerEntry{state: StateConnecting}
	svc.peers[connected.Address] = &peerEntry{state: StateConnected}
	svc.peersMu.Unlock()

	got := svc.NodesConnected()
	require.ElementsMatch(t, []keypair.NodeAddress{connected.Address}, got)
}

func TestDrainAndSend_ChunksAndDeliversInOrder(t *testing.T) {
	svc := newTestService(t)
	peer, err := keypair.Generate(true)
	require.NoError(t, err)

	clientSide, serverSide := tunnelPair(t)
	defer clientSide.Close()
	defer serverSide.Close()

	big := make([]byte, packet.MaxDataSize+100)
	for i := range big {
		big[i] = byte(i)
	}
	require.NoError(t, svc.NodeSend(peer.Address, big))

	frames := make(chan []byte, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go serverSide.Run(ctx, func(f tunnel.Frame) { frames <- f.Data }, func() {})

	svc.drainAndSend(peer.Address, clientSide)

	var reassembled []byte
	for i := 0; i < 2; i++ {
		select {
		case raw := <-frames:
			pkt, ok := packet.Parse(raw, svc.cfg.ExpireTime, svc.cfg.Keypair.Testnet)
			require.True(t, ok)
			require.Equal(t, packet.TypeDATA, pkt.Type)
			reassembled = append(reassembled, pkt.Payload...)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for DATA frame")
		}
	}
	require.Equal(t, big, reassembled)
}

func TestDrainAndSend_WriteFailureRequeuesRemainder(t *testing.T) {
	svc := newTestService(t)
	peer, err := keypair.Generate(true)
	require.NoError(t, err)

	clientSide, serverSide := tunnelPair(t)
	serverSide.Close()
	clientSide.Close()

	data := make([]byte, packet.MaxDataSize*2)
	require.NoError(t, svc.NodeSend(peer.Address, data))

	svc.peersMu.Lock()
	svc.peers[peer.Address] = &peerEntry{state: StateConnected, tunnel: clientSide}
	svc.peersMu.Unlock()

	svc.drainAndSend(peer.Address, clientSide)

	svc.outboxMu.Lock()
	remainder := svc.outbox[peer.Address]
	svc.outboxMu.Unlock()
	require.NotEmpty(t, remainder, "failed chunks should be requeued")

	svc.peersMu.Lock()
	_, stillPresent := svc.peers[peer.Address]
	svc.peersMu.Unlock()
	require.False(t, stillPresent, "a failed write tears down the peer entry")
}

func TestRevertExpiredHandshake_TearsDownStalePeer(t *testing.T) {
	svc := newTestService(t)
	peer, err := keypair.Generate(true)
	require.NoError(t, err)

	svc.peersMu.Lock()
	svc.peers[peer.Address] = &peerEntry{
		state:           StateConnecting,
		connectingSince: nowFunc().Add(-time.Hour),
	}
	svc.peersMu.Unlock()

	state, handle := svc.revertExpiredHandshake(peer.Address)
	require.Equal(t, StateDisconnected, state)
	require.Nil(t, handle)

	svc.peersMu.Lock()
	_, present := svc.peers[peer.Address]
	svc.peersMu.Unlock()
	require.False(t, present)
}

func TestRevertExpiredHandshake_LeavesFreshHandshakeAlone(t *testing.T) {
	svc := newTestService(t)
	peer, err := keypair.Generate(true)
	require.NoError(t, err)

	svc.peersMu.Lock()
	svc.peers[peer.Address] = &peerEntry{state: StateConnecting, connectingSince: nowFunc()}
	svc.peersMu.Unlock()

	state, handle := svc.revertExpiredHandshake(peer.Address)
	require.Equal(t, StateConnecting, state)
	require.Nil(t, handle)
}

func TestOnTunnelFrame_ACKTransitionsConnectingToConnected(t *testing.T) {
	svc := newTestService(t)
	peer, err := keypair.Generate(true)
	require.NoError(t, err)

	svc.peersMu.Lock()
	svc.peers[peer.Address] = &peerEntry{state: StateConnecting}
	svc.peersMu.Unlock()

	ack, err := packet.BuildACK(peer)
	require.NoError(t, err)

	svc.onTunnelFrame(peer.Address, ack)

	svc.peersMu.Lock()
	got := svc.peers[peer.Address].state
	svc.peersMu.Unlock()
	require.Equal(t, StateConnected, got)
	require.Equal(t, float64(1), testutil.ToFloat64(svc.m.peersConnected))
}

func TestOnTunnelFrame_DATAEnqueuesInbox(t *testing.T) {
	svc := newTestService(t)
	peer, err := keypair.Generate(true)
	require.NoError(t, err)

	svc.peersMu.Lock()
	svc.peers[peer.Address] = &peerEntry{state: StateConnected}
	svc.peersMu.Unlock()

	raw, err := packet.BuildData(peer, []byte("payload"))
	require.NoError(t, err)

	svc.onTunnelFrame(peer.Address, raw)

	got := svc.NodeReceived()
	require.Equal(t, []byte("payload"), got[peer.Address])
}

func TestOnTunnelFrame_RejectsPacketFromWrongPeer(t *testing.T) {
	svc := newTestService(t)
	peer, err := keypair.Generate(true)
	require.NoError(t, err)
	other, err := keypair.Generate(true)
	require.NoError(t, err)

	raw, err := packet.BuildData(other, []byte("payload"))
	require.NoError(t, err)

	svc.onTunnelFrame(peer.Address, raw)

	got := svc.NodeReceived()
	require.Empty(t, got)
	require.Equal(t, float64(1), testutil.ToFloat64(svc.m.packetsRejected))
}

func TestTeardownPeer_ClosesTunnelAndDecrementsGauge(t *testing.T) {
	svc := newTestService(t)
	peer, err := keypair.Generate(true)
	require.NoError(t, err)

	clientSide, serverSide := tunnelPair(t)
	defer serverSide.Close()

	svc.peersMu.Lock()
	svc.peers[peer.Address] = &peerEntry{state: StateConnected, tunnel: clientSide}
	svc.peersMu.Unlock()
	svc.m.peersConnected.Inc()

	svc.teardownPeer(peer.Address)

	require.False(t, clientSide.Connected())
	require.Equal(t, float64(0), testutil.ToFloat64(svc.m.peersConnected))

	svc.peersMu.Lock()
	_, present := svc.peers[peer.Address]
	svc.peersMu.Unlock()
	require.False(t, present)
}

func TestResolveSimultaneousConnect_SmallerAddressRestarts(t *testing.T) {
	svc := newTestService(t)

	var smaller, larger keypair.NodeAddress = "1111111111111111111111111111111111", "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz"
	if svc.cfg.Keypair.Address > larger {
		smaller, larger = larger, smaller
	}

	// Force the service's own address to be the lexicographically smaller
	// side so resolveSimultaneousConnect restarts the handshake.
	svc.cfg.Keypair.Address = smaller

	peer, err := keypair.Generate(true)
	require.NoError(t, err)
	peer.Address = larger

	svc.peersMu.Lock()
	svc.peers[peer.Address] = &peerEntry{state: StateConnecting}
	svc.peersMu.Unlock()

	svc.resolveSimultaneousConnect(peer.Address)

	require.Equal(t, float64(1), testutil.ToFloat64(svc.m.simultaneousWins))
}

func TestAcceptBackConnect_StoresTunnelHandle(t *testing.T) {
	svc := newTestService(t)
	peer, err := keypair.Generate(true)
	require.NoError(t, err)

	svc.peersMu.Lock()
	svc.peers[peer.Address] = &peerEntry{state: StateConnecting, connectingSince: nowFunc()}
	svc.peersMu.Unlock()

	ln, err := tunnel.Listen()
	require.NoError(t, err)
	_, port := ln.Addr()

	go svc.acceptBackConnect(peer.Address, ln)

	originator, err := tunnel.Dial(context.Background(), ipLoopback(), port)
	require.NoError(t, err)
	defer originator.Close()

	require.Eventually(t, func() bool {
		svc.peersMu.Lock()
		defer svc.peersMu.Unlock()
		entry, ok := svc.peers[peer.Address]
		return ok && entry.tunnel != nil
	}, time.Second, 10*time.Millisecond, "acceptBackConnect must store the accepted tunnel handle")
}
