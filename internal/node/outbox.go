package node

import (
	"context"
	"fmt"
	"time"

	"github.com/malbeclabs/signalnode/internal/keypair"
	"github.com/malbeclabs/signalnode/internal/packet"
	"github.com/malbeclabs/signalnode/internal/tunnel"
)

const senderInterval = 200 * time.Millisecond

// NodeSend enqueues data for addr, lazily creating its outbox queue.
// addr must be a well-formed address for the service's network.
func (s *Service) NodeSend(addr keypair.NodeAddress, data []byte) error {
	if err := keypair.ValidateAddress(addr, s.cfg.Keypair.Testnet); err != nil {
		s.m.errors.WithLabelValues(errTypePrecondition).Inc()
		return fmt.Errorf("node: invalid address %q: %w", addr, err)
	}
	if len(data) == 0 {
		s.m.errors.WithLabelValues(errTypePrecondition).Inc()
		return fmt.Errorf("node: node_send requires non-empty data")
	}

	s.outboxMu.Lock()
	s.outbox[addr] = append(s.outbox[addr], data)
	s.outboxMu.Unlock()
	return nil
}

// NodeReceived drains the inbox, concatenating contiguous bytes from the
// same sender in arrival order, and returns a fresh mapping. It is
// idempotent on an empty inbox.
func (s *Service) NodeReceived() map[keypair.NodeAddress][]byte {
	s.inboxMu.Lock()
	items := s.inbox
	s.inbox = nil
	s.inboxMu.Unlock()

	result := make(map[keypair.NodeAddress][]byte)
	for _, item := range items {
		result[item.from] = append(result[item.from], item.data...)
	}
	return result
}

// NodesConnected returns a snapshot of peer addresses currently Connected.
func (s *Service) NodesConnected() []keypair.NodeAddress {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()

	var connected []keypair.NodeAddress
	for addr, entry := range s.peers {
		if entry.state == StateConnected {
			connected = append(connected, addr)
		}
	}
	return connected
}

// senderLoop is the dedicated sender thread (spec.md §4.5). Every 200ms
// it snapshots the outbox and, per address: Connecting peers are skipped;
// Disconnected peers trigger a handshake attempt without dequeuing;
// Connected peers have their entire queue drained, coalesced into one
// buffer, chunked to packet.MaxDataSize, and written in order.
func (s *Service) senderLoop(ctx context.Context) {
	defer s.senderWg.Done()

	ticker := time.NewTicker(senderInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !s.sig.Connected() {
			continue
		}
		s.processOutbox()
	}
}

func (s *Service) processOutbox() {
	s.outboxMu.Lock()
	addrs := make([]keypair.NodeAddress, 0, len(s.outbox))
	for addr := range s.outbox {
		addrs = append(addrs, addr)
	}
	s.outboxMu.Unlock()

	for _, addr := range addrs {
		s.processOutboxFor(addr)
	}
}

func (s *Service) processOutboxFor(addr keypair.NodeAddress) {
	state, handle := s.revertExpiredHandshake(addr)

	switch state {
	case StateConnecting:
		return
	case StateDisconnected:
		s.nodeConnect(addr)
		return
	case StateConnected:
		s.drainAndSend(addr, handle)
	}
}

// revertExpiredHandshake enforces the handshake deadline (SPEC_FULL.md
// §12 / spec.md §9 open question 3): a peer stuck in Connecting longer
// than Config.HandshakeDeadline() is torn down so the next pass
// re-attempts the handshake from Disconnected.
func (s *Service) revertExpiredHandshake(addr keypair.NodeAddress) (State, *tunnel.Handle) {
	s.peersMu.Lock()
	entry, ok := s.peers[addr]
	if !ok {
		s.peersMu.Unlock()
		return StateDisconnected, nil
	}
	if entry.state == StateConnecting && nowFunc().Sub(entry.connectingSince) > time.Duration(s.cfg.HandshakeDeadline())*time.Second {
		s.peersMu.Unlock()
		s.log.Warn("handshake deadline exceeded, reverting to disconnected", "peer", string(addr))
		s.teardownPeer(addr)
		return StateDisconnected, nil
	}
	state := entry.state
	handle := entry.tunnel
	s.peersMu.Unlock()
	return state, handle
}

func (s *Service) drainAndSend(addr keypair.NodeAddress, handle *tunnel.Handle) {
	if handle == nil {
		return
	}

	s.outboxMu.Lock()
	queue := s.outbox[addr]
	s.outbox[addr] = nil
	s.outboxMu.Unlock()
	if len(queue) == 0 {
		return
	}

	var combined []byte
	for _, buf := range queue {
		combined = append(combined, buf...)
	}

	chunks := chunk(combined, packet.MaxDataSize)
	for i, c := range chunks {
		raw, err := packet.BuildData(s.cfg.Keypair, c)
		if err != nil {
			s.log.Error("building DATA packet", "peer", string(addr), "error", err)
			continue
		}
		if err := handle.SendBytes(raw); err != nil {
			s.m.errors.WithLabelValues(errTypeTunnelWrite).Inc()
			s.log.Warn("tunnel write failed, requeuing remainder", "peer", string(addr), "error", err)
			s.requeueRemainder(addr, chunks[i:])
			s.teardownPeer(addr)
			return
		}
		s.m.packetsSent.WithLabelValues(packet.TypeDATA.String()).Inc()
	}
}

// requeueRemainder puts the chunks that failed to send back at the front
// of addr's outbox, implementing SPEC_FULL.md §12's requeue-on-failure
// policy (spec.md §9 open question 1) instead of silently losing them.
func (s *Service) requeueRemainder(addr keypair.NodeAddress, remainder [][]byte) {
	s.outboxMu.Lock()
	s.outbox[addr] = append(append([][]byte(nil), remainder...), s.outbox[addr]...)
	s.outboxMu.Unlock()
}

// chunk splits data into pieces of at most size bytes, in order.
func chunk(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	var chunks [][]byte
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}
