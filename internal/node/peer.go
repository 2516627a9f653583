package node

import (
	"encoding/base64"
	"net"
	"time"

	"github.com/malbeclabs/signalnode/internal/keypair"
	"github.com/malbeclabs/signalnode/internal/packet"
	"github.com/malbeclabs/signalnode/internal/tunnel"
)

// nodeConnect initiates a handshake toward addr if it is currently
// Disconnected (spec.md §4.4 initiator path). Called from the sender
// loop, and from the simultaneous-connect resolver for the restarting
// side.
func (s *Service) nodeConnect(addr keypair.NodeAddress) {
	s.peersMu.Lock()
	if entry, ok := s.peers[addr]; ok && entry.state != StateDisconnected {
		s.peersMu.Unlock()
		s.log.Warn("nodeConnect called on non-disconnected peer", "peer", string(addr), "state", entry.state)
		return
	}
	s.peersMu.Unlock()

	if !s.sendSyn(addr) {
		// No entry is created; the queued bytes remain for a later pass.
		return
	}

	s.peersMu.Lock()
	s.peers[addr] = &peerEntry{state: StateConnecting, connectingSince: nowFunc()}
	s.peersMu.Unlock()
}

// sendSyn builds and delivers a SYN to addr's channel. It reports false
// (without side effects on the peer map) if the service isn't connected
// to a relay.
func (s *Service) sendSyn(addr keypair.NodeAddress) bool {
	if !s.sig.Connected() {
		return false
	}
	raw, err := packet.BuildSYN(s.cfg.Keypair)
	if err != nil {
		s.log.Error("building SYN", "error", err)
		return false
	}
	encoded := []byte(base64.StdEncoding.EncodeToString(raw))
	if err := s.sig.SendSYN(addr, encoded); err != nil {
		s.log.Warn("sending SYN failed", "peer", string(addr), "error", err)
		return false
	}
	s.m.packetsSent.WithLabelValues(packet.TypeSYN.String()).Inc()
	return true
}

// onSYN handles an inbound PUBMSG on the service's own channel (spec.md
// §4.4 responder path). It runs on the signaling client's reactor
// goroutine and must not hold peersMu across any blocking call.
func (s *Service) onSYN(fromNick string, payloadB64 []byte) {
	raw, err := base64.StdEncoding.DecodeString(string(payloadB64))
	if err != nil {
		return
	}
	pkt, ok := packet.Parse(raw, s.cfg.ExpireTime, s.cfg.Keypair.Testnet)
	if !ok || pkt.Type != packet.TypeSYN {
		s.m.packetsRejected.Inc()
		return
	}
	s.m.packetsReceived.WithLabelValues(packet.TypeSYN.String()).Inc()

	addr := pkt.Node

	s.peersMu.Lock()
	existing, exists := s.peers[addr]
	if exists && existing.state != StateDisconnected {
		s.peersMu.Unlock()
		s.resolveSimultaneousConnect(addr)
		return
	}
	s.peersMu.Unlock()

	ln, err := tunnel.Listen()
	if err != nil {
		s.log.Error("opening listening tunnel", "peer", string(addr), "error", err)
		return
	}

	synack, err := packet.BuildSYNACK(s.cfg.Keypair)
	if err != nil {
		s.log.Error("building SYNACK", "error", err)
		ln.Close()
		return
	}
	encoded := []byte(base64.StdEncoding.EncodeToString(synack))

	ip, port := ln.Addr()
	if err := s.sig.SendSYNACK(fromNick, encoded, ip, port); err != nil {
		s.log.Warn("sending SYNACK failed", "peer", string(addr), "error", err)
		ln.Close()
		return
	}
	s.m.packetsSent.WithLabelValues(packet.TypeSYNACK.String()).Inc()

	s.peersMu.Lock()
	s.peers[addr] = &peerEntry{state: StateConnecting, connectingSince: nowFunc()}
	s.peersMu.Unlock()

	go s.acceptBackConnect(addr, ln)
}

// acceptBackConnect waits for the originator to dial back on the
// listening tunnel opened in response to its SYN, then drives that
// tunnel's read loop for the lifetime of the connection.
func (s *Service) acceptBackConnect(addr keypair.NodeAddress, ln *tunnel.Listener) {
	handle, err := ln.Accept(s.runCtx)
	if err != nil {
		s.log.Warn("back-connect never arrived", "peer", string(addr), "error", err)
		s.teardownPeer(addr)
		return
	}

	s.peersMu.Lock()
	if entry, ok := s.peers[addr]; ok {
		entry.tunnel = handle
	} else {
		// Peer entry was torn down (e.g. a simultaneous-connect abort)
		// while we were waiting for the back-connect; the tunnel has no
		// owner left, close it.
		s.peersMu.Unlock()
		handle.Close()
		return
	}
	s.peersMu.Unlock()

	s.runTunnel(addr, handle)
}

// onSYNACK handles an inbound CTCP DCC CHAT (spec.md §4.4 back-connect
// path).
func (s *Service) onSYNACK(fromNick string, payloadB64 []byte, peerIP net.IP, peerPort int) {
	raw, err := base64.StdEncoding.DecodeString(string(payloadB64))
	if err != nil {
		return
	}
	pkt, ok := packet.Parse(raw, s.cfg.ExpireTime, s.cfg.Keypair.Testnet)
	if !ok || pkt.Type != packet.TypeSYNACK {
		s.m.packetsRejected.Inc()
		return
	}
	s.m.packetsReceived.WithLabelValues(packet.TypeSYNACK.String()).Inc()

	addr := pkt.Node

	s.peersMu.Lock()
	entry, exists := s.peers[addr]
	if !exists || entry.state != StateConnecting {
		s.peersMu.Unlock()
		s.log.Warn("SYNACK received outside Connecting state", "peer", string(addr))
		s.teardownPeer(addr)
		return
	}
	s.peersMu.Unlock()

	handle, err := tunnel.Dial(s.runCtx, peerIP, peerPort)
	if err != nil {
		s.log.Warn("dialing back-connect tunnel failed", "peer", string(addr), "error", err)
		s.teardownPeer(addr)
		return
	}

	ack, err := packet.BuildACK(s.cfg.Keypair)
	if err != nil {
		s.log.Error("building ACK", "error", err)
		handle.Close()
		return
	}
	if err := handle.SendBytes(ack); err != nil {
		s.log.Warn("sending ACK failed", "peer", string(addr), "error", err)
		handle.Close()
		s.teardownPeer(addr)
		return
	}
	s.m.packetsSent.WithLabelValues(packet.TypeACK.String()).Inc()

	s.peersMu.Lock()
	s.peers[addr] = &peerEntry{state: StateConnected, tunnel: handle, connectingSince: entry.connectingSince}
	s.m.peersConnected.Inc()
	s.peersMu.Unlock()

	go s.runTunnel(addr, handle)
}

// runTunnel drives a peer's tunnel read loop until it disconnects.
func (s *Service) runTunnel(addr keypair.NodeAddress, handle *tunnel.Handle) {
	handle.Run(s.runCtx,
		func(f tunnel.Frame) { s.onTunnelFrame(addr, f.Data) },
		func() { s.onTunnelDisconnect(addr) },
	)
}

// onTunnelFrame parses a frame received on a peer's tunnel (spec.md §4.4
// finalization). ACK completes a pending handshake; DATA is enqueued to
// the inbox (and implicitly confirms Connected).
func (s *Service) onTunnelFrame(addr keypair.NodeAddress, raw []byte) {
	pkt, ok := packet.Parse(raw, s.cfg.ExpireTime, s.cfg.Keypair.Testnet)
	if !ok {
		s.m.packetsRejected.Inc()
		return
	}
	if pkt.Node != addr {
		// A tunnel only ever carries packets from the peer it was
		// negotiated with; anything else is noise.
		s.m.packetsRejected.Inc()
		return
	}

	switch pkt.Type {
	case packet.TypeACK:
		s.m.packetsReceived.WithLabelValues(packet.TypeACK.String()).Inc()
		s.peersMu.Lock()
		if entry, ok := s.peers[addr]; ok && entry.state == StateConnecting {
			entry.state = StateConnected
			s.m.peersConnected.Inc()
		}
		s.peersMu.Unlock()
	case packet.TypeDATA:
		s.m.packetsReceived.WithLabelValues(packet.TypeDATA.String()).Inc()
		s.peersMu.Lock()
		if entry, ok := s.peers[addr]; ok && entry.state == StateConnecting {
			entry.state = StateConnected
			s.m.peersConnected.Inc()
		}
		s.peersMu.Unlock()
		s.inboxMu.Lock()
		s.inbox = append(s.inbox, inboxItem{from: addr, data: pkt.Payload})
		s.inboxMu.Unlock()
	default:
		s.m.packetsRejected.Inc()
	}
}

// onTunnelDisconnect removes the peer entry owning a tunnel that reported
// disconnection (spec.md §4.4 disconnect handling).
func (s *Service) onTunnelDisconnect(addr keypair.NodeAddress) {
	s.teardownPeer(addr)
}

// teardownPeer closes and removes addr's entry, if any.
func (s *Service) teardownPeer(addr keypair.NodeAddress) {
	s.peersMu.Lock()
	entry, ok := s.peers[addr]
	if ok {
		wasConnected := entry.state == StateConnected
		if entry.tunnel != nil {
			entry.tunnel.Close()
		}
		delete(s.peers, addr)
		if wasConnected {
			s.m.peersConnected.Dec()
		}
	}
	s.peersMu.Unlock()
}

// resolveSimultaneousConnect implements spec.md §4.4's tie-break: both
// sides abort their in-flight connection; the side whose own address
// sorts first lexicographically restarts.
func (s *Service) resolveSimultaneousConnect(addr keypair.NodeAddress) {
	s.teardownPeer(addr)

	if string(s.cfg.Keypair.Address) < string(addr) {
		s.m.simultaneousWins.Inc()
		s.nodeConnect(addr)
	}
}

func (s *Service) onIRCDisconnect() {
	s.log.Warn("IRC relay connection lost")
}

// nowFunc is a seam for tests that need to observe handshake-deadline
// behavior without sleeping for real.
var nowFunc = time.Now
