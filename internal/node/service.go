// Package node implements the per-peer connection state machine, the
// outbox/sender loop, and the Service facade that ties the signaling and
// tunnel transports together.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/malbeclabs/signalnode/config"
	"github.com/malbeclabs/signalnode/internal/keypair"
	"github.com/malbeclabs/signalnode/internal/signaling"
	"github.com/malbeclabs/signalnode/internal/tunnel"
)

// State is a peer's position in the connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// peerEntry is the per-remote-address bookkeeping record (spec.md's
// PeerEntry). The owning Service's peersMu guards every field.
type peerEntry struct {
	state           State
	tunnel          *tunnel.Handle
	connectingSince time.Time
}

// Service is the facade: connect, disconnect, reconnect, node_send,
// node_received, nodes_connected.
type Service struct {
	cfg Config
	log *slog.Logger
	m   *metrics

	sig *signaling.Client

	peersMu sync.Mutex
	peers   map[keypair.NodeAddress]*peerEntry

	outboxMu sync.Mutex
	outbox   map[keypair.NodeAddress][][]byte

	inboxMu sync.Mutex
	inbox   []inboxItem

	runCtx    context.Context
	runCancel context.CancelFunc
	senderWg  sync.WaitGroup
}

type inboxItem struct {
	from keypair.NodeAddress
	data []byte
}

// NewService validates cfg and constructs a Service. connect must still be
// called to start background work.
func NewService(cfg Config) (*Service, error) {
	cfg, err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("node: invalid config: %w", err)
	}

	return &Service{
		cfg:    cfg,
		log:    cfg.Logger.With("component", "node", "address", string(cfg.Keypair.Address)),
		m:      newMetrics(cfg.Registerer),
		peers:  make(map[keypair.NodeAddress]*peerEntry),
		outbox: make(map[keypair.NodeAddress][][]byte),
	}, nil
}

// Connect selects a relay, installs handlers, joins the service's own
// channel, and starts the sender loop. The reactor loop is the signaling
// client's own event pump, started as part of Connect.
func (s *Service) Connect(ctx context.Context) error {
	s.sig = signaling.NewClient(s.cfg.Keypair.Address, signaling.Handlers{
		OnSYN:        s.onSYN,
		OnSYNACK:     s.onSYNACK,
		OnDisconnect: s.onIRCDisconnect,
	})

	if err := s.sig.Connect(ctx, s.cfg.Relays); err != nil {
		s.m.errors.WithLabelValues(errTypeRelayExhausted).Inc()
		return fmt.Errorf("node: connect: %w", err)
	}

	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.senderWg.Add(1)
	go s.senderLoop(s.runCtx)

	s.log.Info("connected", "relays", len(s.cfg.Relays))
	return nil
}

// Disconnect stops the sender loop, tears down every tunnel, and closes
// the IRC connection. It never returns an error: teardown is always
// best-effort.
func (s *Service) Disconnect() error {
	if s.runCancel != nil {
		s.runCancel()
	}
	s.senderWg.Wait()

	s.peersMu.Lock()
	for addr, entry := range s.peers {
		if entry.tunnel != nil {
			entry.tunnel.Close()
		}
		if entry.state == StateConnected {
			s.m.peersConnected.Dec()
		}
		delete(s.peers, addr)
	}
	s.peersMu.Unlock()

	if s.sig != nil {
		s.sig.Close()
	}
	s.log.Info("disconnected")
	return nil
}

// Reconnect tears down and re-establishes the service's connection.
func (s *Service) Reconnect(ctx context.Context) error {
	if err := s.Disconnect(); err != nil {
		return err
	}
	return s.Connect(ctx)
}

// Connected reports whether the signaling transport is live and the
// sender loop is running.
func (s *Service) Connected() bool {
	return s.sig != nil && s.sig.Connected() && s.runCtx != nil && s.runCtx.Err() == nil
}

// RelayNodes returns a copy of the relay list the service was constructed
// with (storjnode's get_current_relaynodes, SPEC_FULL.md §12).
func (s *Service) RelayNodes() []config.RelayAddr {
	return append([]config.RelayAddr(nil), s.cfg.Relays...)
}
