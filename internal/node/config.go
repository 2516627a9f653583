package node

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/signalnode/config"
	"github.com/malbeclabs/signalnode/internal/keypair"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrKeypairRequired = errors.New("node: Keypair is required")
	ErrRelaysRequired  = errors.New("node: at least one relay is required")
)

const defaultExpireTime = 20

// Config configures a Service. Validate applies defaults and must be
// called (directly or via NewService) before use.
type Config struct {
	Logger *slog.Logger

	// Keypair is the service's single signing identity.
	Keypair *keypair.Keypair

	// Relays is the initial list of signaling relays to try; they are
	// tried in a shuffled order, and the shuffle works on a copy so the
	// caller's slice is never mutated.
	Relays []config.RelayAddr

	// ExpireTime bounds how old a packet's timestamp may be, in
	// seconds. Defaults to 20.
	ExpireTime int

	// Registerer receives the service's Prometheus metrics. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// Validate checks required fields and applies defaults, returning a
// normalized copy.
func (c Config) Validate() (Config, error) {
	if c.Keypair == nil {
		return Config{}, ErrKeypairRequired
	}
	if len(c.Relays) == 0 {
		return Config{}, ErrRelaysRequired
	}
	if c.ExpireTime <= 0 {
		c.ExpireTime = defaultExpireTime
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Registerer == nil {
		c.Registerer = prometheus.DefaultRegisterer
	}
	return c, nil
}

// HandshakeDeadline is the duration a peer may remain Connecting before
// the sender loop reverts it to Disconnected (SPEC_FULL.md §12, resolving
// spec.md §9 open question 3).
func (c Config) HandshakeDeadline() int {
	return c.ExpireTime * 3
}

func (c Config) String() string {
	return fmt.Sprintf("Config{address=%s relays=%d expiretime=%ds}", c.Keypair.Address, len(c.Relays), c.ExpireTime)
}
