// Package signaling wraps an IRC client to provide the rendezvous plane:
// relay selection, own-channel join, and dispatch of inbound SYN (PUBMSG)
// and SYNACK (CTCP DCC CHAT) messages.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/malbeclabs/signalnode/config"
	"github.com/malbeclabs/signalnode/internal/keypair"
	irc "github.com/thoj/go-ircevent"
)

// ErrRelayExhausted is returned by Connect when every relay in the list
// refused a connection.
var ErrRelayExhausted = errors.New("signaling: no relay accepted a connection")

// maxNickRetries bounds the nicknameinuse retry loop (SPEC_FULL.md §12,
// resolving spec.md §9 open question 4).
const maxNickRetries = 10

const nickLength = 12

// Handlers are invoked from the reactor goroutine; callbacks must acquire
// their own locks around any shared state they touch (spec.md §4.6).
type Handlers struct {
	// OnSYN fires for a PUBMSG received on the service's own channel.
	OnSYN func(fromNick string, payload []byte)
	// OnSYNACK fires for a CTCP DCC CHAT carrying a SYNACK.
	OnSYNACK func(fromNick string, payload []byte, peerIP net.IP, peerPort int)
	// OnDisconnect fires once the IRC connection drops, for any reason.
	OnDisconnect func()
}

// Client is the signaling transport for one service instance.
type Client struct {
	own      keypair.NodeAddress
	handlers Handlers

	mu        sync.Mutex
	conn      *irc.Connection
	connected atomic.Bool
}

// NewClient creates a signaling client for own, the service's address.
func NewClient(own keypair.NodeAddress, handlers Handlers) *Client {
	return &Client{own: own, handlers: handlers}
}

// Connect tries each relay in a randomly shuffled order until one accepts
// a connection, joins the service's own channel, and installs dispatch
// callbacks. It returns ErrRelayExhausted if every relay refuses.
func (c *Client) Connect(ctx context.Context, relays []config.RelayAddr) error {
	shuffled := append([]config.RelayAddr(nil), relays...)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	var lastErr error
	for _, relay := range shuffled {
		conn, err := c.dialRelay(ctx, relay)
		if err != nil {
			lastErr = err
			continue
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.connected.Store(true)

		go func() {
			conn.Loop()
			c.connected.Store(false)
			if c.handlers.OnDisconnect != nil {
				c.handlers.OnDisconnect()
			}
		}()

		conn.Join(c.own.Channel())
		return nil
	}

	if lastErr != nil {
		return fmt.Errorf("%w: %v", ErrRelayExhausted, lastErr)
	}
	return ErrRelayExhausted
}

func (c *Client) dialRelay(ctx context.Context, relay config.RelayAddr) (*irc.Connection, error) {
	var conn *irc.Connection

	operation := func() error {
		nick, err := c.negotiateNick(ctx, relay)
		if err != nil {
			return err
		}
		conn = nick
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(250*time.Millisecond), 2), ctx)
	if err := backoff.Retry(operation, bo); err != nil {
		return nil, err
	}
	return conn, nil
}

// negotiateNick connects to relay, retrying with a fresh random nick on
// collision up to maxNickRetries times.
func (c *Client) negotiateNick(ctx context.Context, relay config.RelayAddr) (*irc.Connection, error) {
	for attempt := 0; attempt < maxNickRetries; attempt++ {
		conn := irc.IRC(randomNick(), "signalnode")

		nickInUse := make(chan struct{}, 1)
		welcomed := make(chan struct{}, 1)

		conn.AddCallback("001", func(*irc.Event) {
			select {
			case welcomed <- struct{}{}:
			default:
			}
		})
		conn.AddCallback("433", func(*irc.Event) {
			select {
			case nickInUse <- struct{}{}:
			default:
			}
		})
		c.installDispatchCallbacks(conn)

		if err := conn.Connect(fmt.Sprintf("%s:%d", relay.Host, relay.Port)); err != nil {
			return nil, fmt.Errorf("connecting to %s:%d: %w", relay.Host, relay.Port, err)
		}

		select {
		case <-welcomed:
			return conn, nil
		case <-nickInUse:
			conn.Quit()
			continue
		case <-ctx.Done():
			conn.Quit()
			return nil, ctx.Err()
		case <-time.After(10 * time.Second):
			conn.Quit()
			return nil, fmt.Errorf("timed out waiting for welcome from %s:%d", relay.Host, relay.Port)
		}
	}
	return nil, fmt.Errorf("exhausted %d nickname retries against %s:%d", maxNickRetries, relay.Host, relay.Port)
}

func (c *Client) installDispatchCallbacks(conn *irc.Connection) {
	conn.AddCallback("PRIVMSG", func(e *irc.Event) {
		if len(e.Arguments) < 2 {
			return
		}
		target := e.Arguments[0]
		if target != c.own.Channel() {
			return
		}
		if c.handlers.OnSYN == nil {
			return
		}
		c.handlers.OnSYN(e.Nick, []byte(e.Arguments[1]))
	})

	conn.AddCallback("CTCP", func(e *irc.Event) {
		if len(e.Arguments) < 2 {
			return
		}
		if e.Arguments[0] != "DCC" {
			return
		}
		c.dispatchCTCPDCC(e.Nick, e.Arguments[1])
	})
}

// dispatchCTCPDCC parses the "CHAT <base64> <numeric-ip> <port>" tuple
// carried as the CTCP DCC payload. The original format is a shell-quoted
// argv; fields here never contain whitespace (base64, a decimal IP, a
// decimal port) so plain whitespace splitting is equivalent.
func (c *Client) dispatchCTCPDCC(fromNick, msg string) {
	parts := strings.Fields(msg)
	if len(parts) != 4 || parts[0] != "CHAT" {
		return
	}
	payload := parts[1]
	ip := numericToIP(parts[2])
	if ip == nil {
		return
	}
	port, err := strconv.Atoi(parts[3])
	if err != nil {
		return
	}
	if c.handlers.OnSYNACK == nil {
		return
	}
	c.handlers.OnSYNACK(fromNick, []byte(payload), ip, port)
}

// SendSYN joins the peer's channel just long enough to deliver a single
// PUBMSG, then parts it, minimizing relay load and noise.
func (c *Client) SendSYN(peer keypair.NodeAddress, synBase64 []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.connected.Load() {
		return fmt.Errorf("signaling: not connected")
	}

	channel := peer.Channel()
	conn.Join(channel)
	conn.Privmsg(channel, string(synBase64))
	conn.Part(channel)
	return nil
}

// SendSYNACK sends a CTCP DCC CHAT carrying a base64-encoded SYNACK and
// the listening endpoint the originator should connect back to.
func (c *Client) SendSYNACK(targetNick string, synackBase64 []byte, localIP net.IP, localPort int) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil || !c.connected.Load() {
		return fmt.Errorf("signaling: not connected")
	}

	msg := fmt.Sprintf("\x01DCC CHAT %s %s %d\x01", string(synackBase64), ipToNumeric(localIP), localPort)
	conn.Privmsg(targetNick, msg)
	return nil
}

// Connected reports whether the IRC connection is currently live.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Close disconnects from the relay.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	conn.Quit()
	c.connected.Store(false)
	return nil
}

func randomNick() string {
	const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	b := make([]byte, nickLength)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}

// ipToNumeric encodes an IPv4 address as the 32-bit decimal string used
// by IRC DCC (the classic mIRC encoding).
func ipToNumeric(ip net.IP) string {
	v4 := ip.To4()
	if v4 == nil {
		return "0"
	}
	n := uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
	return strconv.FormatUint(uint64(n), 10)
}

// numericToIP is the inverse of ipToNumeric.
func numericToIP(s string) net.IP {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return nil
	}
	return net.IPv4(byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}
