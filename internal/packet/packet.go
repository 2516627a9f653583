// Package packet builds and parses the four signed control/data packets
// exchanged between peers: SYN, SYNACK, ACK and DATA.
package packet

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/malbeclabs/signalnode/internal/keypair"
	borsh "github.com/near/borsh-go"
)

// Type distinguishes the four packet variants.
type Type uint8

const (
	TypeSYN Type = iota
	TypeSYNACK
	TypeACK
	TypeDATA
)

func (t Type) String() string {
	switch t {
	case TypeSYN:
		return "SYN"
	case TypeSYNACK:
		return "SYNACK"
	case TypeACK:
		return "ACK"
	case TypeDATA:
		return "DATA"
	default:
		return "UNKNOWN"
	}
}

// MaxDataSize is the single-write chunk ceiling for a DATA packet's
// payload, chosen so a built packet comfortably fits in one DCC write.
const MaxDataSize = 8192

// Packet is a signed, timestamped control or data unit, already verified:
// Node is never trusted from a bare wire field, it is recomputed from the
// public key attached to the packet after the signature check succeeds.
type Packet struct {
	Type      Type
	Timestamp int64
	Testnet   bool
	Payload   []byte
	Node      keypair.NodeAddress
}

// body is the portion of the wire format the signature commits to.
type body struct {
	Type      uint8
	Timestamp int64
	Testnet   bool
	Payload   []byte
}

// envelope is the full wire layout: the signed body plus the public key
// and signature needed to verify it.
type envelope struct {
	Type      uint8
	Timestamp int64
	Testnet   bool
	Payload   []byte
	PublicKey [ed25519.PublicKeySize]byte
	Signature [ed25519.SignatureSize]byte
}

func build(key *keypair.Keypair, typ Type, payload []byte) ([]byte, error) {
	b := body{
		Type:      uint8(typ),
		Timestamp: time.Now().Unix(),
		Testnet:   key.Testnet,
		Payload:   payload,
	}
	bodyBytes, err := borsh.Serialize(b)
	if err != nil {
		return nil, fmt.Errorf("packet: serializing body: %w", err)
	}

	sig := key.Sign(bodyBytes)

	env := envelope{
		Type:      b.Type,
		Timestamp: b.Timestamp,
		Testnet:   b.Testnet,
		Payload:   b.Payload,
	}
	copy(env.PublicKey[:], key.PublicKey())
	copy(env.Signature[:], sig)

	out, err := borsh.Serialize(env)
	if err != nil {
		return nil, fmt.Errorf("packet: serializing envelope: %w", err)
	}
	return out, nil
}

// BuildSYN builds a SYN packet announcing a handshake attempt.
func BuildSYN(key *keypair.Keypair) ([]byte, error) { return build(key, TypeSYN, nil) }

// BuildSYNACK builds a SYNACK packet answering a SYN.
func BuildSYNACK(key *keypair.Keypair) ([]byte, error) { return build(key, TypeSYNACK, nil) }

// BuildACK builds an ACK packet completing the handshake.
func BuildACK(key *keypair.Keypair) ([]byte, error) { return build(key, TypeACK, nil) }

// BuildData builds a DATA packet carrying chunk, which must be no larger
// than MaxDataSize.
func BuildData(key *keypair.Keypair, chunk []byte) ([]byte, error) {
	if len(chunk) > MaxDataSize {
		return nil, fmt.Errorf("packet: chunk of %d bytes exceeds MaxDataSize %d", len(chunk), MaxDataSize)
	}
	return build(key, TypeDATA, chunk)
}

// Parse decodes and validates raw against expiretime and testnet. It
// returns (nil, false) rather than an error for any of: malformed
// encoding, bad signature, stale timestamp, wrong network flag, or
// unknown type — all of these are indistinguishable noise to a caller at
// the trust boundary.
func Parse(raw []byte, expiretime int, testnet bool) (*Packet, bool) {
	var env envelope
	if err := borsh.Deserialize(&env, raw); err != nil {
		return nil, false
	}

	typ := Type(env.Type)
	switch typ {
	case TypeSYN, TypeSYNACK, TypeACK, TypeDATA:
	default:
		return nil, false
	}

	b := body{
		Type:      env.Type,
		Timestamp: env.Timestamp,
		Testnet:   env.Testnet,
		Payload:   env.Payload,
	}
	bodyBytes, err := borsh.Serialize(b)
	if err != nil {
		return nil, false
	}

	pub := ed25519.PublicKey(env.PublicKey[:])
	addr, err := keypair.AddressFromPublicKey(pub, env.Testnet)
	if err != nil {
		return nil, false
	}

	if !keypair.Verify(addr, pub, bodyBytes, env.Signature[:], env.Testnet) {
		return nil, false
	}

	if env.Testnet != testnet {
		return nil, false
	}

	age := time.Now().Unix() - env.Timestamp
	if age < 0 || age > int64(expiretime) {
		return nil, false
	}

	return &Packet{
		Type:      typ,
		Timestamp: env.Timestamp,
		Testnet:   env.Testnet,
		Payload:   env.Payload,
		Node:      addr,
	}, true
}
