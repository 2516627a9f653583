// Package keypair derives printable node addresses from ed25519 signing
// keys and performs the signing/verification the rest of the service
// relies on.
package keypair

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
)

// Address version bytes, analogous to Bitcoin's mainnet/testnet prefixes.
// Kept distinct so a mainnet and a testnet address for the same public key
// never collide.
const (
	versionMainnet byte = 0x00
	versionTestnet byte = 0x6f

	addressPayloadLen  = 20 // truncated public-key hash length
	addressChecksumLen = 4
)

var (
	ErrInvalidAddress  = errors.New("keypair: invalid address encoding")
	ErrInvalidChecksum = errors.New("keypair: address checksum mismatch")
	ErrWrongNetwork    = errors.New("keypair: address network flag mismatch")
)

// NodeAddress is the printable, base58-encoded identity of a peer. It
// doubles as the IRC channel name when prefixed with "#".
type NodeAddress string

// Channel returns the IRC channel a node listening on this address joins
// to receive SYNs.
func (a NodeAddress) Channel() string {
	return "#" + string(a)
}

// Keypair is the service's single signing identity for its lifetime.
type Keypair struct {
	priv    solana.PrivateKey
	Address NodeAddress
	Testnet bool
}

// Generate creates a fresh keypair, analogous to minting a new WIF.
func Generate(testnet bool) (*Keypair, error) {
	priv, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	return fromPrivateKey(priv, testnet)
}

// FromWIF reconstructs a Keypair from its base58-encoded private key
// string (the WIF-equivalent consumed by the Service constructor).
func FromWIF(wif string, testnet bool) (*Keypair, error) {
	priv, err := solana.PrivateKeyFromBase58(wif)
	if err != nil {
		return nil, fmt.Errorf("parsing WIF: %w", err)
	}
	return fromPrivateKey(priv, testnet)
}

func fromPrivateKey(priv solana.PrivateKey, testnet bool) (*Keypair, error) {
	addr, err := AddressFromPublicKey(priv.PublicKey().Bytes(), testnet)
	if err != nil {
		return nil, err
	}
	return &Keypair{priv: priv, Address: addr, Testnet: testnet}, nil
}

// WIF returns the base58-encoded private key string, suitable for passing
// back into FromWIF.
func (k *Keypair) WIF() string {
	return k.priv.String()
}

// PublicKey returns the raw ed25519 public key bytes.
func (k *Keypair) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(k.priv.PublicKey().Bytes())
}

// Sign signs msg with the keypair's private key.
func (k *Keypair) Sign(msg []byte) []byte {
	sig, err := k.priv.Sign(msg)
	if err != nil {
		// solana.PrivateKey.Sign only fails on a malformed key, which
		// cannot happen for a Keypair built through this package.
		panic(fmt.Sprintf("keypair: signing with a valid key failed: %v", err))
	}
	return sig[:]
}

// Verify checks sig over msg against pub (the public key carried alongside
// the signature on the wire) and confirms that pub actually derives addr
// for the given network. The address is therefore never trusted as a bare
// wire field: it is recomputed from the attached public key and compared.
func Verify(addr NodeAddress, pub ed25519.PublicKey, msg, sig []byte, testnet bool) bool {
	if !ed25519.Verify(pub, msg, sig) {
		return false
	}
	got, err := AddressFromPublicKey(pub, testnet)
	if err != nil {
		return false
	}
	return got == addr
}

// AddressFromPublicKey derives the printable address for a public key.
func AddressFromPublicKey(pub ed25519.PublicKey, testnet bool) (NodeAddress, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", fmt.Errorf("keypair: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	version := versionMainnet
	if testnet {
		version = versionTestnet
	}

	h := sha256.Sum256(pub)
	payload := h[:addressPayloadLen]

	versioned := make([]byte, 0, 1+addressPayloadLen)
	versioned = append(versioned, version)
	versioned = append(versioned, payload...)

	checksum := checksumOf(versioned)
	full := append(versioned, checksum...)

	return NodeAddress(base58.Encode(full)), nil
}

// ValidateAddress reports whether addr is a well-formed address for the
// given network: correct length, checksum, and version byte. It is the
// precondition check node_send applies to a caller-supplied address.
func ValidateAddress(addr NodeAddress, testnet bool) error {
	gotTestnet, err := decodeAddressNetwork(addr)
	if err != nil {
		return err
	}
	if gotTestnet != testnet {
		return ErrWrongNetwork
	}
	return nil
}

// decodeAddressNetwork validates an address's encoding and returns the
// network flag embedded in its version byte.
func decodeAddressNetwork(addr NodeAddress) (testnet bool, err error) {
	raw, err := base58.Decode(string(addr))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != 1+addressPayloadLen+addressChecksumLen {
		return false, fmt.Errorf("%w: length %d", ErrInvalidAddress, len(raw))
	}

	version := raw[0]
	versioned := raw[:1+addressPayloadLen]
	checksum := raw[1+addressPayloadLen:]

	if !equal(checksum, checksumOf(versioned)) {
		return false, ErrInvalidChecksum
	}

	switch version {
	case versionMainnet:
		return false, nil
	case versionTestnet:
		return true, nil
	default:
		return false, fmt.Errorf("%w: version byte 0x%02x", ErrInvalidAddress, version)
	}
}

func checksumOf(versioned []byte) []byte {
	first := sha256.Sum256(versioned)
	second := sha256.Sum256(first[:])
	return second[:addressChecksumLen]
}

func equal(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
