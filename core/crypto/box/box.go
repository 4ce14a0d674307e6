// Package box provides the public-key authenticated encryption used to encrypt agent
// message bodies to a peer's queue-info encryption key, built on
// golang.org/x/crypto/nacl/box (Curve25519 + XSalsa20-Poly1305). Key
// derivation of the underlying shared secret is handled by the box
// construction itself; this package only adapts it to the []byte-in,
// []byte-out shape the agent session state machine expects.
package box

import (
	"crypto/rand"
	"errors"
	"fmt"

	naclbox "golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/curve25519"
)

const (
	// KeySize is the length of a box public or private key.
	KeySize = 32
	// NonceSize is the length of a box nonce.
	NonceSize = 24
)

// PublicKey is a Curve25519 public encryption key, as carried in SMP queue
// info (the invitation's encryption_key field).
type PublicKey [KeySize]byte

// PrivateKey is the matching private key.
type PrivateKey [KeySize]byte

// ErrOpen is returned when Open fails to authenticate a ciphertext.
var ErrOpen = errors.New("box: message authentication failed")

// GenerateKeypair creates a new Curve25519 keypair.
func GenerateKeypair() (*PublicKey, *PrivateKey, error) {
	pub, priv, err := naclbox.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("box: generate key: %w", err)
	}
	return (*PublicKey)(pub), (*PrivateKey)(priv), nil
}

// Seal encrypts message to the recipient's public key, authenticated with
// the sender's private key, returning nonce||ciphertext.
func Seal(message []byte, peerPub *PublicKey, ownPriv *PrivateKey) ([]byte, error) {
	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("box: nonce: %w", err)
	}
	out := make([]byte, NonceSize, NonceSize+len(message)+naclbox.Overhead)
	copy(out, nonce[:])
	out = naclbox.Seal(out, message, &nonce, (*[KeySize]byte)(peerPub), (*[KeySize]byte)(ownPriv))
	return out, nil
}

// Open decrypts a nonce||ciphertext blob produced by Seal.
func Open(sealed []byte, peerPub *PublicKey, ownPriv *PrivateKey) ([]byte, error) {
	if len(sealed) < NonceSize {
		return nil, ErrOpen
	}
	var nonce [NonceSize]byte
	copy(nonce[:], sealed[:NonceSize])
	out, ok := naclbox.Open(nil, sealed[NonceSize:], &nonce, (*[KeySize]byte)(peerPub), (*[KeySize]byte)(ownPriv))
	if !ok {
		return nil, ErrOpen
	}
	return out, nil
}

// SealAnon encrypts message to recipientPub using a fresh, one-time
// sender keypair whose public half travels with the ciphertext. Agent
// message bodies are sealed this way (spec.md §4.9): the recipient's
// long-term encryption_key, as carried in a queue's invitation, is
// enough to open them without any prior exchange of the sender's own
// key, since sender authenticity is already established by the SMP
// queue's signature check, not by the box layer.
func SealAnon(message []byte, recipientPub *PublicKey) ([]byte, error) {
	out, err := naclbox.SealAnonymous(nil, message, (*[KeySize]byte)(recipientPub), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("box: seal anonymous: %w", err)
	}
	return out, nil
}

// OpenAnon decrypts a blob produced by SealAnon.
func OpenAnon(sealed []byte, recipientPub *PublicKey, recipientPriv *PrivateKey) ([]byte, error) {
	out, ok := naclbox.OpenAnonymous(nil, sealed, (*[KeySize]byte)(recipientPub), (*[KeySize]byte)(recipientPriv))
	if !ok {
		return nil, ErrOpen
	}
	return out, nil
}

// Bytes returns the key as a byte slice, for wire encoding.
func (k *PublicKey) Bytes() []byte {
	return k[:]
}

// PublicKeyFromBytes parses a wire-encoded public key.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	if len(b) != KeySize {
		return nil, fmt.Errorf("box: public key must be %d bytes, got %d", KeySize, len(b))
	}
	var k PublicKey
	copy(k[:], b)
	return &k, nil
}

// Bytes returns the key as a byte slice, for local storage.
func (k *PrivateKey) Bytes() []byte {
	return k[:]
}

// PrivateKeyFromBytes parses a locally stored private key.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != KeySize {
		return nil, fmt.Errorf("box: private key must be %d bytes, got %d", KeySize, len(b))
	}
	var k PrivateKey
	copy(k[:], b)
	return &k, nil
}

// Public derives the matching public key, for keys reloaded from local
// storage where only the private half was persisted.
func (k *PrivateKey) Public() *PublicKey {
	var pub PublicKey
	curve25519.ScalarBaseMult((*[KeySize]byte)(&pub), (*[KeySize]byte)(k))
	return &pub
}
