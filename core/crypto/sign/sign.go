// Package sign wraps RSA-PSS signing behind the interface the rest of the
// module consumes, following the shape of the teacher's
// core/crypto/sign/eddsa scheme wrapper: a PrivateKey/PublicKey pair plus
// package-level functions for generation and wire (un)marshaling.
//
// Keys are transported on the wire SPKI-encoded (DER, as produced by
// x509.MarshalPKIXPublicKey), matching spec.md §4.3's "deterministic
// SPKI-based key encoding for wire transport".
package sign

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
)

// KeyBits is the RSA modulus size used for all SMP queue and agent keys.
const KeyBits = 3072

// ErrAuth is returned when a signature fails to verify. Per spec.md §7 the
// protocol layer never distinguishes the cause of an authorization
// failure; callers translate any non-nil error from Verify into ERR AUTH.
var ErrAuth = errors.New("sign: signature verification failed")

// PrivateKey is an RSA-PSS signing key.
type PrivateKey struct {
	key *rsa.PrivateKey
}

// PublicKey is an RSA-PSS verification key, SPKI-encoded for the wire.
type PublicKey struct {
	key *rsa.PublicKey
	raw []byte // cached SPKI DER encoding
}

var pssOpts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}

// GenerateKeypair creates a new RSA-PSS keypair.
func GenerateKeypair() (*PrivateKey, *PublicKey, error) {
	k, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("sign: generate key: %w", err)
	}
	pub, err := publicKeyFromRSA(&k.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	return &PrivateKey{key: k}, pub, nil
}

// Sign signs message, returning the raw PSS signature.
func (p *PrivateKey) Sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	return rsa.SignPSS(rand.Reader, p.key, crypto.SHA256, digest[:], pssOpts)
}

// Public returns the PrivateKey's corresponding PublicKey.
func (p *PrivateKey) Public() (*PublicKey, error) {
	return publicKeyFromRSA(&p.key.PublicKey)
}

func publicKeyFromRSA(k *rsa.PublicKey) (*PublicKey, error) {
	raw, err := x509.MarshalPKIXPublicKey(k)
	if err != nil {
		return nil, fmt.Errorf("sign: marshal SPKI: %w", err)
	}
	return &PublicKey{key: k, raw: raw}, nil
}

// Bytes returns the SPKI DER encoding of the public key, as placed on the
// wire (base64url-encoded by the caller).
func (p *PublicKey) Bytes() []byte {
	out := make([]byte, len(p.raw))
	copy(out, p.raw)
	return out
}

// Equal reports whether p and other encode the same key.
func (p *PublicKey) Equal(other *PublicKey) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.key.Equal(other.key)
}

// Verify checks sig over message against the public key. Any failure is
// reported as ErrAuth without further detail, per spec.md §4.3/§7.
func (p *PublicKey) Verify(message, sig []byte) error {
	digest := sha256.Sum256(message)
	if err := rsa.VerifyPSS(p.key, crypto.SHA256, digest[:], sig, pssOpts); err != nil {
		return ErrAuth
	}
	return nil
}

// PublicKeyFromBytes decodes an SPKI DER-encoded RSA public key as received
// on the wire.
func PublicKeyFromBytes(raw []byte) (*PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("sign: parse SPKI: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("sign: not an RSA public key")
	}
	cp := *rsaPub
	return publicKeyFromRSA(&cp)
}

// Bytes returns the PKCS8 DER encoding of the private key, for local
// storage (never placed on the wire).
func (p *PrivateKey) Bytes() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(p.key)
	if err != nil {
		return nil, fmt.Errorf("sign: marshal PKCS8: %w", err)
	}
	return der, nil
}

// PrivateKeyFromBytes decodes a PKCS8 DER-encoded RSA private key as
// produced by Bytes, for reloading a queue's signing key from local
// storage.
func PrivateKeyFromBytes(der []byte) (*PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("sign: parse PKCS8: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("sign: not an RSA private key")
	}
	return &PrivateKey{key: rsaKey}, nil
}
