// Package signature verifies writer signatures over intention signing messages.
//
// The scheme is pluggable through Verifier. Ed25519 is the default: a writer
// id is the lowercase hex of the 32-byte public key and a signature is the
// raw 64-byte ed25519 signature over canon.SigningMessage.
package signature

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/pithecene-io/cairn/canon"
)

var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidEncoding  = errors.New("invalid encoding")
)

// Verifier checks that sig over message was produced by writer.
type Verifier interface {
	Verify(writer string, message, sig []byte) error
}

// Ed25519 verifies ed25519 signatures keyed by hex public key writer ids.
type Ed25519 struct{}

// Verify implements Verifier.
func (Ed25519) Verify(writer string, message, sig []byte) error {
	pub, err := ParseWriter(writer)
	if err != nil {
		return err
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: signature must be %d bytes", ErrInvalidEncoding, ed25519.SignatureSize)
	}
	if !ed25519.Verify(pub, message, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// ParseWriter decodes a writer id into an ed25519 public key.
func ParseWriter(writer string) (ed25519.PublicKey, error) {
	if strings.ToLower(writer) != writer {
		return nil, fmt.Errorf("%w: writer must be lowercase hex", ErrInvalidEncoding)
	}
	raw, err := hex.DecodeString(writer)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: writer must be %d hex-encoded bytes", ErrInvalidEncoding, ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// WriterID returns the writer id of pub.
func WriterID(pub ed25519.PublicKey) string {
	return hex.EncodeToString(pub)
}

// GenerateKey creates a new key pair from rand.
func GenerateKey(rand io.Reader) (string, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand)
	if err != nil {
		return "", nil, err
	}
	return WriterID(pub), priv, nil
}

// EncodePrivateKey returns the hex encoding of the key's 32-byte seed.
func EncodePrivateKey(priv ed25519.PrivateKey) string {
	return hex.EncodeToString(priv.Seed())
}

// ParsePrivateKey decodes a hex seed produced by EncodePrivateKey.
func ParsePrivateKey(s string) (ed25519.PrivateKey, error) {
	seed, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: private key must be a %d-byte hex seed", ErrInvalidEncoding, ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// SignIntention signs (writer, nonce, payload) with priv and returns the
// writer id and signature.
func SignIntention(priv ed25519.PrivateKey, nonce uint64, payload []byte) (string, []byte, error) {
	writer := WriterID(priv.Public().(ed25519.PublicKey))
	msg, err := canon.SigningMessage(writer, nonce, payload)
	if err != nil {
		return "", nil, err
	}
	return writer, ed25519.Sign(priv, msg), nil
}
