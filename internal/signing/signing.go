// Package signing provides ephemeral Ed25519 signing for manifests and
// file-completion receipts. It deliberately does not implement channel
// encryption or persistent identity — both are out of scope for this
// engine (the transport is assumed to already be authenticated and
// encrypted). A fresh keypair is generated per process; nothing here
// persists a long-term identity to disk.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Identity is a process-scoped Ed25519 keypair used to sign outgoing
// manifests and receipts so a peer can detect tampering in transit.
type Identity struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// NewIdentity generates a fresh, non-persistent Ed25519 keypair.
func NewIdentity() (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signing: generate keypair: %w", err)
	}
	return &Identity{PublicKey: pub, PrivateKey: priv}, nil
}

// Sign signs an arbitrary payload (e.g. a canonical manifest encoding).
func (id *Identity) Sign(payload []byte) []byte {
	return ed25519.Sign(id.PrivateKey, payload)
}

// Fingerprint returns a SHA-256 hex fingerprint of the public key,
// suitable for logging or display without exposing signing material.
func (id *Identity) Fingerprint() string {
	sum := sha256.Sum256(id.PublicKey)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// Verify checks a signature against a payload and public key.
func Verify(publicKey ed25519.PublicKey, payload, signature []byte) bool {
	return ed25519.Verify(publicKey, payload, signature)
}

// ReceiptDigest computes the SHA-256 hex digest of received bytes, used
// as FileCompletionReceipt.receiver_signature per spec.md §4.9 step 4.
func ReceiptDigest(receivedBytes []byte) string {
	sum := sha256.Sum256(receivedBytes)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}
