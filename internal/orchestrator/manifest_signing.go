package orchestrator

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"

	"github.com/syncmesh/modsync/internal/signing"
)

// SignedManifest is what actually crosses the control channel in
// spec.md §4.9 step 2: the TransferManifest plus the sender's Ed25519
// signature over its canonical JSON encoding, so a receiver can detect
// a tampered or corrupted manifest before deriving channel contracts
// from it.
type SignedManifest struct {
	Manifest  Manifest          `json:"manifest"`
	Signature []byte            `json:"signature"`
	PublicKey ed25519.PublicKey `json:"public_key"`
}

// SignManifest signs m's canonical JSON encoding with id, producing
// the envelope the sender transmits for step 2 of the coordinated
// protocol.
func SignManifest(id *signing.Identity, m Manifest) (SignedManifest, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return SignedManifest{}, fmt.Errorf("orchestrator: marshal manifest for signing: %w", err)
	}
	return SignedManifest{
		Manifest:  m,
		Signature: id.Sign(body),
		PublicKey: id.PublicKey,
	}, nil
}

// Verify reports whether sm.Signature is a valid Ed25519 signature by
// sm.PublicKey over sm.Manifest's canonical JSON encoding. A receiver
// calls this immediately after decoding a ManifestAnnounce, before
// deriving any channel contracts from the manifest it carries.
func (sm SignedManifest) Verify() (bool, error) {
	body, err := json.Marshal(sm.Manifest)
	if err != nil {
		return false, fmt.Errorf("orchestrator: marshal manifest for verification: %w", err)
	}
	return signing.Verify(sm.PublicKey, body, sm.Signature), nil
}
