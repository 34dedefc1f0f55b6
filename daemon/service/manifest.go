package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/syncmesh/modsync/internal/dispatcher"
	"github.com/syncmesh/modsync/internal/observability"
	"github.com/syncmesh/modsync/internal/orchestrator"
	"github.com/syncmesh/modsync/internal/wire"
)

// RegisterManifestHandler wires spec.md §4.9 step 2 ("sender transmits
// the manifest via the control channel") into d: a receiver verifies
// the sender's Ed25519 signature over the TransferManifest before
// acting on it; no channel contracts are built here. A verified manifest
// is handed to bulk so it can register (or resume) the receive
// sessions its bulk sub-channels are about to stream chunks into. The
// announce is one-way (no ManifestAnnounce response kind exists), so
// the handler always returns nil.
func RegisterManifestHandler(d *dispatcher.Dispatcher, bulk *BulkReceiver, logger *observability.Logger) {
	d.RegisterHandler(wire.KindManifestAnnounce, func(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
		var sm orchestrator.SignedManifest
		if err := json.Unmarshal(env.Payload, &sm); err != nil {
			return nil, fmt.Errorf("service: decode ManifestAnnounce: %w", err)
		}

		ok, err := sm.Verify()
		if err != nil {
			return nil, fmt.Errorf("service: verify manifest signature: %w", err)
		}
		if !ok {
			if logger != nil {
				logger.Warn(fmt.Sprintf("service: rejected manifest for session %s: signature verification failed", sm.Manifest.SessionID))
			}
			return nil, fmt.Errorf("service: manifest signature verification failed for session %s", sm.Manifest.SessionID)
		}

		if logger != nil {
			logger.Info(fmt.Sprintf("service: verified manifest for session %s (%d files across %d channels)",
				sm.Manifest.SessionID, len(sm.Manifest.Files), sm.Manifest.TotalChannels))
		}
		if bulk != nil {
			bulk.PrepareManifest(sm.Manifest)
		}
		return nil, nil
	})
}
