package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/syncmesh/modsync/internal/diffsync"
	"github.com/syncmesh/modsync/internal/dispatcher"
	"github.com/syncmesh/modsync/internal/observability"
	"github.com/syncmesh/modsync/internal/orchestrator"
	"github.com/syncmesh/modsync/internal/wire"
)

// recoveryRequestPayload is spec.md §6's post-reconnect resumption
// message: the receiver reports what it already has so the sender
// can skip retransmitting it.
type recoveryRequestPayload struct {
	SyncshellID     string   `json:"syncshell_id"`
	PeerID          string   `json:"peer_id"`
	CompletedFiles  []string `json:"completed_files"`
	CompletedHashes []string `json:"completed_hashes"`
}

// recoveryResponsePayload reports the paths the sender still needs to
// (re)transmit after applying the RecoveryRequest's completed set
// against its own last-known manifest for that peer.
type recoveryResponsePayload struct {
	PeerID           string   `json:"peer_id"`
	RemainingPaths   []string `json:"remaining_paths"`
	HadPriorManifest bool     `json:"had_prior_manifest"`
}

// reconnectRelayPayload is the common shape of ReconnectOffer and
// ReconnectAnswer: opaque signaling material relayed through the host,
// out of scope for this engine beyond passing it along (spec.md §1's
// signaling/NAT-traversal layer is an external collaborator).
type reconnectRelayPayload struct {
	PeerID  string `json:"peer_id"`
	Payload string `json:"payload"`
}

// RegisterTransferHandlers wires the channel-negotiation and
// reconnection/recovery message kinds (spec.md §6) into d. Unlike
// RegisterHandlers, these depend on per-peer manifest history, so
// they take the diffsync.Store directly rather than through a wider
// service struct.
func RegisterTransferHandlers(d *dispatcher.Dispatcher, diffStore *diffsync.Store, localRequestedChannels, perChannelBudgetMB, availableMemoryMB int, logger *observability.Logger) {
	d.RegisterHandler(wire.KindChannelNegotiation, func(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
		var req orchestrator.ChannelNegotiationRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, fmt.Errorf("service: decode ChannelNegotiation: %w", err)
		}

		resp := orchestrator.RespondToNegotiation(req, availableMemoryMB, localRequestedChannels, perChannelBudgetMB)
		if logger != nil {
			logger.Info(fmt.Sprintf("service: negotiated %d channels (limiting memory %dMB)", resp.YourChannels, resp.LimitingMemoryMB))
		}

		body, err := wire.EncodeMessage(wire.KindChannelNegotiationResponse, resp)
		if err != nil {
			return nil, err
		}
		return envelopeFromBody(wire.KindChannelNegotiationResponse, body)
	})

	d.RegisterHandler(wire.KindRecoveryRequest, func(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
		var req recoveryRequestPayload
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, fmt.Errorf("service: decode RecoveryRequest: %w", err)
		}

		resp := recoveryResponsePayload{PeerID: req.PeerID}
		previous, found, err := diffStore.LoadPeerManifest(req.PeerID)
		if err != nil {
			return nil, fmt.Errorf("service: load peer manifest for recovery: %w", err)
		}
		resp.HadPriorManifest = found
		if found {
			resp.RemainingPaths = diffsync.ResumeDelta(previous.FileHashes, req.CompletedHashes)
		}

		// RecoveryRequest has no dedicated response kind in spec.md
		// §4.4; the handler only logs how many files the resumption
		// plan leaves and returns no response. The plan is not echoed
		// back over the wire or passed to any other component.
		if logger != nil {
			logger.Info(fmt.Sprintf("service: recovery for peer %s: %d files remaining", req.PeerID, len(resp.RemainingPaths)))
		}
		return nil, nil
	})

	relay := func(kind wire.Kind) dispatcher.Handler {
		return func(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
			var msg reconnectRelayPayload
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				return nil, fmt.Errorf("service: decode %s: %w", kind, err)
			}
			if logger != nil {
				logger.Info(fmt.Sprintf("service: relaying %s for peer %s", kind, msg.PeerID))
			}
			// The host's signaling layer owns actual relay transport
			// (spec.md §1); the engine's role is limited to surfacing the
			// message so the host can forward it, hence no response here.
			return nil, nil
		}
	}
	d.RegisterHandler(wire.KindReconnectOffer, relay(wire.KindReconnectOffer))
	d.RegisterHandler(wire.KindReconnectAnswer, relay(wire.KindReconnectAnswer))
}
