package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/syncmesh/modsync/internal/apply"
	"github.com/syncmesh/modsync/internal/component"
	"github.com/syncmesh/modsync/internal/dispatcher"
	"github.com/syncmesh/modsync/internal/observability"
	"github.com/syncmesh/modsync/internal/wire"
)

// componentRequestPayload asks for one component fragment by hash.
type componentRequestPayload struct {
	ComponentID string `json:"componentId"`
}

// componentResponsePayload carries the fragment's stored bytes back.
type componentResponsePayload struct {
	ComponentID string `json:"componentId"`
	Kind        string `json:"kind"`
	FileData    string `json:"fileData"`
}

// modApplicationRequestPayload asks the receiver to install a recipe.
type modApplicationRequestPayload struct {
	PlayerID       string `json:"playerId"`
	PlayerName     string `json:"playerName"`
	AppearanceHash string `json:"appearanceHash"`
}

// modApplicationResponsePayload reports the apply outcome.
type modApplicationResponsePayload struct {
	Success       bool   `json:"success"`
	TransactionID string `json:"transactionId,omitempty"`
	Error         string `json:"error,omitempty"`
}

// memberListResponsePayload is returned to a MemberListRequest; peer
// discovery is out of scope (spec.md Non-goals), so it always reports
// just the local member.
type memberListResponsePayload struct {
	Members []string `json:"members"`
}

// RegisterHandlers wires the engine's core message kinds into d:
// component fragment lookups against store, outfit application
// through applySvc, and a minimal member-list/sync-complete
// acknowledgement pair. Apply outcomes are published through events
// so subscribers (e.g. a UI) see completion/failure without polling.
func RegisterHandlers(d *dispatcher.Dispatcher, store *component.Store, applySvc *apply.Service, events *EventPublisher, metrics *observability.Metrics, logger *observability.Logger) {
	d.RegisterHandler(wire.KindComponentRequest, func(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
		var req componentRequestPayload
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, fmt.Errorf("service: decode ComponentRequest: %w", err)
		}
		c, ok := store.GetComponent(req.ComponentID)
		if !ok {
			return nil, fmt.Errorf("service: unknown component %s", req.ComponentID)
		}

		resp := componentResponsePayload{
			ComponentID: req.ComponentID,
			Kind:        string(c.Kind),
			FileData:    c.Data,
		}
		body, err := wire.EncodeMessage(wire.KindComponentResponse, resp)
		if err != nil {
			return nil, err
		}
		return envelopeFromBody(wire.KindComponentResponse, body)
	})

	d.RegisterHandler(wire.KindModApplicationRequest, func(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
		var req modApplicationRequestPayload
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return nil, fmt.Errorf("service: decode ModApplicationRequest: %w", err)
		}

		result := applySvc.ApplyOutfitAtomic(ctx, req.PlayerID, req.PlayerName, req.AppearanceHash)
		if metrics != nil {
			metrics.RecordApplyOutfit(result.Success, 0)
		}

		resp := modApplicationResponsePayload{Success: result.Success}
		if result.Success {
			resp.TransactionID = result.State.TransactionID
			if events != nil {
				events.PublishCompleted(req.AppearanceHash, 0, 0)
			}
		} else if result.Err != nil {
			resp.Error = result.Err.Error()
			if events != nil {
				events.PublishFailed(req.AppearanceHash, result.Err.Error())
			}
		}

		body, err := wire.EncodeMessage(wire.KindModApplicationResponse, resp)
		if err != nil {
			return nil, err
		}
		return envelopeFromBody(wire.KindModApplicationResponse, body)
	})

	d.RegisterHandler(wire.KindMemberListRequest, func(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
		body, err := wire.EncodeMessage(wire.KindMemberListResponse, memberListResponsePayload{Members: []string{"local"}})
		if err != nil {
			return nil, err
		}
		return envelopeFromBody(wire.KindMemberListResponse, body)
	})

	d.RegisterHandler(wire.KindSyncComplete, func(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
		if logger != nil {
			logger.Info("service: peer reported sync complete")
		}
		return nil, nil
	})
}

// envelopeFromBody re-parses a freshly encoded message body so a
// handler can hand the dispatcher a proper Envelope to send back.
func envelopeFromBody(kind wire.Kind, framed []byte) (*wire.Envelope, error) {
	body, err := wire.Decode(framed)
	if err != nil {
		return nil, fmt.Errorf("service: unframe response: %w", err)
	}
	env, err := wire.ParseEnvelope(body)
	if err != nil {
		return nil, fmt.Errorf("service: parse response envelope: %w", err)
	}
	if env.Kind != kind {
		return nil, fmt.Errorf("service: response kind mismatch: got %s want %s", env.Kind, kind)
	}
	return env, nil
}
