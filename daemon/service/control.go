package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/syncmesh/modsync/internal/dispatcher"
	"github.com/syncmesh/modsync/internal/observability"
	"github.com/syncmesh/modsync/internal/wire"
)

// ChannelSend is the minimal outbound primitive the control plane
// needs from a DataChannel: write one message to a given sub-channel.
type ChannelSend func(channelIdx int, data []byte) error

// ChannelSender adapts a fixed channel index of a DataChannel to the
// dispatcher.Sender interface, framing and encoding every envelope
// before handing it to the transport.
type ChannelSender struct {
	Send_      ChannelSend
	ChannelIdx int
}

// Send implements dispatcher.Sender. The dispatcher sets env.ResponseTo
// on the Envelope struct after a handler returns, not in its already-
// marshaled Payload, so Send must splice response_to back into the
// JSON body before it goes on the wire.
func (c *ChannelSender) Send(env *wire.Envelope) error {
	payload := env.Payload
	if env.ResponseTo != "" {
		spliced, err := withResponseTo(payload, env.ResponseTo)
		if err != nil {
			return fmt.Errorf("control: splice response_to: %w", err)
		}
		payload = spliced
	}

	framed, err := wire.Encode(payload)
	if err != nil {
		return fmt.Errorf("control: encode envelope: %w", err)
	}
	return c.Send_(c.ChannelIdx, framed)
}

func withResponseTo(payload []byte, responseTo string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, err
	}
	tagged, err := json.Marshal(responseTo)
	if err != nil {
		return nil, err
	}
	fields["response_to"] = tagged
	return json.Marshal(fields)
}

var _ dispatcher.Sender = (*ChannelSender)(nil)

// ControlPlane decodes inbound bytes from the control sub-channel
// into envelopes, reassembling chunked messages before handing
// complete ones to the dispatcher (spec.md §4.5-§4.6).
type ControlPlane struct {
	dispatcher  *dispatcher.Dispatcher
	reassembler *wire.Reassembler
	logger      *observability.Logger
}

// NewControlPlane builds a ControlPlane that dispatches through d.
func NewControlPlane(d *dispatcher.Dispatcher, logger *observability.Logger) *ControlPlane {
	return &ControlPlane{
		dispatcher:  d,
		reassembler: wire.NewReassembler(wire.ControlChunkSize),
		logger:      logger,
	}
}

// HandleInbound is the DataChannel OnReceive callback for the control
// sub-channel: unframe, resolve the envelope, reassemble if chunked,
// and dispatch once a complete message is available.
func (cp *ControlPlane) HandleInbound(ctx context.Context, raw []byte) {
	body, err := wire.Decode(raw)
	if err != nil {
		if cp.logger != nil {
			cp.logger.Error(err, "control: failed to unframe inbound message")
		}
		return
	}

	env, err := wire.ParseEnvelope(body)
	if err != nil {
		if cp.logger != nil {
			cp.logger.Warn(fmt.Sprintf("control: %v", err))
		}
		return
	}

	if env.Kind != wire.KindChunkedMessage {
		cp.dispatcher.Dispatch(ctx, env)
		return
	}

	var chunk wire.ChunkedMessage
	if err := json.Unmarshal(env.Payload, &chunk); err != nil {
		if cp.logger != nil {
			cp.logger.Error(err, "control: failed to decode chunked message")
		}
		return
	}

	result, complete, err := cp.reassembler.Accept(chunk)
	if err != nil {
		if cp.logger != nil {
			cp.logger.Warn(fmt.Sprintf("control: chunk reassembly: %v", err))
		}
		return
	}
	if !complete {
		return
	}

	inner, err := wire.ParseEnvelope(result.Body)
	if err != nil {
		if cp.logger != nil {
			cp.logger.Warn(fmt.Sprintf("control: reassembled message: %v", err))
		}
		return
	}
	cp.dispatcher.Dispatch(ctx, inner)
}
