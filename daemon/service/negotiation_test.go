package service

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/syncmesh/modsync/internal/diffsync"
	"github.com/syncmesh/modsync/internal/dispatcher"
	"github.com/syncmesh/modsync/internal/orchestrator"
	"github.com/syncmesh/modsync/internal/wire"
)

// capturingSender records every envelope handed to it, standing in
// for a real DataChannel-backed dispatcher.Sender in tests.
type capturingSender struct {
	sent []*wire.Envelope
}

func (c *capturingSender) Send(env *wire.Envelope) error {
	c.sent = append(c.sent, env)
	return nil
}

func newTestDiffStore(t *testing.T) *diffsync.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := diffsync.OpenStore(filepath.Join(dir, "diffsync.db"))
	if err != nil {
		t.Fatalf("open diffsync store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestChannelNegotiationHandlerRespondsWithAgreedChannels(t *testing.T) {
	sender := &capturingSender{}
	d := dispatcher.New(sender, nil)
	diffStore := newTestDiffStore(t)

	RegisterTransferHandlers(d, diffStore, 4, orchestrator.DefaultPerChannelBudgetMB, 64, nil)

	req := orchestrator.ChannelNegotiationRequest{RequestedChannels: 8, AvailableMemoryMB: 128}
	body, err := wire.EncodeMessage(wire.KindChannelNegotiation, req)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	decoded, err := wire.Decode(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	env, err := wire.ParseEnvelope(decoded)
	if err != nil {
		t.Fatalf("parse envelope: %v", err)
	}
	env.MessageID = "req-1"

	d.Dispatch(context.Background(), env)

	if len(sender.sent) != 1 {
		t.Fatalf("got %d sent messages, want 1", len(sender.sent))
	}
	var resp orchestrator.ChannelNegotiationResponse
	if err := json.Unmarshal(sender.sent[0].Payload, &resp); err != nil {
		t.Fatalf("decode response payload: %v", err)
	}
	// limiting memory = min(local 64, remote 128) = 64; 64/16 = 4 channels.
	if resp.YourChannels != 4 {
		t.Fatalf("YourChannels = %d, want 4", resp.YourChannels)
	}
	if resp.LimitingMemoryMB != 64 {
		t.Fatalf("LimitingMemoryMB = %d, want 64", resp.LimitingMemoryMB)
	}
	if sender.sent[0].ResponseTo != "req-1" {
		t.Fatalf("ResponseTo = %q, want req-1", sender.sent[0].ResponseTo)
	}
}

func TestRecoveryRequestHandlerNoResponseButNoPanic(t *testing.T) {
	sender := &capturingSender{}
	d := dispatcher.New(sender, nil)
	diffStore := newTestDiffStore(t)

	if err := diffStore.StorePeerManifest("peer-1", diffsync.BuildManifest("Alice", map[string]string{
		"a.mdl": "HASH1",
		"b.tex": "HASH2",
	}, nil)); err != nil {
		t.Fatalf("seed manifest: %v", err)
	}

	RegisterTransferHandlers(d, diffStore, 4, orchestrator.DefaultPerChannelBudgetMB, 64, nil)

	req := recoveryRequestPayload{PeerID: "peer-1", CompletedHashes: []string{"HASH1"}}
	body, err := wire.EncodeMessage(wire.KindRecoveryRequest, req)
	if err != nil {
		t.Fatalf("encode request: %v", err)
	}
	decoded, err := wire.Decode(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	env, err := wire.ParseEnvelope(decoded)
	if err != nil {
		t.Fatalf("parse envelope: %v", err)
	}

	d.Dispatch(context.Background(), env)

	if len(sender.sent) != 0 {
		t.Fatalf("got %d sent messages, want 0 (recovery is consumed locally)", len(sender.sent))
	}
}
