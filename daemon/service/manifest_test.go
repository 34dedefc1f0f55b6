package service

import (
	"context"
	"testing"

	"github.com/syncmesh/modsync/internal/dispatcher"
	"github.com/syncmesh/modsync/internal/orchestrator"
	"github.com/syncmesh/modsync/internal/signing"
	"github.com/syncmesh/modsync/internal/transfer"
	"github.com/syncmesh/modsync/internal/wire"
)

func TestManifestHandlerAcceptsValidSignatureAndPreparesSessions(t *testing.T) {
	sender := &capturingSender{}
	d := dispatcher.New(sender, nil)

	id, err := signing.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}

	manifest := orchestrator.Manifest{
		SessionID:      "sess-manifest",
		TotalChannels:  1,
		TotalSizeBytes: 10,
		Files: []orchestrator.FileAssignment{
			{FileHash: "H1", GamePath: "a.mdl", SizeBytes: 10, AssignedChannel: 0, ChunkCount: 1},
		},
	}

	signed, err := orchestrator.SignManifest(id, manifest)
	if err != nil {
		t.Fatalf("SignManifest: %v", err)
	}

	sessions := transfer.NewStore()
	bulk := NewBulkReceiver(sessions, nil, 16*1024, nil)
	RegisterManifestHandler(d, bulk, nil)

	body, err := wire.EncodeMessage(wire.KindManifestAnnounce, signed)
	if err != nil {
		t.Fatalf("encode: %v", err)
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
		t.Fatalf("got %d sent messages, want 0 (announce is one-way)", len(sender.sent))
	}
	if _, ok := sessions.Get("sess-manifest", "a.mdl"); !ok {
		t.Fatal("expected BulkReceiver to register a receive session for the manifest's file")
	}
}

func TestManifestHandlerRejectsTamperedManifest(t *testing.T) {
	sender := &capturingSender{}
	d := dispatcher.New(sender, nil)

	id, err := signing.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}

	manifest := orchestrator.Manifest{
		SessionID:      "sess-tamper",
		TotalChannels:  1,
		TotalSizeBytes: 10,
		Files: []orchestrator.FileAssignment{
			{FileHash: "H1", GamePath: "a.mdl", SizeBytes: 10, AssignedChannel: 0, ChunkCount: 1},
		},
	}
	signed, err := orchestrator.SignManifest(id, manifest)
	if err != nil {
		t.Fatalf("SignManifest: %v", err)
	}
	signed.Manifest.SessionID = "sess-tampered-after-signing"

	sessions := transfer.NewStore()
	bulk := NewBulkReceiver(sessions, nil, 16*1024, nil)
	RegisterManifestHandler(d, bulk, nil)

	body, err := wire.EncodeMessage(wire.KindManifestAnnounce, signed)
	if err != nil {
		t.Fatalf("encode: %v", err)
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

	if _, ok := sessions.Get("sess-tampered-after-signing", "a.mdl"); ok {
		t.Fatal("tampered manifest must not result in a registered receive session")
	}
}
