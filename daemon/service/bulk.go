package service

import (
	"fmt"

	"github.com/syncmesh/modsync/internal/observability"
	"github.com/syncmesh/modsync/internal/orchestrator"
	"github.com/syncmesh/modsync/internal/transfer"
)

// BulkReceiver drives the receiving half of spec.md §4.7's progressive
// file transfer across a connection's non-control sub-channels. It
// bridges the in-memory transfer.Store (live sessions) with the
// SQLite-backed transfer.PersistentStore (durable bitmap/session
// state), so a connection that drops mid-transfer and reconnects can
// resume from where it left off instead of restarting (spec.md §6's
// reconnection/recovery path).
type BulkReceiver struct {
	sessions   *transfer.Store
	persistent *transfer.PersistentStore
	receiver   *transfer.Receiver
	chunkSize  int64
	logger     *observability.Logger
}

// NewBulkReceiver builds a BulkReceiver over the daemon's shared
// session/persistence stores, using chunkSize for any receive session
// it has to create from scratch (spec.md §4.7's fixed bulk chunk size).
func NewBulkReceiver(sessions *transfer.Store, persistent *transfer.PersistentStore, chunkSize int64, logger *observability.Logger) *BulkReceiver {
	return &BulkReceiver{
		sessions:   sessions,
		persistent: persistent,
		receiver:   transfer.NewReceiver(),
		chunkSize:  chunkSize,
		logger:     logger,
	}
}

// PrepareManifest registers a receive Session for every file
// assignment in a verified manifest, restoring whatever durable state
// a previous connection already persisted for that (session, file)
// pair instead of starting the file over from chunk zero.
func (b *BulkReceiver) PrepareManifest(m orchestrator.Manifest) {
	for _, f := range m.Files {
		if _, ok := b.sessions.Get(m.SessionID, f.GamePath); ok {
			continue
		}

		if b.persistent != nil {
			if restored, err := b.persistent.LoadSession(m.SessionID, f.GamePath); err == nil && restored != nil {
				b.sessions.Put(restored)
				continue
			}
		}

		sess := transfer.NewSession(m.SessionID, f.GamePath, f.FileHash, f.SizeBytes, b.chunkSize, f.AssignedChannel, transfer.DirectionReceive)
		b.sessions.Put(sess)
		if b.persistent != nil {
			if err := b.persistent.SaveSession(sess); err != nil && b.logger != nil {
				b.logger.Error(err, "service: persist new receive session")
			}
		}
	}
}

// HandleChunk accepts one FCHK frame from a bulk sub-channel, routes
// it to its session's Receiver, and persists progress so a later
// reconnect can resume from the same bitmap. It returns the
// reconstructed bytes once the file completes, or a nil slice while
// the transfer is still in progress.
func (b *BulkReceiver) HandleChunk(frame []byte) ([]byte, *transfer.Session, error) {
	chunk, err := transfer.DecodeFCHK(frame)
	if err != nil {
		return nil, nil, fmt.Errorf("service: decode bulk chunk: %w", err)
	}

	sess, ok := b.sessions.Get(chunk.SessionID, chunk.FileName)
	if !ok {
		return nil, nil, fmt.Errorf("service: chunk for unknown session %s/%s", chunk.SessionID, chunk.FileName)
	}

	complete, err := b.receiver.AcceptChunk(sess, chunk)
	if err != nil {
		return nil, sess, fmt.Errorf("service: accept chunk %d for %s: %w", chunk.ChunkIndex, chunk.FileName, err)
	}

	if !complete {
		// Every arriving chunk (data or parity) might be the piece that
		// completes its group's recovery set, so opportunistically try
		// to fill in whatever's still missing there (SPEC_FULL §4's
		// FEC-protected-bulk-chunks component: a lost data chunk is
		// recovered from parity instead of forcing a retransmit).
		group := parityGroupForChunk(sess, chunk)
		if recovered, rerr := b.receiver.Reconstruct(sess, group); rerr == nil && len(recovered) > 0 {
			if b.logger != nil {
				b.logger.Info(fmt.Sprintf("service: reconstructed %d chunk(s) in group %d of %s via parity", len(recovered), group, chunk.FileName))
			}
			complete = len(b.receiver.Missing(sess)) == 0
		}
	}

	if b.persistent != nil {
		if err := b.persistent.SaveSession(sess); err != nil && b.logger != nil {
			b.logger.Error(err, "service: persist receive session progress")
		}
	}

	if !complete {
		return nil, sess, nil
	}

	data, err := b.receiver.Finalize(sess)
	if err != nil {
		return nil, sess, fmt.Errorf("service: finalize %s: %w", chunk.FileName, err)
	}

	b.sessions.Delete(sess.SessionID, sess.FileName)
	if b.persistent != nil {
		if err := b.persistent.DeleteSession(sess.SessionID, sess.FileName); err != nil && b.logger != nil {
			b.logger.Error(err, "service: delete completed session from persistence")
		}
	}

	return data, sess, nil
}

// parityGroupForChunk returns the parity group a chunk (data or
// recovery shard) belongs to, matching the layout SendFile uses when
// it emits groups of transfer.ParityGroupSize data chunks followed by
// transfer.ParityShards recovery shards per group.
func parityGroupForChunk(sess *transfer.Session, chunk transfer.Chunk) int {
	if transfer.IsParityChunk(sess, chunk) {
		rel := int(chunk.ChunkIndex) - sess.TotalChunks
		return rel / transfer.ParityShards
	}
	return int(chunk.ChunkIndex) / transfer.ParityGroupSize
}
