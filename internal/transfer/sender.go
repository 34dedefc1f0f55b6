package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/syncmesh/modsync/internal/ratelimit"
)

// ChannelSender abstracts the single outbound side of a DataChannel
// sub-channel; datachannel.QUICDataChannel satisfies this.
type ChannelSender interface {
	Send(channelIdx int, data []byte) error
}

var backoffSchedule = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}

// ErrSendExhausted is returned when all retry attempts for one chunk
// are exhausted, per spec.md §4.7's 3-attempt policy.
type ErrSendExhausted struct {
	FileName   string
	ChunkIndex int
	Cause      error
}

func (e *ErrSendExhausted) Error() string {
	return fmt.Sprintf("transfer: chunk %d of %s exhausted retries: %v", e.ChunkIndex, e.FileName, e.Cause)
}

func (e *ErrSendExhausted) Unwrap() error { return e.Cause }

// SendFile streams data across the given channel as ordered chunks,
// pacing emission per the fixed backpressure cadence (10ms every 5
// chunks, Gosched every 10), making up to 3 attempts per chunk (waiting
// 100ms, then 200ms, between them) before failing the whole file. Data chunks are
// additionally batched into groups of ParityGroupSize; each group is
// followed by ParityShards recovery-shard frames so a receiver missing
// up to ParityShards chunks in a group can reconstruct them without a
// retransmit (SPEC_FULL §4's FEC-protected-bulk-chunks component).
func SendFile(ctx context.Context, sender ChannelSender, sess *Session, data []byte) error {
	if err := sess.Transition(StateStreaming); err != nil {
		return err
	}

	parityEnc, err := NewParityEncoder()
	if err != nil {
		_ = sess.Transition(StateFailed)
		return fmt.Errorf("transfer: build parity encoder for %s: %w", sess.FileName, err)
	}

	pacer := ratelimit.DefaultChunkPacer()

	group := make([][]byte, 0, ParityGroupSize)
	groupIndex := 0

	flushGroup := func() error {
		if len(group) == 0 {
			return nil
		}
		shards, err := parityEnc.EncodeGroup(group)
		if err != nil {
			return fmt.Errorf("transfer: encode parity group %d for %s: %w", groupIndex, sess.FileName, err)
		}
		for s, shard := range shards {
			pchunk := Chunk{
				SessionID:    sess.SessionID,
				FileName:     sess.FileName,
				FileHash:     sess.FileHash,
				ChunkIndex:   uint32(sess.TotalChunks + groupIndex*ParityShards + s),
				TotalChunks:  uint32(sess.TotalChunks),
				ChannelIndex: uint32(sess.ChannelIndex),
				Data:         shard,
			}
			frame := EncodeFCHK(pchunk)
			if err := sendWithRetry(ctx, sender, sess.ChannelIndex, frame); err != nil {
				return &ErrSendExhausted{FileName: sess.FileName, ChunkIndex: int(pchunk.ChunkIndex), Cause: err}
			}
		}
		groupIndex++
		group = group[:0]
		return nil
	}

	for i := 0; i < sess.TotalChunks; i++ {
		start := int64(i) * sess.ChunkSize
		end := start + sess.ChunkSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}

		chunk := Chunk{
			SessionID:    sess.SessionID,
			FileName:     sess.FileName,
			FileHash:     sess.FileHash,
			ChunkIndex:   uint32(i),
			TotalChunks:  uint32(sess.TotalChunks),
			ChannelIndex: uint32(sess.ChannelIndex),
			Data:         data[start:end],
		}
		frame := EncodeFCHK(chunk)

		if err := sendWithRetry(ctx, sender, sess.ChannelIndex, frame); err != nil {
			_ = sess.Transition(StateFailed)
			return &ErrSendExhausted{FileName: sess.FileName, ChunkIndex: i, Cause: err}
		}
		group = append(group, chunk.Data)

		sess.Touch()
		pacer.Tick()

		if len(group) == ParityGroupSize || i == sess.TotalChunks-1 {
			if err := flushGroup(); err != nil {
				_ = sess.Transition(StateFailed)
				return err
			}
		}

		select {
		case <-ctx.Done():
			_ = sess.Transition(StateFailed)
			return ctx.Err()
		default:
		}
	}

	return sess.Transition(StateVerifying)
}

// sendWithRetry attempts delivery up to len(backoffSchedule) times,
// sleeping backoffSchedule[attempt-1] before every retry.
func sendWithRetry(ctx context.Context, sender ChannelSender, channelIdx int, frame []byte) error {
	var lastErr error
	for attempt := 0; attempt < len(backoffSchedule); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoffSchedule[attempt-1]):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := sender.Send(channelIdx, frame); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}
