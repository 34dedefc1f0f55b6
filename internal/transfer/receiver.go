package transfer

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

// ErrIntegrityMismatch is returned when a fully-received file's SHA-1
// does not match its declared FileHash.
type ErrIntegrityMismatch struct {
	FileName string
	Want     string
	Got      string
}

func (e *ErrIntegrityMismatch) Error() string {
	return fmt.Sprintf("transfer: integrity mismatch for %s: want %s got %s", e.FileName, e.Want, e.Got)
}

// assembly is the per-(session, file) receive buffer described in
// spec.md §4.7. parity holds whatever recovery shards have arrived so
// far for each group, keyed by group index; a nil entry within a
// group's shard slice means that shard hasn't arrived yet.
type assembly struct {
	mu     sync.Mutex
	buf    []byte
	bitmap *Bitmap
	parity map[int][][]byte
}

// Receiver accumulates incoming chunks for in-flight files and
// verifies completed ones against their declared hash.
type Receiver struct {
	mu         sync.Mutex
	assemblies map[string]*assembly // keyed by session\x00file
}

// NewReceiver creates an empty Receiver.
func NewReceiver() *Receiver {
	return &Receiver{assemblies: make(map[string]*assembly)}
}

func (r *Receiver) assemblyFor(sess *Session) *assembly {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key(sess.SessionID, sess.FileName)
	a, ok := r.assemblies[k]
	if !ok {
		a = &assembly{
			buf:    make([]byte, sess.SizeBytes),
			bitmap: NewBitmap(sess.TotalChunks),
		}
		r.assemblies[k] = a
	}
	return a
}

// IsParityChunk reports whether chunk is one of SendFile's recovery
// shards rather than file data: parity shards continue the chunk_index
// space starting at sess.TotalChunks (spec.md's FileChunk fields are
// reused verbatim; no new wire shape is introduced for them).
func IsParityChunk(sess *Session, chunk Chunk) bool {
	return int(chunk.ChunkIndex) >= sess.TotalChunks
}

// AcceptChunk writes one chunk into its file's buffer and reports
// whether the file is now fully received (all chunks present). Parity
// shards (see IsParityChunk) are routed to AcceptParityChunk instead
// and never count toward completion.
func (r *Receiver) AcceptChunk(sess *Session, chunk Chunk) (complete bool, err error) {
	if IsParityChunk(sess, chunk) {
		r.AcceptParityChunk(sess, chunk)
		a := r.assemblyFor(sess)
		a.mu.Lock()
		defer a.mu.Unlock()
		return a.bitmap.Complete(), nil
	}

	a := r.assemblyFor(sess)
	a.mu.Lock()
	defer a.mu.Unlock()

	offset := int64(chunk.ChunkIndex) * sess.ChunkSize
	if offset+int64(len(chunk.Data)) > int64(len(a.buf)) {
		return false, fmt.Errorf("transfer: chunk %d would overflow file buffer", chunk.ChunkIndex)
	}
	copy(a.buf[offset:], chunk.Data)
	a.bitmap.Set(int(chunk.ChunkIndex))

	sess.Touch()
	return a.bitmap.Complete(), nil
}

// AcceptParityChunk stores one recovery shard for later use by
// Reconstruct. chunk.ChunkIndex - sess.TotalChunks decomposes into
// (group, shard) at the fixed ParityShards stride SendFile uses when
// it emits them.
func (r *Receiver) AcceptParityChunk(sess *Session, chunk Chunk) {
	a := r.assemblyFor(sess)
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.parity == nil {
		a.parity = make(map[int][][]byte)
	}
	rel := int(chunk.ChunkIndex) - sess.TotalChunks
	group, shard := rel/ParityShards, rel%ParityShards
	shards, ok := a.parity[group]
	if !ok {
		shards = make([][]byte, ParityShards)
		a.parity[group] = shards
	}
	shards[shard] = chunk.Data

	sess.Touch()
}

// Reconstruct recovers the still-missing data chunks of groupIndex
// from whatever parity shards have arrived for it, writing recovered
// bytes directly into the file buffer and marking them received. It
// returns the chunk indices it filled in, or an error if too many
// chunks in the group are missing for the received parity to cover
// (SPEC_FULL §4's FEC-protected-bulk-chunks component).
func (r *Receiver) Reconstruct(sess *Session, groupIndex int) ([]int, error) {
	a := r.assemblyFor(sess)
	a.mu.Lock()
	defer a.mu.Unlock()

	shards, ok := a.parity[groupIndex]
	if !ok {
		return nil, fmt.Errorf("transfer: no parity shards received for group %d of %s", groupIndex, sess.FileName)
	}

	start := groupIndex * ParityGroupSize
	end := start + ParityGroupSize
	if end > sess.TotalChunks {
		end = sess.TotalChunks
	}

	var maxLen int64
	for idx := start; idx < end; idx++ {
		if l := chunkLen(idx, sess.TotalChunks, sess.ChunkSize, sess.SizeBytes); l > maxLen {
			maxLen = l
		}
	}

	dataShards := make([][]byte, ParityGroupSize)
	var missing []int
	for i := 0; i < ParityGroupSize; i++ {
		idx := start + i
		if idx >= end {
			dataShards[i] = make([]byte, maxLen)
			continue
		}
		if !a.bitmap.IsSet(idx) {
			missing = append(missing, idx)
			continue
		}
		l := chunkLen(idx, sess.TotalChunks, sess.ChunkSize, sess.SizeBytes)
		offset := int64(idx) * sess.ChunkSize
		padded := make([]byte, maxLen)
		copy(padded, a.buf[offset:offset+l])
		dataShards[i] = padded
	}
	if len(missing) == 0 {
		return nil, nil
	}

	dec, err := NewParityDecoder()
	if err != nil {
		return nil, fmt.Errorf("transfer: build parity decoder: %w", err)
	}

	allShards := append(dataShards, shards...)
	if err := dec.Reconstruct(allShards); err != nil {
		return nil, fmt.Errorf("transfer: reconstruct group %d of %s: %w", groupIndex, sess.FileName, err)
	}

	recovered := make([]int, 0, len(missing))
	for _, idx := range missing {
		l := chunkLen(idx, sess.TotalChunks, sess.ChunkSize, sess.SizeBytes)
		offset := int64(idx) * sess.ChunkSize
		copy(a.buf[offset:offset+l], allShards[idx-start][:l])
		if a.bitmap.Set(idx) {
			recovered = append(recovered, idx)
		}
	}
	sess.Touch()
	return recovered, nil
}

// Finalize verifies a complete file's SHA-1 against sess.FileHash,
// returning the reconstructed bytes on success. On mismatch the
// buffer is dropped and ErrIntegrityMismatch is returned; the caller
// is expected to emit an Error message and may request retransmission
// via RecoveryRequest.
func (r *Receiver) Finalize(sess *Session) ([]byte, error) {
	if err := sess.Transition(StateVerifying); err != nil {
		return nil, err
	}

	r.mu.Lock()
	k := key(sess.SessionID, sess.FileName)
	a, ok := r.assemblies[k]
	if ok {
		delete(r.assemblies, k)
	}
	r.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("transfer: no assembly for %s", sess.FileName)
	}

	sum := sha1.Sum(a.buf)
	got := strings.ToUpper(hex.EncodeToString(sum[:]))
	if got != sess.FileHash {
		_ = sess.Transition(StateFailed)
		return nil, &ErrIntegrityMismatch{FileName: sess.FileName, Want: sess.FileHash, Got: got}
	}

	if err := sess.Transition(StateDone); err != nil {
		return nil, err
	}
	return a.buf, nil
}

// Missing reports the chunk indices still outstanding for a
// (session, file) pair, used to answer RecoveryRequest resumption.
func (r *Receiver) Missing(sess *Session) []int {
	a := r.assemblyFor(sess)
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bitmap.Missing()
}
