package transfer

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSender struct {
	mu  sync.Mutex
	out [][]byte
}

func (r *recordingSender) Send(channelIdx int, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, data)
	return nil
}

type flakySender struct {
	failCount int
	calls     int
}

func (f *flakySender) Send(channelIdx int, data []byte) error {
	f.calls++
	if f.calls <= f.failCount {
		return errors.New("channel not open")
	}
	return nil
}

func hashOf(data []byte) string {
	sum := sha1.Sum(data)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func TestSendFileAndReceiveRoundTrip(t *testing.T) {
	data := make([]byte, 40000)
	rand.New(rand.NewSource(1)).Read(data)
	fileHash := hashOf(data)

	send := NewSession("sess-1", "outfit.mdl", fileHash, int64(len(data)), 16*1024, 0, DirectionSend)
	sender := &recordingSender{}

	if err := SendFile(context.Background(), sender, send, data); err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if send.State != StateVerifying {
		t.Errorf("sender state = %v, want Verifying", send.State)
	}

	recv := NewSession("sess-1", "outfit.mdl", fileHash, int64(len(data)), 16*1024, 0, DirectionReceive)
	receiver := NewReceiver()

	var complete bool
	for _, frame := range sender.out {
		chunk, err := DecodeFCHK(frame)
		if err != nil {
			t.Fatalf("DecodeFCHK: %v", err)
		}
		complete, err = receiver.AcceptChunk(recv, chunk)
		if err != nil {
			t.Fatalf("AcceptChunk: %v", err)
		}
	}
	if !complete {
		t.Fatal("expected receiver to report completion after all chunks")
	}

	reconstructed, err := receiver.Finalize(recv)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !bytesEqual(reconstructed, data) {
		t.Error("reconstructed bytes do not match original")
	}
	if recv.State != StateDone {
		t.Errorf("receiver state = %v, want Done", recv.State)
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestFinalizeRejectsCorruptedFile(t *testing.T) {
	data := []byte("some file contents")
	recv := NewSession("sess-2", "a.tex", hashOf(data), int64(len(data)), 8, 0, DirectionReceive)
	receiver := NewReceiver()

	corrupted := append([]byte(nil), data...)
	corrupted[0] ^= 0xFF

	chunk := Chunk{SessionID: "sess-2", FileName: "a.tex", ChunkIndex: 0, TotalChunks: uint32(recv.TotalChunks), Data: corrupted[:8]}
	if _, err := receiver.AcceptChunk(recv, chunk); err != nil {
		t.Fatal(err)
	}
	for i := 1; i < recv.TotalChunks; i++ {
		start := i * 8
		end := start + 8
		if end > len(corrupted) {
			end = len(corrupted)
		}
		c := Chunk{SessionID: "sess-2", FileName: "a.tex", ChunkIndex: uint32(i), TotalChunks: uint32(recv.TotalChunks), Data: corrupted[start:end]}
		if _, err := receiver.AcceptChunk(recv, c); err != nil {
			t.Fatal(err)
		}
	}

	_, err := receiver.Finalize(recv)
	var mismatch *ErrIntegrityMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected ErrIntegrityMismatch, got %v", err)
	}
	if recv.State != StateFailed {
		t.Errorf("state = %v, want Failed", recv.State)
	}
}

func TestSendFileRetriesThenFails(t *testing.T) {
	data := make([]byte, 100)
	sess := NewSession("sess-3", "f.scd", hashOf(data), int64(len(data)), 50, 0, DirectionSend)
	sender := &flakySender{failCount: 999}

	err := SendFile(context.Background(), sender, sess, data)
	var exhausted *ErrSendExhausted
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ErrSendExhausted, got %v", err)
	}
	if sess.State != StateFailed {
		t.Errorf("state = %v, want Failed", sess.State)
	}
	if sender.calls != len(backoffSchedule) {
		t.Errorf("calls = %d, want %d", sender.calls, len(backoffSchedule))
	}
}

func TestSendFileRecoversWithinRetryBudget(t *testing.T) {
	data := make([]byte, 50)
	sess := NewSession("sess-4", "f.skp", hashOf(data), int64(len(data)), 50, 0, DirectionSend)
	sender := &flakySender{failCount: 2}

	if err := SendFile(context.Background(), sender, sess, data); err != nil {
		t.Fatalf("expected eventual success within retry budget, got %v", err)
	}
}

func TestSessionStoreSweepStale(t *testing.T) {
	store := NewStore()
	sess := NewSession("sess-5", "old.pap", "H", 100, 50, 0, DirectionSend)
	store.Put(sess)

	if removed := store.SweepStale(time.Hour); removed != 0 {
		t.Errorf("expected no removal before aging, got %d", removed)
	}

	sess.LastActivity = time.Now().Add(-time.Hour * 2)
	if removed := store.SweepStale(time.Hour); removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if _, ok := store.Get("sess-5", "old.pap"); ok {
		t.Error("expected session removed from store")
	}
}

func TestBitmapTracksCompletionAndMissing(t *testing.T) {
	b := NewBitmap(5)
	if b.Complete() {
		t.Fatal("expected incomplete bitmap")
	}
	for _, i := range []int{0, 1, 3} {
		if !b.Set(i) {
			t.Errorf("Set(%d) should report newly-set", i)
		}
	}
	if b.Set(0) {
		t.Error("re-setting an already-set bit should report false")
	}
	missing := b.Missing()
	if len(missing) != 2 || missing[0] != 2 || missing[1] != 4 {
		t.Errorf("Missing() = %v, want [2 4]", missing)
	}
	b.Set(2)
	b.Set(4)
	if !b.Complete() {
		t.Error("expected bitmap complete after all bits set")
	}
}

func TestPersistentStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenPersistentStore(filepath.Join(dir, "transfer.db"))
	if err != nil {
		t.Fatalf("OpenPersistentStore: %v", err)
	}
	defer store.Close()

	sess := NewSession("sess-6", "b.eid", "HASHVAL", 1000, 100, 1, DirectionReceive)
	if err := store.SaveSession(sess); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}

	loaded, err := store.LoadSession("sess-6", "b.eid")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if loaded == nil || loaded.FileHash != "HASHVAL" || loaded.TotalChunks != sess.TotalChunks {
		t.Errorf("loaded session mismatch: %+v", loaded)
	}

	bitmap := NewBitmap(sess.TotalChunks)
	bitmap.Set(0)
	bitmap.Set(2)
	if err := store.SaveBitmap("sess-6", "b.eid", bitmap); err != nil {
		t.Fatalf("SaveBitmap: %v", err)
	}

	restored := NewBitmap(sess.TotalChunks)
	found, err := store.LoadBitmap("sess-6", "b.eid", restored)
	if err != nil || !found {
		t.Fatalf("LoadBitmap: found=%v err=%v", found, err)
	}
	if restored.Count() != 2 || !restored.IsSet(0) || !restored.IsSet(2) {
		t.Errorf("restored bitmap mismatch: count=%d", restored.Count())
	}

	if err := store.DeleteSession("sess-6", "b.eid"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if loaded, _ := store.LoadSession("sess-6", "b.eid"); loaded != nil {
		t.Error("expected session removed after DeleteSession")
	}
}

func TestSendFileEmitsParityAndReceiverReconstructsLostChunk(t *testing.T) {
	// 3 full parity groups (ParityGroupSize=8) worth of 16KiB chunks.
	data := make([]byte, ParityGroupSize*3*16*1024)
	rand.New(rand.NewSource(7)).Read(data)
	fileHash := hashOf(data)

	send := NewSession("sess-fec", "big.mdl", fileHash, int64(len(data)), 16*1024, 0, DirectionSend)
	sender := &recordingSender{}
	if err := SendFile(context.Background(), sender, send, data); err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	recv := NewSession("sess-fec", "big.mdl", fileHash, int64(len(data)), 16*1024, 0, DirectionReceive)
	receiver := NewReceiver()

	const droppedIndex = 3 // within group 0

	var sawParity bool
	for _, frame := range sender.out {
		chunk, err := DecodeFCHK(frame)
		if err != nil {
			t.Fatalf("DecodeFCHK: %v", err)
		}
		if IsParityChunk(recv, chunk) {
			sawParity = true
		}
		if chunk.ChunkIndex == droppedIndex {
			continue // simulate loss
		}
		if _, err := receiver.AcceptChunk(recv, chunk); err != nil {
			t.Fatalf("AcceptChunk: %v", err)
		}
	}
	if !sawParity {
		t.Fatal("expected SendFile to emit at least one parity frame")
	}

	recovered, err := receiver.Reconstruct(recv, parityGroupOf(droppedIndex))
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	if len(recovered) != 1 || recovered[0] != droppedIndex {
		t.Fatalf("recovered = %v, want [%d]", recovered, droppedIndex)
	}

	reconstructed, err := receiver.Finalize(recv)
	if err != nil {
		t.Fatalf("Finalize after reconstruction: %v", err)
	}
	if !bytesEqual(reconstructed, data) {
		t.Error("reconstructed bytes do not match original after parity recovery")
	}
}
