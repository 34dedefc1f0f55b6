package wire

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestSplitReassembleRoundTrip(t *testing.T) {
	body := bytes.Repeat([]byte("abcdefgh"), 5000) // > one chunk
	chunks := Split("chunk-1", KindModDataResponse, map[string]string{"message_id": "m1"}, body, ControlChunkSize)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}

	reassembler := NewReassembler(ControlChunkSize)
	var result *Result
	for _, c := range chunks {
		r, done, err := reassembler.Accept(c)
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
		if done {
			result = r
		}
	}
	if result == nil {
		t.Fatal("expected reassembly to complete")
	}
	if !bytes.Equal(result.Body, body) {
		t.Errorf("reassembled body mismatch: got %d bytes, want %d", len(result.Body), len(body))
	}
}

func TestReassembleOutOfOrderChunks(t *testing.T) {
	body := bytes.Repeat([]byte("z"), ControlChunkSize*4-37)
	chunks := Split("chunk-s5", KindFileChunkMessage, nil, body, ControlChunkSize)
	if len(chunks) != 4 {
		t.Fatalf("expected 4 chunks, got %d", len(chunks))
	}

	order := []int{2, 0, 3, 1}
	reassembler := NewReassembler(ControlChunkSize)
	completions := 0
	var result *Result
	for _, idx := range order {
		r, done, err := reassembler.Accept(chunks[idx])
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
		if done {
			completions++
			result = r
		}
	}
	if completions != 1 {
		t.Fatalf("expected exactly one completion, got %d", completions)
	}
	if !bytes.Equal(result.Body, body) {
		t.Error("reassembled body does not match original")
	}
}

func TestReassembleRedeliveryIsNoOp(t *testing.T) {
	body := bytes.Repeat([]byte("q"), ControlChunkSize*2+10)
	chunks := Split("chunk-dup", KindFileChunkMessage, nil, body, ControlChunkSize)

	reassembler := NewReassembler(ControlChunkSize)
	if _, _, err := reassembler.Accept(chunks[0]); err != nil {
		t.Fatal(err)
	}
	if _, done, err := reassembler.Accept(chunks[0]); err != nil || done {
		t.Fatalf("expected no-op re-delivery, got done=%v err=%v", done, err)
	}
	if _, done, err := reassembler.Accept(chunks[1]); err != nil || done {
		t.Fatalf("unexpected completion after 2/3 chunks: done=%v err=%v", done, err)
	}
	r, done, err := reassembler.Accept(chunks[2])
	if err != nil || !done {
		t.Fatalf("expected completion on final chunk: done=%v err=%v", done, err)
	}
	if !bytes.Equal(r.Body, body) {
		t.Error("final reassembled body mismatch")
	}
}

func TestReassembleRejectsOutOfRangeIndex(t *testing.T) {
	reassembler := NewReassembler(ControlChunkSize)
	bad := ChunkedMessage{ChunkID: "bad", ChunkIndex: 5, TotalChunks: 2, ChunkData: []byte("x")}
	if _, _, err := reassembler.Accept(bad); err != ErrChunkOutOfRange {
		t.Errorf("expected ErrChunkOutOfRange, got %v", err)
	}
}

func TestReassembleRejectsEmptyData(t *testing.T) {
	reassembler := NewReassembler(ControlChunkSize)
	bad := ChunkedMessage{ChunkID: "bad2", ChunkIndex: 0, TotalChunks: 2, ChunkData: nil}
	if _, _, err := reassembler.Accept(bad); err != ErrChunkOutOfRange {
		t.Errorf("expected ErrChunkOutOfRange, got %v", err)
	}
}

func TestSplitReassembleRandomSizes(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		size := 1 + rng.Intn(10000)
		body := make([]byte, size)
		rng.Read(body)

		chunks := Split("trial", KindModDataResponse, nil, body, ControlChunkSize)
		reassembler := NewReassembler(ControlChunkSize)
		var result *Result
		for _, c := range chunks {
			r, done, err := reassembler.Accept(c)
			if err != nil {
				t.Fatalf("trial %d: Accept: %v", trial, err)
			}
			if done {
				result = r
			}
		}
		if result == nil {
			t.Fatalf("trial %d: never completed", trial)
		}
		if !bytes.Equal(result.Body, body) {
			t.Fatalf("trial %d: mismatch, got %d bytes want %d", trial, len(result.Body), len(body))
		}
	}
}
