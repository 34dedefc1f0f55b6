package transfer

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// fchkMagic is the 4-byte marker for the optional binary on-wire form
// of bulk file chunks (spec.md §4.7). Receivers MUST accept it even
// though JSON FileChunkMessage remains the default.
var fchkMagic = [4]byte{'F', 'C', 'H', 'K'}

// Chunk mirrors spec.md §3's FileChunk.
type Chunk struct {
	SessionID    string
	FileName     string
	FileHash     string
	ChunkIndex   uint32
	TotalChunks  uint32
	ChannelIndex uint32
	Data         []byte
}

func writeLPString(buf *bytes.Buffer, s string) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

func writeLPBytes(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

// EncodeFCHK serializes a Chunk into the binary FCHK wire form.
func EncodeFCHK(c Chunk) []byte {
	var buf bytes.Buffer
	buf.Write(fchkMagic[:])
	writeLPString(&buf, c.SessionID)

	var u32 [4]byte
	binary.LittleEndian.PutUint32(u32[:], c.ChunkIndex)
	buf.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], c.TotalChunks)
	buf.Write(u32[:])
	binary.LittleEndian.PutUint32(u32[:], c.ChannelIndex)
	buf.Write(u32[:])

	writeLPString(&buf, c.FileName)
	writeLPString(&buf, c.FileHash)
	writeLPBytes(&buf, c.Data)

	return buf.Bytes()
}

// IsFCHK reports whether buf begins with the FCHK magic marker.
func IsFCHK(buf []byte) bool {
	return len(buf) >= 4 && bytes.Equal(buf[:4], fchkMagic[:])
}

func readLPString(r *bytes.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := r.Read(lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if _, err := r.Read(data); err != nil {
		return "", err
	}
	return string(data), nil
}

func readLPBytes(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := r.Read(lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	data := make([]byte, n)
	if n > 0 {
		if _, err := r.Read(data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// DecodeFCHK parses a buffer previously produced by EncodeFCHK.
func DecodeFCHK(buf []byte) (Chunk, error) {
	if !IsFCHK(buf) {
		return Chunk{}, fmt.Errorf("transfer: not an FCHK frame")
	}
	r := bytes.NewReader(buf[4:])

	sessionID, err := readLPString(r)
	if err != nil {
		return Chunk{}, fmt.Errorf("transfer: decode session_id: %w", err)
	}

	var u32 [4]byte
	if _, err := r.Read(u32[:]); err != nil {
		return Chunk{}, fmt.Errorf("transfer: decode chunk_index: %w", err)
	}
	chunkIndex := binary.LittleEndian.Uint32(u32[:])
	if _, err := r.Read(u32[:]); err != nil {
		return Chunk{}, fmt.Errorf("transfer: decode total_chunks: %w", err)
	}
	totalChunks := binary.LittleEndian.Uint32(u32[:])
	if _, err := r.Read(u32[:]); err != nil {
		return Chunk{}, fmt.Errorf("transfer: decode channel_index: %w", err)
	}
	channelIndex := binary.LittleEndian.Uint32(u32[:])

	fileName, err := readLPString(r)
	if err != nil {
		return Chunk{}, fmt.Errorf("transfer: decode file_name: %w", err)
	}
	fileHash, err := readLPString(r)
	if err != nil {
		return Chunk{}, fmt.Errorf("transfer: decode file_hash: %w", err)
	}
	data, err := readLPBytes(r)
	if err != nil {
		return Chunk{}, fmt.Errorf("transfer: decode data: %w", err)
	}

	return Chunk{
		SessionID:    sessionID,
		FileName:     fileName,
		FileHash:     fileHash,
		ChunkIndex:   chunkIndex,
		TotalChunks:  totalChunks,
		ChannelIndex: channelIndex,
		Data:         data,
	}, nil
}
