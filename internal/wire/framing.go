// Package wire implements the framed, typed, length-chunked message
// protocol (spec.md §4.3-§4.6): a compression-flagged byte envelope,
// a closed set of JSON message kinds with a legacy shape-matching
// fallback, and a chunker/reassembler for oversized frames.
package wire

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	flagUncompressed byte = 0x00
	flagGzip         byte = 0x01

	// compressThreshold is the body size above which Encode gzips.
	compressThreshold = 1024
)

var (
	// ErrEmptyFrame is returned when decoding a zero-length buffer.
	ErrEmptyFrame = errors.New("wire: empty frame")
	// ErrTruncatedFrame is returned when a framed buffer is shorter than
	// its declared header requires.
	ErrTruncatedFrame = errors.New("wire: truncated frame")
)

// Encode wraps body (already-serialized JSON) in the framing envelope
// described in spec.md §4.3, gzip-compressing it when it exceeds
// compressThreshold bytes.
func Encode(body []byte) ([]byte, error) {
	if len(body) <= compressThreshold {
		out := make([]byte, 0, len(body)+1)
		out = append(out, flagUncompressed)
		out = append(out, body...)
		return out, nil
	}

	var compressed bytes.Buffer
	gw := gzip.NewWriter(&compressed)
	if _, err := gw.Write(body); err != nil {
		return nil, fmt.Errorf("wire: gzip write: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("wire: gzip close: %w", err)
	}

	out := make([]byte, 0, 5+compressed.Len())
	out = append(out, flagGzip)
	var sizeBuf [4]byte
	binary.LittleEndian.PutUint32(sizeBuf[:], uint32(len(body)))
	out = append(out, sizeBuf[:]...)
	out = append(out, compressed.Bytes()...)
	return out, nil
}

// Decode unwraps a framed buffer back to its JSON body. It also
// accepts unframed raw JSON (first byte '{' or '[') for legacy
// senders that never adopted the envelope, and strips embedded NUL
// bytes before returning.
func Decode(buf []byte) ([]byte, error) {
	if len(buf) == 0 {
		return nil, ErrEmptyFrame
	}

	if buf[0] == '{' || buf[0] == '[' {
		return stripNUL(buf), nil
	}

	flag := buf[0]
	rest := buf[1:]

	switch flag {
	case flagUncompressed:
		return stripNUL(rest), nil
	case flagGzip:
		if len(rest) < 4 {
			return nil, ErrTruncatedFrame
		}
		originalSize := binary.LittleEndian.Uint32(rest[:4])
		compressed := rest[4:]
		gr, err := gzip.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return nil, fmt.Errorf("wire: gzip reader: %w", err)
		}
		defer gr.Close()
		body, err := io.ReadAll(io.LimitReader(gr, int64(originalSize)+1))
		if err != nil {
			return nil, fmt.Errorf("wire: gzip read: %w", err)
		}
		return stripNUL(body), nil
	default:
		// Unknown flag byte: treat the whole buffer as legacy raw JSON,
		// matching the decoder's permissive legacy-shape posture.
		return stripNUL(buf), nil
	}
}

func stripNUL(b []byte) []byte {
	if !bytes.ContainsRune(b, 0) {
		return b
	}
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c == 0 {
			continue
		}
		out = append(out, c)
	}
	return out
}
