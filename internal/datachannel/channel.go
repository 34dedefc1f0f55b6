// Package datachannel provides the reference implementation of the
// DataChannel transport boundary spec.md §1 treats as opaque: a
// bidirectional, multi-sub-channel datagram transport between two
// peers. The engine itself only depends on the DataChannel interface;
// this package's QUIC adapter is one concrete choice grounded on the
// teacher's QUIC transport layer.
package datachannel

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/quic-go/quic-go"
)

// DataChannel is the external collaborator spec.md §1 and §6 name: a
// set of logically independent sub-channels over one underlying
// connection, each able to carry complete messages in order.
type DataChannel interface {
	// ChannelCount reports how many sub-channels were negotiated.
	ChannelCount() int
	// Send writes one complete message to channelIdx.
	Send(channelIdx int, data []byte) error
	// OnReceive registers the callback invoked for every message
	// arriving on any sub-channel. Only one callback is kept.
	OnReceive(fn func(channelIdx int, data []byte))
	// IsOpen reports whether the channel can still be used.
	IsOpen() bool
	// Close tears down every sub-channel and the underlying connection.
	Close() error
}

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:                10e9, // 10s, matches the teacher's transport defaults
		MaxIdleTimeout:                 60e9,
		InitialStreamReceiveWindow:     8 << 20,
		InitialConnectionReceiveWindow: 128 << 20,
	}
}

// QUICDataChannel implements DataChannel over a quic.Conn, mapping
// each logical sub-channel to its own QUIC stream opened up front
// (spec.md §6's channel negotiation: N streams, stream index ==
// channel index). QUIC streams are byte-oriented, so every message is
// length-prefixed with a 4-byte little-endian size header.
type QUICDataChannel struct {
	conn    *quic.Conn
	streams []*quic.Stream

	mu       sync.Mutex
	writeMus []sync.Mutex
	onRecv   func(channelIdx int, data []byte)
	closed   bool
}

// DialQUICDataChannel connects to addr and opens channelCount streams
// as the active side of the negotiation.
func DialQUICDataChannel(ctx context.Context, addr string, channelCount int, tlsConfig *tls.Config) (*QUICDataChannel, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("datachannel: dial: %w", err)
	}

	streams := make([]*quic.Stream, channelCount)
	for i := 0; i < channelCount; i++ {
		s, err := conn.OpenStreamSync(ctx)
		if err != nil {
			conn.CloseWithError(0, "open stream failed")
			return nil, fmt.Errorf("datachannel: open stream %d: %w", i, err)
		}
		streams[i] = s
	}

	return newQUICDataChannel(conn, streams), nil
}

// AcceptQUICDataChannel accepts channelCount streams on an already
// established connection, as the passive side of the negotiation.
func AcceptQUICDataChannel(ctx context.Context, conn *quic.Conn, channelCount int) (*QUICDataChannel, error) {
	streams := make([]*quic.Stream, channelCount)
	for i := 0; i < channelCount; i++ {
		s, err := conn.AcceptStream(ctx)
		if err != nil {
			conn.CloseWithError(0, "accept stream failed")
			return nil, fmt.Errorf("datachannel: accept stream %d: %w", i, err)
		}
		streams[i] = s
	}
	return newQUICDataChannel(conn, streams), nil
}

func newQUICDataChannel(conn *quic.Conn, streams []*quic.Stream) *QUICDataChannel {
	qc := &QUICDataChannel{
		conn:     conn,
		streams:  streams,
		writeMus: make([]sync.Mutex, len(streams)),
	}
	qc.startReaders()
	return qc
}

// ChannelCount reports the negotiated number of sub-channels.
func (q *QUICDataChannel) ChannelCount() int {
	return len(q.streams)
}

// Send writes one length-prefixed message to channelIdx's stream.
func (q *QUICDataChannel) Send(channelIdx int, data []byte) error {
	if channelIdx < 0 || channelIdx >= len(q.streams) {
		return fmt.Errorf("datachannel: channel index %d out of range", channelIdx)
	}
	q.writeMus[channelIdx].Lock()
	defer q.writeMus[channelIdx].Unlock()

	header := make([]byte, 4)
	binary.LittleEndian.PutUint32(header, uint32(len(data)))
	if _, err := q.streams[channelIdx].Write(header); err != nil {
		return fmt.Errorf("datachannel: write header on channel %d: %w", channelIdx, err)
	}
	if _, err := q.streams[channelIdx].Write(data); err != nil {
		return fmt.Errorf("datachannel: write body on channel %d: %w", channelIdx, err)
	}
	return nil
}

// OnReceive registers fn as the single inbound-message callback.
func (q *QUICDataChannel) OnReceive(fn func(channelIdx int, data []byte)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onRecv = fn
}

// IsOpen reports whether Close has not yet been called.
func (q *QUICDataChannel) IsOpen() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.closed
}

// Close tears down every stream and the underlying QUIC connection.
func (q *QUICDataChannel) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	for _, s := range q.streams {
		s.CancelRead(0)
		_ = s.Close()
	}
	return q.conn.CloseWithError(0, "datachannel closed")
}

func (q *QUICDataChannel) startReaders() {
	for i, s := range q.streams {
		go q.readLoop(i, s)
	}
}

func (q *QUICDataChannel) readLoop(channelIdx int, stream *quic.Stream) {
	header := make([]byte, 4)
	for {
		if _, err := io.ReadFull(stream, header); err != nil {
			return
		}
		size := binary.LittleEndian.Uint32(header)
		body := make([]byte, size)
		if _, err := io.ReadFull(stream, body); err != nil {
			return
		}

		q.mu.Lock()
		cb := q.onRecv
		q.mu.Unlock()
		if cb != nil {
			cb(channelIdx, body)
		}
	}
}

// Listener accepts incoming QUIC connections and negotiates a
// QUICDataChannel on each, mirroring the teacher's QUICListener.
type Listener struct {
	listener     *quic.Listener
	channelCount int
}

// Listen starts a QUIC listener on addr, binding channelCount as the
// number of sub-channels every accepted connection will negotiate.
func Listen(addr string, tlsConfig *tls.Config, channelCount int) (*Listener, error) {
	l, err := quic.ListenAddr(addr, tlsConfig, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("datachannel: listen: %w", err)
	}
	return &Listener{listener: l, channelCount: channelCount}, nil
}

// Accept blocks for the next incoming connection and negotiates its
// sub-channels as the passive side.
func (l *Listener) Accept(ctx context.Context) (*QUICDataChannel, error) {
	conn, err := l.listener.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("datachannel: accept: %w", err)
	}
	return AcceptQUICDataChannel(ctx, conn, l.channelCount)
}

// Close shuts down the listener.
func (l *Listener) Close() error {
	return l.listener.Close()
}

// Addr returns the listener's local network address.
func (l *Listener) Addr() string {
	return l.listener.Addr().String()
}
