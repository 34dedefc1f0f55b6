// Package dispatcher implements the protocol dispatcher (spec.md
// §4.6): request/response correlation via a pending_requests map, and
// kind-routed handler dispatch for everything else.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/syncmesh/modsync/internal/observability"
	"github.com/syncmesh/modsync/internal/wire"
)

// ErrTimeout is returned by SendRequest when no response arrives
// within the caller's timeout.
type ErrTimeout struct {
	MessageID string
}

func (e *ErrTimeout) Error() string {
	return fmt.Sprintf("dispatcher: request %s timed out", e.MessageID)
}

// Handler processes one incoming message. For request kinds it
// returns a non-nil response Envelope whose ResponseTo is set by the
// dispatcher before sending; handlers for event kinds return nil.
type Handler func(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error)

// Sender is the minimal outbound surface the dispatcher needs; it is
// satisfied by daemon/service's ChannelSender, which frames each
// envelope onto one DataChannel sub-channel.
type Sender interface {
	Send(env *wire.Envelope) error
}

// Dispatcher owns the pending_requests map (single coarse mutex, per
// spec.md §5) and a kind-keyed handler registry.
type Dispatcher struct {
	sender Sender
	logger *observability.Logger

	mu       sync.Mutex
	pending  map[string]chan *wire.Envelope
	handlers map[wire.Kind]Handler
}

// New creates a Dispatcher that sends outgoing messages via sender and
// logs handler/routing failures through logger.
func New(sender Sender, logger *observability.Logger) *Dispatcher {
	return &Dispatcher{
		sender:   sender,
		logger:   logger,
		pending:  make(map[string]chan *wire.Envelope),
		handlers: make(map[wire.Kind]Handler),
	}
}

// RegisterHandler installs the handler invoked for unsolicited
// messages of the given kind. Registering twice for the same kind
// replaces the previous handler.
func (d *Dispatcher) RegisterHandler(kind wire.Kind, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
}

// SendRequest registers a completion slot for msg's MessageID, sends
// it, and waits up to timeout for a correlated response. The slot is
// always removed, whether SendRequest returns a response, a timeout,
// or ctx is cancelled first.
func (d *Dispatcher) SendRequest(ctx context.Context, msg *wire.Envelope, timeout time.Duration) (*wire.Envelope, error) {
	slot := make(chan *wire.Envelope, 1)

	d.mu.Lock()
	d.pending[msg.MessageID] = slot
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.pending, msg.MessageID)
		d.mu.Unlock()
	}()

	if err := d.sender.Send(msg); err != nil {
		return nil, fmt.Errorf("dispatcher: send request %s: %w", msg.MessageID, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-slot:
		return resp, nil
	case <-timer.C:
		return nil, &ErrTimeout{MessageID: msg.MessageID}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dispatch routes one received, already-reassembled envelope: if its
// ResponseTo correlates to a pending request, the waiter is completed
// and dispatch stops there; otherwise the registered handler for its
// Kind runs, and any response it returns is sent back with ResponseTo
// set to the inbound message's MessageID.
//
// Handler panics and errors are caught and logged; they never kill
// the dispatcher or the session.
func (d *Dispatcher) Dispatch(ctx context.Context, env *wire.Envelope) {
	if env.ResponseTo != "" {
		d.mu.Lock()
		slot, ok := d.pending[env.ResponseTo]
		d.mu.Unlock()
		if ok {
			select {
			case slot <- env:
			default:
			}
			return
		}
	}

	d.mu.Lock()
	handler, ok := d.handlers[env.Kind]
	d.mu.Unlock()
	if !ok {
		if d.logger != nil {
			d.logger.Warn(fmt.Sprintf("dispatcher: no handler registered for kind %s", env.Kind))
		}
		return
	}

	d.runHandler(ctx, handler, env)
}

func (d *Dispatcher) runHandler(ctx context.Context, handler Handler, env *wire.Envelope) {
	defer func() {
		if r := recover(); r != nil && d.logger != nil {
			d.logger.Error(fmt.Errorf("panic: %v", r), fmt.Sprintf("dispatcher: handler panicked for kind %s", env.Kind))
		}
	}()

	resp, err := handler(ctx, env)
	if err != nil {
		if d.logger != nil {
			d.logger.Error(err, fmt.Sprintf("dispatcher: handler failed for kind %s", env.Kind))
		}
		return
	}
	if resp == nil {
		return
	}
	resp.ResponseTo = env.MessageID
	if err := d.sender.Send(resp); err != nil && d.logger != nil {
		d.logger.Error(err, fmt.Sprintf("dispatcher: failed to send handler response for kind %s", resp.Kind))
	}
}

// PendingCount reports how many requests are currently awaiting a
// response; used by tests and health checks.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
