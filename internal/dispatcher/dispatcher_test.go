package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/syncmesh/modsync/internal/wire"
)

type fakeSender struct {
	mu  sync.Mutex
	out []*wire.Envelope
}

func (f *fakeSender) Send(env *wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.out = append(f.out, env)
	return nil
}

func (f *fakeSender) last() *wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.out) == 0 {
		return nil
	}
	return f.out[len(f.out)-1]
}

type erroringSender struct{}

func (erroringSender) Send(env *wire.Envelope) error { return errors.New("boom") }

func TestSendRequestCompletesOnMatchingResponse(t *testing.T) {
	sender := &fakeSender{}
	d := New(sender, nil)

	req := &wire.Envelope{Kind: wire.KindComponentRequest, MessageID: "req-1"}

	respCh := make(chan *wire.Envelope, 1)
	go func() {
		resp, err := d.SendRequest(context.Background(), req, time.Second)
		if err != nil {
			t.Errorf("SendRequest: %v", err)
		}
		respCh <- resp
	}()

	// give SendRequest a moment to register its slot.
	time.Sleep(10 * time.Millisecond)
	d.Dispatch(context.Background(), &wire.Envelope{
		Kind:       wire.KindComponentResponse,
		MessageID:  "resp-1",
		ResponseTo: "req-1",
	})

	select {
	case resp := <-respCh:
		if resp.MessageID != "resp-1" {
			t.Errorf("MessageID = %q, want resp-1", resp.MessageID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for SendRequest to complete")
	}

	if d.PendingCount() != 0 {
		t.Errorf("expected pending slot removed, got %d", d.PendingCount())
	}
}

func TestSendRequestTimesOut(t *testing.T) {
	sender := &fakeSender{}
	d := New(sender, nil)

	req := &wire.Envelope{Kind: wire.KindComponentRequest, MessageID: "req-timeout"}
	_, err := d.SendRequest(context.Background(), req, 20*time.Millisecond)
	var timeoutErr *ErrTimeout
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if d.PendingCount() != 0 {
		t.Errorf("expected pending slot removed after timeout, got %d", d.PendingCount())
	}
}

func TestSendRequestPropagatesSendFailure(t *testing.T) {
	d := New(erroringSender{}, nil)
	req := &wire.Envelope{Kind: wire.KindComponentRequest, MessageID: "req-fail"}
	if _, err := d.SendRequest(context.Background(), req, time.Second); err == nil {
		t.Fatal("expected error from failing sender")
	}
	if d.PendingCount() != 0 {
		t.Errorf("expected pending slot removed after send failure, got %d", d.PendingCount())
	}
}

func TestDispatchRoutesToHandlerAndSendsResponse(t *testing.T) {
	sender := &fakeSender{}
	d := New(sender, nil)

	d.RegisterHandler(wire.KindComponentRequest, func(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
		return &wire.Envelope{Kind: wire.KindComponentResponse, MessageID: "resp-x"}, nil
	})

	d.Dispatch(context.Background(), &wire.Envelope{Kind: wire.KindComponentRequest, MessageID: "req-x"})

	resp := sender.last()
	if resp == nil {
		t.Fatal("expected a response to be sent")
	}
	if resp.ResponseTo != "req-x" {
		t.Errorf("ResponseTo = %q, want req-x", resp.ResponseTo)
	}
}

func TestDispatchSurvivesHandlerPanic(t *testing.T) {
	sender := &fakeSender{}
	d := New(sender, nil)

	d.RegisterHandler(wire.KindComponentRequest, func(ctx context.Context, env *wire.Envelope) (*wire.Envelope, error) {
		panic("handler exploded")
	})

	// Must not panic or crash the test.
	d.Dispatch(context.Background(), &wire.Envelope{Kind: wire.KindComponentRequest, MessageID: "req-panic"})
}

func TestDispatchNoHandlerIsSafe(t *testing.T) {
	sender := &fakeSender{}
	d := New(sender, nil)
	d.Dispatch(context.Background(), &wire.Envelope{Kind: wire.KindReconnectOffer, MessageID: "req-unhandled"})
	if len(sender.out) != 0 {
		t.Errorf("expected no response sent for unregistered kind")
	}
}
