package transport

import (
	"context"
	"errors"
	"testing"
)

func TestLoopbackRequestReply(t *testing.T) {
	router := NewLoopbackRouter()
	a := router.Attach("a")
	b := router.Attach("b")

	b.Handle(MsgIdentifyRequest, func(ctx context.Context, from string, env Envelope) (*Envelope, error) {
		if from != "a" {
			t.Errorf("expected sender a, got %s", from)
		}
		return &Envelope{
			Type:             MsgIdentifyResponse,
			IdentifyResponse: &IdentifyResponse{PeerID: "b", Role: "manager"},
		}, nil
	})

	reply, err := a.Request(context.Background(), "b", Envelope{
		Type:            MsgIdentifyRequest,
		IdentifyRequest: &IdentifyRequest{},
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.IdentifyResponse == nil || reply.IdentifyResponse.PeerID != "b" {
		t.Fatalf("unexpected reply %+v", reply)
	}
}

func TestLoopbackUnknownPeer(t *testing.T) {
	router := NewLoopbackRouter()
	a := router.Attach("a")

	err := a.Send(context.Background(), "ghost", Envelope{Type: MsgTask})
	if !errors.Is(err, ErrPeerUnknown) {
		t.Fatalf("expected ErrPeerUnknown, got %v", err)
	}
}

func TestLoopbackNoHandler(t *testing.T) {
	router := NewLoopbackRouter()
	a := router.Attach("a")
	router.Attach("b")

	err := a.Send(context.Background(), "b", Envelope{Type: MsgTask})
	if !errors.Is(err, ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler, got %v", err)
	}
}

func TestLoopbackDetachOnClose(t *testing.T) {
	router := NewLoopbackRouter()
	a := router.Attach("a")
	b := router.Attach("b")
	b.Handle(MsgTask, func(ctx context.Context, from string, env Envelope) (*Envelope, error) {
		return nil, nil
	})

	if err := a.Send(context.Background(), "b", Envelope{Type: MsgTask}); err != nil {
		t.Fatalf("send before close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Send(context.Background(), "b", Envelope{Type: MsgTask}); !errors.Is(err, ErrPeerUnknown) {
		t.Fatalf("expected ErrPeerUnknown after close, got %v", err)
	}
}
