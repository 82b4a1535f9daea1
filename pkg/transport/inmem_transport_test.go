package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/salahayoub/vpncluster/api"
)

func answerVotes(tr *InmemTransport, stop <-chan struct{}) {
	go func() {
		for {
			select {
			case rpc := <-tr.Consumer():
				req := rpc.Request.(*api.VoteRequest)
				rpc.Respond(&api.VoteResponse{Term: req.Term, VoteGranted: true}, nil)
			case <-stop:
				return
			}
		}
	}()
}

func TestInmemTransport_Partition(t *testing.T) {
	network := NewInmemNetwork()
	a := network.NewTransport("a")
	b := network.NewTransport("b")
	defer a.Close()
	defer b.Close()

	stop := make(chan struct{})
	defer close(stop)
	answerVotes(b, stop)

	ctx := context.Background()
	if _, err := a.SendRequestVote(ctx, "b", &api.VoteRequest{Term: 1}); err != nil {
		t.Fatalf("SendRequestVote on healthy link failed: %v", err)
	}

	network.Disconnect("a", "b")
	if _, err := a.SendRequestVote(ctx, "b", &api.VoteRequest{Term: 2}); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("Expected ErrUnreachable across partition, got %v", err)
	}

	network.Reconnect("a", "b")
	network.Isolate("b")
	if _, err := a.SendRequestVote(ctx, "b", &api.VoteRequest{Term: 3}); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("Expected ErrUnreachable to isolated node, got %v", err)
	}

	network.Heal()
	resp, err := a.SendRequestVote(ctx, "b", &api.VoteRequest{Term: 4})
	if err != nil {
		t.Fatalf("SendRequestVote after heal failed: %v", err)
	}
	if resp.Term != 4 {
		t.Errorf("Expected term 4, got %d", resp.Term)
	}
}

func TestInmemTransport_ResolvesNodeIDs(t *testing.T) {
	network := NewInmemNetwork()
	a := network.NewTransport("10.0.0.1")
	b := network.NewTransport("10.0.0.2")
	defer a.Close()
	defer b.Close()

	stop := make(chan struct{})
	defer close(stop)
	answerVotes(b, stop)

	a.SetPeer("node-b", "10.0.0.2")
	if _, err := a.SendRequestVote(context.Background(), "node-b", &api.VoteRequest{Term: 1}); err != nil {
		t.Fatalf("SendRequestVote by node id failed: %v", err)
	}

	a.RemovePeer("node-b")
	if _, err := a.SendRequestVote(context.Background(), "node-b", &api.VoteRequest{Term: 1}); !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Expected ErrConnectionFailed for unknown node, got %v", err)
	}
}

func TestInmemTransport_TimeoutWithoutConsumer(t *testing.T) {
	network := NewInmemNetwork()
	a := network.NewTransport("a")
	b := network.NewTransport("b")
	defer a.Close()
	defer b.Close()
	a.SetTimeout(20 * time.Millisecond)

	_, err := a.SendHeartbeat(context.Background(), "b", &api.HeartbeatRequest{NodeID: "a"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected deadline exceeded, got %v", err)
	}
}

func TestInmemTransport_ClosedPeer(t *testing.T) {
	network := NewInmemNetwork()
	a := network.NewTransport("a")
	b := network.NewTransport("b")
	defer a.Close()

	b.Close()
	if _, err := a.SendRequestVote(context.Background(), "b", &api.VoteRequest{Term: 1}); err == nil {
		t.Fatal("Expected error sending to closed peer")
	}
	if _, err := b.SendRequestVote(context.Background(), "a", &api.VoteRequest{Term: 1}); !errors.Is(err, ErrTransportClosed) {
		t.Fatalf("Expected ErrTransportClosed from closed transport, got %v", err)
	}
}
