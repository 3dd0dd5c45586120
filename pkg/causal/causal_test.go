package causal

import (
	"testing"

	"github.com/jabolina/go-substrate/pkg/transport"
)

type recordingNet struct {
	sent []Clocked[string, Lamport]
}

func (r *recordingNet) Send(dest transport.Destination, msg Clocked[string, Lamport]) error {
	r.sent = append(r.sent, msg)
	return nil
}

func TestCausalSendIsStampedWithCurrentClockWhenIdle(t *testing.T) {
	net := &recordingNet{}
	var delivered []Clocked[string, Lamport]
	c := New[string, Lamport](LamportClockService{Pid: 1}, net, func(m Clocked[string, Lamport]) error {
		delivered = append(delivered, m)
		return nil
	}, Lamport{})

	if err := c.Send(transport.ToAll{}, "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(net.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(net.sent))
	}
	if net.sent[0].Clock != c.Current() {
		t.Fatalf("sent clock %v does not match current clock %v", net.sent[0].Clock, c.Current())
	}
}

func TestCausalRecvHoldsMessageUntilClockUpdateCompletes(t *testing.T) {
	net := &recordingNet{}
	var delivered []Clocked[string, Lamport]
	c := New[string, Lamport](LamportClockService{Pid: 1}, net, func(m Clocked[string, Lamport]) error {
		delivered = append(delivered, m)
		return nil
	}, Lamport{})

	remote := Lamport{Counter: 5, Pid: 2}
	if err := c.Recv(remote, "world"); err != nil {
		t.Fatalf("recv: %v", err)
	}
	if len(delivered) != 1 {
		t.Fatalf("expected message to be delivered after its clock update, got %d deliveries", len(delivered))
	}
	if delivered[0].Inner != "world" {
		t.Fatalf("delivered %q want %q", delivered[0].Inner, "world")
	}
	if c.Current().Counter <= remote.Counter {
		t.Fatalf("local clock %v did not advance past remote clock %v", c.Current(), remote)
	}
}

func TestThreeConcurrentMessagesDeliverInFIFOOrder(t *testing.T) {
	net := &recordingNet{}
	var delivered []Clocked[string, Lamport]
	c := New[string, Lamport](LamportClockService{Pid: 1}, net, func(m Clocked[string, Lamport]) error {
		delivered = append(delivered, m)
		return nil
	}, Lamport{})

	remotes := []Lamport{
		{Counter: 3, Pid: 2},
		{Counter: 5, Pid: 3},
		{Counter: 1, Pid: 4},
	}
	msgs := []string{"a", "b", "c"}
	for i, remote := range remotes {
		if err := c.Recv(remote, msgs[i]); err != nil {
			t.Fatalf("recv %s: %v", msgs[i], err)
		}
	}

	if len(delivered) != 3 {
		t.Fatalf("expected all 3 concurrent messages delivered, got %d", len(delivered))
	}
	for i, want := range msgs {
		if delivered[i].Inner != want {
			t.Fatalf("delivery %d = %q, want %q: concurrent arrivals must deliver in FIFO order", i, delivered[i].Inner, want)
		}
	}
	for _, remote := range remotes {
		if !remote.LessEqual(c.Current()) {
			t.Fatalf("final clock %v does not dominate received clock %v", c.Current(), remote)
		}
	}
}

func TestEgressNeverPredatesLatestReceivedClock(t *testing.T) {
	net := &recordingNet{}
	c := New[string, Lamport](LamportClockService{Pid: 1}, net, func(Clocked[string, Lamport]) error {
		return nil
	}, Lamport{})

	remote := Lamport{Counter: 100, Pid: 9}
	if err := c.Recv(remote, "ping"); err != nil {
		t.Fatalf("recv: %v", err)
	}
	if err := c.Send(transport.ToAll{}, "pong"); err != nil {
		t.Fatalf("send: %v", err)
	}
	last := net.sent[len(net.sent)-1]
	if !remote.LessEqual(last.Clock) {
		t.Fatalf("egress clock %v does not dominate latest received clock %v", last.Clock, remote)
	}
}
