package transport

import (
	"net"
	"testing"
	"time"

	"github.com/jabolina/go-substrate/internal/logging"
)

func startControl(t *testing.T, onBuf func(from Addr, payload []byte)) (*Control, Addr, func()) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	self := Addr(listener.Addr().String())
	c := NewControl(self, onBuf, logging.Noop{}, nil)
	go func() { _ = c.Serve(listener) }()
	return c, self, func() {
		c.Close()
		_ = listener.Close()
	}
}

func TestTCPSendReceiveRoundTrip(t *testing.T) {
	received := make(chan []byte, 1)
	b, bAddr, closeB := startControl(t, func(from Addr, payload []byte) {
		received <- payload
	})
	defer closeB()

	a, _, closeA := startControl(t, func(Addr, []byte) {})
	defer closeA()

	a.Send(bAddr, []byte("hello"))

	select {
	case got := <-received:
		if string(got) != "hello" {
			t.Fatalf("got %q want %q", got, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	_ = b
}

func TestTCPConnectionIsReusedForSecondSend(t *testing.T) {
	received := make(chan []byte, 4)
	b, bAddr, closeB := startControl(t, func(from Addr, payload []byte) {
		received <- payload
	})
	defer closeB()

	a, _, closeA := startControl(t, func(Addr, []byte) {})
	defer closeA()

	a.Send(bAddr, []byte("m1"))
	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out on first message")
	}

	a.mu.Lock()
	_, cached := a.table.Get(bAddr)
	a.mu.Unlock()
	if !cached {
		t.Fatal("expected an entry to be cached for the destination after the first send")
	}

	a.Send(bAddr, []byte("m2"))
	select {
	case got := <-received:
		if string(got) != "m2" {
			t.Fatalf("got %q want %q", got, "m2")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out on second message")
	}
}

func TestMalformedPreambleIsTreatedAsIncomingOnly(t *testing.T) {
	received := make(chan []byte, 1)
	b, _, closeB := startControl(t, func(from Addr, payload []byte) {
		received <- payload
	})
	defer closeB()

	listenerAddr := b.selfAddr
	conn, err := net.DialTimeout("tcp", string(listenerAddr), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	garbage := EncodePreamble("not-a-socket-address")
	if _, err := conn.Write(garbage[:]); err != nil {
		t.Fatalf("write garbage preamble: %v", err)
	}
	if err := WriteFrame(conn, []byte("hello")); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "hello" {
			t.Fatalf("got %q want %q", got, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message despite malformed preamble")
	}

	b.mu.Lock()
	_, cached := b.table.Get(Addr("not-a-socket-address"))
	b.mu.Unlock()
	if cached {
		t.Fatal("a preamble that doesn't parse as a socket address must not be installed into the connection table")
	}
}

func TestSaturatedTableDropsSendWhenLRUEntryIsFresh(t *testing.T) {
	c := NewControl("127.0.0.1:1", func(Addr, []byte) {}, logging.Noop{}, nil)
	for i := 0; i < TableSize; i++ {
		c.table.Add(Addr(string(rune(i))+":1"), &connEntry{
			writeCh: make(chan []byte, 1),
			usedAt:  time.Now(),
		})
	}
	c.Send("new-destination:1", []byte("x"))
	if c.table.Len() != TableSize {
		t.Fatalf("table length changed to %d, expected saturated send to be dropped without eviction", c.table.Len())
	}
}
