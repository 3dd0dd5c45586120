package transport

import (
	"io"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jabolina/go-substrate/internal/logging"
	"github.com/jabolina/go-substrate/internal/metrics"
)

// TableSize is the bound on concurrently cached connections, per
// spec.md §3 "TCP connection table".
const TableSize = 1024

// MinIdle is the minimum time an entry must sit unused before it becomes
// eligible for eviction to make room for a new destination.
const MinIdle = 15 * time.Second

type connEntry struct {
	conn    net.Conn
	writeCh chan []byte
	mu      sync.Mutex
	usedAt  time.Time
}

func (e *connEntry) touch() {
	e.mu.Lock()
	e.usedAt = time.Now()
	e.mu.Unlock()
}

func (e *connEntry) idleFor() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Since(e.usedAt)
}

// Control is the TCP control actor: it owns the connection table, dials
// new outgoing connections, accepts incoming ones, and frames/deframes
// payloads. Grounded on original_source/src/net/session.rs.
type Control struct {
	selfAddr Addr
	log      logging.Logger
	metrics  *metrics.Registry
	onBuf    func(from Addr, payload []byte)

	mu      sync.Mutex
	table   *lru.Cache[Addr, *connEntry]
	dialing map[Addr]bool
}

// NewControl constructs a Control that advertises selfAddr in its
// preamble (Wildcard if this process exposes no listener) and delivers
// deframed payloads to onBuf.
func NewControl(selfAddr Addr, onBuf func(from Addr, payload []byte), log logging.Logger, reg *metrics.Registry) *Control {
	cache, _ := lru.New[Addr, *connEntry](TableSize)
	return &Control{
		selfAddr: selfAddr,
		log:      log,
		metrics:  reg,
		onBuf:    onBuf,
		table:    cache,
		dialing:  make(map[Addr]bool),
	}
}

// Serve accepts connections on listener until Accept errors, for instance
// because the listener is closed.
func (c *Control) Serve(listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		go c.acceptConn(conn)
	}
}

func (c *Control) acceptConn(conn net.Conn) {
	var preambleBuf [PreambleLen]byte
	if _, err := io.ReadFull(conn, preambleBuf[:]); err != nil {
		c.log.Warnf("tcp: read preamble from %s: %v", conn.RemoteAddr(), err)
		_ = conn.Close()
		return
	}
	remote := DecodePreamble(preambleBuf)

	if remote == "" || remote == Wildcard || !looksLikeSocketAddr(remote) {
		if remote != "" && remote != Wildcard {
			c.log.Warnf("tcp: preamble %q from %s does not parse as an address, treating as incoming-only", remote, conn.RemoteAddr())
		}
		// incoming-only: no reusable listening address advertised, do not
		// install into the table (spec.md §4.3 "Preamble", SPEC_FULL.md §4
		// "a preamble that fails to parse as a socket address" is handled
		// the same as the wildcard).
		c.readLoop(Addr(conn.RemoteAddr().String()), conn, nil)
		return
	}

	entry := &connEntry{conn: conn, writeCh: make(chan []byte, 256), usedAt: time.Now()}
	c.mu.Lock()
	// latest inbound wins: a race producing two connections between the
	// same pair converges by always accepting the newest one
	// (spec.md §4.3 "Connection table").
	if old, ok := c.table.Peek(remote); ok {
		close(old.writeCh)
	}
	c.table.Add(remote, entry)
	if c.metrics != nil {
		c.metrics.ConnectionsLive.Set(float64(c.table.Len()))
	}
	c.mu.Unlock()

	go c.writeLoop(entry)
	c.readLoop(remote, conn, entry)
}

// looksLikeSocketAddr reports whether addr parses as a host:port socket
// address, the same validation original_source/src/net/session.rs applies
// to an inbound preamble before trusting it as a reusable destination.
func looksLikeSocketAddr(addr Addr) bool {
	_, err := net.ResolveTCPAddr("tcp", string(addr))
	return err == nil
}

func (c *Control) readLoop(remote Addr, conn net.Conn, entry *connEntry) {
	defer func() {
		_ = conn.Close()
		if entry != nil {
			c.mu.Lock()
			if cur, ok := c.table.Peek(remote); ok && cur == entry {
				c.table.Remove(remote)
				if c.metrics != nil {
					c.metrics.ConnectionsLive.Set(float64(c.table.Len()))
				}
			}
			c.mu.Unlock()
			close(entry.writeCh)
		}
	}()
	for {
		payload, err := ReadFrame(conn)
		if err != nil {
			if err != io.EOF {
				c.log.Warnf("tcp: read from %s: %v", remote, err)
			}
			return
		}
		if entry != nil {
			entry.touch()
		}
		c.onBuf(remote, payload)
	}
}

func (c *Control) writeLoop(entry *connEntry) {
	for payload := range entry.writeCh {
		if err := WriteFrame(entry.conn, payload); err != nil {
			c.log.Warnf("tcp: write: %v", err)
			return
		}
		entry.touch()
	}
}

// Send frames and delivers payload to dst, reusing a cached connection
// when one exists or dialing a new one asynchronously otherwise. When the
// table is saturated and the least-recently-used entry has been touched
// within MinIdle, the send is dropped rather than evicting an active
// connection (spec.md §3 "TCP connection table").
func (c *Control) Send(dst Addr, payload []byte) {
	c.mu.Lock()
	entry, ok := c.table.Get(dst)
	c.mu.Unlock()
	if ok {
		entry.enqueue(payload)
		return
	}

	c.mu.Lock()
	if c.dialing[dst] {
		c.mu.Unlock()
		// a dial is already in flight for this destination; the payload
		// racing ahead of connection establishment is dropped, matching
		// the unreliable-messaging posture the rest of the system assumes.
		c.log.Debugf("tcp: dial to %s already in flight, dropping send", dst)
		return
	}
	if !c.reserveRoomLocked() {
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.SendsDropped.Inc()
		}
		c.log.Warnf("tcp: connection table saturated, dropping send to %s", dst)
		return
	}
	c.dialing[dst] = true
	c.mu.Unlock()

	go c.dialAndSend(dst, payload)
}

// reserveRoomLocked must be called with c.mu held. It reports whether the
// table has (or was made to have) room for a new destination.
func (c *Control) reserveRoomLocked() bool {
	if c.table.Len() < TableSize {
		return true
	}
	_, oldest, ok := c.table.GetOldest()
	if !ok {
		return true
	}
	if oldest.idleFor() < MinIdle {
		return false
	}
	c.table.RemoveOldest()
	if c.metrics != nil {
		c.metrics.ConnectionsEvicted.Inc()
	}
	return true
}

func (c *Control) dialAndSend(dst Addr, payload []byte) {
	defer func() {
		c.mu.Lock()
		delete(c.dialing, dst)
		c.mu.Unlock()
	}()

	conn, err := net.DialTimeout("tcp", string(dst), 5*time.Second)
	if err != nil {
		c.log.Warnf("tcp: dial %s: %v", dst, err)
		return
	}
	preamble := EncodePreamble(c.selfAddr)
	if _, err := conn.Write(preamble[:]); err != nil {
		c.log.Warnf("tcp: send preamble to %s: %v", dst, err)
		_ = conn.Close()
		return
	}

	entry := &connEntry{conn: conn, writeCh: make(chan []byte, 256), usedAt: time.Now()}
	c.mu.Lock()
	if old, ok := c.table.Peek(dst); ok {
		close(old.writeCh)
	}
	c.table.Add(dst, entry)
	if c.metrics != nil {
		c.metrics.ConnectionsLive.Set(float64(c.table.Len()))
	}
	c.mu.Unlock()

	go c.writeLoop(entry)
	entry.enqueue(payload)
	c.readLoop(dst, conn, entry)
}

func (e *connEntry) enqueue(payload []byte) {
	defer func() {
		// a closed writeCh means the connection tore down between lookup
		// and enqueue; the payload is simply dropped, consistent with the
		// unreliable-messaging posture above this layer.
		_ = recover()
	}()
	e.writeCh <- payload
	e.touch()
}

// Close closes every cached connection.
func (c *Control) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, addr := range c.table.Keys() {
		if entry, ok := c.table.Peek(addr); ok {
			_ = entry.conn.Close()
		}
	}
	c.table.Purge()
}
