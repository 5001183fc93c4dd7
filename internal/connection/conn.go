package connection

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/smukkama/job-server/internal/protocol"
)

var (
	ErrConnClosed = errors.New("connection closed")
)

// Conn wraps one peer socket with buffered packet reads and an
// outbound packet queue drained by a dedicated writer goroutine.
// Reads belong to the single handler goroutine that owns the
// connection; Enqueue may be called from any goroutine.
type Conn struct {
	ID string

	raw    net.Conn
	reader *bufio.Reader

	outbound chan *protocol.Packet
	closeCh  chan struct{}
	closed   sync.Once
	wg       sync.WaitGroup

	mu            sync.RWMutex
	clientID      string
	connectedAt   time.Time
	lastHeardFrom time.Time
}

const outboundQueueSize = 64

// New wraps a net.Conn and starts its writer goroutine.
func New(id string, raw net.Conn) *Conn {
	now := time.Now()
	c := &Conn{
		ID:            id,
		raw:           raw,
		reader:        bufio.NewReader(raw),
		outbound:      make(chan *protocol.Packet, outboundQueueSize),
		closeCh:       make(chan struct{}),
		connectedAt:   now,
		lastHeardFrom: now,
	}
	c.wg.Add(1)
	go c.writeLoop()
	return c
}

// ReadPacket reads the next packet from the peer.
func (c *Conn) ReadPacket() (*protocol.Packet, error) {
	p, err := protocol.Read(c.reader)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.lastHeardFrom = time.Now()
	c.mu.Unlock()
	return p, nil
}

// Enqueue queues a packet for delivery. It never blocks the caller
// beyond channel admission; delivery order is FIFO per connection.
func (c *Conn) Enqueue(p *protocol.Packet) error {
	select {
	case <-c.closeCh:
		return ErrConnClosed
	default:
	}
	select {
	case <-c.closeCh:
		return ErrConnClosed
	case c.outbound <- p:
		return nil
	}
}

// WriteLine writes a raw console line, bypassing the packet queue.
// Used only by the admin text protocol, which replies inline.
func (c *Conn) WriteLine(line string) error {
	_, err := c.raw.Write([]byte(line))
	return err
}

func (c *Conn) writeLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.closeCh:
			// Drain whatever was queued before the close.
			for {
				select {
				case p := <-c.outbound:
					if p.EncodeTo(c.raw) != nil {
						return
					}
				default:
					return
				}
			}
		case p := <-c.outbound:
			if err := p.EncodeTo(c.raw); err != nil {
				return
			}
		}
	}
}

// Close shuts the connection down. Safe to call more than once and
// from any goroutine; queued packets are flushed best-effort first.
func (c *Conn) Close() {
	c.closed.Do(func() {
		// Bound the writer's final drain so a stalled peer cannot
		// wedge shutdown.
		c.raw.SetWriteDeadline(time.Now().Add(5 * time.Second))
		close(c.closeCh)
		c.wg.Wait()
		c.raw.Close()
	})
}

// Done reports a channel closed when Close has been requested.
func (c *Conn) Done() <-chan struct{} {
	return c.closeCh
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

// SetClientID records the peer-chosen diagnostic identifier.
func (c *Conn) SetClientID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientID = id
}

// ClientID returns the peer-chosen diagnostic identifier, or "-".
func (c *Conn) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.clientID == "" {
		return "-"
	}
	return c.clientID
}

// LastHeardFrom returns the time of the last successful read.
func (c *Conn) LastHeardFrom() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeardFrom
}

// ConnectedAt returns when the connection was accepted.
func (c *Conn) ConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedAt
}
