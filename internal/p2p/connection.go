package p2p

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/satishbabariya/meshsync/internal/monitoring"
	"github.com/satishbabariya/meshsync/internal/protocol"
	"github.com/sirupsen/logrus"
)

var (
	// ErrTimeout is returned when no message arrived before the deadline.
	ErrTimeout = errors.New("timed out waiting for message")
	// ErrConnectionClosed is returned once the socket is gone.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrAlreadyEstablished is returned by a second MarkEstablished.
	ErrAlreadyEstablished = errors.New("connection already established")
	// ErrSelfConnect is returned when asked to dial the node's own address.
	ErrSelfConnect = errors.New("refusing to connect to self")
	// ErrAlreadyConnected is returned when a peer already has a connection.
	ErrAlreadyConnected = errors.New("already connected")
)

const (
	writeTimeout = 30 * time.Second
	// outboxSize bounds the messages queued for the writer goroutine.
	outboxSize = 64
	// handshakeLineLimit caps a line before the connection is established.
	handshakeLineLimit = 64 * 1024
)

var (
	idNode     *snowflake.Node
	idNodeOnce sync.Once
)

func nextID() snowflake.ID {
	idNodeOnce.Do(func() {
		node, err := snowflake.NewNode(int64(os.Getpid() % 1024))
		if err != nil {
			panic(fmt.Sprintf("snowflake node: %v", err))
		}
		idNode = node
	})
	return idNode.Generate()
}

// Direction tells who dialed.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// State is the lifecycle stage of a connection. Closed is terminal.
type State int

const (
	Pending State = iota
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	default:
		return "closed"
	}
}

// Handler receives every message read on an established connection.
type Handler interface {
	HandleMessage(c *Connection, msg protocol.Message)
}

// CloseFunc is notified once when a connection closes.
type CloseFunc func(c *Connection, reconnect bool)

// Connection is one socket to a peer. Messages are JSON lines.
type Connection struct {
	id        snowflake.ID
	conn      net.Conn
	direction Direction
	metrics   *monitoring.Metrics
	logger    *logrus.Entry

	readMu sync.Mutex
	reader *bufio.Reader

	writeMu sync.Mutex
	outbox  chan []byte

	mu        sync.Mutex
	state     State
	peer      protocol.HostPort
	since     time.Time
	reconnect bool
	lineLimit int
	onClose   []CloseFunc
	closed    chan struct{}
}

// NewConnection wraps conn in the pending state and starts its writer.
func NewConnection(conn net.Conn, direction Direction, metrics *monitoring.Metrics, logger *logrus.Entry) *Connection {
	id := nextID()
	c := &Connection{
		id:        id,
		conn:      conn,
		direction: direction,
		metrics:   metrics,
		logger: logger.WithFields(logrus.Fields{
			"conn_id":   id.String(),
			"direction": direction.String(),
			"remote":    conn.RemoteAddr().String(),
		}),
		reader:    bufio.NewReaderSize(conn, 64*1024),
		outbox:    make(chan []byte, outboxSize),
		state:     Pending,
		since:     time.Now(),
		lineLimit: handshakeLineLimit,
		closed:    make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *Connection) ID() string           { return c.id.String() }
func (c *Connection) Direction() Direction { return c.direction }
func (c *Connection) RemoteAddr() string   { return c.conn.RemoteAddr().String() }

// Done is closed when the connection closes.
func (c *Connection) Done() <-chan struct{} { return c.closed }

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Peer returns the identity set by MarkEstablished, or the zero value.
func (c *Connection) Peer() protocol.HostPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// Since returns when the connection reached its current state.
func (c *Connection) Since() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.since
}

func (c *Connection) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Active {
		return fmt.Sprintf("%s(%s)", c.direction, c.peer)
	}
	return fmt.Sprintf("%s(%s)", c.direction, c.conn.RemoteAddr())
}

// Send queues one message for the writer goroutine. If the queue stays full
// for writeTimeout the connection is closed with reconnect allowed.
func (c *Connection) Send(msg protocol.Message) error {
	if c.State() == Closed {
		return ErrConnectionClosed
	}
	line, err := marshalLine(msg)
	if err != nil {
		return err
	}

	select {
	case c.outbox <- line:
		return nil
	default:
	}

	timer := time.NewTimer(writeTimeout)
	defer timer.Stop()
	select {
	case c.outbox <- line:
		return nil
	case <-c.closed:
		return ErrConnectionClosed
	case <-timer.C:
		c.log().Warn("Outbound queue stalled, closing")
		c.Close(true)
		return ErrTimeout
	}
}

// SendNow writes msg before returning. It is meant for the last message
// before Close, which would otherwise drop anything still queued.
func (c *Connection) SendNow(msg protocol.Message) error {
	if c.State() == Closed {
		return ErrConnectionClosed
	}
	line, err := marshalLine(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	err = c.writeLine(line, writeTimeout)
	c.writeMu.Unlock()
	if err != nil {
		c.log().WithError(err).Debug("Write failed")
		c.Close(true)
		return err
	}
	return nil
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case line := <-c.outbox:
			c.writeMu.Lock()
			err := c.writeLine(line, writeTimeout)
			c.writeMu.Unlock()
			if err != nil {
				if c.State() != Closed {
					c.log().WithError(err).Debug("Write failed")
				}
				c.Close(true)
				return
			}
		}
	}
}

func marshalLine(msg protocol.Message) ([]byte, error) {
	line, err := protocol.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

// writeLine needs writeMu held.
func (c *Connection) writeLine(line []byte, timeout time.Duration) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	if _, err := c.conn.Write(line); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

// ReceiveOne blocks until one message arrives, timeout elapses (ErrTimeout),
// the socket closes (ErrConnectionClosed) or ctx is cancelled. A line that
// does not parse yields an error wrapping protocol.ErrInvalidProtocol.
func (c *Connection) ReceiveOne(ctx context.Context, timeout time.Duration) (protocol.Message, error) {
	line, err := c.readLine(ctx, timeout)
	if err != nil {
		return nil, err
	}
	return protocol.Parse(line)
}

func (c *Connection) readLine(ctx context.Context, timeout time.Duration) ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := c.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	limit := c.LineLimit()
	var line []byte
	for {
		chunk, err := c.reader.ReadSlice('\n')
		if len(line)+len(chunk) > limit {
			return nil, fmt.Errorf("%w: line exceeds %d bytes", protocol.ErrInvalidProtocol, limit)
		}
		line = append(line, chunk...)
		if err == nil {
			return line[:len(line)-1], nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
}

// LineLimit is the longest line, newline included, the connection accepts.
func (c *Connection) LineLimit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lineLimit
}

// SetLineLimit changes the longest accepted line. Established connections
// carry whole blocks and need more than the handshake allows.
func (c *Connection) SetLineLimit(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lineLimit = n
}

// MarkEstablished binds the peer identity and moves pending to active. It
// succeeds at most once.
func (c *Connection) MarkEstablished(peer protocol.HostPort) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Active:
		return ErrAlreadyEstablished
	case Closed:
		return ErrConnectionClosed
	}
	c.peer = peer
	c.state = Active
	c.since = time.Now()
	c.logger.WithField("peer", peer.String()).Info("Connection established")
	return nil
}

func (c *Connection) log() *logrus.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peer == (protocol.HostPort{}) {
		return c.logger
	}
	return c.logger.WithField("peer", c.peer.String())
}

// OnClose registers fn to run once the connection closes. If it is already
// closed fn runs immediately.
func (c *Connection) OnClose(fn CloseFunc) {
	c.mu.Lock()
	if c.state == Closed {
		reconnect := c.reconnect
		c.mu.Unlock()
		fn(c, reconnect)
		return
	}
	c.onClose = append(c.onClose, fn)
	c.mu.Unlock()
}

// Close shuts the socket. Only the first call has any effect. reconnect
// tells listeners whether the peer may be dialed again later.
func (c *Connection) Close(reconnect bool) {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.state = Closed
	c.reconnect = reconnect
	callbacks := c.onClose
	c.onClose = nil
	close(c.closed)
	c.mu.Unlock()

	_ = c.conn.Close()
	c.log().WithField("reconnect", reconnect).Debug("Connection closed")

	for _, fn := range callbacks {
		fn(c, reconnect)
	}
}

// Abort reports a protocol violation to the peer and closes without
// reconnect.
func (c *Connection) Abort(reason string) {
	if c.State() == Closed {
		return
	}
	c.log().WithField("reason", reason).Warn("Protocol violation, aborting connection")
	c.metrics.RecordProtocolViolation(c.direction.String())

	// skipped while the writer is stuck on a slow peer
	if c.writeMu.TryLock() {
		if line, err := marshalLine(&protocol.InvalidProtocol{Message: reason}); err == nil {
			_ = c.writeLine(line, time.Second)
		}
		c.writeMu.Unlock()
	}
	c.Close(false)
}

// Serve reads messages until the connection closes or ctx is cancelled.
func (c *Connection) Serve(ctx context.Context, h Handler) {
	for {
		line, err := c.readLine(ctx, 0)
		if err != nil {
			switch {
			case ctx.Err() != nil:
				c.Close(false)
			case errors.Is(err, protocol.ErrInvalidProtocol):
				c.Abort(err.Error())
			case c.State() != Closed:
				c.log().WithError(err).Info("Peer went away")
				c.Close(true)
			}
			return
		}

		msg, err := protocol.Parse(line)
		if err != nil {
			c.Abort(err.Error())
			return
		}
		h.HandleMessage(c, msg)

		if c.State() == Closed {
			return
		}
	}
}
