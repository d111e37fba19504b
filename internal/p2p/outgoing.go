package p2p

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/satishbabariya/meshsync/internal/monitoring"
	"github.com/satishbabariya/meshsync/internal/protocol"
	"github.com/sirupsen/logrus"
)

// ConnectorConfig holds outbound handshake timing.
type ConnectorConfig struct {
	Self             protocol.HostPort
	HandshakeTimeout time.Duration
	RetryPenalty     time.Duration
	PollInterval     time.Duration
	DialTimeout      time.Duration
}

// EstablishedFunc is called with every connection that became active.
type EstablishedFunc func(c *Connection)

// DialFunc opens a transport connection to addr.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

type retryEntry struct {
	peer protocol.HostPort
	at   time.Time
	seq  uint64
}

// retryQueue is a min-heap on eligibility time.
type retryQueue []*retryEntry

func (q retryQueue) Len() int { return len(q) }
func (q retryQueue) Less(i, j int) bool {
	if !q[i].at.Equal(q[j].at) {
		return q[i].at.Before(q[j].at)
	}
	return q[i].seq < q[j].seq
}
func (q retryQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *retryQueue) Push(x any)   { *q = append(*q, x.(*retryEntry)) }
func (q *retryQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

// PendingPeer is a queued dial.
type PendingPeer struct {
	Peer protocol.HostPort `json:"peer"`
	At   time.Time         `json:"eligible_at"`
}

// Connector dials peers from a time-ordered retry queue and performs the
// outbound half of the handshake. Its loop exits when the queue drains and
// restarts on the next Enqueue.
type Connector struct {
	config        ConnectorConfig
	registry      Registry
	onEstablished EstablishedFunc
	metrics       *monitoring.Metrics
	logger        *logrus.Entry

	dial DialFunc
	now  func() time.Time

	mu      sync.Mutex
	queue   retryQueue
	seq     uint64
	ctx     context.Context
	running bool
	wake    chan struct{}

	wg sync.WaitGroup
}

// NewConnector creates a connector. It does nothing until Start.
func NewConnector(config ConnectorConfig, registry Registry, onEstablished EstablishedFunc, metrics *monitoring.Metrics, logger *logrus.Entry) *Connector {
	dialer := &net.Dialer{Timeout: config.DialTimeout}
	return &Connector{
		config:        config,
		registry:      registry,
		onEstablished: onEstablished,
		metrics:       metrics,
		logger:        logger,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", addr)
		},
		now:  time.Now,
		wake: make(chan struct{}, 1),
	}
}

// Start binds the connector to ctx and begins dialing anything queued.
func (c *Connector) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx = ctx
	c.startLocked()
}

// Wait blocks until the loop and all in-flight attempts have returned.
func (c *Connector) Wait() {
	c.wg.Wait()
}

// Enqueue schedules peer for an immediate attempt.
func (c *Connector) Enqueue(peer protocol.HostPort) {
	c.schedule(peer, c.now())
}

// Retry schedules peer after the retry penalty.
func (c *Connector) Retry(peer protocol.HostPort) {
	c.schedule(peer, c.now().Add(c.config.RetryPenalty))
}

// Pending returns the queued peers ordered by eligibility.
func (c *Connector) Pending() []PendingPeer {
	c.mu.Lock()
	snapshot := make(retryQueue, len(c.queue))
	copy(snapshot, c.queue)
	c.mu.Unlock()

	pending := make([]PendingPeer, 0, len(snapshot))
	for snapshot.Len() > 0 {
		e := heap.Pop(&snapshot).(*retryEntry)
		pending = append(pending, PendingPeer{Peer: e.peer, At: e.at})
	}
	return pending
}

func (c *Connector) schedule(peer protocol.HostPort, at time.Time) {
	c.mu.Lock()
	c.seq++
	heap.Push(&c.queue, &retryEntry{peer: peer, at: at, seq: c.seq})
	c.metrics.SetRetryQueueLength(len(c.queue))
	c.startLocked()
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Connector) startLocked() {
	if c.ctx == nil || c.running || c.ctx.Err() != nil || len(c.queue) == 0 {
		return
	}
	c.running = true
	c.wg.Add(1)
	go c.run(c.ctx)
}

func (c *Connector) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		if len(c.queue) == 0 || ctx.Err() != nil {
			c.running = false
			c.mu.Unlock()
			return
		}

		head := c.queue[0]
		if wait := head.at.Sub(c.now()); wait > 0 {
			c.mu.Unlock()
			if wait > c.config.PollInterval {
				wait = c.config.PollInterval
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
			case <-timer.C:
			case <-c.wake:
			}
			timer.Stop()
			continue
		}

		heap.Pop(&c.queue)
		c.metrics.SetRetryQueueLength(len(c.queue))
		c.mu.Unlock()

		if head.peer == c.config.Self || c.registry.Connected(head.peer) {
			continue
		}

		c.wg.Add(1)
		go func(peer protocol.HostPort) {
			defer c.wg.Done()
			c.attempt(ctx, peer)
		}(head.peer)
	}
}

func (c *Connector) attempt(ctx context.Context, peer protocol.HostPort) {
	log := c.logger.WithField("peer", peer.String())

	conn, err := c.dial(ctx, peer.String())
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.WithError(err).Debug("Dial failed, will retry")
		c.metrics.RecordHandshake(Outbound.String(), "dial_failed")
		c.Retry(peer)
		return
	}

	c.handshake(ctx, NewConnection(conn, Outbound, c.metrics, c.logger), peer)
}

func (c *Connector) handshake(ctx context.Context, conn *Connection, peer protocol.HostPort) {
	log := c.logger.WithFields(logrus.Fields{
		"peer":    peer.String(),
		"conn_id": conn.ID(),
	})

	if err := conn.Send(&protocol.HandshakeRequest{Peer: c.config.Self}); err != nil {
		log.WithError(err).Debug("Handshake request failed, will retry")
		c.metrics.RecordHandshake(Outbound.String(), "transport_error")
		c.Retry(peer)
		return
	}

	msg, err := conn.ReceiveOne(ctx, c.config.HandshakeTimeout)
	if err != nil {
		switch {
		case errors.Is(err, ErrTimeout):
			c.metrics.RecordHandshake(Outbound.String(), "timeout")
			conn.Abort("handshake response timeout")
		case errors.Is(err, protocol.ErrInvalidProtocol):
			c.metrics.RecordHandshake(Outbound.String(), "invalid")
			conn.Abort(err.Error())
		case ctx.Err() != nil:
			conn.Close(false)
		default:
			log.WithError(err).Debug("Connection lost during handshake, will retry")
			c.metrics.RecordHandshake(Outbound.String(), "transport_error")
			conn.Close(false)
			c.Retry(peer)
		}
		return
	}

	switch m := msg.(type) {
	case *protocol.HandshakeResponse:
		if m.Peer == c.config.Self {
			conn.Abort("handshake response carries our own identity")
			return
		}
		result := c.registry.Admit(conn, m.Peer)
		c.metrics.RecordHandshake(Outbound.String(), result.String())
		if result != Admitted {
			conn.Abort(fmt.Sprintf("already connected to %s", m.Peer))
			return
		}
		if err := conn.MarkEstablished(m.Peer); err != nil {
			conn.Close(true)
			return
		}
		if c.onEstablished != nil {
			c.onEstablished(conn)
		}

	case *protocol.ConnectionRefused:
		c.metrics.RecordHandshake(Outbound.String(), "refused")
		log.WithFields(logrus.Fields{
			"reason":       m.Reason,
			"alternatives": len(m.Peers),
		}).Info("Connection refused")
		for _, alt := range m.Peers {
			if alt == c.config.Self || c.registry.Connected(alt) {
				continue
			}
			c.Enqueue(alt)
		}
		conn.Close(false)

	case *protocol.InvalidProtocol:
		c.metrics.RecordHandshake(Outbound.String(), "invalid")
		log.WithField("message", m.Message).Warn("Peer rejected our handshake")
		conn.Close(false)

	default:
		c.metrics.RecordHandshake(Outbound.String(), "invalid")
		conn.Abort(fmt.Sprintf("expected %s but got %s", protocol.KindHandshakeResponse, msg.Kind()))
	}
}
