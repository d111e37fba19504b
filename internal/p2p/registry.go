package p2p

import (
	"sort"
	"sync"

	"github.com/satishbabariya/meshsync/internal/monitoring"
	"github.com/satishbabariya/meshsync/internal/protocol"
	"github.com/sirupsen/logrus"
)

// AdmitResult is the outcome of an admission decision.
type AdmitResult int

const (
	Admitted AdmitResult = iota
	RejectedLimit
	RejectedDuplicate
)

func (r AdmitResult) String() string {
	switch r {
	case Admitted:
		return "admitted"
	case RejectedLimit:
		return "rejected_limit"
	default:
		return "rejected_duplicate"
	}
}

// Registry decides which connections may become active.
type Registry interface {
	Admit(c *Connection, peer protocol.HostPort) AdmitResult
	IsNearCapacity() bool
	CachedPeers() []protocol.HostPort
	Connected(peer protocol.HostPort) bool
}

// ConnectionManager is the Registry. It holds at most one connection per
// peer identity and at most maxIncoming inbound connections.
type ConnectionManager struct {
	maxIncoming int
	metrics     *monitoring.Metrics
	logger      *logrus.Entry

	mu        sync.RWMutex
	byPeer    map[protocol.HostPort]*Connection
	inbound   int
	cached    []protocol.HostPort
	listeners []CloseFunc
}

// NewConnectionManager creates an empty registry.
func NewConnectionManager(maxIncoming int, metrics *monitoring.Metrics, logger *logrus.Entry) *ConnectionManager {
	return &ConnectionManager{
		maxIncoming: maxIncoming,
		metrics:     metrics,
		logger:      logger,
		byPeer:      make(map[protocol.HostPort]*Connection),
	}
}

// Subscribe registers fn to run whenever an admitted connection closes.
func (m *ConnectionManager) Subscribe(fn CloseFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Admit registers c as the connection for peer. The check and the insert
// happen under one lock so concurrent admits for one identity yield exactly
// one Admitted.
func (m *ConnectionManager) Admit(c *Connection, peer protocol.HostPort) AdmitResult {
	m.mu.Lock()
	if _, exists := m.byPeer[peer]; exists {
		m.mu.Unlock()
		return RejectedDuplicate
	}
	if c.Direction() == Inbound && m.inbound >= m.maxIncoming {
		m.mu.Unlock()
		return RejectedLimit
	}
	m.byPeer[peer] = c
	if c.Direction() == Inbound {
		m.inbound++
	}
	m.rebuildCacheLocked()
	m.mu.Unlock()

	m.metrics.ConnectionOpened(c.Direction().String())
	m.logger.WithFields(logrus.Fields{
		"peer":      peer.String(),
		"direction": c.Direction().String(),
	}).Debug("Connection admitted")

	c.OnClose(func(c *Connection, reconnect bool) {
		m.release(peer, c, reconnect)
	})
	return Admitted
}

func (m *ConnectionManager) release(peer protocol.HostPort, c *Connection, reconnect bool) {
	m.mu.Lock()
	if m.byPeer[peer] != c {
		m.mu.Unlock()
		return
	}
	delete(m.byPeer, peer)
	if c.Direction() == Inbound {
		m.inbound--
	}
	m.rebuildCacheLocked()
	listeners := append([]CloseFunc(nil), m.listeners...)
	m.mu.Unlock()

	m.metrics.ConnectionClosed(c.Direction().String())
	for _, fn := range listeners {
		fn(c, reconnect)
	}
}

func (m *ConnectionManager) rebuildCacheLocked() {
	peers := make([]protocol.HostPort, 0, len(m.byPeer))
	for peer := range m.byPeer {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].String() < peers[j].String() })
	m.cached = peers
}

// IsNearCapacity reports whether the next inbound admission would be
// refused.
func (m *ConnectionManager) IsNearCapacity() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.inbound >= m.maxIncoming
}

// CachedPeers returns the identities of every registered connection.
func (m *ConnectionManager) CachedPeers() []protocol.HostPort {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]protocol.HostPort(nil), m.cached...)
}

func (m *ConnectionManager) Connected(peer protocol.HostPort) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byPeer[peer]
	return ok
}

func (m *ConnectionManager) Lookup(peer protocol.HostPort) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byPeer[peer]
	return c, ok
}

// Connections returns a snapshot of every registered connection.
func (m *ConnectionManager) Connections() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conns := make([]*Connection, 0, len(m.byPeer))
	for _, c := range m.byPeer {
		conns = append(conns, c)
	}
	return conns
}

// Disconnect closes the connection to peer without reconnect.
func (m *ConnectionManager) Disconnect(peer protocol.HostPort) bool {
	c, ok := m.Lookup(peer)
	if !ok {
		return false
	}
	c.Close(false)
	return true
}

// CloseAll closes every registered connection without reconnect.
func (m *ConnectionManager) CloseAll() {
	for _, c := range m.Connections() {
		c.Close(false)
	}
}
