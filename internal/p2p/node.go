package p2p

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/satishbabariya/meshsync/internal/monitoring"
	"github.com/satishbabariya/meshsync/internal/pool"
	"github.com/satishbabariya/meshsync/internal/protocol"
	"github.com/satishbabariya/meshsync/internal/transfer"
	"github.com/sirupsen/logrus"
)

// Transfers receives the file traffic of established connections.
type Transfers interface {
	Offer(p transfer.Peer, file protocol.FileDescriptor)
	Deliver(p transfer.Peer, resp *protocol.FileBytesResponse)
	Detach(p transfer.Peer)
}

// BlockSource provides local content to peers.
type BlockSource interface {
	ReadBlock(file protocol.FileDescriptor, r protocol.BlockRange) ([]byte, error)
	List() ([]protocol.FileDescriptor, error)
}

// NodeConfig configures a Node.
type NodeConfig struct {
	Self                   protocol.HostPort
	Seeds                  []protocol.HostPort
	MaxIncomingConnections int
	IncomingTimeout        time.Duration
	// BlockSize is the largest block served or received.
	BlockSize int64
	Connector ConnectorConfig
}

const defaultBlockSize = 1 << 20

// PeerInfo describes one registered connection.
type PeerInfo struct {
	ID        string    `json:"id"`
	Peer      string    `json:"peer"`
	Direction string    `json:"direction"`
	State     string    `json:"state"`
	Since     time.Time `json:"since"`
}

// Node ties the registry, both handshake directions and message dispatch
// together.
type Node struct {
	config    NodeConfig
	registry  *ConnectionManager
	connector *Connector
	listener  *Listener
	transfers Transfers
	source    BlockSource
	metrics   *monitoring.Metrics
	logger    *logrus.Entry

	// Lifecycle
	ctx       context.Context
	wg        sync.WaitGroup
	running   bool
	runningMu sync.RWMutex
}

// NewNode wires a node. Nothing runs until Run.
func NewNode(config NodeConfig, tasks pool.Submitter, transfers Transfers, source BlockSource, metrics *monitoring.Metrics, logger *logrus.Entry) *Node {
	config.Connector.Self = config.Self
	if config.BlockSize <= 0 {
		config.BlockSize = defaultBlockSize
	}

	n := &Node{
		config:    config,
		transfers: transfers,
		source:    source,
		metrics:   metrics,
		logger:    logger,
	}
	n.registry = NewConnectionManager(config.MaxIncomingConnections, metrics, logger.WithField("component", "registry"))
	n.connector = NewConnector(config.Connector, n.registry, n.established, metrics, logger.WithField("component", "connector"))
	n.listener = NewListener(config.Self, config.IncomingTimeout, n.registry, tasks, n.established, metrics, logger.WithField("component", "listener"))
	n.registry.Subscribe(n.connectionClosed)
	return n
}

// Run dials the seed peers and serves ln until ctx is cancelled, then
// closes every connection.
func (n *Node) Run(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	n.runningMu.Lock()
	if n.running {
		n.runningMu.Unlock()
		return fmt.Errorf("node is already running")
	}
	n.running = true
	n.ctx = ctx
	n.runningMu.Unlock()

	n.logger.WithFields(logrus.Fields{
		"self":  n.config.Self.String(),
		"seeds": len(n.config.Seeds),
	}).Info("Starting node")

	n.connector.Start(ctx)
	for _, seed := range n.config.Seeds {
		if seed != n.config.Self {
			n.connector.Enqueue(seed)
		}
	}

	err := n.listener.Serve(ctx, ln)

	cancel()
	n.runningMu.Lock()
	n.running = false
	n.runningMu.Unlock()

	n.registry.CloseAll()
	n.connector.Wait()
	n.wg.Wait()

	n.logger.Info("Node stopped")
	return err
}

func (n *Node) isRunning() bool {
	n.runningMu.RLock()
	defer n.runningMu.RUnlock()
	return n.running
}

func (n *Node) established(c *Connection) {
	n.runningMu.RLock()
	if !n.running {
		n.runningMu.RUnlock()
		c.Close(false)
		return
	}
	ctx := n.ctx
	n.wg.Add(2)
	n.runningMu.RUnlock()

	c.SetLineLimit(protocol.LineLimit(n.config.BlockSize))

	go func() {
		defer n.wg.Done()
		c.Serve(ctx, n)
	}()

	go func() {
		defer n.wg.Done()
		n.offerAll(ctx, []*Connection{c})
	}()
}

func (n *Node) connectionClosed(c *Connection, reconnect bool) {
	n.transfers.Detach(c)

	if reconnect && n.isRunning() && c.Direction() == Outbound {
		n.logger.WithField("peer", c.Peer().String()).Info("Outbound connection lost, scheduling reconnect")
		n.connector.Retry(c.Peer())
	}
}

// HandleMessage dispatches a message read on an established connection.
func (n *Node) HandleMessage(c *Connection, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.FileOffer:
		n.transfers.Offer(c, m.File)

	case *protocol.FileBytesRequest:
		n.serveBlock(c, m)

	case *protocol.FileBytesResponse:
		n.transfers.Deliver(c, m)

	case *protocol.InvalidProtocol:
		n.logger.WithFields(logrus.Fields{
			"peer":    c.Peer().String(),
			"message": m.Message,
		}).Warn("Peer reported a protocol violation")
		c.Close(false)

	default:
		c.Abort(fmt.Sprintf("unexpected %s on established connection", msg.Kind()))
	}
}

func (n *Node) serveBlock(c *Connection, req *protocol.FileBytesRequest) {
	if req.Range.Length > n.config.BlockSize {
		n.logger.WithFields(logrus.Fields{
			"peer":   c.Peer().String(),
			"path":   req.File.Path,
			"length": req.Range.Length,
		}).Debug("Block request larger than block size")
		return
	}

	data, err := n.source.ReadBlock(req.File, req.Range)
	if err != nil {
		n.logger.WithError(err).WithFields(logrus.Fields{
			"peer":   c.Peer().String(),
			"path":   req.File.Path,
			"offset": req.Range.Offset,
		}).Debug("Cannot serve block")
		return
	}
	if err := c.Send(&protocol.FileBytesResponse{File: req.File, Range: req.Range, Content: data}); err == nil {
		n.metrics.RecordBlockServed()
	}
}

// SyncAll offers every local file to every active connection.
func (n *Node) SyncAll(ctx context.Context) error {
	return n.offerAll(ctx, n.registry.Connections())
}

func (n *Node) offerAll(ctx context.Context, conns []*Connection) error {
	if len(conns) == 0 {
		return nil
	}
	files, err := n.source.List()
	if err != nil {
		return fmt.Errorf("failed to list local files: %w", err)
	}

	for _, c := range conns {
		for _, fd := range files {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if c.State() != Active {
				break
			}
			if err := c.Send(&protocol.FileOffer{File: fd}); err != nil {
				break
			}
		}
	}

	n.logger.WithFields(logrus.Fields{
		"files": len(files),
		"peers": len(conns),
	}).Debug("Offered local files")
	return nil
}

// OfferFile offers one file to every active connection.
func (n *Node) OfferFile(fd protocol.FileDescriptor) {
	for _, c := range n.registry.Connections() {
		if c.State() == Active {
			_ = c.Send(&protocol.FileOffer{File: fd})
		}
	}
}

// Connect queues peer for an immediate dial.
func (n *Node) Connect(peer protocol.HostPort) error {
	if peer == n.config.Self {
		return ErrSelfConnect
	}
	if n.registry.Connected(peer) {
		return fmt.Errorf("%w: %s", ErrAlreadyConnected, peer)
	}
	n.connector.Enqueue(peer)
	return nil
}

// Disconnect closes the connection to peer without reconnect.
func (n *Node) Disconnect(peer protocol.HostPort) bool {
	return n.registry.Disconnect(peer)
}

// Peers lists the registered connections ordered by peer.
func (n *Node) Peers() []PeerInfo {
	conns := n.registry.Connections()
	peers := make([]PeerInfo, 0, len(conns))
	for _, c := range conns {
		peers = append(peers, PeerInfo{
			ID:        c.ID(),
			Peer:      c.Peer().String(),
			Direction: c.Direction().String(),
			State:     c.State().String(),
			Since:     c.Since(),
		})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Peer < peers[j].Peer })
	return peers
}

// Pending lists the queued dials.
func (n *Node) Pending() []PendingPeer {
	return n.connector.Pending()
}
