package p2p

import (
	"bytes"
	"context"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/satishbabariya/meshsync/internal/logger"
	"github.com/satishbabariya/meshsync/internal/pool"
	"github.com/satishbabariya/meshsync/internal/protocol"
	"github.com/satishbabariya/meshsync/internal/store"
	"github.com/satishbabariya/meshsync/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testNode struct {
	node  *Node
	store *store.FileStore
	self  protocol.HostPort
}

type nodeSettings struct {
	blockSize    int64
	requestLimit int
}

func startNode(t *testing.T, seeds ...protocol.HostPort) *testNode {
	t.Helper()
	return startNodeWith(t, nodeSettings{blockSize: 4, requestLimit: 2}, seeds...)
}

func startNodeWith(t *testing.T, settings nodeSettings, seeds ...protocol.HostPort) *testNode {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	selfAddr := protocol.HostPort{Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port}

	dir := t.TempDir()
	fs, err := store.NewFileStore(store.Config{DataDir: dir, ChecksumAlgorithm: "sha256"}, logger.Discard())
	require.NoError(t, err)

	log := logger.Discard()
	tasks := pool.New(2, nil, log)
	transfers := transfer.NewManager(transfer.Options{
		BlockSize:         settings.blockSize,
		RequestLimit:      settings.requestLimit,
		InactivityTimeout: 5 * time.Second,
	}, fs, nil, log)

	node := NewNode(NodeConfig{
		Self:                   selfAddr,
		Seeds:                  seeds,
		MaxIncomingConnections: 4,
		IncomingTimeout:        2 * time.Second,
		BlockSize:              settings.blockSize,
		Connector: ConnectorConfig{
			HandshakeTimeout: 2 * time.Second,
			RetryPenalty:     100 * time.Millisecond,
			PollInterval:     50 * time.Millisecond,
			DialTimeout:      time.Second,
		},
	}, tasks, transfers, fs, nil, log)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = tasks.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, node.Run(ctx, ln))
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	return &testNode{node: node, store: fs, self: selfAddr}
}

func TestNodesSynchronizeFiles(t *testing.T) {
	a := startNode(t)
	content := "the quick brown fox"
	path := filepath.Join(a.store.DataDir(), "docs", "fox.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	b := startNode(t, a.self)

	target := filepath.Join(b.store.DataDir(), "docs", "fox.txt")
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(target)
		return err == nil && string(data) == content
	}, 5*time.Second, 20*time.Millisecond)

	peersA := a.node.Peers()
	require.Len(t, peersA, 1)
	assert.Equal(t, b.self.String(), peersA[0].Peer)
	assert.Equal(t, "inbound", peersA[0].Direction)

	peersB := b.node.Peers()
	require.Len(t, peersB, 1)
	assert.Equal(t, a.self.String(), peersB[0].Peer)
	assert.Equal(t, "outbound", peersB[0].Direction)
}

func TestNodesExchangeLargeFilesBothWays(t *testing.T) {
	settings := nodeSettings{blockSize: 1 << 20, requestLimit: 10}
	a := startNodeWith(t, settings)

	rng := rand.New(rand.NewSource(1))
	fromA := make([]byte, 8<<20)
	fromB := make([]byte, 8<<20)
	rng.Read(fromA)
	rng.Read(fromB)
	require.NoError(t, os.WriteFile(filepath.Join(a.store.DataDir(), "from-a.bin"), fromA, 0o644))

	b := startNodeWith(t, settings)
	require.NoError(t, os.WriteFile(filepath.Join(b.store.DataDir(), "from-b.bin"), fromB, 0o644))
	require.NoError(t, b.node.Connect(a.self))

	holds := func(n *testNode, name string, want []byte) func() bool {
		return func() bool {
			data, err := os.ReadFile(filepath.Join(n.store.DataDir(), name))
			return err == nil && bytes.Equal(data, want)
		}
	}
	require.Eventually(t, holds(b, "from-a.bin", fromA), 30*time.Second, 100*time.Millisecond)
	require.Eventually(t, holds(a, "from-b.bin", fromB), 30*time.Second, 100*time.Millisecond)
	assert.Len(t, a.node.Peers(), 1)
	assert.Len(t, b.node.Peers(), 1)
}

func TestNodeSyncAllOffersNewFiles(t *testing.T) {
	a := startNode(t)
	b := startNode(t, a.self)

	require.Eventually(t, func() bool {
		peers := b.node.Peers()
		return len(peers) == 1 && peers[0].State == "active"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(b.store.DataDir(), "late.txt"), []byte("arrived later"), 0o644))
	require.NoError(t, b.node.SyncAll(context.Background()))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(a.store.DataDir(), "late.txt"))
		return err == nil && string(data) == "arrived later"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestNodeConnectAndDisconnect(t *testing.T) {
	a := startNode(t)
	b := startNode(t)

	assert.ErrorIs(t, b.node.Connect(b.self), ErrSelfConnect)
	require.NoError(t, b.node.Connect(a.self))
	require.Eventually(t, func() bool { return len(b.node.Peers()) == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.ErrorIs(t, b.node.Connect(a.self), ErrAlreadyConnected)

	assert.True(t, b.node.Disconnect(a.self))
	require.Eventually(t, func() bool { return len(a.node.Peers()) == 0 }, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, b.node.Peers())
	assert.Empty(t, b.node.Pending())
}

type fakeTransfers struct {
	mu       sync.Mutex
	offers   []protocol.FileDescriptor
	detached []transfer.Peer
}

func (f *fakeTransfers) Offer(p transfer.Peer, file protocol.FileDescriptor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers = append(f.offers, file)
}

func (f *fakeTransfers) Deliver(p transfer.Peer, resp *protocol.FileBytesResponse) {}

func (f *fakeTransfers) Detach(p transfer.Peer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = append(f.detached, p)
}

type fakeSource struct{}

func (fakeSource) ReadBlock(file protocol.FileDescriptor, r protocol.BlockRange) ([]byte, error) {
	return []byte("data")[:r.Length], nil
}

func (fakeSource) List() ([]protocol.FileDescriptor, error) { return nil, nil }

func newUnitNode(t *testing.T) (*Node, *fakeTransfers) {
	transfers := &fakeTransfers{}
	n := NewNode(NodeConfig{
		Self:                   self,
		MaxIncomingConnections: 4,
		IncomingTimeout:        time.Second,
		Connector:              ConnectorConfig{RetryPenalty: time.Second, PollInterval: time.Second, HandshakeTimeout: time.Second, DialTimeout: time.Second},
	}, &recordingSubmitter{}, transfers, fakeSource{}, nil, logger.Discard())
	return n, transfers
}

func TestNodeServesBlocks(t *testing.T) {
	n, _ := newUnitNode(t)
	c, r := newPipe(t, Inbound)
	require.NoError(t, c.MarkEstablished(hp("a", 1)))

	fd := protocol.FileDescriptor{Path: "x", ContentHash: "ab", Size: 10}
	go n.HandleMessage(c, &protocol.FileBytesRequest{File: fd, Range: protocol.BlockRange{Offset: 2, Length: 3}})

	assert.Equal(t, &protocol.FileBytesResponse{
		File:    fd,
		Range:   protocol.BlockRange{Offset: 2, Length: 3},
		Content: []byte("dat"),
	}, r.receive())
}

func TestNodeDropsRequestsLargerThanBlockSize(t *testing.T) {
	n, _ := newUnitNode(t)
	n.config.BlockSize = 4
	c, r := newPipe(t, Inbound)
	require.NoError(t, c.MarkEstablished(hp("a", 1)))

	fd := protocol.FileDescriptor{Path: "x", ContentHash: "ab", Size: 10}
	go func() {
		n.HandleMessage(c, &protocol.FileBytesRequest{File: fd, Range: protocol.BlockRange{Offset: 0, Length: 8}})
		n.HandleMessage(c, &protocol.FileBytesRequest{File: fd, Range: protocol.BlockRange{Offset: 4, Length: 4}})
	}()

	assert.Equal(t, &protocol.FileBytesResponse{
		File:    fd,
		Range:   protocol.BlockRange{Offset: 4, Length: 4},
		Content: []byte("data"),
	}, r.receive())
	assert.Equal(t, Active, c.State())
}

func TestNodeRoutesOffersAndAbortsOnHandshakeReplay(t *testing.T) {
	n, transfers := newUnitNode(t)
	c, r := newPipe(t, Inbound)
	require.NoError(t, c.MarkEstablished(hp("a", 1)))

	fd := protocol.FileDescriptor{Path: "x", ContentHash: "ab", Size: 10}
	n.HandleMessage(c, &protocol.FileOffer{File: fd})
	assert.Equal(t, []protocol.FileDescriptor{fd}, transfers.offers)

	go n.HandleMessage(c, &protocol.HandshakeRequest{Peer: hp("a", 1)})
	msg := r.receive()
	require.IsType(t, &protocol.InvalidProtocol{}, msg)
	assert.Equal(t, "unexpected HANDSHAKE_REQUEST on established connection", msg.(*protocol.InvalidProtocol).Message)
}

func TestClosedOutboundConnectionIsRetried(t *testing.T) {
	n, transfers := newUnitNode(t)
	n.running = true
	n.ctx = context.Background()

	out, _ := newPipe(t, Outbound)
	require.Equal(t, Admitted, n.registry.Admit(out, hp("out", 1)))
	require.NoError(t, out.MarkEstablished(hp("out", 1)))
	in, _ := newPipe(t, Inbound)
	require.Equal(t, Admitted, n.registry.Admit(in, hp("in", 1)))
	require.NoError(t, in.MarkEstablished(hp("in", 1)))

	out.Close(true)
	in.Close(true)

	pending := n.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, hp("out", 1), pending[0].Peer)

	transfers.mu.Lock()
	defer transfers.mu.Unlock()
	assert.Len(t, transfers.detached, 2)
}
