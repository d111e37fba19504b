package p2p

import (
	"bufio"
	"context"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/satishbabariya/meshsync/internal/logger"
	"github.com/satishbabariya/meshsync/internal/pool"
	"github.com/satishbabariya/meshsync/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var self = protocol.HostPort{Host: "self.local", Port: 8111}

type establishedRecorder struct {
	mu    sync.Mutex
	conns []*Connection
}

func (r *establishedRecorder) record(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns = append(r.conns, c)
}

func (r *establishedRecorder) get() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Connection(nil), r.conns...)
}

type recordingSubmitter struct {
	mu         sync.Mutex
	priorities []pool.Priority
}

func (s *recordingSubmitter) Submit(name string, p pool.Priority, task func(ctx context.Context)) error {
	s.mu.Lock()
	s.priorities = append(s.priorities, p)
	s.mu.Unlock()
	go task(context.Background())
	return nil
}

func newTestListener(registry *ConnectionManager, timeout time.Duration) (*Listener, *establishedRecorder) {
	rec := &establishedRecorder{}
	l := NewListener(self, timeout, registry, &recordingSubmitter{}, rec.record, nil, logger.Discard())
	return l, rec
}

func runHandshake(l *Listener, c *Connection) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.handshake(context.Background(), c)
	}()
	return done
}

func TestIncomingHandshakeAdmitted(t *testing.T) {
	registry := NewConnectionManager(10, nil, logger.Discard())
	l, rec := newTestListener(registry, time.Second)
	c, r := newPipe(t, Inbound)
	peer := hp("10.0.0.2", 8111)

	done := runHandshake(l, c)
	r.send(&protocol.HandshakeRequest{Peer: peer})

	assert.Equal(t, &protocol.HandshakeResponse{Peer: self}, r.receive())
	<-done
	assert.Equal(t, Active, c.State())
	assert.Equal(t, peer, c.Peer())
	assert.Equal(t, []*Connection{c}, rec.get())
	assert.True(t, registry.Connected(peer))
}

func TestIncomingHandshakeRefusals(t *testing.T) {
	tests := []struct {
		name        string
		maxIncoming int
		existing    protocol.HostPort
		request     protocol.HostPort
		reason      protocol.RefusalReason
	}{
		{"duplicate identity", 10, hp("10.0.0.2", 8111), hp("10.0.0.2", 8111), protocol.ReasonAlreadyExists},
		{"limit reached", 1, hp("10.0.0.3", 8111), hp("10.0.0.2", 8111), protocol.ReasonLimitReached},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewConnectionManager(tt.maxIncoming, nil, logger.Discard())
			holder, _ := newPipe(t, Inbound)
			require.Equal(t, Admitted, registry.Admit(holder, tt.existing))

			l, rec := newTestListener(registry, time.Second)
			c, r := newPipe(t, Inbound)

			reconnect := make(chan bool, 1)
			c.OnClose(func(_ *Connection, rc bool) { reconnect <- rc })

			done := runHandshake(l, c)
			r.send(&protocol.HandshakeRequest{Peer: tt.request})

			assert.Equal(t, &protocol.ConnectionRefused{
				Reason: tt.reason,
				Peers:  []protocol.HostPort{tt.existing},
			}, r.receive())
			<-done
			assert.False(t, <-reconnect)
			assert.Equal(t, Closed, c.State())
			assert.Empty(t, rec.get())
			kept, ok := registry.Lookup(tt.existing)
			require.True(t, ok)
			assert.Same(t, holder, kept)
		})
	}
}

func TestIncomingHandshakeTimeout(t *testing.T) {
	registry := NewConnectionManager(10, nil, logger.Discard())
	l, _ := newTestListener(registry, 30*time.Millisecond)
	c, r := newPipe(t, Inbound)

	done := runHandshake(l, c)

	msg := r.receive()
	require.IsType(t, &protocol.InvalidProtocol{}, msg)
	assert.Contains(t, msg.(*protocol.InvalidProtocol).Message, "no handshake received")
	<-done
	assert.Equal(t, Closed, c.State())
}

func TestIncomingHandshakeWrongMessage(t *testing.T) {
	registry := NewConnectionManager(10, nil, logger.Discard())
	l, _ := newTestListener(registry, time.Second)
	c, r := newPipe(t, Inbound)

	done := runHandshake(l, c)
	r.send(&protocol.FileOffer{File: protocol.FileDescriptor{Path: "a", ContentHash: "ab", Size: 1}})

	msg := r.receive()
	require.IsType(t, &protocol.InvalidProtocol{}, msg)
	assert.Equal(t, "expected HANDSHAKE_REQUEST but got FILE_OFFER", msg.(*protocol.InvalidProtocol).Message)
	<-done
	assert.Empty(t, registry.Connections())
}

func TestListenerLowersPriorityNearCapacity(t *testing.T) {
	registry := NewConnectionManager(1, nil, logger.Discard())
	submitter := &recordingSubmitter{}
	l := NewListener(self, 50*time.Millisecond, registry, submitter, nil, nil, logger.Discard())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- l.Serve(ctx, ln) }()

	dialAndWait := func(expected int) {
		conn, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		defer conn.Close()
		require.Eventually(t, func() bool {
			submitter.mu.Lock()
			defer submitter.mu.Unlock()
			return len(submitter.priorities) == expected
		}, 2*time.Second, 5*time.Millisecond)
	}

	dialAndWait(1)
	holder, _ := newPipe(t, Inbound)
	require.Equal(t, Admitted, registry.Admit(holder, hp("a", 1)))
	dialAndWait(2)

	cancel()
	assert.NoError(t, <-served)

	submitter.mu.Lock()
	defer submitter.mu.Unlock()
	assert.Equal(t, []pool.Priority{pool.Normal, pool.Low}, submitter.priorities)
}

// flakyListener fails the first Accept calls with EMFILE.
type flakyListener struct {
	net.Listener

	mu       sync.Mutex
	failures int
}

func (l *flakyListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if l.failures > 0 {
		l.failures--
		l.mu.Unlock()
		return nil, &net.OpError{Op: "accept", Net: "tcp", Err: os.NewSyscallError("accept", syscall.EMFILE)}
	}
	l.mu.Unlock()
	return l.Listener.Accept()
}

func TestListenerSurvivesAcceptErrors(t *testing.T) {
	registry := NewConnectionManager(4, nil, logger.Discard())
	l, rec := newTestListener(registry, time.Second)

	inner, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ln := &flakyListener{Listener: inner, failures: 3}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- l.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", inner.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	line, err := protocol.Marshal(&protocol.HandshakeRequest{Peer: hp("10.0.0.2", 8111)})
	require.NoError(t, err)
	_, err = conn.Write(append(line, '\n'))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	reply, err := bufio.NewReader(conn).ReadBytes('\n')
	require.NoError(t, err)
	msg, err := protocol.Parse(reply[:len(reply)-1])
	require.NoError(t, err)
	assert.Equal(t, &protocol.HandshakeResponse{Peer: self}, msg)
	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, 2*time.Second, 5*time.Millisecond)

	select {
	case err := <-served:
		t.Fatalf("listener stopped early: %v", err)
	default:
	}

	cancel()
	assert.NoError(t, <-served)
}

func TestListenerStopsWhenClosedElsewhere(t *testing.T) {
	registry := NewConnectionManager(4, nil, logger.Discard())
	l, _ := newTestListener(registry, time.Second)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- l.Serve(context.Background(), ln) }()

	require.NoError(t, ln.Close())
	select {
	case err := <-served:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("listener kept running on a closed socket")
	}
}

func TestQueuedHandshakeClosesWhenPoolStops(t *testing.T) {
	registry := NewConnectionManager(4, nil, logger.Discard())
	l, rec := newTestListener(registry, time.Second)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()
	line, err := protocol.Marshal(&protocol.HandshakeRequest{Peer: hp("10.0.0.2", 8111)})
	require.NoError(t, err)
	_, err = client.Write(append(line, '\n'))
	require.NoError(t, err)

	raw, err := ln.Accept()
	require.NoError(t, err)
	c := NewConnection(raw, Inbound, nil, logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.handshake(ctx, c)

	assert.Equal(t, Closed, c.State())
	assert.Empty(t, rec.get())
	assert.False(t, registry.Connected(hp("10.0.0.2", 8111)))
}
