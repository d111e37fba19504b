package p2p

import (
	"sync"
	"testing"

	"github.com/satishbabariya/meshsync/internal/logger"
	"github.com/satishbabariya/meshsync/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hp(host string, port int) protocol.HostPort {
	return protocol.HostPort{Host: host, Port: port}
}

func TestConcurrentAdmitsForOnePeer(t *testing.T) {
	m := NewConnectionManager(100, nil, logger.Discard())
	peer := hp("10.0.0.1", 8111)

	const n = 32
	conns := make([]*Connection, n)
	for i := range conns {
		dir := Inbound
		if i%2 == 0 {
			dir = Outbound
		}
		conns[i], _ = newPipe(t, dir)
	}

	results := make([]AdmitResult, n)
	var wg sync.WaitGroup
	for i := range conns {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.Admit(conns[i], peer)
		}(i)
	}
	wg.Wait()

	admitted := 0
	for _, r := range results {
		if r == Admitted {
			admitted++
		} else {
			assert.Equal(t, RejectedDuplicate, r)
		}
	}
	assert.Equal(t, 1, admitted)
	assert.Equal(t, []protocol.HostPort{peer}, m.CachedPeers())
}

func TestAdmitEnforcesInboundLimit(t *testing.T) {
	m := NewConnectionManager(1, nil, logger.Discard())

	first, _ := newPipe(t, Inbound)
	second, _ := newPipe(t, Inbound)
	outbound, _ := newPipe(t, Outbound)

	assert.False(t, m.IsNearCapacity())
	assert.Equal(t, Admitted, m.Admit(first, hp("a", 1)))
	assert.True(t, m.IsNearCapacity())
	assert.Equal(t, RejectedLimit, m.Admit(second, hp("b", 1)))
	assert.Equal(t, Admitted, m.Admit(outbound, hp("c", 1)))

	// duplicates are reported before the limit
	third, _ := newPipe(t, Inbound)
	assert.Equal(t, RejectedDuplicate, m.Admit(third, hp("a", 1)))
}

func TestClosedConnectionIsReleased(t *testing.T) {
	m := NewConnectionManager(1, nil, logger.Discard())

	type event struct {
		conn      *Connection
		reconnect bool
	}
	events := make(chan event, 1)
	m.Subscribe(func(c *Connection, reconnect bool) { events <- event{c, reconnect} })

	c, _ := newPipe(t, Inbound)
	require.Equal(t, Admitted, m.Admit(c, hp("a", 1)))
	require.True(t, m.Connected(hp("a", 1)))

	c.Close(true)

	e := <-events
	assert.Same(t, c, e.conn)
	assert.True(t, e.reconnect)
	assert.False(t, m.Connected(hp("a", 1)))
	assert.False(t, m.IsNearCapacity())
	assert.Empty(t, m.CachedPeers())

	again, _ := newPipe(t, Inbound)
	assert.Equal(t, Admitted, m.Admit(again, hp("a", 1)))
}

func TestRejectedConnectionDoesNotReleaseHolder(t *testing.T) {
	m := NewConnectionManager(10, nil, logger.Discard())

	holder, _ := newPipe(t, Inbound)
	loser, _ := newPipe(t, Inbound)
	require.Equal(t, Admitted, m.Admit(holder, hp("a", 1)))
	require.Equal(t, RejectedDuplicate, m.Admit(loser, hp("a", 1)))

	loser.Close(false)
	assert.True(t, m.Connected(hp("a", 1)))
}

func TestCachedPeersSortedAndDisconnect(t *testing.T) {
	m := NewConnectionManager(10, nil, logger.Discard())
	for _, peer := range []protocol.HostPort{hp("c", 3), hp("a", 1), hp("b", 2)} {
		c, _ := newPipe(t, Outbound)
		require.Equal(t, Admitted, m.Admit(c, peer))
	}

	assert.Equal(t, []protocol.HostPort{hp("a", 1), hp("b", 2), hp("c", 3)}, m.CachedPeers())

	assert.True(t, m.Disconnect(hp("b", 2)))
	assert.False(t, m.Disconnect(hp("z", 9)))
	assert.Equal(t, []protocol.HostPort{hp("a", 1), hp("c", 3)}, m.CachedPeers())

	m.CloseAll()
	assert.Empty(t, m.Connections())
}
