package protocol

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFile() FileDescriptor {
	return FileDescriptor{Path: "docs/a.txt", ContentHash: "abc123", Size: 25, LastModified: 1700000000000}
}

func TestMarshalParseMessages(t *testing.T) {
	self := HostPort{Host: "10.0.0.1", Port: 8111}
	tests := []struct {
		name string
		msg  Message
	}{
		{"handshake request", &HandshakeRequest{Peer: self}},
		{"handshake response", &HandshakeResponse{Peer: self}},
		{"refused with peers", &ConnectionRefused{Reason: ReasonLimitReached, Peers: []HostPort{{Host: "b", Port: 1}, {Host: "c", Port: 2}}}},
		{"invalid protocol", &InvalidProtocol{Message: "bad"}},
		{"file offer", &FileOffer{File: testFile()}},
		{"bytes request", &FileBytesRequest{File: testFile(), Range: BlockRange{Offset: 20, Length: 5}}},
		{"bytes response", &FileBytesResponse{File: testFile(), Range: BlockRange{Offset: 0, Length: 3}, Content: []byte{0, 1, 2}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, err := Marshal(tt.msg)
			require.NoError(t, err)
			assert.NotContains(t, string(line), "\n")

			parsed, err := Parse(line)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, parsed)
		})
	}
}

func TestMarshalUsesCommandEnvelope(t *testing.T) {
	line, err := Marshal(&InvalidProtocol{Message: "x"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(line), `{"command":"INVALID_PROTOCOL","payload":`))
}

func TestParseRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		line string
	}{
		{"not json", `hello`},
		{"unknown command", `{"command":"PING","payload":{}}`},
		{"missing payload", `{"command":"HANDSHAKE_REQUEST"}`},
		{"null payload", `{"command":"HANDSHAKE_REQUEST","payload":null}`},
		{"peer without host", `{"command":"HANDSHAKE_REQUEST","payload":{"peer":{"host":"","port":1}}}`},
		{"peer with bad port", `{"command":"HANDSHAKE_RESPONSE","payload":{"peer":{"host":"a","port":70000}}}`},
		{"unknown reason", `{"command":"CONNECTION_REFUSED","payload":{"reason":"BUSY","peers":[]}}`},
		{"offer without hash", `{"command":"FILE_OFFER","payload":{"file":{"path":"a","size":1}}}`},
		{"range past end", `{"command":"FILE_BYTES_REQUEST","payload":{"file":{"path":"a","content_hash":"h","size":10},"range":{"offset":8,"length":5}}}`},
		{"overflowing range", `{"command":"FILE_BYTES_REQUEST","payload":{"file":{"path":"a","content_hash":"h","size":10},"range":{"offset":1,"length":9223372036854775807}}}`},
		{"offset past end", `{"command":"FILE_BYTES_REQUEST","payload":{"file":{"path":"a","content_hash":"h","size":10},"range":{"offset":9223372036854775807,"length":1}}}`},
		{"empty range", `{"command":"FILE_BYTES_REQUEST","payload":{"file":{"path":"a","content_hash":"h","size":10},"range":{"offset":0,"length":0}}}`},
		{"short content", `{"command":"FILE_BYTES_RESPONSE","payload":{"file":{"path":"a","content_hash":"h","size":10},"range":{"offset":0,"length":4},"content":"AAE="}}`},
		{"wrong field type", `{"command":"HANDSHAKE_REQUEST","payload":{"peer":{"host":"a","port":"x"}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Parse([]byte(tt.line))
			assert.Nil(t, msg)
			assert.ErrorIs(t, err, ErrInvalidProtocol)
		})
	}
}

func TestBlockRangeEnd(t *testing.T) {
	assert.Equal(t, int64(25), BlockRange{Offset: 20, Length: 5}.End())
}

func TestBlockRangeWithin(t *testing.T) {
	tests := []struct {
		name   string
		r      BlockRange
		size   int64
		within bool
	}{
		{"whole file", BlockRange{Offset: 0, Length: 10}, 10, true},
		{"tail", BlockRange{Offset: 8, Length: 2}, 10, true},
		{"past end", BlockRange{Offset: 8, Length: 3}, 10, false},
		{"empty", BlockRange{Offset: 0, Length: 0}, 10, false},
		{"negative offset", BlockRange{Offset: -1, Length: 2}, 10, false},
		{"length overflows", BlockRange{Offset: 1, Length: math.MaxInt64}, 10, false},
		{"offset overflows", BlockRange{Offset: math.MaxInt64, Length: math.MaxInt64}, math.MaxInt64, false},
		{"largest file", BlockRange{Offset: math.MaxInt64 - 1, Length: 1}, math.MaxInt64, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.within, tt.r.Within(tt.size))
		})
	}
}

func TestLineLimitFitsFullBlock(t *testing.T) {
	const blockSize = 1 << 20
	line, err := Marshal(&FileBytesResponse{
		File:    FileDescriptor{Path: strings.Repeat("p", 4096), ContentHash: strings.Repeat("a", 64), Size: blockSize},
		Range:   BlockRange{Offset: 0, Length: blockSize},
		Content: make([]byte, blockSize),
	})
	require.NoError(t, err)
	assert.Less(t, len(line)+1, LineLimit(blockSize))
	assert.Less(t, LineLimit(blockSize), 2*blockSize)
}
