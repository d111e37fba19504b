package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidProtocol wraps every parse failure: malformed JSON, an unknown
// command or a payload that fails validation.
var ErrInvalidProtocol = errors.New("invalid protocol")

// lineOverhead covers the envelope and file descriptor around a block.
const lineOverhead = 16 * 1024

// LineLimit is the longest line an established connection needs to accept
// when blocks are at most blockSize bytes: the base64 content plus overhead.
func LineLimit(blockSize int64) int {
	return int(4*((blockSize+2)/3)) + lineOverhead
}

type envelope struct {
	Command Kind            `json:"command"`
	Payload json.RawMessage `json:"payload"`
}

type validator interface {
	validate() error
}

var factories = map[Kind]func() Message{
	KindHandshakeRequest:  func() Message { return &HandshakeRequest{} },
	KindHandshakeResponse: func() Message { return &HandshakeResponse{} },
	KindConnectionRefused: func() Message { return &ConnectionRefused{} },
	KindInvalidProtocol:   func() Message { return &InvalidProtocol{} },
	KindFileOffer:         func() Message { return &FileOffer{} },
	KindFileBytesRequest:  func() Message { return &FileBytesRequest{} },
	KindFileBytesResponse: func() Message { return &FileBytesResponse{} },
}

// Marshal encodes msg as a single JSON line without the trailing newline.
func Marshal(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", msg.Kind(), err)
	}
	return json.Marshal(envelope{Command: msg.Kind(), Payload: payload})
}

// Parse decodes one line into a typed message.
func Parse(line []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed message: %v", ErrInvalidProtocol, err)
	}

	factory, ok := factories[env.Command]
	if !ok {
		return nil, fmt.Errorf("%w: unknown command %q", ErrInvalidProtocol, env.Command)
	}
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil, fmt.Errorf("%w: %s without payload", ErrInvalidProtocol, env.Command)
	}

	msg := factory()
	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("%w: malformed %s: %v", ErrInvalidProtocol, env.Command, err)
	}
	if v, ok := msg.(validator); ok {
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidProtocol, env.Command, err)
		}
	}
	return msg, nil
}
