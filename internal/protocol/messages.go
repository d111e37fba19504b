package protocol

import "fmt"

// Kind names a message on the wire.
type Kind string

const (
	KindHandshakeRequest  Kind = "HANDSHAKE_REQUEST"
	KindHandshakeResponse Kind = "HANDSHAKE_RESPONSE"
	KindConnectionRefused Kind = "CONNECTION_REFUSED"
	KindInvalidProtocol   Kind = "INVALID_PROTOCOL"
	KindFileOffer         Kind = "FILE_OFFER"
	KindFileBytesRequest  Kind = "FILE_BYTES_REQUEST"
	KindFileBytesResponse Kind = "FILE_BYTES_RESPONSE"
)

// Message is implemented by every protocol message.
type Message interface {
	Kind() Kind
}

// RefusalReason tells a dialer why its handshake was refused.
type RefusalReason string

const (
	ReasonLimitReached  RefusalReason = "LIMIT_REACHED"
	ReasonAlreadyExists RefusalReason = "ALREADY_EXISTS"
)

// FileDescriptor identifies the content being synchronized. Two descriptors
// describe the same transfer iff their content hashes match.
type FileDescriptor struct {
	Path         string `json:"path"`
	ContentHash  string `json:"content_hash"`
	Size         int64  `json:"size"`
	LastModified int64  `json:"last_modified"` // unix milliseconds
}

// SameContent reports whether both descriptors refer to identical bytes.
func (d FileDescriptor) SameContent(other FileDescriptor) bool {
	return d.ContentHash == other.ContentHash
}

func (d FileDescriptor) validate() error {
	if d.Path == "" {
		return fmt.Errorf("file descriptor without path")
	}
	if d.ContentHash == "" {
		return fmt.Errorf("file descriptor %s without content hash", d.Path)
	}
	if d.Size < 0 {
		return fmt.Errorf("file descriptor %s with negative size", d.Path)
	}
	return nil
}

// BlockRange is a contiguous byte span of a file.
type BlockRange struct {
	Offset int64 `json:"offset"`
	Length int64 `json:"length"`
}

// End returns the offset just past the range.
func (r BlockRange) End() int64 { return r.Offset + r.Length }

func (r BlockRange) String() string {
	return fmt.Sprintf("[%d,+%d)", r.Offset, r.Length)
}

// Within reports whether r is non-empty and lies inside [0,size). It never
// computes Offset+Length, which can overflow for hostile input.
func (r BlockRange) Within(size int64) bool {
	return r.Offset >= 0 && r.Length > 0 && r.Offset <= size && r.Length <= size-r.Offset
}

func (r BlockRange) validateWithin(size int64) error {
	if r.Offset < 0 || r.Length <= 0 {
		return fmt.Errorf("invalid block range %s", r)
	}
	if !r.Within(size) {
		return fmt.Errorf("block range %s exceeds file size %d", r, size)
	}
	return nil
}

type HandshakeRequest struct {
	Peer HostPort `json:"peer"`
}

func (*HandshakeRequest) Kind() Kind { return KindHandshakeRequest }

type HandshakeResponse struct {
	Peer HostPort `json:"peer"`
}

func (*HandshakeResponse) Kind() Kind { return KindHandshakeResponse }

// ConnectionRefused carries the refusing peer's currently known peers so the
// dialer can try them instead.
type ConnectionRefused struct {
	Reason RefusalReason `json:"reason"`
	Peers  []HostPort    `json:"peers"`
}

func (*ConnectionRefused) Kind() Kind { return KindConnectionRefused }

// InvalidProtocol is sent right before a connection is aborted.
type InvalidProtocol struct {
	Message string `json:"message"`
}

func (*InvalidProtocol) Kind() Kind { return KindInvalidProtocol }

// FileOffer advertises a local file to a peer.
type FileOffer struct {
	File FileDescriptor `json:"file"`
}

func (*FileOffer) Kind() Kind { return KindFileOffer }

type FileBytesRequest struct {
	File  FileDescriptor `json:"file"`
	Range BlockRange     `json:"range"`
}

func (*FileBytesRequest) Kind() Kind { return KindFileBytesRequest }

// FileBytesResponse carries one block. Content is base64 encoded on the wire
// and its decoded length must equal Range.Length.
type FileBytesResponse struct {
	File    FileDescriptor `json:"file"`
	Range   BlockRange     `json:"range"`
	Content []byte         `json:"content"`
}

func (*FileBytesResponse) Kind() Kind { return KindFileBytesResponse }

func (m *HandshakeRequest) validate() error  { return m.Peer.Validate() }
func (m *HandshakeResponse) validate() error { return m.Peer.Validate() }

func (m *ConnectionRefused) validate() error {
	switch m.Reason {
	case ReasonLimitReached, ReasonAlreadyExists:
	default:
		return fmt.Errorf("unknown refusal reason %q", m.Reason)
	}
	for _, p := range m.Peers {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("refusal peer %s: %w", p, err)
		}
	}
	return nil
}

func (m *InvalidProtocol) validate() error { return nil }

func (m *FileOffer) validate() error { return m.File.validate() }

func (m *FileBytesRequest) validate() error {
	if err := m.File.validate(); err != nil {
		return err
	}
	return m.Range.validateWithin(m.File.Size)
}

func (m *FileBytesResponse) validate() error {
	if err := m.File.validate(); err != nil {
		return err
	}
	if err := m.Range.validateWithin(m.File.Size); err != nil {
		return err
	}
	if int64(len(m.Content)) != m.Range.Length {
		return fmt.Errorf("block %s carries %d bytes", m.Range, len(m.Content))
	}
	return nil
}
