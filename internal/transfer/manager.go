package transfer

import (
	"sort"
	"sync"

	"github.com/satishbabariya/meshsync/internal/monitoring"
	"github.com/satishbabariya/meshsync/internal/protocol"
	"github.com/sirupsen/logrus"
)

// Store is the local side of a download.
type Store interface {
	BlockWriter
	// Wants reports whether offered content should replace the local copy.
	Wants(file protocol.FileDescriptor) bool
	// Prepare allocates space for a new download.
	Prepare(file protocol.FileDescriptor) error
}

// Manager keeps one session per content hash.
type Manager struct {
	opts    Options
	store   Store
	metrics *monitoring.Metrics
	logger  *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewManager(opts Options, store Store, metrics *monitoring.Metrics, logger *logrus.Entry) *Manager {
	return &Manager{
		opts:     opts,
		store:    store,
		metrics:  metrics,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Offer joins p to the session for file or starts a new one when the local
// copy is missing or older.
func (m *Manager) Offer(p Peer, file protocol.FileDescriptor) {
	if s := m.lookup(file.ContentHash); s != nil {
		s.Join(p, file)
		return
	}
	if !m.store.Wants(file) {
		return
	}

	m.mu.Lock()
	if s, ok := m.sessions[file.ContentHash]; ok {
		m.mu.Unlock()
		s.Join(p, file)
		return
	}
	if err := m.store.Prepare(file); err != nil {
		m.mu.Unlock()
		m.logger.WithError(err).WithField("path", file.Path).Error("Failed to prepare download")
		return
	}
	s := NewSession(file, p, m.opts, m.store, m.finished, m.metrics, m.logger)
	m.sessions[file.ContentHash] = s
	m.mu.Unlock()

	m.metrics.TransferStarted()
	s.Start()
}

// Deliver routes a block to its session. Blocks for unknown content are
// dropped.
func (m *Manager) Deliver(p Peer, resp *protocol.FileBytesResponse) {
	s := m.lookup(resp.File.ContentHash)
	if s == nil {
		m.logger.WithFields(logrus.Fields{
			"peer": p.String(),
			"hash": resp.File.ContentHash,
		}).Debug("Dropping block for unknown transfer")
		return
	}
	s.Received(p, resp)
}

// Sweep evicts idle peers from every session.
func (m *Manager) Sweep() {
	for _, s := range m.snapshot() {
		s.Sweep()
	}
}

// Detach removes p from every session.
func (m *Manager) Detach(p Peer) {
	for _, s := range m.snapshot() {
		s.Detach(p)
	}
}

// Sessions returns the progress of every live session ordered by path.
func (m *Manager) Sessions() []Progress {
	sessions := m.snapshot()
	progress := make([]Progress, 0, len(sessions))
	for _, s := range sessions {
		progress = append(progress, s.Progress())
	}
	sort.Slice(progress, func(i, j int) bool { return progress[i].File.Path < progress[j].File.Path })
	return progress
}

// CancelAll abandons every session.
func (m *Manager) CancelAll() {
	for _, s := range m.snapshot() {
		s.Cancel()
	}
}

func (m *Manager) lookup(hash string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[hash]
}

func (m *Manager) snapshot() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

func (m *Manager) finished(s *Session, result Result) {
	m.mu.Lock()
	if m.sessions[s.File().ContentHash] == s {
		delete(m.sessions, s.File().ContentHash)
	}
	m.mu.Unlock()

	m.metrics.TransferFinished(string(result))
}
