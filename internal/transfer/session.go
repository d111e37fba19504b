// Package transfer coordinates block downloads of one file content from
// every peer that offers it.
package transfer

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/satishbabariya/meshsync/internal/monitoring"
	"github.com/satishbabariya/meshsync/internal/protocol"
	"github.com/sirupsen/logrus"
)

// Peer is the side of a connection a session needs.
type Peer interface {
	Send(msg protocol.Message) error
	String() string
}

// BlockWriter persists blocks of a file being downloaded.
type BlockWriter interface {
	WriteBlock(file protocol.FileDescriptor, offset int64, data []byte) error
	// Verify checks the assembled content against file.ContentHash and
	// commits it when it matches.
	Verify(file protocol.FileDescriptor) (bool, error)
	// Cancel discards any partial content.
	Cancel(file protocol.FileDescriptor) error
}

// Options tunes block scheduling.
type Options struct {
	BlockSize         int64
	RequestLimit      int
	InactivityTimeout time.Duration
}

// Result is how a session ended.
type Result string

const (
	Completed Result = "completed"
	Cancelled Result = "cancelled"
)

// Partition splits [0,size) into consecutive ranges of blockSize bytes; the
// last one may be shorter.
func Partition(size, blockSize int64) []protocol.BlockRange {
	if size <= 0 || blockSize <= 0 {
		return nil
	}
	ranges := make([]protocol.BlockRange, 0, size/blockSize+1)
	for offset := int64(0); offset < size; {
		length := blockSize
		if length > size-offset {
			length = size - offset
		}
		ranges = append(ranges, protocol.BlockRange{Offset: offset, Length: length})
		offset += length
	}
	return ranges
}

type memberState struct {
	inflight   map[int64]protocol.BlockRange
	lastActive time.Time
}

type outgoing struct {
	peer  Peer
	block protocol.BlockRange
}

// Progress is a point-in-time view of a session.
type Progress struct {
	ID       string                  `json:"id"`
	File     protocol.FileDescriptor `json:"file"`
	Blocks   int                     `json:"blocks"`
	Written  int                     `json:"written"`
	Pending  int                     `json:"pending"`
	InFlight int                     `json:"in_flight"`
	Peers    []string                `json:"peers"`
	Started  time.Time               `json:"started"`
}

// Session downloads one content hash. Every block range is at any time in
// exactly one of: pending, one member's in-flight set, written.
type Session struct {
	id       string
	file     protocol.FileDescriptor
	opts     Options
	store    BlockWriter
	onFinish func(s *Session, result Result)
	metrics  *monitoring.Metrics
	logger   *logrus.Entry
	now      func() time.Time
	started  time.Time

	mu       sync.Mutex
	total    int
	pending  []protocol.BlockRange
	members  map[Peer]*memberState
	writing  map[int64]struct{}
	written  map[int64]struct{}
	initial  []outgoing
	finished bool
}

// NewSession partitions file and assigns the first requests to origin. No
// message is sent until Start.
func NewSession(file protocol.FileDescriptor, origin Peer, opts Options, store BlockWriter, onFinish func(*Session, Result), metrics *monitoring.Metrics, logger *logrus.Entry) *Session {
	return newSession(file, origin, opts, store, onFinish, metrics, logger, time.Now)
}

func newSession(file protocol.FileDescriptor, origin Peer, opts Options, store BlockWriter, onFinish func(*Session, Result), metrics *monitoring.Metrics, logger *logrus.Entry, now func() time.Time) *Session {
	id := uuid.NewString()
	ranges := Partition(file.Size, opts.BlockSize)
	s := &Session{
		id:       id,
		file:     file,
		opts:     opts,
		store:    store,
		onFinish: onFinish,
		metrics:  metrics,
		logger: logger.WithFields(logrus.Fields{
			"session": id,
			"path":    file.Path,
			"hash":    file.ContentHash,
		}),
		now:     now,
		started: now(),
		total:   len(ranges),
		pending: ranges,
		members: make(map[Peer]*memberState),
		writing: make(map[int64]struct{}),
		written: make(map[int64]struct{}),
	}
	s.initial = s.addMemberLocked(origin)
	return s
}

func (s *Session) ID() string                    { return s.id }
func (s *Session) File() protocol.FileDescriptor { return s.file }

// Start sends the requests assigned at construction. An empty file
// completes immediately.
func (s *Session) Start() {
	s.mu.Lock()
	out := s.initial
	s.initial = nil
	done := !s.finished && s.drainedLocked()
	if done {
		s.finished = true
	}
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"size":   s.file.Size,
		"blocks": s.total,
	}).Info("Transfer started")

	s.send(out)
	if done {
		s.complete()
	}
}

// Join adds p as a source. It is a no-op for a member or for a different
// content hash.
func (s *Session) Join(p Peer, file protocol.FileDescriptor) {
	if !s.file.SameContent(file) {
		return
	}

	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	if _, ok := s.members[p]; ok {
		s.mu.Unlock()
		return
	}
	out := s.addMemberLocked(p)
	s.mu.Unlock()

	s.logger.WithField("peer", p.String()).Debug("Peer joined transfer")
	s.send(out)
}

func (s *Session) addMemberLocked(p Peer) []outgoing {
	m := &memberState{
		inflight:   make(map[int64]protocol.BlockRange),
		lastActive: s.now(),
	}
	s.members[p] = m
	return s.fillLocked(p, m)
}

func (s *Session) fillLocked(p Peer, m *memberState) []outgoing {
	var out []outgoing
	for len(m.inflight) < s.opts.RequestLimit && len(s.pending) > 0 {
		block := s.pending[0]
		s.pending = s.pending[1:]
		m.inflight[block.Offset] = block
		out = append(out, outgoing{peer: p, block: block})
	}
	return out
}

// Received handles one FileBytesResponse from p. Responses for another hash
// or for a range not in flight to p are dropped.
func (s *Session) Received(p Peer, resp *protocol.FileBytesResponse) {
	if !s.file.SameContent(resp.File) {
		return
	}

	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	m, ok := s.members[p]
	if !ok {
		s.mu.Unlock()
		return
	}
	block, ok := m.inflight[resp.Range.Offset]
	if !ok || block != resp.Range {
		s.mu.Unlock()
		s.logger.WithFields(logrus.Fields{
			"peer":   p.String(),
			"offset": resp.Range.Offset,
		}).Debug("Dropping unrequested block")
		return
	}
	if _, busy := s.writing[block.Offset]; busy {
		s.mu.Unlock()
		return
	}
	m.lastActive = s.now()
	s.writing[block.Offset] = struct{}{}
	s.mu.Unlock()

	err := s.store.WriteBlock(s.file, block.Offset, resp.Content)

	s.mu.Lock()
	delete(s.writing, block.Offset)
	if s.finished {
		s.mu.Unlock()
		return
	}
	if err != nil {
		s.mu.Unlock()
		s.logger.WithError(err).WithField("offset", block.Offset).Error("Failed to write block")
		s.cancel("write failed")
		return
	}

	for _, ms := range s.members {
		delete(ms.inflight, block.Offset)
	}
	s.removePendingLocked(block.Offset)
	s.written[block.Offset] = struct{}{}

	var out []outgoing
	if s.members[p] == m && len(s.pending) > 0 {
		next := s.pending[0]
		s.pending = s.pending[1:]
		m.inflight[next.Offset] = next
		out = append(out, outgoing{peer: p, block: next})
	}

	done := s.drainedLocked()
	if done {
		s.finished = true
	}
	s.mu.Unlock()

	s.metrics.RecordBlockReceived(len(resp.Content))
	s.send(out)
	if done {
		s.complete()
	}
}

func (s *Session) removePendingLocked(offset int64) {
	for i, block := range s.pending {
		if block.Offset == offset {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func (s *Session) drainedLocked() bool {
	if len(s.pending) > 0 || len(s.writing) > 0 {
		return false
	}
	for _, m := range s.members {
		if len(m.inflight) > 0 {
			return false
		}
	}
	return true
}

// Sweep evicts members idle for longer than the inactivity timeout and
// returns their in-flight ranges to pending. It cancels the session when no
// member is left.
func (s *Session) Sweep() {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	now := s.now()
	var evicted []string
	for p, m := range s.members {
		if now.Sub(m.lastActive) > s.opts.InactivityTimeout {
			s.evictLocked(p, m)
			evicted = append(evicted, p.String())
		}
	}
	out, empty := s.rebalanceLocked(len(evicted) > 0)
	s.mu.Unlock()

	if len(evicted) > 0 {
		s.logger.WithField("peers", evicted).Info("Evicted idle peers from transfer")
	}
	if empty {
		s.cancel("no peers left")
		return
	}
	s.send(out)
}

// Detach removes p immediately, as Sweep would after a timeout.
func (s *Session) Detach(p Peer) {
	s.mu.Lock()
	m, ok := s.members[p]
	if s.finished || !ok {
		s.mu.Unlock()
		return
	}
	s.evictLocked(p, m)
	out, empty := s.rebalanceLocked(true)
	s.mu.Unlock()

	s.logger.WithField("peer", p.String()).Debug("Peer detached from transfer")
	if empty {
		s.cancel("no peers left")
		return
	}
	s.send(out)
}

func (s *Session) evictLocked(p Peer, m *memberState) {
	for _, block := range m.inflight {
		s.pending = append(s.pending, block)
	}
	delete(s.members, p)
}

// rebalanceLocked restores offset order in pending and tops up the
// remaining members to the request limit.
func (s *Session) rebalanceLocked(changed bool) ([]outgoing, bool) {
	if !changed {
		return nil, false
	}
	if len(s.members) == 0 {
		return nil, true
	}
	sort.Slice(s.pending, func(i, j int) bool { return s.pending[i].Offset < s.pending[j].Offset })

	var out []outgoing
	for p, m := range s.members {
		out = append(out, s.fillLocked(p, m)...)
	}
	return out, false
}

// Cancel abandons the session and discards partial content.
func (s *Session) Cancel() {
	s.cancel("cancelled")
}

func (s *Session) cancel(reason string) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.mu.Unlock()

	s.teardown(Cancelled, reason)
}

func (s *Session) complete() {
	ok, err := s.store.Verify(s.file)
	switch {
	case err != nil:
		s.logger.WithError(err).Error("Failed to verify transfer")
		s.teardown(Cancelled, "verify failed")
	case !ok:
		s.teardown(Cancelled, "content hash mismatch")
	default:
		s.logger.WithField("duration", s.now().Sub(s.started).String()).Info("Transfer completed")
		s.finish(Completed)
	}
}

func (s *Session) teardown(result Result, reason string) {
	if err := s.store.Cancel(s.file); err != nil {
		s.logger.WithError(err).Warn("Failed to discard partial content")
	}
	s.logger.WithField("reason", reason).Warn("Transfer cancelled")
	s.finish(result)
}

func (s *Session) finish(result Result) {
	if s.onFinish != nil {
		s.onFinish(s, result)
	}
}

func (s *Session) send(out []outgoing) {
	for _, o := range out {
		req := &protocol.FileBytesRequest{File: s.file, Range: o.block}
		if err := o.peer.Send(req); err != nil {
			s.logger.WithError(err).WithField("peer", o.peer.String()).Debug("Failed to request block")
		}
	}
}

// Progress returns a snapshot of the session.
func (s *Session) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := Progress{
		ID:      s.id,
		File:    s.file,
		Blocks:  s.total,
		Written: len(s.written),
		Pending: len(s.pending),
		Started: s.started,
	}
	for peer, m := range s.members {
		p.InFlight += len(m.inflight)
		p.Peers = append(p.Peers, peer.String())
	}
	sort.Strings(p.Peers)
	return p
}
