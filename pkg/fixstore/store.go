// Package fixstore is the transactional per-session message log (C2):
// an append-only, crash-durable map from (SessionID, seqNum) to a raw
// FIX frame, with optimistic versioning and all-or-nothing
// transactions.
//
// The in-memory ordering index is a plain sorted-on-read slice rather
// than the teacher's twmb/go-rbtree: that dependency's public surface
// could not be verified against source in this environment (not
// present in the retrieval pack, no network access to confirm its real
// API), and guessing it risks code that looks right but does not
// compile — worse than the stdlib fallback documented here. See
// DESIGN.md.
package fixstore

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/coreline/goldfix/internal/flog"
)

// SessionID is the subset of identity fixstore needs: a stable,
// filesystem-safe string key. pkg/fixsession.SessionID satisfies this.
type SessionID interface {
	String() string
}

// StoredMessage is the (Message, seqNum, version) triple spec.md §3
// defines. Raw holds the exact FIX frame bytes that were stored (an
// encoded outbound frame or a received inbound one).
type StoredMessage struct {
	SeqNum  uint64
	Raw     []byte
	Version uint64
}

// Store owns every session's persisted message log. Cross-session
// operations run concurrently; each session's own operations are
// serialized by that session's lock (spec.md §5).
type Store struct {
	dir string
	log flog.Logger

	versionCounter uint64 // atomic, process-wide per spec.md §4.2/§9

	mu       sync.RWMutex
	sessions map[string]*sessionState
}

type txn struct {
	baseVersion uint64
	writes      map[uint64][]byte
}

type sessionState struct {
	mu      sync.Mutex
	path    string
	nextSeq uint64
	entries map[uint64]entry
	tx      *txn
}

// Open returns a Store rooted at dir, creating dir if necessary.
// Existing session files are not read until their SessionID is first
// touched (lazy per-session recovery, per spec.md's "SessionState is
// created when a session is registered").
func Open(dir string, log flog.Logger) (*Store, error) {
	if log == nil {
		log = flog.Nop{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storeErrf(err, "creating store directory %q", dir)
	}
	return &Store{dir: dir, log: log, sessions: make(map[string]*sessionState)}, nil
}

func (s *Store) session(id SessionID) (*sessionState, error) {
	key := id.String()

	s.mu.RLock()
	ss, ok := s.sessions[key]
	s.mu.RUnlock()
	if ok {
		return ss, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ss, ok := s.sessions[key]; ok {
		return ss, nil
	}

	path := filepath.Join(s.dir, key)
	ss, err := s.recover(path)
	if err != nil {
		return nil, err
	}
	s.sessions[key] = ss
	return ss, nil
}

func (s *Store) recover(path string) (*sessionState, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &sessionState{path: path, nextSeq: 1, entries: make(map[uint64]entry)}, nil
	}
	if err != nil {
		return nil, storeErrf(err, "reading store file %q", path)
	}

	nextSeq, versionHigh, entries, err := decodeRecord(data)
	if err != nil {
		s.log.Log(flog.LevelError, "store file failed to recover", "path", path, "err", err)
		return nil, err
	}
	s.bumpVersionCounter(versionHigh)
	if nextSeq == 0 {
		nextSeq = 1
	}
	return &sessionState{path: path, nextSeq: nextSeq, entries: entries}, nil
}

func (s *Store) bumpVersionCounter(atLeast uint64) {
	for {
		cur := atomic.LoadUint64(&s.versionCounter)
		if cur >= atLeast {
			return
		}
		if atomic.CompareAndSwapUint64(&s.versionCounter, cur, atLeast) {
			return
		}
	}
}

func (s *Store) nextVersion() uint64 {
	return atomic.AddUint64(&s.versionCounter, 1)
}

// NextSeq returns the session's next outbound sequence number and
// atomically increments it. NextSeq itself does not flush: the advanced
// counter reaches disk with the session's next flush (StoreMsg outside
// a transaction, CommitTx or ResetSeq), and durability of what was
// actually sent is the caller's job via Store (per spec.md §4.4's
// persist-before-send discipline).
func (s *Store) NextSeq(id SessionID) (uint64, error) {
	ss, err := s.session(id)
	if err != nil {
		return 0, err
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	n := ss.nextSeq
	ss.nextSeq++
	return n, nil
}

// ResetSeq sets the next sequence number back to 1 and deletes every
// StoredMessage for the session, then flushes the (now-empty) file.
func (s *Store) ResetSeq(id SessionID) error {
	ss, err := s.session(id)
	if err != nil {
		return err
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	ss.nextSeq = 1
	ss.entries = make(map[uint64]entry)
	ss.tx = nil
	return s.flushLocked(ss)
}

// BeginTx opens a transaction for the session. Only one may be open at
// a time; reopening returns ErrAlreadyOpen.
func (s *Store) BeginTx(id SessionID) error {
	ss, err := s.session(id)
	if err != nil {
		return err
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.tx != nil {
		return ErrAlreadyOpen
	}
	ss.tx = &txn{baseVersion: s.currentVersion(), writes: make(map[uint64][]byte)}
	return nil
}

func (s *Store) currentVersion() uint64 {
	return atomic.LoadUint64(&s.versionCounter)
}

// StoreMsg buffers (seqNum, raw) inside the session's open transaction,
// or — if no transaction is open — writes it immediately with a fresh
// version. Writing a seqNum that already exists overwrites it and
// bumps its version.
func (s *Store) StoreMsg(id SessionID, seqNum uint64, raw []byte) error {
	ss, err := s.session(id)
	if err != nil {
		return err
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.tx != nil {
		cp := append([]byte(nil), raw...)
		ss.tx.writes[seqNum] = cp
		return nil
	}

	ss.entries[seqNum] = entry{raw: append([]byte(nil), raw...), version: s.nextVersion()}
	return s.flushLocked(ss)
}

// Get returns the raw message and version stored at seqNum, if any.
func (s *Store) Get(id SessionID, seqNum uint64) (StoredMessage, bool, error) {
	ss, err := s.session(id)
	if err != nil {
		return StoredMessage{}, false, err
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	e, ok := ss.entries[seqNum]
	if !ok {
		return StoredMessage{}, false, nil
	}
	return StoredMessage{SeqNum: seqNum, Raw: append([]byte(nil), e.raw...), Version: e.version}, true, nil
}

// GetRange returns every stored message with from <= seqNum <= to, in
// ascending seqNum order. Missing sequence numbers inside the range are
// simply absent from the result; detecting gaps is the caller's job.
func (s *Store) GetRange(id SessionID, from, to uint64) ([]StoredMessage, error) {
	ss, err := s.session(id)
	if err != nil {
		return nil, err
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	out := make([]StoredMessage, 0, len(ss.entries))
	for seq, e := range ss.entries {
		if seq < from || seq > to {
			continue
		}
		out = append(out, StoredMessage{SeqNum: seq, Raw: append([]byte(nil), e.raw...), Version: e.version})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeqNum < out[j].SeqNum })
	return out, nil
}

// CommitTx atomically applies every buffered write: each draws a fresh
// monotonic version, is merged into the in-memory map, and the whole
// session is flushed to disk. If the flush fails, no writes take
// effect and the transaction remains open so the caller may retry or
// roll back.
func (s *Store) CommitTx(id SessionID) error {
	ss, err := s.session(id)
	if err != nil {
		return err
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.tx == nil {
		return ErrNoTransaction
	}

	// Apply to a scratch copy first so a flush failure leaves the
	// live map (and the transaction) untouched.
	scratch := make(map[uint64]entry, len(ss.entries)+len(ss.tx.writes))
	for k, v := range ss.entries {
		scratch[k] = v
	}
	for seq, raw := range ss.tx.writes {
		scratch[seq] = entry{raw: raw, version: s.nextVersion()}
	}

	prevEntries := ss.entries
	ss.entries = scratch
	if err := s.flushLocked(ss); err != nil {
		ss.entries = prevEntries // roll the scratch copy back; tx stays open
		return err
	}
	ss.tx = nil
	return nil
}

// RollbackTx discards the session's buffered writes without touching
// the persisted state.
func (s *Store) RollbackTx(id SessionID) error {
	ss, err := s.session(id)
	if err != nil {
		return err
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.tx == nil {
		return ErrNoTransaction
	}
	ss.tx = nil
	return nil
}

// flushLocked serializes and atomically writes ss to disk. Caller must
// hold ss.mu.
func (s *Store) flushLocked(ss *sessionState) error {
	data := encodeRecord(ss.nextSeq, atomic.LoadUint64(&s.versionCounter), ss.entries)
	return writeFileAtomic(ss.path, data)
}
