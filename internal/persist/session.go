// Package persist owns the hybrid sync core: it accumulates local edit
// fragments, debounces, and flushes merged snapshots through a durable
// backend, reconciling against concurrent writers via sync_version.
package persist

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
)

var ErrSessionClosed = errors.New("sync session is closed")

type State int

const (
	StateIdle State = iota
	StatePending
	StateFlushing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePending:
		return "pending"
	case StateFlushing:
		return "flushing"
	default:
		return "unknown"
	}
}

type Config struct {
	TeamID     string
	DocumentID string

	// Debounce is how long local edits must be quiet before a flush.
	Debounce time.Duration
	// MaxRetryElapsed bounds the backoff chain for transient save errors.
	MaxRetryElapsed time.Duration
	// FlushTimeout is the budget for one debounce-triggered flush, retries
	// included; a flush that cannot finish inside it is not started over.
	FlushTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = 2 * time.Second
	}
	if c.MaxRetryElapsed <= 0 {
		c.MaxRetryElapsed = 5 * time.Second
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 25 * time.Second
	}
	return c
}

// Session is one client's live connection to a document. It is an explicit
// per-document object: acquired for the editor's lifetime, torn down with
// Close, never shared as a singleton.
type Session struct {
	cfg         Config
	clientID    string
	merger      Merger
	backend     Backend
	broadcaster Broadcaster
	outbox      *Outbox

	timer       *debounceTimer
	unsubscribe func()

	mu      sync.Mutex
	state   State
	doc     []byte   // locally merged full state
	pending [][]byte // local fragments not yet confirmed durable
	version int64    // last known sync_version
	dirty   bool
	unsaved bool // a flush failed; shown to the user until healed
	closed  bool
}

// NewSession loads the durable snapshot, subscribes to the document's
// broadcast channel, and returns a session in the idle state. The outbox
// may be nil when local spill is not wanted.
func NewSession(ctx context.Context, cfg Config, merger Merger, backend Backend, broadcaster Broadcaster, outbox *Outbox) (*Session, error) {
	if merger == nil {
		return nil, errors.New("merger is required")
	}
	if backend == nil {
		return nil, errors.New("backend is required")
	}

	s := &Session{
		cfg:         cfg.withDefaults(),
		clientID:    uuid.NewString(),
		merger:      merger,
		backend:     backend,
		broadcaster: broadcaster,
		outbox:      outbox,
	}

	doc, version, err := backend.LoadSnapshot(ctx, cfg.TeamID, cfg.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	s.doc = doc
	s.version = version

	if broadcaster != nil {
		unsubscribe, err := broadcaster.Subscribe(ctx, cfg.DocumentID, s.clientID, s.applyRemote)
		if err != nil {
			return nil, fmt.Errorf("subscribe: %w", err)
		}
		s.unsubscribe = unsubscribe
	}

	s.timer = newDebounceTimer(s.cfg.Debounce, s.debounceFired)
	return s, nil
}

func (s *Session) ClientID() string { return s.clientID }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Unsaved reports whether the session holds changes that could not be made
// durable; the editor surfaces this to the user.
func (s *Session) Unsaved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsaved
}

// Snapshot returns a copy of the current locally-merged state.
func (s *Session) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.doc...)
}

// LocalEdit applies a fragment produced by this session's editor, broadcasts
// it to the document's other sessions, and (re)arms the debounce timer.
func (s *Session) LocalEdit(ctx context.Context, fragment []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	merged, err := s.merger.Merge(s.doc, fragment)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("apply fragment: %w", err)
	}
	s.doc = merged
	s.pending = append(s.pending, append([]byte(nil), fragment...))
	s.dirty = true
	if s.state != StateFlushing {
		s.state = StatePending
	}
	s.mu.Unlock()

	s.timer.Reset()
	if s.broadcaster != nil {
		s.broadcaster.Publish(ctx, s.cfg.DocumentID, s.clientID, fragment)
	}
	return nil
}

// applyRemote merges a fragment received from another session. It does not
// mark this session dirty: the originating session owns flushing it, and a
// lost broadcast is healed by snapshot reconciliation, not by us.
func (s *Session) applyRemote(fragment []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	merged, err := s.merger.Merge(s.doc, fragment)
	if err != nil {
		log.Printf("persist: merge remote fragment on %s: %v", s.cfg.DocumentID, err)
		return
	}
	s.doc = merged
}

func (s *Session) debounceFired() {
	s.mu.Lock()
	skip := s.closed || !s.dirty || s.state == StateFlushing
	s.mu.Unlock()
	if skip {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushTimeout)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		log.Printf("persist: flush %s/%s: %v", s.cfg.TeamID, s.cfg.DocumentID, err)
	}
}

// Flush persists the current merged state now, bypassing the debounce wait.
// A version conflict triggers one reload-and-re-merge retry before the
// error surfaces. No-op when there is nothing to save or a flush is already
// in flight.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if !s.dirty || s.state == StateFlushing {
		s.mu.Unlock()
		return nil
	}
	s.state = StateFlushing
	s.dirty = false
	snapshot := append([]byte(nil), s.doc...)
	version := s.version
	flushed := len(s.pending)
	s.mu.Unlock()

	newVersion, err := s.saveWithRetry(ctx, snapshot, version)
	if errors.Is(err, ErrVersionConflict) {
		newVersion, flushed, err = s.resolveConflict(ctx)
	}
	return s.finishFlush(newVersion, flushed, err)
}

func (s *Session) saveWithRetry(ctx context.Context, snapshot []byte, version int64) (int64, error) {
	var newVersion int64

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxElapsedTime = s.cfg.MaxRetryElapsed

	operation := func() error {
		v, err := s.backend.SaveSnapshot(ctx, s.cfg.TeamID, s.cfg.DocumentID, snapshot, version)
		if err != nil {
			if errors.Is(err, ErrVersionConflict) {
				return backoff.Permanent(err)
			}
			return err
		}
		newVersion = v
		return nil
	}
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return 0, err
	}
	return newVersion, nil
}

// resolveConflict reloads the durable snapshot another session flushed,
// re-merges every still-pending local fragment on top, and retries the save
// once against the reloaded version.
func (s *Session) resolveConflict(ctx context.Context) (int64, int, error) {
	remote, remoteVersion, err := s.backend.LoadSnapshot(ctx, s.cfg.TeamID, s.cfg.DocumentID)
	if err != nil {
		return 0, 0, fmt.Errorf("reload after conflict: %w", err)
	}

	s.mu.Lock()
	merged := remote
	for _, fragment := range s.pending {
		next, mergeErr := s.merger.Merge(merged, fragment)
		if mergeErr != nil {
			s.mu.Unlock()
			return 0, 0, fmt.Errorf("re-merge pending fragment: %w", mergeErr)
		}
		merged = next
	}
	s.doc = merged
	s.version = remoteVersion
	flushed := len(s.pending)
	snapshot := append([]byte(nil), merged...)
	s.mu.Unlock()

	newVersion, err := s.backend.SaveSnapshot(ctx, s.cfg.TeamID, s.cfg.DocumentID, snapshot, remoteVersion)
	if err != nil {
		return 0, flushed, err
	}
	return newVersion, flushed, nil
}

func (s *Session) finishFlush(newVersion int64, flushed int, saveErr error) error {
	s.mu.Lock()

	if saveErr != nil {
		s.unsaved = true
		s.dirty = true
		s.state = StatePending
		spill := OutboxEntry{
			TeamID:     s.cfg.TeamID,
			DocumentID: s.cfg.DocumentID,
			State:      append([]byte(nil), s.doc...),
			Version:    s.version,
		}
		s.mu.Unlock()

		if s.outbox != nil {
			if err := s.outbox.Put(spill); err != nil {
				log.Printf("persist: spill %s/%s to outbox: %v", s.cfg.TeamID, s.cfg.DocumentID, err)
			}
		}
		s.timer.Reset()
		return saveErr
	}

	s.version = newVersion
	s.pending = append([][]byte(nil), s.pending[flushed:]...)
	s.unsaved = false
	rearm := s.dirty
	if rearm {
		s.state = StatePending
	} else {
		s.state = StateIdle
	}
	s.mu.Unlock()

	if s.outbox != nil {
		if err := s.outbox.Delete(s.cfg.TeamID, s.cfg.DocumentID); err != nil {
			log.Printf("persist: clear outbox %s/%s: %v", s.cfg.TeamID, s.cfg.DocumentID, err)
		}
	}
	if rearm {
		s.timer.Reset()
	}
	return nil
}

// ForceFlush is the teardown path: deliver current state through the
// detached transport immediately, without waiting for the debounce or a
// response. State is also spilled to the outbox so nothing is lost if the
// detached delivery never lands.
func (s *Session) ForceFlush() {
	s.timer.Cancel()

	s.mu.Lock()
	if s.closed || (!s.dirty && !s.unsaved) {
		s.mu.Unlock()
		return
	}
	snapshot := append([]byte(nil), s.doc...)
	version := s.version
	s.mu.Unlock()

	if s.outbox != nil {
		_ = s.outbox.Put(OutboxEntry{
			TeamID:     s.cfg.TeamID,
			DocumentID: s.cfg.DocumentID,
			State:      snapshot,
			Version:    version,
		})
	}
	s.backend.SaveSnapshotDetached(s.cfg.TeamID, s.cfg.DocumentID, snapshot, version)
}

// Resync folds any outbox entry for this document back into the live state
// and flushes through the normal conflict-checked path. Called after a
// reconnect.
func (s *Session) Resync(ctx context.Context) error {
	if s.outbox == nil {
		return nil
	}
	entry, ok, err := s.outbox.Get(s.cfg.TeamID, s.cfg.DocumentID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	merged, err := s.merger.Merge(s.doc, entry.State)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("merge outbox state: %w", err)
	}
	s.doc = merged
	// A full state is a valid fragment, so keeping it pending means a
	// conflict re-merge cannot drop the recovered data.
	s.pending = append(s.pending, append([]byte(nil), entry.State...))
	s.dirty = true
	if s.state == StateIdle {
		s.state = StatePending
	}
	s.mu.Unlock()

	return s.Flush(ctx)
}

// Close tears the session down: cancels the debounce, unsubscribes from the
// broadcast channel, and fires a best-effort detached flush for any unsaved
// state.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	needsFlush := s.dirty || s.unsaved
	snapshot := append([]byte(nil), s.doc...)
	version := s.version
	s.closed = true
	s.mu.Unlock()

	s.timer.Cancel()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if needsFlush {
		if s.outbox != nil {
			_ = s.outbox.Put(OutboxEntry{
				TeamID:     s.cfg.TeamID,
				DocumentID: s.cfg.DocumentID,
				State:      snapshot,
				Version:    version,
			})
		}
		s.backend.SaveSnapshotDetached(s.cfg.TeamID, s.cfg.DocumentID, snapshot, version)
	}
}
