package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Songmengdi/mcp-feedback-collector-sub000/internal/domain"
)

// DefaultSweepInterval is how often RunSweeper evicts expired sessions.
const DefaultSweepInterval = 30 * time.Second

// Store is the in-memory table of pending feedback sessions for one instance.
// Sessions leave the store through exactly one of AppendReply (last round),
// Complete, Fail, Delete, DeleteByProtocolSessionID, Sweep, CloseAll or lazy
// expiry. The removing call is the only one allowed to settle the session's
// future: settlement goes through complete or fail.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
	log      *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		sessions: make(map[string]*Session),
		now:      time.Now,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "session_store")
	return s
}

// Now returns the store clock's current time.
func (s *Store) Now() time.Time {
	return s.now()
}

// Create inserts a session. A duplicate id is a programming error.
func (s *Store) Create(sess *Session) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if sess.pending == nil {
		sess.pending = NewPending()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrDuplicateSession, sess.ID)
	}
	s.sessions[sess.ID] = sess
	s.log.Debug("session created", "session_id", sess.ID, "protocol_session_id", sess.ProtocolSessionID, "timeout", sess.Timeout)
	return nil
}

// Get returns a snapshot of the session. Expired entries are never returned:
// they are evicted here and their future is rejected with a timeout.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.Lock()
	sess, ok := s.liveLocked(id)
	var snapshot *Session
	if ok {
		snapshot = sess.clone()
	}
	s.mu.Unlock()
	return snapshot, ok
}

// Update applies fn to the live session under the store lock. It returns
// false if the session is absent or expired.
func (s *Store) Update(id string, fn func(*Session)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.liveLocked(id)
	if !ok {
		return false
	}
	fn(sess)
	return true
}

// AppendReply adds a reply and, once the session has all its rounds, removes
// it and resolves its future with every reply collected so far. It returns
// whether the session completed; ErrSessionNotFound if it is gone.
func (s *Store) AppendReply(id string, reply domain.FeedbackReply) (bool, error) {
	s.mu.Lock()
	sess, ok := s.liveLocked(id)
	if !ok {
		s.mu.Unlock()
		return false, domain.ErrSessionNotFound
	}
	sess.Replies = append(sess.Replies, reply)
	if len(sess.Replies) < sess.rounds() {
		s.mu.Unlock()
		return false, nil
	}
	delete(s.sessions, id)
	s.mu.Unlock()

	return complete(sess), nil
}

// Delete removes a session without settling its future.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return false
	}
	delete(s.sessions, id)
	return true
}

// Complete removes the session and resolves its future with its replies.
func (s *Store) Complete(id string) bool {
	sess := s.take(id)
	if sess == nil {
		return false
	}
	return complete(sess)
}

// Fail removes the session and rejects its future with err.
func (s *Store) Fail(id string, err error) bool {
	sess := s.take(id)
	if sess == nil {
		return false
	}
	return fail(sess, err)
}

// DeleteByProtocolSessionID cancels every session owned by the protocol
// session, rejecting pending futures with ErrSessionClosed.
func (s *Store) DeleteByProtocolSessionID(protocolSessionID string) bool {
	if protocolSessionID == "" {
		return false
	}
	s.mu.Lock()
	var removed []*Session
	for id, sess := range s.sessions {
		if sess.ProtocolSessionID == protocolSessionID {
			delete(s.sessions, id)
			removed = append(removed, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range removed {
		fail(sess, domain.ErrSessionClosed)
		s.log.Info("session cancelled by protocol close", "session_id", sess.ID, "protocol_session_id", protocolSessionID)
	}
	return len(removed) > 0
}

// Sweep evicts every expired session and rejects its future with a timeout.
func (s *Store) Sweep() int {
	now := s.now()
	s.mu.Lock()
	var expired []*Session
	for id, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, id)
			expired = append(expired, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range expired {
		fail(sess, domain.NewFeedbackTimeout(sess.Timeout))
		s.log.Info("session expired", "session_id", sess.ID, "timeout", sess.Timeout)
	}
	return len(expired)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.log.Debug("sweep evicted sessions", "count", n)
			}
		}
	}
}

// CloseAll rejects and removes every session. Used on instance shutdown.
func (s *Store) CloseAll(err error) int {
	s.mu.Lock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	for _, sess := range all {
		fail(sess, err)
	}
	return len(all)
}

// Latest returns the most recently created live session.
func (s *Store) Latest() (*Session, bool) {
	return s.latestWhere(func(*Session) bool { return true })
}

// FindByProtocolSessionID returns the most recent live session owned by the
// protocol session.
func (s *Store) FindByProtocolSessionID(protocolSessionID string) (*Session, bool) {
	if protocolSessionID == "" {
		return nil, false
	}
	return s.latestWhere(func(sess *Session) bool {
		return sess.ProtocolSessionID == protocolSessionID
	})
}

// Len returns the number of sessions, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Store) latestWhere(match func(*Session) bool) (*Session, bool) {
	now := s.now()
	s.mu.Lock()
	var best *Session
	var expired []*Session
	for id, sess := range s.sessions {
		if sess.Expired(now) {
			delete(s.sessions, id)
			expired = append(expired, sess)
			continue
		}
		if !match(sess) {
			continue
		}
		if best == nil || sess.CreatedAt.After(best.CreatedAt) {
			best = sess
		}
	}
	var snapshot *Session
	if best != nil {
		snapshot = best.clone()
	}
	s.mu.Unlock()

	for _, sess := range expired {
		fail(sess, domain.NewFeedbackTimeout(sess.Timeout))
	}
	return snapshot, snapshot != nil
}

// liveLocked returns the session if present and not expired. An expired
// entry is removed and its future rejected. Caller holds s.mu.
func (s *Store) liveLocked(id string) (*Session, bool) {
	sess, ok := s.sessions[id]
	if !ok {
		return nil, false
	}
	if sess.Expired(s.now()) {
		delete(s.sessions, id)
		fail(sess, domain.NewFeedbackTimeout(sess.Timeout))
		s.log.Info("session expired on access", "session_id", id)
		return nil, false
	}
	return sess, true
}

// complete and fail settle a session already removed from the map. They are
// the only places the store settles a future.
func complete(sess *Session) bool {
	return sess.pending.Resolve(append([]domain.FeedbackReply(nil), sess.Replies...))
}

func fail(sess *Session, err error) bool {
	return sess.pending.Reject(err)
}

func (s *Store) take(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	delete(s.sessions, id)
	return sess
}
