// Package session manages per-caller execution context: environment
// overrides accumulated across local commands, cached SSH connections
// for remote commands, and idle expiry of both.
package session

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shellmcp/shellmcp/internal/observability"
)

// RemoteConn is the store's view of a cached remote connection. The
// store only ever closes it; everything else about the connection is
// the executor's business.
type RemoteConn interface {
	Close() error
}

// Session is one caller-scoped execution context. Sessions are owned by
// the Store: all mutation happens through Store methods while the store
// lock is held. Callers hold the pointer only to read identity fields.
type Session struct {
	ID        string
	Host      string
	Username  string
	CreatedAt time.Time

	lastUsedAt time.Time
	env        map[string]string
	conn       RemoteConn
}

// LastUsedAt returns when the session was last touched. Only meaningful
// as a snapshot; the store refreshes it on every access.
func (s *Session) LastUsedAt() time.Time {
	return s.lastUsedAt
}

// Store maps session identifiers to Sessions and enforces idle expiry.
//
// The mutex serializes create, lookup and evict. It is never held while
// a command executes or an SSH dial is in flight: callers obtain what
// they need under the lock, release it, and only then do slow work.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	timeout  time.Duration
	nowFunc  func() time.Time
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// NewStore creates a session store with the given idle timeout.
func NewStore(timeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		sessions: make(map[string]*Session),
		timeout:  timeout,
		nowFunc:  time.Now,
		logger:   logger.With("component", "session"),
		metrics:  metrics,
	}
}

// SetNowFunc overrides the store's clock. For testing.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		fn = time.Now
	}
	s.nowFunc = fn
}

// GetOrCreate returns the session for id, creating it if needed.
//
// Every call first sweeps the store and evicts sessions idle longer
// than the timeout, closing their remote connections. An existing
// session has its last-used time refreshed; host and username are only
// applied when the session is created.
func (s *Store) GetOrCreate(id, host, username string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	s.sweepLocked(now)

	if sess, ok := s.sessions[id]; ok {
		sess.lastUsedAt = now
		return sess
	}

	sess := &Session{
		ID:         id,
		Host:       host,
		Username:   username,
		CreatedAt:  now,
		lastUsedAt: now,
		env:        make(map[string]string),
	}
	s.sessions[id] = sess
	s.metrics.SessionOpened()
	s.logger.Info("session created", "session_id", id, "host", host, "username", username)
	return sess
}

// sweepLocked evicts every session idle longer than the timeout.
// Callers must hold s.mu.
func (s *Store) sweepLocked(now time.Time) {
	for id, sess := range s.sessions {
		if now.Sub(sess.lastUsedAt) > s.timeout {
			if sess.conn != nil {
				_ = sess.conn.Close()
				sess.conn = nil
			}
			delete(s.sessions, id)
			s.metrics.SessionEvicted()
			s.logger.Info("session evicted", "session_id", id,
				"idle", now.Sub(sess.lastUsedAt).Truncate(time.Second).String())
		}
	}
}

// MergeEnv folds per-call overrides into the session's accumulated
// environment (per-call wins on conflicts), persists the merged map on
// the session, and returns a copy for the executor to use. Subsequent
// calls on the same session inherit the result.
func (s *Store) MergeEnv(id string, overrides map[string]string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		merged := make(map[string]string, len(overrides))
		for k, v := range overrides {
			merged[k] = v
		}
		return merged
	}

	for k, v := range overrides {
		sess.env[k] = v
	}

	merged := make(map[string]string, len(sess.env))
	for k, v := range sess.env {
		merged[k] = v
	}
	return merged
}

// RemoteConn returns the session's cached connection, or nil.
func (s *Store) RemoteConn(id string) RemoteConn {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[id]; ok {
		return sess.conn
	}
	return nil
}

// SetRemoteConn caches a connection on the session, closing any
// previously cached one. A session holds at most one live connection.
func (s *Store) SetRemoteConn(id string, conn RemoteConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return
	}
	if sess.conn != nil && sess.conn != conn {
		_ = sess.conn.Close()
	}
	sess.conn = conn
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close evicts every session and closes all cached connections. Used on
// shutdown; close errors are ignored.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sess := range s.sessions {
		if sess.conn != nil {
			_ = sess.conn.Close()
			sess.conn = nil
		}
		delete(s.sessions, id)
		s.metrics.SessionClosed()
	}
}
