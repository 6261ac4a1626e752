package feed

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// SessionManager is the process-local live-session index: every open,
// authenticated connection keyed by its owning user id. It is mutated
// only by connection open/close and read by publish; nothing here
// survives a restart.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[int64]map[string]*Session // userID → sessionID → session
	logger   *zap.Logger
}

// NewSessionManager creates a new SessionManager.
func NewSessionManager(logger *zap.Logger) *SessionManager {
	return &SessionManager{
		sessions: make(map[int64]map[string]*Session),
		logger:   logger,
	}
}

// Register adds a session under its user id. Multiple sessions per
// user are allowed (multiple tabs/devices).
func (sm *SessionManager) Register(s *Session) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	byID, ok := sm.sessions[s.UserID]
	if !ok {
		byID = make(map[string]*Session)
		sm.sessions[s.UserID] = byID
	}
	byID[s.ID] = s
	sm.logger.Info("feed session registered",
		zap.Int64("user_id", s.UserID),
		zap.String("session_id", s.ID))
}

// Unregister removes one session. A user's other sessions are untouched.
func (sm *SessionManager) Unregister(s *Session) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if byID, ok := sm.sessions[s.UserID]; ok {
		delete(byID, s.ID)
		if len(byID) == 0 {
			delete(sm.sessions, s.UserID)
		}
	}
	sm.logger.Info("feed session unregistered",
		zap.Int64("user_id", s.UserID),
		zap.String("session_id", s.ID))
}

// SessionsFor returns a snapshot of the open sessions for one user.
func (sm *SessionManager) SessionsFor(userID int64) []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	byID := sm.sessions[userID]
	out := make([]*Session, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	return out
}

// IsOnline reports whether a user has at least one open session.
func (sm *SessionManager) IsOnline(userID int64) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions[userID]) > 0
}

// Count returns the number of open sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	n := 0
	for _, byID := range sm.sessions {
		n += len(byID)
	}
	return n
}

// OnlineUserIDs returns a snapshot of user ids with open sessions.
func (sm *SessionManager) OnlineUserIDs() []int64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	ids := make([]int64, 0, len(sm.sessions))
	for id := range sm.sessions {
		ids = append(ids, id)
	}
	return ids
}

// CloseUser closes all sessions of one user and drops them from the
// index (admin kick). A closed session never stays registered: the user
// is offline the moment this returns, and the read pumps' own
// Unregister calls become no-ops.
func (sm *SessionManager) CloseUser(userID int64) int {
	sm.mu.Lock()
	byID := sm.sessions[userID]
	sessions := make([]*Session, 0, len(byID))
	for _, s := range byID {
		sessions = append(sessions, s)
	}
	delete(sm.sessions, userID)
	sm.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	return len(sessions)
}

// CloseAllSessions gracefully closes every session (shutdown).
func (sm *SessionManager) CloseAllSessions() {
	sm.mu.Lock()
	sessions := make([]*Session, 0)
	for _, byID := range sm.sessions {
		for _, s := range byID {
			sessions = append(sessions, s)
		}
	}
	sm.mu.Unlock()

	sm.logger.Info("closing all feed sessions", zap.Int("count", len(sessions)))
	for _, s := range sessions {
		s.Close()
	}

	// Wait for all sessions to close (with timeout)
	maxWait := 10 * time.Second
	start := time.Now()
	for time.Since(start) < maxWait {
		if sm.Count() == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
}
