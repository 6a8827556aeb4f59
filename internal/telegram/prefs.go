package telegram

import (
	"context"
	"sync"
)

// Preferences are the per-user generation settings chosen through the
// keyboards. They are passed into each session explicitly.
type Preferences struct {
	Model      string
	ImageCount int
}

type preferenceStore struct {
	mu     sync.RWMutex
	byUser map[int64]Preferences
}

func newPreferenceStore() *preferenceStore {
	return &preferenceStore{byUser: make(map[int64]Preferences)}
}

func (s *preferenceStore) Get(userID int64) Preferences {
	s.mu.RLock()
	p, ok := s.byUser[userID]
	s.mu.RUnlock()
	if !ok || p.ImageCount < 1 {
		p.ImageCount = 1
	}
	return p
}

func (s *preferenceStore) SetModel(userID int64, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.byUser[userID]
	p.Model = model
	s.byUser[userID] = p
}

func (s *preferenceStore) SetImageCount(userID int64, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.byUser[userID]
	p.ImageCount = n
	s.byUser[userID] = p
}

// activeSessions allows one in-flight generation per user.
type activeSessions struct {
	mu     sync.Mutex
	byUser map[int64]context.CancelFunc
}

func newActiveSessions() *activeSessions {
	return &activeSessions{byUser: make(map[int64]context.CancelFunc)}
}

// begin registers a session for userID and reports false if one is running.
func (a *activeSessions) begin(userID int64, cancel context.CancelFunc) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, busy := a.byUser[userID]; busy {
		return false
	}
	a.byUser[userID] = cancel
	return true
}

func (a *activeSessions) end(userID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.byUser, userID)
}

// cancel stops the user's running session, if any.
func (a *activeSessions) cancel(userID int64) bool {
	a.mu.Lock()
	cancel, ok := a.byUser[userID]
	a.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (a *activeSessions) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.byUser)
}
