package client

import "sync"

// CredentialState is the process-wide authentication state shared by the
// pipeline and the auth service. The refreshing flag and the waiter queue only
// carry data while a refresh wave is in progress.
type CredentialState struct {
	mu            sync.Mutex
	authenticated bool
	refreshing    bool
	waiters       []chan error
}

// NewCredentialState returns a state with the given authenticated flag.
func NewCredentialState(authenticated bool) *CredentialState {
	return &CredentialState{authenticated: authenticated}
}

// SetAuthenticated records whether the user holds a session.
func (s *CredentialState) SetAuthenticated(v bool) {
	s.mu.Lock()
	s.authenticated = v
	s.mu.Unlock()
}

// Authenticated reports the session flag.
func (s *CredentialState) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authenticated
}

// Refreshing reports whether a refresh wave is running.
func (s *CredentialState) Refreshing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshing
}

// Waiting returns the number of callers queued behind the current refresh.
func (s *CredentialState) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

// join makes the caller the refresher when no wave is running. Otherwise the
// caller is queued and receives the refresh outcome on the returned channel.
// Check and set happen under one lock acquisition.
func (s *CredentialState) join() (leader bool, wait <-chan error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.refreshing {
		s.refreshing = true
		return true, nil
	}
	ch := make(chan error, 1)
	s.waiters = append(s.waiters, ch)
	return false, ch
}

// release hands err to every queued waiter in arrival order and ends the
// wave. It returns how many waiters were released.
func (s *CredentialState) release(err error) int {
	s.mu.Lock()
	waiters := s.waiters
	s.waiters = nil
	s.refreshing = false
	s.authenticated = err == nil
	for _, ch := range waiters {
		ch <- err
	}
	s.mu.Unlock()
	return len(waiters)
}

// expire clears the authenticated flag and reports whether this call was the
// one that cleared it.
func (s *CredentialState) expire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.authenticated
	s.authenticated = false
	return was
}
