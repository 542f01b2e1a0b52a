package session

import (
	"context"
	"sync"
)

// FakeStore is an in-memory Store for tests.
type FakeStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	errs     map[string]error
	fetches  []string
	deleted  []string
}

// NewFakeStore creates a FakeStore holding sessions.
func NewFakeStore(sessions ...*Session) *FakeStore {
	f := &FakeStore{sessions: map[string]*Session{}, errs: map[string]error{}}
	for _, s := range sessions {
		f.sessions[s.Key] = s
	}
	return f
}

// Put stores a session.
func (f *FakeStore) Put(s *Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.Key] = s
}

// FailFetch makes fetches of key return err. A nil err clears it.
func (f *FakeStore) FailFetch(key string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, key)
		return
	}
	f.errs[key] = err
}

func (f *FakeStore) Fetch(ctx context.Context, key string) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, key)
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	return f.sessions[key], nil
}

func (f *FakeStore) Delete(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, key)
	delete(f.sessions, key)
}

// Get returns the stored session for key.
func (f *FakeStore) Get(key string) (*Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[key]
	return s, ok
}

// Fetches returns the keys fetched so far.
func (f *FakeStore) Fetches() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetches...)
}

// Deleted returns the keys deleted so far.
func (f *FakeStore) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}
