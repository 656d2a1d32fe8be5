package presence

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for single-node deployments and tests.
// Expiry is checked lazily on read.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]entry
	users    map[string]map[string]struct{}
	messages map[string]messageList
	subs     map[string][]chan []byte
}

type entry struct {
	payload  []byte
	expireAt time.Time
}

type messageList struct {
	items    [][]byte
	expireAt time.Time
}

// NewMemoryStore creates an empty in-memory presence store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]entry),
		users:    make(map[string]map[string]struct{}),
		messages: make(map[string]messageList),
		subs:     make(map[string][]chan []byte),
	}
}

func expired(at time.Time) bool {
	return !at.IsZero() && time.Now().After(at)
}

func expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func (s *MemoryStore) SetSession(_ context.Context, sessionID string, payload []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(payload))
	copy(buf, payload)
	s.sessions[sessionID] = entry{payload: buf, expireAt: expiry(ttl)}
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok || expired(e.expireAt) {
		return nil, ErrMiss
	}
	return e.payload, nil
}

func (s *MemoryStore) RefreshSession(_ context.Context, sessionID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.sessions[sessionID]; ok && !expired(e.expireAt) {
		e.expireAt = expiry(ttl)
		s.sessions[sessionID] = e
	}
	return nil
}

func (s *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	delete(s.messages, sessionID)
	return nil
}

func (s *MemoryStore) AddUserSession(_ context.Context, userID, sessionID string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.users[userID]
	if !ok {
		set = make(map[string]struct{})
		s.users[userID] = set
	}
	set[sessionID] = struct{}{}
	return nil
}

func (s *MemoryStore) RemoveUserSession(_ context.Context, userID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.users[userID]; ok {
		delete(set, sessionID)
	}
	return nil
}

func (s *MemoryStore) UserSessions(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.users[userID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out, nil
}

func (s *MemoryStore) PushMessage(_ context.Context, sessionID string, payload []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := make([]byte, len(payload))
	copy(buf, payload)

	list := s.messages[sessionID]
	if expired(list.expireAt) {
		list.items = nil
	}
	list.items = append(list.items, buf)
	list.expireAt = expiry(ttl)
	s.messages[sessionID] = list
	return nil
}

func (s *MemoryStore) CachedMessages(_ context.Context, sessionID string, n int) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.messages[sessionID]
	if expired(list.expireAt) {
		return nil, nil
	}
	items := list.items
	if n > 0 && len(items) > n {
		items = items[len(items)-n:]
	}
	out := make([][]byte, len(items))
	copy(out, items)
	return out, nil
}

func (s *MemoryStore) Publish(_ context.Context, channel string, payload []byte) error {
	s.mu.RLock()
	subs := append([]chan []byte(nil), s.subs[channel]...)
	s.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- payload:
		default:
			// Slow subscribers lose events rather than blocking publishers.
		}
	}
	return nil
}

func (s *MemoryStore) Subscribe(_ context.Context, channel string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 64)
	s.mu.Lock()
	s.subs[channel] = append(s.subs[channel], ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subs[channel]
		for i, sub := range subs {
			if sub == ch {
				s.subs[channel] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
	return ch, cancel, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
