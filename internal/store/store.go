package store

import (
	"sync"
)

// Derived keys hold the path excerpt and the diff computed for a channel.
func ExcerptKey(channel string) string { return channel + "_excerpt" }
func DiffKey(channel string) string    { return channel + "_diff" }

// MessageStore maps a key (usually a channel name) to the payloads received
// on it, in delivery order. It is written by the listen loop and may be read
// concurrently by status and API handlers.
type MessageStore struct {
	mu       sync.RWMutex
	seqs     map[string][]any
	fixtures map[string]any
}

func NewMessageStore() *MessageStore {
	return &MessageStore{
		seqs:     make(map[string][]any),
		fixtures: make(map[string]any),
	}
}

// Append adds payload to key and returns the new length.
func (s *MessageStore) Append(key string, payload any) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[key] = append(s.seqs[key], payload)
	return len(s.seqs[key])
}

// Reset clears key and its derived keys. With preserve set, an injected
// fixture for key survives as the single entry.
func (s *MessageStore) Reset(key string, preserve bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seqs, key)
	delete(s.seqs, ExcerptKey(key))
	delete(s.seqs, DiffKey(key))
	if !preserve {
		return
	}
	if f, ok := s.fixtures[key]; ok {
		s.seqs[key] = []any{f}
	}
}

// Discard drops everything accumulated under key and its derived keys.
// Unlike Reset it never restores a fixture.
func (s *MessageStore) Discard(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seqs, key)
	delete(s.seqs, ExcerptKey(key))
	delete(s.seqs, DiffKey(key))
}

// Inject records a fixture for key and makes it the current sequence.
func (s *MessageStore) Inject(key string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fixtures[key] = payload
	s.seqs[key] = []any{payload}
}

// ClearFixtures forgets every injected fixture.
func (s *MessageStore) ClearFixtures() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fixtures = make(map[string]any)
}

func (s *MessageStore) Len(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seqs[key])
}

// Last returns the newest payload under key.
func (s *MessageStore) Last(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq := s.seqs[key]
	if len(seq) == 0 {
		return nil, false
	}
	return seq[len(seq)-1], true
}

// LastTwo returns the newest and second-newest payloads under key.
func (s *MessageStore) LastTwo(key string) (latest, previous any, n int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq := s.seqs[key]
	n = len(seq)
	if n > 0 {
		latest = seq[n-1]
	}
	if n > 1 {
		previous = seq[n-2]
	}
	return latest, previous, n
}

// Messages returns a copy of the sequence under key.
func (s *MessageStore) Messages(key string) []any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]any(nil), s.seqs[key]...)
}

// Keys lists keys that currently hold at least one payload.
func (s *MessageStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.seqs))
	for k, seq := range s.seqs {
		if len(seq) > 0 {
			out = append(out, k)
		}
	}
	return out
}

// Trim keeps only the newest keep payloads under key.
func (s *MessageStore) Trim(key string, keep int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.seqs[key]
	if keep < 0 || len(seq) <= keep {
		return
	}
	s.seqs[key] = append([]any(nil), seq[len(seq)-keep:]...)
}
