package dialog

import "sync"

// Store is the account-wide dialog table. The account context is the sole
// owner; every other subsystem holds a Call-ID and looks the dialog up on
// each use rather than caching a pointer, which is how the cyclic
// ownership between dialogs, sessions, and buddies is avoided.
type Store struct {
	mu      sync.Mutex
	entries map[string]*Dialog
}

// NewStore returns an empty dialog table.
func NewStore() *Store {
	return &Store{entries: map[string]*Dialog{}}
}

// Add registers d under its Call-ID, replacing any existing entry with the
// same key.
func (s *Store) Add(d *Dialog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[d.key()] = d
}

// Get looks up a dialog by Call-ID.
func (s *Store) Get(callID string) (*Dialog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.entries[Key(callID)]
	return d, ok
}

// Remove deletes the dialog for callID, if any.
func (s *Store) Remove(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, Key(callID))
}

// All returns a snapshot slice of every tracked dialog, for diagnostics and
// reconciliation sweeps.
func (s *Store) All() []*Dialog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Dialog, 0, len(s.entries))
	for _, d := range s.entries {
		out = append(out, d)
	}
	return out
}

// Len reports how many dialogs are tracked.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
