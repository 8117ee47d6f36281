package dialog

import (
	"strings"
	"sync"
)

// QueuedMessage is one outgoing message waiting for a dialog to exist, or
// for an in-flight INVITE to resolve, before it can be sent as MESSAGE or
// folded into the first INVITE's ms-text-format body.
type QueuedMessage struct {
	Text string
}

// unconfirmedKey is the fingerprint used for correlating a
// sent MESSAGE/INFO with the moment its delivery is confirmed or fails:
// (call-id, cseq, method, peer).
type unconfirmedKey struct {
	CallID string
	CSeq   uint32
	Method string
	Peer   string
}

// Session is an IM Session: either a 1:1 conversation with a single peer
// URI or a multiparty chat identified by a numeric chat-id, composed of
// one or more Dialogs (one per participant once a 1:1 session is upgraded
// to multiparty). It is created lazily on first send or first incoming
// INVITE and destroyed when its last dialog ends or delivery fails
// unrecoverably.
type Session struct {
	mu sync.Mutex

	CallID        string
	Multiparty    bool
	ChatID        uint64
	PeerURI       string // only meaningful when !Multiparty
	Dialogs       []*Dialog
	Outgoing      []QueuedMessage
	RosterManager string

	// Host is an opaque handle to the conversation window/object the
	// embedding application represents this session with; the session
	// manager never interprets it, only passes it back on callbacks.
	Host any

	unconfirmed map[unconfirmedKey]string
}

// NewOneToOne starts a 1:1 session for peerURI, anchored on the given
// initial dialog.
func NewOneToOne(callID, peerURI string, d *Dialog) *Session {
	return &Session{
		CallID:      callID,
		PeerURI:     peerURI,
		Dialogs:     []*Dialog{d},
		unconfirmed: map[unconfirmedKey]string{},
	}
}

// NewMultiparty starts a multiparty session identified by chatID.
func NewMultiparty(callID string, chatID uint64) *Session {
	return &Session{
		CallID:      callID,
		Multiparty:  true,
		ChatID:      chatID,
		unconfirmed: map[unconfirmedKey]string{},
	}
}

// AddDialog appends a participant dialog, used when a 1:1 session is
// upgraded to multiparty by an incoming roster change.
func (s *Session) AddDialog(d *Dialog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Dialogs = append(s.Dialogs, d)
}

// RemoveDialog drops a participant dialog by Call-ID and reports whether
// any dialog remains. Safe for a 1:1 session, where exactly one dialog ever
// carries that Call-ID; a multiparty session's legs all share the
// conference's original Call-ID, so removing one participant there must go
// through RemoveDialogByPeer instead.
func (s *Session) RemoveDialog(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := Key(callID)
	out := s.Dialogs[:0]
	for _, d := range s.Dialogs {
		if d.key() != key {
			out = append(out, d)
		}
	}
	s.Dialogs = out
	return len(s.Dialogs) > 0
}

// RemoveDialogByPeer drops the participant dialog addressed to peerURI and
// reports whether any dialog remains. Multiparty legs share one Call-ID, so
// the peer URI is what actually distinguishes them.
func (s *Session) RemoveDialogByPeer(peerURI string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := strings.ToLower(peerURI)
	out := s.Dialogs[:0]
	for _, d := range s.Dialogs {
		if strings.ToLower(d.PeerURI) != target {
			out = append(out, d)
		}
	}
	s.Dialogs = out
	return len(s.Dialogs) > 0
}

// Enqueue appends text to the outgoing queue.
func (s *Session) Enqueue(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Outgoing = append(s.Outgoing, QueuedMessage{Text: text})
}

// DrainQueue removes and returns every queued message, in order.
func (s *Session) DrainQueue() []QueuedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.Outgoing
	s.Outgoing = nil
	return out
}

// MarkUnconfirmed records text as awaiting delivery confirmation under the
// (call-id, cseq, method, peer) fingerprint.
func (s *Session) MarkUnconfirmed(callID string, cseq uint32, method, peer, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unconfirmed[unconfirmedKey{callID, cseq, method, peer}] = text
}

// ResolveUnconfirmed removes and returns the text matching the fingerprint,
// if any was pending.
func (s *Session) ResolveUnconfirmed(callID string, cseq uint32, method, peer string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := unconfirmedKey{callID, cseq, method, peer}
	text, ok := s.unconfirmed[key]
	if ok {
		delete(s.unconfirmed, key)
	}
	return text, ok
}

// SessionStore is the account-wide IM session table, keyed by Call-ID for
// 1:1 sessions and additionally reachable by peer URI for "do I already
// have a session with this buddy" lookups.
type SessionStore struct {
	mu         sync.Mutex
	byCallID   map[string]*Session
	byPeerURI  map[string]*Session
}

// NewSessionStore returns an empty session table.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		byCallID:  map[string]*Session{},
		byPeerURI: map[string]*Session{},
	}
}

// Add registers a session, indexing it by Call-ID and, for 1:1 sessions,
// by peer URI.
func (ss *SessionStore) Add(s *Session) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.byCallID[Key(s.CallID)] = s
	if !s.Multiparty {
		ss.byPeerURI[strings.ToLower(s.PeerURI)] = s
	}
}

// ByCallID looks up a session by Call-ID.
func (ss *SessionStore) ByCallID(callID string) (*Session, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	s, ok := ss.byCallID[Key(callID)]
	return s, ok
}

// ByPeerURI looks up an existing 1:1 session for peerURI, used before
// starting a new INVITE so a second session is never opened for the same
// buddy.
func (ss *SessionStore) ByPeerURI(peerURI string) (*Session, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	s, ok := ss.byPeerURI[strings.ToLower(peerURI)]
	return s, ok
}

// Remove deletes a session from both indexes.
func (ss *SessionStore) Remove(s *Session) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	delete(ss.byCallID, Key(s.CallID))
	if !s.Multiparty {
		delete(ss.byPeerURI, strings.ToLower(s.PeerURI))
	}
}

// Count reports how many sessions are currently tracked, for diagnostics.
func (ss *SessionStore) Count() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.byCallID)
}

