// Package presence tracks the peer's online and typing state for the
// currently open conversation.
package presence

import "sync"

// Tracker holds the last observed presence of a single peer. Both flags
// start false and are reset whenever a conversation is (re)opened, since
// stale state from a previous session must not leak into the new one.
type Tracker struct {
	mu     sync.Mutex
	online bool
	typing bool
}

func NewTracker() *Tracker {
	return &Tracker{}
}

func (t *Tracker) SetOnline(online bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online = online
	if !online {
		// An offline peer cannot be typing.
		t.typing = false
	}
}

func (t *Tracker) SetTyping(typing bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.typing = typing
}

func (t *Tracker) Online() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online
}

func (t *Tracker) Typing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.typing
}

func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online = false
	t.typing = false
}
