package empathy

import (
	"strings"
	"sync"
)

// Message is one buffered conversation message awaiting analysis.
type Message struct {
	Sender string
	Text   string
}

// Buffers tracks per-user collection state: which users are in an
// empathy session, the messages they forwarded so far, and their
// per-user model override. Safe for concurrent use.
type Buffers struct {
	mu       sync.Mutex
	sessions map[int64][]Message
	models   map[int64]string
}

// NewBuffers creates empty buffers.
func NewBuffers() *Buffers {
	return &Buffers{
		sessions: make(map[int64][]Message),
		models:   make(map[int64]string),
	}
}

// Start opens a collection session for the user, clearing any
// previously buffered messages.
func (b *Buffers) Start(userID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[userID] = []Message{}
}

// Active reports whether the user has an open session.
func (b *Buffers) Active(userID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.sessions[userID]
	return ok
}

// Append adds a message to the user's session. Returns false when no
// session is open.
func (b *Buffers) Append(userID int64, msg Message) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.sessions[userID]
	if !ok {
		return false
	}
	b.sessions[userID] = append(buf, msg)
	return true
}

// Take closes the user's session and returns the buffered messages.
// Returns false when no session was open.
func (b *Buffers) Take(userID int64) ([]Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf, ok := b.sessions[userID]
	if !ok {
		return nil, false
	}
	delete(b.sessions, userID)
	return buf, true
}

// Cancel discards the user's session. Returns false when no session
// was open.
func (b *Buffers) Cancel(userID int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.sessions[userID]
	delete(b.sessions, userID)
	return ok
}

// Len returns the number of buffered messages for the user.
func (b *Buffers) Len(userID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions[userID])
}

// SetModel records a per-user model override. Blank clears it.
func (b *Buffers) SetModel(userID int64, model string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	model = strings.TrimSpace(model)
	if model == "" {
		delete(b.models, userID)
		return
	}
	b.models[userID] = model
}

// Model returns the user's model override, or fallback when none is set.
func (b *Buffers) Model(userID int64, fallback string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.models[userID]; ok {
		return m
	}
	return fallback
}
