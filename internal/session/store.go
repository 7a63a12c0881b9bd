package session

import (
	"sync"
	"time"
)

type entry struct {
	mu      sync.Mutex
	session Session
	busy    int // running turns; guarded by Store.mu
}

// Store keeps conversation sessions in memory, keyed by chat id.
//
// Each operation locks only the entry of the chat it touches, so chats never
// contend with each other beyond the brief map lookup. Serializing whole turns
// within a chat is the dispatcher's job.
type Store struct {
	mu           sync.RWMutex
	sessions     map[int64]*entry
	policy       Policy
	defaultModel string
	now          func() time.Time
	idleTTL      time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIdleTTL evicts sessions idle longer than ttl on EvictIdle.
func WithIdleTTL(ttl time.Duration) Option {
	return func(s *Store) { s.idleTTL = ttl }
}

// NewStore creates an empty store. New sessions start with defaultModel.
func NewStore(policy Policy, defaultModel string, opts ...Option) *Store {
	s := &Store{
		sessions:     make(map[int64]*entry),
		policy:       policy,
		defaultModel: defaultModel,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Acquire marks the chat as having a running turn until the returned release
// is called. EvictIdle never removes a busy chat. Release refreshes the idle clock.
func (s *Store) Acquire(chatID int64) (release func()) {
	s.mu.Lock()
	e, ok := s.sessions[chatID]
	if !ok {
		e = s.newEntry(chatID)
	}
	e.busy++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			e.busy--
			s.mu.Unlock()

			e.mu.Lock()
			e.session.UpdatedAt = s.now()
			e.mu.Unlock()
		})
	}
}

// Policy returns the retention policy applied on Append.
func (s *Store) Policy() Policy {
	return s.policy
}

func (s *Store) entry(chatID int64) *entry {
	s.mu.RLock()
	e, ok := s.sessions[chatID]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.sessions[chatID]; ok {
		return e
	}
	return s.newEntry(chatID)
}

// newEntry creates and registers an empty session. s.mu must be held for writing.
func (s *Store) newEntry(chatID int64) *entry {
	now := s.now()
	e := &entry{session: Session{
		ChatID:    chatID,
		Model:     s.defaultModel,
		Messages:  []Message{},
		CreatedAt: now,
		UpdatedAt: now,
	}}
	s.sessions[chatID] = e
	return e
}

// GetOrCreate returns a snapshot of the chat's session, creating an empty one if needed.
func (s *Store) GetOrCreate(chatID int64) Session {
	e := s.entry(chatID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session.Clone()
}

// Append adds msg to the chat history and applies the retention policy.
func (s *Store) Append(chatID int64, msg Message) Session {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}

	e := s.entry(chatID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.Messages = s.policy.Apply(append(e.session.Messages, msg))
	e.session.UpdatedAt = s.now()
	return e.session.Clone()
}

// Restore replaces the chat history with msgs. Used to undo a turn exactly,
// including anything the retention policy evicted while it was in flight.
func (s *Store) Restore(chatID int64, msgs []Message) {
	e := s.entry(chatID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.Messages = append([]Message(nil), msgs...)
}

// SetModel switches the active model. History is untouched.
func (s *Store) SetModel(chatID int64, modelID string) {
	e := s.entry(chatID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.Model = modelID
	e.session.UpdatedAt = s.now()
}

// Clear drops the history and keeps the selected model.
func (s *Store) Clear(chatID int64) {
	e := s.entry(chatID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session.Messages = []Message{}
	e.session.UpdatedAt = s.now()
}

// SetSystemPrompt replaces the chat's system messages with a single one.
// An empty prompt removes them.
func (s *Store) SetSystemPrompt(chatID int64, prompt string) {
	e := s.entry(chatID)
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := make([]Message, 0, len(e.session.Messages)+1)
	if prompt != "" {
		kept = append(kept, Message{Role: RoleSystem, Content: prompt, Timestamp: s.now()})
	}
	for _, m := range e.session.Messages {
		if m.Role != RoleSystem {
			kept = append(kept, m)
		}
	}
	e.session.Messages = s.policy.Apply(kept)
	e.session.UpdatedAt = s.now()
}

// Messages returns a copy of the chat history.
func (s *Store) Messages(chatID int64) []Message {
	return s.GetOrCreate(chatID).Messages
}

// Len returns the number of sessions held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// EvictIdle removes sessions not updated within the idle TTL and returns how
// many were removed. Chats with a running turn are kept. It is a no-op without
// WithIdleTTL.
func (s *Store) EvictIdle() int {
	if s.idleTTL <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.sessions {
		if e.busy > 0 {
			continue
		}
		e.mu.Lock()
		idle := e.session.UpdatedAt.Before(cutoff)
		e.mu.Unlock()
		if idle {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}
