package session

import "time"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single chat message
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage stamps a message with the current time.
func NewMessage(role, content string) Message {
	return Message{Role: role, Content: content, Timestamp: time.Now()}
}

// EstimateTokens gives a rough token count (~4 characters per token).
func (m Message) EstimateTokens() int {
	return (len(m.Content) + 3) / 4
}

// Session represents the conversation state of one chat
type Session struct {
	ChatID    int64     `json:"chat_id"`
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers never share the backing array with the store.
func (s Session) Clone() Session {
	out := s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	return out
}

// HasSystemMessage reports whether the chat carries its own system instruction.
func (s Session) HasSystemMessage() bool {
	for _, m := range s.Messages {
		if m.Role == RoleSystem {
			return true
		}
	}
	return false
}
