package session

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userMsg(i int) Message {
	return Message{Role: RoleUser, Content: fmt.Sprintf("message %d", i)}
}

func TestPolicy_NoEvictionUnderCap(t *testing.T) {
	p := Policy{MaxMessages: 5}
	msgs := []Message{userMsg(1), userMsg(2)}
	assert.Equal(t, msgs, p.Apply(msgs))
}

func TestPolicy_CountCapKeepsMostRecent(t *testing.T) {
	p := Policy{MaxMessages: 3}

	var history []Message
	for i := 1; i <= 50; i++ {
		history = p.Apply(append(history, userMsg(i)))
		require.LessOrEqual(t, len(history), 3)
		assert.Equal(t, fmt.Sprintf("message %d", i), history[len(history)-1].Content)
	}

	assert.Equal(t, []string{"message 48", "message 49", "message 50"}, contents(history))
}

func TestPolicy_SystemMessagesNeverEvicted(t *testing.T) {
	p := Policy{MaxMessages: 4}
	history := []Message{{Role: RoleSystem, Content: "be brief"}}

	for i := 1; i <= 20; i++ {
		history = p.Apply(append(history, userMsg(i)))
		require.LessOrEqual(t, len(history), 4)
	}

	require.Len(t, history, 4)
	assert.Equal(t, RoleSystem, history[0].Role)
	assert.Equal(t, []string{"be brief", "message 18", "message 19", "message 20"}, contents(history))
}

func TestPolicy_SystemMessageInTheMiddleSurvives(t *testing.T) {
	p := Policy{MaxMessages: 3}
	msgs := []Message{userMsg(1), {Role: RoleSystem, Content: "sys"}, userMsg(2), userMsg(3), userMsg(4)}

	out := p.Apply(msgs)
	assert.Equal(t, []string{"sys", "message 3", "message 4"}, contents(out))
}

func TestPolicy_TokenCap(t *testing.T) {
	// each message is 40 chars -> 10 tokens
	long := func(i int) Message {
		return Message{Role: RoleUser, Content: fmt.Sprintf("%02d%s", i, strings.Repeat("x", 38))}
	}
	p := Policy{MaxTokens: 25}

	out := p.Apply([]Message{long(1), long(2), long(3), long(4)})
	require.Len(t, out, 2)
	assert.LessOrEqual(t, EstimateTokens(out), 25)
	assert.True(t, strings.HasPrefix(out[0].Content, "03"))
	assert.True(t, strings.HasPrefix(out[1].Content, "04"))
}

func TestPolicy_NewestKeptEvenWhenOversized(t *testing.T) {
	p := Policy{MaxTokens: 5}
	huge := Message{Role: RoleUser, Content: strings.Repeat("y", 400)}

	out := p.Apply([]Message{userMsg(1), huge})
	require.Len(t, out, 1)
	assert.Equal(t, huge.Content, out[0].Content)
}

func TestPolicy_DoesNotModifyInput(t *testing.T) {
	p := Policy{MaxMessages: 1}
	msgs := []Message{userMsg(1), userMsg(2)}

	_ = p.Apply(msgs)
	assert.Equal(t, []string{"message 1", "message 2"}, contents(msgs))
}

func contents(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}
