package session

// Policy bounds the size of a conversation history.
//
// Eviction scans from the oldest message and drops evictable (non-system)
// messages until both caps hold. System messages are never dropped, and the
// newest message is kept even when it alone exceeds MaxTokens.
type Policy struct {
	MaxMessages int // 0 disables the count cap
	MaxTokens   int // 0 disables the token cap
}

// evictable is the eviction predicate.
func evictable(m Message) bool {
	return m.Role != RoleSystem
}

// EstimateTokens sums the token estimate of msgs.
func EstimateTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += m.EstimateTokens()
	}
	return total
}

func (p Policy) fits(count, tokens int) bool {
	if p.MaxMessages > 0 && count > p.MaxMessages {
		return false
	}
	if p.MaxTokens > 0 && tokens > p.MaxTokens {
		return false
	}
	return true
}

// Apply returns msgs with the oldest evictable entries removed until the policy
// holds. The input slice is not modified; order is preserved.
func (p Policy) Apply(msgs []Message) []Message {
	count := len(msgs)
	tokens := EstimateTokens(msgs)
	if p.fits(count, tokens) {
		return msgs
	}

	drop := make([]bool, len(msgs))
	last := len(msgs) - 1
	for i := 0; i < last && !p.fits(count, tokens); i++ {
		if !evictable(msgs[i]) {
			continue
		}
		drop[i] = true
		count--
		tokens -= msgs[i].EstimateTokens()
	}

	out := make([]Message, 0, count)
	for i, m := range msgs {
		if !drop[i] {
			out = append(out, m)
		}
	}
	return out
}
