package usage

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLedger_Totals(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, Entry{ChatID: 1, Model: "gpt-4o", PromptTokens: 5, CompletionTokens: 3, TotalTokens: 8}))
	require.NoError(t, l.Record(ctx, Entry{ChatID: 1, Model: "grok-3", PromptTokens: 10, CompletionTokens: 2, TotalTokens: 12}))
	require.NoError(t, l.Record(ctx, Entry{ChatID: 2, Model: "gpt-4o", PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}))

	got, err := l.Totals(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, Totals{Calls: 2, PromptTokens: 15, CompletionTokens: 5, TotalTokens: 20}, got)

	got, err = l.Totals(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Calls)
}

func TestLedger_EmptyChat(t *testing.T) {
	l := openTestLedger(t)

	got, err := l.Totals(context.Background(), 99)
	require.NoError(t, err)
	assert.Equal(t, Totals{}, got)
}

func TestLedger_ReopenIsIdempotent(t *testing.T) {
	l := openTestLedger(t)
	require.NoError(t, l.Record(context.Background(), Entry{ChatID: 1, Model: "m", TotalTokens: 4}))

	// same shared-cache database while the first handle is open
	again, err := Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	defer again.Close()

	got, err := again.Totals(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 4, got.TotalTokens)
}
