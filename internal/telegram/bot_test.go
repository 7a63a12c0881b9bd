package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RelayChat/internal/dispatcher"
)

type fakeAPI struct {
	mu       sync.Mutex
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	sendErrs []error // consumed one per Send call
	updates  chan tgbotapi.Update
	stopped  bool
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return tgbotapi.Message{}, err
		}
	}
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func testBot(api *fakeAPI) *Bot {
	return newBot(api, "relay_bot", Options{RateLimit: 1000, Burst: 100, MaxAttempts: 3, RetryBaseDelay: time.Millisecond}, nil)
}

func TestSend_ChunksAndKeyboard(t *testing.T) {
	api := &fakeAPI{}
	b := testBot(api)

	text := strings.Repeat("line of text\n", 700) // ~9100 runes
	buttons := []dispatcher.Button{{Label: "Fast", Data: "model:fast"}, {Label: "Smart", Data: "model:smart"}}
	require.NoError(t, b.Send(context.Background(), dispatcher.Reply{ChatID: 7, Text: text, Buttons: buttons}))

	require.Len(t, api.sent, 3)
	var joined strings.Builder
	for i, c := range api.sent {
		msg, ok := c.(tgbotapi.MessageConfig)
		require.True(t, ok)
		assert.Equal(t, int64(7), msg.ChatID)
		assert.LessOrEqual(t, len([]rune(msg.Text)), MaxMessageLength)
		joined.WriteString(msg.Text)
		if i < len(api.sent)-1 {
			assert.Nil(t, msg.ReplyMarkup)
		}
	}
	assert.Equal(t, text, joined.String())

	last := api.sent[2].(tgbotapi.MessageConfig)
	markup, ok := last.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, markup.InlineKeyboard, 2)
	require.NotNil(t, markup.InlineKeyboard[1][0].CallbackData)
	assert.Equal(t, "model:smart", *markup.InlineKeyboard[1][0].CallbackData)
}

func TestSend_RetriesRateLimit(t *testing.T) {
	api := &fakeAPI{sendErrs: []error{
		&tgbotapi.Error{Code: 429, Message: "Too Many Requests"},
		&tgbotapi.Error{Code: 502, Message: "Bad Gateway"},
	}}
	b := testBot(api)

	require.NoError(t, b.Send(context.Background(), dispatcher.Reply{ChatID: 1, Text: "hi"}))
	assert.Len(t, api.sent, 1)
}

func TestSend_BoundedRetry(t *testing.T) {
	netErr := errors.New("connection reset by peer")
	api := &fakeAPI{sendErrs: []error{netErr, netErr, netErr, nil}}
	b := testBot(api)

	err := b.Send(context.Background(), dispatcher.Reply{ChatID: 1, Text: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, dispatcher.ErrTransportFailure)
	assert.ErrorIs(t, err, netErr)
	assert.Empty(t, api.sent)
	assert.Len(t, api.sendErrs, 1, "exactly MaxAttempts sends were made")
}

func TestSend_ForbiddenIsNotRetried(t *testing.T) {
	api := &fakeAPI{sendErrs: []error{&tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}, nil}}
	b := testBot(api)

	err := b.Send(context.Background(), dispatcher.Reply{ChatID: 1, Text: "hi"})
	assert.ErrorIs(t, err, dispatcher.ErrTransportFailure)
	assert.Len(t, api.sendErrs, 1)
}

func TestRetryDelay(t *testing.T) {
	b := newBot(&fakeAPI{}, "relay_bot", Options{RetryBaseDelay: 100 * time.Millisecond}, nil)

	d, ok := b.retryDelay(1, errors.New("timeout"))
	assert.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, d)

	d, ok = b.retryDelay(3, errors.New("timeout"))
	assert.True(t, ok)
	assert.Equal(t, 400*time.Millisecond, d)

	// doubling stops at the cap instead of overflowing
	for _, attempt := range []int{10, 64, 100, 1000} {
		d, ok = b.retryDelay(attempt, errors.New("timeout"))
		assert.True(t, ok)
		assert.Equal(t, maxRetryDelay, d, "attempt %d", attempt)
	}

	d, ok = b.retryDelay(1, &tgbotapi.Error{Code: 429, ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 7}})
	assert.True(t, ok)
	assert.Equal(t, 7*time.Second, d)

	d, ok = b.retryDelay(1, &tgbotapi.Error{Code: 429, ResponseParameters: tgbotapi.ResponseParameters{RetryAfter: 600}})
	assert.True(t, ok)
	assert.Equal(t, maxRetryDelay, d)

	_, ok = b.retryDelay(1, &tgbotapi.Error{Code: 400, Message: "Bad Request: chat not found"})
	assert.False(t, ok)
}

func TestEventFromUpdate(t *testing.T) {
	chat := &tgbotapi.Chat{ID: 42}
	from := &tgbotapi.User{ID: 9, UserName: "alice"}

	ev, ok := eventFromUpdate(tgbotapi.Update{Message: &tgbotapi.Message{Chat: chat, From: from, Text: "Hello", Date: 1700000000}})
	require.True(t, ok)
	assert.Equal(t, int64(42), ev.ChatID)
	assert.Equal(t, int64(9), ev.SenderID)
	assert.Equal(t, "alice", ev.SenderName)
	assert.Equal(t, "Hello", ev.Text)
	assert.Equal(t, time.Unix(1700000000, 0), ev.Timestamp)
	assert.NotEmpty(t, ev.ID)

	ev, ok = eventFromUpdate(tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb1",
		From:    &tgbotapi.User{ID: 9, FirstName: "Alice", LastName: "Smith"},
		Message: &tgbotapi.Message{Chat: chat},
		Data:    "model:grok-3",
	}})
	require.True(t, ok)
	assert.Equal(t, "/model grok-3", ev.Text)
	assert.Equal(t, "Alice Smith", ev.SenderName)

	ev, ok = eventFromUpdate(tgbotapi.Update{Message: &tgbotapi.Message{Chat: chat, Photo: []tgbotapi.PhotoSize{{FileID: "p"}}}})
	require.True(t, ok, "media without text still gets a reply")
	assert.Empty(t, ev.Text)

	_, ok = eventFromUpdate(tgbotapi.Update{Message: &tgbotapi.Message{Chat: chat, NewChatMembers: []tgbotapi.User{*from}}})
	assert.False(t, ok)

	_, ok = eventFromUpdate(tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{Message: &tgbotapi.Message{Chat: chat}, Data: "other"}})
	assert.False(t, ok)

	_, ok = eventFromUpdate(tgbotapi.Update{})
	assert.False(t, ok)
}

func TestPoll(t *testing.T) {
	api := &fakeAPI{updates: make(chan tgbotapi.Update, 3)}
	b := testBot(api)
	chat := &tgbotapi.Chat{ID: 1}

	api.updates <- tgbotapi.Update{UpdateID: 1, Message: &tgbotapi.Message{Chat: chat, Text: "one"}}
	api.updates <- tgbotapi.Update{UpdateID: 2, Message: &tgbotapi.Message{Chat: chat}}
	api.updates <- tgbotapi.Update{UpdateID: 3, CallbackQuery: &tgbotapi.CallbackQuery{ID: "cb", Message: &tgbotapi.Message{Chat: chat}, Data: "model:fast"}}

	ctx, cancel := context.WithCancel(context.Background())
	var got []string
	err := b.Poll(ctx, func(_ context.Context, ev dispatcher.Event) {
		got = append(got, ev.Text)
		if len(got) == 2 {
			cancel()
		}
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"one", "/model fast"}, got)
	assert.True(t, api.stopped)
	require.Len(t, api.requests, 1, "callback answered")
}
