// Package telegram connects the dispatcher to the Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"RelayChat/internal/dispatcher"
)

const maxRetryDelay = 30 * time.Second

// botAPI is the subset of *tgbotapi.BotAPI the bot uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

type Options struct {
	PollTimeout    int     // long-poll timeout in seconds
	RateLimit      float64 // outbound messages per second
	Burst          int
	MaxAttempts    int
	RetryBaseDelay time.Duration
}

// Bot receives updates and sends replies. It implements dispatcher.Sender.
type Bot struct {
	api      botAPI
	opts     Options
	limiter  *rate.Limiter
	logger   *slog.Logger
	username string
}

// NewBot authenticates with the Bot API.
func NewBot(token string, opts Options, logger *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	api.Debug = false
	return newBot(api, api.Self.UserName, opts, logger), nil
}

func newBot(api botAPI, username string, opts Options, logger *slog.Logger) *Bot {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 30
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 25
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		api:      api,
		opts:     opts,
		limiter:  rate.NewLimiter(rate.Limit(opts.RateLimit), opts.Burst),
		logger:   logger.With("component", "telegram"),
		username: username,
	}
}

func (b *Bot) Username() string {
	return b.username
}

// Poll long-polls for updates and hands each chat event to handle until ctx is done.
func (b *Bot) Poll(ctx context.Context, handle func(context.Context, dispatcher.Event)) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.opts.PollTimeout

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("polling for updates", "bot", b.username)

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return errors.New("update channel closed")
			}
			if update.CallbackQuery != nil {
				b.answerCallback(update.CallbackQuery)
			}
			ev, ok := eventFromUpdate(update)
			if !ok {
				b.logger.Debug("ignoring update", "update_id", update.UpdateID)
				continue
			}
			handle(ctx, ev)
		}
	}
}

// eventFromUpdate converts a text message, a media message or a model-select
// callback into an event.
func eventFromUpdate(update tgbotapi.Update) (dispatcher.Event, bool) {
	if cq := update.CallbackQuery; cq != nil {
		if cq.Message == nil || cq.Message.Chat == nil || !strings.HasPrefix(cq.Data, dispatcher.CallbackPrefix) {
			return dispatcher.Event{}, false
		}
		id := strings.TrimPrefix(cq.Data, dispatcher.CallbackPrefix)
		var senderID int64
		var senderName string
		if cq.From != nil {
			senderID, senderName = cq.From.ID, displayName(cq.From)
		}
		return dispatcher.NewEvent(cq.Message.Chat.ID, senderID, senderName, "/model "+id, time.Now()), true
	}

	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return dispatcher.Event{}, false
	}
	if msg.Text == "" && !hasMedia(msg) {
		// service messages: joins, pins, title changes
		return dispatcher.Event{}, false
	}
	var senderID int64
	var senderName string
	if msg.From != nil {
		senderID, senderName = msg.From.ID, displayName(msg.From)
	}
	return dispatcher.NewEvent(msg.Chat.ID, senderID, senderName, msg.Text, msg.Time()), true
}

func hasMedia(msg *tgbotapi.Message) bool {
	return msg.Photo != nil || msg.Document != nil || msg.Sticker != nil || msg.Voice != nil ||
		msg.Audio != nil || msg.Video != nil || msg.VideoNote != nil || msg.Animation != nil
}

func displayName(u *tgbotapi.User) string {
	if u.UserName != "" {
		return u.UserName
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

func (b *Bot) answerCallback(cq *tgbotapi.CallbackQuery) {
	if _, err := b.api.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
		b.logger.Warn("failed to answer callback", "error", err)
	}
}

// Send delivers a reply, split into chunks the API accepts. Buttons go on the last chunk.
func (b *Bot) Send(ctx context.Context, r dispatcher.Reply) error {
	chunks := SplitMessage(r.Text, MaxMessageLength)
	for i, chunk := range chunks {
		msg := tgbotapi.NewMessage(r.ChatID, chunk)
		if i == len(chunks)-1 && len(r.Buttons) > 0 {
			msg.ReplyMarkup = keyboard(r.Buttons)
		}
		if err := b.sendWithRetry(ctx, msg); err != nil {
			return fmt.Errorf("%w: chunk %d/%d: %w", dispatcher.ErrTransportFailure, i+1, len(chunks), err)
		}
	}
	return nil
}

// Typing shows the typing indicator. Skipped when the send budget is exhausted.
func (b *Bot) Typing(ctx context.Context, chatID int64) error {
	if !b.limiter.Allow() {
		return nil
	}
	if _, err := b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		return fmt.Errorf("failed to send chat action: %w", err)
	}
	return nil
}

func keyboard(buttons []dispatcher.Button) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, btn := range buttons {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(btn.Label, btn.Data)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func (b *Bot) sendWithRetry(ctx context.Context, c tgbotapi.Chattable) error {
	var lastErr error
	for attempt := 1; attempt <= b.opts.MaxAttempts; attempt++ {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := b.api.Send(c)
		if err == nil {
			return nil
		}
		lastErr = err

		delay, retry := b.retryDelay(attempt, err)
		if !retry || attempt == b.opts.MaxAttempts {
			break
		}
		b.logger.Warn("send failed, retrying", "attempt", attempt, "delay", delay.String(), "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// retryDelay decides whether a failed send is worth repeating and how long to wait.
func (b *Bot) retryDelay(attempt int, err error) (time.Duration, bool) {
	delay := b.opts.RetryBaseDelay
	for i := 1; i < attempt && delay < maxRetryDelay; i++ {
		delay *= 2
	}

	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429:
			if apiErr.RetryAfter > 0 {
				delay = time.Duration(apiErr.RetryAfter) * time.Second
			}
		case apiErr.Code >= 500:
		default:
			// bad request, blocked by the user, chat not found
			return 0, false
		}
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay, true
}
