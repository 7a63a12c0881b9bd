// Package dispatcher turns inbound chat events into replies.
//
// Every event ends Delivered or Failed with a visible reply, except commands
// addressed to another bot, which end Ignored. Events of one
// chat are handled strictly in arrival order; different chats run concurrently.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"RelayChat/internal/completion"
	"RelayChat/internal/registry"
	"RelayChat/internal/session"
	"RelayChat/internal/usage"
)

var (
	// ErrTransportFailure marks a reply the chat platform did not accept.
	ErrTransportFailure = errors.New("transport failure")
	// ErrEmptyMessage is returned for events without text.
	ErrEmptyMessage = errors.New("empty message")
	// ErrEmptyCompletion is returned when the model answers with no text.
	ErrEmptyCompletion = errors.New("empty completion")
)

// Event is one inbound chat message.
type Event struct {
	ID         string
	ChatID     int64
	SenderID   int64
	SenderName string
	Text       string
	Timestamp  time.Time
}

// NewEvent stamps an event with a fresh id.
func NewEvent(chatID, senderID int64, senderName, text string, ts time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		ChatID:     chatID,
		SenderID:   senderID,
		SenderName: senderName,
		Text:       text,
		Timestamp:  ts,
	}
}

// Button is an inline action attached to a reply. Data is sent back as a callback.
type Button struct {
	Label string
	Data  string
}

// Reply is one outbound message.
type Reply struct {
	ChatID  int64
	Text    string
	Buttons []Button
}

type State int

const (
	StateReceived State = iota
	StateDelivered
	StateFailed
	// StateIgnored marks a command addressed to another bot; nothing is sent.
	StateIgnored
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateDelivered:
		return "delivered"
	case StateFailed:
		return "failed"
	case StateIgnored:
		return "ignored"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome is the terminal state of one event.
type Outcome struct {
	State State
	Reply Reply
	Err   error
}

// Completer produces a model answer.
type Completer interface {
	Complete(ctx context.Context, d registry.Descriptor, messages []session.Message, opts completion.Options) (completion.Result, error)
}

// Sender delivers replies to the chat platform.
type Sender interface {
	Send(ctx context.Context, r Reply) error
	Typing(ctx context.Context, chatID int64) error
}

// Ledger accounts token usage per chat.
type Ledger interface {
	Record(ctx context.Context, e usage.Entry) error
	Totals(ctx context.Context, chatID int64) (usage.Totals, error)
}

type Config struct {
	Generation completion.Generation
	// BotUsername is matched against "/cmd@name" suffixes; commands for other bots are ignored.
	BotUsername string
}

// Deps are the collaborators of a Dispatcher. Ledger and Logger are optional.
type Deps struct {
	Registry  *registry.Registry
	Store     *session.Store
	Completer Completer
	Sender    Sender
	Ledger    Ledger
	Logger    *slog.Logger
}

type queued struct {
	ctx context.Context
	ev  Event
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	cfg       Config
	registry  *registry.Registry
	store     *session.Store
	completer Completer
	sender    Sender
	ledger    Ledger
	logger    *slog.Logger

	mu     sync.Mutex
	queues map[int64][]queued // present while the chat has a running drain goroutine
	wg     sync.WaitGroup
}

func New(cfg Config, deps Deps) (*Dispatcher, error) {
	if deps.Registry == nil || deps.Store == nil || deps.Completer == nil || deps.Sender == nil {
		return nil, errors.New("dispatcher: registry, store, completer and sender are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:       cfg,
		registry:  deps.Registry,
		store:     deps.Store,
		completer: deps.Completer,
		sender:    deps.Sender,
		ledger:    deps.Ledger,
		logger:    logger,
		queues:    make(map[int64][]queued),
	}, nil
}

// Submit queues ev behind earlier events of the same chat and returns immediately.
func (d *Dispatcher) Submit(ctx context.Context, ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q, busy := d.queues[ev.ChatID]
	d.queues[ev.ChatID] = append(q, queued{ctx: ctx, ev: ev})
	if busy {
		return
	}
	d.wg.Add(1)
	go d.drain(ev.ChatID)
}

func (d *Dispatcher) drain(chatID int64) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.queues[chatID]
		if len(q) == 0 {
			delete(d.queues, chatID)
			d.mu.Unlock()
			return
		}
		next := q[0]
		d.queues[chatID] = q[1:]
		d.mu.Unlock()

		d.Handle(next.ctx, next.ev)
	}
}

// Wait blocks until every submitted event has been handled.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Handle runs one event to completion. Callers other than Submit must not
// handle two events of the same chat at once.
func (d *Dispatcher) Handle(ctx context.Context, ev Event) Outcome {
	logger := d.logger.With("chat_id", ev.ChatID, "event_id", ev.ID)
	start := time.Now()

	release := d.store.Acquire(ev.ChatID)
	defer release()

	var out Outcome
	text := strings.TrimSpace(ev.Text)
	switch {
	case text == "":
		out = failed(ev.ChatID, msgEmptyMessage, ErrEmptyMessage)
	case strings.HasPrefix(text, "/"):
		out = d.handleCommand(ctx, logger, ev.ChatID, text)
	default:
		out = d.handleTurn(ctx, logger, ev.ChatID, text)
	}

	if out.State == StateIgnored {
		logger.Debug("command for another bot ignored")
		return out
	}

	if err := d.sender.Send(ctx, out.Reply); err != nil {
		if !errors.Is(err, ErrTransportFailure) {
			err = fmt.Errorf("%w: %w", ErrTransportFailure, err)
		}
		logger.Error("failed to send reply", "error", err)
		out.State = StateFailed
		out.Err = errors.Join(out.Err, err)
	}

	logger.Info("event handled",
		"state", out.State.String(),
		"duration_ms", time.Since(start).Milliseconds(),
		"error", out.Err)
	return out
}

// handleTurn runs one completion round trip. A failed turn leaves the session as it was.
func (d *Dispatcher) handleTurn(ctx context.Context, logger *slog.Logger, chatID int64, text string) Outcome {
	sess := d.store.GetOrCreate(chatID)
	before := sess.Messages

	desc, err := d.registry.Resolve(sess.Model)
	if err != nil {
		desc = d.registry.Default()
		logger.Warn("session model not registered, using default", "model", sess.Model, "default", desc.ID)
		d.store.SetModel(chatID, desc.ID)
	}

	sess = d.store.Append(chatID, session.NewMessage(session.RoleUser, text))
	messages := sess.Messages
	if desc.SystemPrompt != "" && !sess.HasSystemMessage() {
		messages = append([]session.Message{session.NewMessage(session.RoleSystem, desc.SystemPrompt)}, messages...)
	}

	if err := d.sender.Typing(ctx, chatID); err != nil {
		logger.Debug("typing action failed", "error", err)
	}

	res, err := d.completer.Complete(ctx, desc, messages, completion.OptionsFor(desc, d.cfg.Generation))
	if err == nil && strings.TrimSpace(res.Text) == "" {
		err = ErrEmptyCompletion
	}
	if err != nil {
		d.store.Restore(chatID, before)
		logger.Warn("completion failed", "model", desc.ID, "error", err)
		return failed(chatID, userMessage(err), err)
	}

	d.store.Append(chatID, session.NewMessage(session.RoleAssistant, res.Text))
	if d.ledger != nil && !res.Cached {
		entry := usage.Entry{
			ChatID:           chatID,
			Model:            desc.ID,
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			TotalTokens:      res.Usage.TotalTokens,
		}
		if err := d.ledger.Record(ctx, entry); err != nil {
			logger.Warn("failed to record usage", "error", err)
		}
	}

	return Outcome{State: StateDelivered, Reply: Reply{ChatID: chatID, Text: res.Text}}
}

func delivered(chatID int64, text string, buttons ...Button) Outcome {
	return Outcome{State: StateDelivered, Reply: Reply{ChatID: chatID, Text: text, Buttons: buttons}}
}

func failed(chatID int64, text string, err error) Outcome {
	return Outcome{State: StateFailed, Reply: Reply{ChatID: chatID, Text: text}, Err: err}
}
