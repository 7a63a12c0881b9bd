package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// CallbackPrefix prefixes the callback data of model-select buttons.
const CallbackPrefix = "model:"

// parseCommand splits "/model@relay_bot gpt-4o" into ("/model", "relay_bot", "gpt-4o").
func parseCommand(text string) (cmd, target, arg string) {
	cmd, arg, _ = strings.Cut(text, " ")
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd, target = cmd[:at], cmd[at+1:]
	}
	return strings.ToLower(cmd), target, strings.TrimSpace(arg)
}

// addressedToUs reports whether a command's @target names this bot. Commands
// without a target are always ours.
func (d *Dispatcher) addressedToUs(target string) bool {
	if target == "" || d.cfg.BotUsername == "" {
		return true
	}
	return strings.EqualFold(target, strings.TrimPrefix(d.cfg.BotUsername, "@"))
}

func (d *Dispatcher) handleCommand(ctx context.Context, logger *slog.Logger, chatID int64, text string) Outcome {
	cmd, target, arg := parseCommand(text)
	if !d.addressedToUs(target) {
		return Outcome{State: StateIgnored, Reply: Reply{ChatID: chatID}}
	}
	logger.Debug("command received", "command", cmd)

	switch cmd {
	case "/start", "/help":
		return delivered(chatID, fmt.Sprintf(helpText, d.currentLabel(chatID)))
	case "/models":
		return d.listModels(chatID)
	case "/model":
		if arg == "" {
			return d.listModels(chatID)
		}
		return d.selectModel(logger, chatID, arg)
	case "/reset", "/clear":
		d.store.Clear(chatID)
		return delivered(chatID, msgCleared)
	case "/status":
		return d.status(ctx, logger, chatID)
	case "/system":
		d.store.SetSystemPrompt(chatID, arg)
		if arg == "" {
			return delivered(chatID, msgSystemCleared)
		}
		return delivered(chatID, msgSystemSet)
	default:
		return delivered(chatID, unknownCommandMessage(cmd))
	}
}

func (d *Dispatcher) currentLabel(chatID int64) string {
	sess := d.store.GetOrCreate(chatID)
	if desc, err := d.registry.Resolve(sess.Model); err == nil {
		return desc.Label()
	}
	return d.registry.Default().Label()
}

func (d *Dispatcher) listModels(chatID int64) Outcome {
	current := d.store.GetOrCreate(chatID).Model

	var b strings.Builder
	b.WriteString("Available models:\n")
	buttons := make([]Button, 0, len(d.registry.List()))
	for _, desc := range d.registry.List() {
		marker := "  "
		label := desc.Label()
		if strings.EqualFold(desc.ID, current) {
			marker = "> "
			label = "✅ " + label
		}
		fmt.Fprintf(&b, "%s%s (%s)", marker, desc.Label(), desc.ID)
		if desc.Description != "" {
			fmt.Fprintf(&b, " - %s", desc.Description)
		}
		b.WriteByte('\n')
		buttons = append(buttons, Button{Label: label, Data: CallbackPrefix + desc.ID})
	}
	b.WriteString("\nUse /model <id> or tap a button to switch.")
	return delivered(chatID, b.String(), buttons...)
}

// selectModel switches the chat's model. An unknown id leaves the session untouched.
func (d *Dispatcher) selectModel(logger *slog.Logger, chatID int64, id string) Outcome {
	desc, err := d.registry.Resolve(id)
	if err != nil {
		logger.Info("unknown model requested", "model", id)
		return failed(chatID, unknownModelMessage(id), err)
	}
	d.store.SetModel(chatID, desc.ID)
	logger.Info("model switched", "model", desc.ID)
	return delivered(chatID, fmt.Sprintf("Switched to %s. Your conversation history is kept.", desc.Label()))
}

func (d *Dispatcher) status(ctx context.Context, logger *slog.Logger, chatID int64) Outcome {
	sess := d.store.GetOrCreate(chatID)

	var b strings.Builder
	fmt.Fprintf(&b, "Model: %s\n", d.currentLabel(chatID))
	fmt.Fprintf(&b, "Messages in context: %d\n", len(sess.Messages))
	if sess.HasSystemMessage() {
		b.WriteString("Custom system instruction: yes\n")
	}

	if d.ledger != nil {
		totals, err := d.ledger.Totals(ctx, chatID)
		if err != nil {
			logger.Warn("failed to read usage", "error", err)
		} else {
			fmt.Fprintf(&b, "Completions: %d\n", totals.Calls)
			fmt.Fprintf(&b, "Tokens used: %d (prompt %d, completion %d)\n",
				totals.TotalTokens, totals.PromptTokens, totals.CompletionTokens)
		}
	}
	return delivered(chatID, strings.TrimRight(b.String(), "\n"))
}
