package dispatcher

import (
	"errors"
	"fmt"

	"RelayChat/internal/completion"
	"RelayChat/internal/registry"
)

const (
	msgEmptyMessage    = "Please send a text message."
	msgEmptyCompletion = "The model returned an empty answer. Please try again."
	msgTimeout         = "The model took too long to answer. Please try again."
	msgUnavailable     = "The model service is temporarily unavailable. Please try again later."
	msgUnauthorized    = "The bot is not authorized to use the model service. Please contact the administrator."
	msgInvalidRequest  = "The request was rejected by the model service. Try /reset or a different model."
	msgContentRejected = "The request was blocked by the content policy. Please rephrase your message."
	msgInternal        = "Sorry, something went wrong while processing your request. Please try again later."

	msgCleared       = "Conversation cleared. The selected model is kept."
	msgSystemSet     = "System instruction set for this chat."
	msgSystemCleared = "System instruction removed; the model default applies again."
)

const helpText = `I relay your messages to a language model and send back its answer.

Commands:
/models - list the available models
/model <id> - switch the model for this chat
/reset - clear the conversation history
/status - show the current model and usage
/system <text> - set a system instruction for this chat
/help - show this message

Current model: %s`

// userMessage maps an error to the text shown in the chat. Internal details never leak.
func userMessage(err error) string {
	if errors.Is(err, registry.ErrUnknownModel) {
		return "Unknown model. Use /models to see the available models."
	}
	if errors.Is(err, ErrEmptyCompletion) {
		return msgEmptyCompletion
	}
	kind, ok := completion.KindOf(err)
	if !ok {
		return msgInternal
	}
	switch kind {
	case completion.KindTimeout:
		return msgTimeout
	case completion.KindUnavailable:
		return msgUnavailable
	case completion.KindUnauthorized:
		return msgUnauthorized
	case completion.KindInvalidRequest:
		return msgInvalidRequest
	case completion.KindContentRejected:
		return msgContentRejected
	default:
		return msgInternal
	}
}

func unknownModelMessage(id string) string {
	return fmt.Sprintf("Unknown model %q. Use /models to see the available models.", id)
}

func unknownCommandMessage(cmd string) string {
	return fmt.Sprintf("Unknown command %s. Send /help for the list of commands.", cmd)
}
