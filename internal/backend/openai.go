package backend

// ChatMessage is one entry of the messages array
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest represents the request body for the Azure OpenAI chat completions API
type ChatCompletionRequest struct {
	Messages         []ChatMessage `json:"messages"`
	MaxTokens        int           `json:"max_tokens,omitempty"`
	Temperature      float64       `json:"temperature"`
	TopP             float64       `json:"top_p,omitempty"`
	FrequencyPenalty float64       `json:"frequency_penalty"`
	PresencePenalty  float64       `json:"presence_penalty"`
}

// Usage holds token accounting returned by the API
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionResponse represents the response from the chat completions API
type ChatCompletionResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      ChatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage,omitempty"`
}

// ErrorResponse is the error envelope returned with non-2xx statuses
type ErrorResponse struct {
	Error struct {
		Code       string `json:"code"`
		Message    string `json:"message"`
		Type       string `json:"type"`
		InnerError *struct {
			Code string `json:"code"`
		} `json:"innererror,omitempty"`
	} `json:"error"`
}

// FinishReasonContentFilter marks a completion stopped by the content filter
const FinishReasonContentFilter = "content_filter"

// ErrorCodeContentFilter is the error code of a prompt rejected by the content filter
const ErrorCodeContentFilter = "content_filter"

// IsContentFilter reports whether the error envelope describes a content-policy rejection.
func (e ErrorResponse) IsContentFilter() bool {
	if e.Error.Code == ErrorCodeContentFilter {
		return true
	}
	return e.Error.InnerError != nil && e.Error.InnerError.Code == "ResponsibleAIPolicyViolation"
}
