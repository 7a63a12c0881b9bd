package config

// BuiltinModels returns the catalogue used when the config file declares no models.
// Deployment names match the model ids; Azure resources must deploy them under these names.
func BuiltinModels() []ModelConfig {
	return []ModelConfig{
		{
			ID:            "gpt-4",
			DisplayName:   "🧠 GPT-4",
			Deployment:    "gpt-4",
			MaxTokens:     8000,
			ContextTokens: 32768,
			Temperature:   0.7,
			SystemPrompt:  "You are a professional AI assistant. Give accurate, detailed and helpful answers.",
			Description:   "Strongest reasoning, suited to complex problems",
		},
		{
			ID:            "gpt-4.1",
			DisplayName:   "🚀 GPT-4.1",
			Deployment:    "gpt-4.1",
			MaxTokens:     8000,
			ContextTokens: 128000,
			Temperature:   0.7,
			SystemPrompt:  "You are GPT-4.1, an advanced AI assistant. Give thorough, accurate analysis and answers.",
			Description:   "Upgraded GPT-4 with better accuracy",
		},
		{
			ID:            "gpt-4o",
			DisplayName:   "✨ GPT-4o",
			Deployment:    "gpt-4o",
			MaxTokens:     4000,
			ContextTokens: 128000,
			Temperature:   0.7,
			SystemPrompt:  "You are GPT-4o, a multimodal-optimised AI assistant. Give clear, practical answers.",
			Description:   "Balanced speed and quality",
		},
		{
			ID:            "gpt-3.5-turbo-0125",
			DisplayName:   "⚡ GPT-3.5 Turbo 0125",
			Deployment:    "gpt-3.5-turbo-0125",
			MaxTokens:     4000,
			ContextTokens: 16385,
			Temperature:   0.7,
			SystemPrompt:  "You are GPT-3.5 Turbo 0125, a fast AI assistant. Give concise, accurate answers.",
			Description:   "Fast and cost effective for everyday chat",
		},
		{
			ID:            "grok-3",
			DisplayName:   "🤖 Grok-3",
			Deployment:    "grok-3",
			APIVersion:    "2024-08-01-preview",
			MaxTokens:     4000,
			ContextTokens: 131072,
			Temperature:   0.8,
			SystemPrompt:  "You are Grok-3, an AI assistant with a distinctive point of view. Give interesting, insightful answers and feel free to use some humour.",
			Description:   "xAI model with a distinctive conversational style",
		},
	}
}
