package catalog

import "github.com/appforge/appforge/pkg/models"

var (
	textCode       = []models.Capability{models.CapText, models.CapCode}
	textCodeVision = []models.Capability{models.CapText, models.CapCode, models.CapVision}
	frontier       = []models.Capability{models.CapText, models.CapCode, models.CapVision, models.CapReasoning}
)

// builtinModels is the static table the catalog starts from. Prices are USD
// per 1k tokens.
func builtinModels() []models.ModelDescriptor {
	return []models.ModelDescriptor{
		// OpenAI
		{Provider: "openai", Name: "gpt-4o", ContextWindow: 128000, Capabilities: frontier,
			Quality: 9, PricePer1KIn: 0.0025, PricePer1KOut: 0.01},
		{Provider: "openai", Name: "gpt-4o-mini", ContextWindow: 128000, Capabilities: textCodeVision,
			Quality: 7, PricePer1KIn: 0.00015, PricePer1KOut: 0.0006},
		{Provider: "openai", Name: "o3-mini", ContextWindow: 200000,
			Capabilities: []models.Capability{models.CapText, models.CapCode, models.CapReasoning},
			Quality: 9, PricePer1KIn: 0.0011, PricePer1KOut: 0.0044},
		{Provider: "openai", Name: "text-embedding-3-small", ContextWindow: 8191,
			Capabilities: []models.Capability{models.CapEmbedding},
			Quality: 6, PricePer1KIn: 0.00002},

		// Anthropic
		{Provider: "anthropic", Name: "claude-opus-4-20250514", ContextWindow: 200000, Capabilities: frontier,
			Quality: 10, PricePer1KIn: 0.015, PricePer1KOut: 0.075},
		{Provider: "anthropic", Name: "claude-sonnet-4-20250514", ContextWindow: 200000, Capabilities: frontier,
			Quality: 9, PricePer1KIn: 0.003, PricePer1KOut: 0.015},
		{Provider: "anthropic", Name: "claude-3-5-haiku-20241022", ContextWindow: 200000, Capabilities: textCode,
			Quality: 7, PricePer1KIn: 0.0008, PricePer1KOut: 0.004},

		// Google
		{Provider: "google", Name: "gemini-2.5-pro", ContextWindow: 1048576, Capabilities: frontier,
			Quality: 9, PricePer1KIn: 0.00125, PricePer1KOut: 0.01},
		{Provider: "google", Name: "gemini-2.0-flash", ContextWindow: 1048576, Capabilities: textCodeVision,
			Quality: 7, PricePer1KIn: 0.0001, PricePer1KOut: 0.0004},

		// Groq
		{Provider: "groq", Name: "llama-3.3-70b-versatile", ContextWindow: 131072, Capabilities: textCode,
			Quality: 7, PricePer1KIn: 0.00059, PricePer1KOut: 0.00079},
		{Provider: "groq", Name: "llama-3.1-8b-instant", ContextWindow: 131072,
			Capabilities: []models.Capability{models.CapText},
			Quality: 5, PricePer1KIn: 0.00005, PricePer1KOut: 0.00008},

		// Ollama (local, free)
		{Provider: "ollama", Name: "llama3.1:8b", ContextWindow: 131072, Capabilities: textCode, Quality: 5},
		{Provider: "ollama", Name: "qwen2.5-coder:7b", ContextWindow: 32768, Capabilities: textCode, Quality: 6},
		{Provider: "ollama", Name: "llava:7b", ContextWindow: 4096,
			Capabilities: []models.Capability{models.CapText, models.CapVision}, Quality: 4},

		// Emulated local provider (test double; only routable when its adapter is registered)
		{Provider: "emulated", Name: "synthetic", ContextWindow: 32768, Capabilities: textCode, Quality: 6},
	}
}

// providerDefaults gives models discovered through a live listing, but absent
// from the static table, a conservative quality and price.
var providerDefaults = map[string]models.ModelDescriptor{
	"openai":    {Quality: 6, PricePer1KIn: 0.001, PricePer1KOut: 0.004, ContextWindow: 128000, Capabilities: textCode},
	"anthropic": {Quality: 7, PricePer1KIn: 0.003, PricePer1KOut: 0.015, ContextWindow: 200000, Capabilities: textCode},
	"google":    {Quality: 6, PricePer1KIn: 0.0005, PricePer1KOut: 0.0015, ContextWindow: 1048576, Capabilities: textCode},
	"groq":      {Quality: 5, PricePer1KIn: 0.0002, PricePer1KOut: 0.0002, ContextWindow: 32768, Capabilities: textCode},
	"ollama":    {Quality: 4, ContextWindow: 8192, Capabilities: textCode},
}

func defaultFor(provider, name string) models.ModelDescriptor {
	d, ok := providerDefaults[provider]
	if !ok {
		d = models.ModelDescriptor{Quality: 3, ContextWindow: 4096, Capabilities: []models.Capability{models.CapText}}
	}
	d.Provider = provider
	d.Name = name
	return d
}
