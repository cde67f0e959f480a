package llm

import (
	"os"

	"github.com/dbgcopilot/dbgcopilot/errors"
)

// OpenRouter is the one hosted aggregator with a fixed endpoint. Keys and
// attribution headers come from the environment.
const (
	openRouterURL       = "https://openrouter.ai/api/v1/chat/completions"
	openRouterModelsURL = "https://openrouter.ai/api/v1/models"

	openRouterDefaultModel   = "openai/gpt-4o-mini"
	openRouterDefaultReferer = "https://github.com/dbgcopilot/dbgcopilot"
	openRouterDefaultTitle   = "dbgcopilot"
)

func openRouterAPIKey(sessionConfig map[string]any) string {
	return resolveSetting("openrouter", "api_key", sessionConfig, "")
}

func openRouterModel(entry *Entry, sessionConfig map[string]any) string {
	if model := resolveSetting("openrouter", "model", sessionConfig, entry.DefaultModel); model != "" {
		return model
	}
	return openRouterDefaultModel
}

func openRouterHeaders() map[string]string {
	referer := os.Getenv("OPENROUTER_HTTP_REFERER")
	if referer == "" {
		referer = openRouterDefaultReferer
	}
	title := os.Getenv("OPENROUTER_TITLE")
	if title == "" {
		title = openRouterDefaultTitle
	}
	return map[string]string{
		"HTTP-Referer": referer,
		"X-Title":      title,
	}
}

func newOpenRouterClient(provider string, entry *Entry, sessionConfig map[string]any) *Client {
	model := openRouterModel(entry, sessionConfig)
	client := &Client{Provider: provider, Model: model}
	client.generate = func(prompt string) (string, *UsageRecord, error) {
		apiKey := openRouterAPIKey(sessionConfig)
		if apiKey == "" {
			return "", nil, errors.New(
				"OpenRouter API key missing; set session key openrouter_api_key or environment variable OPENROUTER_API_KEY")
		}
		cfg := openAIConfig{
			baseURL: "https://openrouter.ai",
			path:    "/api/v1/chat/completions",
			model:   openRouterModel(entry, sessionConfig),
			apiKey:  apiKey,
			headers: openRouterHeaders(),
		}
		body := map[string]any{
			"model":       cfg.model,
			"messages":    []map[string]any{{"role": "user", "content": prompt}},
			"max_tokens":  512,
			"temperature": 0.0,
		}
		ApplyParams(body, entry.DefaultParams, entry, true)
		ApplyParams(body, GetSessionParams(sessionConfig, provider), entry, true)
		return postChatCompletion(provider, cfg, body)
	}
	return client
}

func listOpenRouterModels(entry *Entry, sessionConfig map[string]any) ([]string, error) {
	return fetchModelIDs("openrouter", openRouterModelsURL, openRouterAPIKey(sessionConfig), "data", "id")
}
