package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"

	"github.com/dbgcopilot/dbgcopilot/errors"
	"github.com/dbgcopilot/dbgcopilot/internal/httpclient"
)

const defaultChatPath = "/v1/chat/completions"

var nonAlnumRE = regexp.MustCompile(`[^A-Za-z0-9]+`)

// sessionKey maps a provider name onto its session-config key prefix:
// hyphens become underscores ("llama-cpp" -> "llama_cpp").
func sessionKey(provider string) string {
	return strings.ReplaceAll(provider, "-", "_")
}

// envPrefix maps a provider name onto its environment prefix: runs of
// non-alphanumerics become a single underscore, uppercased
// ("llama-cpp" -> "LLAMA_CPP").
func envPrefix(provider string) string {
	return strings.ToUpper(nonAlnumRE.ReplaceAllString(provider, "_"))
}

// resolveSetting applies the session -> environment -> registry precedence
// for one provider setting.
func resolveSetting(provider, suffix string, sessionConfig map[string]any, registryValue string) string {
	if sessionConfig != nil {
		if raw, ok := sessionConfig[sessionKey(provider)+"_"+suffix]; ok {
			if s := strings.TrimSpace(fmt.Sprintf("%v", raw)); s != "" {
				return s
			}
		}
	}
	if v := os.Getenv(envPrefix(provider) + "_" + strings.ToUpper(suffix)); v != "" {
		return v
	}
	return registryValue
}

// resolveHeaders merges registry headers with a JSON header override from
// the session config or environment.
func resolveHeaders(provider string, sessionConfig map[string]any, entry *Entry) map[string]string {
	headers := map[string]string{}
	for k, v := range entry.Headers {
		headers[k] = v
	}
	raw := resolveSetting(provider, "headers", sessionConfig, "")
	if raw == "" {
		return headers
	}
	var override map[string]string
	if err := json.Unmarshal([]byte(raw), &override); err == nil {
		for k, v := range override {
			headers[k] = v
		}
	}
	return headers
}

type openAIConfig struct {
	baseURL string
	path    string
	model   string
	apiKey  string
	headers map[string]string
}

func resolveOpenAIConfig(provider string, entry *Entry, sessionConfig map[string]any) (openAIConfig, error) {
	cfg := openAIConfig{
		baseURL: resolveSetting(provider, "base_url", sessionConfig, entry.BaseURL),
		path:    resolveSetting(provider, "path", sessionConfig, entry.Path),
		model:   resolveSetting(provider, "model", sessionConfig, entry.DefaultModel),
		apiKey:  resolveSetting(provider, "api_key", sessionConfig, ""),
		headers: resolveHeaders(provider, sessionConfig, entry),
	}
	if cfg.baseURL == "" {
		return cfg, errors.Newf(
			"provider %s has no base URL; set session key %s_base_url or environment variable %s_BASE_URL",
			provider, sessionKey(provider), envPrefix(provider))
	}
	if cfg.path == "" {
		cfg.path = defaultChatPath
	}
	if cfg.model == "" {
		return cfg, errors.Newf("provider %s has no model configured", provider)
	}
	return cfg, nil
}

func (c openAIConfig) endpoint() string {
	return strings.TrimRight(c.baseURL, "/") + "/" + strings.TrimLeft(c.path, "/")
}

func newOpenAIClient(provider string, entry *Entry, sessionConfig map[string]any) *Client {
	model := resolveSetting(provider, "model", sessionConfig, entry.DefaultModel)
	client := &Client{Provider: provider, Model: model}
	client.generate = func(prompt string) (string, *UsageRecord, error) {
		cfg, err := resolveOpenAIConfig(provider, entry, sessionConfig)
		if err != nil {
			return "", nil, err
		}
		body := map[string]any{
			"model":      cfg.model,
			"messages":   []map[string]any{{"role": "user", "content": prompt}},
			"max_tokens": 512,
			// Deterministic by default; raise per provider via /llm params.
			"temperature": 0.0,
		}
		ApplyParams(body, entry.DefaultParams, entry, true)
		sessionParams := GetSessionParams(sessionConfig, provider)
		ApplyParams(body, sessionParams, entry, true)
		return postChatCompletion(provider, cfg, body)
	}
	return client
}

func postChatCompletion(provider string, cfg openAIConfig, body map[string]any) (string, *UsageRecord, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", nil, errors.Wrap(err, "encoding request body")
	}
	url := cfg.endpoint()
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", nil, errors.Wrapf(err, "building request for %s", provider)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.apiKey)
	}
	for k, v := range cfg.headers {
		req.Header.Set(k, v)
	}

	resp, err := httpclient.New(httpclient.DefaultTimeout).Do(req)
	if err != nil {
		return "", nil, errors.Wrapf(err, "%s request failed", provider)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", nil, errors.Wrapf(err, "reading %s response", provider)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", nil, errors.Newf("%s HTTP %d for %s: %s", provider, resp.StatusCode, url, snippet(raw, 200))
	}

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		contentType := resp.Header.Get("Content-Type")
		return "", nil, errors.Newf("%s returned non-JSON response (%s) from %s: %s",
			provider, contentType, url, snippet(raw, 400))
	}

	model, _ := body["model"].(string)
	usage := extractUsage(provider, model, parsed)
	return extractContent(parsed, raw), usage, nil
}

// extractContent pulls choices[0].message.content; when the shape is
// unexpected it returns the raw body so the user still sees something.
func extractContent(parsed map[string]any, raw []byte) string {
	choices, _ := parsed["choices"].([]any)
	if len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if message, ok := choice["message"].(map[string]any); ok {
				if content, ok := message["content"].(string); ok {
					return content
				}
			}
			// Some servers return legacy text completions.
			if text, ok := choice["text"].(string); ok {
				return text
			}
		}
	}
	return string(raw)
}

func snippet(raw []byte, limit int) string {
	s := strings.TrimSpace(string(raw))
	if runes := []rune(s); len(runes) > limit {
		return string(runes[:limit])
	}
	return s
}

// listOpenAIModels hits {base}/v1/models and falls back to the Ollama
// native /api/tags listing when the compatible endpoint is missing.
func listOpenAIModels(provider string, entry *Entry, sessionConfig map[string]any) ([]string, error) {
	cfg, err := resolveOpenAIConfig(provider, entry, sessionConfig)
	if err != nil {
		return nil, err
	}
	base := strings.TrimRight(cfg.baseURL, "/")
	models, err := fetchModelIDs(provider, base+"/v1/models", cfg.apiKey, "data", "id")
	if err == nil && len(models) > 0 {
		return models, nil
	}
	if provider == "ollama" {
		tags, tagErr := fetchModelIDs(provider, base+"/api/tags", cfg.apiKey, "models", "name")
		if tagErr == nil {
			return tags, nil
		}
	}
	return models, err
}

func fetchModelIDs(provider, url, apiKey, listField, idField string) ([]string, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "building request for %s", provider)
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	resp, err := httpclient.New(httpclient.DefaultTimeout).Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s model listing failed", provider)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s model listing", provider)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Newf("%s HTTP %d for %s: %s", provider, resp.StatusCode, url, snippet(raw, 200))
	}
	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, errors.Newf("%s returned non-JSON model listing from %s", provider, url)
	}
	items, _ := parsed[listField].([]any)
	var models []string
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if id, ok := entry[idField].(string); ok && id != "" {
			models = append(models, id)
		}
	}
	return models, nil
}
