package llm

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/dbgcopilot/dbgcopilot/errors"
)

// Kinds of provider entries.
const (
	KindMock             = "mock"
	KindOpenRouter       = "openrouter"
	KindOpenAICompatible = "openai-compatible"
)

// ProvidersPathEnv overrides the registry file location.
const ProvidersPathEnv = "DBGCOPILOT_LLM_PROVIDERS"

// Entry is one persisted provider record.
type Entry struct {
	Kind              string            `json:"kind"`
	Description       string            `json:"description,omitempty"`
	BaseURL           string            `json:"base_url,omitempty"`
	Path              string            `json:"path,omitempty"`
	DefaultModel      string            `json:"default_model,omitempty"`
	Headers           map[string]string `json:"headers,omitempty"`
	SupportsModelList bool              `json:"supports_model_list,omitempty"`
	Capabilities      []string          `json:"capabilities,omitempty"`
	ParamAliases      map[string]string `json:"param_aliases,omitempty"`
	DefaultParams     map[string]any    `json:"default_params,omitempty"`
}

type registryFile struct {
	Providers map[string]Entry `json:"providers"`
}

// builtinEntries seed the registry and are merged back into the file when
// missing. They carry no secrets.
func builtinEntries() map[string]Entry {
	return map[string]Entry{
		"mock-local": {
			Kind:        KindMock,
			Description: "Local deterministic mock provider",
		},
		"openrouter": {
			Kind:              KindOpenRouter,
			Description:       "OpenRouter.ai aggregator",
			DefaultModel:      "openai/gpt-4o-mini",
			SupportsModelList: true,
			Capabilities:      []string{"temperature", "max_tokens", "top_p", "stop"},
		},
		"ollama": {
			Kind:              KindOpenAICompatible,
			Description:       "Local Ollama server",
			BaseURL:           "http://localhost:11434",
			DefaultModel:      "llama3.1",
			SupportsModelList: true,
			Capabilities:      []string{"temperature", "max_tokens", "top_p", "top_k", "stop", "extras.repeat_penalty", "extras.mirostat"},
		},
		"llama-cpp": {
			Kind:         KindOpenAICompatible,
			Description:  "llama.cpp server with --api",
			BaseURL:      "http://localhost:8080",
			DefaultModel: "llama",
			Capabilities: []string{"temperature", "max_tokens", "top_p", "top_k", "stop"},
		},
		"deepseek": {
			Kind:              KindOpenAICompatible,
			Description:       "DeepSeek chat API",
			BaseURL:           "https://api.deepseek.com/v1",
			DefaultModel:      "deepseek-chat",
			SupportsModelList: true,
			Capabilities:      []string{"temperature", "max_tokens", "top_p", "stop", "thinking.enabled"},
			ParamAliases:      map[string]string{"enable_thinking": "thinking.enabled"},
		},
		"qwen": {
			Kind:              KindOpenAICompatible,
			Description:       "Qwen via DashScope compatible mode",
			BaseURL:           "https://dashscope.aliyuncs.com/compatible-mode/v1",
			DefaultModel:      "qwen-turbo",
			SupportsModelList: true,
			Capabilities:      []string{"temperature", "max_tokens", "top_p", "stop", "extras.enable_web_search"},
		},
		"kimi": {
			Kind:         KindOpenAICompatible,
			Description:  "Moonshot Kimi API",
			BaseURL:      "https://api.moonshot.cn/v1",
			DefaultModel: "moonshot-v1-8k",
			Capabilities: []string{"temperature", "max_tokens", "top_p", "stop"},
		},
		"glm": {
			Kind:         KindOpenAICompatible,
			Description:  "Zhipu GLM API",
			BaseURL:      "https://open.bigmodel.cn",
			Path:         "/api/paas/v4/chat/completions",
			DefaultModel: "glm-4",
			Capabilities: []string{"temperature", "max_tokens", "top_p", "stop"},
		},
		"gemini": {
			Kind:         KindOpenAICompatible,
			Description:  "Google Gemini OpenAI-compatible endpoint",
			BaseURL:      "https://generativelanguage.googleapis.com/v1beta/openai",
			DefaultModel: "gemini-2.0-flash",
			Capabilities: []string{"temperature", "max_tokens", "top_p", "stop"},
		},
		"modelscope": {
			Kind:              KindOpenAICompatible,
			Description:       "ModelScope inference API",
			BaseURL:           "https://api-inference.modelscope.cn/v1",
			DefaultModel:      "Qwen/Qwen2.5-Coder-32B-Instruct",
			SupportsModelList: true,
			Capabilities:      []string{"temperature", "max_tokens", "top_p", "stop"},
		},
	}
}

// providerFieldAliases maps REPL field names onto Entry fields.
var providerFieldAliases = map[string]string{
	"baseurl":       "base_url",
	"base_url":      "base_url",
	"path":          "path",
	"model":         "default_model",
	"default_model": "default_model",
	"desc":          "description",
	"description":   "description",
	"kind":          "kind",
}

// Registry is the process-wide provider catalog. Reads go through an
// immutable snapshot; mutations take the write lock, persist, and swap a
// new snapshot in.
type Registry struct {
	mu       sync.Mutex
	path     string
	snapshot map[string]Entry
	logger   *zap.SugaredLogger
	watcher  *fsnotify.Watcher
}

// NewRegistry loads the registry from DBGCOPILOT_LLM_PROVIDERS or a
// discovered configs/providers.json, merging built-ins and rewriting the
// file when entries were missing.
func NewRegistry(logger *zap.SugaredLogger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	r := &Registry{path: resolveRegistryPath(), logger: logger}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func resolveRegistryPath() string {
	if p := os.Getenv(ProvidersPathEnv); p != "" {
		return p
	}
	if wd, err := os.Getwd(); err == nil {
		candidate := filepath.Join(wd, "configs", "providers.json")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("configs", "providers.json")
	}
	return filepath.Join(home, ".config", "dbgcopilot", "providers.json")
}

// ConfigPath returns the backing file path.
func (r *Registry) ConfigPath() string { return r.path }

func (r *Registry) load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadLocked()
}

func (r *Registry) loadLocked() error {
	entries := map[string]Entry{}
	data, err := os.ReadFile(r.path)
	switch {
	case err == nil:
		var file registryFile
		if jsonErr := json.Unmarshal(data, &file); jsonErr != nil {
			return errors.Wrapf(jsonErr, "parsing provider registry %s", r.path)
		}
		for name, entry := range file.Providers {
			entries[name] = entry
		}
	case os.IsNotExist(err):
		// First run; built-ins below seed the file.
	default:
		return errors.Wrapf(err, "reading provider registry %s", r.path)
	}

	missing := false
	for name, entry := range builtinEntries() {
		if _, ok := entries[name]; !ok {
			entries[name] = entry
			missing = true
		}
	}
	r.snapshot = entries
	if missing {
		if err := r.persistLocked(); err != nil {
			// The registry still works in memory without the file.
			r.logger.Warnw("could not persist provider registry", "path", r.path, "error", err)
		}
	}
	return nil
}

func (r *Registry) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(registryFile{Providers: r.snapshot}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(r.path, append(data, '\n'), 0o644)
}

// Reload re-reads the registry file.
func (r *Registry) Reload() error { return r.load() }

// Watch re-reads the registry whenever the backing file changes on disk.
// Stops when the returned closer is called.
func (r *Registry) Watch() (func() error, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating registry watcher")
	}
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		_ = watcher.Close()
		return nil, errors.Wrapf(err, "watching %s", filepath.Dir(r.path))
	}
	r.watcher = watcher
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != r.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					if err := r.Reload(); err != nil {
						r.logger.Warnw("registry reload failed", "error", err)
					} else {
						r.logger.Debugw("provider registry reloaded", "path", r.path)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warnw("registry watcher error", "error", err)
			}
		}
	}()
	return watcher.Close, nil
}

// ListProviders returns provider names sorted.
func (r *Registry) ListProviders() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.snapshot))
	for name := range r.snapshot {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GetProvider returns the entry for name, or nil when unknown.
func (r *Registry) GetProvider(name string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.snapshot[name]
	if !ok {
		return nil
	}
	return &entry
}

// ProviderConfig returns the persisted record for display.
func (r *Registry) ProviderConfig(name string) (Entry, error) {
	entry := r.GetProvider(name)
	if entry == nil {
		return Entry{}, errors.Newf("unknown provider: %s", name)
	}
	return *entry, nil
}

// GetProviderField reads one field by its REPL alias.
func (r *Registry) GetProviderField(name, field string) (string, error) {
	entry := r.GetProvider(name)
	if entry == nil {
		return "", errors.Newf("unknown provider: %s", name)
	}
	canonical, ok := providerFieldAliases[strings.ToLower(field)]
	if !ok {
		return "", errors.Newf("unknown provider field: %s", field)
	}
	switch canonical {
	case "base_url":
		return entry.BaseURL, nil
	case "path":
		return entry.Path, nil
	case "default_model":
		return entry.DefaultModel, nil
	case "description":
		return entry.Description, nil
	case "kind":
		return entry.Kind, nil
	}
	return "", errors.Newf("unknown provider field: %s", field)
}

// SetProviderField updates one field by its REPL alias, persists, and
// rebuilds the snapshot. An empty value clears the field.
func (r *Registry) SetProviderField(name, field, value string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.snapshot[name]
	if !ok {
		return "", errors.Newf("unknown provider: %s", name)
	}
	canonical, ok := providerFieldAliases[strings.ToLower(field)]
	if !ok {
		return "", errors.Newf("unknown provider field: %s", field)
	}
	switch canonical {
	case "base_url":
		entry.BaseURL = value
	case "path":
		entry.Path = value
	case "default_model":
		entry.DefaultModel = value
	case "description":
		entry.Description = value
	case "kind":
		return "", errors.New("provider kind cannot be changed; add a new provider instead")
	}
	r.snapshot[name] = entry
	if err := r.persistLocked(); err != nil {
		return "", errors.Wrap(err, "persisting provider registry")
	}
	return value, nil
}

// AddProvider creates an openai-compatible entry, persists it, and returns
// the stored record.
func (r *Registry) AddProvider(name, baseURL, path, defaultModel, description string) (Entry, error) {
	if name == "" || baseURL == "" {
		return Entry{}, errors.New("provider name and base_url are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.snapshot[name]; exists {
		return Entry{}, errors.Newf("provider already exists: %s", name)
	}
	entry := Entry{
		Kind:         KindOpenAICompatible,
		Description:  description,
		BaseURL:      baseURL,
		Path:         path,
		DefaultModel: defaultModel,
	}
	r.snapshot[name] = entry
	if err := r.persistLocked(); err != nil {
		delete(r.snapshot, name)
		return Entry{}, errors.Wrap(err, "persisting provider registry")
	}
	return entry, nil
}

// CreateClient builds a session-bound client for the named provider.
func (r *Registry) CreateClient(name string, sessionConfig map[string]any) (*Client, error) {
	entry := r.GetProvider(name)
	if entry == nil {
		return nil, errors.Newf("unknown provider: %s", name)
	}
	switch entry.Kind {
	case KindMock:
		return newMockClient(name), nil
	case KindOpenRouter:
		return newOpenRouterClient(name, entry, sessionConfig), nil
	case KindOpenAICompatible:
		return newOpenAIClient(name, entry, sessionConfig), nil
	default:
		return nil, errors.Newf("provider %s has unsupported kind %q", name, entry.Kind)
	}
}

// ListModels performs provider-specific model discovery. Providers without
// discovery return an empty list, not an error.
func (r *Registry) ListModels(name string, sessionConfig map[string]any) ([]string, error) {
	entry := r.GetProvider(name)
	if entry == nil {
		return nil, errors.Newf("unknown provider: %s", name)
	}
	switch entry.Kind {
	case KindOpenRouter:
		return listOpenRouterModels(entry, sessionConfig)
	case KindOpenAICompatible:
		return listOpenAIModels(name, entry, sessionConfig)
	default:
		return nil, nil
	}
}
