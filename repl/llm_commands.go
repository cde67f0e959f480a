package repl

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/dbgcopilot/dbgcopilot/llm"
)

func llmUsage() string {
	return "Usage: /llm list | /llm use <name> | /llm models [provider] | " +
		"/llm model [get|set|session] ... | /llm params <action> [...] | " +
		"/llm key <provider> <api_key> | /llm provider <subcommand>"
}

func paramsUsage() string {
	return "Usage: /llm params list [provider] | /llm params get [provider] <param> | " +
		"/llm params set [provider] <param> <value> | /llm params clear [provider] <param|all>"
}

func providerUsage() string {
	return "Usage: /llm provider list | /llm provider path | /llm provider reload | " +
		"/llm provider show <name> | /llm provider get <name> [field] | " +
		"/llm provider set <name> <field> <value> | " +
		"/llm provider add <name> <base_url> [path] [model] [description]"
}

func sessionModelKey(provider string) string {
	return strings.ReplaceAll(provider, "-", "_") + "_model"
}

func sessionAPIKeyKey(provider string) string {
	return strings.ReplaceAll(provider, "-", "_") + "_api_key"
}

// requireProvider resolves an explicit provider name or falls back to the
// session selection.
func (r *REPL) requireProvider(candidate string) (string, *llm.Entry, string) {
	name := strings.TrimSpace(candidate)
	if name == "" {
		name = r.state.SelectedProvider
	}
	if name == "" {
		return "", nil, "No provider selected. Use /llm use <name> first or pass a provider."
	}
	entry := r.registry.GetProvider(name)
	if entry == nil {
		return "", nil, fmt.Sprintf("Unknown provider: %s", name)
	}
	return name, entry, ""
}

func (r *REPL) isProviderName(candidate string) bool {
	return r.registry.GetProvider(candidate) != nil
}

func (r *REPL) formatProviderList() string {
	names := r.registry.ListProviders()
	if len(names) == 0 {
		return "No providers configured. Use /llm provider add to create one."
	}
	lines := []string{"Available LLM providers:"}
	for _, name := range names {
		marker := "-"
		if r.state.SelectedProvider == name {
			marker = "*"
		}
		line := fmt.Sprintf("%s %s", marker, name)
		if entry := r.registry.GetProvider(name); entry != nil && entry.Description != "" {
			line += ": " + entry.Description
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (r *REPL) handleLLM(arg string) string {
	parts := strings.Fields(arg)
	if len(parts) == 0 {
		return llmUsage()
	}
	action := strings.ToLower(parts[0])

	switch action {
	case "list":
		return r.formatProviderList()

	case "use":
		if len(parts) < 2 {
			return llmUsage()
		}
		name := parts[1]
		if r.registry.GetProvider(name) == nil {
			return fmt.Sprintf("Unknown provider: %s", name)
		}
		r.state.SelectedProvider = name
		r.state.Config["llm_provider"] = name
		return fmt.Sprintf("Selected provider: %s", name)

	case "models":
		provider := r.state.SelectedProvider
		if len(parts) >= 2 {
			provider = parts[1]
		}
		if provider == "" {
			return "No provider selected. Use /llm use <name> first or pass a provider."
		}
		if r.registry.GetProvider(provider) == nil {
			return fmt.Sprintf("Unknown provider: %s", provider)
		}
		models, err := r.registry.ListModels(provider, r.state.Config)
		if err != nil {
			return fmt.Sprintf("Error listing models for %s: %v", provider, err)
		}
		if len(models) == 0 {
			return fmt.Sprintf("%s does not expose model listing via API.", provider)
		}
		lines := []string{fmt.Sprintf("%s models:", provider)}
		for _, m := range models {
			lines = append(lines, "- "+m)
		}
		return strings.Join(lines, "\n")

	case "model":
		return r.handleLLMModel(parts[1:])

	case "key":
		if len(parts) < 3 {
			return "Usage: /llm key <provider> <api_key>"
		}
		provider, _, msg := r.requireProvider(parts[1])
		if msg != "" {
			return msg
		}
		apiKey := strings.TrimSpace(strings.Join(parts[2:], " "))
		switch strings.ToLower(apiKey) {
		case "-", "none", "clear":
			delete(r.state.Config, sessionAPIKeyKey(provider))
			return fmt.Sprintf("API key cleared for %s (session only).", provider)
		}
		r.state.Config[sessionAPIKeyKey(provider)] = apiKey
		return fmt.Sprintf("%s API key set for this session.", provider)

	case "provider":
		return r.handleLLMProvider(parts[1:])

	case "params":
		return r.handleLLMParams(parts[1:])
	}
	return llmUsage()
}

func (r *REPL) handleLLMModel(parts []string) string {
	showModel := func(provider string) string {
		if provider == "" {
			return "No provider selected. Use /llm use <name> first or pass a provider."
		}
		defaultModel, err := r.registry.GetProviderField(provider, "model")
		if err != nil {
			return err.Error()
		}
		if defaultModel == "" {
			defaultModel = "(not set)"
		}
		lines := []string{fmt.Sprintf("%s default model: %s", provider, defaultModel)}
		if override := r.state.ConfigString(sessionModelKey(provider)); override != "" {
			lines = append(lines, "Session override: "+override)
		}
		return strings.Join(lines, "\n")
	}

	if len(parts) == 0 {
		return showModel(r.state.SelectedProvider)
	}

	sub := strings.ToLower(parts[0])
	switch sub {
	case "get":
		provider := r.state.SelectedProvider
		if len(parts) >= 2 {
			provider = parts[1]
		}
		return showModel(provider)

	case "set":
		var provider, model string
		switch {
		case len(parts) == 2:
			provider = r.state.SelectedProvider
			model = parts[1]
		case len(parts) >= 3:
			provider = parts[1]
			model = strings.Join(parts[2:], " ")
		}
		if provider == "" || model == "" {
			return "Usage: /llm model set [provider] <model>"
		}
		switch strings.ToLower(model) {
		case "-", "none", "clear":
			model = ""
		}
		if _, err := r.registry.SetProviderField(provider, "model", model); err != nil {
			return err.Error()
		}
		if model == "" {
			return fmt.Sprintf("Default model for %s cleared.", provider)
		}
		return fmt.Sprintf("Default model for %s set to: %s", provider, model)

	case "session", "override":
		if len(parts) < 2 {
			return "Usage: /llm model session [provider] <model>"
		}
		var provider, model string
		if len(parts) == 2 {
			provider = r.state.SelectedProvider
			model = parts[1]
		} else {
			provider = parts[1]
			model = strings.Join(parts[2:], " ")
		}
		if provider == "" {
			return "No provider selected. Use /llm use <name> first or pass a provider."
		}
		switch strings.ToLower(model) {
		case "-", "none", "clear":
			delete(r.state.Config, sessionModelKey(provider))
			return fmt.Sprintf("Session model override cleared for %s.", provider)
		}
		r.state.Config[sessionModelKey(provider)] = model
		return fmt.Sprintf("Session model override for %s set to: %s", provider, model)
	}

	// Legacy fallback: bare "/llm model <model>" sets the session override.
	var provider, model string
	if len(parts) == 1 {
		provider = r.state.SelectedProvider
		model = parts[0]
	} else {
		provider = parts[0]
		model = strings.Join(parts[1:], " ")
	}
	if provider == "" || model == "" {
		return "Usage: /llm model [get|set|session] ..."
	}
	r.state.Config[sessionModelKey(provider)] = model
	return fmt.Sprintf("Session model override for %s set to: %s (legacy syntax; prefer /llm model session ...)",
		provider, model)
}

func (r *REPL) handleLLMProvider(parts []string) string {
	if len(parts) == 0 {
		return providerUsage()
	}
	sub := strings.ToLower(parts[0])

	switch sub {
	case "list":
		return r.formatProviderList()

	case "path":
		return fmt.Sprintf("Provider config path: %s", r.registry.ConfigPath())

	case "reload":
		if err := r.registry.Reload(); err != nil {
			return fmt.Sprintf("Provider command error: %v", err)
		}
		return "Provider registry reloaded."

	case "show":
		if len(parts) < 2 {
			return "Usage: /llm provider show <name>"
		}
		entry, err := r.registry.ProviderConfig(parts[1])
		if err != nil {
			return err.Error()
		}
		data, jsonErr := json.MarshalIndent(entry, "", "  ")
		if jsonErr != nil {
			return fmt.Sprintf("Provider command error: %v", jsonErr)
		}
		return string(data)

	case "get":
		if len(parts) < 2 {
			return "Usage: /llm provider get <name> [field]"
		}
		name := parts[1]
		if len(parts) < 3 {
			entry, err := r.registry.ProviderConfig(name)
			if err != nil {
				return err.Error()
			}
			data, jsonErr := json.MarshalIndent(entry, "", "  ")
			if jsonErr != nil {
				return fmt.Sprintf("Provider command error: %v", jsonErr)
			}
			return string(data)
		}
		field := parts[2]
		value, err := r.registry.GetProviderField(name, field)
		if err != nil {
			return err.Error()
		}
		if value == "" {
			value = "(not set)"
		}
		return fmt.Sprintf("%s.%s: %s", name, field, value)

	case "set":
		if len(parts) < 4 {
			return "Usage: /llm provider set <name> <field> <value>"
		}
		name := parts[1]
		field := parts[2]
		value := strings.Join(parts[3:], " ")
		switch strings.ToLower(value) {
		case "-", "none", "null", "clear":
			value = ""
		}
		updated, err := r.registry.SetProviderField(name, field, value)
		if err != nil {
			return err.Error()
		}
		if value == "" {
			return fmt.Sprintf("Cleared %s for provider: %s", field, name)
		}
		return fmt.Sprintf("Updated %s for provider %s: %s", field, name, updated)

	case "add":
		if len(parts) < 3 {
			return "Usage: /llm provider add <name> <base_url> [path] [model] [description]"
		}
		name := parts[1]
		baseURL := parts[2]
		path, model, description := "", "", ""
		if len(parts) >= 4 && parts[3] != "-" && parts[3] != "none" {
			path = parts[3]
		}
		if len(parts) >= 5 && parts[4] != "-" && parts[4] != "none" {
			model = parts[4]
		}
		if len(parts) >= 6 {
			description = strings.Join(parts[5:], " ")
		}
		entry, err := r.registry.AddProvider(name, baseURL, path, model, description)
		if err != nil {
			return err.Error()
		}
		data, jsonErr := json.MarshalIndent(entry, "", "  ")
		if jsonErr != nil {
			return fmt.Sprintf("Provider command error: %v", jsonErr)
		}
		return fmt.Sprintf("Added provider '%s'. Stored in %s\n%s", name, r.registry.ConfigPath(), data)
	}
	return providerUsage()
}

// capabilityMatches reports whether the provider declared support for the
// parameter; an empty capability list accepts everything.
func capabilityMatches(entry *llm.Entry, original, canonical string) bool {
	caps := llm.ListCapabilities(entry)
	if len(caps) == 0 {
		return true
	}
	originalL := strings.ToLower(original)
	canonicalL := strings.ToLower(canonical)
	segments := strings.Split(canonicalL, ".")
	base := segments[len(segments)-1]
	for _, c := range caps {
		declared := strings.ToLower(c)
		if declared == originalL || declared == canonicalL || declared == base ||
			strings.HasPrefix(canonicalL, declared+".") {
			return true
		}
	}
	return false
}

func (r *REPL) handleLLMParams(parts []string) string {
	if len(parts) == 0 {
		return paramsUsage()
	}
	sub := strings.ToLower(parts[0])

	switch sub {
	case "help", "?":
		return paramsUsage()

	case "list":
		candidate := ""
		if len(parts) >= 2 && r.isProviderName(parts[1]) {
			candidate = parts[1]
		}
		provider, entry, msg := r.requireProvider(candidate)
		if msg != "" {
			return msg
		}
		caps := llm.ListCapabilities(entry)
		sort.Slice(caps, func(i, j int) bool {
			return strings.ToLower(caps[i]) < strings.ToLower(caps[j])
		})
		capsText := "(none declared)"
		if len(caps) > 0 {
			capsText = strings.Join(caps, ", ")
		}
		lines := []string{
			fmt.Sprintf("%s parameter capabilities:", provider),
			"- supported: " + capsText,
		}
		overrides := llm.GetSessionParams(r.state.Config, provider)
		if len(overrides) == 0 {
			lines = append(lines, "- session overrides: (none)")
			return strings.Join(lines, "\n")
		}
		lines = append(lines, "- session overrides:")
		canonicals := make([]string, 0, len(overrides))
		for canonical := range overrides {
			canonicals = append(canonicals, canonical)
		}
		sort.Strings(canonicals)
		for _, canonical := range canonicals {
			label := llm.DisplayName(entry, canonical)
			prefix := "  " + label
			if label != canonical {
				prefix += fmt.Sprintf(" [%s]", canonical)
			}
			lines = append(lines, fmt.Sprintf("%s = %s", prefix, llm.SerializeValue(overrides[canonical])))
		}
		return strings.Join(lines, "\n")

	case "get":
		if len(parts) < 2 {
			return paramsUsage()
		}
		args := parts[1:]
		candidate, param := "", args[0]
		if len(args) >= 2 && r.isProviderName(args[0]) {
			candidate = args[0]
			param = args[1]
		}
		provider, entry, msg := r.requireProvider(candidate)
		if msg != "" {
			return msg
		}
		canonical, err := llm.CanonicalizeParam(entry, param)
		if err != nil {
			return err.Error()
		}
		label := llm.DisplayName(entry, canonical)
		overrides := llm.GetSessionParams(r.state.Config, provider)
		if value, ok := overrides[canonical]; ok {
			return fmt.Sprintf("%s %s: %s", provider, label, llm.SerializeValue(value))
		}
		if value, ok := entry.DefaultParams[canonical]; ok {
			return fmt.Sprintf("No session override. Default %s %s: %s", provider, label, llm.SerializeValue(value))
		}
		return fmt.Sprintf("No session override set for %s %s.", provider, label)

	case "set":
		if len(parts) < 3 {
			return paramsUsage()
		}
		args := parts[1:]
		var candidate, param, rawValue string
		if len(args) >= 3 && r.isProviderName(args[0]) {
			candidate = args[0]
			param = args[1]
			rawValue = strings.Join(args[2:], " ")
		} else {
			param = args[0]
			rawValue = strings.Join(args[1:], " ")
		}
		if rawValue == "" {
			return paramsUsage()
		}
		provider, entry, msg := r.requireProvider(candidate)
		if msg != "" {
			return msg
		}
		canonical, value, cleared, err := llm.ParseValue(entry, param, rawValue)
		if err != nil {
			return err.Error()
		}
		label := llm.DisplayName(entry, canonical)
		if cleared {
			if llm.ClearSessionParam(r.state.Config, provider, canonical) {
				return fmt.Sprintf("Cleared session override for %s %s.", provider, label)
			}
			return fmt.Sprintf("No session override to clear for %s %s.", provider, label)
		}
		llm.SetSessionParam(r.state.Config, provider, canonical, value)
		note := ""
		if !capabilityMatches(entry, param, canonical) {
			note = " (provider did not declare this parameter)"
		}
		return fmt.Sprintf("Session override for %s %s set to %s%s", provider, label, llm.SerializeValue(value), note)

	case "clear":
		if len(parts) < 2 {
			return paramsUsage()
		}
		args := parts[1:]
		candidate, target := "", args[0]
		if len(args) >= 2 && r.isProviderName(args[0]) {
			candidate = args[0]
			target = args[1]
		}
		provider, entry, msg := r.requireProvider(candidate)
		if msg != "" {
			return msg
		}
		if lowered := strings.ToLower(target); lowered == "all" || lowered == "*" {
			if llm.ClearAllSessionParams(r.state.Config, provider) {
				return fmt.Sprintf("Cleared all session overrides for %s.", provider)
			}
			return fmt.Sprintf("No session overrides to clear for %s.", provider)
		}
		canonical, err := llm.CanonicalizeParam(entry, target)
		if err != nil {
			return err.Error()
		}
		label := llm.DisplayName(entry, canonical)
		if llm.ClearSessionParam(r.state.Config, provider, canonical) {
			return fmt.Sprintf("Cleared session override for %s %s.", provider, label)
		}
		return fmt.Sprintf("No session override to clear for %s %s.", provider, label)
	}
	return paramsUsage()
}
