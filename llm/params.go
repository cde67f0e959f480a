package llm

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/dbgcopilot/dbgcopilot/errors"
)

// sessionParamsSuffix keys the per-provider parameter store inside the
// session config.
const sessionParamsSuffix = "_params"

// commonParamAliases maps user-facing names to canonical dotted paths.
// Provider entries may extend or override these via param_aliases.
var commonParamAliases = map[string]string{
	"temperature":       "temperature",
	"temp":              "temperature",
	"max_tokens":        "max_tokens",
	"top_p":             "top_p",
	"top_k":             "top_k",
	"presence_penalty":  "presence_penalty",
	"frequency_penalty": "frequency_penalty",
	"stop":              "stop",
	"stop_sequences":    "stop",
	"repeat_penalty":    "extras.repeat_penalty",
	"mirostat":          "extras.mirostat",
	"web_search":        "extras.enable_web_search",
}

var (
	intBaseNames   = map[string]bool{"max_tokens": true, "top_k": true, "mirostat": true}
	floatBaseNames = map[string]bool{
		"temperature": true, "top_p": true, "presence_penalty": true,
		"frequency_penalty": true, "repeat_penalty": true,
	}
	listBaseNames = map[string]bool{"stop": true}
)

// ParamsKey returns the session config key storing provider overrides,
// with hyphens normalized to underscores.
func ParamsKey(provider string) string {
	return strings.ReplaceAll(provider, "-", "_") + sessionParamsSuffix
}

func aliasMap(entry *Entry) map[string]string {
	mapping := make(map[string]string, len(commonParamAliases))
	for k, v := range commonParamAliases {
		mapping[strings.ToLower(k)] = v
	}
	if entry != nil {
		for k, v := range entry.ParamAliases {
			mapping[strings.ToLower(k)] = v
		}
	}
	return mapping
}

func reverseAliasMap(entry *Entry) map[string]string {
	rev := map[string]string{}
	for alias, canonical := range aliasMap(entry) {
		existing, seen := rev[canonical]
		// Prefer the alias spelled like the canonical leaf, then the
		// lexicographically first one so display output is stable.
		switch {
		case !seen:
			rev[canonical] = alias
		case alias == lastSegment(canonical):
			rev[canonical] = alias
		case existing != lastSegment(canonical) && alias < existing:
			rev[canonical] = alias
		}
	}
	return rev
}

// CanonicalizeParam resolves a user-facing parameter name to its canonical
// dotted path. Unknown names pass through unchanged.
func CanonicalizeParam(entry *Entry, param string) (string, error) {
	name := strings.TrimSpace(param)
	if name == "" {
		return "", errors.New("parameter name is required")
	}
	if canonical, ok := aliasMap(entry)[strings.ToLower(name)]; ok {
		return canonical, nil
	}
	return name, nil
}

// DisplayName returns the user-facing alias for a canonical path when one
// exists.
func DisplayName(entry *Entry, canonical string) string {
	if alias, ok := reverseAliasMap(entry)[canonical]; ok {
		return alias
	}
	return canonical
}

// ListCapabilities returns the canonical parameter names the provider
// declares support for.
func ListCapabilities(entry *Entry) []string {
	if entry == nil {
		return nil
	}
	return append([]string(nil), entry.Capabilities...)
}

// GetSessionParams returns a copy of the provider's session overrides.
func GetSessionParams(config map[string]any, provider string) map[string]any {
	store, ok := config[ParamsKey(provider)].(map[string]any)
	if !ok {
		return map[string]any{}
	}
	out := make(map[string]any, len(store))
	for k, v := range store {
		out[k] = v
	}
	return out
}

// SetSessionParam writes one canonical override into the session store.
func SetSessionParam(config map[string]any, provider, canonical string, value any) {
	key := ParamsKey(provider)
	store, ok := config[key].(map[string]any)
	if !ok {
		store = map[string]any{}
		config[key] = store
	}
	store[canonical] = value
}

// ClearSessionParam removes one override; reports whether it existed. An
// emptied store is removed from the config entirely.
func ClearSessionParam(config map[string]any, provider, canonical string) bool {
	key := ParamsKey(provider)
	store, ok := config[key].(map[string]any)
	if !ok {
		return false
	}
	_, removed := store[canonical]
	delete(store, canonical)
	if len(store) == 0 {
		delete(config, key)
	}
	return removed
}

// ClearAllSessionParams drops every override for the provider.
func ClearAllSessionParams(config map[string]any, provider string) bool {
	key := ParamsKey(provider)
	_, existed := config[key]
	delete(config, key)
	return existed
}

// ParseValue canonicalizes a parameter name and coerces its raw value.
// cleared reports that the value was a clearing sentinel.
func ParseValue(entry *Entry, param string, raw string) (canonical string, value any, cleared bool, err error) {
	canonical, err = CanonicalizeParam(entry, param)
	if err != nil {
		return "", nil, false, err
	}
	value, cleared, err = coerceValue(canonical, raw)
	return canonical, value, cleared, err
}

// coerceValue applies the per-segment coercion rules keyed on the final
// segment of the canonical path.
func coerceValue(canonical, raw string) (any, bool, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil, true, nil
	}
	switch strings.ToLower(text) {
	case "none", "null", "clear":
		return nil, true, nil
	case "true", "1", "yes", "on":
		// "1" may also be a number; booleans win for non-numeric bases.
		if base := lastSegment(canonical); !intBaseNames[base] && !floatBaseNames[base] {
			return true, false, nil
		}
	case "false", "0", "no", "off":
		if base := lastSegment(canonical); !intBaseNames[base] && !floatBaseNames[base] {
			return false, false, nil
		}
	}

	base := lastSegment(canonical)
	switch {
	case intBaseNames[base]:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, false, errors.Newf("expected integer value for %s", canonical)
		}
		return int(f), false, nil
	case floatBaseNames[base]:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, false, errors.Newf("expected numeric value for %s", canonical)
		}
		return f, false, nil
	case listBaseNames[base]:
		if strings.HasPrefix(text, "[") {
			var parsed []any
			if err := json.Unmarshal([]byte(text), &parsed); err != nil {
				return nil, false, errors.Newf("invalid list value for %s", canonical)
			}
			out := make([]string, len(parsed))
			for i, v := range parsed {
				out[i] = toString(v)
			}
			return out, false, nil
		}
		var parts []string
		for _, segment := range strings.Split(text, ",") {
			if s := strings.TrimSpace(segment); s != "" {
				parts = append(parts, s)
			}
		}
		if len(parts) == 0 {
			parts = []string{text}
		}
		return parts, false, nil
	}

	switch strings.ToLower(text) {
	case "true", "yes", "on":
		return true, false, nil
	case "false", "no", "off":
		return false, false, nil
	}
	if strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[") {
		var parsed any
		if err := json.Unmarshal([]byte(text), &parsed); err == nil {
			return parsed, false, nil
		}
	}
	return text, false, nil
}

func lastSegment(canonical string) string {
	parts := strings.Split(canonical, ".")
	return parts[len(parts)-1]
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, _ := json.Marshal(v)
		return string(b)
	}
}

// ApplyParams writes each parameter into the request body along its
// canonical dotted path, creating intermediate maps as needed. A string
// value for a `stop` leaf is wrapped into a singleton list.
func ApplyParams(body map[string]any, params map[string]any, entry *Entry, assumeCanonical bool) map[string]any {
	for key, value := range params {
		canonical := key
		if !assumeCanonical {
			if c, err := CanonicalizeParam(entry, key); err == nil {
				canonical = c
			}
		}
		applyPath(body, canonical, value)
	}
	return body
}

func applyPath(target map[string]any, canonical string, value any) {
	var parts []string
	for _, segment := range strings.Split(canonical, ".") {
		if segment != "" {
			parts = append(parts, segment)
		}
	}
	if len(parts) == 0 {
		return
	}
	current := target
	for _, segment := range parts[:len(parts)-1] {
		child, ok := current[segment].(map[string]any)
		if !ok {
			child = map[string]any{}
			current[segment] = child
		}
		current = child
	}
	leaf := parts[len(parts)-1]
	if value == nil {
		delete(current, leaf)
		return
	}
	if leaf == "stop" {
		if s, ok := value.(string); ok {
			value = []string{s}
		}
	}
	current[leaf] = value
}

// SerializeValue renders an override for display.
func SerializeValue(value any) string {
	switch t := value.(type) {
	case nil:
		return "none"
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(value)
		if err != nil {
			return ""
		}
		return string(b)
	}
}
