package llm

// UsageRecord captures token and cost accounting for one completion call.
type UsageRecord struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	Cost             float64 `json:"cost,omitempty"`
}

// UsageTotals accumulates per-call records for reporting.
type UsageTotals struct {
	Records          []UsageRecord
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Cost             float64
}

// Add appends a record and updates the running totals. Nil records are
// ignored so callers can pass Client.LastUsage unchecked.
func (t *UsageTotals) Add(record *UsageRecord) {
	if record == nil {
		return
	}
	t.Records = append(t.Records, *record)
	t.PromptTokens += record.PromptTokens
	t.CompletionTokens += record.CompletionTokens
	t.TotalTokens += record.TotalTokens
	t.Cost += record.Cost
}

// extractUsage reads the optional usage block from a chat completion
// response. Providers disagree on the cost field name.
func extractUsage(provider, model string, parsed map[string]any) *UsageRecord {
	usage, ok := parsed["usage"].(map[string]any)
	if !ok {
		return nil
	}
	record := &UsageRecord{Provider: provider, Model: model}
	record.PromptTokens = intField(usage, "prompt_tokens")
	record.CompletionTokens = intField(usage, "completion_tokens")
	record.TotalTokens = intField(usage, "total_tokens")
	if record.TotalTokens == 0 {
		record.TotalTokens = record.PromptTokens + record.CompletionTokens
	}
	for _, key := range []string{"total_cost", "total_cost_usd", "cost"} {
		if v, ok := usage[key].(float64); ok {
			record.Cost = v
			break
		}
	}
	return record
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
