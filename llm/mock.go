package llm

import "strings"

// newMockClient returns a deterministic offline provider used for demos
// and tests. Replies are keyed on a few prompt keywords so scripted
// sessions stay stable.
func newMockClient(provider string) *Client {
	client := &Client{Provider: provider, Model: "mock"}
	client.generate = func(prompt string) (string, *UsageRecord, error) {
		lowered := strings.ToLower(prompt)
		var reply string
		switch {
		case strings.Contains(lowered, "explain"):
			reply = "The crash likely comes from dereferencing an invalid pointer. " +
				"Inspect the backtrace first.\n<cmd>bt</cmd>"
		case strings.Contains(lowered, "convert"), strings.Contains(lowered, "pseudo"):
			reply = "Pseudocode for the current frame:\n\n" +
				"    function():\n        x = load(arg0)\n        if x == 0: fail()\n        return x"
		default:
			reply = "(mock) I suggest running 'bt' and 'info locals'."
		}
		usage := &UsageRecord{
			Provider:         provider,
			Model:            "mock",
			PromptTokens:     len(strings.Fields(prompt)),
			CompletionTokens: len(strings.Fields(reply)),
		}
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		return reply, usage, nil
	}
	return client
}
