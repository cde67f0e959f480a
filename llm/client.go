package llm

// Client is a session-bound handle for one provider. Generate performs a
// single blocking completion; the usage record for the most recent call is
// kept for accounting.
type Client struct {
	Provider string
	Model    string

	// LastUsage is nil until a call returns usage data.
	LastUsage *UsageRecord

	generate func(prompt string) (string, *UsageRecord, error)
}

// NewClient wraps a raw generate function. Used for custom transports and
// scripted providers in tests.
func NewClient(provider, model string, generate func(prompt string) (string, *UsageRecord, error)) *Client {
	return &Client{Provider: provider, Model: model, generate: generate}
}

// Generate sends the prompt and returns the assistant text.
func (c *Client) Generate(prompt string) (string, error) {
	text, usage, err := c.generate(prompt)
	if usage != nil {
		c.LastUsage = usage
	}
	return text, err
}
