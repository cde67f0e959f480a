// Package httpclient provides the bounded HTTP client shared by the LLM
// provider clients. Every request carries a hard timeout and redirects are
// capped, so a misbehaving endpoint can never wedge an orchestrator turn.
package httpclient

import (
	"net/http"
	"net/url"
	"time"

	"github.com/dbgcopilot/dbgcopilot/errors"
)

// DefaultTimeout bounds a single provider HTTP round trip.
const DefaultTimeout = 20 * time.Second

// BoundedClient wraps http.Client with scheme validation and a redirect cap.
// Provider endpoints are user-configured and frequently point at localhost
// (Ollama, llama.cpp), so unlike a crawler client it does not block private
// addresses.
type BoundedClient struct {
	*http.Client
	allowedSchemes []string
	maxRedirects   int
}

// New creates a bounded HTTP client with the given per-request timeout.
func New(timeout time.Duration) *BoundedClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := &BoundedClient{
		Client: &http.Client{
			Timeout: timeout,
		},
		allowedSchemes: []string{"http", "https"},
		maxRedirects:   10,
	}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= client.maxRedirects {
			return errors.Newf("stopped after %d redirects", client.maxRedirects)
		}
		if err := client.ValidateURL(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}
	return client
}

// ValidateURL rejects URLs whose scheme is not in the allowed set.
func (c *BoundedClient) ValidateURL(u *url.URL) error {
	if u == nil {
		return errors.New("nil URL")
	}
	for _, scheme := range c.allowedSchemes {
		if u.Scheme == scheme {
			return nil
		}
	}
	return errors.Newf("scheme %q not allowed", u.Scheme)
}

// Do validates the request URL before delegating to the embedded client.
func (c *BoundedClient) Do(req *http.Request) (*http.Response, error) {
	if err := c.ValidateURL(req.URL); err != nil {
		return nil, err
	}
	return c.Client.Do(req)
}
