package client

import (
	"net/http"

	"github.com/vitwit/awesome402/scheme"
)

// Transport is an http.RoundTripper that pays for 402 responses using the
// same two-step flow as Client.Do.
type Transport struct {
	Base   http.RoundTripper
	client *Client
}

// Transport wraps base, or http.DefaultTransport when base is nil.
func (c *Client) Transport(base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{Base: base, client: c}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.client.roundTrip(req, t.Base.RoundTrip)
}

// NewHTTPClient returns a standard *http.Client that pays transparently.
func NewHTTPClient(registry *scheme.Registry[scheme.Client], opts ...Option) (*http.Client, error) {
	c, err := New(registry, opts...)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Transport: c.Transport(c.httpClient.Transport),
		Timeout:   c.httpClient.Timeout,
	}, nil
}
