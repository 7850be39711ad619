package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	x402 "github.com/vitwit/awesome402"
	"github.com/vitwit/awesome402/logger"
	"github.com/vitwit/awesome402/types"
)

const (
	DefaultVerifyTimeout = 10 * time.Second
	// DefaultSettleTimeout bounds one /settle attempt. It outlasts the
	// server's own settle timeout so that a slow confirmation is answered
	// before the client gives up and retries.
	DefaultSettleTimeout = x402.DefaultSettleTimeout + 30*time.Second
	DefaultSupportedTTL  = 5 * time.Minute

	maxErrorBody = 4 << 10
)

// AuthorizationFunc decorates every outgoing request, typically with an
// Authorization header. It is called again on each retry.
type AuthorizationFunc func(*http.Request) error

// Client talks to a remote facilitator over HTTP.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	verifyTimeout time.Duration
	settleTimeout time.Duration
	retry         RetryConfig
	authorize     AuthorizationFunc
	log           logger.Logger
	supportedTTL  time.Duration

	mu          sync.Mutex
	supported   *types.SupportedResponse
	supportedAt time.Time
	now         func() time.Time
}

type ClientOption func(*Client)

func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeouts bounds each verify and settle attempt. The settle bound
// should exceed the remote facilitator's settle timeout.
func WithTimeouts(verify, settle time.Duration) ClientOption {
	return func(c *Client) {
		c.verifyTimeout = verify
		c.settleTimeout = settle
	}
}

// WithRetry sets how often transport failures are retried and the initial
// backoff delay.
func WithRetry(maxRetries int, delay time.Duration) ClientOption {
	return func(c *Client) {
		c.retry.MaxRetries = maxRetries
		c.retry.InitialDelay = delay
	}
}

func WithAuthorization(fn AuthorizationFunc) ClientOption {
	return func(c *Client) { c.authorize = fn }
}

// WithBearerToken is WithAuthorization for a static bearer token.
func WithBearerToken(token string) ClientOption {
	return WithAuthorization(func(r *http.Request) error {
		r.Header.Set("Authorization", "Bearer "+token)
		return nil
	})
}

func WithLogger(l logger.Logger) ClientOption {
	return func(c *Client) { c.log = logger.OrNop(l) }
}

// WithSupportedTTL sets how long a /supported answer is reused. Zero
// disables caching.
func WithSupportedTTL(ttl time.Duration) ClientOption {
	return func(c *Client) { c.supportedTTL = ttl }
}

// NewClient builds a client for the facilitator at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, types.ErrConfig.WithMessage("facilitator url must be http(s), got %q", baseURL)
	}

	c := &Client{
		baseURL:       baseURL,
		httpClient:    &http.Client{},
		verifyTimeout: DefaultVerifyTimeout,
		settleTimeout: DefaultSettleTimeout,
		retry:         DefaultRetry,
		log:           logger.NoopLogger{},
		supportedTTL:  DefaultSupportedTTL,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		return nil, types.ErrConfig.WithMessage("facilitator http client is nil")
	}
	if c.verifyTimeout <= 0 || c.settleTimeout <= 0 {
		return nil, types.ErrConfig.WithMessage("facilitator timeouts must be positive")
	}
	if c.retry.MaxRetries < 0 {
		return nil, types.ErrConfig.WithMessage("facilitator retries must not be negative")
	}
	return c, nil
}

// BaseURL returns the facilitator endpoint the client was built for.
func (c *Client) BaseURL() string { return c.baseURL }

// Verify posts req to /verify. A 200 answer is final, valid or not.
func (c *Client) Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerifyResponse, error) {
	var resp types.VerifyResponse
	if err := c.post(ctx, "/verify", c.verifyTimeout, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Settle posts req to /settle.
func (c *Client) Settle(ctx context.Context, req *types.VerifyRequest) (*types.SettleResponse, error) {
	var resp types.SettleResponse
	if err := c.post(ctx, "/settle", c.settleTimeout, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Supported fetches /supported, reusing a cached answer within the TTL.
func (c *Client) Supported(ctx context.Context) (*types.SupportedResponse, error) {
	c.mu.Lock()
	if c.supported != nil && c.now().Sub(c.supportedAt) < c.supportedTTL {
		cached := c.supported
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	resp, err := withRetry(ctx, c.retry, func(ctx context.Context) (*types.SupportedResponse, bool, error) {
		var out types.SupportedResponse
		retry, err := c.do(ctx, http.MethodGet, "/supported", c.verifyTimeout, nil, &out)
		return &out, retry, err
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.supported = resp
	c.supportedAt = c.now()
	c.mu.Unlock()
	return resp, nil
}

// EnrichRequirements fills facilitator provided extras, such as the Solana
// fee payer, into reqs.
func (c *Client) EnrichRequirements(ctx context.Context, reqs []types.PaymentRequirements) ([]types.PaymentRequirements, error) {
	supported, err := c.Supported(ctx)
	if err != nil {
		return reqs, err
	}
	return EnrichRequirements(supported, reqs), nil
}

func (c *Client) post(ctx context.Context, path string, timeout time.Duration, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return types.ErrInvalidPayload.Wrap(err)
	}

	_, err = withRetry(ctx, c.retry, func(ctx context.Context) (struct{}, bool, error) {
		retry, err := c.do(ctx, http.MethodPost, path, timeout, data, out)
		if err != nil && retry {
			c.log.Warn("facilitator request failed", map[string]any{
				"path":  path,
				"error": err.Error(),
			})
		}
		return struct{}{}, retry, err
	})
	return err
}

// do performs one attempt. The boolean reports whether the failure is worth
// retrying.
func (c *Client) do(ctx context.Context, method, path string, timeout time.Duration, body []byte, out any) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return false, types.ErrConfig.Wrap(err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.authorize != nil {
		if err := c.authorize(httpReq); err != nil {
			return false, types.ErrConfig.WithMessage("facilitator authorization: %v", err)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return true, types.ErrFacilitatorUnavailable.WithMessage("%s %s", method, path).Wrap(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, types.ErrFacilitatorUnavailable.WithMessage("%s %s: status %d: %s", method, path, resp.StatusCode, errorBody(resp.Body))
	default:
		return false, types.ErrInvalidPayload.WithMessage("facilitator refused %s: status %d: %s", path, resp.StatusCode, errorBody(resp.Body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, types.ErrFacilitatorUnavailable.WithMessage("decode %s response", path).Wrap(err)
	}
	return false, nil
}

// errorBody extracts a short reason from a failed response.
func errorBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))

	var body struct {
		Error         string `json:"error"`
		InvalidReason string `json:"invalidReason"`
		ErrorReason   string `json:"errorReason"`
	}
	if json.Unmarshal(data, &body) == nil {
		for _, s := range []string{body.Error, body.InvalidReason, body.ErrorReason} {
			if s != "" {
				return s
			}
		}
	}
	if len(data) == 0 {
		return "empty body"
	}
	return fmt.Sprintf("%.200s", strings.TrimSpace(string(data)))
}
