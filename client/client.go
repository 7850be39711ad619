// Package client pays for x402 protected resources on the buyer side.
//
// A request is sent once. When the seller answers 402, the first advertised
// requirement the local scheme registry can construct a payment for is
// paid and the request is sent exactly one more time. The second response
// is returned as is, even when it is another 402.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/vitwit/awesome402/logger"
	"github.com/vitwit/awesome402/metrics"
	"github.com/vitwit/awesome402/scheme"
	"github.com/vitwit/awesome402/types"
)

// maxPaymentRequiredBody caps how much of a 402 body is read.
const maxPaymentRequiredBody = 1 << 20

type Client struct {
	registry   *scheme.Registry[scheme.Client]
	httpClient *http.Client
	log        logger.Logger
	metrics    metrics.Recorder
	onEvent    EventHandler
	maxAmount  *big.Int
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(l logger.Logger) Option {
	return func(c *Client) { c.log = logger.OrNop(l) }
}

func WithMetrics(r metrics.Recorder) Option {
	return func(c *Client) { c.metrics = metrics.OrNop(r) }
}

func WithEventHandler(h EventHandler) Option {
	return func(c *Client) { c.onEvent = h }
}

// WithMaxAmount refuses requirements asking for more than max base units.
func WithMaxAmount(max *big.Int) Option {
	return func(c *Client) {
		if max != nil {
			c.maxAmount = new(big.Int).Set(max)
		}
	}
}

// New builds a paying client over a registry of buyer scheme handlers.
func New(registry *scheme.Registry[scheme.Client], opts ...Option) (*Client, error) {
	if registry == nil || registry.Len() == 0 {
		return nil, types.ErrConfig.WithMessage("client needs at least one scheme handler")
	}
	c := &Client{
		registry:   registry,
		httpClient: &http.Client{},
		log:        logger.NoopLogger{},
		metrics:    metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		return nil, types.ErrConfig.WithMessage("client http client is nil")
	}
	if c.maxAmount != nil && c.maxAmount.Sign() <= 0 {
		return nil, types.ErrConfig.WithMessage("max amount must be positive")
	}
	return c, nil
}

// Do sends req, paying once if the seller asks for payment.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.roundTrip(req, c.httpClient.Do)
}

// Get is Do for a GET request to url.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// SelectRequirement returns the first requirement, in the seller's order,
// that a registered handler can pay.
func (c *Client) SelectRequirement(accepts []types.PaymentRequirements) (types.PaymentRequirements, scheme.Client, error) {
	overLimit := 0
	for _, req := range accepts {
		handler, err := c.registry.Resolve(req.Key())
		if err != nil {
			continue
		}
		if c.maxAmount != nil {
			amount, err := req.Amount()
			if err != nil {
				continue
			}
			if amount.Cmp(c.maxAmount) > 0 {
				overLimit++
				continue
			}
		}
		return req, handler, nil
	}
	if overLimit > 0 {
		return types.PaymentRequirements{}, nil, types.ErrNoMatchingScheme.WithMessage(
			"%d payable requirement(s) exceed the max amount %s", overLimit, c.maxAmount)
	}
	return types.PaymentRequirements{}, nil, types.ErrNoMatchingScheme
}

type sendFunc func(*http.Request) (*http.Response, error)

func (c *Client) roundTrip(req *http.Request, send sendFunc) (*http.Response, error) {
	getBody, err := bodySource(req)
	if err != nil {
		return nil, err
	}

	first, err := cloneRequest(req, getBody)
	if err != nil {
		return nil, err
	}
	resp, err := send(first)
	if err != nil || resp.StatusCode != http.StatusPaymentRequired {
		return resp, err
	}

	pr, ok := readPaymentRequired(resp)
	if !ok {
		return resp, nil
	}
	c.emit(Event{Type: EventPaymentRequired, Method: req.Method, URL: req.URL.String()})

	selected, handler, err := c.SelectRequirement(pr.Accepts)
	if err != nil {
		c.log.Warn("no payable requirement", map[string]any{"url": req.URL.String(), "offered": len(pr.Accepts)})
		return nil, err
	}

	start := time.Now()
	event := Event{Method: req.Method, URL: req.URL.String(), Requirement: &selected}

	payload, err := handler.Construct(req.Context(), selected)
	if err != nil {
		c.failure(event, start, 0, err)
		return nil, err
	}
	header, err := types.EncodeHeader(payload)
	if err != nil {
		c.failure(event, start, 0, err)
		return nil, err
	}

	event.Type = EventPaymentAttempt
	c.emit(event)
	c.metrics.IncCounter(metrics.EventPaymentAttempt, map[string]string{"network": selected.Network, "outcome": "sent"})

	paid, err := cloneRequest(req, getBody)
	if err != nil {
		return nil, err
	}
	paid.Header.Set(types.HeaderPayment, header)

	resp, err = send(paid)
	if err != nil {
		c.failure(event, start, 0, err)
		return nil, err
	}

	settlement, _ := SettlementFromResponse(resp)
	if resp.StatusCode >= http.StatusBadRequest || settlement == nil || !settlement.Success {
		c.failure(event, start, resp.StatusCode, nil)
		return resp, nil
	}

	event.Type = EventPaymentSuccess
	event.Settlement = settlement
	event.StatusCode = resp.StatusCode
	event.Duration = time.Since(start)
	c.emit(event)
	c.log.Info("payment accepted", map[string]any{
		"url":         req.URL.String(),
		"network":     selected.Network,
		"transaction": settlement.Transaction,
	})
	return resp, nil
}

func (c *Client) failure(event Event, start time.Time, status int, err error) {
	event.Type = EventPaymentFailure
	event.StatusCode = status
	event.Err = err
	event.Duration = time.Since(start)
	c.emit(event)

	fields := map[string]any{"url": event.URL, "status": status}
	if err != nil {
		fields["error"] = err.Error()
	}
	c.log.Warn("payment not accepted", fields)
}

func (c *Client) emit(e Event) {
	if c.onEvent == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	c.onEvent(e)
}

// SettlementFromResponse decodes the seller's settlement receipt.
func SettlementFromResponse(resp *http.Response) (*types.SettleResponse, error) {
	if resp == nil {
		return nil, types.ErrMalformedHeader.WithMessage("nil response")
	}
	header := resp.Header.Get(types.HeaderPaymentResponse)
	if header == "" {
		return nil, types.ErrMalformedHeader.WithMessage("response carries no %s header", types.HeaderPaymentResponse)
	}
	return types.DecodeSettleResponse(header)
}

// readPaymentRequired parses a 402 body. A body that is not a payment
// required document is put back so resp can be returned untouched.
func readPaymentRequired(resp *http.Response) (*types.PaymentRequired, bool) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPaymentRequiredBody))
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(data))
	if err != nil {
		return nil, false
	}

	var pr types.PaymentRequired
	if err := json.Unmarshal(data, &pr); err != nil || len(pr.Accepts) == 0 {
		return nil, false
	}
	return &pr, true
}

// bodySource returns a function producing fresh copies of the request
// body so it can be sent twice. req itself is left untouched.
func bodySource(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		return req.GetBody, nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, err
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}, nil
}

func cloneRequest(req *http.Request, getBody func() (io.ReadCloser, error)) (*http.Request, error) {
	out := req.Clone(req.Context())
	if getBody != nil {
		body, err := getBody()
		if err != nil {
			return nil, err
		}
		out.Body = body
		out.GetBody = getBody
	}
	return out, nil
}
