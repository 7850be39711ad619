// Package middleware enforces payment on net/http handlers.
//
// A request moves through NoPayment, PaymentPresented, Verifying and
// Settling and ends Allowed or Rejected. Every failure to reach a verdict,
// including facilitator timeouts, rejects the request.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/vitwit/awesome402/facilitator"
	"github.com/vitwit/awesome402/logger"
	"github.com/vitwit/awesome402/metrics"
	"github.com/vitwit/awesome402/types"
)

// Payment is the verified payment attached to an allowed request.
type Payment struct {
	Payer       string
	Payload     types.PaymentPayload
	Requirement types.PaymentRequirements

	// Settlement is set once funds moved. Handlers only see it under
	// SettleBeforeHandler.
	Settlement *types.SettleResponse
}

type paymentKey struct{}

// PaymentFromContext returns the payment that admitted the request.
func PaymentFromContext(ctx context.Context) (*Payment, bool) {
	p, ok := ctx.Value(paymentKey{}).(*Payment)
	return p, ok && p != nil
}

// Middleware is the seller-side enforcement point. It is safe for
// concurrent use.
type Middleware struct {
	cfg          Config
	requirements []types.PaymentRequirements
	log          logger.Logger
	metrics      metrics.Recorder

	mu       sync.Mutex
	enriched []types.PaymentRequirements
}

// NewMiddleware validates cfg and derives the offered requirements, ordered
// by price tag and then by version.
func NewMiddleware(cfg Config) (*Middleware, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	reqs := make([]types.PaymentRequirements, 0, len(cfg.PriceTags)*len(cfg.Versions))
	for _, tag := range cfg.PriceTags {
		for _, version := range cfg.Versions {
			req := tag.Requirement(cfg.Scheme, version)
			if req.Description == "" {
				req.Description = cfg.Description
			}
			req.MimeType = cfg.MimeType
			req.OutputSchema = cfg.OutputSchema
			req.Resource = cfg.Resource
			req.MaxTimeoutSeconds = cfg.MaxTimeoutSeconds
			reqs = append(reqs, req)
		}
	}

	return &Middleware{
		cfg:          cfg,
		requirements: reqs,
		log:          cfg.Logger,
		metrics:      cfg.Metrics,
	}, nil
}

// Policy reports the configured settle policy.
func (m *Middleware) Policy() SettlePolicy { return m.cfg.SettlePolicy }

// Requirements returns the offered requirements, enriched with facilitator
// extras such as the Solana fee payer once those could be fetched.
func (m *Middleware) Requirements(ctx context.Context) []types.PaymentRequirements {
	m.mu.Lock()
	enriched := m.enriched
	m.mu.Unlock()
	if enriched != nil {
		return enriched
	}
	if !needsEnrichment(m.requirements) {
		return m.requirements
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.VerifyTimeout)
	defer cancel()
	supported, err := m.cfg.Facilitator.Supported(ctx)
	if err != nil {
		m.log.Warn("could not fetch facilitator extras", map[string]any{"error": err.Error()})
		return m.requirements
	}

	enriched = facilitator.EnrichRequirements(supported, m.requirements)
	m.mu.Lock()
	m.enriched = enriched
	m.mu.Unlock()
	return enriched
}

func needsEnrichment(reqs []types.PaymentRequirements) bool {
	for i := range reqs {
		network, err := types.ParseNetwork(reqs[i].Network)
		if err != nil || !network.IsSolana() {
			continue
		}
		if _, ok := reqs[i].ExtraString("feePayer"); !ok {
			return true
		}
	}
	return false
}

// Handler wraps next with payment enforcement.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, payment, ok := m.Admit(w, r)
		if !ok {
			return
		}

		if m.cfg.SettlePolicy == SettleBeforeHandler {
			if !m.Settle(w, r, payment) {
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		buf := NewResponseBuffer()
		next.ServeHTTP(buf, r)
		if buf.Status() >= http.StatusBadRequest {
			m.log.Info("handler failed, payment not settled", map[string]any{
				"status": buf.Status(),
				"payer":  payment.Payer,
			})
			buf.FlushTo(w)
			return
		}
		if !m.Settle(w, r, payment) {
			return
		}
		buf.FlushTo(w)
	})
}

// Admit runs the request up to a verified payment. On rejection the
// response has been written and ok is false. On success the returned
// request carries the payment in its context.
func (m *Middleware) Admit(w http.ResponseWriter, r *http.Request) (*http.Request, *Payment, bool) {
	header := r.Header.Get(types.HeaderPayment)
	if header == "" {
		m.metrics.IncCounter(metrics.EventPaymentRequired, map[string]string{"outcome": "challenged"})
		m.reject(w, r, http.StatusPaymentRequired, types.ReasonPaymentRequired)
		return r, nil, false
	}

	payload, err := types.DecodePaymentPayload(header)
	if err != nil {
		m.log.Warn("malformed payment header", map[string]any{"error": err.Error()})
		m.reject(w, r, http.StatusBadRequest, types.ReasonMalformedPayment)
		return r, nil, false
	}

	req, found := m.match(r.Context(), payload.Key())
	if !found {
		m.log.Warn("payment does not match any offered requirement", map[string]any{"key": payload.Key().String()})
		m.rejected(payload.Network, types.ReasonSchemeMismatch)
		m.reject(w, r, http.StatusPaymentRequired, types.ReasonSchemeMismatch)
		return r, nil, false
	}
	if req.Resource == "" {
		req.Resource = resourceURL(r)
	}

	verifyCtx, cancel := context.WithTimeout(r.Context(), m.cfg.VerifyTimeout)
	defer cancel()
	vr, err := m.cfg.Facilitator.Verify(verifyCtx, &types.VerifyRequest{
		X402Version:         payload.X402Version,
		PaymentPayload:      *payload,
		PaymentRequirements: req,
	})
	if err != nil {
		m.failed(w, r, "verify", req.Network, err)
		return r, nil, false
	}
	if !vr.IsValid {
		m.log.Info("payment rejected", map[string]any{
			"reason": vr.InvalidReason,
			"payer":  vr.Payer,
		})
		m.rejected(req.Network, vr.InvalidReason)
		m.reject(w, r, http.StatusPaymentRequired, vr.InvalidReason)
		return r, nil, false
	}

	payment := &Payment{Payer: vr.Payer, Payload: *payload, Requirement: req}
	m.metrics.IncCounter(metrics.EventVerify, map[string]string{"network": req.Network, "outcome": "valid"})
	return r.WithContext(context.WithValue(r.Context(), paymentKey{}, payment)), payment, true
}

// Settle moves funds for an admitted payment. On success the receipt
// header is set on w and true is returned; otherwise the rejection has been
// written.
func (m *Middleware) Settle(w http.ResponseWriter, r *http.Request, p *Payment) bool {
	settleCtx, cancel := context.WithTimeout(r.Context(), m.cfg.SettleTimeout)
	defer cancel()

	resp, err := m.cfg.Facilitator.Settle(settleCtx, &types.VerifyRequest{
		X402Version:         p.Payload.X402Version,
		PaymentPayload:      p.Payload,
		PaymentRequirements: p.Requirement,
	})
	if err != nil {
		m.failed(w, r, "settle", p.Requirement.Network, err)
		return false
	}
	if !resp.Success {
		reason := resp.ErrorReason
		if reason == "" {
			reason = types.ReasonSettlementFailed
		}
		m.log.Warn("settlement unsuccessful", map[string]any{
			"reason":      reason,
			"payer":       p.Payer,
			"transaction": resp.Transaction,
		})
		m.rejected(p.Requirement.Network, reason)
		m.reject(w, r, http.StatusPaymentRequired, reason)
		return false
	}

	receipt, err := types.EncodeHeader(resp)
	if err != nil {
		m.failed(w, r, "settle", p.Requirement.Network, err)
		return false
	}
	p.Settlement = resp
	w.Header().Set(types.HeaderPaymentResponse, receipt)
	w.Header().Add("Access-Control-Expose-Headers", types.HeaderPaymentResponse)

	m.log.Info("payment settled", map[string]any{
		"payer":       p.Payer,
		"transaction": resp.Transaction,
		"network":     resp.Network,
	})
	m.metrics.IncCounter(metrics.EventPaymentAccepted, map[string]string{"network": p.Requirement.Network, "outcome": "settled"})
	return true
}

func (m *Middleware) match(ctx context.Context, key types.SchemeKey) (types.PaymentRequirements, bool) {
	for _, req := range m.Requirements(ctx) {
		if req.Key() == key {
			return req, true
		}
	}
	return types.PaymentRequirements{}, false
}

// failed rejects a request whose verdict could not be reached.
func (m *Middleware) failed(w http.ResponseWriter, r *http.Request, op, network string, err error) {
	m.log.Error("facilitator call failed", map[string]any{
		"operation": op,
		"network":   network,
		"error":     err.Error(),
	})
	if types.IsClientError(err) {
		m.rejected(network, types.ReasonInvalidPayload)
		m.reject(w, r, http.StatusBadRequest, types.ReasonInvalidPayload)
		return
	}
	m.rejected(network, types.ReasonFacilitatorUnavailable)
	m.reject(w, r, http.StatusServiceUnavailable, types.ReasonFacilitatorUnavailable)
}

func (m *Middleware) rejected(network, reason string) {
	m.metrics.IncCounter(metrics.EventPaymentRejected, map[string]string{"network": network, "outcome": reason})
}

func (m *Middleware) reject(w http.ResponseWriter, r *http.Request, status int, reason string) {
	accepts := m.Requirements(r.Context())
	if m.cfg.Resource == "" {
		resource := resourceURL(r)
		withResource := make([]types.PaymentRequirements, len(accepts))
		for i, req := range accepts {
			req.Resource = resource
			withResource[i] = req
		}
		accepts = withResource
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(types.PaymentRequired{
		X402Version: m.cfg.Versions[0],
		Accepts:     accepts,
		Error:       reason,
	}); err != nil {
		m.log.Error("failed to write payment required body", map[string]any{"error": err.Error()})
	}
}

func resourceURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
