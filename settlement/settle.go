// Package settlement dispatches settle requests to the registered scheme
// handlers and publishes their outcomes.
package settlement

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vitwit/awesome402/events"
	"github.com/vitwit/awesome402/logger"
	"github.com/vitwit/awesome402/metrics"
	"github.com/vitwit/awesome402/scheme"
	"github.com/vitwit/awesome402/types"
)

// SettlementService settles payments across every registered scheme.
type SettlementService struct {
	registry  *scheme.Registry[scheme.Facilitator]
	timeout   time.Duration
	log       logger.Logger
	metrics   metrics.Recorder
	publisher events.Publisher
}

func NewSettlementService(
	registry *scheme.Registry[scheme.Facilitator],
	timeout time.Duration,
	log logger.Logger,
	rec metrics.Recorder,
	publisher events.Publisher,
) *SettlementService {
	return &SettlementService{
		registry:  registry,
		timeout:   timeout,
		log:       logger.OrNop(log),
		metrics:   metrics.OrNop(rec),
		publisher: events.OrNop(publisher),
	}
}

// Settle forwards to the handler for the request's scheme key. Callers must
// only settle payloads that verified as valid.
func (s *SettlementService) Settle(ctx context.Context, req *types.VerifyRequest) (*types.SettleResponse, error) {
	if err := s.validateSettlementRequest(req); err != nil {
		network := ""
		if req != nil {
			network = req.PaymentRequirements.Network
		}
		return types.SettleFailure(types.ReasonInvalidPayload, network, ""), nil
	}

	network := req.PaymentRequirements.Network
	if req.PaymentPayload.Key() != req.PaymentRequirements.Key() {
		return types.SettleFailure(types.ReasonSchemeMismatch, network, ""), nil
	}
	handler, err := s.registry.Resolve(req.PaymentRequirements.Key())
	if err != nil {
		return types.SettleFailure(types.ReasonUnsupportedScheme, network, ""), nil
	}

	settleCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	resp, err := handler.Settle(settleCtx, req.PaymentRequirements, req.PaymentPayload)
	elapsed := time.Since(start)

	if err != nil {
		var x402Err *types.X402Error
		if !errors.As(err, &x402Err) {
			err = types.ErrFacilitatorUnavailable.Wrap(err)
		}
		s.log.Error("settlement failed", map[string]any{
			"key":   handler.Key().String(),
			"error": err,
		})
		s.metrics.IncCounter(metrics.EventSettle, map[string]string{"network": network, "outcome": "error"})
		return nil, err
	}

	outcome := "success"
	if !resp.Success {
		outcome = resp.ErrorReason
	}
	s.metrics.IncCounter(metrics.EventSettle, map[string]string{"network": network, "outcome": outcome})
	s.metrics.ObserveLatency(metrics.OpSettle, elapsed, map[string]string{"network": network})
	s.log.Info("payment settled", map[string]any{
		"network":     network,
		"success":     resp.Success,
		"reason":      resp.ErrorReason,
		"transaction": resp.Transaction,
		"payer":       resp.Payer,
		"duration":    elapsed.String(),
	})

	// Publishing must not change the settle outcome.
	if err := s.publisher.PublishSettlement(ctx, events.NewSettlementEvent(req.PaymentRequirements, resp)); err != nil {
		s.log.Warn("failed to publish settlement event", map[string]any{"error": err, "transaction": resp.Transaction})
	}

	return resp, nil
}

// BatchSettle settles requests concurrently, preserving order. A request
// that fails with an error is reported as a failed settlement so the rest
// of the batch still completes. Every result is returned even when ctx
// ended meanwhile, together with ctx's error, since some transfers may
// already be on chain.
func (s *SettlementService) BatchSettle(ctx context.Context, reqs []*types.VerifyRequest) ([]*types.SettleResponse, error) {
	results := make([]*types.SettleResponse, len(reqs))

	var g errgroup.Group
	for i, req := range reqs {
		g.Go(func() error {
			resp, err := s.Settle(ctx, req)
			if err != nil {
				network := ""
				if req != nil {
					network = req.PaymentRequirements.Network
				}
				resp = types.SettleFailure(types.ReasonFacilitatorUnavailable, network, "")
			}
			results[i] = resp
			return nil
		})
	}
	_ = g.Wait()

	return results, ctx.Err()
}

func (s *SettlementService) validateSettlementRequest(req *types.VerifyRequest) error {
	if req == nil {
		return types.ErrInvalidPayload.WithMessage("settle request is nil")
	}
	return req.Validate()
}

// Close closes the event publisher.
func (s *SettlementService) Close() error {
	return s.publisher.Close()
}
