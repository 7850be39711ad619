// Package verification dispatches verify requests to the registered scheme
// handlers.
package verification

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vitwit/awesome402/logger"
	"github.com/vitwit/awesome402/metrics"
	"github.com/vitwit/awesome402/scheme"
	"github.com/vitwit/awesome402/types"
)

// Verifier is implemented by anything that can verify a payment request.
type Verifier interface {
	Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerifyResponse, error)
}

// VerificationService verifies payments across every registered scheme.
type VerificationService struct {
	registry *scheme.Registry[scheme.Facilitator]
	timeout  time.Duration
	log      logger.Logger
	metrics  metrics.Recorder
}

var _ Verifier = (*VerificationService)(nil)

func NewVerificationService(registry *scheme.Registry[scheme.Facilitator], timeout time.Duration, log logger.Logger, rec metrics.Recorder) *VerificationService {
	return &VerificationService{
		registry: registry,
		timeout:  timeout,
		log:      logger.OrNop(log),
		metrics:  metrics.OrNop(rec),
	}
}

// QuickVerify performs the checks that need neither the chain nor the
// handler: request shape, key agreement and handler lookup. On success it
// returns the handler and a nil result.
func (s *VerificationService) QuickVerify(req *types.VerifyRequest) (scheme.Facilitator, *types.VerifyResponse) {
	if req == nil {
		return nil, types.Invalid(types.ReasonInvalidPayload, "")
	}
	if err := req.Validate(); err != nil {
		return nil, types.Invalid(types.ReasonInvalidPayload, "")
	}
	if req.PaymentPayload.Key() != req.PaymentRequirements.Key() {
		return nil, types.Invalid(types.ReasonSchemeMismatch, "")
	}

	handler, err := s.registry.Resolve(req.PaymentRequirements.Key())
	if err != nil {
		return nil, types.Invalid(types.ReasonUnsupportedScheme, "")
	}
	return handler, nil
}

// Verify runs the full verification within the service timeout. A handler
// failure or timeout is reported as ErrFacilitatorUnavailable.
func (s *VerificationService) Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerifyResponse, error) {
	handler, rejected := s.QuickVerify(req)
	if rejected != nil {
		s.record(req, rejected, 0)
		return rejected, nil
	}

	verifyCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	resp, err := handler.Verify(verifyCtx, req.PaymentRequirements, req.PaymentPayload)
	elapsed := time.Since(start)

	if err != nil {
		err = asTransport(err)
		s.log.Warn("verification failed", map[string]any{
			"key":   handler.Key().String(),
			"error": err,
		})
		s.metrics.IncCounter(metrics.EventVerify, map[string]string{
			"network": req.PaymentRequirements.Network,
			"outcome": "error",
		})
		return nil, err
	}

	s.record(req, resp, elapsed)
	return resp, nil
}

func (s *VerificationService) record(req *types.VerifyRequest, resp *types.VerifyResponse, elapsed time.Duration) {
	network := ""
	if req != nil {
		network = req.PaymentRequirements.Network
	}

	outcome := "valid"
	if !resp.IsValid {
		outcome = resp.InvalidReason
	}
	s.metrics.IncCounter(metrics.EventVerify, map[string]string{"network": network, "outcome": outcome})
	if elapsed > 0 {
		s.metrics.ObserveLatency(metrics.OpVerify, elapsed, map[string]string{"network": network})
	}

	s.log.Debug("payment verified", map[string]any{
		"network": network,
		"valid":   resp.IsValid,
		"reason":  resp.InvalidReason,
		"payer":   resp.Payer,
	})
}

// BatchVerify verifies requests concurrently and returns results in request
// order. The first error cancels the remaining verifications.
func (s *VerificationService) BatchVerify(ctx context.Context, reqs []*types.VerifyRequest) ([]*types.VerifyResponse, error) {
	if len(reqs) == 0 {
		return nil, types.ErrInvalidPayload.WithMessage("batch must contain at least one request")
	}

	results := make([]*types.VerifyResponse, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		g.Go(func() error {
			resp, err := s.Verify(gctx, req)
			if err != nil {
				return err
			}
			results[i] = resp
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// asTransport keeps typed errors and classifies everything else, deadlines
// included, as the facilitator being unavailable.
func asTransport(err error) error {
	var x402Err *types.X402Error
	if errors.As(err, &x402Err) {
		return err
	}
	return types.ErrFacilitatorUnavailable.Wrap(err)
}
