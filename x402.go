// Package x402 is the local facilitator: it verifies and settles x402
// payments by dispatching to scheme handlers registered by scheme key.
package x402

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/vitwit/awesome402/events"
	"github.com/vitwit/awesome402/logger"
	"github.com/vitwit/awesome402/metrics"
	"github.com/vitwit/awesome402/scheme"
	"github.com/vitwit/awesome402/settlement"
	"github.com/vitwit/awesome402/types"
	"github.com/vitwit/awesome402/verification"
)

const (
	DefaultVerifyTimeout = 30 * time.Second
	DefaultSettleTimeout = 2 * time.Minute
)

// X402 is the main struct that provides all facilitator functionality.
type X402 struct {
	registry            *scheme.Registry[scheme.Facilitator]
	verificationService *verification.VerificationService
	settlementService   *settlement.SettlementService

	logger        logger.Logger
	metrics       metrics.Recorder
	publisher     events.Publisher
	timeout       time.Duration
	settleTimeout time.Duration
	closers       []io.Closer
}

// New creates a facilitator over a registry of scheme handlers.
func New(registry *scheme.Registry[scheme.Facilitator], opts ...Option) (*X402, error) {
	if registry == nil || registry.Len() == 0 {
		return nil, types.ErrConfig.WithMessage("facilitator needs at least one scheme handler")
	}

	x := &X402{
		registry:      registry,
		logger:        logger.NoopLogger{},
		metrics:       metrics.NoopRecorder{},
		publisher:     events.NoopPublisher{},
		timeout:       DefaultVerifyTimeout,
		settleTimeout: DefaultSettleTimeout,
	}
	for _, opt := range opts {
		opt(x)
	}
	if x.timeout <= 0 || x.settleTimeout <= 0 {
		return nil, types.ErrConfig.WithMessage("timeouts must be positive")
	}

	x.verificationService = verification.NewVerificationService(registry, x.timeout, x.logger, x.metrics)
	x.settlementService = settlement.NewSettlementService(registry, x.settleTimeout, x.logger, x.metrics, x.publisher)

	x.logger.Info("facilitator initialised", map[string]any{
		"schemes":        len(registry.Keys()),
		"verify_timeout": x.timeout.String(),
		"settle_timeout": x.settleTimeout.String(),
	})
	return x, nil
}

// Verify verifies a payment against its requirements. It never moves funds.
func (x *X402) Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerifyResponse, error) {
	return x.verificationService.Verify(ctx, req)
}

// Settle settles a payment that verified as valid.
func (x *X402) Settle(ctx context.Context, req *types.VerifyRequest) (*types.SettleResponse, error) {
	return x.settlementService.Settle(ctx, req)
}

// VerifyAndSettle re-verifies before settling and only settles a valid
// payment. An invalid payment is reported as a failed settlement carrying
// the invalid reason. A payment the handler's ledger already records skips
// verification, so a retried settle replays or resumes the first one.
func (x *X402) VerifyAndSettle(ctx context.Context, req *types.VerifyRequest) (*types.SettleResponse, error) {
	recorded, err := x.recorded(ctx, req)
	if err != nil {
		return nil, err
	}
	if recorded {
		return x.Settle(ctx, req)
	}

	v, err := x.Verify(ctx, req)
	if err != nil {
		return nil, err
	}
	if !v.IsValid {
		return types.SettleFailure(v.InvalidReason, req.PaymentRequirements.Network, v.Payer), nil
	}
	return x.Settle(ctx, req)
}

func (x *X402) recorded(ctx context.Context, req *types.VerifyRequest) (bool, error) {
	handler, rejected := x.verificationService.QuickVerify(req)
	if rejected != nil {
		return false, nil
	}
	r, ok := handler.(scheme.Recorder)
	if !ok {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, x.timeout)
	defer cancel()
	return r.Recorded(ctx, req.PaymentRequirements, req.PaymentPayload)
}

// BatchVerify verifies multiple payments concurrently.
func (x *X402) BatchVerify(ctx context.Context, reqs []*types.VerifyRequest) ([]*types.VerifyResponse, error) {
	return x.verificationService.BatchVerify(ctx, reqs)
}

// BatchSettle settles multiple payments concurrently.
func (x *X402) BatchSettle(ctx context.Context, reqs []*types.VerifyRequest) ([]*types.SettleResponse, error) {
	return x.settlementService.BatchSettle(ctx, reqs)
}

// QuickVerify performs basic validation without chain queries.
func (x *X402) QuickVerify(req *types.VerifyRequest) *types.VerifyResponse {
	if _, rejected := x.verificationService.QuickVerify(req); rejected != nil {
		return rejected
	}
	return types.Valid("")
}

// Supported lists every registered scheme key with handler extras.
func (x *X402) Supported(context.Context) (*types.SupportedResponse, error) {
	handlers := x.registry.Handlers()
	kinds := make([]types.SupportedKind, 0, len(handlers))
	for _, h := range handlers {
		key := h.Key()
		kind := types.SupportedKind{
			X402Version: key.Version,
			Scheme:      key.Scheme,
			Network:     key.Network,
		}
		if ep, ok := h.(scheme.ExtraProvider); ok {
			kind.Extra = ep.Extra()
		}
		kinds = append(kinds, kind)
	}
	return &types.SupportedResponse{Kinds: kinds}, nil
}

// IsNetworkSupported reports whether any handler serves network.
func (x *X402) IsNetworkSupported(network types.Network) bool {
	for _, key := range x.registry.Keys() {
		if key.Network == network.WireName(key.Version) {
			return true
		}
	}
	return false
}

// Close releases the event publisher and every registered closer.
func (x *X402) Close() error {
	errs := []error{x.settlementService.Close()}
	for _, c := range x.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Version information
const (
	Version         = "1.0.0"
	ProtocolVersion = types.X402Version2
)

// GetVersion returns version information.
func (x *X402) GetVersion() map[string]interface{} {
	keys := x.registry.Keys()
	kinds := make([]string, 0, len(keys))
	for _, k := range keys {
		kinds = append(kinds, k.String())
	}
	return map[string]interface{}{
		"library_version":   Version,
		"protocol_versions": []int{types.X402Version1, types.X402Version2},
		"schemes":           kinds,
	}
}
