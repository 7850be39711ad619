// Package facilitator exposes the facilitator contract over HTTP: a remote
// Client for sellers and a Server that fronts a local facilitator.
package facilitator

import (
	"context"

	x402 "github.com/vitwit/awesome402"
	"github.com/vitwit/awesome402/types"
)

// Interface is what the enforcement middleware needs from a facilitator.
// The local x402.X402 and the remote Client both satisfy it.
//
// Verify and Settle report an invalid or failed payment through the result.
// Errors mean the facilitator could not answer; they match
// types.ErrFacilitatorUnavailable or, for requests it refused outright,
// types.ErrInvalidPayload.
type Interface interface {
	Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerifyResponse, error)
	Settle(ctx context.Context, req *types.VerifyRequest) (*types.SettleResponse, error)
	Supported(ctx context.Context) (*types.SupportedResponse, error)
}

// VerifySettler is implemented by facilitators that verify and settle in
// one step. The Server prefers it for /settle so that a payment already on
// record is replayed instead of being rejected by a second verification.
type VerifySettler interface {
	VerifyAndSettle(ctx context.Context, req *types.VerifyRequest) (*types.SettleResponse, error)
}

var (
	_ Interface     = (*x402.X402)(nil)
	_ Interface     = (*Client)(nil)
	_ VerifySettler = (*x402.X402)(nil)
)

// EnrichRequirements copies extras advertised in supported into the
// matching requirements. Values already present on a requirement win.
func EnrichRequirements(supported *types.SupportedResponse, reqs []types.PaymentRequirements) []types.PaymentRequirements {
	out := make([]types.PaymentRequirements, len(reqs))
	for i, req := range reqs {
		out[i] = req
		if supported == nil {
			continue
		}
		kind, ok := supported.Find(req.Key())
		if !ok || len(kind.Extra) == 0 {
			continue
		}

		extra := make(map[string]interface{}, len(req.Extra)+len(kind.Extra))
		for k, v := range kind.Extra {
			extra[k] = v
		}
		for k, v := range req.Extra {
			extra[k] = v
		}
		out[i].Extra = extra
	}
	return out
}
