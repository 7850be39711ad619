// Package scheme defines the payment scheme contracts and the registry that
// dispatches to them by scheme key.
package scheme

import (
	"context"

	"github.com/vitwit/awesome402/types"
)

// Keyed is anything registered under a scheme key.
type Keyed interface {
	Key() types.SchemeKey
}

// Client is the buyer half of a scheme: it turns a requirement into a signed
// payment payload using the signing capability it was built with.
type Client interface {
	Keyed
	Construct(ctx context.Context, req types.PaymentRequirements) (*types.PaymentPayload, error)
}

// Facilitator is the verifier/settler half of a scheme.
//
// Verify never moves funds. An invalid payment is reported through the
// result, errors are reserved for transport and protocol failures. Settle is
// only called after Verify returned valid, and must not move funds twice for
// the same payload no matter how often it is called.
type Facilitator interface {
	Keyed
	Verify(ctx context.Context, req types.PaymentRequirements, payload types.PaymentPayload) (*types.VerifyResponse, error)
	Settle(ctx context.Context, req types.PaymentRequirements, payload types.PaymentPayload) (*types.SettleResponse, error)
}

// ExtraProvider is implemented by facilitator handlers that advertise extra
// parameters in /supported, such as a Solana fee payer.
type ExtraProvider interface {
	Extra() map[string]interface{}
}

// Recorder is implemented by facilitator handlers that keep a settlement
// ledger. Recorded reports whether payload already has a settlement on
// record, pending or confirmed. Such a payload goes straight to Settle,
// which replays or resumes it, instead of being verified again.
type Recorder interface {
	Recorded(ctx context.Context, req types.PaymentRequirements, payload types.PaymentPayload) (bool, error)
}
