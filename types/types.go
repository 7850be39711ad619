// Package types holds the wire structures and value types shared by buyers,
// sellers and facilitators.
package types

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// Protocol versions understood by this module.
const (
	X402Version1 = 1
	X402Version2 = 2
)

// SchemeExact is the name of the "pay exactly this amount" scheme.
const SchemeExact = "exact"

// Header names used on the wire.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// PaymentRequirements defines the requirements a resource server accepts for payment.
type PaymentRequirements struct {
	// Version of the x402 payment protocol this requirement is expressed in.
	X402Version int `json:"x402Version" validate:"required,gt=0"`

	// Scheme of the payment protocol to use (e.g., "exact").
	Scheme string `json:"scheme" validate:"required"`

	// Network of the blockchain to send payment on, named per X402Version.
	Network string `json:"network" validate:"required"`

	// Amount required to pay for the resource in atomic units of the asset.
	// Represented as a string because Go does not support uint256.
	MaxAmountRequired string `json:"maxAmountRequired" validate:"required,numeric"`

	// URL of the resource to pay for.
	Resource string `json:"resource,omitempty"`

	// Description of the resource being purchased.
	Description string `json:"description,omitempty"`

	// MIME type of the resource response (e.g., "application/json").
	MimeType string `json:"mimeType,omitempty"`

	// Output schema of the resource response, if applicable.
	OutputSchema map[string]interface{} `json:"outputSchema,omitempty"`

	// Address to which the payment must be sent.
	PayTo string `json:"payTo" validate:"required"`

	// Maximum time in seconds for the resource server to respond.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds" validate:"gt=0"`

	// Token contract address or mint.
	Asset string `json:"asset" validate:"required"`

	// Extra information about payment details specific to the scheme.
	// For the `exact` scheme on EVM, this carries the token's EIP-712 `name` and `version`;
	// on Solana it carries `feePayer` and `decimals`.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// Key returns the scheme key the requirement is addressed to.
func (pr *PaymentRequirements) Key() SchemeKey {
	return SchemeKey{Network: pr.Network, Scheme: pr.Scheme, Version: pr.X402Version}
}

// Amount parses MaxAmountRequired.
func (pr *PaymentRequirements) Amount() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(pr.MaxAmountRequired, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, ErrInvalidRequirements.WithMessage("invalid maxAmountRequired: %q", pr.MaxAmountRequired)
	}
	return amount, nil
}

// ExtraString returns a string value from Extra.
func (pr *PaymentRequirements) ExtraString(key string) (string, bool) {
	if pr.Extra == nil {
		return "", false
	}
	s, ok := pr.Extra[key].(string)
	return s, ok && s != ""
}

// PaymentRequired is the body of a 402 response.
type PaymentRequired struct {
	// Version of the x402 payment protocol.
	X402Version int `json:"x402Version"`

	// List of payment requirements that the resource server accepts, in order of preference.
	Accepts []PaymentRequirements `json:"accepts"`

	// Machine readable reason the request was not served.
	Error string `json:"error,omitempty"`
}

// PaymentPayload is the buyer's signed proof of payment, sent in the X-PAYMENT header.
type PaymentPayload struct {
	// Version of the x402 payment protocol.
	X402Version int `json:"x402Version" validate:"required,gt=0"`

	Scheme string `json:"scheme" validate:"required"`

	Network string `json:"network" validate:"required"`

	// Scheme-specific proof, opaque to everything but the scheme handler.
	Payload json.RawMessage `json:"payload" validate:"required"`
}

// Key returns the scheme key the payload claims.
func (p *PaymentPayload) Key() SchemeKey {
	return SchemeKey{Network: p.Network, Scheme: p.Scheme, Version: p.X402Version}
}

// VerifyRequest represents the body sent to a facilitator's /verify and /settle.
type VerifyRequest struct {
	// Version of the x402 payment protocol.
	X402Version int `json:"x402Version"`

	PaymentPayload PaymentPayload `json:"paymentPayload"`

	// Payment requirements being verified against.
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// Validate checks that the VerifyRequest contains all required fields.
func (v *VerifyRequest) Validate() error {
	if v.X402Version <= 0 {
		return ErrInvalidPayload.WithMessage("x402Version must be greater than 0")
	}

	if err := v.PaymentPayload.Validate(); err != nil {
		return err
	}

	return v.PaymentRequirements.Validate()
}

// VerifyResponse represents the facilitator's verification result.
type VerifyResponse struct {
	// Indicates whether the payment is valid.
	IsValid bool `json:"isValid"`

	// Provides a reason if the payment is invalid.
	InvalidReason string `json:"invalidReason,omitempty"`

	Payer string `json:"payer,omitempty"`
}

// Invalid builds a negative verification result.
func Invalid(reason, payer string) *VerifyResponse {
	return &VerifyResponse{IsValid: false, InvalidReason: reason, Payer: payer}
}

// Valid builds a positive verification result.
func Valid(payer string) *VerifyResponse {
	return &VerifyResponse{IsValid: true, Payer: payer}
}

// SettleResponse contains the result of payment settlement.
type SettleResponse struct {
	Success bool `json:"success"`

	ErrorReason string `json:"errorReason,omitempty"`

	// Chain transaction reference (hash or signature).
	Transaction string `json:"transaction,omitempty"`

	Network string `json:"network"`

	Payer string `json:"payer,omitempty"`
}

// SettleFailure builds a failed settlement result.
func SettleFailure(reason, network, payer string) *SettleResponse {
	return &SettleResponse{Success: false, ErrorReason: reason, Network: network, Payer: payer}
}

// SupportedKind describes one scheme a facilitator can verify and settle.
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     string                 `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// Key returns the scheme key of the kind.
func (k SupportedKind) Key() SchemeKey {
	return SchemeKey{Network: k.Network, Scheme: k.Scheme, Version: k.X402Version}
}

type SupportedResponse struct {
	Kinds []SupportedKind `json:"kinds"`
}

// Find returns the supported kind for key.
func (s *SupportedResponse) Find(key SchemeKey) (SupportedKind, bool) {
	for _, k := range s.Kinds {
		if k.Key() == key {
			return k, true
		}
	}
	return SupportedKind{}, false
}

func (pr *PaymentRequirements) Validate() error {
	if err := validate.Struct(pr); err != nil {
		return ErrInvalidRequirements.WithMessage("paymentRequirements: %v", err)
	}
	if _, err := pr.Amount(); err != nil {
		return err
	}
	return nil
}

func (p *PaymentPayload) Validate() error {
	if err := validate.Struct(p); err != nil {
		return ErrInvalidPayload.WithMessage("paymentPayload: %v", err)
	}
	if !json.Valid(p.Payload) {
		return ErrInvalidPayload.WithMessage("paymentPayload.payload is not valid JSON")
	}
	return nil
}

// String renders the key for logs.
func (k SchemeKey) String() string {
	return fmt.Sprintf("v%d:%s:%s", k.Version, k.Network, k.Scheme)
}
