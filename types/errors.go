package types

import (
	"errors"
	"fmt"
)

// X402Error carries a stable code alongside a human readable message.
// Two X402Errors match under errors.Is when their codes are equal.
type X402Error struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Err     error       `json:"-"`
}

func (e *X402Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *X402Error) Unwrap() error { return e.Err }

func (e *X402Error) Is(target error) bool {
	var t *X402Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Wrap returns a copy of e with err attached as the cause.
func (e *X402Error) Wrap(err error) *X402Error {
	return &X402Error{Code: e.Code, Message: e.Message, Data: e.Data, Err: err}
}

// WithMessage returns a copy of e with a more specific message.
func (e *X402Error) WithMessage(format string, args ...any) *X402Error {
	return &X402Error{Code: e.Code, Message: fmt.Sprintf(format, args...), Data: e.Data, Err: e.Err}
}

// Common error codes
const (
	ErrCodeInvalidPayload         = "INVALID_PAYLOAD"
	ErrCodeInvalidRequirements    = "INVALID_REQUIREMENTS"
	ErrCodeUnsupportedNetwork     = "UNSUPPORTED_NETWORK"
	ErrCodeNotSupported           = "NOT_SUPPORTED"
	ErrCodeSchemeMismatch         = "SCHEME_MISMATCH"
	ErrCodeNoMatchingScheme       = "NO_MATCHING_SCHEME"
	ErrCodeSigningUnavailable     = "SIGNING_UNAVAILABLE"
	ErrCodeInvalidAmount          = "INVALID_AMOUNT"
	ErrCodeFacilitatorUnavailable = "FACILITATOR_UNAVAILABLE"
	ErrCodeMalformedHeader        = "MALFORMED_HEADER"
	ErrCodeDuplicateScheme        = "DUPLICATE_SCHEME"
	ErrCodeSettlementFailed       = "SETTLEMENT_FAILED"
	ErrCodeConfig                 = "CONFIG_ERROR"
)

var (
	ErrInvalidPayload         = &X402Error{Code: ErrCodeInvalidPayload, Message: "invalid payment payload"}
	ErrInvalidRequirements    = &X402Error{Code: ErrCodeInvalidRequirements, Message: "invalid payment requirements"}
	ErrUnsupportedNetwork     = &X402Error{Code: ErrCodeUnsupportedNetwork, Message: "unsupported network"}
	ErrNotSupported           = &X402Error{Code: ErrCodeNotSupported, Message: "scheme not supported"}
	ErrSchemeMismatch         = &X402Error{Code: ErrCodeSchemeMismatch, Message: "scheme mismatch"}
	ErrNoMatchingScheme       = &X402Error{Code: ErrCodeNoMatchingScheme, Message: "no payment requirement matches a registered scheme"}
	ErrSigningUnavailable     = &X402Error{Code: ErrCodeSigningUnavailable, Message: "no signer configured"}
	ErrInvalidAmount          = &X402Error{Code: ErrCodeInvalidAmount, Message: "invalid amount"}
	ErrFacilitatorUnavailable = &X402Error{Code: ErrCodeFacilitatorUnavailable, Message: "facilitator unavailable"}
	ErrMalformedHeader        = &X402Error{Code: ErrCodeMalformedHeader, Message: "malformed payment header"}
	ErrDuplicateScheme        = &X402Error{Code: ErrCodeDuplicateScheme, Message: "duplicate scheme registration"}
	ErrSettlementFailed       = &X402Error{Code: ErrCodeSettlementFailed, Message: "settlement failed"}
	ErrConfig                 = &X402Error{Code: ErrCodeConfig, Message: "invalid configuration"}
)

// IsClientError reports whether err stems from bad caller input. Such errors
// are never retried automatically.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrInvalidRequirements) ||
		errors.Is(err, ErrMalformedHeader) ||
		errors.Is(err, ErrSchemeMismatch) ||
		errors.Is(err, ErrNoMatchingScheme)
}

// IsTransportError reports whether err means the facilitator or chain could
// not be reached in time.
func IsTransportError(err error) bool {
	return errors.Is(err, ErrFacilitatorUnavailable)
}

// Reasons carried in VerifyResponse.InvalidReason, SettleResponse.ErrorReason
// and the error field of payment-required bodies.
const (
	ReasonInvalidPayload           = "invalid_payload"
	ReasonUnsupportedScheme        = "unsupported_scheme"
	ReasonSchemeMismatch           = "scheme_mismatch"
	ReasonInvalidSignature         = "invalid_signature"
	ReasonInsufficientAmount       = "insufficient_amount"
	ReasonInsufficientFunds        = "insufficient_funds"
	ReasonInvalidRecipient         = "invalid_recipient"
	ReasonInvalidAsset             = "invalid_asset"
	ReasonAuthorizationExpired     = "authorization_expired"
	ReasonAuthorizationNotYetValid = "authorization_not_yet_valid"
	ReasonNonceAlreadyUsed         = "nonce_already_used"
	ReasonSimulationFailed         = "simulation_failed"
	ReasonInvalidTransaction       = "invalid_transaction"
	ReasonFeePayerMisuse           = "fee_payer_misuse"
	ReasonSettlementFailed         = "settlement_failed"
	ReasonConfirmationTimeout      = "confirmation_timeout"
	ReasonFacilitatorUnavailable   = "facilitator_unavailable"
	ReasonPaymentRequired          = "payment_required"
	ReasonMalformedPayment         = "malformed_payment"
)
