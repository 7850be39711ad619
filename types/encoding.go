package types

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// EncodeHeader serialises v as base64(JSON) for the payment headers.
func EncodeHeader(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", ErrMalformedHeader.Wrap(err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeHeader reverses EncodeHeader. Standard and URL-safe alphabets, padded
// or not, are accepted.
func DecodeHeader(s string, v any) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return ErrMalformedHeader.WithMessage("empty payment header")
	}

	data, err := decodeBase64(s)
	if err != nil {
		return ErrMalformedHeader.Wrap(err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return ErrMalformedHeader.Wrap(err)
	}
	return nil
}

func decodeBase64(s string) ([]byte, error) {
	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}

	var firstErr error
	for _, enc := range encodings {
		data, err := enc.DecodeString(s)
		if err == nil {
			return data, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

// DecodePaymentPayload decodes and validates an X-PAYMENT header value.
func DecodePaymentPayload(header string) (*PaymentPayload, error) {
	var payload PaymentPayload
	if err := DecodeHeader(header, &payload); err != nil {
		return nil, err
	}
	if err := payload.Validate(); err != nil {
		return nil, ErrMalformedHeader.Wrap(err)
	}
	return &payload, nil
}

// DecodeSettleResponse decodes an X-PAYMENT-RESPONSE header value.
func DecodeSettleResponse(header string) (*SettleResponse, error) {
	var resp SettleResponse
	if err := DecodeHeader(header, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
