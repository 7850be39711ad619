package client

import (
	"time"

	"github.com/vitwit/awesome402/types"
)

type EventType string

const (
	EventPaymentRequired EventType = "payment_required"
	EventPaymentAttempt  EventType = "payment_attempt"
	EventPaymentSuccess  EventType = "payment_success"
	EventPaymentFailure  EventType = "payment_failure"
)

// Event describes one step of a paid request.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Method    string
	URL       string

	// Requirement is the requirement being paid, once one was selected.
	Requirement *types.PaymentRequirements

	// Settlement is the seller's receipt on success.
	Settlement *types.SettleResponse

	// StatusCode of the paid request, when it was sent.
	StatusCode int
	Err        error
	Duration   time.Duration
}

// EventHandler receives payment events. It runs on the request goroutine
// and must not block.
type EventHandler func(Event)
