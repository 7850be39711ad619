// Package metrics records protocol events. Components receive a Recorder
// explicitly; the Prometheus implementation registers on a caller supplied
// registerer.
package metrics

import "time"

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// Event and operation names.
const (
	EventPaymentRequired = "payment_required"
	EventPaymentAccepted = "payment_accepted"
	EventPaymentRejected = "payment_rejected"
	EventVerify          = "verify"
	EventSettle          = "settle"
	EventPaymentAttempt  = "payment_attempt"

	OpVerify = "verify"
	OpSettle = "settle"
)

// NoopRecorder discards everything. It is the default wherever a Recorder
// is optional.
type NoopRecorder struct{}

var (
	_ Recorder = NoopRecorder{}
	_ Recorder = (*PrometheusRecorder)(nil)
)

func (NoopRecorder) IncCounter(string, map[string]string)                    {}
func (NoopRecorder) ObserveLatency(string, time.Duration, map[string]string) {}

// OrNop returns r, or a NoopRecorder when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
