package x402

import (
	"io"
	"time"

	"github.com/vitwit/awesome402/events"
	"github.com/vitwit/awesome402/logger"
	"github.com/vitwit/awesome402/metrics"
)

type Option func(*X402)

func WithLogger(l logger.Logger) Option {
	return func(x *X402) {
		x.logger = logger.OrNop(l)
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(x *X402) {
		x.metrics = metrics.OrNop(r)
	}
}

// WithTimeout bounds each verification.
func WithTimeout(t time.Duration) Option {
	return func(x *X402) {
		x.timeout = t
	}
}

// WithSettleTimeout bounds each settlement, confirmation included.
func WithSettleTimeout(t time.Duration) Option {
	return func(x *X402) {
		x.settleTimeout = t
	}
}

// WithPublisher receives an event for every settlement outcome.
func WithPublisher(p events.Publisher) Option {
	return func(x *X402) {
		x.publisher = events.OrNop(p)
	}
}

// WithCloser registers a resource, such as an RPC pool or a ledger store,
// that Close releases.
func WithCloser(c io.Closer) Option {
	return func(x *X402) {
		x.closers = append(x.closers, c)
	}
}
