package middleware

import (
	"time"

	"github.com/vitwit/awesome402/facilitator"
	"github.com/vitwit/awesome402/logger"
	"github.com/vitwit/awesome402/metrics"
	"github.com/vitwit/awesome402/types"
)

// SettlePolicy decides whether funds move before or after the protected
// handler runs.
type SettlePolicy int

const (
	// SettleAfterHandler runs the handler into a buffer and settles only when
	// it succeeded. The buffered response is released after settlement and
	// discarded if settlement fails. This is the zero value.
	SettleAfterHandler SettlePolicy = iota

	// SettleBeforeHandler settles first and only then runs the handler. Use
	// it for handlers with side effects that must not run unpaid.
	SettleBeforeHandler
)

func (p SettlePolicy) String() string {
	switch p {
	case SettleAfterHandler:
		return "settle-after-handler"
	case SettleBeforeHandler:
		return "settle-before-handler"
	default:
		return "unknown"
	}
}

func (p SettlePolicy) valid() bool {
	return p == SettleAfterHandler || p == SettleBeforeHandler
}

const (
	DefaultMaxTimeoutSeconds = 60
	DefaultVerifyTimeout     = 30 * time.Second

	// DefaultSettleTimeout covers two settle attempts of a remote
	// facilitator client, the first one and a retry.
	DefaultSettleTimeout = 2 * facilitator.DefaultSettleTimeout
)

// Config describes what a protected route costs and who checks payments.
type Config struct {
	Facilitator facilitator.Interface

	// PriceTags are offered in order; the first is the seller's preference.
	PriceTags []types.PriceTag

	// Scheme defaults to "exact".
	Scheme string

	// Versions lists the protocol versions offered for every price tag, in
	// preference order. Defaults to v2 then v1.
	Versions []int

	Description  string
	MimeType     string
	OutputSchema map[string]interface{}

	// Resource is the advertised resource URL. When empty the request URL is
	// used.
	Resource string

	MaxTimeoutSeconds int
	SettlePolicy      SettlePolicy
	VerifyTimeout     time.Duration
	SettleTimeout     time.Duration

	Logger  logger.Logger
	Metrics metrics.Recorder
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Scheme == "" {
		out.Scheme = types.SchemeExact
	}
	if len(out.Versions) == 0 {
		out.Versions = []int{types.X402Version2, types.X402Version1}
	}
	if out.MaxTimeoutSeconds == 0 {
		out.MaxTimeoutSeconds = DefaultMaxTimeoutSeconds
	}
	if out.VerifyTimeout == 0 {
		out.VerifyTimeout = DefaultVerifyTimeout
	}
	if out.SettleTimeout == 0 {
		out.SettleTimeout = DefaultSettleTimeout
	}
	out.Logger = logger.OrNop(out.Logger)
	out.Metrics = metrics.OrNop(out.Metrics)
	return out
}

func (c *Config) validate() error {
	if c.Facilitator == nil {
		return types.ErrConfig.WithMessage("middleware: facilitator is required")
	}
	if len(c.PriceTags) == 0 {
		return types.ErrConfig.WithMessage("middleware: at least one price tag is required")
	}
	for i, tag := range c.PriceTags {
		if tag.Network().IsZero() || tag.PayTo() == "" {
			return types.ErrConfig.WithMessage("middleware: price tag %d was not built with NewPriceTag", i)
		}
	}
	seen := make(map[int]bool, len(c.Versions))
	for _, v := range c.Versions {
		if v != types.X402Version1 && v != types.X402Version2 {
			return types.ErrConfig.WithMessage("middleware: unsupported protocol version %d", v)
		}
		if seen[v] {
			return types.ErrConfig.WithMessage("middleware: protocol version %d listed twice", v)
		}
		seen[v] = true
	}
	if !c.SettlePolicy.valid() {
		return types.ErrConfig.WithMessage("middleware: unknown settle policy %d", c.SettlePolicy)
	}
	if c.MaxTimeoutSeconds < 0 {
		return types.ErrConfig.WithMessage("middleware: max timeout must be positive")
	}
	if c.VerifyTimeout < 0 || c.SettleTimeout < 0 {
		return types.ErrConfig.WithMessage("middleware: timeouts must be positive")
	}
	return nil
}
