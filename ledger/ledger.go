// Package ledger records settlement attempts so that a payload is never
// settled twice, even across retries and restarts.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/vitwit/awesome402/types"
)

// Status of a recorded settlement.
type Status string

const (
	// StatusPending means a transaction was submitted but not yet confirmed.
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

var ErrNotFound = errors.New("ledger: record not found")

// Record is the stored outcome of one settlement key.
type Record struct {
	Key         string
	Network     string
	Transaction string
	Payer       string
	Status      Status
	Reason      string
	UpdatedAt   time.Time
}

// Response renders the record as the settle result it stands for.
func (r *Record) Response() *types.SettleResponse {
	resp := &types.SettleResponse{
		Success:     r.Status == StatusConfirmed,
		Transaction: r.Transaction,
		Network:     r.Network,
		Payer:       r.Payer,
	}
	if !resp.Success {
		resp.ErrorReason = r.Reason
		if resp.ErrorReason == "" {
			resp.ErrorReason = types.ReasonSettlementFailed
		}
	}
	return resp
}

// Store persists records. Implementations must never downgrade a confirmed
// record.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Put(ctx context.Context, rec Record) error
}

// recordFor maps a settle result to the record that should be kept for it.
// Nothing is kept when no transaction reached the chain.
func recordFor(key string, resp *types.SettleResponse) *Record {
	rec := &Record{
		Key:         key,
		Network:     resp.Network,
		Transaction: resp.Transaction,
		Payer:       resp.Payer,
		Reason:      resp.ErrorReason,
		UpdatedAt:   time.Now().UTC(),
	}

	switch {
	case resp.Success:
		rec.Status = StatusConfirmed
		rec.Reason = ""
	case resp.Transaction == "":
		return nil
	case resp.ErrorReason == types.ReasonConfirmationTimeout:
		rec.Status = StatusPending
	default:
		rec.Status = StatusFailed
	}
	return rec
}
