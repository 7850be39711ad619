// Package events publishes settlement outcomes for audit and downstream
// processing.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vitwit/awesome402/types"
)

// SettlementEvent is emitted once per settle call that reached a handler.
type SettlementEvent struct {
	ID          string    `json:"id"`
	Network     string    `json:"network"`
	Scheme      string    `json:"scheme"`
	X402Version int       `json:"x402Version"`
	Payer       string    `json:"payer,omitempty"`
	PayTo       string    `json:"payTo"`
	Asset       string    `json:"asset"`
	Amount      string    `json:"amount"`
	Success     bool      `json:"success"`
	Reason      string    `json:"reason,omitempty"`
	Transaction string    `json:"transaction,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewSettlementEvent builds the event for a settle result.
func NewSettlementEvent(req types.PaymentRequirements, resp *types.SettleResponse) *SettlementEvent {
	return &SettlementEvent{
		ID:          uuid.NewString(),
		Network:     req.Network,
		Scheme:      req.Scheme,
		X402Version: req.X402Version,
		Payer:       resp.Payer,
		PayTo:       req.PayTo,
		Asset:       req.Asset,
		Amount:      req.MaxAmountRequired,
		Success:     resp.Success,
		Reason:      resp.ErrorReason,
		Transaction: resp.Transaction,
		Timestamp:   time.Now().UTC(),
	}
}

// Publisher delivers settlement events.
type Publisher interface {
	PublishSettlement(ctx context.Context, event *SettlementEvent) error
	Close() error
}

type NoopPublisher struct{}

func (NoopPublisher) PublishSettlement(context.Context, *SettlementEvent) error { return nil }
func (NoopPublisher) Close() error                                              { return nil }

// OrNop returns p, or a NoopPublisher when p is nil.
func OrNop(p Publisher) Publisher {
	if p == nil {
		return NoopPublisher{}
	}
	return p
}

// MemoryPublisher keeps events in memory. Useful in tests.
type MemoryPublisher struct {
	mu     sync.RWMutex
	events []*SettlementEvent
	err    error
	closed bool
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// FailWith makes later publishes return err.
func (m *MemoryPublisher) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *MemoryPublisher) PublishSettlement(_ context.Context, event *SettlementEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Events returns a copy of everything published so far.
func (m *MemoryPublisher) Events() []*SettlementEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*SettlementEvent, len(m.events))
	copy(out, m.events)
	return out
}
