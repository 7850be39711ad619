package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/vitwit/awesome402/types"
)

// SettleFunc performs one settlement. prior is the pending record left by an
// earlier attempt, or nil when nothing was submitted yet; an implementation
// given a pending record must wait on prior.Transaction instead of
// submitting again.
type SettleFunc func(ctx context.Context, prior *Record) (*types.SettleResponse, error)

// Guard makes settlement idempotent per key. Concurrent calls for one key
// share a single execution, and finished outcomes are replayed from the
// store.
type Guard struct {
	store Store
	group singleflight.Group
}

func NewGuard(store Store) *Guard {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Guard{store: store}
}

// Seen reports whether key has any recorded settlement.
func (g *Guard) Seen(ctx context.Context, key string) (bool, error) {
	_, err := g.store.Get(ctx, key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// MarkPending records a submitted transaction before waiting for it.
func (g *Guard) MarkPending(ctx context.Context, key, network, tx, payer string) error {
	return g.store.Put(ctx, Record{
		Key:         key,
		Network:     network,
		Transaction: tx,
		Payer:       payer,
		Status:      StatusPending,
		UpdatedAt:   time.Now().UTC(),
	})
}

// Do runs fn at most once per key and outcome.
func (g *Guard) Do(ctx context.Context, key string, fn SettleFunc) (*types.SettleResponse, error) {
	v, err, _ := g.group.Do(key, func() (interface{}, error) {
		prior, err := g.store.Get(ctx, key)
		switch {
		case errors.Is(err, ErrNotFound):
			prior = nil
		case err != nil:
			return nil, fmt.Errorf("ledger lookup: %w", err)
		case prior.Status != StatusPending:
			return prior.Response(), nil
		}

		resp, err := fn(ctx, prior)
		if err != nil {
			return nil, err
		}

		// A failed write here leaves the pending record in place, which
		// makes the next attempt re-poll rather than resubmit.
		if rec := recordFor(key, resp); rec != nil {
			_ = g.store.Put(ctx, *rec)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}

	resp := *v.(*types.SettleResponse)
	return &resp, nil
}
