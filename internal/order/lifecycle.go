// Package order models the order status lifecycle: permitted transitions, the
// chained status history and the client-side manager that mutates statuses.
package order

import (
	"errors"
	"fmt"

	"github.com/fjod/go_cart/storefront/internal/domain"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrReasonRequired    = errors.New("cancellation requires a reason")
	ErrBusy              = errors.New("a status change for this order is already in flight")
	ErrUnknownOrder      = errors.New("order is not tracked")
	ErrBrokenChain       = errors.New("status history chain is broken")
)

var forward = map[domain.OrderStatus][]domain.OrderStatus{
	domain.StatusPending:    {domain.StatusConfirmed},
	domain.StatusConfirmed:  {domain.StatusPreparing},
	domain.StatusPreparing:  {domain.StatusReady},
	domain.StatusReady:      {domain.StatusDelivering, domain.StatusCompleted},
	domain.StatusDelivering: {domain.StatusCompleted},
}

// CanTransition reports whether from -> to is a permitted step. Cancellation is
// reachable from every non-terminal status; terminal statuses admit nothing.
func CanTransition(from, to domain.OrderStatus) bool {
	if from.IsTerminal() || !from.Valid() {
		return false
	}
	if to == domain.StatusCancelled {
		return true
	}
	for _, s := range forward[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Next lists the statuses reachable from s.
func Next(s domain.OrderStatus) []domain.OrderStatus {
	if s.IsTerminal() || !s.Valid() {
		return nil
	}
	out := append([]domain.OrderStatus(nil), forward[s]...)
	return append(out, domain.StatusCancelled)
}

// ValidChain checks that every entry continues from the previous one and that
// entries are ordered by time.
func ValidChain(initial domain.OrderStatus, entries []domain.HistoryEntry) error {
	prev := initial
	for i, e := range entries {
		if e.PreviousStatus != prev {
			return fmt.Errorf("%w: entry %d starts at %s, expected %s", ErrBrokenChain, i, e.PreviousStatus, prev)
		}
		if i > 0 && e.ChangedAt.Before(entries[i-1].ChangedAt) {
			return fmt.Errorf("%w: entry %d is older than entry %d", ErrBrokenChain, i, i-1)
		}
		prev = e.NewStatus
	}
	return nil
}
