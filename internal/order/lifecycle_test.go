package order

import (
	"testing"
	"time"

	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to domain.OrderStatus
		want     bool
	}{
		{domain.StatusPending, domain.StatusConfirmed, true},
		{domain.StatusConfirmed, domain.StatusPreparing, true},
		{domain.StatusPreparing, domain.StatusReady, true},
		{domain.StatusReady, domain.StatusDelivering, true},
		{domain.StatusReady, domain.StatusCompleted, true},
		{domain.StatusDelivering, domain.StatusCompleted, true},

		{domain.StatusPending, domain.StatusCancelled, true},
		{domain.StatusPreparing, domain.StatusCancelled, true},
		{domain.StatusDelivering, domain.StatusCancelled, true},

		{domain.StatusPending, domain.StatusPreparing, false},
		{domain.StatusPreparing, domain.StatusConfirmed, false},
		{domain.StatusPending, domain.StatusPending, false},
		{domain.StatusCompleted, domain.StatusCancelled, false},
		{domain.StatusCancelled, domain.StatusPending, false},
		{domain.StatusCompleted, domain.StatusDelivering, false},
		{domain.OrderStatus("lost"), domain.StatusCancelled, false},
		{domain.StatusPending, domain.OrderStatus("lost"), false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestNext(t *testing.T) {
	assert.Equal(t, []domain.OrderStatus{domain.StatusDelivering, domain.StatusCompleted, domain.StatusCancelled}, Next(domain.StatusReady))
	assert.Nil(t, Next(domain.StatusCompleted))
	assert.Nil(t, Next(domain.StatusCancelled))
}

func TestValidChain(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	entry := func(from, to domain.OrderStatus, at time.Duration) domain.HistoryEntry {
		return domain.HistoryEntry{ActorName: "Sam", PreviousStatus: from, NewStatus: to, ChangedAt: t0.Add(at)}
	}

	good := []domain.HistoryEntry{
		entry(domain.StatusPending, domain.StatusConfirmed, time.Minute),
		entry(domain.StatusConfirmed, domain.StatusPreparing, 2*time.Minute),
		entry(domain.StatusPreparing, domain.StatusCancelled, 3*time.Minute),
	}
	assert.NoError(t, ValidChain(domain.StatusPending, good))
	assert.NoError(t, ValidChain(domain.StatusPending, nil))

	assert.ErrorIs(t, ValidChain(domain.StatusConfirmed, good), ErrBrokenChain)

	gap := []domain.HistoryEntry{good[0], good[2]}
	assert.ErrorIs(t, ValidChain(domain.StatusPending, gap), ErrBrokenChain)

	unordered := []domain.HistoryEntry{
		entry(domain.StatusPending, domain.StatusConfirmed, 2*time.Minute),
		entry(domain.StatusConfirmed, domain.StatusPreparing, time.Minute),
	}
	assert.ErrorIs(t, ValidChain(domain.StatusPending, unordered), ErrBrokenChain)
}
