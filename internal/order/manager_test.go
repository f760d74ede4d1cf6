package order

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/fjod/go_cart/storefront/internal/api"
	"github.com/fjod/go_cart/storefront/internal/apitest"
	"github.com/fjod/go_cart/storefront/internal/clock"
	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/fjod/go_cart/storefront/internal/metrics"
	"github.com/fjod/go_cart/storefront/internal/pipeline"
	"github.com/fjod/go_cart/storefront/internal/token"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupManager(t *testing.T) (*Manager, *apitest.Server) {
	t.Helper()
	m, srv, _ := setupManagerWithMetrics(t, nil)
	return m, srv
}

func setupManagerWithMetrics(t *testing.T, met *metrics.Metrics) (*Manager, *apitest.Server, *token.Store) {
	t.Helper()
	srv := apitest.New(t)
	srv.AddUser("sam@example.com", "secret", "Sam", "admin")

	tokens := token.NewStore(nil, zerolog.Nop())
	tokens.Set(context.Background(), srv.Issue("sam@example.com"))
	p := pipeline.New(srv.Client(), tokens, pipeline.Options{
		RefreshURL: api.RefreshURL(srv.URL()),
		Logger:     zerolog.Nop(),
	})
	client := api.New(srv.URL(), p, zerolog.Nop())

	m := NewManager(client, Options{
		Actor:   tokens.Actor,
		Clock:   clock.NewFixed(testTime),
		Metrics: met,
		Logger:  zerolog.Nop(),
	})
	return m, srv, tokens
}

func seed(t *testing.T, m *Manager, srv *apitest.Server, status domain.OrderStatus) domain.Order {
	t.Helper()
	o := srv.SeedOrder(domain.Order{Status: status, TotalAmount: 25})
	v, err := m.Load(context.Background(), o.ID)
	require.NoError(t, err)
	return v.Order
}

func TestCancel_StagedUntilReasonIsGiven(t *testing.T) {
	m, srv := setupManager(t)
	ctx := context.Background()
	o := seed(t, m, srv, domain.StatusPreparing)

	v, err := m.ChangeStatus(ctx, o.ID, domain.StatusCancelled, "")
	require.NoError(t, err)
	assert.Equal(t, State{Status: domain.StatusPreparing}, v.State)
	assert.Equal(t, 0, srv.PatchCalls(), "staging must not call the server")

	staged, ok := m.Staged()
	require.True(t, ok)
	assert.Equal(t, o.ID, staged.OrderID)
	assert.Equal(t, domain.StatusPreparing, staged.From)

	v, err = m.ConfirmCancel(ctx, "customer request")
	require.NoError(t, err)

	assert.Equal(t, 1, srv.PatchCalls())
	assert.Equal(t, []apitest.PatchRecord{
		{OrderID: o.ID, Status: domain.StatusCancelled, Reason: "customer request"},
	}, srv.Patches())

	assert.Equal(t, State{Status: domain.StatusCancelled}, v.State)
	require.Len(t, v.History, 1)
	assert.Equal(t, "customer request", v.History[0].Reason)
	assert.Equal(t, domain.StatusPreparing, v.History[0].PreviousStatus)
	assert.NoError(t, ValidChain(v.Order.StartStatus(), v.History))

	_, ok = m.Staged()
	assert.False(t, ok)
}

func TestConfirmCancel_NothingStagedIsNoop(t *testing.T) {
	m, srv := setupManager(t)
	seed(t, m, srv, domain.StatusPreparing)

	v, err := m.ConfirmCancel(context.Background(), "customer request")
	require.NoError(t, err)
	assert.Equal(t, View{}, v)
	assert.Equal(t, 0, srv.PatchCalls())
}

func TestConfirmCancel_RequiresReason(t *testing.T) {
	m, srv := setupManager(t)
	ctx := context.Background()
	o := seed(t, m, srv, domain.StatusConfirmed)

	_, err := m.ChangeStatus(ctx, o.ID, domain.StatusCancelled, "")
	require.NoError(t, err)

	_, err = m.ConfirmCancel(ctx, "   ")
	assert.ErrorIs(t, err, ErrReasonRequired)
	assert.Equal(t, 0, srv.PatchCalls())

	_, ok := m.Staged()
	assert.True(t, ok, "staged cancellation survives a missing reason")
}

func TestAbortCancel(t *testing.T) {
	m, srv := setupManager(t)
	ctx := context.Background()
	o := seed(t, m, srv, domain.StatusPending)

	_, err := m.ChangeStatus(ctx, o.ID, domain.StatusCancelled, "")
	require.NoError(t, err)

	assert.True(t, m.AbortCancel())
	assert.False(t, m.AbortCancel())

	v, err := m.ConfirmCancel(ctx, "too late")
	require.NoError(t, err)
	assert.Equal(t, View{}, v)
	assert.Equal(t, 0, srv.PatchCalls())
}

func TestStagingReplacesPreviousStage(t *testing.T) {
	m, srv := setupManager(t)
	ctx := context.Background()
	first := seed(t, m, srv, domain.StatusPending)
	second := seed(t, m, srv, domain.StatusReady)

	_, err := m.ChangeStatus(ctx, first.ID, domain.StatusCancelled, "")
	require.NoError(t, err)
	_, err = m.ChangeStatus(ctx, second.ID, domain.StatusCancelled, "out of stock")
	require.NoError(t, err)

	_, err = m.ConfirmCancel(ctx, "kitchen closed")
	require.NoError(t, err)

	require.Len(t, srv.Patches(), 1)
	assert.Equal(t, second.ID, srv.Patches()[0].OrderID)
	assert.Equal(t, "out of stock", srv.Patches()[0].Comment)

	v, _ := m.View(first.ID)
	assert.Equal(t, domain.StatusPending, v.State.Status)
}

func TestInvalidTransitionsNeverReachServer(t *testing.T) {
	m, srv := setupManager(t)
	ctx := context.Background()
	done := seed(t, m, srv, domain.StatusCompleted)
	cooking := seed(t, m, srv, domain.StatusPreparing)

	_, err := m.ChangeStatus(ctx, done.ID, domain.StatusCancelled, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, ok := m.Staged()
	assert.False(t, ok)

	_, err = m.ChangeStatus(ctx, cooking.ID, domain.StatusConfirmed, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = m.ChangeStatus(ctx, cooking.ID, domain.StatusDelivering, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = m.ChangeStatus(ctx, "not-tracked", domain.StatusReady, "")
	assert.ErrorIs(t, err, ErrUnknownOrder)

	assert.Equal(t, 0, srv.PatchCalls())
}

func TestChangeStatus_SendsImmediately(t *testing.T) {
	m, srv := setupManager(t)
	o := seed(t, m, srv, domain.StatusPending)

	v, err := m.ChangeStatus(context.Background(), o.ID, domain.StatusConfirmed, "called the customer")
	require.NoError(t, err)

	assert.Equal(t, State{Status: domain.StatusConfirmed}, v.State)
	assert.Nil(t, v.PendingEntry)
	require.Len(t, v.History, 1)
	assert.Equal(t, "Sam", v.History[0].ActorName)
	assert.Equal(t, "called the customer", v.History[0].Comment)
	assert.Equal(t, []apitest.PatchRecord{
		{OrderID: o.ID, Status: domain.StatusConfirmed, Comment: "called the customer"},
	}, srv.Patches())
}

func TestChangeStatus_OptimisticPendingAndBusy(t *testing.T) {
	m, srv := setupManager(t)
	ctx := context.Background()
	o := seed(t, m, srv, domain.StatusConfirmed)
	srv.SetPatchDelay(300 * time.Millisecond)

	var wg sync.WaitGroup
	var final View
	var finalErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		final, finalErr = m.ChangeStatus(ctx, o.ID, domain.StatusPreparing, "")
	}()

	require.Eventually(t, func() bool {
		v, _ := m.View(o.ID)
		return v.State.Pending
	}, 2*time.Second, 5*time.Millisecond)

	v, _ := m.View(o.ID)
	assert.Equal(t, State{Status: domain.StatusPreparing, Pending: true}, v.State)
	require.NotNil(t, v.PendingEntry)
	assert.Equal(t, "Sam", v.PendingEntry.ActorName)
	assert.Equal(t, domain.StatusConfirmed, v.PendingEntry.PreviousStatus)
	assert.Equal(t, testTime, v.PendingEntry.ChangedAt)
	assert.Len(t, v.Entries(), len(v.History)+1)
	assert.Equal(t, domain.StatusConfirmed, v.Order.Status, "confirmed projection is untouched")

	_, err := m.ChangeStatus(ctx, o.ID, domain.StatusReady, "")
	assert.ErrorIs(t, err, ErrBusy)
	_, err = m.ChangeStatus(ctx, o.ID, domain.StatusCancelled, "")
	assert.ErrorIs(t, err, ErrBusy)

	wg.Wait()
	require.NoError(t, finalErr)
	assert.Equal(t, State{Status: domain.StatusPreparing}, final.State)
	assert.Equal(t, 1, srv.PatchCalls())
}

func TestChangeStatus_ServerWins(t *testing.T) {
	m, srv := setupManager(t)
	o := seed(t, m, srv, domain.StatusConfirmed)
	srv.OverridePatchResult(domain.StatusReady)

	v, err := m.ChangeStatus(context.Background(), o.ID, domain.StatusPreparing, "")
	require.NoError(t, err)

	assert.Equal(t, State{Status: domain.StatusReady}, v.State)
	require.Len(t, v.History, 1)
	assert.Equal(t, domain.StatusReady, v.History[0].NewStatus)
}

func TestChangeStatus_FailureReverts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, srv, _ := setupManagerWithMetrics(t, metrics.New(reg))
	o := seed(t, m, srv, domain.StatusPending)
	srv.FailPatches(http.StatusServiceUnavailable)

	v, err := m.ChangeStatus(context.Background(), o.ID, domain.StatusConfirmed, "")
	require.Error(t, err)

	var apiErr *api.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	assert.Equal(t, "status update failed", apiErr.Message)

	assert.Equal(t, State{Status: domain.StatusPending}, v.State)
	assert.Nil(t, v.PendingEntry)
	assert.Empty(t, v.History)

	assert.Equal(t, 1.0, statusChanges(t, reg, "reverted"))

	srv.FailPatches(0)
	v, err = m.ChangeStatus(context.Background(), o.ID, domain.StatusConfirmed, "")
	require.NoError(t, err, "a failed mutation must release the order")
	assert.Equal(t, domain.StatusConfirmed, v.State.Status)
}

func TestRefresh_PicksUpServerProgress(t *testing.T) {
	m, srv := setupManager(t)
	ctx := context.Background()
	o := seed(t, m, srv, domain.StatusPending)

	srv.Advance(o.ID, domain.StatusConfirmed, "Kitchen")
	srv.Advance(o.ID, domain.StatusPreparing, "Kitchen")

	v, err := m.Refresh(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPreparing, v.State.Status)
	assert.Len(t, v.History, 2)
	assert.NoError(t, ValidChain(v.Order.StartStatus(), v.History))

	byNumber, ok := m.ViewByNumber(o.OrderNumber)
	require.True(t, ok)
	assert.Equal(t, v, byNumber)

	_, err = m.Refresh(ctx, "nope")
	assert.ErrorIs(t, err, ErrUnknownOrder)
}

func TestTrack_IgnoresStaleSnapshot(t *testing.T) {
	m, srv := setupManager(t)
	ctx := context.Background()
	o := seed(t, m, srv, domain.StatusPending)
	before, ok := srv.Order(o.ID)
	require.True(t, ok)

	_, err := m.ChangeStatus(ctx, o.ID, domain.StatusConfirmed, "")
	require.NoError(t, err)

	v := m.Track(before)
	assert.Equal(t, domain.StatusConfirmed, v.State.Status)
	assert.Len(t, v.History, 1)

	v, err = m.ChangeStatus(ctx, o.ID, domain.StatusPreparing, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPreparing, v.State.Status)
}

func TestRefresh_TerminalDropsStagedCancel(t *testing.T) {
	m, srv := setupManager(t)
	ctx := context.Background()
	o := seed(t, m, srv, domain.StatusDelivering)

	_, err := m.ChangeStatus(ctx, o.ID, domain.StatusCancelled, "")
	require.NoError(t, err)

	srv.Advance(o.ID, domain.StatusCompleted, "Courier")
	_, err = m.Refresh(ctx, o.ID)
	require.NoError(t, err)

	_, ok := m.Staged()
	assert.False(t, ok)
	v, err := m.ConfirmCancel(ctx, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, View{}, v)
	assert.Equal(t, 0, srv.PatchCalls())
}

func TestFullLifecycle_HistoryChains(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, srv, _ := setupManagerWithMetrics(t, metrics.New(reg))
	ctx := context.Background()
	o := seed(t, m, srv, domain.StatusPending)

	steps := []domain.OrderStatus{
		domain.StatusConfirmed,
		domain.StatusPreparing,
		domain.StatusReady,
		domain.StatusDelivering,
		domain.StatusCompleted,
	}
	var v View
	var err error
	for _, s := range steps {
		v, err = m.ChangeStatus(ctx, o.ID, s, "")
		require.NoError(t, err)
	}

	assert.Equal(t, domain.StatusCompleted, v.State.Status)
	require.Len(t, v.History, len(steps))
	assert.NoError(t, ValidChain(v.Order.StartStatus(), v.History))
	for i, e := range v.History {
		assert.Equal(t, steps[i], e.NewStatus)
	}

	_, err = m.ChangeStatus(ctx, o.ID, domain.StatusCancelled, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.Equal(t, 5.0, statusChanges(t, reg, "applied"))
	assert.Equal(t, 1.0, statusChanges(t, reg, "rejected"))
}

func statusChanges(t *testing.T, reg *prometheus.Registry, result string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "storefront_order_status_changes_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "result" && l.GetValue() == result {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
