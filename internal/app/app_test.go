package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fjod/go_cart/storefront/internal/apitest"
	"github.com/fjod/go_cart/storefront/internal/checkout"
	"github.com/fjod/go_cart/storefront/internal/config"
	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/fjod/go_cart/storefront/internal/order"
	"github.com/fjod/go_cart/storefront/internal/pipeline"
	"github.com/fjod/go_cart/storefront/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type loginRecorder struct {
	mu     sync.Mutex
	routes []string
}

func (r *loginRecorder) ToLogin(_ context.Context, route string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, route)
}

func (r *loginRecorder) Routes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.routes...)
}

func testConfig(t *testing.T, apiURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.APIURL = apiURL
	cfg.Storage.Driver = "file"
	cfg.Storage.Dir = t.TempDir()
	cfg.PollInterval = 5 * time.Millisecond
	return cfg
}

func newServer(t *testing.T) *apitest.Server {
	t.Helper()
	srv := apitest.New(t)
	srv.AddUser("ann@example.com", "secret", "Ann", "customer")
	srv.AddUser("sam@example.com", "secret", "Sam", "admin")
	srv.AddProduct(domain.Product{ID: "pho", Name: "Pho", Price: 12, Available: true})
	srv.AddProduct(domain.Product{ID: "tea", Name: "Iced Tea", Price: 3, Available: true})
	return srv
}

func newApp(t *testing.T, cfg *config.Config, nav pipeline.Navigator) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, zerolog.Nop(), nil, nav)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestCustomerJourney(t *testing.T) {
	srv := newServer(t)
	nav := &loginRecorder{}
	a := newApp(t, testConfig(t, srv.URL()), nav)
	ctx := context.Background()

	require.NoError(t, a.Login(ctx, "ann@example.com", "secret"))

	products, err := a.API.Products(ctx, []string{"pho", "tea"})
	require.NoError(t, err)
	for _, p := range products {
		_, err := a.Cart.AddItem(p, nil, 2)
		require.NoError(t, err)
	}

	srv.ExpireAccessTokens()
	placed, err := a.Checkout.Submit(ctx, checkout.Request{DeliveryAddress: "5 River Rd", DeliveryCost: 1})
	require.NoError(t, err)
	assert.InDelta(t, 31.0, placed.TotalAmount, 0.001)
	assert.Empty(t, a.Cart.Items())
	assert.Equal(t, 1, srv.RefreshCalls())
	assert.Empty(t, nav.Routes())

	var last order.View
	tr := a.NewTracker(func(v order.View) { last = v })
	srv.Advance(placed.ID, domain.StatusConfirmed, "Kitchen")
	srv.Advance(placed.ID, domain.StatusCompleted, "Kitchen")
	select {
	case <-tr.Start(ctx, placed.OrderNumber):
	case <-time.After(2 * time.Second):
		t.Fatal("tracking did not finish")
	}
	assert.Equal(t, domain.StatusCompleted, last.State.Status)
	assert.NoError(t, order.ValidChain(last.Order.StartStatus(), last.History))
}

func TestSessionFailureRedirectsOnce(t *testing.T) {
	srv := newServer(t)
	nav := &loginRecorder{}
	cfg := testConfig(t, srv.URL())
	cfg.LoginRoute = "/signin"
	a := newApp(t, cfg, nav)
	ctx := context.Background()

	require.NoError(t, a.Login(ctx, "ann@example.com", "secret"))
	o := srv.SeedOrder(domain.Order{Status: domain.StatusPending})

	srv.ExpireAccessTokens()
	srv.FailRefresh(true)
	srv.SetRefreshDelay(50 * time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.API.GetOrder(ctx, o.ID)
			assert.Error(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, []string{"/signin"}, nav.Routes())
	assert.True(t, a.Tokens.Get().IsZero())
	assert.Equal(t, 1, srv.RefreshCalls())
}

func TestStaffCancellation(t *testing.T) {
	srv := newServer(t)
	a := newApp(t, testConfig(t, srv.URL()), nil)
	ctx := context.Background()
	require.NoError(t, a.Login(ctx, "sam@example.com", "secret"))

	o := srv.SeedOrder(domain.Order{Status: domain.StatusPreparing})
	_, err := a.Orders.Load(ctx, o.ID)
	require.NoError(t, err)

	_, err = a.Orders.ChangeStatus(ctx, o.ID, domain.StatusCancelled, "")
	require.NoError(t, err)
	v, err := a.Orders.ConfirmCancel(ctx, "customer request")
	require.NoError(t, err)

	assert.Equal(t, domain.StatusCancelled, v.State.Status)
	assert.Equal(t, []apitest.PatchRecord{
		{OrderID: o.ID, Status: domain.StatusCancelled, Reason: "customer request"},
	}, srv.Patches())
}

func TestStatePersistsAcrossRestarts(t *testing.T) {
	srv := newServer(t)
	cfg := testConfig(t, srv.URL())
	ctx := context.Background()

	first, err := New(ctx, cfg, zerolog.Nop(), nil, nil)
	require.NoError(t, err)
	require.NoError(t, first.Login(ctx, "ann@example.com", "secret"))
	_, err = first.Cart.AddItem(domain.Product{ID: "pho", Name: "Pho", Price: 12, Available: true}, nil, 3)
	require.NoError(t, err)
	access := first.Tokens.Access()
	require.NoError(t, first.Close())

	second := newApp(t, cfg, nil)
	assert.Equal(t, access, second.Tokens.Access())
	require.Len(t, second.Cart.Items(), 1)
	assert.Equal(t, 3, second.Cart.Items()[0].Quantity)
	assert.Equal(t, "Ann", second.Tokens.Actor())
}

func TestLogout(t *testing.T) {
	srv := newServer(t)
	a := newApp(t, testConfig(t, srv.URL()), nil)
	ctx := context.Background()
	require.NoError(t, a.Login(ctx, "ann@example.com", "secret"))
	refresh := a.Tokens.Refresh()

	require.NoError(t, a.Logout(ctx))
	assert.True(t, a.Tokens.Get().IsZero())

	// The revoked refresh token can no longer renew a session.
	a.Tokens.Set(ctx, domain.Credentials{AccessToken: "stale", RefreshToken: refresh})
	o := srv.SeedOrder(domain.Order{})
	_, err := a.API.GetOrder(ctx, o.ID)
	assert.True(t, errors.Is(err, pipeline.ErrSessionExpired))
}

func TestRedisStorage(t *testing.T) {
	mr := miniredis.RunT(t)
	srv := newServer(t)
	cfg := testConfig(t, srv.URL())
	cfg.Storage.Driver = "redis"
	cfg.Storage.Redis.Addr = mr.Addr()
	cfg.Storage.TTL = time.Hour

	a := newApp(t, cfg, nil)
	_, err := a.Cart.AddItem(domain.Product{ID: "tea", Name: "Iced Tea", Price: 3, Available: true}, nil, 1)
	require.NoError(t, err)

	assert.True(t, mr.Exists(storage.KeyCart))
	assert.Equal(t, time.Hour, mr.TTL(storage.KeyCart))
}

func TestRedisUnavailable(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1/api/v1")
	cfg.Storage.Driver = "redis"
	cfg.Storage.Redis.Addr = "127.0.0.1:1"

	_, err := New(context.Background(), cfg, zerolog.Nop(), nil, nil)
	assert.ErrorContains(t, err, "connecting to redis")
}
