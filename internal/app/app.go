// Package app wires the storefront core together for the CLI and integration tests.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fjod/go_cart/storefront/internal/api"
	"github.com/fjod/go_cart/storefront/internal/cart"
	"github.com/fjod/go_cart/storefront/internal/checkout"
	"github.com/fjod/go_cart/storefront/internal/clock"
	"github.com/fjod/go_cart/storefront/internal/config"
	"github.com/fjod/go_cart/storefront/internal/metrics"
	"github.com/fjod/go_cart/storefront/internal/order"
	"github.com/fjod/go_cart/storefront/internal/pipeline"
	"github.com/fjod/go_cart/storefront/internal/storage"
	"github.com/fjod/go_cart/storefront/internal/token"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type App struct {
	Config   *config.Config
	Tokens   *token.Store
	Pipeline *pipeline.Pipeline
	Breaker  *pipeline.BreakerDoer
	API      *api.Client
	Cart     *cart.Ledger
	Checkout *checkout.Service
	Orders   *order.Manager
	Metrics  *metrics.Metrics

	log     zerolog.Logger
	closers []func() error
}

// New builds every component and restores persisted credentials and cart.
// nav is told about forced sign-outs; reg may be nil.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, reg prometheus.Registerer, nav pipeline.Navigator) (*App, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	a := &App{Config: cfg, Metrics: metrics.New(reg), log: log}

	kv, err := a.openStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	a.Tokens = token.NewStore(kv, log.With().Str("component", "token").Logger())
	if err := a.Tokens.Load(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("loading credentials: %w", err)
	}

	httpClient := &http.Client{
		Timeout:   cfg.RequestTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	a.Breaker = pipeline.NewBreakerDoer(httpClient, pipeline.BreakerSettings{
		Name:                "storefront-api",
		ConsecutiveFailures: cfg.Breaker.Failures,
		OpenTimeout:         cfg.Breaker.Timeout,
	}, log)

	a.Pipeline = pipeline.New(a.Breaker, a.Tokens, pipeline.Options{
		RefreshURL:   api.RefreshURL(cfg.APIURL),
		LoginRoute:   cfg.LoginRoute,
		Navigator:    nav,
		RenewTimeout: cfg.RenewTimeout,
		Metrics:      a.Metrics,
		Logger:       log.With().Str("component", "pipeline").Logger(),
	})
	a.API = api.New(cfg.APIURL, a.Pipeline, log.With().Str("component", "api").Logger())

	sysClock := clock.NewSystem()
	a.Cart = cart.NewLedger(cart.Options{
		MaxItems: cfg.CartMaxItems,
		Store:    kv,
		Clock:    sysClock,
		Metrics:  a.Metrics,
		Logger:   log.With().Str("component", "cart").Logger(),
	})
	if err := a.Cart.Load(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Checkout = checkout.New(a.Cart, a.API, checkout.Options{
		Metrics: a.Metrics,
		Logger:  log.With().Str("component", "checkout").Logger(),
	})
	a.Orders = order.NewManager(a.API, order.Options{
		Actor:   a.Tokens.Actor,
		Clock:   sysClock,
		Metrics: a.Metrics,
		Logger:  log.With().Str("component", "order").Logger(),
	})
	return a, nil
}

func (a *App) openStorage(ctx context.Context, cfg config.StorageConfig) (storage.KV, error) {
	switch cfg.Driver {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "file":
		return storage.NewFileStore(cfg.Dir)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Redis.Addr, err)
		}
		a.closers = append(a.closers, client.Close)
		return storage.NewRedisStore(client, cfg.TTL), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// Login authenticates and stores the new credentials.
func (a *App) Login(ctx context.Context, email, password string) error {
	creds, err := a.API.Login(ctx, email, password)
	if err != nil {
		return err
	}
	a.Tokens.Set(ctx, creds)
	a.log.Info().Str("actor", a.Tokens.Actor()).Msg("app: signed in")
	return nil
}

// Logout revokes the session on the server when possible and always clears it locally.
func (a *App) Logout(ctx context.Context) error {
	refresh := a.Tokens.Refresh()
	var err error
	if refresh != "" {
		err = a.API.Logout(ctx, refresh)
		if err != nil {
			a.log.Warn().Err(err).Msg("app: server logout failed, clearing local session anyway")
		}
	}
	a.Tokens.Clear(ctx)
	return err
}

func (a *App) NewTracker(onUpdate func(order.View)) *order.Tracker {
	return order.NewTracker(a.Orders, a.Config.PollInterval, onUpdate, a.log.With().Str("component", "tracker").Logger())
}

func (a *App) Close() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	a.closers = nil
	return errors.Join(errs...)
}
