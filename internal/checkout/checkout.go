// Package checkout turns the cart snapshot into an order.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fjod/go_cart/storefront/internal/api"
	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/fjod/go_cart/storefront/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

var (
	ErrEmptyCart      = errors.New("cart is empty, nothing to checkout")
	ErrMissingAddress = errors.New("delivery address is required")
)

type Ledger interface {
	Snapshot() []domain.LineItem
	Consume(ordered []domain.LineItem)
}

type OrderCreator interface {
	CreateOrder(ctx context.Context, req api.CreateOrderRequest, idempotencyKey string) (domain.Order, error)
}

type Options struct {
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
	// NewKey generates idempotency keys; defaults to random UUIDs.
	NewKey func() string
}

type Request struct {
	DeliveryAddress string
	Phone           string
	Comment         string
	DeliveryCost    float64
}

type Service struct {
	ledger Ledger
	orders OrderCreator
	opts   Options
	sfg    singleflight.Group // double submits share one order
}

func New(ledger Ledger, orders OrderCreator, opts Options) *Service {
	if opts.NewKey == nil {
		opts.NewKey = uuid.NewString
	}
	return &Service{ledger: ledger, orders: orders, opts: opts}
}

// Submit places an order for the available cart lines. On success the ordered
// quantities leave the cart; anything added while the order was in flight stays.
func (s *Service) Submit(ctx context.Context, req Request) (domain.Order, error) {
	v, err, shared := s.sfg.Do("submit", func() (interface{}, error) {
		return s.submit(ctx, req)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if shared {
		s.opts.Logger.Debug().Msg("checkout: joined in-flight submission")
	}
	return v.(domain.Order), nil
}

func (s *Service) submit(ctx context.Context, req Request) (domain.Order, error) {
	snapshot := s.ledger.Snapshot()
	if len(snapshot) == 0 {
		return domain.Order{}, ErrEmptyCart
	}
	if strings.TrimSpace(req.DeliveryAddress) == "" {
		return domain.Order{}, ErrMissingAddress
	}

	key := s.opts.NewKey()
	order, err := s.orders.CreateOrder(ctx, api.CreateOrderRequest{
		Items:           ToOrderItems(snapshot),
		DeliveryAddress: req.DeliveryAddress,
		Phone:           req.Phone,
		Comment:         req.Comment,
		DeliveryCost:    req.DeliveryCost,
	}, key)
	if err != nil {
		s.opts.Metrics.Checkout(false)
		s.opts.Logger.Warn().Err(err).Str("idempotency_key", key).Msg("checkout: order submission failed")
		return domain.Order{}, fmt.Errorf("submitting order: %w", err)
	}

	s.ledger.Consume(snapshot)
	s.opts.Metrics.Checkout(true)
	s.opts.Logger.Info().
		Str("order_id", order.ID).
		Str("order_number", order.OrderNumber).
		Int("lines", len(snapshot)).
		Msg("checkout: order placed")
	return order, nil
}

func ToOrderItems(lines []domain.LineItem) []domain.OrderItem {
	items := make([]domain.OrderItem, 0, len(lines))
	for _, l := range lines {
		items = append(items, domain.OrderItem{
			ProductID:   l.ProductID,
			VariantID:   l.VariantID,
			ProductName: l.Name,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
		})
	}
	return items
}
