// Package cart implements the cart ledger: ordered line items keyed by
// product and variant, capped by total quantity, persisted across sessions.
package cart

import (
	"errors"
	"sync"
	"time"

	"github.com/fjod/go_cart/storefront/internal/clock"
	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/fjod/go_cart/storefront/internal/metrics"
	"github.com/fjod/go_cart/storefront/internal/storage"
	"github.com/rs/zerolog"
)

const DefaultMaxItems = 99

var (
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrItemNotFound    = errors.New("item not in cart")
	ErrUnavailable     = errors.New("product is not available")
)

type Options struct {
	MaxItems int
	Store    storage.KV
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

// AddResult reports the outcome of a quantity change. Added is the change that was
// actually applied; CapacityReached is set when the request was clamped.
type AddResult struct {
	Item            domain.LineItem
	Added           int
	CapacityReached bool
}

type Ledger struct {
	mu        sync.RWMutex
	items     []domain.LineItem
	updatedAt time.Time

	max     int
	store   storage.KV
	clock   clock.Clock
	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewLedger(opts Options) *Ledger {
	if opts.MaxItems <= 0 {
		opts.MaxItems = DefaultMaxItems
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewSystem()
	}
	return &Ledger{
		max:     opts.MaxItems,
		store:   opts.Store,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		log:     opts.Logger,
	}
}

func (l *Ledger) MaxItems() int { return l.max }

// AddItem merges qty of product (or one of its variants) into the cart.
func (l *Ledger) AddItem(product domain.Product, variant *domain.Variant, qty int) (AddResult, error) {
	if qty <= 0 {
		return AddResult{}, ErrInvalidQuantity
	}
	if !product.Available || (variant != nil && !variant.Available) {
		return AddResult{}, ErrUnavailable
	}

	line := domain.LineItem{
		ProductID: product.ID,
		Name:      product.Name,
		UnitPrice: product.Price,
	}
	if variant != nil {
		line.VariantID = variant.ID
		line.Name = product.Name + " - " + variant.Name
		line.UnitPrice = variant.Price
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	applied := qty
	if room := l.max - l.totalLocked(); applied > room {
		applied = max(room, 0)
	}
	res := AddResult{Added: applied, CapacityReached: applied < qty}

	changed := applied > 0
	idx := l.indexLocked(line.Key())
	switch {
	case idx >= 0:
		it := &l.items[idx]
		if it.Name != line.Name || it.UnitPrice != line.UnitPrice || it.Unavailable {
			changed = true
		}
		it.Quantity += applied
		it.Name = line.Name
		it.UnitPrice = line.UnitPrice
		it.Unavailable = false
		res.Item = *it
	case applied > 0:
		line.Quantity = applied
		l.items = append(l.items, line)
		res.Item = line
	}

	if res.CapacityReached {
		l.metrics.CapacityReached()
		l.log.Info().Str("product_id", product.ID).Int("requested", qty).Int("added", applied).Msg("cart: capacity reached")
	}
	if changed {
		l.persistLocked()
	}
	return res, nil
}

// RemoveItem deletes the line; a missing line is not an error.
func (l *Ledger) RemoveItem(key domain.LineKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.removeLocked(key) {
		l.persistLocked()
	}
}

// SetQuantity replaces the quantity of an existing line. n <= 0 removes it.
func (l *Ledger) SetQuantity(key domain.LineKey, n int) (AddResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.indexLocked(key)
	if n <= 0 {
		if idx >= 0 {
			res := AddResult{Added: -l.items[idx].Quantity}
			l.removeLocked(key)
			l.persistLocked()
			return res, nil
		}
		return AddResult{}, nil
	}
	if idx < 0 {
		return AddResult{}, ErrItemNotFound
	}

	it := &l.items[idx]
	allowed := l.max - (l.totalLocked() - it.Quantity)
	res := AddResult{}
	if n > allowed {
		n = allowed
		res.CapacityReached = true
		l.metrics.CapacityReached()
	}
	res.Added = n - it.Quantity
	it.Quantity = n
	res.Item = *it

	if res.Added != 0 {
		l.persistLocked()
	}
	return res, nil
}

func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = nil
	l.persistLocked()
}

// Consume takes the ordered quantities out of the cart. Units added after the
// snapshot was taken stay in the cart.
func (l *Ledger) Consume(ordered []domain.LineItem) {
	l.mu.Lock()
	defer l.mu.Unlock()

	changed := false
	for _, o := range ordered {
		idx := l.indexLocked(o.Key())
		if idx < 0 || o.Quantity <= 0 {
			continue
		}
		changed = true
		if l.items[idx].Quantity <= o.Quantity {
			l.items = append(l.items[:idx], l.items[idx+1:]...)
			continue
		}
		l.items[idx].Quantity -= o.Quantity
	}
	if changed {
		l.persistLocked()
	}
}

// Items returns a copy of every line in insertion order, unavailable ones included.
func (l *Ledger) Items() []domain.LineItem {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]domain.LineItem(nil), l.items...)
}

func (l *Ledger) Item(key domain.LineKey) (domain.LineItem, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if idx := l.indexLocked(key); idx >= 0 {
		return l.items[idx], true
	}
	return domain.LineItem{}, false
}

// TotalItemCount counts every unit held, unavailable lines included: they still
// occupy capacity until the user removes them.
func (l *Ledger) TotalItemCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalLocked()
}

// TotalPrice sums the available lines.
func (l *Ledger) TotalPrice() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total float64
	for _, it := range l.items {
		total += it.Subtotal()
	}
	return total
}

// Snapshot returns the lines that can be ordered.
func (l *Ledger) Snapshot() []domain.LineItem {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.LineItem, 0, len(l.items))
	for _, it := range l.items {
		if !it.Unavailable {
			out = append(out, it)
		}
	}
	return out
}

func (l *Ledger) UpdatedAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.updatedAt
}

func (l *Ledger) totalLocked() int {
	n := 0
	for _, it := range l.items {
		n += it.Quantity
	}
	return n
}

func (l *Ledger) indexLocked(key domain.LineKey) int {
	for i, it := range l.items {
		if it.Key() == key {
			return i
		}
	}
	return -1
}

func (l *Ledger) removeLocked(key domain.LineKey) bool {
	idx := l.indexLocked(key)
	if idx < 0 {
		return false
	}
	l.items = append(l.items[:idx], l.items[idx+1:]...)
	return true
}
