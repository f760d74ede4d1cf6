package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/storefront/internal/domain"
	"github.com/fjod/go_cart/storefront/internal/storage"
)

const (
	docVersion     = 1
	persistTimeout = time.Second
)

type document struct {
	Version   int               `json:"version"`
	MaxItems  int               `json:"max_items"`
	UpdatedAt time.Time         `json:"updated_at"`
	Items     []domain.LineItem `json:"items"`
}

// Load restores the persisted cart. Missing or unreadable state yields an empty cart.
func (l *Ledger) Load(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	data, err := l.store.Get(ctx, storage.KeyCart)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading cart: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil || doc.Version != docVersion {
		l.log.Warn().Err(err).Int("version", doc.Version).Msg("cart: discarding unreadable cart")
		l.mu.Lock()
		l.items = nil
		l.mu.Unlock()
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = nil
	l.updatedAt = doc.UpdatedAt
	room := l.max
	for _, it := range doc.Items {
		if it.ProductID == "" || it.Quantity < 1 || room == 0 {
			continue
		}
		if it.Quantity > room {
			l.log.Warn().Str("product_id", it.ProductID).Int("quantity", it.Quantity).Int("kept", room).Msg("cart: persisted cart exceeds capacity")
			it.Quantity = room
		}
		room -= it.Quantity
		if idx := l.indexLocked(it.Key()); idx >= 0 {
			l.items[idx].Quantity += it.Quantity
			continue
		}
		l.items = append(l.items, it)
	}
	return nil
}

// persistLocked must be called with l.mu held so writes land in mutation order.
func (l *Ledger) persistLocked() {
	l.updatedAt = l.clock.Now()
	if l.store == nil {
		return
	}
	doc := document{
		Version:   docVersion,
		MaxItems:  l.max,
		UpdatedAt: l.updatedAt,
		Items:     l.items,
	}
	if doc.Items == nil {
		doc.Items = []domain.LineItem{}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		l.log.Error().Err(err).Msg("cart: failed to encode cart")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := l.store.Set(ctx, storage.KeyCart, data); err != nil {
		l.log.Error().Err(err).Msg("cart: failed to persist cart")
	}
}
