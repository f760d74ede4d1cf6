package cart

import (
	"context"
	"fmt"

	"github.com/fjod/go_cart/storefront/internal/domain"
)

// Catalog answers availability for a set of product ids. Unknown ids are omitted.
type Catalog interface {
	Products(ctx context.Context, ids []string) ([]domain.Product, error)
}

type ReconcileReport struct {
	Unavailable []domain.LineKey
	Repriced    []domain.LineKey
}

// Reconcile refreshes prices and availability from the catalog. Lines whose
// product or variant is gone stay in the cart, flagged unavailable.
func (l *Ledger) Reconcile(ctx context.Context, catalog Catalog) (ReconcileReport, error) {
	ids := l.productIDs()
	if len(ids) == 0 {
		return ReconcileReport{}, nil
	}

	products, err := catalog.Products(ctx, ids)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("reconciling cart: %w", err)
	}
	byID := make(map[string]domain.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var report ReconcileReport
	changed := false
	for i := range l.items {
		it := &l.items[i]
		available, price := lookup(byID, it.Key())

		if !available {
			if !it.Unavailable {
				changed = true
			}
			it.Unavailable = true
			report.Unavailable = append(report.Unavailable, it.Key())
			continue
		}
		if it.Unavailable {
			it.Unavailable = false
			changed = true
		}
		if it.UnitPrice != price {
			it.UnitPrice = price
			report.Repriced = append(report.Repriced, it.Key())
			changed = true
		}
	}

	if changed {
		l.persistLocked()
	}
	if len(report.Unavailable) > 0 {
		l.log.Info().Int("unavailable", len(report.Unavailable)).Msg("cart: some items are no longer available")
	}
	return report, nil
}

func lookup(byID map[string]domain.Product, key domain.LineKey) (bool, float64) {
	p, ok := byID[key.ProductID]
	if !ok || !p.Available {
		return false, 0
	}
	if key.VariantID == "" {
		return true, p.Price
	}
	v, ok := p.FindVariant(key.VariantID)
	if !ok || !v.Available {
		return false, 0
	}
	return true, v.Price
}

func (l *Ledger) productIDs() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seen := make(map[string]bool, len(l.items))
	ids := make([]string, 0, len(l.items))
	for _, it := range l.items {
		if !seen[it.ProductID] {
			seen[it.ProductID] = true
			ids = append(ids, it.ProductID)
		}
	}
	return ids
}
