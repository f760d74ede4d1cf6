package domain

// Product is the catalog view of a purchasable item.
type Product struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Price     float64   `json:"price"`
	Available bool      `json:"available"`
	Variants  []Variant `json:"variants,omitempty"`
}

// Variant is a priced option of a product (size, portion, ...).
type Variant struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	Available bool    `json:"available"`
}

// FindVariant returns the variant with the given id.
func (p Product) FindVariant(id string) (Variant, bool) {
	for _, v := range p.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// LineKey identifies a cart line. An empty VariantID means no variant.
type LineKey struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
}

type LineItem struct {
	ProductID   string  `json:"product_id"`
	VariantID   string  `json:"variant_id,omitempty"`
	Name        string  `json:"name"`
	UnitPrice   float64 `json:"unit_price"`
	Quantity    int     `json:"quantity"`
	Unavailable bool    `json:"unavailable,omitempty"`
}

func (i LineItem) Key() LineKey {
	return LineKey{ProductID: i.ProductID, VariantID: i.VariantID}
}

// Subtotal returns 0 for unavailable lines.
func (i LineItem) Subtotal() float64 {
	if i.Unavailable {
		return 0
	}
	return i.UnitPrice * float64(i.Quantity)
}
