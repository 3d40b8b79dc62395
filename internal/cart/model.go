package cart

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrInvalidItem     = errors.New("cart: invalid line item")
	ErrInvalidQuantity = errors.New("cart: quantity must be at least 1")
	ErrItemNotFound    = errors.New("cart: item not found")
)

// Product is the denormalized product reference carried by a line item.
// It holds enough data to compute totals without a round trip.
type Product struct {
	ID       string  `json:"id"`
	Name     string  `json:"name,omitempty"`
	Price    float64 `json:"price"`
	ImageURL string  `json:"imageUrl,omitempty"`
}

type LineItem struct {
	Product  Product    `json:"product"`
	Quantity int        `json:"quantity"`
	AddedAt  *time.Time `json:"addedAt,omitempty"`
}

func (i LineItem) ProductID() string {
	return strings.TrimSpace(i.Product.ID)
}

func (i LineItem) Valid() bool {
	return i.ProductID() != "" && i.Quantity >= 1
}

// Normalize drops invalid items and collapses duplicate product ids.
// The last occurrence of an id wins; the position of its first occurrence is kept.
func Normalize(items []LineItem) []LineItem {
	out := make([]LineItem, 0, len(items))
	index := map[string]int{}
	for _, item := range items {
		if !item.Valid() {
			continue
		}
		id := item.ProductID()
		if idx, ok := index[id]; ok {
			out[idx] = item
			continue
		}
		index[id] = len(out)
		out = append(out, item)
	}
	return out
}

func Clone(items []LineItem) []LineItem {
	if items == nil {
		return []LineItem{}
	}
	out := make([]LineItem, len(items))
	for i, item := range items {
		if item.AddedAt != nil {
			at := *item.AddedAt
			item.AddedAt = &at
		}
		out[i] = item
	}
	return out
}

func Find(items []LineItem, productID string) int {
	productID = strings.TrimSpace(productID)
	for i, item := range items {
		if item.ProductID() == productID {
			return i
		}
	}
	return -1
}

func Count(items []LineItem) int {
	total := 0
	for _, item := range items {
		total += item.Quantity
	}
	return total
}

func Total(items []LineItem) float64 {
	var total float64
	for _, item := range items {
		total += item.Product.Price * float64(item.Quantity)
	}
	return total
}

// Increment returns a copy of items with quantity added to productID.
func Increment(items []LineItem, productID string, quantity int) ([]LineItem, error) {
	if quantity < 1 {
		return nil, ErrInvalidQuantity
	}
	idx := Find(items, productID)
	if idx < 0 {
		return nil, ErrItemNotFound
	}
	out := Clone(items)
	out[idx].Quantity += quantity
	return out, nil
}

// Upsert adds product to items, incrementing the quantity when it is already present.
func Upsert(items []LineItem, product Product, quantity int, now time.Time) ([]LineItem, error) {
	if quantity < 1 {
		return nil, ErrInvalidQuantity
	}
	if strings.TrimSpace(product.ID) == "" {
		return nil, ErrInvalidItem
	}
	if idx := Find(items, product.ID); idx >= 0 {
		return Increment(items, product.ID, quantity)
	}
	out := Clone(items)
	at := now
	out = append(out, LineItem{Product: product, Quantity: quantity, AddedAt: &at})
	return out, nil
}

func SetQuantity(items []LineItem, productID string, quantity int) ([]LineItem, error) {
	if quantity < 1 {
		return nil, ErrInvalidQuantity
	}
	out := Clone(items)
	if idx := Find(out, productID); idx >= 0 {
		out[idx].Quantity = quantity
	}
	return out, nil
}

func Remove(items []LineItem, productID string) []LineItem {
	out := make([]LineItem, 0, len(items))
	productID = strings.TrimSpace(productID)
	for _, item := range Clone(items) {
		if item.ProductID() == productID {
			continue
		}
		out = append(out, item)
	}
	return out
}
