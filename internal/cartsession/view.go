package cartsession

import "github.com/agentworkforce/relaycart/internal/cart"

// View is one version of the cart. Count and Total are computed once when the
// version is created.
type View struct {
	Version uint64
	items   []cart.LineItem
	count   int
	total   float64
}

func newView(version uint64, items []cart.LineItem) View {
	items = cart.Clone(items)
	return View{
		Version: version,
		items:   items,
		count:   cart.Count(items),
		total:   cart.Total(items),
	}
}

// Items returns a copy of the line items.
func (v View) Items() []cart.LineItem {
	return cart.Clone(v.items)
}

func (v View) Count() int {
	return v.count
}

func (v View) Total() float64 {
	return v.total
}

func (v View) Len() int {
	return len(v.items)
}
