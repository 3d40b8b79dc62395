package cartsession

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relaycart/internal/cart"
	"github.com/agentworkforce/relaycart/internal/cartstore"
	"github.com/agentworkforce/relaycart/internal/gateway"
	"github.com/agentworkforce/relaycart/internal/session"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// fakeGateway is an in-memory server cart that records every call.
type fakeGateway struct {
	mu        sync.Mutex
	items     []cart.LineItem
	catalog   map[string]cart.Product
	calls     []string
	getErr    error
	mutateErr error
	failAdd   map[string]error
}

var _ gateway.CartGateway = (*fakeGateway)(nil)

func newFakeGateway(items ...cart.LineItem) *fakeGateway {
	g := &fakeGateway{catalog: map[string]cart.Product{}, failAdd: map[string]error{}}
	for _, item := range items {
		g.catalog[item.Product.ID] = item.Product
	}
	g.items = cart.Clone(items)
	return g
}

func (g *fakeGateway) record(format string, args ...any) {
	g.calls = append(g.calls, fmt.Sprintf(format, args...))
}

func (g *fakeGateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func (g *fakeGateway) GetCart(context.Context) ([]cart.LineItem, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("get")
	if g.getErr != nil {
		return nil, g.getErr
	}
	return cart.Clone(g.items), nil
}

func (g *fakeGateway) AddItem(_ context.Context, productID string, quantity int) ([]cart.LineItem, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("add %s %d", productID, quantity)
	if err := g.failAdd[productID]; err != nil {
		return nil, err
	}
	if g.mutateErr != nil {
		return nil, g.mutateErr
	}
	product, ok := g.catalog[productID]
	if !ok {
		product = cart.Product{ID: productID}
	}
	next, err := cart.Upsert(g.items, product, quantity, testNow)
	if err != nil {
		return nil, err
	}
	g.items = next
	return cart.Clone(g.items), nil
}

func (g *fakeGateway) RemoveItem(_ context.Context, productID string) ([]cart.LineItem, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("remove %s", productID)
	if g.mutateErr != nil {
		return nil, g.mutateErr
	}
	g.items = cart.Remove(g.items, productID)
	return cart.Clone(g.items), nil
}

func (g *fakeGateway) UpdateQuantity(_ context.Context, productID string, quantity int) ([]cart.LineItem, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("update %s %d", productID, quantity)
	if g.mutateErr != nil {
		return nil, g.mutateErr
	}
	next, err := cart.SetQuantity(g.items, productID, quantity)
	if err != nil {
		return nil, err
	}
	g.items = next
	return cart.Clone(g.items), nil
}

func (g *fakeGateway) ClearCart(context.Context) ([]cart.LineItem, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.record("clear")
	if g.mutateErr != nil {
		return nil, g.mutateErr
	}
	g.items = nil
	return []cart.LineItem{}, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
}

func (n *recordingNotifier) Notes() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.notes...)
}

type fixture struct {
	slot     *cartstore.MemorySlot
	store    *cartstore.LocalStore
	gateway  *fakeGateway
	session  *session.Session
	notifier *recordingNotifier
	ctrl     *Controller
}

func newFixture(t *testing.T, bus *cartstore.MemoryBus, gw *fakeGateway) *fixture {
	t.Helper()
	slot := cartstore.NewMemorySlot(bus)
	store, err := cartstore.NewLocalStore(slot, cartstore.LocalStoreOptions{Now: func() time.Time { return testNow }})
	if err != nil {
		t.Fatalf("new local store failed: %v", err)
	}
	sess, err := session.New(cartstore.NewMemorySlot(nil), session.Options{})
	if err != nil {
		t.Fatalf("new session failed: %v", err)
	}
	notifier := &recordingNotifier{}
	ctrl, err := New(Options{
		Store:               store,
		Gateway:             gw,
		Auth:                sess,
		Notifier:            notifier,
		MaintenanceInterval: -1,
		Now:                 func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("new controller failed: %v", err)
	}
	return &fixture{slot: slot, store: store, gateway: gw, session: sess, notifier: notifier, ctrl: ctrl}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() { _ = f.ctrl.Close() })
}

func (f *fixture) signIn(t *testing.T) {
	t.Helper()
	if err := f.session.SignIn(context.Background(), session.Identity{ID: "u1"}, "tok"); err != nil {
		t.Fatalf("sign in failed: %v", err)
	}
}

func product(id string, price float64) cart.Product {
	return cart.Product{ID: id, Name: "product " + id, Price: price}
}

func item(id string, qty int, price float64) cart.LineItem {
	return cart.LineItem{Product: product(id, price), Quantity: qty}
}

// quantities maps product id to quantity so tests can ignore incidental fields.
func quantities(items []cart.LineItem) map[string]int {
	out := make(map[string]int, len(items))
	for _, it := range items {
		out[it.Product.ID] = it.Quantity
	}
	return out
}
