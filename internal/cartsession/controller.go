package cartsession

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaycart/internal/cart"
	"github.com/agentworkforce/relaycart/internal/cartstore"
	"github.com/agentworkforce/relaycart/internal/gateway"
	"github.com/agentworkforce/relaycart/internal/session"
)

var (
	// ErrProductDetailsUnavailable is returned when an anonymous cart is asked to
	// add a product it has never seen; only AddProduct can supply the details.
	ErrProductDetailsUnavailable = errors.New("cartsession: product details unavailable for anonymous add")
	ErrAlreadyStarted            = errors.New("cartsession: controller already started")
)

// AuthSource is the part of the session the controller depends on.
type AuthSource interface {
	State() session.State
	Subscribe(fn func(prev, next session.State)) func()
}

type Options struct {
	Store    *cartstore.LocalStore
	Gateway  gateway.CartGateway
	Auth     AuthSource
	Notifier Notifier
	Logger   *zap.Logger
	// MaintenanceInterval defaults to one hour; a negative value disables pruning.
	MaintenanceInterval time.Duration
	MaintenanceJitter   float64
	SyncConcurrency     int
	Now                 func() time.Time
}

// Controller owns the in-memory cart. Anonymous sessions mutate it locally;
// authenticated sessions round-trip every mutation to the server and adopt the
// server's answer. Either way the result is persisted to the local store.
type Controller struct {
	store      *cartstore.LocalStore
	gateway    gateway.CartGateway
	auth       AuthSource
	reconciler *Reconciler
	notifier   Notifier
	logger     *zap.Logger
	interval   time.Duration
	jitter     float64
	now        func() time.Time

	mu            sync.Mutex
	view          View
	authenticated bool
	nextSub       int
	subs          map[int]func(View)

	pubMu     sync.Mutex
	delivered uint64

	lifeMu  sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	stops   []func()
	wg      sync.WaitGroup
}

func New(opts Options) (*Controller, error) {
	if opts.Store == nil || opts.Gateway == nil {
		return nil, cartstore.ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = LogNotifier{Logger: logger}
	}
	interval := opts.MaintenanceInterval
	if interval == 0 {
		interval = DefaultMaintenanceInterval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := &Controller{
		store:      opts.Store,
		gateway:    opts.Gateway,
		auth:       opts.Auth,
		reconciler: NewReconciler(opts.Gateway, opts.Store, logger, opts.SyncConcurrency),
		notifier:   notifier,
		logger:     logger,
		interval:   interval,
		jitter:     ClampJitterRatio(opts.MaintenanceJitter),
		now:        now,
		view:       newView(0, nil),
		subs:       map[int]func(View){},
	}
	if opts.Auth != nil {
		c.authenticated = opts.Auth.State().Authenticated
	}
	return c, nil
}

// Start subscribes to auth transitions and to cart changes made by sibling
// clients, loads the cart, and starts background pruning. Close undoes all of it.
func (c *Controller) Start(ctx context.Context) error {
	c.lifeMu.Lock()
	defer c.lifeMu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)

	var stops []func()
	if c.auth != nil {
		stops = append(stops, c.auth.Subscribe(func(_, next session.State) {
			c.HandleAuthTransition(runCtx, next)
		}))
	}
	stopWatch, err := c.store.Watch(c.applyExternal)
	if err != nil {
		for _, stop := range stops {
			stop()
		}
		cancel()
		return err
	}
	stops = append(stops, stopWatch)

	c.started = true
	c.cancel = cancel
	c.stops = stops

	if err := c.FetchCart(runCtx); err != nil {
		c.logger.Warn("initial cart load failed", zap.Error(err))
	}
	if c.interval > 0 {
		c.wg.Add(1)
		go c.runMaintenance(runCtx, c.interval, c.jitter)
	}
	return nil
}

func (c *Controller) Close() error {
	c.lifeMu.Lock()
	if !c.started || c.closed {
		c.lifeMu.Unlock()
		return nil
	}
	c.closed = true
	cancel, stops := c.cancel, c.stops
	c.stops = nil
	c.lifeMu.Unlock()

	cancel()
	for _, stop := range stops {
		stop()
	}
	c.wg.Wait()
	return nil
}

func (c *Controller) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// FetchCart loads the cart. Authenticated sessions read the server cart and
// reconcile it with any local snapshot; when the server is unreachable the user
// is told and the local snapshot is shown instead.
func (c *Controller) FetchCart(ctx context.Context) error {
	if !c.isAuthenticated() {
		c.replace(c.store.Read(ctx))
		return nil
	}
	server, err := c.gateway.GetCart(ctx)
	if err != nil {
		c.notify(ctx, LevelWarning, "Could not load your cart. Showing the saved copy.", err)
		c.replace(c.store.Read(ctx))
		return nil
	}
	local := c.store.Read(ctx)
	if len(local) == 0 {
		c.commit(ctx, server)
		return nil
	}
	c.reconcile(ctx, server, local)
	return nil
}

func (c *Controller) reconcile(ctx context.Context, server, local []cart.LineItem) {
	result := c.reconciler.Reconcile(ctx, server, local, func(items []cart.LineItem) { c.replace(items) })
	if result.Failed > 0 {
		c.notify(ctx, LevelWarning, "Some cart items could not be saved to your account.", nil)
	}
	c.replace(result.Items)
	c.logger.Info("cart reconciled",
		zap.Int("items", len(result.Items)), zap.Int("synced", result.Synced), zap.Int("failed", result.Failed), zap.Bool("requeried", result.Requeried))
}

// HandleAuthTransition reacts to a change of authentication state. Signing in
// always reconciles the local cart into the server cart; signing out drops the
// server cart and shows the local snapshot. A repeated state is ignored.
func (c *Controller) HandleAuthTransition(ctx context.Context, next session.State) {
	c.mu.Lock()
	if c.authenticated == next.Authenticated {
		c.mu.Unlock()
		return
	}
	c.authenticated = next.Authenticated
	c.mu.Unlock()

	if !next.Authenticated {
		c.logger.Info("signed out; showing local cart")
		c.replace(c.store.Read(ctx))
		return
	}
	c.logger.Info("signed in; reconciling cart", zap.String("user_id", next.User.ID))
	server, err := c.gateway.GetCart(ctx)
	if err != nil {
		c.notify(ctx, LevelWarning, "Could not load your cart. Showing the saved copy.", err)
		c.replace(c.store.Read(ctx))
		return
	}
	c.reconcile(ctx, server, c.store.Read(ctx))
}

// AddToCart adds quantity of a product already known to the cart. Anonymous
// carts hold no product catalogue, so an unknown id fails with
// ErrProductDetailsUnavailable.
func (c *Controller) AddToCart(ctx context.Context, productID string, quantity int) error {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return cart.ErrInvalidItem
	}
	if quantity < 1 {
		return cart.ErrInvalidQuantity
	}
	if c.isAuthenticated() {
		return c.mutateRemote(ctx, "Could not add the item to your cart.", func(ctx context.Context) ([]cart.LineItem, error) {
			return c.gateway.AddItem(ctx, productID, quantity)
		})
	}
	err := c.mutateLocal(ctx, func(items []cart.LineItem) ([]cart.LineItem, error) {
		next, err := cart.Increment(items, productID, quantity)
		if errors.Is(err, cart.ErrItemNotFound) {
			return nil, ErrProductDetailsUnavailable
		}
		return next, err
	})
	if errors.Is(err, ErrProductDetailsUnavailable) {
		c.notify(ctx, LevelError, "Could not add the item to your cart.", err)
	}
	return err
}

// AddProduct adds quantity of product, inserting a new line item when an
// anonymous cart does not hold it yet.
func (c *Controller) AddProduct(ctx context.Context, product cart.Product, quantity int) error {
	product.ID = strings.TrimSpace(product.ID)
	if product.ID == "" {
		return cart.ErrInvalidItem
	}
	if quantity < 1 {
		return cart.ErrInvalidQuantity
	}
	if c.isAuthenticated() {
		return c.mutateRemote(ctx, "Could not add the item to your cart.", func(ctx context.Context) ([]cart.LineItem, error) {
			return c.gateway.AddItem(ctx, product.ID, quantity)
		})
	}
	return c.mutateLocal(ctx, func(items []cart.LineItem) ([]cart.LineItem, error) {
		return cart.Upsert(items, product, quantity, c.now())
	})
}

func (c *Controller) RemoveFromCart(ctx context.Context, productID string) error {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return cart.ErrInvalidItem
	}
	if c.isAuthenticated() {
		return c.mutateRemote(ctx, "Could not remove the item from your cart.", func(ctx context.Context) ([]cart.LineItem, error) {
			return c.gateway.RemoveItem(ctx, productID)
		})
	}
	return c.mutateLocal(ctx, func(items []cart.LineItem) ([]cart.LineItem, error) {
		return cart.Remove(items, productID), nil
	})
}

func (c *Controller) UpdateQuantity(ctx context.Context, productID string, quantity int) error {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return cart.ErrInvalidItem
	}
	if quantity < 1 {
		return cart.ErrInvalidQuantity
	}
	if c.isAuthenticated() {
		return c.mutateRemote(ctx, "Could not update the quantity.", func(ctx context.Context) ([]cart.LineItem, error) {
			return c.gateway.UpdateQuantity(ctx, productID, quantity)
		})
	}
	return c.mutateLocal(ctx, func(items []cart.LineItem) ([]cart.LineItem, error) {
		return cart.SetQuantity(items, productID, quantity)
	})
}

func (c *Controller) ClearCart(ctx context.Context) error {
	if c.isAuthenticated() {
		items, err := c.gateway.ClearCart(ctx)
		if err != nil {
			c.notify(ctx, LevelError, "Could not clear your cart.", err)
			return err
		}
		if len(items) > 0 {
			c.commit(ctx, items)
			return nil
		}
	}
	c.replace(nil)
	c.store.Clear(ctx)
	return nil
}

func (c *Controller) mutateRemote(ctx context.Context, message string, call func(context.Context) ([]cart.LineItem, error)) error {
	items, err := call(ctx)
	if err != nil {
		c.notify(ctx, LevelError, message, err)
		return err
	}
	c.commit(ctx, items)
	return nil
}

// mutateLocal derives the next cart from the latest in-memory cart under the lock.
func (c *Controller) mutateLocal(ctx context.Context, fn func([]cart.LineItem) ([]cart.LineItem, error)) error {
	c.mu.Lock()
	next, err := fn(cart.Clone(c.view.items))
	if err != nil {
		c.mu.Unlock()
		return err
	}
	view, subs := c.setLocked(next)
	c.mu.Unlock()

	c.store.Write(ctx, view.items)
	c.deliver(view, subs)
	return nil
}

func (c *Controller) commit(ctx context.Context, items []cart.LineItem) {
	view := c.replace(items)
	c.store.Write(ctx, view.items)
}

// applyExternal adopts a cart written by a sibling client. It never writes back.
func (c *Controller) applyExternal(items []cart.LineItem) {
	c.logger.Debug("cart changed by another client", zap.Int("items", len(items)))
	c.replace(items)
}

func (c *Controller) replace(items []cart.LineItem) View {
	c.mu.Lock()
	view, subs := c.setLocked(items)
	c.mu.Unlock()
	c.deliver(view, subs)
	return view
}

func (c *Controller) setLocked(items []cart.LineItem) (View, []func(View)) {
	c.view = newView(c.view.Version+1, cart.Normalize(cart.Clone(items)))
	subs := make([]func(View), 0, len(c.subs))
	for id := 0; id < c.nextSub; id++ {
		if fn, ok := c.subs[id]; ok {
			subs = append(subs, fn)
		}
	}
	return c.view, subs
}

// deliver hands view to subscribers unless a newer version already went out.
func (c *Controller) deliver(view View, subs []func(View)) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	if view.Version <= c.delivered {
		return
	}
	c.delivered = view.Version
	for _, fn := range subs {
		fn(view)
	}
}

func (c *Controller) notify(ctx context.Context, level Level, message string, err error) {
	c.notifier.Notify(ctx, Notification{Level: level, Message: message, Err: err})
}

// View returns the current cart version.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

func (c *Controller) Items() []cart.LineItem {
	return c.View().Items()
}

func (c *Controller) Count() int {
	return c.View().Count()
}

func (c *Controller) Total() float64 {
	return c.View().Total()
}

// Subscribe calls fn with every new cart version. fn must not block for long:
// it runs on the goroutine that changed the cart.
func (c *Controller) Subscribe(fn func(View)) func() {
	if fn == nil {
		return func() {}
	}
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, id)
			c.mu.Unlock()
		})
	}
}
