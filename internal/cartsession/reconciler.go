package cartsession

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/relaycart/internal/cart"
	"github.com/agentworkforce/relaycart/internal/cartstore"
	"github.com/agentworkforce/relaycart/internal/gateway"
)

const defaultSyncConcurrency = 4

// Reconciler folds the local cart into the server cart after sign-in.
// Local quantities win; the server is brought in line one call per item.
type Reconciler struct {
	gateway     gateway.CartGateway
	store       *cartstore.LocalStore
	logger      *zap.Logger
	concurrency int
}

type ReconcileResult struct {
	Items  []cart.LineItem
	Synced int
	Failed int
	// Requeried is false when the final server read failed and Items is the merged set.
	Requeried bool
}

func NewReconciler(gw gateway.CartGateway, store *cartstore.LocalStore, logger *zap.Logger, concurrency int) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = defaultSyncConcurrency
	}
	return &Reconciler{gateway: gw, store: store, logger: logger, concurrency: concurrency}
}

// Reconcile merges server and local, hands the merged set to publish right away,
// persists it, pushes the differences to the server, and finally re-reads the
// server cart. A failed sync call is logged and skipped.
func (r *Reconciler) Reconcile(ctx context.Context, server, local []cart.LineItem, publish func([]cart.LineItem)) ReconcileResult {
	merged := cart.Merge(server, local)
	if publish != nil {
		publish(merged)
	}
	r.store.Write(ctx, merged)

	ops := cart.PlanSync(server, local)
	var failed int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, op := range ops {
		op := op
		g.Go(func() error {
			var err error
			switch op.Kind {
			case cart.SyncAdd:
				_, err = r.gateway.AddItem(gctx, op.ProductID, op.Quantity)
			case cart.SyncUpdate:
				_, err = r.gateway.UpdateQuantity(gctx, op.ProductID, op.Quantity)
			}
			if err != nil {
				atomic.AddInt32(&failed, 1)
				r.logger.Warn("cart item sync failed",
					zap.String("op", string(op.Kind)), zap.String("product_id", op.ProductID), zap.Int("quantity", op.Quantity), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	result := ReconcileResult{
		Items:  merged,
		Synced: len(ops) - int(failed),
		Failed: int(failed),
	}
	final, err := r.gateway.GetCart(ctx)
	if err != nil {
		r.logger.Warn("re-reading server cart after sync failed; keeping merged cart", zap.Error(err))
		return result
	}
	r.store.Write(ctx, final)
	result.Items = final
	result.Requeried = true
	return result
}
