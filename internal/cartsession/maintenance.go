package cartsession

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

const DefaultMaintenanceInterval = time.Hour

// runMaintenance prunes the local snapshot every interval, spread by jitter so
// sibling clients do not rewrite the shared slot in lockstep.
func (c *Controller) runMaintenance(ctx context.Context, interval time.Duration, jitter float64) {
	defer c.wg.Done()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			left := c.store.Prune(ctx)
			c.logger.Debug("local cart pruned", zap.Int("items", len(left)))
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = ClampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
