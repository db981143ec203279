package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/operator-relay/internal/model"
)

// Sweep clears expired challenges and lapsed bans. The router also handles
// both lazily on the next event, so the sweep only keeps stored state tidy.
// It returns the number of visitors reset.
func (r *Router) Sweep(ctx context.Context) (int, error) {
	visitors, err := r.store.ListVisitors(ctx)
	if err != nil {
		return 0, storeErr("list visitors", err)
	}

	now := r.now()
	reset := 0
	for i := range visitors {
		if !sweepable(&visitors[i], now) {
			continue
		}
		ok, err := r.sweepOne(ctx, visitors[i].ID, now)
		if err != nil {
			return reset, err
		}
		if ok {
			reset++
		}
	}
	return reset, nil
}

func sweepable(v *model.Visitor, now time.Time) bool {
	switch v.State {
	case model.StatePending:
		return v.Challenge == nil || v.Challenge.Expired(now)
	case model.StateBanned:
		return v.BanUntil == nil || now.After(*v.BanUntil)
	}
	return false
}

func (r *Router) sweepOne(ctx context.Context, id uint64, now time.Time) (bool, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	// Re-check under the lock; an event may have moved the visitor on.
	v, err := r.store.GetVisitor(ctx, id)
	if err != nil {
		return false, storeErr("get visitor", err)
	}
	if !sweepable(v, now) {
		return false, nil
	}
	v.State = model.StateUnverified
	v.Challenge = nil
	v.BanUntil = nil
	v.UpdatedAt = now
	if err := r.store.UpdateVisitor(ctx, v); err != nil {
		return false, storeErr("update visitor", err)
	}
	r.notices.forget(id)
	return true, nil
}

// DefaultSweepInterval is used when RunSweeper gets a non-positive interval.
const DefaultSweepInterval = 30 * time.Second

// RunSweeper sweeps every interval until ctx is done.
func (r *Router) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		r.logger.Warn("invalid sweep interval, using default",
			zap.Duration("interval", interval),
			zap.Duration("default", DefaultSweepInterval),
		)
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				r.logger.Error("sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				r.logger.Debug("swept visitors", zap.Int("reset", n))
			}
		}
	}
}
