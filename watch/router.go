// Package watch routes the contract's push notifications into snapshot
// refreshes. It subscribes once per event kind for the lifetime of the
// session; coalescing of bursts happens in the reconciliation engine's
// pending slot, so delivering N notifications during one build costs exactly
// one follow-up build.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"crowdwatch/ledger"
	"crowdwatch/observability"
	"crowdwatch/reconcile"
)

// Subscriber opens one notification stream per event kind. onResync fires
// after a dropped stream is re-established.
type Subscriber interface {
	Subscribe(ctx context.Context, kind ledger.EventKind, handler func(ledger.Event), onResync func()) (ledger.Subscription, error)
}

// Refresher schedules snapshot rebuilds.
type Refresher interface {
	Refresh(identity common.Address, trigger string)
}

// Router holds the session's nine event subscriptions.
type Router struct {
	subs []ledger.Subscription
	log  *slog.Logger

	teardown sync.Once
}

// Start subscribes to every event kind the contract emits. identity is
// consulted at delivery time so refreshes always target the current acting
// address. On any subscription failure the already-opened streams are
// cancelled and the error returned.
func Start(ctx context.Context, subscriber Subscriber, refresher Refresher, identity func() common.Address, logger *slog.Logger) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{log: logger.With("component", "watch")}
	metrics := observability.Watcher()

	for _, kind := range ledger.EventKinds() {
		kind := kind
		sub, err := subscriber.Subscribe(ctx, kind, func(ev ledger.Event) {
			metrics.ObserveEvent(string(ev.Kind))
			r.log.Debug("notification delivered",
				"kind", string(ev.Kind),
				"block", ev.BlockNumber,
				"tx", ev.TxHash.Hex(),
			)
			refresher.Refresh(identity(), reconcile.TriggerNotification)
		}, func() {
			// Events may have been missed while the stream was down; one
			// rebuild resynchronises the snapshot.
			refresher.Refresh(identity(), reconcile.TriggerResync)
		})
		if err != nil {
			r.Teardown()
			return nil, fmt.Errorf("subscribe %s: %w", kind, err)
		}
		r.subs = append(r.subs, sub)
	}
	return r, nil
}

// Teardown cancels every subscription exactly once. Individual Cancel calls
// are idempotent, so teardown racing an in-flight delivery cannot
// double-cancel or crash.
func (r *Router) Teardown() {
	r.teardown.Do(func() {
		for _, sub := range r.subs {
			sub.Cancel()
		}
	})
}
