package ledger

import (
	"context"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"crowdwatch/observability"
)

// Subscription is the handle for one event-kind stream. Cancel is idempotent:
// calling it twice, or racing it against teardown, is safe.
type Subscription interface {
	// Kind returns the event kind this subscription delivers.
	Kind() EventKind
	// Cancel stops delivery. Safe to call multiple times or on an
	// already-cancelled subscription.
	Cancel()
	// Done is closed once the delivery goroutine has fully stopped.
	Done() <-chan struct{}
}

type streamSubscription struct {
	kind   EventKind
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}
}

func (s *streamSubscription) Kind() EventKind { return s.kind }

func (s *streamSubscription) Done() <-chan struct{} { return s.done }

func (s *streamSubscription) Cancel() {
	s.once.Do(s.cancel)
}

// Subscribe opens a stream for one event kind and invokes handler for every
// delivered notification. A dropped upstream subscription is re-established
// with exponential backoff; onResync, when non-nil, fires after each
// re-establishment because events emitted during the gap were never
// delivered. Delivery stops for good only when the subscription is cancelled
// or ctx ends.
func (g *Gateway) Subscribe(ctx context.Context, kind EventKind, handler func(Event), onResync func()) (Subscription, error) {
	if g.streamer == nil {
		return nil, fmt.Errorf("%w: subscribe %s: no stream endpoint configured", ErrRemoteCall, kind)
	}
	topic, ok := kind.topic()
	if !ok {
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	query := ethereum.FilterQuery{
		Addresses: []common.Address{g.contract},
		Topics:    [][]common.Hash{{topic}},
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &streamSubscription{kind: kind, cancel: cancel, done: make(chan struct{})}

	go g.pump(subCtx, kind, query, handler, onResync, sub.done)
	return sub, nil
}

func (g *Gateway) pump(ctx context.Context, kind EventKind, query ethereum.FilterQuery, handler func(Event), onResync func(), done chan struct{}) {
	defer close(done)
	watcher := observability.Watcher()
	reconnects := 0
	for {
		logs := make(chan gethtypes.Log, 16)
		open := func() (ethereum.Subscription, error) {
			return g.streamer.SubscribeFilterLogs(ctx, query, logs)
		}
		upstream, err := backoff.Retry(ctx, open, backoff.WithBackOff(backoff.NewExponentialBackOff()))
		if err != nil {
			// Context ended while reconnecting.
			return
		}
		if reconnects > 0 {
			watcher.ObserveResubscribe()
			g.log.Info("subscription re-established", "kind", string(kind), "attempt", reconnects)
			// Anything emitted while the stream was down is gone; the caller
			// has to reconcile by other means.
			if onResync != nil {
				onResync()
			}
		}
		reconnects++

	deliver:
		for {
			select {
			case <-ctx.Done():
				upstream.Unsubscribe()
				return
			case err := <-upstream.Err():
				upstream.Unsubscribe()
				if ctx.Err() != nil {
					return
				}
				g.log.Warn("subscription dropped", "kind", string(kind), "err", err)
				break deliver
			case lg := <-logs:
				handler(Event{
					Kind:        kind,
					BlockNumber: lg.BlockNumber,
					TxHash:      lg.TxHash,
					Topics:      lg.Topics,
					Data:        lg.Data,
				})
			}
		}
	}
}
