// Package reconcile owns the authoritative in-memory snapshot and serializes
// every refresh against it. Builds are queued through a single runner, never
// raced: a refresh requested while one build is in flight lands in a single
// pending slot (latest request wins), so bursts coalesce into exactly one
// follow-up build and publication stays totally ordered.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"crowdwatch/observability"
	"crowdwatch/snapshot"
)

// ErrStaleSnapshot signals that an action referenced state a concurrent
// refresh has since invalidated. It is a soft retry signal, not a fatal
// condition.
var ErrStaleSnapshot = errors.New("reconcile: snapshot out of date")

// Builder produces one snapshot for one identity.
type Builder interface {
	Build(ctx context.Context, identity common.Address) (*snapshot.Snapshot, error)
}

// Refresh triggers, used for instrumentation only.
const (
	TriggerNotification = "notification"
	TriggerIntent       = "intent"
	TriggerDemand       = "demand"
	TriggerIdentity     = "identity"
	TriggerResync       = "resync"
)

type request struct {
	identity common.Address
	session  uuid.UUID
}

// Engine holds the single current Snapshot and the identity it was built
// for. Refresh is the only way the Snapshot changes.
type Engine struct {
	builder Builder
	notify  func(err error)
	log     *slog.Logger
	metrics *observability.ReconcilerMetrics

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	current *snapshot.Snapshot
	running bool
	pending *request
	session uuid.UUID
	closed  bool
	idle    chan struct{}
}

// NewEngine wires an engine over the given builder. notify, when non-nil, is
// invoked with the outcome of every finished build (nil on success) and must
// not block.
func NewEngine(builder Builder, notify func(err error), logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &Engine{
		builder: builder,
		notify:  notify,
		log:     logger.With("component", "reconcile"),
		metrics: observability.Reconciler(),
		ctx:     ctx,
		cancel:  cancel,
		session: uuid.New(),
		idle:    idle,
	}
}

// Snapshot returns the current snapshot, or nil before the first successful
// build. The returned value is immutable.
func (e *Engine) Snapshot() *snapshot.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Refresh schedules a rebuild for the given identity. If a build is already
// in flight the request coalesces into the single pending slot instead of
// starting a second build; the latest requested identity wins. Refresh never
// blocks on the build itself.
func (e *Engine) Refresh(identity common.Address, trigger string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	req := &request{identity: identity, session: e.session}
	if e.running {
		e.pending = req
		e.mu.Unlock()
		e.metrics.ObserveRefresh(trigger, true)
		return
	}
	e.running = true
	e.idle = make(chan struct{})
	e.mu.Unlock()
	e.metrics.ObserveRefresh(trigger, false)
	go e.run(*req)
}

// run executes builds until the pending slot is empty. There is exactly one
// runner goroutine at any time.
func (e *Engine) run(req request) {
	for {
		snap, err := e.builder.Build(e.ctx, req.identity)
		e.metrics.ObserveBuild(err)

		e.mu.Lock()
		discard := e.closed || req.session != e.session
		if !discard && e.pending != nil && e.pending.identity != req.identity {
			// The acting identity moved on mid-build; this result belongs
			// to the old identity and must not be published.
			discard = true
		}
		if err == nil {
			if discard {
				e.metrics.ObserveDiscard()
			} else {
				e.current = snap
			}
		}
		notify := e.notify
		next := e.pending
		e.pending = nil
		if next == nil || e.closed {
			e.running = false
			close(e.idle)
			e.mu.Unlock()
			e.report(notify, err, discard)
			return
		}
		e.mu.Unlock()
		e.report(notify, err, discard)
		req = *next
	}
}

func (e *Engine) report(notify func(error), err error, discarded bool) {
	if err != nil {
		e.log.Warn("snapshot build failed", "err", err)
	}
	if discarded {
		return
	}
	if notify != nil {
		notify(err)
	}
}

// Reset discards the current snapshot and invalidates any in-flight build,
// for hard session resets such as a network change. A follow-up Refresh
// rebuilds from scratch.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.current = nil
	e.pending = nil
	e.session = uuid.New()
}

// WaitIdle blocks until no build is running or pending, or ctx ends.
func (e *Engine) WaitIdle(ctx context.Context) error {
	for {
		e.mu.Lock()
		idle := e.idle
		running := e.running
		e.mu.Unlock()
		if !running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle:
		}
	}
}

// Close tears the engine down. Any build still in flight completes against a
// cancelled context and its result is ignored rather than published.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.pending = nil
	e.session = uuid.New()
	e.mu.Unlock()
	e.cancel()
}
