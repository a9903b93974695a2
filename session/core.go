// Package session ties the reconciliation engine, notification router, and
// intent controller into one consumer-facing core. The external wallet
// collaborator drives it through AccountChanged/ChainChanged; the external UI
// collaborator consumes the current snapshot and last message and feeds it
// intents. Presentation is entirely the consumer's concern.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"crowdwatch/intents"
	"crowdwatch/reconcile"
	"crowdwatch/snapshot"
	"crowdwatch/watch"
)

// Config wires a core's collaborators.
type Config struct {
	Reader      snapshot.LedgerReader
	Writer      intents.LedgerWriter
	Subscriber  watch.Subscriber
	Admin       common.Address
	CreationFee *big.Int
	Identity    common.Address
	Logger      *slog.Logger
}

// Core is one user session against the ledger. It remains usable after any
// failure; the next successful refresh recovers the view.
type Core struct {
	engine  *reconcile.Engine
	router  *watch.Router
	intents *intents.Controller
	log     *slog.Logger

	mu       sync.Mutex
	identity common.Address
	message  string
	torn     bool

	teardown sync.Once
}

// Start builds the core, subscribes to all event kinds, and schedules the
// first snapshot build for the configured identity.
func Start(ctx context.Context, cfg Config) (*Core, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	core := &Core{identity: cfg.Identity, log: logger.With("component", "session")}

	builder := snapshot.NewBuilder(cfg.Reader, logger)
	core.engine = reconcile.NewEngine(builder, core.onBuildResult, logger)

	admin := cfg.Admin
	if admin == (common.Address{}) {
		admin = intents.DefaultAdminAddress
	}
	core.intents = intents.NewController(cfg.Writer, core.engine, admin, cfg.CreationFee, logger)

	router, err := watch.Start(ctx, cfg.Subscriber, core.engine, core.Identity, logger)
	if err != nil {
		core.engine.Close()
		return nil, fmt.Errorf("start notification router: %w", err)
	}
	core.router = router

	core.engine.Refresh(cfg.Identity, reconcile.TriggerIdentity)
	return core, nil
}

// Snapshot returns the current read-model, or nil before the first
// successful build.
func (c *Core) Snapshot() *snapshot.Snapshot { return c.engine.Snapshot() }

// LastMessage returns the human-readable outcome of the most recent action.
func (c *Core) LastMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.message
}

// Identity returns the current acting address.
func (c *Core) Identity() common.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// RefreshNow schedules a demand refresh for the current identity.
func (c *Core) RefreshNow() {
	c.engine.Refresh(c.Identity(), reconcile.TriggerDemand)
}

// WaitSynced blocks until no refresh is running or pending, or ctx ends.
func (c *Core) WaitSynced(ctx context.Context) error {
	return c.engine.WaitIdle(ctx)
}

// AccountChanged switches the acting identity. Any in-flight build for the
// old identity is discarded by the engine rather than published.
func (c *Core) AccountChanged(identity common.Address) {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return
	}
	c.identity = identity
	c.mu.Unlock()
	c.engine.Refresh(identity, reconcile.TriggerIdentity)
}

// AccountsCleared handles the wallet reporting no connected account.
func (c *Core) AccountsCleared() {
	c.setMessage("Please connect a wallet account.")
}

// ChainChanged performs a hard session reset: the snapshot is dropped, any
// in-flight build is invalidated, and state is rebuilt from scratch.
func (c *Core) ChainChanged() {
	c.mu.Lock()
	if c.torn {
		c.mu.Unlock()
		return
	}
	identity := c.identity
	c.mu.Unlock()
	c.engine.Reset()
	c.engine.Refresh(identity, reconcile.TriggerIdentity)
}

// Teardown cancels all event subscriptions exactly once and stops the
// engine. A build or submission already in flight may complete afterwards;
// its result is ignored rather than applied to the torn-down session.
func (c *Core) Teardown() {
	c.teardown.Do(func() {
		c.mu.Lock()
		c.torn = true
		c.mu.Unlock()
		c.router.Teardown()
		c.engine.Close()
	})
}

// CreateCampaign submits a new campaign with the fixed creation fee.
func (c *Core) CreateCampaign(ctx context.Context, title, shareCost string, sharesNeeded uint64) error {
	msg, err := c.intents.CreateCampaign(ctx, c.Identity(), title, shareCost, sharesNeeded)
	return c.finish("Failed to create campaign", msg, err)
}

// Pledge buys one share of the given active campaign.
func (c *Core) Pledge(ctx context.Context, campaignID uint64) error {
	msg, err := c.intents.Pledge(ctx, c.Identity(), campaignID)
	return c.finish("Failed to pledge", msg, err)
}

// Fulfill completes a campaign whose target has been met.
func (c *Core) Fulfill(ctx context.Context, campaignID uint64) error {
	msg, err := c.intents.Fulfill(ctx, c.Identity(), campaignID)
	return c.finish("Failed to fulfill campaign", msg, err)
}

// Cancel cancels an active campaign.
func (c *Core) Cancel(ctx context.Context, campaignID uint64) error {
	msg, err := c.intents.Cancel(ctx, c.Identity(), campaignID)
	return c.finish("Failed to cancel campaign", msg, err)
}

// Refund settles refunds for all holdings in cancelled campaigns.
func (c *Core) Refund(ctx context.Context) error {
	msg, err := c.intents.Refund(ctx, c.Identity())
	return c.finish("Failed to claim refund", msg, err)
}

// WithdrawFees transfers accumulated fees to the owner.
func (c *Core) WithdrawFees(ctx context.Context) error {
	msg, err := c.intents.WithdrawFees(ctx, c.Identity())
	return c.finish("Failed to withdraw fees", msg, err)
}

// ChangeOwner transfers contract ownership.
func (c *Core) ChangeOwner(ctx context.Context, newOwner string) error {
	msg, err := c.intents.ChangeOwner(ctx, c.Identity(), newOwner)
	return c.finish("Failed to change owner", msg, err)
}

// BanAddress adds an address to the contract's ban list.
func (c *Core) BanAddress(ctx context.Context, banned string) error {
	msg, err := c.intents.BanAddress(ctx, c.Identity(), banned)
	return c.finish("Failed to ban address", msg, err)
}

// Destroy destroys the contract.
func (c *Core) Destroy(ctx context.Context) error {
	msg, err := c.intents.Destroy(ctx, c.Identity())
	return c.finish("Failed to destroy contract", msg, err)
}

func (c *Core) onBuildResult(err error) {
	if err != nil {
		c.setMessage("Failed to update ledger data.")
	}
}

func (c *Core) finish(failPrefix, confirmation string, err error) error {
	if err != nil {
		c.setMessage(fmt.Sprintf("%s: %v", failPrefix, err))
		return err
	}
	c.setMessage(confirmation)
	return nil
}

// setMessage records the last user-visible message. After teardown it is a
// no-op so late completions cannot mutate a dead session.
func (c *Core) setMessage(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.torn {
		return
	}
	c.message = message
}
