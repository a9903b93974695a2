// Package intents validates and submits user-initiated writes against the
// ledger. Every action shares one shape: local precondition check, submit,
// confirmation or error message, and a triggered refresh regardless of how
// the action classified. Validation failures never reach the gateway; the
// ledger remains the final authority and may still reject independently.
package intents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"crowdwatch/ledger"
	"crowdwatch/reconcile"
	"crowdwatch/snapshot"
)

// ErrValidation marks a local precondition failure detected before
// submission.
var ErrValidation = errors.New("intents: validation failed")

// State tracks a write intent through its short life. Intents are never
// persisted; they exist only for the duration of one user action.
type State string

const (
	StateDraft      State = "draft"
	StateValidating State = "validating"
	StateSubmitting State = "submitting"
	StateSettled    State = "settled"
	StateFailed     State = "failed"
)

// DefaultAdminAddress is the fixed secondary administrative address,
// configured out-of-band alongside the contract owner.
var DefaultAdminAddress = common.HexToAddress("0x153dfef4355E823dCB0FCc76Efe942BefCa86477")

// DefaultCreationFee is the fixed fee attached to campaign creation, in the
// display unit.
const DefaultCreationFee = "0.02"

// LedgerWriter is the write surface of the gateway.
type LedgerWriter interface {
	CreateCampaign(ctx context.Context, from common.Address, title string, shareCost *big.Int, sharesNeeded uint64, fee *big.Int) (ledger.TransactionOutcome, error)
	FundCampaign(ctx context.Context, from common.Address, id, shares uint64, payment *big.Int) (ledger.TransactionOutcome, error)
	CompleteCampaign(ctx context.Context, from common.Address, id uint64) (ledger.TransactionOutcome, error)
	CancelCampaign(ctx context.Context, from common.Address, id uint64) (ledger.TransactionOutcome, error)
	RefundBacker(ctx context.Context, from common.Address) (ledger.TransactionOutcome, error)
	OwnerWithdrawal(ctx context.Context, from common.Address) (ledger.TransactionOutcome, error)
	ChangeContractOwner(ctx context.Context, from, newOwner common.Address) (ledger.TransactionOutcome, error)
	AddBannedAddress(ctx context.Context, from, banned common.Address) (ledger.TransactionOutcome, error)
	DestroyContract(ctx context.Context, from common.Address) (ledger.TransactionOutcome, error)
}

// StateSource provides the snapshot intents validate against and receives the
// post-action refresh trigger.
type StateSource interface {
	Snapshot() *snapshot.Snapshot
	Refresh(identity common.Address, trigger string)
}

// Controller mediates the nine user actions.
type Controller struct {
	writer      LedgerWriter
	state       StateSource
	admin       common.Address
	creationFee *big.Int
	log         *slog.Logger
}

// NewController wires a controller. admin is the secondary administrative
// address; a zero fee falls back to the default creation fee.
func NewController(writer LedgerWriter, state StateSource, admin common.Address, creationFee *big.Int, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if creationFee == nil || creationFee.Sign() == 0 {
		fee, err := ledger.ParseAmount(DefaultCreationFee)
		if err != nil {
			panic(err)
		}
		creationFee = fee
	}
	return &Controller{
		writer:      writer,
		state:       state,
		admin:       admin,
		creationFee: creationFee,
		log:         logger.With("component", "intents"),
	}
}

// HasAdminRights reports whether identity holds administrative rights: the
// contract's registered owner or the fixed secondary admin address.
func (c *Controller) HasAdminRights(snap *snapshot.Snapshot, identity common.Address) bool {
	if snap != nil && identity == snap.Owner {
		return true
	}
	return identity == c.admin
}

// CreateCampaign validates and submits a new campaign. shareCost is in the
// display unit; the fixed creation fee is attached to the submission.
func (c *Controller) CreateCampaign(ctx context.Context, identity common.Address, title, shareCost string, sharesNeeded uint64) (string, error) {
	var costWei *big.Int
	return c.execute(ctx, "createCampaign", identity,
		func(snap *snapshot.Snapshot) error {
			if strings.TrimSpace(title) == "" || strings.TrimSpace(shareCost) == "" || sharesNeeded == 0 {
				return fmt.Errorf("%w: title, share cost, and share count are all required", ErrValidation)
			}
			parsed, err := ledger.ParseAmount(shareCost)
			if err != nil {
				return fmt.Errorf("%w: share cost: %v", ErrValidation, err)
			}
			if parsed.Sign() <= 0 {
				return fmt.Errorf("%w: share cost must be positive", ErrValidation)
			}
			costWei = parsed
			if snap.TitleInUse(title) {
				return fmt.Errorf("%w: campaign title %q is already in use", ErrValidation, title)
			}
			if snap.Banned {
				return fmt.Errorf("%w: you are banned from creating campaigns", ErrValidation)
			}
			if snap.Destroyed {
				return fmt.Errorf("%w: the contract is destroyed", ErrValidation)
			}
			if c.HasAdminRights(snap, identity) {
				return fmt.Errorf("%w: the contract owner cannot create campaigns", ErrValidation)
			}
			return nil
		},
		func(ctx context.Context) error {
			_, err := c.writer.CreateCampaign(ctx, identity, title, costWei, sharesNeeded, c.creationFee)
			return err
		},
		"Campaign created successfully!",
	)
}

// Pledge buys exactly one share of an active campaign at its fixed per-share
// cost.
func (c *Controller) Pledge(ctx context.Context, identity common.Address, campaignID uint64) (string, error) {
	var payment *big.Int
	return c.execute(ctx, "fundCampaign", identity,
		func(snap *snapshot.Snapshot) error {
			campaign, err := c.activeCampaign(snap, campaignID)
			if err != nil {
				return err
			}
			// One share at the fixed cost; the multiplication stays in wei.
			payment = new(big.Int).Set(campaign.ShareCost)
			return nil
		},
		func(ctx context.Context) error {
			_, err := c.writer.FundCampaign(ctx, identity, campaignID, 1, payment)
			return err
		},
		"Pledge successful!",
	)
}

// Fulfill completes a campaign whose share target has been met. Permitted
// for the entrepreneur or an identity with administrative rights.
func (c *Controller) Fulfill(ctx context.Context, identity common.Address, campaignID uint64) (string, error) {
	return c.execute(ctx, "completeCampaign", identity,
		func(snap *snapshot.Snapshot) error {
			campaign, err := c.activeCampaign(snap, campaignID)
			if err != nil {
				return err
			}
			if err := c.requireControl(snap, identity, campaign); err != nil {
				return err
			}
			if campaign.SharesSold != campaign.SharesNeeded {
				return fmt.Errorf("%w: campaign %d has sold %d of %d shares", ErrValidation, campaignID, campaign.SharesSold, campaign.SharesNeeded)
			}
			return nil
		},
		func(ctx context.Context) error {
			_, err := c.writer.CompleteCampaign(ctx, identity, campaignID)
			return err
		},
		"Campaign fulfilled successfully!",
	)
}

// Cancel cancels an active campaign. Permitted for the entrepreneur or an
// identity with administrative rights.
func (c *Controller) Cancel(ctx context.Context, identity common.Address, campaignID uint64) (string, error) {
	return c.execute(ctx, "cancelCampaign", identity,
		func(snap *snapshot.Snapshot) error {
			campaign, err := c.activeCampaign(snap, campaignID)
			if err != nil {
				return err
			}
			return c.requireControl(snap, identity, campaign)
		},
		func(ctx context.Context) error {
			_, err := c.writer.CancelCampaign(ctx, identity, campaignID)
			return err
		},
		"Campaign cancelled successfully!",
	)
}

// Refund settles refunds for all of the identity's holdings in cancelled
// campaigns in a single call.
func (c *Controller) Refund(ctx context.Context, identity common.Address) (string, error) {
	return c.execute(ctx, "refundBacker", identity,
		func(snap *snapshot.Snapshot) error {
			if !snap.RefundableShares() {
				return fmt.Errorf("%w: no shares held in cancelled campaigns", ErrValidation)
			}
			return nil
		},
		func(ctx context.Context) error {
			_, err := c.writer.RefundBacker(ctx, identity)
			return err
		},
		"Refund claimed for all applicable campaigns!",
	)
}

// WithdrawFees transfers the accumulated fees to the owner's wallet.
func (c *Controller) WithdrawFees(ctx context.Context, identity common.Address) (string, error) {
	return c.execute(ctx, "ownerWithdrawal", identity,
		func(snap *snapshot.Snapshot) error {
			return c.requireAdmin(snap, identity)
		},
		func(ctx context.Context) error {
			_, err := c.writer.OwnerWithdrawal(ctx, identity)
			return err
		},
		"Fees withdrawn successfully!",
	)
}

// ChangeOwner hands contract ownership to the supplied address.
func (c *Controller) ChangeOwner(ctx context.Context, identity common.Address, newOwner string) (string, error) {
	var target common.Address
	return c.execute(ctx, "changeContractOwner", identity,
		func(snap *snapshot.Snapshot) error {
			if err := c.requireAdmin(snap, identity); err != nil {
				return err
			}
			if !ledger.IsHexAddress(newOwner) {
				return fmt.Errorf("%w: %q is not a valid ledger address", ErrValidation, newOwner)
			}
			target = common.HexToAddress(newOwner)
			return nil
		},
		func(ctx context.Context) error {
			_, err := c.writer.ChangeContractOwner(ctx, identity, target)
			return err
		},
		"Ownership transferred successfully!",
	)
}

// BanAddress adds the supplied address to the contract's ban list.
func (c *Controller) BanAddress(ctx context.Context, identity common.Address, banned string) (string, error) {
	var target common.Address
	return c.execute(ctx, "addBannedAddress", identity,
		func(snap *snapshot.Snapshot) error {
			if err := c.requireAdmin(snap, identity); err != nil {
				return err
			}
			if !ledger.IsHexAddress(banned) {
				return fmt.Errorf("%w: %q is not a valid ledger address", ErrValidation, banned)
			}
			target = common.HexToAddress(banned)
			return nil
		},
		func(ctx context.Context) error {
			_, err := c.writer.AddBannedAddress(ctx, identity, target)
			return err
		},
		"Entrepreneur banned successfully!",
	)
}

// Destroy destroys the contract, cancelling all active campaigns.
func (c *Controller) Destroy(ctx context.Context, identity common.Address) (string, error) {
	return c.execute(ctx, "destroyContract", identity,
		func(snap *snapshot.Snapshot) error {
			return c.requireAdmin(snap, identity)
		},
		func(ctx context.Context) error {
			_, err := c.writer.DestroyContract(ctx, identity)
			return err
		},
		"Contract destroyed successfully! All active campaigns have been cancelled.",
	)
}

// execute runs one intent through its lifecycle. The refresh fires on every
// path, success or failure, so the visible snapshot eventually matches ledger
// truth even when the optimistic message was wrong.
func (c *Controller) execute(ctx context.Context, action string, identity common.Address, validate func(*snapshot.Snapshot) error, submit func(context.Context) error, confirmation string) (string, error) {
	state := StateDraft
	defer func() {
		c.state.Refresh(identity, reconcile.TriggerIntent)
		c.log.Info("intent finished", "action", action, "state", string(state))
	}()

	state = StateValidating
	snap := c.state.Snapshot()
	if snap == nil {
		state = StateFailed
		return "", fmt.Errorf("%w: no snapshot available yet", reconcile.ErrStaleSnapshot)
	}
	// Banned and Shares are relative to the identity the snapshot was built
	// for. After an account switch the old snapshot lingers until the rebuild
	// publishes; validating against it would check the wrong identity.
	if snap.Identity != identity {
		state = StateFailed
		return "", fmt.Errorf("%w: snapshot is for %s, not %s", reconcile.ErrStaleSnapshot, snap.Identity.Hex(), identity.Hex())
	}
	if err := validate(snap); err != nil {
		state = StateFailed
		return "", err
	}

	state = StateSubmitting
	if err := submit(ctx); err != nil {
		state = StateFailed
		return "", err
	}
	state = StateSettled
	return confirmation, nil
}

// activeCampaign resolves an id against the snapshot's active list. An id the
// snapshot has never seen signals staleness rather than invalid input.
func (c *Controller) activeCampaign(snap *snapshot.Snapshot, id uint64) (snapshot.Campaign, error) {
	if campaign, ok := snap.ActiveCampaign(id); ok {
		return campaign, nil
	}
	if campaign, ok := snap.Campaign(id); ok {
		return snapshot.Campaign{}, fmt.Errorf("%w: campaign %d is %s, not active", ErrValidation, campaign.ID, campaign.Category())
	}
	return snapshot.Campaign{}, fmt.Errorf("%w: campaign %d not found", reconcile.ErrStaleSnapshot, id)
}

func (c *Controller) requireControl(snap *snapshot.Snapshot, identity common.Address, campaign snapshot.Campaign) error {
	if identity == campaign.Entrepreneur || c.HasAdminRights(snap, identity) {
		return nil
	}
	return fmt.Errorf("%w: only the entrepreneur or an administrator may manage campaign %d", ErrValidation, campaign.ID)
}

func (c *Controller) requireAdmin(snap *snapshot.Snapshot, identity common.Address) error {
	if c.HasAdminRights(snap, identity) {
		return nil
	}
	return fmt.Errorf("%w: administrative rights required", ErrValidation)
}
