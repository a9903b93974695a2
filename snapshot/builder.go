package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"crowdwatch/ledger"
)

// LedgerReader is the view-call surface the builder consumes.
type LedgerReader interface {
	Owner(ctx context.Context) (common.Address, error)
	ContractBalance(ctx context.Context) (*big.Int, error)
	OwnerFunds(ctx context.Context) (*big.Int, error)
	ActiveCampaignIDs(ctx context.Context) ([]uint64, error)
	FulfilledCampaignIDs(ctx context.Context) ([]uint64, error)
	CancelledCampaignIDs(ctx context.Context) ([]uint64, error)
	CampaignInfo(ctx context.Context, id uint64) (ledger.CampaignRecord, error)
	CampaignBackers(ctx context.Context, id uint64) (ledger.BackersRecord, error)
	BackerShares(ctx context.Context, backer common.Address) (ledger.SharesRecord, error)
	BannedBackers(ctx context.Context) ([]common.Address, error)
	Destroyed(ctx context.Context) (bool, error)
}

// Builder performs the full set of reads needed for one Snapshot. Builds are
// read-only and side-effect free; any single read failing aborts the whole
// build so no partial Snapshot is ever produced.
type Builder struct {
	ledger LedgerReader
	log    *slog.Logger
}

// NewBuilder wires a builder over the given reader.
func NewBuilder(reader LedgerReader, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{ledger: reader, log: logger.With("component", "snapshot")}
}

// Build produces the read-model for the given identity.
func (b *Builder) Build(ctx context.Context, identity common.Address) (*Snapshot, error) {
	owner, err := b.ledger.Owner(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch owner: %w", err)
	}
	balance, err := b.ledger.ContractBalance(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}
	fees, err := b.ledger.OwnerFunds(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch fees: %w", err)
	}

	active, err := b.loadCategory(ctx, b.ledger.ActiveCampaignIDs)
	if err != nil {
		return nil, fmt.Errorf("load active campaigns: %w", err)
	}
	fulfilled, err := b.loadCategory(ctx, b.ledger.FulfilledCampaignIDs)
	if err != nil {
		return nil, fmt.Errorf("load fulfilled campaigns: %w", err)
	}
	canceled, err := b.loadCategory(ctx, b.ledger.CancelledCampaignIDs)
	if err != nil {
		return nil, fmt.Errorf("load cancelled campaigns: %w", err)
	}

	shares, err := b.loadShares(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("load shares: %w", err)
	}

	banned, err := b.ledger.BannedBackers(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch ban list: %w", err)
	}
	destroyed, err := b.ledger.Destroyed(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch destroyed flag: %w", err)
	}

	snap := &Snapshot{
		Identity:      identity,
		Owner:         owner,
		Balance:       balance,
		CollectedFees: fees,
		Active:        active,
		Fulfilled:     fulfilled,
		Canceled:      canceled,
		Shares:        shares,
		Banned:        isBanned(banned, identity),
		Destroyed:     destroyed,
	}
	b.log.Debug("snapshot built",
		"identity", identity.Hex(),
		"active", len(active),
		"fulfilled", len(fulfilled),
		"canceled", len(canceled),
	)
	return snap, nil
}

// loadCategory fetches one category's id list and resolves every real slot to
// a full campaign, detail and backer records fetched in parallel.
func (b *Builder) loadCategory(ctx context.Context, list func(context.Context) ([]uint64, error)) ([]Campaign, error) {
	ids, err := list(ctx)
	if err != nil {
		return nil, err
	}
	// Zero ids are the ledger's empty-slot sentinel, not campaigns.
	real := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if id != 0 {
			real = append(real, id)
		}
	}
	if len(real) == 0 {
		return []Campaign{}, nil
	}

	results := make([]Campaign, len(real))
	errs := make([]error, len(real))
	var wg sync.WaitGroup
	for i, id := range real {
		wg.Add(1)
		go func(i int, id uint64) {
			defer wg.Done()
			results[i], errs[i] = b.loadCampaign(ctx, id)
		}(i, id)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	campaigns := make([]Campaign, 0, len(results))
	for _, c := range results {
		if phantomSlot(c) {
			continue
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, nil
}

func (b *Builder) loadCampaign(ctx context.Context, id uint64) (Campaign, error) {
	info, err := b.ledger.CampaignInfo(ctx, id)
	if err != nil {
		return Campaign{}, fmt.Errorf("campaign %d: %w", id, err)
	}
	backers, err := b.ledger.CampaignBackers(ctx, id)
	if err != nil {
		return Campaign{}, fmt.Errorf("campaign %d backers: %w", id, err)
	}
	return Campaign{
		ID:           info.ID,
		Entrepreneur: info.Entrepreneur,
		Title:        info.Title,
		ShareCost:    info.ShareCost,
		SharesNeeded: info.SharesNeeded,
		SharesSold:   info.SharesSold,
		Fulfilled:    info.Fulfilled,
		Cancelled:    info.Cancelled,
		Backers:      backers.Backers,
		Investments:  backers.Investments,
	}, nil
}

func (b *Builder) loadShares(ctx context.Context, identity common.Address) (map[uint64]uint64, error) {
	record, err := b.ledger.BackerShares(ctx, identity)
	if err != nil {
		return nil, err
	}
	shares := make(map[uint64]uint64)
	if len(record.CampaignIDs) != len(record.Counts) {
		return nil, fmt.Errorf("mismatched share listing: %d ids, %d counts", len(record.CampaignIDs), len(record.Counts))
	}
	for i, id := range record.CampaignIDs {
		// Zero id or zero count means "never held", not "held zero".
		if id == 0 || record.Counts[i] == 0 {
			continue
		}
		shares[id] = record.Counts[i]
	}
	return shares, nil
}

// phantomSlot reports whether a record describes a slot that was never
// populated: null-address entrepreneur, empty title, or no share target. Such
// slots must never surface as campaigns.
func phantomSlot(c Campaign) bool {
	return c.Entrepreneur == (common.Address{}) || c.Title == "" || c.SharesNeeded == 0
}

// isBanned tests ban-list membership. Addresses are compared as 20-byte
// values, so hex casing of either side cannot matter.
func isBanned(banned []common.Address, identity common.Address) bool {
	for _, addr := range banned {
		if addr == identity {
			return true
		}
	}
	return false
}
