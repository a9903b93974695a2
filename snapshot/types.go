package snapshot

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Category is a campaign's lifecycle bucket. It is derived from the
// fulfilled/cancelled flags, never stored on its own.
type Category string

const (
	CategoryActive    Category = "active"
	CategoryFulfilled Category = "fulfilled"
	CategoryCanceled  Category = "canceled"
)

// Campaign is the read-model of one campaign slot. SharesSold never exceeds
// SharesNeeded; fulfilled and cancelled are mutually exclusive terminal
// states.
type Campaign struct {
	ID           uint64
	Entrepreneur common.Address
	Title        string
	ShareCost    *big.Int
	SharesNeeded uint64
	SharesSold   uint64
	Fulfilled    bool
	Cancelled    bool
	Backers      []common.Address
	Investments  []*big.Int
}

// Category derives the lifecycle bucket from the terminal flags.
func (c Campaign) Category() Category {
	switch {
	case c.Cancelled:
		return CategoryCanceled
	case c.Fulfilled:
		return CategoryFulfilled
	default:
		return CategoryActive
	}
}

// Snapshot is the full read-model for one acting identity. A Snapshot is
// immutable once built; a refresh produces a new one that replaces the old
// atomically. Consumers must not mutate it.
type Snapshot struct {
	Identity      common.Address
	Owner         common.Address
	Balance       *big.Int
	CollectedFees *big.Int
	Active        []Campaign
	Fulfilled     []Campaign
	Canceled      []Campaign
	Shares        map[uint64]uint64
	Banned        bool
	Destroyed     bool
}

// AllCampaigns returns the union of the three category lists.
func (s *Snapshot) AllCampaigns() []Campaign {
	if s == nil {
		return nil
	}
	all := make([]Campaign, 0, len(s.Active)+len(s.Fulfilled)+len(s.Canceled))
	all = append(all, s.Active...)
	all = append(all, s.Fulfilled...)
	all = append(all, s.Canceled...)
	return all
}

// TitleInUse reports whether any known campaign, in any category, already
// carries the given title. The check is advisory: the ledger remains the
// final authority on uniqueness.
func (s *Snapshot) TitleInUse(title string) bool {
	if s == nil {
		return false
	}
	for _, c := range s.AllCampaigns() {
		if c.Title == title {
			return true
		}
	}
	return false
}

// ActiveCampaign looks up an active campaign by id.
func (s *Snapshot) ActiveCampaign(id uint64) (Campaign, bool) {
	if s == nil {
		return Campaign{}, false
	}
	for _, c := range s.Active {
		if c.ID == id {
			return c, true
		}
	}
	return Campaign{}, false
}

// Campaign looks up a campaign by id across all categories.
func (s *Snapshot) Campaign(id uint64) (Campaign, bool) {
	if s == nil {
		return Campaign{}, false
	}
	for _, c := range s.AllCampaigns() {
		if c.ID == id {
			return c, true
		}
	}
	return Campaign{}, false
}

// RefundableShares reports whether the identity holds shares in any cancelled
// campaign, i.e. whether a refund call can settle anything.
func (s *Snapshot) RefundableShares() bool {
	if s == nil {
		return false
	}
	for _, c := range s.Canceled {
		if s.Shares[c.ID] > 0 {
			return true
		}
	}
	return false
}
