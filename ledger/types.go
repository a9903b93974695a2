package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// CampaignRecord is the fixed shape of one getCampaignInfo result. Values are
// converted from the call's raw output at the gateway boundary so nothing
// downstream ever inspects untyped ABI values.
type CampaignRecord struct {
	ID           uint64
	Entrepreneur common.Address
	Title        string
	ShareCost    *big.Int
	SharesNeeded uint64
	SharesSold   uint64
	Fulfilled    bool
	Cancelled    bool
}

// BackersRecord pairs a campaign's backers with their invested amounts. The
// two slices are index-aligned.
type BackersRecord struct {
	Backers     []common.Address
	Investments []*big.Int
}

// SharesRecord is the paired (campaignId, shareCount) listing returned by
// getBackerShares. The two slices are index-aligned; zero entries are the
// ledger's "never held" padding and are preserved here for the builder to
// drop.
type SharesRecord struct {
	CampaignIDs []uint64
	Counts      []uint64
}

// TransactionOutcome describes an acknowledged write submission.
type TransactionOutcome struct {
	Hash        common.Hash
	BlockNumber uint64
	GasUsed     uint64
}

// Event is one delivered contract notification.
type Event struct {
	Kind        EventKind
	BlockNumber uint64
	TxHash      common.Hash
	Topics      []common.Hash
	Data        []byte
}

// IsHexAddress reports whether raw is a syntactically valid ledger address.
func IsHexAddress(raw string) bool {
	return common.IsHexAddress(raw)
}
