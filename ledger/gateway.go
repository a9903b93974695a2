package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"crowdwatch/observability"
)

// Node defines the subset of the Ethereum RPC the gateway uses for view calls
// and write submissions.
type Node interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// LogStreamer is the push-notification side of the RPC, typically served over
// a websocket endpoint separate from the call endpoint.
type LogStreamer interface {
	SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- gethtypes.Log) (ethereum.Subscription, error)
}

// Signer authorises a write on behalf of the acting identity. An external
// wallet declining returns ErrRejectedByUser.
type Signer interface {
	SignTx(ctx context.Context, from common.Address, tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error)
}

const receiptPollInterval = 500 * time.Millisecond

// Gateway is the typed boundary to the crowdfunding contract. Every read
// result is converted into a fixed record shape here; every write is packed,
// signed, submitted, and waited on until the node acknowledges a receipt.
type Gateway struct {
	contract common.Address
	node     Node
	streamer LogStreamer
	signer   Signer
	log      *slog.Logger
	metrics  *observability.GatewayMetrics

	chainMu sync.Mutex
	chainID *big.Int
}

// NewGateway wires a gateway against the given contract address. The streamer
// may be nil when no subscription endpoint is configured; Subscribe then
// fails.
func NewGateway(contract common.Address, node Node, streamer LogStreamer, signer Signer, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		contract: contract,
		node:     node,
		streamer: streamer,
		signer:   signer,
		log:      logger.With("component", "ledger"),
		metrics:  observability.Gateway(),
	}
}

// Contract returns the bound contract address.
func (g *Gateway) Contract() common.Address { return g.contract }

func (g *Gateway) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	start := time.Now()
	vals, err := g.doCall(ctx, method, args...)
	g.metrics.ObserveCall(method, time.Since(start), err)
	return vals, err
}

func (g *Gateway) doCall(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &g.contract, Data: data}
	out, err := g.node.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, remoteErr(method, err)
	}
	vals, err := contractABI.Unpack(method, out)
	if err != nil {
		return nil, remoteErr(method, err)
	}
	return vals, nil
}

// Owner returns the contract's registered owner.
func (g *Gateway) Owner(ctx context.Context) (common.Address, error) {
	vals, err := g.call(ctx, "owner")
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := first[common.Address](vals)
	if !ok {
		return common.Address{}, remoteErr("owner", errUnexpectedShape)
	}
	return addr, nil
}

// ContractBalance returns the ether held by the contract itself.
func (g *Gateway) ContractBalance(ctx context.Context) (*big.Int, error) {
	start := time.Now()
	balance, err := g.node.BalanceAt(ctx, g.contract, nil)
	g.metrics.ObserveCall("contractBalance", time.Since(start), err)
	if err != nil {
		return nil, remoteErr("contractBalance", err)
	}
	return balance, nil
}

// OwnerFunds returns the fees accumulated for the owner.
func (g *Gateway) OwnerFunds(ctx context.Context) (*big.Int, error) {
	vals, err := g.call(ctx, "ownerFunds")
	if err != nil {
		return nil, err
	}
	funds, ok := first[*big.Int](vals)
	if !ok {
		return nil, remoteErr("ownerFunds", errUnexpectedShape)
	}
	return funds, nil
}

// Destroyed reports whether the contract has been destroyed.
func (g *Gateway) Destroyed(ctx context.Context) (bool, error) {
	vals, err := g.call(ctx, "contractDestroyed")
	if err != nil {
		return false, err
	}
	destroyed, ok := first[bool](vals)
	if !ok {
		return false, remoteErr("contractDestroyed", errUnexpectedShape)
	}
	return destroyed, nil
}

// ActiveCampaignIDs returns the raw active-category id list, sentinel slots
// included.
func (g *Gateway) ActiveCampaignIDs(ctx context.Context) ([]uint64, error) {
	return g.idList(ctx, "getActiveCampaigns")
}

// FulfilledCampaignIDs returns the raw fulfilled-category id list. The method
// name carries the contract's own spelling.
func (g *Gateway) FulfilledCampaignIDs(ctx context.Context) ([]uint64, error) {
	return g.idList(ctx, "getFulfiledCampaigns")
}

// CancelledCampaignIDs returns the raw cancelled-category id list.
func (g *Gateway) CancelledCampaignIDs(ctx context.Context) ([]uint64, error) {
	return g.idList(ctx, "getCancelledCampaigns")
}

func (g *Gateway) idList(ctx context.Context, method string) ([]uint64, error) {
	vals, err := g.call(ctx, method)
	if err != nil {
		return nil, err
	}
	raw, ok := first[[]*big.Int](vals)
	if !ok {
		return nil, remoteErr(method, errUnexpectedShape)
	}
	ids := make([]uint64, 0, len(raw))
	for _, id := range raw {
		v, err := toUint64(id)
		if err != nil {
			return nil, remoteErr(method, err)
		}
		ids = append(ids, v)
	}
	return ids, nil
}

// CampaignInfo fetches the full detail record for one campaign id.
func (g *Gateway) CampaignInfo(ctx context.Context, id uint64) (CampaignRecord, error) {
	vals, err := g.call(ctx, "getCampaignInfo", new(big.Int).SetUint64(id))
	if err != nil {
		return CampaignRecord{}, err
	}
	if len(vals) != 8 {
		return CampaignRecord{}, remoteErr("getCampaignInfo", errUnexpectedShape)
	}
	rawID, ok1 := vals[0].(*big.Int)
	entrepreneur, ok2 := vals[1].(common.Address)
	title, ok3 := vals[2].(string)
	shareCost, ok4 := vals[3].(*big.Int)
	needed, ok5 := vals[4].(*big.Int)
	sold, ok6 := vals[5].(*big.Int)
	fulfilled, ok7 := vals[6].(bool)
	cancelled, ok8 := vals[7].(bool)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7 && ok8) {
		return CampaignRecord{}, remoteErr("getCampaignInfo", errUnexpectedShape)
	}
	campaignID, err := toUint64(rawID)
	if err != nil {
		return CampaignRecord{}, remoteErr("getCampaignInfo", err)
	}
	sharesNeeded, err := toUint64(needed)
	if err != nil {
		return CampaignRecord{}, remoteErr("getCampaignInfo", err)
	}
	sharesSold, err := toUint64(sold)
	if err != nil {
		return CampaignRecord{}, remoteErr("getCampaignInfo", err)
	}
	return CampaignRecord{
		ID:           campaignID,
		Entrepreneur: entrepreneur,
		Title:        title,
		ShareCost:    shareCost,
		SharesNeeded: sharesNeeded,
		SharesSold:   sharesSold,
		Fulfilled:    fulfilled,
		Cancelled:    cancelled,
	}, nil
}

// CampaignBackers fetches the backer/investment sub-record for one campaign.
func (g *Gateway) CampaignBackers(ctx context.Context, id uint64) (BackersRecord, error) {
	vals, err := g.call(ctx, "getCampaignBackers", new(big.Int).SetUint64(id))
	if err != nil {
		return BackersRecord{}, err
	}
	if len(vals) != 2 {
		return BackersRecord{}, remoteErr("getCampaignBackers", errUnexpectedShape)
	}
	backers, ok1 := vals[0].([]common.Address)
	investments, ok2 := vals[1].([]*big.Int)
	if !ok1 || !ok2 {
		return BackersRecord{}, remoteErr("getCampaignBackers", errUnexpectedShape)
	}
	return BackersRecord{Backers: backers, Investments: investments}, nil
}

// BackerShares fetches the acting identity's holdings across all campaigns as
// a single paired listing.
func (g *Gateway) BackerShares(ctx context.Context, backer common.Address) (SharesRecord, error) {
	vals, err := g.call(ctx, "getBackerShares", backer)
	if err != nil {
		return SharesRecord{}, err
	}
	if len(vals) != 2 {
		return SharesRecord{}, remoteErr("getBackerShares", errUnexpectedShape)
	}
	rawIDs, ok1 := vals[0].([]*big.Int)
	rawCounts, ok2 := vals[1].([]*big.Int)
	if !ok1 || !ok2 {
		return SharesRecord{}, remoteErr("getBackerShares", errUnexpectedShape)
	}
	record := SharesRecord{
		CampaignIDs: make([]uint64, 0, len(rawIDs)),
		Counts:      make([]uint64, 0, len(rawCounts)),
	}
	for _, id := range rawIDs {
		v, err := toUint64(id)
		if err != nil {
			return SharesRecord{}, remoteErr("getBackerShares", err)
		}
		record.CampaignIDs = append(record.CampaignIDs, v)
	}
	for _, count := range rawCounts {
		v, err := toUint64(count)
		if err != nil {
			return SharesRecord{}, remoteErr("getBackerShares", err)
		}
		record.Counts = append(record.Counts, v)
	}
	return record, nil
}

// BannedBackers returns the contract's ban list.
func (g *Gateway) BannedBackers(ctx context.Context) ([]common.Address, error) {
	vals, err := g.call(ctx, "getBannedBackers")
	if err != nil {
		return nil, err
	}
	banned, ok := first[[]common.Address](vals)
	if !ok {
		return nil, remoteErr("getBannedBackers", errUnexpectedShape)
	}
	return banned, nil
}

// CreateCampaign submits a campaign creation carrying the creation fee.
func (g *Gateway) CreateCampaign(ctx context.Context, from common.Address, title string, shareCost *big.Int, sharesNeeded uint64, fee *big.Int) (TransactionOutcome, error) {
	return g.submit(ctx, from, fee, "createCampaign", title, shareCost, new(big.Int).SetUint64(sharesNeeded))
}

// FundCampaign submits a pledge for the given number of shares, carrying the
// matching payment.
func (g *Gateway) FundCampaign(ctx context.Context, from common.Address, id, shares uint64, payment *big.Int) (TransactionOutcome, error) {
	return g.submit(ctx, from, payment, "fundCampaign", new(big.Int).SetUint64(id), new(big.Int).SetUint64(shares))
}

// CompleteCampaign submits a fulfilment of the given campaign.
func (g *Gateway) CompleteCampaign(ctx context.Context, from common.Address, id uint64) (TransactionOutcome, error) {
	return g.submit(ctx, from, nil, "completeCampaign", new(big.Int).SetUint64(id))
}

// CancelCampaign submits a cancellation of the given campaign.
func (g *Gateway) CancelCampaign(ctx context.Context, from common.Address, id uint64) (TransactionOutcome, error) {
	return g.submit(ctx, from, nil, "cancelCampaign", new(big.Int).SetUint64(id))
}

// RefundBacker settles refunds for all of the sender's holdings in cancelled
// campaigns in one call.
func (g *Gateway) RefundBacker(ctx context.Context, from common.Address) (TransactionOutcome, error) {
	return g.submit(ctx, from, nil, "refundBacker")
}

// OwnerWithdrawal transfers the accumulated fees to the owner.
func (g *Gateway) OwnerWithdrawal(ctx context.Context, from common.Address) (TransactionOutcome, error) {
	return g.submit(ctx, from, nil, "ownerWithdrawal")
}

// ChangeContractOwner hands contract ownership to newOwner.
func (g *Gateway) ChangeContractOwner(ctx context.Context, from, newOwner common.Address) (TransactionOutcome, error) {
	return g.submit(ctx, from, nil, "changeContractOwner", newOwner)
}

// AddBannedAddress adds banned to the contract's ban list.
func (g *Gateway) AddBannedAddress(ctx context.Context, from, banned common.Address) (TransactionOutcome, error) {
	return g.submit(ctx, from, nil, "addBannedAddress", banned)
}

// DestroyContract destroys the contract, cancelling all active campaigns.
func (g *Gateway) DestroyContract(ctx context.Context, from common.Address) (TransactionOutcome, error) {
	return g.submit(ctx, from, nil, "destroyContract")
}

func (g *Gateway) submit(ctx context.Context, from common.Address, value *big.Int, method string, args ...interface{}) (TransactionOutcome, error) {
	outcome, err := g.doSubmit(ctx, from, value, method, args...)
	g.metrics.ObserveSubmission(method, err)
	if err != nil {
		g.log.Warn("write submission failed", "method", method, "err", err)
		return TransactionOutcome{}, err
	}
	g.log.Info("write acknowledged", "method", method, "tx", outcome.Hash.Hex(), "block", outcome.BlockNumber)
	return outcome, nil
}

func (g *Gateway) doSubmit(ctx context.Context, from common.Address, value *big.Int, method string, args ...interface{}) (TransactionOutcome, error) {
	if g.signer == nil {
		return TransactionOutcome{}, fmt.Errorf("%w: %s: no signer configured", ErrRemoteCall, method)
	}
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return TransactionOutcome{}, fmt.Errorf("pack %s: %w", method, err)
	}
	if value == nil {
		value = new(big.Int)
	}
	nonce, err := g.node.PendingNonceAt(ctx, from)
	if err != nil {
		return TransactionOutcome{}, remoteErr(method, err)
	}
	gasPrice, err := g.node.SuggestGasPrice(ctx)
	if err != nil {
		return TransactionOutcome{}, remoteErr(method, err)
	}
	msg := ethereum.CallMsg{From: from, To: &g.contract, Value: value, Data: data}
	gasLimit, err := g.node.EstimateGas(ctx, msg)
	if err != nil {
		return TransactionOutcome{}, classifySubmitError(method, err)
	}
	chainID, err := g.resolveChainID(ctx)
	if err != nil {
		return TransactionOutcome{}, remoteErr(method, err)
	}
	tx := gethtypes.NewTransaction(nonce, g.contract, value, gasLimit, gasPrice, data)
	signed, err := g.signer.SignTx(ctx, from, tx, chainID)
	if err != nil {
		if errors.Is(err, ErrRejectedByUser) {
			return TransactionOutcome{}, fmt.Errorf("%w: %s", ErrRejectedByUser, method)
		}
		return TransactionOutcome{}, classifySubmitError(method, err)
	}
	if err := g.node.SendTransaction(ctx, signed); err != nil {
		return TransactionOutcome{}, classifySubmitError(method, err)
	}
	receipt, err := g.waitReceipt(ctx, signed.Hash())
	if err != nil {
		return TransactionOutcome{}, classifySubmitError(method, err)
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return TransactionOutcome{}, fmt.Errorf("%w: %s: transaction %s reverted", ErrRemoteCall, method, signed.Hash().Hex())
	}
	outcome := TransactionOutcome{Hash: signed.Hash(), GasUsed: receipt.GasUsed}
	if receipt.BlockNumber != nil {
		outcome.BlockNumber = receipt.BlockNumber.Uint64()
	}
	return outcome, nil
}

// waitReceipt polls until the node acknowledges the transaction. The caller's
// context governs how long we are willing to wait.
func (g *Gateway) waitReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := g.node.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (g *Gateway) resolveChainID(ctx context.Context) (*big.Int, error) {
	g.chainMu.Lock()
	defer g.chainMu.Unlock()
	if g.chainID != nil {
		return g.chainID, nil
	}
	id, err := g.node.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	g.chainID = id
	return id, nil
}

var errUnexpectedShape = errors.New("unexpected result shape")

func first[T any](vals []interface{}) (T, bool) {
	var zero T
	if len(vals) != 1 {
		return zero, false
	}
	v, ok := vals[0].(T)
	return v, ok
}

func toUint64(v *big.Int) (uint64, error) {
	if v == nil {
		return 0, errors.New("nil numeric value")
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("value %s overflows uint64", v.String())
	}
	return v.Uint64(), nil
}
