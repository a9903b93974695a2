package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// contractABIJSON is the externally owned crowdfunding contract's interface.
// Method names, argument shapes, and event names are the interoperability
// contract; the accounting behind them is the ledger's own business.
const contractABIJSON = `[
  {"type":"function","name":"owner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"ownerFunds","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"contractDestroyed","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getActiveCampaigns","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256[]"}]},
  {"type":"function","name":"getFulfiledCampaigns","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256[]"}]},
  {"type":"function","name":"getCancelledCampaigns","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256[]"}]},
  {"type":"function","name":"getCampaignInfo","stateMutability":"view","inputs":[{"name":"_campaignId","type":"uint256"}],"outputs":[
    {"name":"campaignId","type":"uint256"},
    {"name":"entrepreneur","type":"address"},
    {"name":"title","type":"string"},
    {"name":"shareCost","type":"uint256"},
    {"name":"sharesNeeded","type":"uint256"},
    {"name":"sharesCount","type":"uint256"},
    {"name":"fulfilled","type":"bool"},
    {"name":"cancelled","type":"bool"}]},
  {"type":"function","name":"getCampaignBackers","stateMutability":"view","inputs":[{"name":"_campaignId","type":"uint256"}],"outputs":[
    {"name":"backers","type":"address[]"},
    {"name":"investments","type":"uint256[]"}]},
  {"type":"function","name":"getBackerShares","stateMutability":"view","inputs":[{"name":"_backer","type":"address"}],"outputs":[
    {"name":"campaignIds","type":"uint256[]"},
    {"name":"shares","type":"uint256[]"}]},
  {"type":"function","name":"getBannedBackers","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address[]"}]},
  {"type":"function","name":"createCampaign","stateMutability":"payable","inputs":[
    {"name":"_title","type":"string"},
    {"name":"_shareCost","type":"uint256"},
    {"name":"_sharesNeeded","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"fundCampaign","stateMutability":"payable","inputs":[
    {"name":"_campaignId","type":"uint256"},
    {"name":"_shares","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"completeCampaign","stateMutability":"nonpayable","inputs":[{"name":"_campaignId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"cancelCampaign","stateMutability":"nonpayable","inputs":[{"name":"_campaignId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"refundBacker","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"ownerWithdrawal","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"changeContractOwner","stateMutability":"nonpayable","inputs":[{"name":"_newOwner","type":"address"}],"outputs":[]},
  {"type":"function","name":"addBannedAddress","stateMutability":"nonpayable","inputs":[{"name":"_banned","type":"address"}],"outputs":[]},
  {"type":"function","name":"destroyContract","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"event","name":"CampaignCreated","inputs":[
    {"name":"campaignId","type":"uint256","indexed":true},
    {"name":"entrepreneur","type":"address","indexed":true},
    {"name":"title","type":"string","indexed":false}],"anonymous":false},
  {"type":"event","name":"CampaignFunded","inputs":[
    {"name":"campaignId","type":"uint256","indexed":true},
    {"name":"backer","type":"address","indexed":true},
    {"name":"shares","type":"uint256","indexed":false}],"anonymous":false},
  {"type":"event","name":"CampaignCancelled","inputs":[{"name":"campaignId","type":"uint256","indexed":true}],"anonymous":false},
  {"type":"event","name":"CampaignFulfilled","inputs":[{"name":"campaignId","type":"uint256","indexed":true}],"anonymous":false},
  {"type":"event","name":"BackerRefunded","inputs":[
    {"name":"backer","type":"address","indexed":true},
    {"name":"amount","type":"uint256","indexed":false}],"anonymous":false},
  {"type":"event","name":"feesWithdrawn","inputs":[
    {"name":"_owner","type":"address","indexed":true},
    {"name":"funds","type":"uint256","indexed":false}],"anonymous":false},
  {"type":"event","name":"ownerChanged","inputs":[{"name":"_newOwner","type":"address","indexed":true}],"anonymous":false},
  {"type":"event","name":"addressBanned","inputs":[{"name":"_bannedAddress","type":"address","indexed":true}],"anonymous":false},
  {"type":"event","name":"destroyedContract","inputs":[{"name":"destroyed","type":"bool","indexed":false}],"anonymous":false}
]`

var contractABI = mustParseABI(contractABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// EventKind names one of the nine notification streams the contract emits.
type EventKind string

const (
	EventCampaignCreated   EventKind = "CampaignCreated"
	EventCampaignFunded    EventKind = "CampaignFunded"
	EventCampaignCancelled EventKind = "CampaignCancelled"
	EventCampaignFulfilled EventKind = "CampaignFulfilled"
	EventBackerRefunded    EventKind = "BackerRefunded"
	EventFeesWithdrawn     EventKind = "feesWithdrawn"
	EventOwnerChanged      EventKind = "ownerChanged"
	EventAddressBanned     EventKind = "addressBanned"
	EventContractDestroyed EventKind = "destroyedContract"
)

// EventKinds lists every stream in a stable order.
func EventKinds() []EventKind {
	return []EventKind{
		EventCampaignCreated,
		EventCampaignFunded,
		EventCampaignCancelled,
		EventCampaignFulfilled,
		EventBackerRefunded,
		EventFeesWithdrawn,
		EventOwnerChanged,
		EventAddressBanned,
		EventContractDestroyed,
	}
}

func (k EventKind) topic() (common.Hash, bool) {
	ev, ok := contractABI.Events[string(k)]
	if !ok {
		return common.Hash{}, false
	}
	return ev.ID, true
}
