package intents

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"crowdwatch/ledger"
	"crowdwatch/reconcile"
	"crowdwatch/snapshot"
)

var (
	ownerAddr        = common.HexToAddress("0x00000000000000000000000000000000000000d0")
	adminAddr        = common.HexToAddress("0x153dfef4355E823dCB0FCc76Efe942BefCa86477")
	entrepreneurAddr = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	backerAddr       = common.HexToAddress("0x00000000000000000000000000000000000000f2")
)

type submitted struct {
	action  string
	value   *big.Int
	target  common.Address
	payload string
}

type fakeWriter struct {
	mu    sync.Mutex
	calls []submitted
	err   error
}

func (w *fakeWriter) record(s submitted) (ledger.TransactionOutcome, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return ledger.TransactionOutcome{}, w.err
	}
	w.calls = append(w.calls, s)
	return ledger.TransactionOutcome{BlockNumber: 1}, nil
}

func (w *fakeWriter) CreateCampaign(_ context.Context, _ common.Address, title string, _ *big.Int, _ uint64, fee *big.Int) (ledger.TransactionOutcome, error) {
	return w.record(submitted{action: "create", value: fee, payload: title})
}

func (w *fakeWriter) FundCampaign(_ context.Context, _ common.Address, _, _ uint64, payment *big.Int) (ledger.TransactionOutcome, error) {
	return w.record(submitted{action: "fund", value: payment})
}

func (w *fakeWriter) CompleteCampaign(context.Context, common.Address, uint64) (ledger.TransactionOutcome, error) {
	return w.record(submitted{action: "complete"})
}

func (w *fakeWriter) CancelCampaign(context.Context, common.Address, uint64) (ledger.TransactionOutcome, error) {
	return w.record(submitted{action: "cancel"})
}

func (w *fakeWriter) RefundBacker(context.Context, common.Address) (ledger.TransactionOutcome, error) {
	return w.record(submitted{action: "refund"})
}

func (w *fakeWriter) OwnerWithdrawal(context.Context, common.Address) (ledger.TransactionOutcome, error) {
	return w.record(submitted{action: "withdraw"})
}

func (w *fakeWriter) ChangeContractOwner(_ context.Context, _ common.Address, newOwner common.Address) (ledger.TransactionOutcome, error) {
	return w.record(submitted{action: "changeOwner", target: newOwner})
}

func (w *fakeWriter) AddBannedAddress(_ context.Context, _ common.Address, banned common.Address) (ledger.TransactionOutcome, error) {
	return w.record(submitted{action: "ban", target: banned})
}

func (w *fakeWriter) DestroyContract(context.Context, common.Address) (ledger.TransactionOutcome, error) {
	return w.record(submitted{action: "destroy"})
}

func (w *fakeWriter) submissions() []submitted {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]submitted(nil), w.calls...)
}

type fakeState struct {
	mu        sync.Mutex
	snap      *snapshot.Snapshot
	refreshes []string
}

func (s *fakeState) Snapshot() *snapshot.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *fakeState) Refresh(_ common.Address, trigger string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshes = append(s.refreshes, trigger)
}

func (s *fakeState) refreshCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refreshes)
}

func baseSnapshot(identity common.Address) *snapshot.Snapshot {
	return &snapshot.Snapshot{
		Identity: identity,
		Owner:    ownerAddr,
		Balance:  big.NewInt(0),
		Active: []snapshot.Campaign{
			{ID: 3, Entrepreneur: entrepreneurAddr, Title: "Alpha", ShareCost: big.NewInt(500), SharesNeeded: 5, SharesSold: 5},
			{ID: 4, Entrepreneur: entrepreneurAddr, Title: "Beta", ShareCost: big.NewInt(200), SharesNeeded: 10, SharesSold: 1},
		},
		Canceled: []snapshot.Campaign{
			{ID: 9, Entrepreneur: entrepreneurAddr, Title: "Omega", ShareCost: big.NewInt(100), SharesNeeded: 2, SharesSold: 1, Cancelled: true},
		},
		Shares: map[uint64]uint64{9: 1},
	}
}

func newTestController(snap *snapshot.Snapshot) (*Controller, *fakeWriter, *fakeState) {
	writer := &fakeWriter{}
	state := &fakeState{snap: snap}
	return NewController(writer, state, adminAddr, nil, nil), writer, state
}

func TestCreateCampaignAttachesFee(t *testing.T) {
	ctrl, writer, state := newTestController(baseSnapshot(backerAddr))

	msg, err := ctrl.CreateCampaign(context.Background(), backerAddr, "Gamma", "0.5", 10)
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	if msg != "Campaign created successfully!" {
		t.Fatalf("message = %q", msg)
	}
	calls := writer.submissions()
	if len(calls) != 1 {
		t.Fatalf("submissions = %d, want 1", len(calls))
	}
	wantFee, _ := ledger.ParseAmount(DefaultCreationFee)
	if calls[0].value.Cmp(wantFee) != 0 {
		t.Fatalf("fee = %s, want %s", calls[0].value, wantFee)
	}
	if state.refreshCount() != 1 {
		t.Fatalf("refreshes = %d, want 1", state.refreshCount())
	}
}

func TestCreateCampaignValidation(t *testing.T) {
	tests := []struct {
		name         string
		identity     common.Address
		title        string
		cost         string
		sharesNeeded uint64
		mutate       func(*snapshot.Snapshot)
	}{
		{name: "empty title", identity: backerAddr, title: "  ", cost: "0.5", sharesNeeded: 10},
		{name: "zero shares", identity: backerAddr, title: "Gamma", cost: "0.5", sharesNeeded: 0},
		{name: "bad cost", identity: backerAddr, title: "Gamma", cost: "abc", sharesNeeded: 10},
		{name: "zero cost", identity: backerAddr, title: "Gamma", cost: "0", sharesNeeded: 10},
		{name: "duplicate title", identity: backerAddr, title: "Alpha", cost: "0.5", sharesNeeded: 10},
		{name: "banned identity", identity: backerAddr, title: "Gamma", cost: "0.5", sharesNeeded: 10,
			mutate: func(s *snapshot.Snapshot) { s.Banned = true }},
		{name: "destroyed contract", identity: backerAddr, title: "Gamma", cost: "0.5", sharesNeeded: 10,
			mutate: func(s *snapshot.Snapshot) { s.Destroyed = true }},
		{name: "owner blocked", identity: ownerAddr, title: "Gamma", cost: "0.5", sharesNeeded: 10},
		{name: "admin blocked", identity: adminAddr, title: "Gamma", cost: "0.5", sharesNeeded: 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := baseSnapshot(tt.identity)
			if tt.mutate != nil {
				tt.mutate(snap)
			}
			ctrl, writer, state := newTestController(snap)

			_, err := ctrl.CreateCampaign(context.Background(), tt.identity, tt.title, tt.cost, tt.sharesNeeded)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected ErrValidation, got %v", err)
			}
			if len(writer.submissions()) != 0 {
				t.Fatal("validation failure must not submit")
			}
			// The refresh still fires so stale local state self-corrects.
			if state.refreshCount() != 1 {
				t.Fatalf("refreshes = %d, want 1", state.refreshCount())
			}
		})
	}
}

func TestPledgePaysOneShare(t *testing.T) {
	ctrl, writer, _ := newTestController(baseSnapshot(backerAddr))

	if _, err := ctrl.Pledge(context.Background(), backerAddr, 4); err != nil {
		t.Fatalf("Pledge: %v", err)
	}
	calls := writer.submissions()
	if len(calls) != 1 || calls[0].value.Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("submissions = %+v, want one payment of 200", calls)
	}
}

func TestPledgeUnknownCampaignIsStale(t *testing.T) {
	ctrl, writer, _ := newTestController(baseSnapshot(backerAddr))

	_, err := ctrl.Pledge(context.Background(), backerAddr, 77)
	if !errors.Is(err, reconcile.ErrStaleSnapshot) {
		t.Fatalf("expected ErrStaleSnapshot, got %v", err)
	}
	if len(writer.submissions()) != 0 {
		t.Fatal("stale pledge must not submit")
	}
}

func TestPledgeNonActiveCampaignIsInvalid(t *testing.T) {
	ctrl, _, _ := newTestController(baseSnapshot(backerAddr))

	_, err := ctrl.Pledge(context.Background(), backerAddr, 9)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for cancelled campaign, got %v", err)
	}
}

func TestFulfillPermissions(t *testing.T) {
	tests := []struct {
		name     string
		identity common.Address
		wantErr  bool
	}{
		{name: "entrepreneur", identity: entrepreneurAddr},
		{name: "owner", identity: ownerAddr},
		{name: "admin", identity: adminAddr},
		{name: "stranger", identity: backerAddr, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl, writer, _ := newTestController(baseSnapshot(tt.identity))

			_, err := ctrl.Fulfill(context.Background(), tt.identity, 3)
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("expected ErrValidation, got %v", err)
				}
				if len(writer.submissions()) != 0 {
					t.Fatal("rejected fulfil must not submit")
				}
				return
			}
			if err != nil {
				t.Fatalf("Fulfill: %v", err)
			}
		})
	}
}

func TestFulfillRequiresTargetMet(t *testing.T) {
	ctrl, _, _ := newTestController(baseSnapshot(entrepreneurAddr))

	// Campaign 4 has sold 1 of 10 shares.
	_, err := ctrl.Fulfill(context.Background(), entrepreneurAddr, 4)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestRefundRequiresRefundableShares(t *testing.T) {
	snap := baseSnapshot(backerAddr)
	snap.Shares = map[uint64]uint64{}
	ctrl, writer, _ := newTestController(snap)

	_, err := ctrl.Refund(context.Background(), backerAddr)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if len(writer.submissions()) != 0 {
		t.Fatal("refund without holdings must not submit")
	}

	ctrl, writer, _ = newTestController(baseSnapshot(backerAddr))
	if _, err := ctrl.Refund(context.Background(), backerAddr); err != nil {
		t.Fatalf("Refund: %v", err)
	}
	if len(writer.submissions()) != 1 {
		t.Fatalf("submissions = %d, want 1", len(writer.submissions()))
	}
}

func TestAdminGates(t *testing.T) {
	ctx := context.Background()

	ctrl, writer, _ := newTestController(baseSnapshot(backerAddr))
	if _, err := ctrl.WithdrawFees(ctx, backerAddr); !errors.Is(err, ErrValidation) {
		t.Fatalf("WithdrawFees as stranger: %v", err)
	}
	if _, err := ctrl.Destroy(ctx, backerAddr); !errors.Is(err, ErrValidation) {
		t.Fatalf("Destroy as stranger: %v", err)
	}
	if _, err := ctrl.ChangeOwner(ctx, backerAddr, backerAddr.Hex()); !errors.Is(err, ErrValidation) {
		t.Fatalf("ChangeOwner as stranger: %v", err)
	}
	if _, err := ctrl.BanAddress(ctx, backerAddr, backerAddr.Hex()); !errors.Is(err, ErrValidation) {
		t.Fatalf("BanAddress as stranger: %v", err)
	}
	if len(writer.submissions()) != 0 {
		t.Fatal("no admin action may submit for a stranger")
	}

	ctrl, _, _ = newTestController(baseSnapshot(ownerAddr))
	if _, err := ctrl.WithdrawFees(ctx, ownerAddr); err != nil {
		t.Fatalf("WithdrawFees as owner: %v", err)
	}
	ctrl, _, _ = newTestController(baseSnapshot(adminAddr))
	if _, err := ctrl.Destroy(ctx, adminAddr); err != nil {
		t.Fatalf("Destroy as admin: %v", err)
	}
}

func TestIdentityMismatchIsStale(t *testing.T) {
	// The snapshot still reflects the previous account; intents for the new
	// one must wait for the rebuild rather than validate against it.
	ctrl, writer, _ := newTestController(baseSnapshot(entrepreneurAddr))

	_, err := ctrl.Pledge(context.Background(), backerAddr, 4)
	if !errors.Is(err, reconcile.ErrStaleSnapshot) {
		t.Fatalf("expected ErrStaleSnapshot, got %v", err)
	}
	if len(writer.submissions()) != 0 {
		t.Fatal("mismatched identity must not submit")
	}
}

func TestChangeOwnerRejectsBadAddress(t *testing.T) {
	ctrl, writer, _ := newTestController(baseSnapshot(ownerAddr))

	_, err := ctrl.ChangeOwner(context.Background(), ownerAddr, "not-an-address")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if len(writer.submissions()) != 0 {
		t.Fatal("invalid address must not submit")
	}
}

func TestBanAddressTargetsParsedAddress(t *testing.T) {
	ctrl, writer, _ := newTestController(baseSnapshot(adminAddr))

	if _, err := ctrl.BanAddress(context.Background(), adminAddr, entrepreneurAddr.Hex()); err != nil {
		t.Fatalf("BanAddress: %v", err)
	}
	calls := writer.submissions()
	if len(calls) != 1 || calls[0].target != entrepreneurAddr {
		t.Fatalf("submissions = %+v", calls)
	}
}

func TestSubmitErrorPassesThroughAndRefreshes(t *testing.T) {
	writer := &fakeWriter{err: ledger.ErrInsufficientFunds}
	state := &fakeState{snap: baseSnapshot(backerAddr)}
	ctrl := NewController(writer, state, adminAddr, nil, nil)

	_, err := ctrl.Pledge(context.Background(), backerAddr, 4)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if state.refreshCount() != 1 {
		t.Fatalf("refreshes = %d, want 1", state.refreshCount())
	}
}

func TestNoSnapshotIsStale(t *testing.T) {
	ctrl, writer, _ := newTestController(nil)

	_, err := ctrl.Pledge(context.Background(), backerAddr, 4)
	if !errors.Is(err, reconcile.ErrStaleSnapshot) {
		t.Fatalf("expected ErrStaleSnapshot, got %v", err)
	}
	if len(writer.submissions()) != 0 {
		t.Fatal("no submission without a snapshot")
	}
}
