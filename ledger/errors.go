package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy for the gateway boundary. Callers branch on these with
// errors.Is; the wrapped detail carries the node's own message.
var (
	// ErrRemoteCall indicates the ledger call itself failed (network or node
	// issue). Reads failing with it abort the current build only; writes
	// failing with it abort that single write only.
	ErrRemoteCall = errors.New("ledger: remote call failed")

	// ErrRejectedByUser indicates the signer declined to approve the
	// transaction.
	ErrRejectedByUser = errors.New("ledger: rejected by user")

	// ErrInsufficientFunds indicates the sender cannot cover value plus gas.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
)

// classifySubmitError maps node-side submission failures onto the gateway
// taxonomy. Geth and friends report funding problems only as message text, so
// the match is on the canonical substring.
func classifySubmitError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRejectedByUser) || errors.Is(err, ErrInsufficientFunds) {
		return err
	}
	if strings.Contains(strings.ToLower(err.Error()), "insufficient funds") {
		return fmt.Errorf("%w: %s: %v", ErrInsufficientFunds, op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrRemoteCall, op, err)
}

func remoteErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrRemoteCall, op, err)
}
