package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the on-chain credential status. The numeric values match the
// enum layout of the registry contract and must not be reordered.
type Status uint8

const (
	StatusPending Status = iota
	StatusApproved
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusRejected:
		return "rejected"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Status) UnmarshalJSON(data []byte) error {
	var label string
	if err := json.Unmarshal(data, &label); err != nil {
		return err
	}
	switch label {
	case "pending":
		*s = StatusPending
	case "approved":
		*s = StatusApproved
	case "rejected":
		*s = StatusRejected
	default:
		return fmt.Errorf("unknown status %q", label)
	}
	return nil
}

// Snapshot is the on-chain view of a single credential token.
type Snapshot struct {
	ID       uint64
	Holder   common.Address
	Issuer   common.Address
	URI      string
	Status   Status
	IssuedAt int64
}

// MintResult carries the ledger-assigned credential id and the transaction
// that created it.
type MintResult struct {
	ID     uint64
	TxHash common.Hash
}

// Client wraps the on-chain registry contract. Write operations submit a
// transaction and block until it is included, then inspect the receipt.
// Implementations must report failures using the typed errors below so that
// callers can distinguish reverts from transport failures and from
// confirmation timeouts.
//
// SetStatus succeeds with zero state change when the current on-chain status
// already equals the requested one. The coordinator's retry policy relies on
// this no-op contract.
type Client interface {
	Mint(ctx context.Context, holder common.Address, uri string) (*MintResult, error)
	SetStatus(ctx context.Context, id uint64, status Status) (common.Hash, error)
	Read(ctx context.Context, id uint64) (*Snapshot, error)
	OwnerOf(ctx context.Context, id uint64) (common.Address, error)
	TotalCount(ctx context.Context) (uint64, error)
	IssuerAuthorized(ctx context.Context, issuer common.Address) (bool, error)
}

// RejectedError reports a reverted transaction. It is not retryable; the
// revert reason, when available, is surfaced for manual reconciliation.
type RejectedError struct {
	Reason string
	TxHash common.Hash
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return "ledger rejected transaction"
	}
	return "ledger rejected transaction: " + e.Reason
}

func (e *RejectedError) Is(err error) bool {
	_, ok := err.(*RejectedError)
	return ok
}

// UnreachableError reports a transport failure before or during submission.
// The operation did not reach the chain and is safe to retry with backoff.
type UnreachableError struct {
	msg string
	err error
}

func (e *UnreachableError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("ledger unreachable: %s: %v", e.msg, e.err)
	}
	return "ledger unreachable: " + e.msg
}

func (e *UnreachableError) Unwrap() error { return e.err }

func (e *UnreachableError) Is(err error) bool {
	_, ok := err.(*UnreachableError)
	return ok
}

// TimeoutError reports that a submitted transaction was not observed as
// included within the confirmation bound. The outcome is ambiguous: the
// transaction may still land. Callers must only retry through idempotent
// paths and must never re-submit a mint after seeing this error.
type TimeoutError struct {
	TxHash common.Hash
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timed out waiting for transaction %s", e.TxHash.Hex())
}

func (e *TimeoutError) Is(err error) bool {
	_, ok := err.(*TimeoutError)
	return ok
}
