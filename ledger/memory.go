package ledger

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryLedger is an in-process Client used by tests and local development.
// It serializes writes per instance and honors the same idempotent no-op
// contract for SetStatus as the registry contract. Single failures can be
// injected to exercise the coordinator's retry policy, including the
// "transaction landed but confirmation timed out" case.
type MemoryLedger struct {
	mu         sync.Mutex
	issuer     common.Address
	tokens     []*Snapshot
	authorized map[common.Address]bool
	now        func() int64

	mintCalls        int
	nextMintErr      error
	nextSetStatusErr error
	applyOnErr       bool
}

func NewMemoryLedger(issuer common.Address, now func() int64) *MemoryLedger {
	l := &MemoryLedger{
		issuer:     issuer,
		authorized: make(map[common.Address]bool),
		now:        now,
	}
	l.authorized[issuer] = true
	return l
}

func (l *MemoryLedger) Mint(ctx context.Context, holder common.Address, uri string) (*MintResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.mintCalls++
	injected := l.nextMintErr
	l.nextMintErr = nil
	if injected != nil && !l.applyOnErr {
		return nil, injected
	}

	id := uint64(len(l.tokens) + 1)
	l.tokens = append(l.tokens, &Snapshot{
		ID:       id,
		Holder:   holder,
		Issuer:   l.issuer,
		URI:      uri,
		Status:   StatusPending,
		IssuedAt: l.now(),
	})
	if injected != nil {
		return nil, injected
	}
	return &MintResult{ID: id, TxHash: fakeTxHash(id)}, nil
}

func (l *MemoryLedger) SetStatus(ctx context.Context, id uint64, status Status) (common.Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tok, ok := l.token(id)
	if !ok {
		return common.Hash{}, &RejectedError{Reason: "unknown token"}
	}

	if err := l.nextSetStatusErr; err != nil {
		l.nextSetStatusErr = nil
		if l.applyOnErr && tok.Status == StatusPending {
			tok.Status = status
		}
		return fakeTxHash(id), err
	}

	// Idempotent no-op when the status already matches.
	if tok.Status == status {
		return fakeTxHash(id), nil
	}
	if tok.Status.Terminal() {
		return fakeTxHash(id), &RejectedError{Reason: "status already finalized"}
	}

	tok.Status = status
	return fakeTxHash(id), nil
}

func (l *MemoryLedger) Read(ctx context.Context, id uint64) (*Snapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tok, ok := l.token(id)
	if !ok {
		return nil, &RejectedError{Reason: "unknown token"}
	}
	snap := *tok
	return &snap, nil
}

func (l *MemoryLedger) OwnerOf(ctx context.Context, id uint64) (common.Address, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tok, ok := l.token(id)
	if !ok {
		return common.Address{}, &RejectedError{Reason: "unknown token"}
	}
	return tok.Holder, nil
}

func (l *MemoryLedger) TotalCount(ctx context.Context) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.tokens)), nil
}

func (l *MemoryLedger) IssuerAuthorized(ctx context.Context, issuer common.Address) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.authorized[issuer], nil
}

// Authorize flips the per-address issuer authorization flag.
func (l *MemoryLedger) Authorize(issuer common.Address, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.authorized[issuer] = ok
}

// FailNextMint makes the next Mint call return err. When applyAnyway is
// set, the token is still minted before the error is returned, simulating a
// mint whose confirmation the caller never observed.
func (l *MemoryLedger) FailNextMint(err error, applyAnyway bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextMintErr = err
	l.applyOnErr = applyAnyway
}

// FailNextSetStatus makes the next SetStatus call return err. When
// applyAnyway is set, the status change is still applied before the error
// is returned, simulating a transaction that landed after the caller
// stopped waiting for it.
func (l *MemoryLedger) FailNextSetStatus(err error, applyAnyway bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSetStatusErr = err
	l.applyOnErr = applyAnyway
}

// SetTokenIssuer overrides the recorded issuer of a token. Setting the zero
// address marks the token as never-issued for verification purposes.
func (l *MemoryLedger) SetTokenIssuer(id uint64, issuer common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tok, ok := l.token(id); ok {
		tok.Issuer = issuer
	}
}

// MintCalls reports how many times Mint has been invoked.
func (l *MemoryLedger) MintCalls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mintCalls
}

func (l *MemoryLedger) token(id uint64) (*Snapshot, bool) {
	if id == 0 || id > uint64(len(l.tokens)) {
		return nil, false
	}
	return l.tokens[id-1], true
}

func fakeTxHash(id uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(id))
}
