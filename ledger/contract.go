package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// ABI of the credential registry contract. Only the parts the engine calls.
const registryABI = `[
	{"type":"function","name":"issue","stateMutability":"nonpayable","inputs":[{"name":"holder","type":"address"},{"name":"uri","type":"string"}],"outputs":[]},
	{"type":"function","name":"setStatus","stateMutability":"nonpayable","inputs":[{"name":"tokenId","type":"uint256"},{"name":"status","type":"uint8"}],"outputs":[]},
	{"type":"function","name":"getCertificate","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"holder","type":"address"},{"name":"issuer","type":"address"},{"name":"uri","type":"string"},{"name":"status","type":"uint8"},{"name":"issuedAt","type":"uint256"}]},
	{"type":"function","name":"ownerOf","stateMutability":"view","inputs":[{"name":"tokenId","type":"uint256"}],"outputs":[{"name":"","type":"address"}]},
	{"type":"function","name":"totalCertificates","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"authorizedIssuer","stateMutability":"view","inputs":[{"name":"issuer","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"event","name":"Issued","inputs":[{"name":"tokenId","type":"uint256","indexed":true},{"name":"holder","type":"address","indexed":true},{"name":"issuer","type":"address","indexed":true}]}
]`

// ContractClient talks to the registry contract over an Ethereum JSON-RPC
// endpoint. Writes are submit-then-wait: Transact broadcasts, WaitMined
// blocks until inclusion or the confirmation timeout elapses.
type ContractClient struct {
	eth            *ethclient.Client
	contract       *bind.BoundContract
	abi            abi.ABI
	address        common.Address
	signer         *bind.TransactOpts
	confirmTimeout time.Duration
	logger         *zap.Logger
}

func NewContractClient(
	rpcURL string,
	contractAddr common.Address,
	key *ecdsa.PrivateKey,
	chainID *big.Int,
	confirmTimeout time.Duration,
	logger *zap.Logger,
) (*ContractClient, error) {
	eth, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, &UnreachableError{msg: "dialing " + rpcURL, err: err}
	}

	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("parsing registry ABI: %w", err)
	}

	signer, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("building transactor: %w", err)
	}

	return &ContractClient{
		eth:            eth,
		contract:       bind.NewBoundContract(contractAddr, parsed, eth, eth, eth),
		abi:            parsed,
		address:        contractAddr,
		signer:         signer,
		confirmTimeout: confirmTimeout,
		logger:         logger,
	}, nil
}

func (c *ContractClient) Close() {
	c.eth.Close()
}

// Mint submits an issue transaction and waits for inclusion. The assigned
// credential id is recovered from the Issued event in the receipt.
func (c *ContractClient) Mint(ctx context.Context, holder common.Address, uri string) (*MintResult, error) {
	tx, err := c.contract.Transact(c.txOpts(ctx), "issue", holder, uri)
	if err != nil {
		return nil, c.classifySubmitError("issue", err)
	}

	receipt, err := c.waitMined(ctx, tx)
	if err != nil {
		return nil, err
	}

	id, err := c.issuedTokenID(receipt)
	if err != nil {
		return nil, err
	}

	c.logger.Info("Minted credential token",
		zap.Uint64("id", id),
		zap.String("holder", holder.Hex()),
		zap.String("tx", tx.Hash().Hex()))

	return &MintResult{ID: id, TxHash: tx.Hash()}, nil
}

// SetStatus flips the on-chain status of a credential. The contract treats
// a call whose target status equals the current one as a successful no-op.
func (c *ContractClient) SetStatus(ctx context.Context, id uint64, status Status) (common.Hash, error) {
	tx, err := c.contract.Transact(c.txOpts(ctx), "setStatus", new(big.Int).SetUint64(id), uint8(status))
	if err != nil {
		return common.Hash{}, c.classifySubmitError("setStatus", err)
	}

	if _, err := c.waitMined(ctx, tx); err != nil {
		return tx.Hash(), err
	}
	return tx.Hash(), nil
}

func (c *ContractClient) Read(ctx context.Context, id uint64) (*Snapshot, error) {
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "getCertificate", new(big.Int).SetUint64(id))
	if err != nil {
		return nil, c.classifyCallError("getCertificate", err)
	}

	issuedAt := out[4].(*big.Int)
	return &Snapshot{
		ID:       id,
		Holder:   out[0].(common.Address),
		Issuer:   out[1].(common.Address),
		URI:      out[2].(string),
		Status:   Status(out[3].(uint8)),
		IssuedAt: issuedAt.Int64(),
	}, nil
}

func (c *ContractClient) OwnerOf(ctx context.Context, id uint64) (common.Address, error) {
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "ownerOf", new(big.Int).SetUint64(id))
	if err != nil {
		return common.Address{}, c.classifyCallError("ownerOf", err)
	}
	return out[0].(common.Address), nil
}

func (c *ContractClient) TotalCount(ctx context.Context) (uint64, error) {
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "totalCertificates")
	if err != nil {
		return 0, c.classifyCallError("totalCertificates", err)
	}
	return out[0].(*big.Int).Uint64(), nil
}

func (c *ContractClient) IssuerAuthorized(ctx context.Context, issuer common.Address) (bool, error) {
	var out []interface{}
	err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "authorizedIssuer", issuer)
	if err != nil {
		return false, c.classifyCallError("authorizedIssuer", err)
	}
	return out[0].(bool), nil
}

func (c *ContractClient) txOpts(ctx context.Context) *bind.TransactOpts {
	opts := *c.signer
	opts.Context = ctx
	return &opts
}

// waitMined blocks until the transaction is included or the confirmation
// timeout elapses. A timeout is an ambiguous outcome: the transaction may
// still land, so it is reported as its own error kind.
func (c *ContractClient) waitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	// WaitMined swallows transient receipt-fetch errors and polls until the
	// context ends, so any error here means the confirmation window closed.
	receipt, err := bind.WaitMined(waitCtx, c.eth, tx)
	if err != nil {
		c.logger.Warn("Transaction confirmation not observed in time",
			zap.String("tx", tx.Hash().Hex()),
			zap.Duration("timeout", c.confirmTimeout))
		return nil, &TimeoutError{TxHash: tx.Hash()}
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		reason := c.revertReason(ctx, tx, receipt)
		c.logger.Warn("Transaction reverted",
			zap.String("tx", tx.Hash().Hex()),
			zap.String("reason", reason))
		return nil, &RejectedError{Reason: reason, TxHash: tx.Hash()}
	}

	return receipt, nil
}

// revertReason replays the reverted transaction as a call at its block to
// recover the revert string. Best effort; an empty reason is acceptable.
func (c *ContractClient) revertReason(ctx context.Context, tx *types.Transaction, receipt *types.Receipt) string {
	msg := ethereum.CallMsg{
		From:  c.signer.From,
		To:    tx.To(),
		Data:  tx.Data(),
		Value: tx.Value(),
	}
	_, err := c.eth.CallContract(ctx, msg, receipt.BlockNumber)
	if err == nil {
		return ""
	}
	return strings.TrimPrefix(err.Error(), "execution reverted: ")
}

func (c *ContractClient) issuedTokenID(receipt *types.Receipt) (uint64, error) {
	issuedTopic := c.abi.Events["Issued"].ID
	for _, l := range receipt.Logs {
		if l.Address != c.address || len(l.Topics) < 2 || l.Topics[0] != issuedTopic {
			continue
		}
		return new(big.Int).SetBytes(l.Topics[1].Bytes()).Uint64(), nil
	}
	return 0, fmt.Errorf("no Issued event in receipt for transaction %s", receipt.TxHash.Hex())
}

// classifySubmitError maps errors raised before a transaction is broadcast.
// Gas estimation surfaces contract reverts here, before submission.
func (c *ContractClient) classifySubmitError(method string, err error) error {
	if strings.Contains(err.Error(), "execution reverted") {
		return &RejectedError{Reason: strings.TrimPrefix(err.Error(), "execution reverted: ")}
	}
	return &UnreachableError{msg: "submitting " + method, err: err}
}

func (c *ContractClient) classifyCallError(method string, err error) error {
	if strings.Contains(err.Error(), "execution reverted") {
		return &RejectedError{Reason: strings.TrimPrefix(err.Error(), "execution reverted: ")}
	}
	return &UnreachableError{msg: "calling " + method, err: err}
}
