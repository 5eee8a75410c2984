// Package evm settles transfers as ERC-20 token transfers on an EVM chain.
package evm

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/stake-reward-distributor/internal/ledger"
	"github.com/yourorg/stake-reward-distributor/internal/model"
	"github.com/yourorg/stake-reward-distributor/internal/units"
)

var (
	// transfer(address,uint256)
	transferSelector = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	// balanceOf(address)
	balanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]
	// Transfer(address,address,uint256)
	transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

	addressType, _ = abi.NewType("address", "", nil)
	uint256Type, _ = abi.NewType("uint256", "", nil)

	transferArgs  = abi.Arguments{{Name: "to", Type: addressType}, {Name: "value", Type: uint256Type}}
	balanceOfArgs = abi.Arguments{{Name: "owner", Type: addressType}}
	amountArgs    = abi.Arguments{{Name: "value", Type: uint256Type}}
)

// Client is the subset of an Ethereum RPC client the adapter needs.
// *ethclient.Client satisfies it.
type Client interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Ledger is an ERC-20 settlement ledger.
type Ledger struct {
	client   Client
	chainID  *big.Int
	key      *ecdsa.PrivateKey
	sender   common.Address
	gasLimit uint64
}

// New creates an adapter signing with key.
func New(client Client, chainID *big.Int, key *ecdsa.PrivateKey, gasLimit uint64) *Ledger {
	return &Ledger{
		client:   client,
		chainID:  chainID,
		key:      key,
		sender:   crypto.PubkeyToAddress(key.PublicKey),
		gasLimit: gasLimit,
	}
}

// Dial connects to rpcURL and loads the hex-encoded sender key.
func Dial(ctx context.Context, rpcURL string, chainID int64, keyHex string, gasLimit uint64) (*Ledger, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid sender key: %w", err)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", rpcURL, err)
	}
	return New(client, big.NewInt(chainID), key, gasLimit), nil
}

// Sender returns the address transfers are signed for.
func (l *Ledger) Sender() model.Address {
	return fromCommon(l.sender)
}

// Sequence returns the sender's pending nonce.
func (l *Ledger) Sequence(ctx context.Context, sender model.Address) (uint64, error) {
	addr, err := toCommon(sender)
	if err != nil {
		return 0, err
	}
	nonce, err := l.client.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("failed to read nonce for %s: %w", addr.Hex(), err)
	}
	return nonce, nil
}

// Balance calls balanceOf on the token contract.
func (l *Ledger) Balance(ctx context.Context, sender, asset model.Address) (*uint256.Int, error) {
	owner, err := toCommon(sender)
	if err != nil {
		return nil, err
	}
	token, err := toCommon(asset)
	if err != nil {
		return nil, err
	}

	packed, err := balanceOfArgs.Pack(owner)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf: %w", err)
	}
	data := make([]byte, 0, 4+len(packed))
	data = append(data, balanceOfSelector...)
	data = append(data, packed...)

	out, err := l.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("balanceOf call failed: %w", err)
	}
	bal, err := unpackAmount(out)
	if err != nil {
		return nil, fmt.Errorf("balanceOf returned %d bytes: %w", len(out), err)
	}
	return bal, nil
}

// Submit signs an ERC-20 transfer with the transfer's sequence as nonce and
// broadcasts it. The amount word is decoded from AmountHex, so a malformed
// encoding fails here rather than on chain.
//
// Failures before the broadcast and JSON-RPC errors from the node wrap
// model.ErrSubmissionRejected. Anything else during the broadcast wraps
// model.ErrSubmissionUnknown and still returns the transaction hash, so the
// outcome can be looked up later.
func (l *Ledger) Submit(ctx context.Context, t ledger.Transfer) (string, error) {
	if fromCommon(l.sender) != t.Sender {
		return "", notBroadcast(fmt.Errorf("transfer sender %s does not match signing key %s", t.Sender, l.sender.Hex()))
	}
	to, err := toCommon(t.Recipient)
	if err != nil {
		return "", notBroadcast(err)
	}
	token, err := toCommon(t.Asset)
	if err != nil {
		return "", notBroadcast(err)
	}
	data, err := TransferCallData(to, t.AmountHex)
	if err != nil {
		return "", notBroadcast(err)
	}

	gasPrice, err := l.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", notBroadcast(fmt.Errorf("failed to suggest gas price: %w", err))
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    t.Sequence,
		To:       &token,
		Value:    big.NewInt(0),
		Gas:      l.gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.NewEIP155Signer(l.chainID), l.key)
	if err != nil {
		return "", notBroadcast(fmt.Errorf("failed to sign transfer: %w", err))
	}
	hash := signed.Hash().Hex()
	log := logrus.WithFields(logrus.Fields{
		"tx":       hash,
		"nonce":    t.Sequence,
		"to":       to.Hex(),
		"amount":   t.AmountHex,
		"gasPrice": gasPrice.String(),
	})

	if err := l.client.SendTransaction(ctx, signed); err != nil {
		var rpcErr rpc.Error
		switch {
		case errors.As(err, &rpcErr) && strings.Contains(err.Error(), "already known"):
			log.Debug("Transfer already in the node's pool")
			return hash, nil
		case errors.As(err, &rpcErr):
			return "", fmt.Errorf("%w: %v", model.ErrSubmissionRejected, err)
		default:
			log.WithError(err).Warn("Broadcast outcome unknown")
			return hash, fmt.Errorf("%w: %v", model.ErrSubmissionUnknown, err)
		}
	}

	log.Debug("Transfer broadcast")
	return hash, nil
}

func notBroadcast(err error) error {
	return fmt.Errorf("%w: %w", model.ErrSubmissionRejected, err)
}

// Inspect fetches the receipt and decodes its Transfer events.
func (l *Ledger) Inspect(ctx context.Context, referenceID string) (ledger.Receipt, error) {
	hash := common.HexToHash(referenceID)
	rcpt, err := l.client.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return ledger.Receipt{}, fmt.Errorf("%w: %s", ledger.ErrReceiptNotFound, referenceID)
	}
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("failed to fetch receipt %s: %w", referenceID, err)
	}

	out := ledger.Receipt{
		ReferenceID: referenceID,
		Status:      ledger.StatusReverted,
	}
	if rcpt.Status == types.ReceiptStatusSuccessful {
		out.Status = ledger.StatusSuccess
	}
	if rcpt.BlockNumber != nil {
		out.Block = rcpt.BlockNumber.Uint64()
	}
	out.Events = DecodeTransferEvents(rcpt.Logs)
	return out, nil
}

// TransferCallData builds transfer(to, amount) call data. The packed amount
// word must equal the padded AmountHex.
func TransferCallData(to common.Address, amountHex string) ([]byte, error) {
	word, err := units.Bytes32(amountHex)
	if err != nil {
		return nil, err
	}
	packed, err := transferArgs.Pack(to, new(big.Int).SetBytes(word))
	if err != nil {
		return nil, fmt.Errorf("failed to pack transfer: %w", err)
	}
	if !bytes.Equal(packed[32:64], word) {
		return nil, fmt.Errorf("%w: packed amount differs from %s", model.ErrEncodingInvalid, amountHex)
	}
	data := make([]byte, 0, 4+len(packed))
	data = append(data, transferSelector...)
	data = append(data, packed...)
	return data, nil
}

// DecodeTransferEvents extracts ERC-20 Transfer events from logs.
func DecodeTransferEvents(logs []*types.Log) []ledger.Event {
	var events []ledger.Event
	for _, lg := range logs {
		if lg == nil || len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
			continue
		}
		amount, err := unpackAmount(lg.Data)
		if err != nil {
			continue
		}
		events = append(events, ledger.Event{
			Asset:  fromCommon(lg.Address),
			From:   model.Address(lg.Topics[1]),
			To:     model.Address(lg.Topics[2]),
			Amount: amount,
		})
	}
	return events
}

func unpackAmount(data []byte) (*uint256.Int, error) {
	vals, err := amountArgs.Unpack(data)
	if err != nil {
		return nil, err
	}
	v, ok := vals[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected amount type %T", vals[0])
	}
	amount, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("amount %s overflows 256 bits", v)
	}
	return amount, nil
}

func toCommon(a model.Address) (common.Address, error) {
	if !a.IsShort() {
		return common.Address{}, fmt.Errorf("address %s is not a 20-byte account", a)
	}
	return common.BytesToAddress(a[model.AddressLength-common.AddressLength:]), nil
}

func fromCommon(a common.Address) model.Address {
	var out model.Address
	copy(out[model.AddressLength-common.AddressLength:], a.Bytes())
	return out
}
