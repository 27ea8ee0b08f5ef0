package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/tollgate-labs/tollgate/internal/challenge"
	"github.com/tollgate-labs/tollgate/internal/payment"
	"github.com/tollgate-labs/tollgate/internal/replay"
)

// transferTopic is the ERC-20 Transfer(address,address,uint256) event signature.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// transfer is one decoded token transfer from a receipt's logs.
type transfer struct {
	from   common.Address
	to     common.Address
	amount *big.Int
}

// Verifier confirms claims against the chain. The claim is only a hint of
// which transaction to look up; every fact that gates the accept decision
// (sender, recipient, amount, success) is decoded from the receipt itself.
type Verifier struct {
	primary       ReceiptSource
	fallback      ReceiptSource
	guard         *replay.Guard
	confirmations uint64
	timeout       time.Duration
	log           *zap.Logger
}

// NewVerifier builds a Verifier over a primary receipt source and an
// optional fallback (nil to disable the retry).
func NewVerifier(primary, fallback ReceiptSource, guard *replay.Guard, confirmations uint64, timeout time.Duration, log *zap.Logger) *Verifier {
	if confirmations == 0 {
		confirmations = 1
	}
	return &Verifier{
		primary:       primary,
		fallback:      fallback,
		guard:         guard,
		confirmations: confirmations,
		timeout:       timeout,
		log:           log,
	}
}

// Verify runs the verification pipeline for one claim against one
// requirement. Chain-side failures are expressed as Outcome kinds; the
// error return is non-nil only when the replay store itself fails, which
// the caller must treat as transient infrastructure (fail closed).
func (v *Verifier) Verify(ctx context.Context, claim *payment.Claim, req challenge.Requirement) (Outcome, error) {
	// Cheap pre-check on the client's own claim; saves an RPC round-trip
	// on transactions the client admits are too small.
	if claim.ClaimedAmount().Cmp(req.MinAmount) < 0 {
		return reject(InsufficientAmount), nil
	}

	consumed, err := v.guard.IsConsumed(ctx, claim.TxHash)
	if err != nil {
		return Outcome{}, err
	}
	if consumed {
		return reject(AlreadyConsumed), nil
	}

	receipt, head, outcome := v.fetchReceipt(ctx, common.HexToHash(claim.TxHash))
	if receipt == nil {
		return outcome, nil
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return reject(TransactionFailed), nil
	}

	// Finality: an under-confirmed receipt is indistinguishable from one
	// that may yet be reorged away; surface it as not-found so the client
	// retries instead of being terminally rejected.
	if receipt.BlockNumber == nil || head+1 < receipt.BlockNumber.Uint64()+v.confirmations {
		return reject(TransactionNotFound), nil
	}

	token := common.HexToAddress(req.TokenContract)
	transfers := decodeTransfers(receipt.Logs, token)
	recipient := common.HexToAddress(req.Recipient)

	var match *transfer
	for i := range transfers {
		if transfers[i].to == recipient {
			match = &transfers[i]
			break
		}
	}
	if match == nil {
		return reject(WrongRecipient), nil
	}

	// The sender check binds the claim to the transaction: a mismatch means
	// a forged claim or proof reuse across accounts.
	if !strings.EqualFold(match.from.Hex(), claim.From) {
		return reject(WrongSender), nil
	}

	// Authoritative amount check, superseding whatever the client claimed.
	if match.amount.Cmp(req.MinAmount) < 0 {
		return reject(InsufficientAmount), nil
	}

	won, err := v.guard.CheckAndReserve(ctx, replay.Entry{
		TxHash:     claim.TxHash,
		ConsumedAt: time.Now().Unix(),
		Amount:     match.amount.String(),
		Sender:     match.from.Hex(),
	})
	if err != nil {
		return Outcome{}, err
	}
	if !won {
		// A concurrent request with the identical proof got there first.
		return reject(AlreadyConsumed), nil
	}

	return Outcome{
		Kind:         Valid,
		ActualAmount: match.amount,
		ActualSender: match.from.Hex(),
	}, nil
}

// fetchReceipt fetches the receipt and current head, trying the fallback
// endpoint once when the primary errors for any reason other than
// not-found. A nil receipt means the returned Outcome is terminal.
func (v *Verifier) fetchReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, uint64, Outcome) {
	receipt, head, err := v.fetchFrom(ctx, v.primary, hash)
	if err == nil {
		return receipt, head, Outcome{}
	}
	if errors.Is(err, ethereum.NotFound) {
		return nil, 0, reject(TransactionNotFound)
	}

	if v.fallback != nil {
		v.log.Warn("primary rpc failed, trying fallback", zap.String("tx", hash.Hex()), zap.Error(err))
		receipt, head, err = v.fetchFrom(ctx, v.fallback, hash)
		if err == nil {
			return receipt, head, Outcome{}
		}
		if errors.Is(err, ethereum.NotFound) {
			return nil, 0, reject(TransactionNotFound)
		}
	}

	v.log.Error("chain unreachable", zap.String("tx", hash.Hex()), zap.Error(err))
	return nil, 0, reject(ChainUnreachable)
}

func (v *Verifier) fetchFrom(ctx context.Context, src ReceiptSource, hash common.Hash) (*types.Receipt, uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	receipt, err := src.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, 0, err
	}
	// Head must come from the same endpoint as the receipt so the
	// confirmation count is internally consistent.
	head, err := src.BlockNumber(ctx)
	if err != nil {
		return nil, 0, err
	}
	return receipt, head, nil
}

// decodeTransfers extracts every Transfer event emitted by the configured
// token contract. Indexed from/to live in topics 1 and 2; the amount is
// the unindexed data word.
func decodeTransfers(logs []*types.Log, token common.Address) []transfer {
	var out []transfer
	for _, l := range logs {
		if l.Address != token || len(l.Topics) != 3 || l.Topics[0] != transferTopic {
			continue
		}
		out = append(out, transfer{
			from:   common.BytesToAddress(l.Topics[1].Bytes()),
			to:     common.BytesToAddress(l.Topics[2].Bytes()),
			amount: new(big.Int).SetBytes(l.Data),
		})
	}
	return out
}
