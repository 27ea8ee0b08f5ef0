package chain

import "math/big"

// OutcomeKind enumerates every possible result of a verification attempt.
// Exactly one kind per attempt; never partially valid.
type OutcomeKind uint8

const (
	Valid OutcomeKind = iota
	InsufficientAmount
	TransactionNotFound
	TransactionFailed
	WrongRecipient
	WrongSender
	AlreadyConsumed
	ChainUnreachable
)

func (k OutcomeKind) String() string {
	switch k {
	case Valid:
		return "VALID"
	case InsufficientAmount:
		return "INSUFFICIENT_AMOUNT"
	case TransactionNotFound:
		return "TRANSACTION_NOT_FOUND"
	case TransactionFailed:
		return "TRANSACTION_FAILED"
	case WrongRecipient:
		return "WRONG_RECIPIENT"
	case WrongSender:
		return "WRONG_SENDER"
	case AlreadyConsumed:
		return "ALREADY_CONSUMED"
	case ChainUnreachable:
		return "CHAIN_UNREACHABLE"
	default:
		return "UNKNOWN"
	}
}

// Reason is the machine-readable rejection code surfaced to clients.
func (k OutcomeKind) Reason() string {
	switch k {
	case InsufficientAmount:
		return "insufficient_amount"
	case TransactionNotFound:
		return "transaction_not_found"
	case TransactionFailed:
		return "transaction_failed"
	case WrongRecipient:
		return "wrong_recipient"
	case WrongSender:
		return "wrong_sender"
	case AlreadyConsumed:
		return "already_consumed"
	case ChainUnreachable:
		return "chain_unreachable"
	default:
		return ""
	}
}

// Outcome is the tagged verification result. ActualAmount and ActualSender
// are set only for Valid, and always come from the decoded chain event,
// never from the client's claim.
type Outcome struct {
	Kind         OutcomeKind
	ActualAmount *big.Int
	ActualSender string
}

func reject(kind OutcomeKind) Outcome { return Outcome{Kind: kind} }
