package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tollgate-labs/tollgate/internal/challenge"
	"github.com/tollgate-labs/tollgate/internal/payment"
	"github.com/tollgate-labs/tollgate/internal/replay"
)

var (
	tokenAddr     = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	recipientAddr = common.HexToAddress("0x209693Bc6afc0C5328bA36FaF03C514EF312287C")
	senderAddr    = common.HexToAddress("0x857b06519E91e3A54538791bDbb0E22373e36b66")
	otherAddr     = common.HexToAddress("0x1111111111111111111111111111111111111111")

	txHash = "0x" + strings.Repeat("ab", 31) + "01"
)

// mockSource is a ReceiptSource with call counting, so tests can assert
// that cheap rejections never reach the network.
type mockSource struct {
	mu           sync.Mutex
	receipts     map[common.Hash]*types.Receipt
	head         uint64
	err          error
	receiptCalls int32
}

func (m *mockSource) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	atomic.AddInt32(&m.receiptCalls, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if r, ok := m.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (m *mockSource) BlockNumber(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	return m.head, nil
}

func (m *mockSource) calls() int32 { return atomic.LoadInt32(&m.receiptCalls) }

func transferLog(token, from, to common.Address, amount *big.Int) *types.Log {
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			transferTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.LeftPadBytes(amount.Bytes(), 32),
	}
}

func goodReceipt(amount *big.Int) *types.Receipt {
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(100),
		Logs:        []*types.Log{transferLog(tokenAddr, senderAddr, recipientAddr, amount)},
	}
}

func sourceWith(receipt *types.Receipt) *mockSource {
	return &mockSource{
		receipts: map[common.Hash]*types.Receipt{common.HexToHash(txHash): receipt},
		head:     105,
	}
}

func testVerifier(t *testing.T, primary, fallback ReceiptSource) (*Verifier, *replay.Guard) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	guard := replay.NewGuard(rdb, 30*24*time.Hour)
	return NewVerifier(primary, fallback, guard, 1, 2*time.Second, zap.NewNop()), guard
}

func testClaim(amount string) *payment.Claim {
	return &payment.Claim{
		TxHash: txHash,
		From:   senderAddr.Hex(),
		Amount: amount,
	}
}

func testRequirement(min int64) challenge.Requirement {
	return challenge.Requirement{
		Scheme:        "exact",
		Network:       "base",
		MinAmount:     big.NewInt(min),
		Recipient:     recipientAddr.Hex(),
		TokenContract: tokenAddr.Hex(),
	}
}

func TestVerify_ClaimedAmountPrecheck_NoRPC(t *testing.T) {
	src := sourceWith(goodReceipt(big.NewInt(2000)))
	v, _ := testVerifier(t, src, nil)

	out, err := v.Verify(context.Background(), testClaim("1500"), testRequirement(2000))
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != InsufficientAmount {
		t.Errorf("kind = %s, want INSUFFICIENT_AMOUNT", out.Kind)
	}
	if src.calls() != 0 {
		t.Errorf("admittedly-small claim must not cost an RPC call, got %d", src.calls())
	}
}

func TestVerify_ReplayPrecheck_NoRPC(t *testing.T) {
	src := sourceWith(goodReceipt(big.NewInt(2000)))
	v, guard := testVerifier(t, src, nil)

	if _, err := guard.CheckAndReserve(context.Background(), replay.Entry{TxHash: txHash}); err != nil {
		t.Fatal(err)
	}

	out, err := v.Verify(context.Background(), testClaim("2000"), testRequirement(2000))
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != AlreadyConsumed {
		t.Errorf("kind = %s, want ALREADY_CONSUMED", out.Kind)
	}
	if src.calls() != 0 {
		t.Errorf("consumed hash must not cost an RPC call, got %d", src.calls())
	}
}

func TestVerify_TransactionNotFound(t *testing.T) {
	src := &mockSource{receipts: map[common.Hash]*types.Receipt{}, head: 105}
	v, _ := testVerifier(t, src, nil)

	out, err := v.Verify(context.Background(), testClaim("2000"), testRequirement(2000))
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != TransactionNotFound {
		t.Errorf("kind = %s, want TRANSACTION_NOT_FOUND", out.Kind)
	}
}

func TestVerify_TransactionFailed(t *testing.T) {
	receipt := goodReceipt(big.NewInt(2000))
	receipt.Status = types.ReceiptStatusFailed
	v, _ := testVerifier(t, sourceWith(receipt), nil)

	out, err := v.Verify(context.Background(), testClaim("2000"), testRequirement(2000))
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != TransactionFailed {
		t.Errorf("kind = %s, want TRANSACTION_FAILED", out.Kind)
	}
}

// An under-confirmed receipt surfaces as not-found so the client retries
// instead of being terminally rejected.
func TestVerify_UnderConfirmed(t *testing.T) {
	src := sourceWith(goodReceipt(big.NewInt(2000)))
	src.head = 100 // receipt mined at 100: 1 confirmation

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	guard := replay.NewGuard(rdb, time.Hour)
	v := NewVerifier(src, nil, guard, 3, 2*time.Second, zap.NewNop())

	out, err := v.Verify(context.Background(), testClaim("2000"), testRequirement(2000))
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != TransactionNotFound {
		t.Errorf("kind = %s, want TRANSACTION_NOT_FOUND for under-confirmed tx", out.Kind)
	}

	// Consumed nothing: the client can retry the same proof once it finalizes.
	consumed, _ := guard.IsConsumed(context.Background(), txHash)
	if consumed {
		t.Error("under-confirmed verification must not consume the hash")
	}
}

func TestVerify_WrongRecipient(t *testing.T) {
	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(100),
		Logs:        []*types.Log{transferLog(tokenAddr, senderAddr, otherAddr, big.NewInt(2000))},
	}
	v, _ := testVerifier(t, sourceWith(receipt), nil)

	out, err := v.Verify(context.Background(), testClaim("2000"), testRequirement(2000))
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != WrongRecipient {
		t.Errorf("kind = %s, want WRONG_RECIPIENT", out.Kind)
	}
}

func TestVerify_WrongToken(t *testing.T) {
	// Right recipient, but the transfer came from a different contract.
	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(100),
		Logs:        []*types.Log{transferLog(otherAddr, senderAddr, recipientAddr, big.NewInt(2000))},
	}
	v, _ := testVerifier(t, sourceWith(receipt), nil)

	out, err := v.Verify(context.Background(), testClaim("2000"), testRequirement(2000))
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != WrongRecipient {
		t.Errorf("kind = %s, want WRONG_RECIPIENT when no matching token transfer", out.Kind)
	}
}

func TestVerify_WrongSender(t *testing.T) {
	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(100),
		Logs:        []*types.Log{transferLog(tokenAddr, otherAddr, recipientAddr, big.NewInt(2000))},
	}
	v, _ := testVerifier(t, sourceWith(receipt), nil)

	out, err := v.Verify(context.Background(), testClaim("2000"), testRequirement(2000))
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != WrongSender {
		t.Errorf("kind = %s, want WRONG_SENDER", out.Kind)
	}
}

// The decoded amount, not the claimed one, is authoritative.
func TestVerify_ActualAmountSupersedesClaim(t *testing.T) {
	v, _ := testVerifier(t, sourceWith(goodReceipt(big.NewInt(1000))), nil)

	out, err := v.Verify(context.Background(), testClaim("5000"), testRequirement(2000))
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != InsufficientAmount {
		t.Errorf("kind = %s, want INSUFFICIENT_AMOUNT from on-chain amount", out.Kind)
	}
}

func TestVerify_Valid(t *testing.T) {
	v, guard := testVerifier(t, sourceWith(goodReceipt(big.NewInt(2000))), nil)

	out, err := v.Verify(context.Background(), testClaim("2000"), testRequirement(2000))
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != Valid {
		t.Fatalf("kind = %s, want VALID", out.Kind)
	}
	if out.ActualAmount.Cmp(big.NewInt(2000)) != 0 {
		t.Errorf("ActualAmount = %s, want 2000", out.ActualAmount)
	}
	if !strings.EqualFold(out.ActualSender, senderAddr.Hex()) {
		t.Errorf("ActualSender = %s", out.ActualSender)
	}

	// The hash is now consumed with an audit entry.
	e, err := guard.Get(context.Background(), txHash)
	if err != nil {
		t.Fatal(err)
	}
	if e == nil || e.Amount != "2000" {
		t.Errorf("replay entry = %+v", e)
	}
}

func TestVerify_ReplayAfterValid(t *testing.T) {
	v, _ := testVerifier(t, sourceWith(goodReceipt(big.NewInt(2000))), nil)
	ctx := context.Background()

	out, err := v.Verify(ctx, testClaim("2000"), testRequirement(2000))
	if err != nil || out.Kind != Valid {
		t.Fatalf("first verify: kind=%v err=%v", out.Kind, err)
	}

	out, err = v.Verify(ctx, testClaim("2000"), testRequirement(2000))
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != AlreadyConsumed {
		t.Errorf("kind = %s, want ALREADY_CONSUMED on replay", out.Kind)
	}
}

// Re-cased hex of a consumed hash names the same transaction and must be
// rejected as a replay, not verified a second time.
func TestVerify_ReplayWithRecasedHash(t *testing.T) {
	v, _ := testVerifier(t, sourceWith(goodReceipt(big.NewInt(2000))), nil)
	ctx := context.Background()

	out, err := v.Verify(ctx, testClaim("2000"), testRequirement(2000))
	if err != nil || out.Kind != Valid {
		t.Fatalf("first verify: kind=%v err=%v", out.Kind, err)
	}

	recased := testClaim("2000")
	recased.TxHash = "0x" + strings.ToUpper(recased.TxHash[2:])
	out, err = v.Verify(ctx, recased, testRequirement(2000))
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != AlreadyConsumed {
		t.Errorf("kind = %s, want ALREADY_CONSUMED for re-cased hash", out.Kind)
	}
}

// Concurrent identical proofs: verification is side-effect-free and safely
// parallel, but the atomic reserve admits exactly one winner.
func TestVerify_ConcurrentIdenticalProofs(t *testing.T) {
	v, _ := testVerifier(t, sourceWith(goodReceipt(big.NewInt(2000))), nil)

	const n = 16
	var valid, consumed int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			out, err := v.Verify(context.Background(), testClaim("2000"), testRequirement(2000))
			if err != nil {
				t.Errorf("verify: %v", err)
				return
			}
			switch out.Kind {
			case Valid:
				atomic.AddInt64(&valid, 1)
			case AlreadyConsumed:
				atomic.AddInt64(&consumed, 1)
			default:
				t.Errorf("unexpected kind %s", out.Kind)
			}
		}()
	}
	close(start)
	wg.Wait()

	if valid != 1 {
		t.Errorf("exactly one Valid expected, got %d (consumed %d)", valid, consumed)
	}
}

func TestVerify_ChainUnreachable(t *testing.T) {
	src := &mockSource{err: errors.New("connection refused")}
	v, guard := testVerifier(t, src, nil)

	out, err := v.Verify(context.Background(), testClaim("2000"), testRequirement(2000))
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != ChainUnreachable {
		t.Errorf("kind = %s, want CHAIN_UNREACHABLE", out.Kind)
	}

	consumed, _ := guard.IsConsumed(context.Background(), txHash)
	if consumed {
		t.Error("unreachable chain must not consume the hash")
	}
}

func TestVerify_FallbackEndpoint(t *testing.T) {
	primary := &mockSource{err: errors.New("connection refused")}
	fallback := sourceWith(goodReceipt(big.NewInt(2000)))
	v, _ := testVerifier(t, primary, fallback)

	out, err := v.Verify(context.Background(), testClaim("2000"), testRequirement(2000))
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != Valid {
		t.Errorf("kind = %s, want VALID via fallback", out.Kind)
	}
	if primary.calls() != 1 || fallback.calls() != 1 {
		t.Errorf("calls: primary=%d fallback=%d, want 1 and 1", primary.calls(), fallback.calls())
	}
}

func TestDecodeTransfers_IgnoresForeignLogs(t *testing.T) {
	logs := []*types.Log{
		transferLog(otherAddr, senderAddr, recipientAddr, big.NewInt(1)), // wrong contract
		{Address: tokenAddr, Topics: []common.Hash{transferTopic}},       // malformed: no indexed topics
		transferLog(tokenAddr, senderAddr, recipientAddr, big.NewInt(7)),
	}
	got := decodeTransfers(logs, tokenAddr)
	if len(got) != 1 {
		t.Fatalf("decoded %d transfers, want 1", len(got))
	}
	if got[0].amount.Int64() != 7 {
		t.Errorf("amount = %s, want 7", got[0].amount)
	}
}
