package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "tx:"

// opTimeout bounds every cache round-trip so a slow store cannot stall
// the request path.
const opTimeout = 50 * time.Millisecond

// Entry is what gets stored against a consumed transaction hash. The
// entry's existence is what enforces replay protection; the content is
// kept for debugging and audit only.
type Entry struct {
	TxHash     string `json:"tx_hash"`
	ConsumedAt int64  `json:"consumed_at"`
	Amount     string `json:"amount"`
	Sender     string `json:"sender"`
}

// Guard is the idempotency cache over consumed payment proofs. All
// mutual exclusion is delegated to redis SET NX; the guard itself holds
// no state and is safe for concurrent use.
type Guard struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewGuard(rdb *redis.Client, ttl time.Duration) *Guard {
	return &Guard{rdb: rdb, ttl: ttl}
}

// key lowercases the hash so re-cased hex of the same transaction maps
// to the same entry.
func key(txHash string) string {
	return keyPrefix + strings.ToLower(txHash)
}

// IsConsumed reports whether a hash has already been spent. This is the
// cheap pre-check; only CheckAndReserve is authoritative.
func (g *Guard) IsConsumed(ctx context.Context, txHash string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	n, err := g.rdb.Exists(ctx, key(txHash)).Result()
	if err != nil {
		return false, fmt.Errorf("replay exists: %w", err)
	}
	return n > 0, nil
}

// CheckAndReserve atomically marks a hash consumed. Returns true if this
// call won the reservation, false if the hash was already consumed. A
// single SET NX closes the race between concurrent requests presenting
// the identical proof.
func (g *Guard) CheckAndReserve(ctx context.Context, e Entry) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	val, err := json.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("marshal replay entry: %w", err)
	}
	ok, err := g.rdb.SetNX(ctx, key(e.TxHash), val, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("replay reserve: %w", err)
	}
	return ok, nil
}

// Get returns the stored entry for a consumed hash, or nil if absent.
// Used by audit tooling, not by the request path.
func (g *Guard) Get(ctx context.Context, txHash string) (*Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	raw, err := g.rdb.Get(ctx, key(txHash)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("replay get: %w", err)
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("unmarshal replay entry: %w", err)
	}
	return &e, nil
}
