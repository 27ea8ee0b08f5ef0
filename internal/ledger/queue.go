package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// QueueKey is the redis list buffering accepted payments between the
// request path and the recorder. The replay guard, not this queue, is
// what makes a payment un-replayable; a crash before the recorder drains
// an entry loses only the audit row, which is recoverable from the chain.
const QueueKey = "ledger:queue"

// Enqueue pushes a record onto the ledger queue. Called on the request
// path, so it must stay a single fast redis op.
func Enqueue(ctx context.Context, rdb *redis.Client, r Record) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal ledger record: %w", err)
	}
	if err := rdb.RPush(ctx, QueueKey, raw).Err(); err != nil {
		return fmt.Errorf("enqueue ledger record: %w", err)
	}
	return nil
}
