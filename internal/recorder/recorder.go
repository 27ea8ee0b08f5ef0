package recorder

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tollgate-labs/tollgate/internal/ledger"
)

const blpopTimeout = 5 * time.Second

// Run is the recorder loop: BLPOP from the ledger queue and insert into
// the durable store. Inserts are idempotent (UNIQUE tx_hash, OR IGNORE),
// so a record that fails after the pop is re-queued without risk of
// double rows.
func Run(ctx context.Context, rdb *redis.Client, store *ledger.Store, log *zap.Logger) {
	log.Info("recorder started", zap.String("queue", ledger.QueueKey))

	for {
		if ctx.Err() != nil {
			log.Info("recorder stopped")
			return
		}

		results, err := rdb.BLPop(ctx, blpopTimeout, ledger.QueueKey).Result()
		if err != nil {
			if err == redis.Nil {
				// Timeout: no items, loop back
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Error("recorder: BLPOP error", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		// results[0] = key, results[1] = value
		var rec ledger.Record
		if err := json.Unmarshal([]byte(results[1]), &rec); err != nil {
			log.Error("recorder: malformed queue item dropped", zap.Error(err))
			continue
		}

		if err := store.Insert(ctx, rec); err != nil {
			log.Error("recorder: insert failed, re-queueing",
				zap.String("tx", rec.TxHash), zap.Error(err))
			if pushErr := rdb.RPush(ctx, ledger.QueueKey, results[1]).Err(); pushErr != nil {
				log.Error("recorder: re-queue failed, record lost",
					zap.String("tx", rec.TxHash), zap.Error(pushErr))
			}
			time.Sleep(time.Second)
			continue
		}

		log.Info("payment recorded",
			zap.String("tx", rec.TxHash),
			zap.String("sender", rec.Sender),
			zap.String("amount", rec.Amount),
			zap.String("endpoint", rec.Endpoint),
		)
	}
}
