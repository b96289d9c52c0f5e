package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pricebox/game-engine/internal/model"
)

// RedisHistory appends every valid raw quote to a per-instrument Redis
// stream. The stream is capped so a quiet consumer cannot grow it without
// bound; long-term archival reads from the stream, not from this process.
type RedisHistory struct {
	rdb    *redis.Client
	maxLen int64
}

// NewRedisHistory creates a quote history sink writing to rdb. maxLen caps
// each instrument's stream (approximate trimming).
func NewRedisHistory(rdb *redis.Client, maxLen int64) *RedisHistory {
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &RedisHistory{rdb: rdb, maxLen: maxLen}
}

func (h *RedisHistory) Append(ctx context.Context, q model.Quote) error {
	err := h.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: quoteStreamKey(q.Instrument),
		MaxLen: h.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"is_buy": strconv.FormatBool(q.IsBuy),
			"price":  strconv.FormatFloat(q.Price, 'f', -1, 64),
			"ts":     q.Timestamp.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("append quote history %s: %w", q.Instrument, err)
	}
	return nil
}

func quoteStreamKey(instrument string) string {
	return fmt.Sprintf("quotes:%s", instrument)
}
