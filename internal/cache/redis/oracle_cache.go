package redis

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/prxmarket/predictd/internal/domain"
)

// oracleKey is the hash holding the most recent oracle reading, with fields
// "round_id", "price", and "ts" (Unix nanosecond timestamp).
const oracleKey = "oracle:latest"

// OracleCache implements domain.OracleCache using a Redis hash. The keeper
// refreshes it every tick so API price reads never touch the chain.
type OracleCache struct {
	rdb *redis.Client
}

// NewOracleCache creates an OracleCache backed by the given Client.
func NewOracleCache(c *Client) *OracleCache {
	return &OracleCache{rdb: c.rdb}
}

// SetSample stores the latest oracle sample.
func (oc *OracleCache) SetSample(ctx context.Context, sample domain.OracleSample) error {
	if sample.RoundID == nil || sample.Price == nil {
		return domain.ErrInvalidAmount
	}
	fields := map[string]interface{}{
		"round_id": sample.RoundID.String(),
		"price":    sample.Price.String(),
		"ts":       strconv.FormatInt(sample.UpdatedAt.UnixNano(), 10),
	}
	if err := oc.rdb.HSet(ctx, oracleKey, fields).Err(); err != nil {
		return fmt.Errorf("redis: set oracle sample: %w", err)
	}
	return nil
}

// GetSample retrieves the latest oracle sample. It returns domain.ErrNotFound
// when no sample has been cached yet.
func (oc *OracleCache) GetSample(ctx context.Context) (domain.OracleSample, error) {
	vals, err := oc.rdb.HGetAll(ctx, oracleKey).Result()
	if err != nil {
		return domain.OracleSample{}, fmt.Errorf("redis: get oracle sample: %w", err)
	}
	if len(vals) == 0 {
		return domain.OracleSample{}, domain.ErrNotFound
	}

	roundID, ok := new(big.Int).SetString(vals["round_id"], 10)
	if !ok {
		return domain.OracleSample{}, fmt.Errorf("redis: parse oracle round id %q", vals["round_id"])
	}
	price, ok := new(big.Int).SetString(vals["price"], 10)
	if !ok {
		return domain.OracleSample{}, fmt.Errorf("redis: parse oracle price %q", vals["price"])
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.OracleSample{}, fmt.Errorf("redis: parse oracle ts: %w", err)
	}

	return domain.OracleSample{
		RoundID:   roundID,
		Price:     price,
		UpdatedAt: time.Unix(0, tsNano),
	}, nil
}

// Compile-time interface check.
var _ domain.OracleCache = (*OracleCache)(nil)
