package testutil

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/prxmarket/predictd/internal/domain"
)

// ScriptedOracle is an Oracle whose sample is set by the test.
type ScriptedOracle struct {
	mu     sync.Mutex
	sample domain.OracleSample
	err    error
}

// NewScriptedOracle creates an oracle with an initial sample.
func NewScriptedOracle(roundID int64, price *big.Int, updatedAt time.Time) *ScriptedOracle {
	o := &ScriptedOracle{}
	o.Set(roundID, price, updatedAt)
	return o
}

// Set replaces the sample returned by LatestRound.
func (o *ScriptedOracle) Set(roundID int64, price *big.Int, updatedAt time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sample = domain.OracleSample{
		RoundID:   big.NewInt(roundID),
		Price:     new(big.Int).Set(price),
		UpdatedAt: updatedAt,
	}
}

// Fail makes LatestRound return err until cleared with Fail(nil).
func (o *ScriptedOracle) Fail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

func (o *ScriptedOracle) LatestRound(context.Context) (domain.OracleSample, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return domain.OracleSample{}, o.err
	}
	return o.sample.Clone(), nil
}

// MemOracleCache is an in-memory OracleCache.
type MemOracleCache struct {
	mu     sync.Mutex
	sample domain.OracleSample
	set    bool
}

// NewMemOracleCache creates an empty cache.
func NewMemOracleCache() *MemOracleCache {
	return &MemOracleCache{}
}

func (c *MemOracleCache) SetSample(_ context.Context, sample domain.OracleSample) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sample = sample.Clone()
	c.set = true
	return nil
}

func (c *MemOracleCache) GetSample(context.Context) (domain.OracleSample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.set {
		return domain.OracleSample{}, domain.ErrNotFound
	}
	return c.sample.Clone(), nil
}
