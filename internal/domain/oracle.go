package domain

import (
	"context"
	"math/big"
	"time"
)

// OracleSample is one reading from the price oracle. RoundID is the oracle's
// own round identifier (monotonically increasing, unrelated to our epochs);
// Price is a signed fixed-point value at the aggregator's native decimals.
type OracleSample struct {
	RoundID   *big.Int
	Price     *big.Int
	UpdatedAt time.Time
}

// Clone returns a deep copy of the sample.
func (s OracleSample) Clone() OracleSample {
	return OracleSample{
		RoundID:   cloneBig(s.RoundID),
		Price:     cloneBig(s.Price),
		UpdatedAt: s.UpdatedAt,
	}
}

// Oracle supplies the latest price round. Implementations must return samples
// whose RoundID and UpdatedAt never decrease between calls.
type Oracle interface {
	LatestRound(ctx context.Context) (OracleSample, error)
}

// OracleCache holds the most recent oracle sample for fast API reads.
type OracleCache interface {
	SetSample(ctx context.Context, sample OracleSample) error
	GetSample(ctx context.Context) (OracleSample, error)
}
