// Package oracle provides the price feed the market settles against.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/prxmarket/predictd/internal/domain"
)

// aggregatorABI is the read surface of a Chainlink AggregatorV3 feed.
const aggregatorABI = `[
	{"inputs":[],"name":"latestRoundData","outputs":[
		{"internalType":"uint80","name":"roundId","type":"uint80"},
		{"internalType":"int256","name":"answer","type":"int256"},
		{"internalType":"uint256","name":"startedAt","type":"uint256"},
		{"internalType":"uint256","name":"updatedAt","type":"uint256"},
		{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],
	 "stateMutability":"view","type":"function"},
	{"inputs":[],"name":"decimals","outputs":[
		{"internalType":"uint8","name":"","type":"uint8"}],
	 "stateMutability":"view","type":"function"}
]`

// ChainlinkConfig holds connection parameters for a Chainlink price feed.
type ChainlinkConfig struct {
	RPCURL     string
	Aggregator string
	Timeout    time.Duration
}

// Chainlink reads latestRoundData from an AggregatorV3 contract over JSON-RPC.
// It implements domain.Oracle.
type Chainlink struct {
	client  *ethclient.Client
	abi     abi.ABI
	addr    common.Address
	timeout time.Duration
	logger  *slog.Logger
}

// NewChainlink dials the RPC endpoint and verifies the aggregator responds.
func NewChainlink(ctx context.Context, cfg ChainlinkConfig, logger *slog.Logger) (*Chainlink, error) {
	if !common.IsHexAddress(cfg.Aggregator) {
		return nil, fmt.Errorf("oracle: invalid aggregator address %q", cfg.Aggregator)
	}

	parsed, err := abi.JSON(strings.NewReader(aggregatorABI))
	if err != nil {
		return nil, fmt.Errorf("oracle: parse aggregator abi: %w", err)
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("oracle: dial rpc: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	c := &Chainlink{
		client:  client,
		abi:     parsed,
		addr:    common.HexToAddress(cfg.Aggregator),
		timeout: timeout,
		logger:  logger.With(slog.String("component", "oracle")),
	}

	decimals, err := c.Decimals(ctx)
	if err != nil {
		client.Close()
		return nil, err
	}
	c.logger.Info("oracle: aggregator connected",
		slog.String("aggregator", cfg.Aggregator),
		slog.Uint64("decimals", uint64(decimals)),
	)
	return c, nil
}

// Close releases the RPC connection.
func (c *Chainlink) Close() {
	c.client.Close()
}

func (c *Chainlink) call(ctx context.Context, method string) ([]any, error) {
	data, err := c.abi.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("oracle: pack %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.addr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("oracle: call %s: %w", method, err)
	}

	values, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("oracle: unpack %s: %w", method, err)
	}
	return values, nil
}

// LatestRound returns the feed's most recent reading. The aggregator's own
// round id rides along so settlement can detect a feed that stopped updating.
func (c *Chainlink) LatestRound(ctx context.Context) (domain.OracleSample, error) {
	values, err := c.call(ctx, "latestRoundData")
	if err != nil {
		return domain.OracleSample{}, err
	}
	if len(values) != 5 {
		return domain.OracleSample{}, fmt.Errorf("oracle: latestRoundData returned %d values", len(values))
	}

	roundID, ok := values[0].(*big.Int)
	if !ok {
		return domain.OracleSample{}, fmt.Errorf("oracle: unexpected roundId type %T", values[0])
	}
	answer, ok := values[1].(*big.Int)
	if !ok {
		return domain.OracleSample{}, fmt.Errorf("oracle: unexpected answer type %T", values[1])
	}
	updatedAt, ok := values[3].(*big.Int)
	if !ok {
		return domain.OracleSample{}, fmt.Errorf("oracle: unexpected updatedAt type %T", values[3])
	}

	return domain.OracleSample{
		RoundID:   roundID,
		Price:     answer,
		UpdatedAt: time.Unix(updatedAt.Int64(), 0).UTC(),
	}, nil
}

// Decimals returns the feed's price decimals.
func (c *Chainlink) Decimals(ctx context.Context) (uint8, error) {
	values, err := c.call(ctx, "decimals")
	if err != nil {
		return 0, err
	}
	if len(values) != 1 {
		return 0, fmt.Errorf("oracle: decimals returned %d values", len(values))
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("oracle: unexpected decimals type %T", values[0])
	}
	return decimals, nil
}

// Compile-time interface check.
var _ domain.Oracle = (*Chainlink)(nil)
