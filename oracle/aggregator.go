package oracle

import (
	"context"
	"fmt"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/loopvault/chain"
	"github.com/michaelpento.lv/loopvault/domain"
)

const aggregatorV3ABI = `[
	{"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"latestRoundData","outputs":[
		{"name":"roundId","type":"uint80"},
		{"name":"answer","type":"int256"},
		{"name":"startedAt","type":"uint256"},
		{"name":"updatedAt","type":"uint256"},
		{"name":"answeredInRound","type":"uint80"}],
	 "stateMutability":"view","type":"function"}
]`

// AggregatorReader reads a Chainlink AggregatorV3 feed over RPC.
type AggregatorReader struct {
	caller   ethereum.ContractCaller
	address  common.Address
	decimals uint8
	maxAge   time.Duration
	now      func() time.Time

	abi    abi.ABI
	logger *zap.Logger
}

// NewAggregatorReader queries the feed decimals once. A zero maxAge disables
// the staleness check.
func NewAggregatorReader(ctx context.Context, caller ethereum.ContractCaller, address common.Address, maxAge time.Duration, logger *zap.Logger) (*AggregatorReader, error) {
	if caller == nil {
		return nil, fmt.Errorf("contract caller cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &AggregatorReader{
		caller:  caller,
		address: address,
		maxAge:  maxAge,
		now:     time.Now,
		abi:     chain.MustParseABI(aggregatorV3ABI),
		logger:  logger,
	}

	out, err := r.call(ctx, "decimals")
	if err != nil {
		return nil, err
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		return nil, fmt.Errorf("unexpected decimals type %T", out[0])
	}
	r.decimals = decimals

	return r, nil
}

func (r *AggregatorReader) Decimals() uint8 { return r.decimals }

func (r *AggregatorReader) LatestPrice(ctx context.Context) (*big.Int, error) {
	out, err := r.call(ctx, "latestRoundData")
	if err != nil {
		return nil, err
	}

	answer, ok := out[1].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected answer type %T", out[1])
	}
	if answer.Sign() <= 0 {
		return nil, fmt.Errorf("%w: aggregator answered %s", domain.ErrInvalidPrice, answer)
	}

	if r.maxAge > 0 {
		updatedAt, ok := out[3].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("unexpected updatedAt type %T", out[3])
		}
		age := r.now().Sub(time.Unix(updatedAt.Int64(), 0))
		if age > r.maxAge {
			r.logger.Warn("Stale aggregator answer",
				zap.String("feed", r.address.Hex()),
				zap.Duration("age", age))
			return nil, fmt.Errorf("%w: last update %s ago", domain.ErrStalePrice, age)
		}
	}

	return answer, nil
}

func (r *AggregatorReader) call(ctx context.Context, method string) ([]interface{}, error) {
	data, err := r.abi.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	result, err := r.caller.CallContract(ctx, ethereum.CallMsg{
		To:   &r.address,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", method, err)
	}

	out, err := r.abi.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", method, err)
	}
	return out, nil
}
