package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/loopvault/chain"
	"github.com/michaelpento.lv/loopvault/domain"
)

// FeedABI describes the in-environment price feed.
const FeedABI = `[
	{"inputs":[],"name":"price","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"value","type":"uint256"}],"name":"setPrice","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"anonymous":false,"inputs":[
		{"indexed":false,"name":"newPrice","type":"uint256"},
		{"indexed":false,"name":"timestamp","type":"uint256"}],
	 "name":"PriceUpdated","type":"event"}
]`

// PriceSource supplies the collateral price in the quote token, scaled by
// 10^Decimals().
type PriceSource interface {
	LatestPrice(ctx context.Context) (*big.Int, error)
	Decimals() uint8
}

// Feed is an owner-updated price feed living in the execution environment.
type Feed struct {
	address  common.Address
	owner    common.Address
	decimals uint8

	mu        sync.RWMutex
	price     *big.Int
	updatedAt uint64

	abi    abi.ABI
	logger *zap.Logger
}

func NewFeed(address, owner common.Address, decimals uint8, initial *big.Int, logger *zap.Logger) (*Feed, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if initial == nil || initial.Sign() <= 0 {
		return nil, fmt.Errorf("%w: initial price must be positive", domain.ErrInvalidPrice)
	}

	return &Feed{
		address:  address,
		owner:    owner,
		decimals: decimals,
		price:    new(big.Int).Set(initial),
		abi:      chain.MustParseABI(FeedABI),
		logger:   logger,
	}, nil
}

func (f *Feed) Address() common.Address { return f.address }

func (f *Feed) Decimals() uint8 { return f.decimals }

func (f *Feed) LatestPrice(ctx context.Context) (*big.Int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return new(big.Int).Set(f.price), nil
}

// Price returns the current price and the block time of the last update.
func (f *Feed) Price() (*big.Int, uint64) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return new(big.Int).Set(f.price), f.updatedAt
}

// SetPrice publishes a new price. Only the feed owner may call it.
func (f *Feed) SetPrice(call *chain.Call, value *big.Int) error {
	if call.Sender() != f.owner {
		return fmt.Errorf("%w: %s is not the feed owner", domain.ErrUnauthorizedCaller, call.Sender().Hex())
	}
	if value == nil || value.Sign() <= 0 {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPrice, value)
	}

	timestamp := new(big.Int).SetUint64(call.Time())
	log, err := chain.EventLog(f.address, f.abi.Events["PriceUpdated"], nil, value, timestamp)
	if err != nil {
		return err
	}

	f.mu.Lock()
	prevPrice, prevAt := f.price, f.updatedAt
	f.price = new(big.Int).Set(value)
	f.updatedAt = call.Time()
	f.mu.Unlock()

	call.OnRevert(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.price, f.updatedAt = prevPrice, prevAt
	})
	call.Emit(log)

	f.logger.Info("Price updated",
		zap.String("feed", f.address.Hex()),
		zap.String("price", value.String()),
		zap.Uint64("timestamp", call.Time()))
	return nil
}
