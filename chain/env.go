package chain

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/event"
	"go.uber.org/zap"
)

// Env is a single-threaded execution environment. Entry points run one at a
// time through Execute; each either commits every state change and log it
// made or none of them.
type Env struct {
	mu      sync.Mutex
	chainID uint64
	number  uint64
	nonce   uint64
	time    uint64
	parent  common.Hash
	clock   func() time.Time

	// last block whose logs were published
	published uint64

	feed   event.Feed
	logger *zap.Logger
}

func NewEnv(chainID uint64, logger *zap.Logger) *Env {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Env{
		chainID: chainID,
		clock:   time.Now,
		logger:  logger,
	}
}

// SetClock replaces the block timestamp source.
func (e *Env) SetClock(clock func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.clock = clock
}

func (e *Env) ChainID() uint64 {
	return e.chainID
}

func (e *Env) BlockNumber() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.number
}

// LastLogBlock is the number of the most recent block that emitted logs.
// It is updated before the logs are handed to subscribers.
func (e *Env) LastLogBlock() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.published
}

// SubscribeLogs delivers the logs of every committed call, in commit order.
func (e *Env) SubscribeLogs(ch chan<- []*types.Log) event.Subscription {
	return e.feed.Subscribe(ch)
}

// Read runs fn while no call is in flight.
func (e *Env) Read(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn()
}

// Execute runs fn as a call from the given account. A non-nil error from fn
// reverts every change registered through Call.OnRevert and drops the logs
// emitted during the call.
func (e *Env) Execute(ctx context.Context, from common.Address, fn func(*Call) error) (*types.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("call not started: %w", err)
	}

	receipt, err := e.execute(ctx, from, fn)
	if err != nil {
		return nil, err
	}

	if len(receipt.Logs) > 0 {
		e.feed.Send(receipt.Logs)
	}
	return receipt, nil
}

func (e *Env) execute(ctx context.Context, from common.Address, fn func(*Call) error) (*types.Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nonce++
	txHash := e.txHash(from)
	timestamp := uint64(e.clock().Unix())
	if timestamp < e.time {
		timestamp = e.time
	}

	tx := &txState{}
	call := &Call{
		ctx:    ctx,
		sender: from,
		origin: from,
		number: e.number + 1,
		time:   timestamp,
		tx:     tx,
	}

	if err := fn(call); err != nil {
		tx.revert()
		e.logger.Debug("Call reverted",
			zap.String("from", from.Hex()),
			zap.String("tx", txHash.Hex()),
			zap.Error(err))
		return nil, err
	}

	e.number++
	e.time = timestamp
	blockHash := crypto.Keccak256Hash(e.parent.Bytes(), txHash.Bytes())
	e.parent = blockHash

	for i, log := range tx.logs {
		log.BlockNumber = e.number
		log.BlockHash = blockHash
		log.TxHash = txHash
		log.TxIndex = 0
		log.Index = uint(i)
	}
	if len(tx.logs) > 0 {
		e.published = e.number
	}

	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		Logs:        tx.logs,
		TxHash:      txHash,
		BlockHash:   blockHash,
		BlockNumber: new(big.Int).SetUint64(e.number),
	}, nil
}

func (e *Env) txHash(from common.Address) common.Hash {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], e.chainID)
	binary.BigEndian.PutUint64(buf[8:], e.nonce)
	return crypto.Keccak256Hash(buf[:], from.Bytes())
}
