package reactive

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/michaelpento.lv/loopvault/domain"
)

// Event is a decoded record. The set of implementations is closed.
type Event interface {
	isEvent()
}

type DepositEvent struct {
	User   common.Address
	Amount *big.Int
}

type LoopStepEvent struct {
	Iteration        *big.Int
	BorrowedAmount   *big.Int
	MintedCollateral *big.Int
}

type PriceUpdatedEvent struct {
	NewPrice  *big.Int
	Timestamp *big.Int
}

func (DepositEvent) isEvent()      {}
func (LoopStepEvent) isEvent()     {}
func (PriceUpdatedEvent) isEvent() {}

func decodeDeposit(ev abi.Event, rec LogRecord) (Event, error) {
	values, err := ev.Inputs.NonIndexed().Unpack(rec.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode Deposit: %w", err)
	}
	return DepositEvent{
		User:   common.BytesToAddress(rec.Topics[1].Bytes()),
		Amount: values[0].(*big.Int),
	}, nil
}

func decodeLoopStep(ev abi.Event, rec LogRecord) (Event, error) {
	values, err := ev.Inputs.Unpack(rec.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode LoopStep: %w", err)
	}
	return LoopStepEvent{
		Iteration:        values[0].(*big.Int),
		BorrowedAmount:   values[1].(*big.Int),
		MintedCollateral: values[2].(*big.Int),
	}, nil
}

func decodePriceUpdated(ev abi.Event, rec LogRecord) (Event, error) {
	values, err := ev.Inputs.Unpack(rec.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode PriceUpdated: %w", err)
	}
	return PriceUpdatedEvent{
		NewPrice:  values[0].(*big.Int),
		Timestamp: values[1].(*big.Int),
	}, nil
}

func eventName(e Event) string {
	switch e.(type) {
	case DepositEvent:
		return "Deposit"
	case LoopStepEvent:
		return "LoopStep"
	case PriceUpdatedEvent:
		return "PriceUpdated"
	default:
		return "unknown"
	}
}

func unknownEvent(rec LogRecord) error {
	return fmt.Errorf("%w: topic %s from %s on chain %d", domain.ErrUnknownEvent, rec.Topics[0].Hex(), rec.Contract.Hex(), rec.ChainID)
}
