package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EventLog encodes an ABI event. Indexed arguments are passed as topics,
// the remaining arguments in declaration order as data.
func EventLog(address common.Address, ev abi.Event, topics []common.Hash, data ...interface{}) (*types.Log, error) {
	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", ev.Name, err)
	}

	return &types.Log{
		Address: address,
		Topics:  append([]common.Hash{ev.ID}, topics...),
		Data:    packed,
	}, nil
}

// AddressTopic left-pads an address into a topic slot.
func AddressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

// MustParseABI parses a JSON ABI definition known at compile time.
func MustParseABI(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(fmt.Sprintf("invalid ABI: %v", err))
	}
	return parsed
}
