package reactive

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// IgnoreTopic fills topic slots a subscription does not filter on and
// record slots the log did not use.
var IgnoreTopic = common.HexToHash("0xa65f96fc951c35ead38878e0f0b7a3c744a6f5ccc1476b313353ce31712313ad")

// opcode of LOG0
const logOpBase = 0xa0

// LogRecord is a committed log as seen by a reactor.
type LogRecord struct {
	ChainID  uint64
	Contract common.Address
	Topics   [4]common.Hash
	Data     []byte

	// provenance, carried for traceability only
	BlockNumber uint64
	OpCode      uint8
	BlockHash   common.Hash
	TxHash      common.Hash
	LogIndex    uint
}

func NewLogRecord(chainID uint64, log *types.Log) LogRecord {
	rec := LogRecord{
		ChainID:     chainID,
		Contract:    log.Address,
		Data:        common.CopyBytes(log.Data),
		BlockNumber: log.BlockNumber,
		OpCode:      uint8(logOpBase + len(log.Topics)),
		BlockHash:   log.BlockHash,
		TxHash:      log.TxHash,
		LogIndex:    log.Index,
	}
	for i := range rec.Topics {
		if i < len(log.Topics) {
			rec.Topics[i] = log.Topics[i]
		} else {
			rec.Topics[i] = IgnoreTopic
		}
	}
	return rec
}

// Subscription selects records by origin chain, emitting contract and
// topics. IgnoreTopic matches anything in its slot.
type Subscription struct {
	ChainID  uint64
	Contract common.Address
	Topics   [4]common.Hash
}

func NewSubscription(chainID uint64, contract common.Address, topic0 common.Hash) Subscription {
	return Subscription{
		ChainID:  chainID,
		Contract: contract,
		Topics:   [4]common.Hash{topic0, IgnoreTopic, IgnoreTopic, IgnoreTopic},
	}
}

func (s Subscription) Matches(rec LogRecord) bool {
	if s.ChainID != rec.ChainID || s.Contract != rec.Contract {
		return false
	}
	for i, want := range s.Topics {
		if want != IgnoreTopic && want != rec.Topics[i] {
			return false
		}
	}
	return true
}

// Callback is an outbound instruction for a destination contract. The
// first argument of Payload is a sender placeholder.
type Callback struct {
	ChainID  uint64
	Contract common.Address
	GasLimit uint64
	Payload  []byte
}

var errShortPayload = errors.New("payload has no sender slot")

// InjectSender returns a copy of payload with the sender placeholder
// replaced by identity.
func InjectSender(payload []byte, identity common.Address) ([]byte, error) {
	if len(payload) < 4+common.HashLength {
		return nil, errShortPayload
	}
	out := common.CopyBytes(payload)
	copy(out[4:4+common.HashLength], common.LeftPadBytes(identity.Bytes(), common.HashLength))
	return out, nil
}
