package chain

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type txState struct {
	undo []func()
	logs []*types.Log
}

func (tx *txState) revert() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
	tx.logs = nil
}

// Call is the context of one entry point invocation. Nested calls made by a
// contract share the journal and log buffer of the outer call.
type Call struct {
	ctx    context.Context
	sender common.Address
	origin common.Address
	number uint64
	time   uint64
	tx     *txState
}

// Sender is the immediate caller.
func (c *Call) Sender() common.Address { return c.sender }

// Origin is the account that started the outer call.
func (c *Call) Origin() common.Address { return c.origin }

func (c *Call) Context() context.Context { return c.ctx }

// Time is the timestamp of the block the call is included in.
func (c *Call) Time() uint64 { return c.time }

func (c *Call) BlockNumber() uint64 { return c.number }

// Sub returns a nested call made by contract from.
func (c *Call) Sub(from common.Address) *Call {
	sub := *c
	sub.sender = from
	return &sub
}

// OnRevert registers undo to run if the call fails. Undo functions run in
// reverse registration order.
func (c *Call) OnRevert(undo func()) {
	c.tx.undo = append(c.tx.undo, undo)
}

// Emit appends a log. Provenance fields are filled in on commit.
func (c *Call) Emit(log *types.Log) {
	c.tx.logs = append(c.tx.logs, log)
}

// Logs returns the logs emitted so far in this call.
func (c *Call) Logs() []*types.Log {
	return c.tx.logs
}
