package token

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/loopvault/chain"
	"github.com/michaelpento.lv/loopvault/domain"
)

const erc20ABI = `[
	{"anonymous":false,"inputs":[
		{"indexed":true,"name":"from","type":"address"},
		{"indexed":true,"name":"to","type":"address"},
		{"indexed":false,"name":"value","type":"uint256"}],
	 "name":"Transfer","type":"event"}
]`

// Native is the pseudo-address of the chain's native currency.
var Native = common.Address{}

type Token struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

// Bank holds balances for every registered token. Contracts move funds
// through it directly; allowances are not modelled.
type Bank struct {
	mu       sync.RWMutex
	tokens   map[common.Address]Token
	balances map[common.Address]map[common.Address]*big.Int
	supply   map[common.Address]*big.Int

	transfer abi.Event
	logger   *zap.Logger
}

func NewBank(logger *zap.Logger) *Bank {
	if logger == nil {
		logger = zap.NewNop()
	}
	parsed := chain.MustParseABI(erc20ABI)

	b := &Bank{
		tokens:   make(map[common.Address]Token),
		balances: make(map[common.Address]map[common.Address]*big.Int),
		supply:   make(map[common.Address]*big.Int),
		transfer: parsed.Events["Transfer"],
		logger:   logger,
	}
	b.tokens[Native] = Token{Address: Native, Symbol: "ETH", Decimals: 18}
	return b
}

func (b *Bank) Register(t Token) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.tokens[t.Address]; ok {
		return fmt.Errorf("token %s already registered as %s", t.Address.Hex(), existing.Symbol)
	}
	if t.Decimals > 36 {
		return fmt.Errorf("token %s: decimals %d out of range", t.Symbol, t.Decimals)
	}
	b.tokens[t.Address] = t
	b.logger.Debug("Registered token",
		zap.String("symbol", t.Symbol),
		zap.String("address", t.Address.Hex()),
		zap.Uint8("decimals", t.Decimals))
	return nil
}

func (b *Bank) Token(addr common.Address) (Token, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tokens[addr]
	return t, ok
}

func (b *Bank) Decimals(addr common.Address) (uint8, error) {
	t, ok := b.Token(addr)
	if !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrUnknownToken, addr.Hex())
	}
	return t.Decimals, nil
}

func (b *Bank) BalanceOf(token, holder common.Address) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return new(big.Int).Set(b.balance(token, holder))
}

func (b *Bank) TotalSupply(token common.Address) *big.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s, ok := b.supply[token]; ok {
		return new(big.Int).Set(s)
	}
	return new(big.Int)
}

// Transfer moves amount of token between two holders.
func (b *Bank) Transfer(call *chain.Call, token, from, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative transfer", domain.ErrInvalidAmount)
	}
	if amount.Sign() == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.tokens[token]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownToken, token.Hex())
	}
	if bal := b.balance(token, from); bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, needs %s", domain.ErrInsufficientBalance, from.Hex(), bal, amount)
	}

	b.adjust(call, token, from, new(big.Int).Neg(amount))
	b.adjust(call, token, to, amount)
	return b.emit(call, token, from, to, amount)
}

// Mint creates amount of token for to.
func (b *Bank) Mint(call *chain.Call, token, to common.Address, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: mint of %s", domain.ErrInvalidAmount, amount)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.tokens[token]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownToken, token.Hex())
	}

	b.adjust(call, token, to, amount)
	b.adjustSupply(call, token, amount)
	return b.emit(call, token, common.Address{}, to, amount)
}

// Burn destroys amount of token held by from.
func (b *Bank) Burn(call *chain.Call, token, from common.Address, amount *big.Int) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: burn of %s", domain.ErrInvalidAmount, amount)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.tokens[token]; !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownToken, token.Hex())
	}
	if bal := b.balance(token, from); bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, burning %s", domain.ErrInsufficientBalance, from.Hex(), bal, amount)
	}

	b.adjust(call, token, from, new(big.Int).Neg(amount))
	b.adjustSupply(call, token, new(big.Int).Neg(amount))
	return b.emit(call, token, from, common.Address{}, amount)
}

func (b *Bank) balance(token, holder common.Address) *big.Int {
	if holders, ok := b.balances[token]; ok {
		if bal, ok := holders[holder]; ok {
			return bal
		}
	}
	return new(big.Int)
}

// adjust must be called with b.mu held.
func (b *Bank) adjust(call *chain.Call, token, holder common.Address, delta *big.Int) {
	holders, ok := b.balances[token]
	if !ok {
		holders = make(map[common.Address]*big.Int)
		b.balances[token] = holders
	}
	prev := b.balance(token, holder)
	holders[holder] = new(big.Int).Add(prev, delta)

	call.OnRevert(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.balances[token][holder] = prev
	})
}

func (b *Bank) adjustSupply(call *chain.Call, token common.Address, delta *big.Int) {
	prev, ok := b.supply[token]
	if !ok {
		prev = new(big.Int)
	}
	b.supply[token] = new(big.Int).Add(prev, delta)

	call.OnRevert(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.supply[token] = prev
	})
}

func (b *Bank) emit(call *chain.Call, token, from, to common.Address, amount *big.Int) error {
	if token == Native {
		return nil
	}
	log, err := chain.EventLog(token, b.transfer,
		[]common.Hash{chain.AddressTopic(from), chain.AddressTopic(to)}, amount)
	if err != nil {
		return err
	}
	call.Emit(log)
	return nil
}
