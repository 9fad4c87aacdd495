package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/loopvault/chain"
	"github.com/michaelpento.lv/loopvault/domain"
	"github.com/michaelpento.lv/loopvault/oracle"
	"github.com/michaelpento.lv/loopvault/token"
	mathutil "github.com/michaelpento.lv/loopvault/utils/math"
	"github.com/michaelpento.lv/loopvault/utils/metrics"
)

// Params are the ledger's risk parameters.
type Params struct {
	MaxLTVBps       uint64   // maximum loan-to-value in basis points
	MinHealthFactor *big.Int // 1e18 fixed point
}

func DefaultParams() Params {
	return Params{
		MaxLTVBps:       8_000,
		MinHealthFactor: new(big.Int).Div(new(big.Int).Mul(domain.Wad, big.NewInt(12)), big.NewInt(10)),
	}
}

func (p Params) Validate() error {
	if p.MaxLTVBps == 0 || p.MaxLTVBps > domain.BasisPoints {
		return fmt.Errorf("max LTV must be in (0, %d] bps, got %d", domain.BasisPoints, p.MaxLTVBps)
	}
	if p.MinHealthFactor == nil || p.MinHealthFactor.Sign() <= 0 {
		return fmt.Errorf("minimum health factor must be positive")
	}
	return nil
}

type positionKey struct {
	user  common.Address
	token common.Address
}

// Ledger tracks per-user collateral and debt and per-token pool liquidity.
// Prices come from a single source quoting the collateral token in the
// borrow token.
type Ledger struct {
	address common.Address
	bank    *token.Bank
	oracle  oracle.PriceSource
	params  Params

	mu         sync.RWMutex
	collateral map[positionKey]*big.Int
	debt       map[positionKey]*big.Int
	liquidity  map[common.Address]*big.Int

	abi     abi.ABI
	logger  *zap.Logger
	metrics *metrics.LedgerMetrics
}

func New(address common.Address, bank *token.Bank, prices oracle.PriceSource, params Params, logger *zap.Logger, m *metrics.LedgerMetrics) (*Ledger, error) {
	if bank == nil {
		return nil, fmt.Errorf("bank cannot be nil")
	}
	if prices == nil {
		return nil, fmt.Errorf("price source cannot be nil")
	}
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ledger params: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewLedgerMetrics(nil, metrics.DefaultNamespace)
	}

	return &Ledger{
		address:    address,
		bank:       bank,
		oracle:     prices,
		params:     params,
		collateral: make(map[positionKey]*big.Int),
		debt:       make(map[positionKey]*big.Int),
		liquidity:  make(map[common.Address]*big.Int),
		abi:        chain.MustParseABI(LedgerABI),
		logger:     logger.With(zap.String("component", "ledger")),
		metrics:    m,
	}, nil
}

func (l *Ledger) Address() common.Address { return l.address }

func (l *Ledger) Params() Params { return l.params }

// Supply moves amount of token from the caller into the pool and credits it
// as collateral of onBehalf.
func (l *Ledger) Supply(call *chain.Call, tok common.Address, amount *big.Int, onBehalf common.Address) (err error) {
	defer l.observe("supply", &err)

	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: supply of %v", domain.ErrInvalidAmount, amount)
	}
	if err := l.bank.Transfer(call, tok, call.Sender(), l.address, amount); err != nil {
		return fmt.Errorf("failed to transfer supply: %w", err)
	}

	key := positionKey{user: onBehalf, token: tok}
	l.mu.Lock()
	l.add(call, l.collateral, key, amount)
	l.addLiquidity(call, tok, amount)
	l.mu.Unlock()

	l.logger.Debug("Supplied",
		zap.String("token", tok.Hex()),
		zap.String("onBehalf", onBehalf.Hex()),
		zap.String("amount", amount.String()))

	return l.emit(call, "Supply", []common.Hash{chain.AddressTopic(tok), chain.AddressTopic(onBehalf)}, call.Sender(), amount)
}

// Borrow lends amount of borrowToken against onBehalf's collateralToken
// balance. The debt is booked provisionally and rolled back if the resulting
// health factor is below the minimum.
func (l *Ledger) Borrow(call *chain.Call, collateralToken, borrowToken common.Address, amount *big.Int, onBehalf, receiver common.Address) (err error) {
	defer l.observe("borrow", &err)

	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: borrow of %v", domain.ErrInvalidAmount, amount)
	}
	if call.Sender() != onBehalf {
		return fmt.Errorf("%w: %s cannot borrow for %s", domain.ErrUnauthorizedCaller, call.Sender().Hex(), onBehalf.Hex())
	}
	if available := l.Liquidity(borrowToken); available.Cmp(amount) < 0 {
		return fmt.Errorf("%w: requested %s, available %s", domain.ErrInsufficientLiquidity, amount, available)
	}

	key := positionKey{user: onBehalf, token: borrowToken}
	l.mu.Lock()
	prev := l.get(l.debt, key)
	l.debt[key] = new(big.Int).Add(prev, amount)
	l.mu.Unlock()

	rollback := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.debt[key] = prev
	}

	data, err := l.AccountData(call.Context(), onBehalf, collateralToken, borrowToken)
	if err != nil {
		rollback()
		return fmt.Errorf("failed to value position: %w", err)
	}
	if data.HealthFactor.Cmp(l.params.MinHealthFactor) < 0 {
		rollback()
		return fmt.Errorf("%w: %s below %s", domain.ErrHealthFactorTooLow, data.HealthFactor, l.params.MinHealthFactor)
	}
	call.OnRevert(rollback)

	if err := l.bank.Transfer(call, borrowToken, l.address, receiver, amount); err != nil {
		return fmt.Errorf("failed to transfer borrow: %w", err)
	}

	l.mu.Lock()
	l.addLiquidity(call, borrowToken, new(big.Int).Neg(amount))
	l.mu.Unlock()

	l.metrics.HealthFactor.WithLabelValues(onBehalf.Hex()).Set(mathutil.ToFloat(data.HealthFactor, 18))
	l.logger.Debug("Borrowed",
		zap.String("token", borrowToken.Hex()),
		zap.String("onBehalf", onBehalf.Hex()),
		zap.String("amount", amount.String()),
		zap.String("healthFactor", data.HealthFactor.String()))

	return l.emit(call, "Borrow", []common.Hash{chain.AddressTopic(borrowToken), chain.AddressTopic(onBehalf)}, receiver, amount)
}

// Repay pays down onBehalf's debt from the caller's balance. The amount is
// clamped to the outstanding debt; the clamped amount is returned.
func (l *Ledger) Repay(call *chain.Call, tok common.Address, amount *big.Int, onBehalf common.Address) (repaid *big.Int, err error) {
	defer l.observe("repay", &err)

	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: repay of %v", domain.ErrInvalidAmount, amount)
	}

	key := positionKey{user: onBehalf, token: tok}
	l.mu.RLock()
	repaid = mathutil.Min(amount, l.get(l.debt, key))
	l.mu.RUnlock()

	if repaid.Sign() == 0 {
		return repaid, nil
	}
	if err := l.bank.Transfer(call, tok, call.Sender(), l.address, repaid); err != nil {
		return nil, fmt.Errorf("failed to transfer repayment: %w", err)
	}

	l.mu.Lock()
	l.add(call, l.debt, key, new(big.Int).Neg(repaid))
	l.addLiquidity(call, tok, repaid)
	l.mu.Unlock()

	l.logger.Debug("Repaid",
		zap.String("token", tok.Hex()),
		zap.String("onBehalf", onBehalf.Hex()),
		zap.String("amount", repaid.String()))

	return repaid, l.emit(call, "Repay", []common.Hash{chain.AddressTopic(tok), chain.AddressTopic(onBehalf)}, call.Sender(), repaid)
}

// Withdraw releases onBehalf's collateral to receiver. The amount is clamped
// to the collateral balance; the clamped amount is returned. The health
// factor of any outstanding debt is not re-checked.
func (l *Ledger) Withdraw(call *chain.Call, tok common.Address, amount *big.Int, onBehalf, receiver common.Address) (withdrawn *big.Int, err error) {
	defer l.observe("withdraw", &err)

	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: withdraw of %v", domain.ErrInvalidAmount, amount)
	}
	if call.Sender() != onBehalf {
		return nil, fmt.Errorf("%w: %s cannot withdraw for %s", domain.ErrUnauthorizedCaller, call.Sender().Hex(), onBehalf.Hex())
	}

	key := positionKey{user: onBehalf, token: tok}
	l.mu.RLock()
	withdrawn = mathutil.Min(amount, l.get(l.collateral, key))
	available := new(big.Int).Set(l.liquidityOf(tok))
	l.mu.RUnlock()

	if withdrawn.Sign() == 0 {
		return withdrawn, nil
	}
	if available.Cmp(withdrawn) < 0 {
		return nil, fmt.Errorf("%w: withdrawing %s, available %s", domain.ErrInsufficientLiquidity, withdrawn, available)
	}
	if err := l.bank.Transfer(call, tok, l.address, receiver, withdrawn); err != nil {
		return nil, fmt.Errorf("failed to transfer withdrawal: %w", err)
	}

	l.mu.Lock()
	l.add(call, l.collateral, key, new(big.Int).Neg(withdrawn))
	l.addLiquidity(call, tok, new(big.Int).Neg(withdrawn))
	l.mu.Unlock()

	l.logger.Debug("Withdrew",
		zap.String("token", tok.Hex()),
		zap.String("onBehalf", onBehalf.Hex()),
		zap.String("amount", withdrawn.String()))

	return withdrawn, l.emit(call, "Withdraw", []common.Hash{chain.AddressTopic(tok), chain.AddressTopic(onBehalf)}, receiver, withdrawn)
}

// SeedLiquidity adds lendable funds without opening a position.
func (l *Ledger) SeedLiquidity(call *chain.Call, tok common.Address, amount *big.Int) (err error) {
	defer l.observe("seed", &err)

	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: seed of %v", domain.ErrInvalidAmount, amount)
	}
	if err := l.bank.Transfer(call, tok, call.Sender(), l.address, amount); err != nil {
		return fmt.Errorf("failed to transfer seed: %w", err)
	}

	l.mu.Lock()
	l.addLiquidity(call, tok, amount)
	l.mu.Unlock()

	l.logger.Info("Liquidity seeded",
		zap.String("token", tok.Hex()),
		zap.String("amount", amount.String()))

	return l.emit(call, "LiquiditySeeded", []common.Hash{chain.AddressTopic(tok)}, call.Sender(), amount)
}

// Position returns user's raw balances. It needs no price.
func (l *Ledger) Position(user, collateralToken, borrowToken common.Address) domain.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return domain.Position{
		Collateral: new(big.Int).Set(l.get(l.collateral, positionKey{user, collateralToken})),
		Debt:       new(big.Int).Set(l.get(l.debt, positionKey{user, borrowToken})),
	}
}

func (l *Ledger) Liquidity(tok common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.liquidityOf(tok))
}

// AccountData values user's position at the current price.
func (l *Ledger) AccountData(ctx context.Context, user, collateralToken, borrowToken common.Address) (domain.AccountData, error) {
	pos := l.Position(user, collateralToken, borrowToken)

	value, err := l.collateralValue(ctx, pos.Collateral, collateralToken, borrowToken)
	if err != nil {
		return domain.AccountData{}, err
	}

	return domain.AccountData{
		Collateral:      pos.Collateral,
		Debt:            pos.Debt,
		CollateralValue: value,
		AvailableBorrow: AvailableBorrow(value, pos.Debt, l.params),
		MaxSafeBorrow:   MaxSafeBorrow(value, pos.Debt, l.params),
		HealthFactor:    HealthFactor(value, pos.Debt, l.params),
	}, nil
}

// collateralValue converts amount of collateralToken into borrowToken base
// units: amount * price * 10^borrowDec / (10^priceDec * 10^collateralDec).
func (l *Ledger) collateralValue(ctx context.Context, amount *big.Int, collateralToken, borrowToken common.Address) (*big.Int, error) {
	if amount.Sign() == 0 {
		return new(big.Int), nil
	}

	price, err := l.oracle.LatestPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read price: %w", err)
	}
	collDec, err := l.bank.Decimals(collateralToken)
	if err != nil {
		return nil, err
	}
	debtDec, err := l.bank.Decimals(borrowToken)
	if err != nil {
		return nil, err
	}

	num := new(big.Int).Mul(amount, price)
	num.Mul(num, mathutil.Pow10(debtDec))
	den := new(big.Int).Mul(mathutil.Pow10(l.oracle.Decimals()), mathutil.Pow10(collDec))
	return num.Quo(num, den), nil
}

func (l *Ledger) get(m map[positionKey]*big.Int, key positionKey) *big.Int {
	if v, ok := m[key]; ok {
		return v
	}
	return new(big.Int)
}

// add must be called with l.mu held.
func (l *Ledger) add(call *chain.Call, m map[positionKey]*big.Int, key positionKey, delta *big.Int) {
	prev := l.get(m, key)
	m[key] = new(big.Int).Add(prev, delta)
	call.OnRevert(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		m[key] = prev
	})
}

// liquidityOf must be called with l.mu held.
func (l *Ledger) liquidityOf(tok common.Address) *big.Int {
	if v, ok := l.liquidity[tok]; ok {
		return v
	}
	return new(big.Int)
}

// addLiquidity must be called with l.mu held.
func (l *Ledger) addLiquidity(call *chain.Call, tok common.Address, delta *big.Int) {
	prev := l.liquidityOf(tok)
	next := new(big.Int).Add(prev, delta)
	l.liquidity[tok] = next
	call.OnRevert(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.liquidity[tok] = prev
	})

	if t, ok := l.bank.Token(tok); ok {
		l.metrics.Liquidity.WithLabelValues(t.Symbol).Set(mathutil.ToFloat(next, t.Decimals))
	}
}

func (l *Ledger) emit(call *chain.Call, name string, topics []common.Hash, args ...interface{}) error {
	log, err := chain.EventLog(l.address, l.abi.Events[name], topics, args...)
	if err != nil {
		return err
	}
	call.Emit(log)
	return nil
}

func (l *Ledger) observe(op string, err *error) {
	if *err == nil {
		l.metrics.Operations.WithLabelValues(op).Inc()
		return
	}
	l.metrics.Failures.WithLabelValues(op, failureReason(*err)).Inc()
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, domain.ErrUnauthorizedCaller):
		return "unauthorized"
	case errors.Is(err, domain.ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	case errors.Is(err, domain.ErrHealthFactorTooLow):
		return "health_factor"
	case errors.Is(err, domain.ErrInsufficientBalance):
		return "insufficient_balance"
	default:
		return "other"
	}
}
