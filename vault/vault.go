package vault

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/loopvault/chain"
	"github.com/michaelpento.lv/loopvault/dex"
	"github.com/michaelpento.lv/loopvault/domain"
	"github.com/michaelpento.lv/loopvault/flashloan"
	"github.com/michaelpento.lv/loopvault/ledger"
	"github.com/michaelpento.lv/loopvault/token"
	mathutil "github.com/michaelpento.lv/loopvault/utils/math"
	"github.com/michaelpento.lv/loopvault/utils/metrics"
)

// Lender supplies the loan token needed to close a position.
type Lender interface {
	Acquire(call *chain.Call, token common.Address, amount *big.Int, receiver common.Address) (*flashloan.Loan, error)
	Settle(call *chain.Call, loan *flashloan.Loan, payer common.Address) error
}

// Dependencies are the collaborators a vault is wired to.
type Dependencies struct {
	Env       *chain.Env
	Ledger    *ledger.Ledger
	Bank      *token.Bank
	Converter dex.Converter
	// Reference prices conversions for the slippage bound. Optional.
	Reference dex.Quoter
	Lender    Lender
}

// Position is the vault's view of its own ledger position.
type Position struct {
	Collateral   *big.Int
	Debt         *big.Int
	LoopCount    uint64
	HealthFactor *big.Int
}

// Vault runs the deposit, loop and unwind state machine against the ledger
// on its own behalf.
type Vault struct {
	address common.Address
	cfg     Config
	deps    Dependencies

	mu        sync.RWMutex
	loopCount uint64

	abi     abi.ABI
	logger  *zap.Logger
	metrics *metrics.VaultMetrics
}

func New(address common.Address, cfg Config, deps Dependencies, logger *zap.Logger, m *metrics.VaultMetrics) (*Vault, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Env == nil || deps.Ledger == nil || deps.Bank == nil || deps.Converter == nil || deps.Lender == nil {
		return nil, fmt.Errorf("vault dependencies incomplete")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewVaultMetrics(nil, metrics.DefaultNamespace)
	}

	return &Vault{
		address: address,
		cfg:     cfg,
		deps:    deps,
		abi:     chain.MustParseABI(VaultABI),
		logger:  logger.With(zap.String("component", "vault"), zap.String("vault", address.Hex())),
		metrics: m,
	}, nil
}

func (v *Vault) Address() common.Address { return v.address }

func (v *Vault) Config() Config { return v.cfg }

func (v *Vault) LoopCount() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.loopCount
}

// Deposit takes amount of collateral from the caller and supplies it on the
// vault's behalf. It restarts the loop counter.
func (v *Vault) Deposit(call *chain.Call, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: deposit of %v", domain.ErrInvalidAmount, amount)
	}

	user := call.Sender()
	if err := v.deps.Bank.Transfer(call, v.cfg.CollateralToken, user, v.address, amount); err != nil {
		return fmt.Errorf("failed to collect deposit: %w", err)
	}
	if err := v.deps.Ledger.Supply(call.Sub(v.address), v.cfg.CollateralToken, amount, v.address); err != nil {
		return fmt.Errorf("failed to supply deposit: %w", err)
	}
	v.setLoopCount(call, 0)

	if err := v.emit(call, "Deposit", []common.Hash{chain.AddressTopic(user)}, amount); err != nil {
		return err
	}

	v.metrics.Deposits.Inc()
	v.logger.Info("Deposit accepted",
		zap.String("user", user.Hex()),
		zap.String("amount", amount.String()))
	return nil
}

// ExecuteLoop borrows against the position, converts the loan to
// collateral and supplies it back. Any reason not to continue is reported
// as a *domain.StopError.
func (v *Vault) ExecuteLoop(call *chain.Call, claimedSender common.Address) error {
	if err := v.authorize(call, claimedSender, "executeLoop"); err != nil {
		return err
	}

	count := v.LoopCount()
	if count >= v.cfg.MaxLoops {
		return v.stop(domain.StopLoopCap, "loop %d of %d", count, v.cfg.MaxLoops)
	}

	ctx := call.Context()
	data, err := v.deps.Ledger.AccountData(ctx, v.address, v.cfg.CollateralToken, v.cfg.LoanToken)
	if err != nil {
		return fmt.Errorf("failed to read account data: %w", err)
	}
	minHF := v.deps.Ledger.Params().MinHealthFactor
	if data.HealthFactor.Cmp(minHF) < 0 {
		return v.stop(domain.StopUnsafeHealth, "health factor %s below %s", data.HealthFactor, minHF)
	}

	headroom := mathutil.Min(data.AvailableBorrow, data.MaxSafeBorrow)
	borrowAmount := mathutil.ApplyBps(headroom, v.cfg.BorrowBps)
	if borrowAmount.Sign() == 0 || borrowAmount.Cmp(v.cfg.MinBorrow) < 0 {
		return v.stop(domain.StopBelowFloor, "borrow %s below floor %s", borrowAmount, v.cfg.MinBorrow)
	}

	self := call.Sub(v.address)
	if err := v.deps.Ledger.Borrow(self, v.cfg.CollateralToken, v.cfg.LoanToken, borrowAmount, v.address, v.address); err != nil {
		return fmt.Errorf("failed to borrow: %w", err)
	}

	minOut, err := v.minOut(ctx, borrowAmount)
	if err != nil {
		return err
	}
	minted, err := v.deps.Converter.Convert(self, v.cfg.LoanToken, v.cfg.CollateralToken, borrowAmount, minOut)
	if err != nil {
		return fmt.Errorf("failed to convert borrow: %w", err)
	}
	if err := v.deps.Ledger.Supply(self, v.cfg.CollateralToken, minted, v.address); err != nil {
		return fmt.Errorf("failed to resupply: %w", err)
	}

	iteration := count + 1
	v.setLoopCount(call, iteration)

	if err := v.emit(call, "LoopStep", nil, new(big.Int).SetUint64(iteration), borrowAmount, minted); err != nil {
		return err
	}

	v.metrics.LoopSteps.Inc()
	if t, ok := v.deps.Bank.Token(v.cfg.LoanToken); ok {
		v.metrics.Borrowed.Add(mathutil.ToFloat(borrowAmount, t.Decimals))
	}
	v.logger.Info("Loop step executed",
		zap.Uint64("iteration", iteration),
		zap.String("borrowed", borrowAmount.String()),
		zap.String("minted", minted.String()))
	return nil
}

// Unwind repays all debt with flash-loaned funds and withdraws all
// collateral to the vault. Without debt it only reports the position.
func (v *Vault) Unwind(call *chain.Call, claimedSender common.Address) error {
	if err := v.authorize(call, claimedSender, "unwind"); err != nil {
		return err
	}

	pos := v.deps.Ledger.Position(v.address, v.cfg.CollateralToken, v.cfg.LoanToken)
	if pos.Debt.Sign() == 0 {
		v.setLoopCount(call, 0)
		if err := v.emit(call, "Unwind", nil, new(big.Int), pos.Collateral); err != nil {
			return err
		}
		v.metrics.Unwinds.WithLabelValues("noop").Inc()
		v.logger.Info("Unwind with no debt", zap.String("collateral", pos.Collateral.String()))
		return nil
	}

	self := call.Sub(v.address)
	need := mathutil.ApplyBps(pos.Debt, v.cfg.UnwindBufferBps)
	loan, err := v.deps.Lender.Acquire(self, v.cfg.LoanToken, need, v.address)
	if err != nil {
		return fmt.Errorf("failed to acquire unwind funds: %w", err)
	}

	repaid, err := v.deps.Ledger.Repay(self, v.cfg.LoanToken, domain.MaxAmount, v.address)
	if err != nil {
		return fmt.Errorf("failed to repay: %w", err)
	}
	withdrawn, err := v.deps.Ledger.Withdraw(self, v.cfg.CollateralToken, domain.MaxAmount, v.address, v.address)
	if err != nil {
		return fmt.Errorf("failed to withdraw: %w", err)
	}
	if err := v.deps.Lender.Settle(self, loan, v.address); err != nil {
		return fmt.Errorf("failed to settle flash loan: %w", err)
	}
	v.setLoopCount(call, 0)

	if err := v.emit(call, "Unwind", nil, repaid, withdrawn); err != nil {
		return err
	}

	v.metrics.Unwinds.WithLabelValues("full").Inc()
	v.logger.Warn("Position unwound",
		zap.String("provider", loan.Provider),
		zap.String("fee", loan.Fee.String()),
		zap.String("repaid", repaid.String()),
		zap.String("withdrawn", withdrawn.String()))
	return nil
}

// Pay accepts native currency that funds callback execution.
func (v *Vault) Pay(call *chain.Call, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: payment of %v", domain.ErrInvalidAmount, amount)
	}
	return v.deps.Bank.Transfer(call, token.Native, call.Sender(), v.address, amount)
}

// HandleCallback decodes a delivered callback payload and dispatches it to
// the matching restricted entry point.
func (v *Vault) HandleCallback(call *chain.Call, payload []byte) error {
	if len(payload) < 4 {
		return fmt.Errorf("%w: payload of %d bytes", domain.ErrUnknownMethod, len(payload))
	}
	method, err := v.abi.MethodById(payload[:4])
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnknownMethod, err)
	}

	args, err := method.Inputs.Unpack(payload[4:])
	if err != nil {
		return fmt.Errorf("failed to decode %s: %w", method.Name, err)
	}

	switch method.Name {
	case "executeLoop", "unwind":
		sender, ok := args[0].(common.Address)
		if !ok {
			return fmt.Errorf("failed to decode %s sender: got %T", method.Name, args[0])
		}
		if method.Name == "executeLoop" {
			return v.ExecuteLoop(call, sender)
		}
		return v.Unwind(call, sender)
	default:
		return fmt.Errorf("%w: %s is not a callback", domain.ErrUnknownMethod, method.Name)
	}
}

// Position returns the vault's position and loop counter.
func (v *Vault) Position(ctx context.Context) (Position, error) {
	var (
		pos Position
		err error
	)
	v.deps.Env.Read(func() {
		var data domain.AccountData
		data, err = v.deps.Ledger.AccountData(ctx, v.address, v.cfg.CollateralToken, v.cfg.LoanToken)
		if err != nil {
			return
		}
		pos = Position{
			Collateral:   data.Collateral,
			Debt:         data.Debt,
			LoopCount:    v.LoopCount(),
			HealthFactor: data.HealthFactor,
		}
	})
	return pos, err
}

func (v *Vault) authorize(call *chain.Call, claimedSender common.Address, entry string) error {
	if call.Sender() != v.cfg.CallbackProxy {
		v.metrics.Unauthorized.WithLabelValues("caller").Inc()
		return fmt.Errorf("%w: %s called by %s, not the callback proxy", domain.ErrUnauthorizedCaller, entry, call.Sender().Hex())
	}
	if claimedSender != v.cfg.AutomationID {
		v.metrics.Unauthorized.WithLabelValues("sender").Inc()
		return fmt.Errorf("%w: %s injected sender %s is not the automation identity", domain.ErrUnauthorizedCaller, entry, claimedSender.Hex())
	}
	return nil
}

func (v *Vault) stop(reason domain.StopReason, format string, args ...interface{}) error {
	v.metrics.Stops.WithLabelValues(string(reason)).Inc()
	err := domain.Stop(reason, format, args...)
	v.logger.Info("Loop stopped", zap.String("reason", string(reason)), zap.Error(err))
	return err
}

func (v *Vault) minOut(ctx context.Context, amountIn *big.Int) (*big.Int, error) {
	if v.cfg.MaxSlippageBps == 0 || v.deps.Reference == nil {
		return nil, nil
	}
	expected, err := v.deps.Reference.Quote(ctx, v.cfg.LoanToken, v.cfg.CollateralToken, amountIn)
	if err != nil {
		return nil, fmt.Errorf("failed to quote conversion: %w", err)
	}
	return mathutil.ApplyBps(expected, domain.BasisPoints-v.cfg.MaxSlippageBps), nil
}

func (v *Vault) setLoopCount(call *chain.Call, n uint64) {
	v.mu.Lock()
	prev := v.loopCount
	v.loopCount = n
	v.mu.Unlock()
	v.metrics.LoopCount.Set(float64(n))

	call.OnRevert(func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		v.loopCount = prev
		v.metrics.LoopCount.Set(float64(prev))
	})
}

func (v *Vault) emit(call *chain.Call, name string, topics []common.Hash, args ...interface{}) error {
	log, err := chain.EventLog(v.address, v.abi.Events[name], topics, args...)
	if err != nil {
		return err
	}
	call.Emit(log)
	return nil
}
