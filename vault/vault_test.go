package vault

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelpento.lv/loopvault/chain"
	"github.com/michaelpento.lv/loopvault/dex"
	"github.com/michaelpento.lv/loopvault/domain"
	"github.com/michaelpento.lv/loopvault/flashloan"
	"github.com/michaelpento.lv/loopvault/flashloan/mint"
	"github.com/michaelpento.lv/loopvault/ledger"
	"github.com/michaelpento.lv/loopvault/oracle"
	"github.com/michaelpento.lv/loopvault/token"
	mathutil "github.com/michaelpento.lv/loopvault/utils/math"
	"github.com/michaelpento.lv/loopvault/utils/metrics"
)

var (
	weth       = common.HexToAddress("0x00000000000000000000000000000000000e7e01")
	usdc       = common.HexToAddress("0x00000000000000000000000000000000000d5c02")
	ledgerAddr = common.HexToAddress("0x1ed6e4")
	feedAddr   = common.HexToAddress("0xfeed")
	vaultAddr  = common.HexToAddress("0x7a017")
	proxy      = common.HexToAddress("0xca11bac")
	automation = common.HexToAddress("0xa0707")
	admin      = common.HexToAddress("0xad")
	alice      = common.HexToAddress("0xa11ce")
	mallory    = common.HexToAddress("0x3a110")
)

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), domain.Wad)
}

func usd(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1_000_000))
}

func amount(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad amount " + s)
	}
	return v
}

type fixture struct {
	env     *chain.Env
	bank    *token.Bank
	feed    *oracle.Feed
	ledger  *ledger.Ledger
	vault   *Vault
	metrics *metrics.VaultMetrics
}

func newFixture(t *testing.T, tweak ...func(*Config, *Dependencies)) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	bank := token.NewBank(logger)
	require.NoError(t, bank.Register(token.Token{Address: weth, Symbol: "WETH", Decimals: 18}))
	require.NoError(t, bank.Register(token.Token{Address: usdc, Symbol: "USDC", Decimals: 6}))

	feed, err := oracle.NewFeed(feedAddr, admin, 8, big.NewInt(3000e8), logger)
	require.NoError(t, err)

	l, err := ledger.New(ledgerAddr, bank, feed, ledger.DefaultParams(), logger, nil)
	require.NoError(t, err)

	pair := dex.Pair{Base: weth, Quote: usdc}
	converter, err := dex.NewFixedRate(bank, pair, big.NewInt(3000e8), 8, logger)
	require.NoError(t, err)

	provider, err := mint.NewProvider(bank, flashloan.ProviderConfig{Name: "mint", FeeBps: 9}, logger)
	require.NoError(t, err)
	lender := flashloan.NewManager(bank, logger, nil)
	lender.AddProvider(provider)

	env := chain.NewEnv(11155111, logger)
	cfg := DefaultConfig()
	cfg.CollateralToken = weth
	cfg.LoanToken = usdc
	cfg.CallbackProxy = proxy
	cfg.AutomationID = automation
	deps := Dependencies{
		Env:       env,
		Ledger:    l,
		Bank:      bank,
		Converter: converter,
		Reference: dex.NewOracleQuoter(bank, pair, feed),
		Lender:    lender,
	}
	for _, fn := range tweak {
		fn(&cfg, &deps)
	}

	m := metrics.NewVaultMetrics(nil, "test")
	v, err := New(vaultAddr, cfg, deps, logger, m)
	require.NoError(t, err)

	f := &fixture{env: env, bank: bank, feed: feed, ledger: l, vault: v, metrics: m}
	f.exec(t, admin, func(call *chain.Call) error {
		if err := bank.Mint(call, usdc, admin, usd(1_000_000)); err != nil {
			return err
		}
		if err := bank.Mint(call, weth, alice, ether(10)); err != nil {
			return err
		}
		return l.SeedLiquidity(call, usdc, usd(1_000_000))
	})
	return f
}

func (f *fixture) exec(t *testing.T, from common.Address, fn func(*chain.Call) error) *types.Receipt {
	t.Helper()
	receipt, err := f.env.Execute(context.Background(), from, fn)
	require.NoError(t, err)
	return receipt
}

func (f *fixture) try(from common.Address, fn func(*chain.Call) error) error {
	_, err := f.env.Execute(context.Background(), from, fn)
	return err
}

func (f *fixture) deposit(t *testing.T, amount *big.Int) *types.Receipt {
	t.Helper()
	return f.exec(t, alice, func(call *chain.Call) error {
		return f.vault.Deposit(call, amount)
	})
}

func (f *fixture) loop() error {
	return f.try(proxy, func(call *chain.Call) error {
		return f.vault.ExecuteLoop(call, automation)
	})
}

func (f *fixture) unwind() error {
	return f.try(proxy, func(call *chain.Call) error {
		return f.vault.Unwind(call, automation)
	})
}

func (f *fixture) position(t *testing.T) Position {
	t.Helper()
	pos, err := f.vault.Position(context.Background())
	require.NoError(t, err)
	return pos
}

func TestDeposit(t *testing.T) {
	f := newFixture(t)

	receipt := f.deposit(t, ether(1))

	pos := f.position(t)
	assert.Equal(t, ether(1), pos.Collateral)
	assert.Zero(t, pos.Debt.Sign())
	assert.Zero(t, pos.LoopCount)
	assert.True(t, domain.IsInfinite(pos.HealthFactor))
	assert.Equal(t, ether(9), f.bank.BalanceOf(weth, alice))
	assert.Zero(t, f.bank.BalanceOf(weth, vaultAddr).Sign())

	last := receipt.Logs[len(receipt.Logs)-1]
	assert.Equal(t, vaultAddr, last.Address)
	assert.Equal(t, f.vault.abi.Events["Deposit"].ID, last.Topics[0])
	assert.Equal(t, chain.AddressTopic(alice), last.Topics[1])
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Deposits))
}

func TestDepositRejectsInvalidAmount(t *testing.T) {
	f := newFixture(t)

	for _, amt := range []*big.Int{nil, big.NewInt(0), big.NewInt(-1)} {
		err := f.try(alice, func(call *chain.Call) error {
			return f.vault.Deposit(call, amt)
		})
		assert.True(t, errors.Is(err, domain.ErrInvalidAmount), "amount %v", amt)
	}

	// more than the user holds
	err := f.try(alice, func(call *chain.Call) error {
		return f.vault.Deposit(call, ether(11))
	})
	assert.True(t, errors.Is(err, domain.ErrInsufficientBalance))
	assert.Equal(t, ether(10), f.bank.BalanceOf(weth, alice))
	assert.Zero(t, f.position(t).Collateral.Sign())
}

func TestLoopToCap(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, ether(1))

	wantDebt := []string{"1600000000", "2773333332", "3633777775", "4264770367", "4727498267"}
	minHF := f.ledger.Params().MinHealthFactor

	for i, want := range wantDebt {
		require.NoError(t, f.loop(), "iteration %d", i+1)

		pos := f.position(t)
		assert.Equal(t, uint64(i+1), pos.LoopCount)
		assert.Equal(t, amount(want), pos.Debt, "iteration %d", i+1)
		assert.GreaterOrEqual(t, pos.HealthFactor.Cmp(minHF), 0, "iteration %d", i+1)
	}

	pos := f.position(t)
	assert.Equal(t, amount("2575832755666666665"), pos.Collateral)

	err := f.loop()
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrMaxLoopsReached))
	reason, ok := domain.StopReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, domain.StopLoopCap, reason)

	after := f.position(t)
	assert.Equal(t, pos.Collateral, after.Collateral)
	assert.Equal(t, pos.Debt, after.Debt)
	assert.Equal(t, uint64(5), after.LoopCount)
	assert.Zero(t, f.bank.BalanceOf(usdc, vaultAddr).Sign())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Stops.WithLabelValues("loop_cap")))
	assert.Equal(t, float64(5), testutil.ToFloat64(f.metrics.LoopSteps))
}

func TestLoopStepEvent(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, ether(1))

	receipt := f.exec(t, proxy, func(call *chain.Call) error {
		return f.vault.ExecuteLoop(call, automation)
	})

	last := receipt.Logs[len(receipt.Logs)-1]
	require.Equal(t, f.vault.abi.Events["LoopStep"].ID, last.Topics[0])
	values, err := f.vault.abi.Unpack("LoopStep", last.Data)
	require.NoError(t, err)
	require.Len(t, values, 3)
	assert.Equal(t, big.NewInt(1), values[0])
	assert.Equal(t, usd(1600), values[1])
	assert.Equal(t, amount("533333333333333333"), values[2])
}

func TestLoopStopsOnUnsafeHealth(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, ether(1))
	require.NoError(t, f.loop())
	require.NoError(t, f.loop())

	f.exec(t, admin, func(call *chain.Call) error {
		return f.feed.SetPrice(call, big.NewInt(2000e8))
	})

	err := f.loop()
	reason, ok := domain.StopReasonOf(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, domain.StopUnsafeHealth, reason)
	assert.Equal(t, uint64(2), f.vault.LoopCount())
}

func TestLoopStopsBelowFloor(t *testing.T) {
	f := newFixture(t, func(cfg *Config, _ *Dependencies) {
		cfg.MinBorrow = usd(2_000)
	})
	f.deposit(t, ether(1))

	err := f.loop()
	reason, ok := domain.StopReasonOf(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, domain.StopBelowFloor, reason)
	assert.Zero(t, f.position(t).Debt.Sign())
}

func TestLoopWithoutCollateralStops(t *testing.T) {
	f := newFixture(t)

	err := f.loop()
	assert.True(t, errors.Is(err, domain.ErrMaxLoopsReached))
	assert.Zero(t, f.vault.LoopCount())
}

func TestLoopSlippageBound(t *testing.T) {
	f := newFixture(t, func(cfg *Config, _ *Dependencies) {
		cfg.MaxSlippageBps = 100
	})
	f.deposit(t, ether(1))

	// oracle and venue agree
	require.NoError(t, f.loop())

	// venue now pays ~3.4% less collateral than the oracle implies
	f.exec(t, admin, func(call *chain.Call) error {
		return f.feed.SetPrice(call, big.NewInt(2900e8))
	})
	before := f.position(t)

	err := f.loop()
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSlippage))

	after := f.position(t)
	assert.Equal(t, before.Debt, after.Debt, "borrow must be reverted with the failed step")
	assert.Equal(t, before.Collateral, after.Collateral)
	assert.Equal(t, uint64(1), after.LoopCount)
}

func TestRestrictedEntryPoints(t *testing.T) {
	tests := []struct {
		name   string
		from   common.Address
		sender common.Address
		check  string
	}{
		{"direct call by user", mallory, automation, "caller"},
		{"proxy with foreign sender", proxy, mallory, "sender"},
		{"proxy with empty sender", proxy, common.Address{}, "sender"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.deposit(t, ether(1))

			err := f.try(tt.from, func(call *chain.Call) error {
				return f.vault.ExecuteLoop(call, tt.sender)
			})
			assert.True(t, errors.Is(err, domain.ErrUnauthorizedCaller))

			err = f.try(tt.from, func(call *chain.Call) error {
				return f.vault.Unwind(call, tt.sender)
			})
			assert.True(t, errors.Is(err, domain.ErrUnauthorizedCaller))

			pos := f.position(t)
			assert.Equal(t, ether(1), pos.Collateral)
			assert.Zero(t, pos.Debt.Sign())
			assert.Zero(t, pos.LoopCount)
			assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.Unauthorized.WithLabelValues(tt.check)))
		})
	}
}

func TestUnwindAfterCrash(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, ether(1))
	for i := 0; i < 5; i++ {
		require.NoError(t, f.loop())
	}
	loops := f.position(t)

	f.exec(t, admin, func(call *chain.Call) error {
		return f.feed.SetPrice(call, big.NewInt(1000e8))
	})
	crashed := f.position(t)
	assert.Equal(t, -1, crashed.HealthFactor.Cmp(domain.Wad), "position should be liquidatable")

	receipt := f.exec(t, proxy, func(call *chain.Call) error {
		return f.vault.Unwind(call, automation)
	})

	pos := f.position(t)
	assert.Zero(t, pos.Debt.Sign())
	assert.Zero(t, pos.Collateral.Sign())
	assert.Zero(t, pos.LoopCount)
	assert.Equal(t, loops.Collateral, f.bank.BalanceOf(weth, vaultAddr))
	// 110% of the debt was borrowed, the debt repaid and the 9 bps fee paid
	borrowed := mathutil.ApplyBps(loops.Debt, 11_000)
	fee := mathutil.ApplyBps(borrowed, 9)
	wantLeft := new(big.Int).Sub(borrowed, loops.Debt)
	wantLeft.Sub(wantLeft, fee)
	assert.Equal(t, wantLeft, f.bank.BalanceOf(usdc, vaultAddr))
	assert.Equal(t, amount("4680223"), fee)

	last := receipt.Logs[len(receipt.Logs)-1]
	values, err := f.vault.abi.Unpack("Unwind", last.Data)
	require.NoError(t, err)
	assert.Equal(t, loops.Debt, values[0])
	assert.Equal(t, loops.Collateral, values[1])
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Unwinds.WithLabelValues("full")))

	// the vault can start over
	f.deposit(t, ether(1))
	require.NoError(t, f.loop())
}

func TestUnwindPaysCheapestFee(t *testing.T) {
	f := newFixture(t, func(_ *Config, deps *Dependencies) {
		cheap, err := mint.NewProvider(deps.Bank, flashloan.ProviderConfig{Name: "cheap", FeeBps: 5}, nil)
		require.NoError(t, err)
		deps.Lender.(*flashloan.Manager).AddProvider(cheap)
	})
	f.deposit(t, ether(1))
	require.NoError(t, f.loop())
	debt := f.position(t).Debt
	require.Equal(t, usd(1600), debt)

	require.NoError(t, f.unwind())

	// 1760 borrowed, 1600 repaid, 0.88 paid at 5 bps
	assert.Equal(t, amount("159120000"), f.bank.BalanceOf(usdc, vaultAddr))
}

func TestUnwindRevertsWhenFeeIsUncovered(t *testing.T) {
	f := newFixture(t, func(cfg *Config, _ *Dependencies) {
		cfg.UnwindBufferBps = 10_000
	})
	f.deposit(t, ether(1))
	require.NoError(t, f.loop())
	before := f.position(t)

	err := f.unwind()
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)

	after := f.position(t)
	assert.Equal(t, before.Debt, after.Debt)
	assert.Equal(t, before.Collateral, after.Collateral)
	assert.Equal(t, uint64(1), after.LoopCount)
	assert.Zero(t, f.bank.BalanceOf(usdc, vaultAddr).Sign())
}

func TestUnwindWithoutDebt(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, ether(2))

	receipt := f.exec(t, proxy, func(call *chain.Call) error {
		return f.vault.Unwind(call, automation)
	})

	pos := f.position(t)
	assert.Equal(t, ether(2), pos.Collateral, "collateral stays supplied")
	assert.Zero(t, pos.Debt.Sign())
	assert.Zero(t, f.bank.BalanceOf(usdc, vaultAddr).Sign())

	last := receipt.Logs[len(receipt.Logs)-1]
	values, err := f.vault.abi.Unpack("Unwind", last.Data)
	require.NoError(t, err)
	assert.Zero(t, values[0].(*big.Int).Sign())
	assert.Equal(t, ether(2), values[1])
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Unwinds.WithLabelValues("noop")))
}

func TestUnwindWithoutLender(t *testing.T) {
	f := newFixture(t, func(_ *Config, deps *Dependencies) {
		deps.Lender = flashloan.NewManager(deps.Bank, nil, nil)
	})
	f.deposit(t, ether(1))
	require.NoError(t, f.loop())

	err := f.unwind()
	assert.True(t, errors.Is(err, domain.ErrNoProvider))

	pos := f.position(t)
	assert.Equal(t, usd(1600), pos.Debt)
	assert.Equal(t, uint64(1), pos.LoopCount)
}

func TestDepositResetsLoopCount(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, ether(1))
	require.NoError(t, f.loop())
	require.NoError(t, f.loop())
	require.Equal(t, uint64(2), f.vault.LoopCount())

	f.deposit(t, ether(1))
	assert.Zero(t, f.vault.LoopCount())
}

func TestConcurrentLoopsRespectCap(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, ether(1))

	const callers = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		stopped   int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := f.loop()
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, domain.ErrMaxLoopsReached):
				stopped++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)
	assert.Equal(t, callers-5, stopped)
	pos := f.position(t)
	assert.Equal(t, uint64(5), pos.LoopCount)
	assert.Equal(t, amount("4727498267"), pos.Debt)
}

func TestHandleCallback(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, ether(1))

	payload, err := f.vault.abi.Pack("executeLoop", automation)
	require.NoError(t, err)
	f.exec(t, proxy, func(call *chain.Call) error {
		return f.vault.HandleCallback(call, payload)
	})
	assert.Equal(t, uint64(1), f.vault.LoopCount())

	payload, err = f.vault.abi.Pack("unwind", automation)
	require.NoError(t, err)
	f.exec(t, proxy, func(call *chain.Call) error {
		return f.vault.HandleCallback(call, payload)
	})
	assert.Zero(t, f.position(t).Debt.Sign())

	// the injected sender is still checked
	payload, err = f.vault.abi.Pack("executeLoop", mallory)
	require.NoError(t, err)
	err = f.try(proxy, func(call *chain.Call) error {
		return f.vault.HandleCallback(call, payload)
	})
	assert.True(t, errors.Is(err, domain.ErrUnauthorizedCaller))
}

func TestHandleCallbackRejectsUnknownPayload(t *testing.T) {
	f := newFixture(t)

	deposit, err := f.vault.abi.Pack("deposit", ether(1))
	require.NoError(t, err)

	for name, payload := range map[string][]byte{
		"empty":        nil,
		"short":        {0x01, 0x02},
		"unknown":      {0xde, 0xad, 0xbe, 0xef},
		"not callback": deposit,
	} {
		err := f.try(proxy, func(call *chain.Call) error {
			return f.vault.HandleCallback(call, payload)
		})
		assert.True(t, errors.Is(err, domain.ErrUnknownMethod), name)
	}
}

func TestPay(t *testing.T) {
	f := newFixture(t)
	f.exec(t, admin, func(call *chain.Call) error {
		return f.bank.Mint(call, token.Native, alice, ether(1))
	})

	f.exec(t, alice, func(call *chain.Call) error {
		return f.vault.Pay(call, ether(1))
	})
	assert.Equal(t, ether(1), f.bank.BalanceOf(token.Native, vaultAddr))

	err := f.try(alice, func(call *chain.Call) error {
		return f.vault.Pay(call, big.NewInt(0))
	})
	assert.True(t, errors.Is(err, domain.ErrInvalidAmount))
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(vaultAddr, DefaultConfig(), Dependencies{}, nil, nil)
	require.Error(t, err)

	cfg := DefaultConfig()
	cfg.CollateralToken = weth
	cfg.LoanToken = usdc
	cfg.CallbackProxy = proxy
	cfg.AutomationID = automation
	_, err = New(vaultAddr, cfg, Dependencies{}, nil, nil)
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	valid := DefaultConfig()
	valid.CollateralToken = weth
	valid.LoanToken = usdc
	valid.CallbackProxy = proxy
	valid.AutomationID = automation
	require.NoError(t, valid.Validate())

	tests := []struct {
		name  string
		tweak func(*Config)
	}{
		{"same tokens", func(c *Config) { c.LoanToken = weth }},
		{"no proxy", func(c *Config) { c.CallbackProxy = common.Address{} }},
		{"no automation", func(c *Config) { c.AutomationID = common.Address{} }},
		{"zero loops", func(c *Config) { c.MaxLoops = 0 }},
		{"borrow bps above 100%", func(c *Config) { c.BorrowBps = 10_001 }},
		{"negative floor", func(c *Config) { c.MinBorrow = big.NewInt(-1) }},
		{"buffer below debt", func(c *Config) { c.UnwindBufferBps = 9_999 }},
		{"full slippage", func(c *Config) { c.MaxSlippageBps = 10_000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.tweak(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
