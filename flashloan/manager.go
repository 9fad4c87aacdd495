package flashloan

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/loopvault/chain"
	"github.com/michaelpento.lv/loopvault/domain"
	"github.com/michaelpento.lv/loopvault/token"
	mathutil "github.com/michaelpento.lv/loopvault/utils/math"
	"github.com/michaelpento.lv/loopvault/utils/metrics"
)

// Manager coordinates flash loans across providers
type Manager struct {
	mu        sync.RWMutex
	providers []Provider
	bank      *token.Bank
	logger    *zap.Logger
	metrics   *metrics.FlashLoanMetrics
}

func NewManager(bank *token.Bank, logger *zap.Logger, m *metrics.FlashLoanMetrics) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewFlashLoanMetrics(nil, metrics.DefaultNamespace)
	}
	return &Manager{
		bank:    bank,
		logger:  logger.With(zap.String("component", "flashloan")),
		metrics: m,
	}
}

// AddProvider adds a new flash loan provider
func (m *Manager) AddProvider(provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers = append(m.providers, provider)
}

// Acquire borrows amount of token for receiver from the cheapest provider
// able to serve it.
func (m *Manager) Acquire(call *chain.Call, tok common.Address, amount *big.Int, receiver common.Address) (*Loan, error) {
	start := time.Now()
	defer func() {
		m.metrics.Latency.Observe(time.Since(start).Seconds())
	}()

	if amount == nil || amount.Sign() <= 0 {
		m.metrics.Errors.Inc()
		return nil, fmt.Errorf("%w: flash loan of %v", domain.ErrInvalidAmount, amount)
	}

	provider, fee, err := m.selectOptimalProvider(call, tok, amount)
	if err != nil {
		m.metrics.Errors.Inc()
		return nil, err
	}

	if err := provider.Lend(call, tok, amount, receiver); err != nil {
		m.metrics.Errors.Inc()
		return nil, fmt.Errorf("failed to execute flash loan with %s: %w", provider, err)
	}

	name := provider.String()
	decimals := uint8(18)
	if m.bank != nil {
		if t, ok := m.bank.Token(tok); ok {
			decimals = t.Decimals
		}
	}
	m.metrics.Loans.WithLabelValues(name).Inc()
	m.metrics.Volume.WithLabelValues(name).Add(mathutil.ToFloat(amount, decimals))
	m.metrics.Fees.WithLabelValues(name).Add(mathutil.ToFloat(fee, decimals))

	m.logger.Info("Flash loan acquired",
		zap.String("provider", name),
		zap.String("token", tok.Hex()),
		zap.String("amount", amount.String()),
		zap.String("fee", fee.String()))

	return &Loan{Provider: name, Token: tok, Amount: new(big.Int).Set(amount), Fee: fee, lender: provider}, nil
}

// Settle pays the loan's fee from payer to the provider that issued it.
func (m *Manager) Settle(call *chain.Call, loan *Loan, payer common.Address) error {
	if loan == nil || loan.lender == nil {
		return fmt.Errorf("loan was not issued by this manager")
	}
	if loan.Fee.Sign() == 0 {
		return nil
	}
	if err := loan.lender.Collect(call, loan.Token, loan.Fee, payer); err != nil {
		m.metrics.Errors.Inc()
		return fmt.Errorf("failed to pay fee to %s: %w", loan.Provider, err)
	}
	m.logger.Debug("Flash loan settled",
		zap.String("provider", loan.Provider),
		zap.String("payer", payer.Hex()),
		zap.String("fee", loan.Fee.String()))
	return nil
}

// selectOptimalProvider selects the best provider based on fees and liquidity
func (m *Manager) selectOptimalProvider(call *chain.Call, tok common.Address, amount *big.Int) (Provider, *big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.providers) == 0 {
		return nil, nil, fmt.Errorf("%w: none registered", domain.ErrNoProvider)
	}

	var (
		bestProvider Provider
		bestFee      *big.Int
	)

	ctx := call.Context()
	for _, provider := range m.providers {
		liquidity, err := provider.Liquidity(ctx, tok)
		if err != nil {
			m.logger.Warn("Failed to get provider liquidity", zap.Stringer("provider", provider), zap.Error(err))
			continue
		}
		if liquidity.Cmp(amount) < 0 {
			continue
		}

		fee, err := provider.Fee(ctx, tok, amount)
		if err != nil {
			m.logger.Warn("Failed to get provider fee", zap.Stringer("provider", provider), zap.Error(err))
			continue
		}

		if bestFee == nil || fee.Cmp(bestFee) < 0 {
			bestProvider = provider
			bestFee = fee
		}
	}

	if bestProvider == nil {
		return nil, nil, fmt.Errorf("%w: none can lend %s", domain.ErrNoProvider, amount)
	}
	return bestProvider, bestFee, nil
}
