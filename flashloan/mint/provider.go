package mint

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/loopvault/chain"
	"github.com/michaelpento.lv/loopvault/flashloan"
	"github.com/michaelpento.lv/loopvault/token"
	mathutil "github.com/michaelpento.lv/loopvault/utils/math"
)

// Provider lends by minting the requested token and collects by burning.
// Only the fee is collected; the principal stands in for the proceeds of
// selling the withdrawn collateral.
type Provider struct {
	bank   *token.Bank
	config flashloan.ProviderConfig
	logger *zap.Logger
}

func NewProvider(bank *token.Bank, config flashloan.ProviderConfig, logger *zap.Logger) (*Provider, error) {
	if bank == nil {
		return nil, fmt.Errorf("bank cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{bank: bank, config: config, logger: logger}, nil
}

func (p *Provider) String() string { return p.config.Name }

func (p *Provider) Fee(ctx context.Context, tok common.Address, amount *big.Int) (*big.Int, error) {
	return mathutil.ApplyBps(amount, p.config.FeeBps), nil
}

func (p *Provider) Liquidity(ctx context.Context, tok common.Address) (*big.Int, error) {
	if _, ok := p.bank.Token(tok); !ok {
		return nil, fmt.Errorf("token %s not registered", tok.Hex())
	}
	if p.config.MaxLoan == nil {
		return new(big.Int).Set(math.MaxBig256), nil
	}
	return new(big.Int).Set(p.config.MaxLoan), nil
}

func (p *Provider) Lend(call *chain.Call, tok common.Address, amount *big.Int, receiver common.Address) error {
	if err := p.bank.Mint(call, tok, receiver, amount); err != nil {
		return fmt.Errorf("failed to mint loan: %w", err)
	}
	p.logger.Debug("Minted flash loan",
		zap.String("token", tok.Hex()),
		zap.String("receiver", receiver.Hex()),
		zap.String("amount", amount.String()))
	return nil
}

func (p *Provider) Collect(call *chain.Call, tok common.Address, amount *big.Int, from common.Address) error {
	if err := p.bank.Burn(call, tok, from, amount); err != nil {
		return fmt.Errorf("failed to collect from %s: %w", from.Hex(), err)
	}
	return nil
}
