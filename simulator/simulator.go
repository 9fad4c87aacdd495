package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/michaelpento.lv/loopvault/cmd/bot"
	"github.com/michaelpento.lv/loopvault/vault"
)

// Plan describes one scripted run: deposit, let the loop settle, and
// optionally crash the price.
type Plan struct {
	Deposit    *big.Int
	CrashPrice *big.Int // nil skips the crash
	// Settle is how long the fabric must be quiet before a stage is read.
	Settle  time.Duration
	Timeout time.Duration
}

// Stage is a snapshot of the vault after a step of the plan.
type Stage struct {
	Name     string
	Position vault.Position
	Price    *big.Int
	// Held is collateral sitting in the vault outside the ledger.
	Held  *big.Int
	Block uint64
}

type Result struct {
	Stages []Stage
}

func (r *Result) Last() Stage {
	return r.Stages[len(r.Stages)-1]
}

// Simulator drives a started bot through a plan.
type Simulator struct {
	bot    *bot.Bot
	logger *zap.Logger
}

func New(b *bot.Bot, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Simulator{bot: b, logger: logger.With(zap.String("component", "simulator"))}
}

func (s *Simulator) Run(ctx context.Context, plan Plan) (*Result, error) {
	if plan.Deposit == nil || plan.Deposit.Sign() <= 0 {
		return nil, errors.New("deposit must be positive")
	}
	if plan.Settle <= 0 {
		plan.Settle = 200 * time.Millisecond
	}
	if plan.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, plan.Timeout)
		defer cancel()
	}

	result := &Result{}
	if err := s.snapshot(ctx, result, "initial"); err != nil {
		return nil, err
	}

	if err := s.bot.Deposit(ctx, plan.Deposit); err != nil {
		return nil, fmt.Errorf("failed to deposit: %w", err)
	}
	s.logger.Info("Deposited", zap.String("amount", plan.Deposit.String()))
	if err := s.settle(ctx, plan.Settle); err != nil {
		return nil, err
	}
	if err := s.snapshot(ctx, result, "looped"); err != nil {
		return nil, err
	}

	if plan.CrashPrice == nil {
		return result, nil
	}

	if err := s.bot.SetPrice(ctx, plan.CrashPrice); err != nil {
		return nil, fmt.Errorf("failed to move price: %w", err)
	}
	s.logger.Info("Price moved", zap.String("price", plan.CrashPrice.String()))
	if err := s.settle(ctx, plan.Settle); err != nil {
		return nil, err
	}
	if err := s.snapshot(ctx, result, "crashed"); err != nil {
		return nil, err
	}

	return result, nil
}

func (s *Simulator) settle(ctx context.Context, d time.Duration) error {
	if err := s.bot.Fabric.Idle(ctx, d); err != nil {
		return fmt.Errorf("fabric did not settle: %w", err)
	}
	return nil
}

func (s *Simulator) snapshot(ctx context.Context, result *Result, name string) error {
	pos, err := s.bot.Vault.Position(ctx)
	if err != nil {
		return fmt.Errorf("failed to read position: %w", err)
	}
	price, _ := s.bot.Feed.Price()
	addrs := s.bot.Addresses()

	stage := Stage{
		Name:     name,
		Position: pos,
		Price:    price,
		Held:     s.bot.Bank.BalanceOf(addrs.Collateral, addrs.Vault),
		Block:    s.bot.Env.BlockNumber(),
	}
	result.Stages = append(result.Stages, stage)

	s.logger.Info("Stage",
		zap.String("name", name),
		zap.String("collateral", pos.Collateral.String()),
		zap.String("debt", pos.Debt.String()),
		zap.Uint64("loops", pos.LoopCount),
		zap.String("healthFactor", pos.HealthFactor.String()))
	return nil
}
