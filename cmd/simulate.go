package cmd

import (
	"fmt"
	"math/big"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelpento.lv/loopvault/cmd/bot"
	"github.com/michaelpento.lv/loopvault/config"
	"github.com/michaelpento.lv/loopvault/domain"
	"github.com/michaelpento.lv/loopvault/simulator"
	"github.com/michaelpento.lv/loopvault/utils"
	mathutil "github.com/michaelpento.lv/loopvault/utils/math"
)

var (
	simDeposit    string
	simCrashPrice string
	simSettle     time.Duration
	simTimeout    time.Duration
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Deposit, let the vault loop, then crash the price and report each stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := utils.GetLogger()
		ctx := cmd.Context()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Logger = log

		plan := simulator.Plan{Settle: simSettle, Timeout: simTimeout}
		if plan.Deposit, err = config.ParseAmount(simDeposit, cfg.Tokens.Collateral.Decimals); err != nil {
			return fmt.Errorf("invalid --deposit: %w", err)
		}
		if simCrashPrice != "" {
			if plan.CrashPrice, err = config.ParseAmount(simCrashPrice, cfg.Oracle.Decimals); err != nil {
				return fmt.Errorf("invalid --crash-price: %w", err)
			}
		}

		b, err := bot.New(ctx, cfg, log)
		if err != nil {
			return err
		}
		if err := b.Start(ctx); err != nil {
			return err
		}
		defer b.Stop()

		result, err := simulator.New(b, log).Run(ctx, plan)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		collDec := cfg.Tokens.Collateral.Decimals
		loanDec := cfg.Tokens.Loan.Decimals
		fmt.Fprintf(out, "%-8s %6s %14s %18s %18s %8s %14s\n", "stage", "block", "price", "collateral", "debt", "loops", "health")
		for _, s := range result.Stages {
			fmt.Fprintf(out, "%-8s %6d %14.2f %18.6f %18.2f %8d %14s\n",
				s.Name, s.Block,
				mathutil.ToFloat(s.Price, cfg.Oracle.Decimals),
				mathutil.ToFloat(s.Position.Collateral, collDec),
				mathutil.ToFloat(s.Position.Debt, loanDec),
				s.Position.LoopCount,
				formatHealth(s.Position.HealthFactor))
		}
		if last := result.Last(); last.Held.Sign() > 0 {
			fmt.Fprintf(out, "recovered %.6f %s to the vault\n", mathutil.ToFloat(last.Held, collDec), cfg.Tokens.Collateral.Symbol)
		}
		return nil
	},
}

func formatHealth(hf *big.Int) string {
	if domain.IsInfinite(hf) {
		return "inf"
	}
	return fmt.Sprintf("%.4f", mathutil.ToFloat(hf, 18))
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().StringVar(&simDeposit, "deposit", "1", "collateral to deposit")
	simulateCmd.Flags().StringVar(&simCrashPrice, "crash-price", "1000", "price to move the oracle to after looping (empty skips)")
	simulateCmd.Flags().DurationVar(&simSettle, "settle", 500*time.Millisecond, "quiet period before a stage is read")
	simulateCmd.Flags().DurationVar(&simTimeout, "timeout", time.Minute, "overall timeout")
}
