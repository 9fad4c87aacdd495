package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/loopvault/cmd/bot"
	"github.com/michaelpento.lv/loopvault/utils"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Deploy the system and run the automation until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := utils.GetLogger()
		ctx := cmd.Context()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Logger = log

		b, err := bot.New(ctx, cfg, log)
		if err != nil {
			return err
		}
		if err := b.Start(ctx); err != nil {
			return err
		}

		addrs := b.Addresses()
		log.Info("Automation running",
			zap.String("vault", addrs.Vault.Hex()),
			zap.String("user", addrs.User.Hex()),
			zap.Uint64("chainId", cfg.ChainID))

		<-ctx.Done()
		log.Info("Shutting down gracefully...")
		return b.Stop()
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}
