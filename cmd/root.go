package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/loopvault/config"
	"github.com/michaelpento.lv/loopvault/utils"
)

var (
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "loopvault",
	Short: "A leveraged lending vault driven by on-chain events",
	Long: `loopvault runs a leveraged collateral vault against a lending ledger.
Deposits are looped automatically by a reactive controller, and a price
crash below the configured threshold unwinds the position with a flash loan.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/"+config.DefaultFileName+")")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func initConfig() {
	log := utils.InitLogger(debug)
	if err := config.LoadEnv(); err != nil {
		log.Warn("Failed to load .env file", zap.Error(err))
	}
}

// loadConfig reads --config when given, then the default file if present,
// and falls back to the built-in defaults.
func loadConfig() (*config.Config, error) {
	cfg, err := readConfig()
	if err != nil {
		return nil, err
	}
	if !debug && cfg.LogLevel != "" {
		if err := utils.SetLevel(cfg.LogLevel); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func readConfig() (*config.Config, error) {
	if cfgFile != "" {
		return config.LoadConfig(cfgFile)
	}
	home, err := os.UserHomeDir()
	if err == nil {
		if _, err := os.Stat(filepath.Join(home, config.DefaultFileName)); err == nil {
			return config.LoadConfig("")
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return config.LoadDefaults()
}
