package cmd

import (
	"context"
	"errors"
	"io/fs"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/borrowbot/config"
	"github.com/michaelpento.lv/borrowbot/utils"
)

var (
	cfgFile     string
	marketsFile string
	ledgerDSN   string
	logFile     string
	debug       bool
)

var rootCmd = &cobra.Command{
	Use:   "borrowbot",
	Short: "Plan, open and maintain borrow positions across lending platforms",
	Long: `borrowbot quotes collateral/borrow conversions on several lending
platforms, opens and repays positions, keeps their health factor near
target and records every action in a ledger.`,
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.borrowbot.json)")
	rootCmd.PersistentFlags().StringVar(&marketsFile, "markets", "", "YAML market fixture")
	rootCmd.PersistentFlags().StringVar(&ledgerDSN, "ledger", "", "sqlite DSN of the ledger journal")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write logs to this file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func initConfig() {
	if err := config.LoadEnv(); err != nil {
		utils.InitLogger(debug, logFile).Warn("Failed to load .env", zap.Error(err))
		return
	}
	utils.InitLogger(debug, logFile)
}

// loadConfig reads the config file, falling back to defaults when none was
// given and the default file does not exist. Flags win over both.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		if cfgFile != "" || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg = config.DefaultConfig()
		config.ApplyEnv(cfg)
	}
	if marketsFile != "" {
		cfg.MarketsFile = marketsFile
	}
	if ledgerDSN != "" {
		cfg.LedgerDSN = ledgerDSN
	}
	if err := cfg.ValidateConfig(); err != nil {
		return nil, err
	}
	cfg.Logger = utils.GetLogger()
	return cfg, nil
}
