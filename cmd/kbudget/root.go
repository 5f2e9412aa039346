package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

// rootCmd represents the base command when called without any subcommands.
// Browsers launch native messaging hosts with the extension origin as an
// argument (and, on Windows, a --parent-window flag), so both are tolerated.
var rootCmd = &cobra.Command{
	Use:   "kbudget",
	Short: "kbudget - time budgets for websites",
	Long: `kbudget enforces daily time budgets and scheduled blocks for websites.
Run without a subcommand it acts as the browser's native messaging host.`,
	Version:            version,
	Args:               cobra.ArbitraryArgs,
	FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
	SilenceUsage:       true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to host command when no subcommand is provided
		return runHost(cmd, args)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
}

func defaultConfigPath() string {
	if path := os.Getenv("KBUDGET_CONFIG"); path != "" {
		return path
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "kbudget", "config.yaml")
	}
	return "/etc/kbudget/config.yaml"
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
