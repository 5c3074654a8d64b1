// Package cmd provides the rigwatch CLI: fleet status views, the serve
// daemon, exports and history replay, all over the daemon's REST surface.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/rigwatch/internal/config"
)

// Version is stamped by the release build.
var Version = "0.3.0"

var (
	flagConfig string
	flagServer string
)

var rootCmd = &cobra.Command{
	Use:     "rigwatch",
	Short:   "Rigwatch - Gas Town fleet observability",
	Version: Version,
	Long: `Rigwatch watches a Gas Town fleet: it polls gt and bd, diffs the
results into a live event stream, evaluates alert rules and serves
dashboards. Run 'rigwatch serve' to start the daemon; the other
subcommands talk to it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatusTable(cmd)
	},
}

// Execute runs the root command and returns an exit code.
// The caller (main) should call os.Exit with this code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		if errors.Is(err, errServerDown) {
			fmt.Fprintln(os.Stderr, "rigwatch: server not running (start with 'rigwatch serve')")
		}
		return 1
	}
	return 0
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default rigwatch.toml)")
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "", "server address (default from config)")
	rootCmd.SilenceUsage = true
}

// loadConfig resolves configuration for the current invocation.
func loadConfig() (config.Config, error) {
	return config.Load(flagConfig)
}

// client builds the REST client pointed at the configured daemon.
func client() (*apiClient, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	addr := flagServer
	if addr == "" {
		addr = cfg.ListenAddr()
	}
	return newAPIClient(addr), nil
}
