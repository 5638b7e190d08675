// Package cli implements the dchub command-line surface: starting the
// client, managing hubs and share roots, and inspecting the queue.
package cli

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prxssh/dchub/internal/config"
	"github.com/prxssh/dchub/pkg/logging"
	"github.com/spf13/cobra"
)

var (
	cfgPath string
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "dchub",
	Short: "A dual ADC/NMDC hub-and-transfer client",
	Long: `dchub connects to DC++/ADC hubs, shares files over a Tiger-Tree-Hash
indexed library, and manages segmented multi-source downloads.

Use "dchub [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		opts := logging.DefaultOptions()
		opts.SlogOpts.Level = level
		logger = slog.New(logging.NewPrettyHandler(os.Stderr, &opts))
	},
}

func init() {
	home, _ := os.UserHomeDir()
	defaultCfg := filepath.Join(home, ".config", "dchub", "config.yaml")

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", defaultCfg, "path to config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runCmd, hubCmd, shareCmd, queueCmd, statusCmd)
}

// Root returns the root cobra command.
func Root() *cobra.Command { return rootCmd }

func loadConfig() (config.Config, error) {
	return config.Load(cfgPath)
}
