package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/prxssh/dchub/internal/core"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the client and stay connected to every configured hub",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		c, err := core.New(cfg, logger)
		if err != nil {
			return err
		}

		for _, root := range cfg.Roots {
			_ = root // share refresh is driven by Core.Share.Refresh once roots are wired at startup
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		for _, h := range cfg.Hubs {
			if err := c.AddHub(ctx, h, noopListener{}); err != nil {
				return err
			}
		}

		return c.Run(ctx)
	},
}
