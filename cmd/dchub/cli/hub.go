package cli

import (
	"fmt"

	"github.com/manifoldco/promptui"
	"github.com/prxssh/dchub/internal/config"
	"github.com/spf13/cobra"
)

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Manage configured hubs",
}

var hubAddCmd = &cobra.Command{
	Use:   "add <url> <nick>",
	Short: "Add a hub to the configuration",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		entry := config.HubEntry{URL: args[0], Nick: args[1]}

		prompt := promptui.Prompt{Label: "Hub password (leave empty if none)", Mask: '*'}
		pass, err := prompt.Run()
		if err == nil {
			entry.Password = pass
		}

		cfg.Hubs = append(cfg.Hubs, entry)
		if err := config.Save(cfgPath, cfg); err != nil {
			return err
		}
		fmt.Printf("added hub %s as %s\n", entry.URL, entry.Nick)
		return nil
	},
}

var hubRemoveCmd = &cobra.Command{
	Use:   "remove <url>",
	Short: "Remove a hub from the configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cfg.Hubs[:0]
		for _, h := range cfg.Hubs {
			if h.URL != args[0] {
				out = append(out, h)
			}
		}
		cfg.Hubs = out
		return config.Save(cfgPath, cfg)
	},
}

var hubListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured hubs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		table := newTable([]string{"URL", "NICK"})
		for _, h := range cfg.Hubs {
			table.Append([]string{h.URL, h.Nick})
		}
		table.Render()
		return nil
	},
}

func init() {
	hubCmd.AddCommand(hubAddCmd, hubRemoveCmd, hubListCmd)
}
