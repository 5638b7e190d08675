package cli

import (
	"fmt"

	"github.com/prxssh/dchub/internal/config"
	"github.com/spf13/cobra"
)

var shareCmd = &cobra.Command{
	Use:   "share",
	Short: "Manage shared directories",
}

var shareAddCmd = &cobra.Command{
	Use:   "add <virtual-name> <real-path>",
	Short: "Add a directory to the shared library",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.Roots = append(cfg.Roots, config.ShareRoot{VirtualName: args[0], RealPath: args[1]})
		if err := config.Save(cfgPath, cfg); err != nil {
			return err
		}
		fmt.Printf("added share root %q -> %s\n", args[0], args[1])
		return nil
	},
}

var shareRemoveCmd = &cobra.Command{
	Use:   "remove <virtual-name>",
	Short: "Remove a directory from the shared library",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cfg.Roots[:0]
		for _, r := range cfg.Roots {
			if r.VirtualName != args[0] {
				out = append(out, r)
			}
		}
		cfg.Roots = out
		return config.Save(cfgPath, cfg)
	},
}

var shareListCmd = &cobra.Command{
	Use:   "list",
	Short: "List shared directories",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		table := newTable([]string{"VIRTUAL NAME", "REAL PATH"})
		for _, r := range cfg.Roots {
			table.Append([]string{r.VirtualName, r.RealPath})
		}
		table.Render()
		return nil
	},
}

func init() {
	shareCmd.AddCommand(shareAddCmd, shareRemoveCmd, shareListCmd)
}
