package cli

import (
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show hub, share-root and slot counts from the configuration",
	Long: `status reads the configuration and prints a summary table of hub,
share-root, slot and extra-slot counts. It does not read the saved queue and
does not talk to a running "dchub run" process (no IPC surface is defined).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		table := newTable([]string{"SECTION", "COUNT"})
		table.Append([]string{"hubs", itoa(len(cfg.Hubs))})
		table.Append([]string{"share roots", itoa(len(cfg.Roots))})
		table.Append([]string{"slots", itoa(cfg.Slots)})
		table.Append([]string{"extra slots", itoa(cfg.ExtraSlots)})
		table.Render()
		return nil
	},
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
