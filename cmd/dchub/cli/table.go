package cli

import (
	"os"

	"github.com/olekukonko/tablewriter"
)

func newTable(headers []string) *tablewriter.Table {
	t := tablewriter.NewWriter(os.Stdout)
	t.SetHeader(headers)
	t.SetAutoWrapText(false)
	t.SetBorder(false)
	return t
}
