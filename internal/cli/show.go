package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"budget-guard/internal/app"
)

var (
	showLimit  int
	showAudits bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display disable records and recent audit records",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:  showLimit,
			Audits: showAudits,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showAudits, "audits", false, "Also display recent audit records (requires database)")
}
