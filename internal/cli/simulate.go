package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"budget-guard/internal/app"
)

var simulateOpts app.SimulateOptions

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "模拟一条预算通知并走完整处置流程",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateOpts.AccountID == "" {
			return errors.New("--account 不能为空")
		}
		if simulateOpts.Threshold < 0 || simulateOpts.Threshold > 1 {
			return errors.New("--threshold 必须在 [0,1] 之间")
		}
		return getApp().Simulate(cmd.Context(), simulateOpts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateOpts.AccountID, "account", "", "Billing account id")
	simulateCmd.Flags().StringVar(&simulateOpts.BudgetID, "budget", "", "Budget id")
	simulateCmd.Flags().Float64Var(&simulateOpts.Threshold, "threshold", 1.0, "Crossed threshold as a fraction of the budget")
	simulateCmd.Flags().Float64Var(&simulateOpts.Cost, "cost", 0, "Accrued cost")
	simulateCmd.Flags().Float64Var(&simulateOpts.Budget, "amount", 0, "Budget amount")
	simulateCmd.Flags().StringVar(&simulateOpts.Currency, "currency", "USD", "Currency code")
	simulateCmd.Flags().IntVar(&simulateOpts.Count, "count", 1, "Number of concurrent deliveries of the same notification")
	simulateCmd.Flags().BoolVar(&simulateOpts.Live, "live", false, "Use the configured control plane instead of the dry-run plane")
}
